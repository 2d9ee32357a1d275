package postgres

import "strings"

var (
	teamColumns = []string{
		"id", "name", "budget", "has_pune_player", "logo_url", "owner_name",
		"owner_image", "captain", "vice_captain", "created_at",
	}
	playerColumns = []string{
		"id", "name", "position", "base_price", "city", "status", "current_price",
		"image_url", "achievement", "created_at", "updated_at",
	}
)

// columns renders cols qualified by alias, e.g. "t.id, t.name".
func columns(alias string, cols []string) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = alias + "." + c
	}
	return strings.Join(parts, ", ")
}

// nested renders cols qualified by alias and labelled for sqlx nested
// struct scanning, e.g. `p.id AS "player.id"`.
func nested(alias, prefix string, cols []string) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = alias + "." + c + ` AS "` + prefix + "." + c + `"`
	}
	return strings.Join(parts, ", ")
}
