package store

import (
	"context"
	"errors"
	"time"

	"github.com/jensholdgaard/cricket-auction/internal/audit"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrNotAvailable is returned when a player is edited after it left
	// the available pool.
	ErrNotAvailable = errors.New("player not available")
)

// PlayerStatus is the lifecycle state of a player in the auction.
type PlayerStatus string

const (
	StatusAvailable PlayerStatus = "available"
	StatusSold      PlayerStatus = "sold"
	StatusUnsold    PlayerStatus = "unsold"
)

// Position is a player's playing role.
type Position string

const (
	Batsman      Position = "Batsman"
	Bowler       Position = "Bowler"
	AllRounder   Position = "All-rounder"
	WicketKeeper Position = "Wicket-keeper"
)

// Valid reports whether p is one of the known positions.
func (p Position) Valid() bool {
	switch p {
	case Batsman, Bowler, AllRounder, WicketKeeper:
		return true
	}
	return false
}

// LedgerType is the direction of a ledger entry.
type LedgerType string

const (
	Debit  LedgerType = "debit"
	Credit LedgerType = "credit"
)

// Team represents a franchise. Budget is the remaining purse.
type Team struct {
	ID             int64     `json:"id" db:"id"`
	Name           string    `json:"name" db:"name"`
	Budget         int64     `json:"budget" db:"budget"`
	HasQuotaPlayer bool      `json:"has_pune_player" db:"has_pune_player"`
	LogoURL        *string   `json:"logo_url,omitempty" db:"logo_url"`
	OwnerName      *string   `json:"owner_name,omitempty" db:"owner_name"`
	OwnerImage     *string   `json:"owner_image,omitempty" db:"owner_image"`
	Captain        *string   `json:"captain,omitempty" db:"captain"`
	ViceCaptain    *string   `json:"vice_captain,omitempty" db:"vice_captain"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// Player represents an auctionable cricketer. CurrentPrice stays 0 until sold.
type Player struct {
	ID           int64        `json:"id" db:"id"`
	Name         string       `json:"name" db:"name"`
	Position     Position     `json:"position" db:"position"`
	BasePrice    int64        `json:"base_price" db:"base_price"`
	City         *string      `json:"city,omitempty" db:"city"`
	Status       PlayerStatus `json:"status" db:"status"`
	CurrentPrice int64        `json:"current_price" db:"current_price"`
	ImageURL     *string      `json:"image_url,omitempty" db:"image_url"`
	Achievement  *string      `json:"achievement,omitempty" db:"achievement"`
	CreatedAt    time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at" db:"updated_at"`
}

// CityIs reports whether the player's home city equals city.
func (p Player) CityIs(city string) bool {
	return city != "" && p.City != nil && *p.City == city
}

// Assignment records a player sold to a team. It is never updated.
type Assignment struct {
	ID         int64     `json:"id" db:"id"`
	PlayerID   int64     `json:"player_id" db:"player_id"`
	TeamID     int64     `json:"team_id" db:"team_id"`
	FinalPrice int64     `json:"final_price" db:"final_price"`
	AssignedAt time.Time `json:"assigned_at" db:"assigned_at"`
}

// AssignmentDetail is an assignment joined with the player and team rows
// read in the same query.
type AssignmentDetail struct {
	Assignment
	Player Player `json:"player" db:"player"`
	Team   Team   `json:"team" db:"team"`
}

// LedgerEntry is an append-only financial record.
type LedgerEntry struct {
	ID          int64      `json:"id" db:"id"`
	TeamID      int64      `json:"team_id" db:"team_id"`
	PlayerID    *int64     `json:"player_id,omitempty" db:"player_id"`
	Type        LedgerType `json:"transaction_type" db:"transaction_type"`
	Amount      int64      `json:"amount" db:"amount"`
	Description string     `json:"description" db:"description"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
}

// AuctionState is the singleton row (ID 1) pointing at the player on the block.
type AuctionState struct {
	ID              int       `json:"id" db:"id"`
	CurrentPlayerID *int64    `json:"current_player_id" db:"current_player_id"`
	UpdatedAt       time.Time `json:"updated_at" db:"updated_at"`
}

// SquadMember is one bought player in a team summary.
type SquadMember struct {
	PlayerID   int64     `json:"player_id" db:"player_id"`
	Name       string    `json:"name" db:"name"`
	Position   Position  `json:"position" db:"position"`
	City       *string   `json:"city,omitempty" db:"city"`
	FinalPrice int64     `json:"final_price" db:"final_price"`
	AssignedAt time.Time `json:"assigned_at" db:"assigned_at"`
}

// TeamSummary is the authoritative aggregate for one team, read from
// committed state only.
type TeamSummary struct {
	Team       Team          `json:"team"`
	TotalSpent int64         `json:"total_spent"`
	Squad      []SquadMember `json:"players"`
}

// Overview aggregates auction-wide progress.
type Overview struct {
	TotalTeams       int   `json:"total_teams" db:"total_teams"`
	TotalPlayers     int   `json:"total_players" db:"total_players"`
	SoldPlayers      int   `json:"sold_players" db:"sold_players"`
	UnsoldPlayers    int   `json:"unsold_players" db:"unsold_players"`
	AvailablePlayers int   `json:"available_players" db:"available_players"`
	TotalSpent       int64 `json:"total_spent" db:"total_spent"`
	TotalBudget      int64 `json:"total_budget" db:"total_budget"`
}

// Collection names a watched table.
type Collection string

const (
	Teams           Collection = "teams"
	Players         Collection = "players"
	Assignments     Collection = "assignments"
	StateCollection Collection = "auction_state"
)

// Collections returns every collection that emits change notifications.
func Collections() []Collection {
	return []Collection{Teams, Players, Assignments, StateCollection}
}

// TeamRepository defines team persistence operations.
type TeamRepository interface {
	Create(ctx context.Context, t *Team) error
	GetByID(ctx context.Context, id int64) (*Team, error)
	List(ctx context.Context) ([]Team, error)
	Summary(ctx context.Context, id int64) (*TeamSummary, error)
}

// PlayerRepository defines player persistence operations.
type PlayerRepository interface {
	Create(ctx context.Context, p *Player) error
	GetByID(ctx context.Context, id int64) (*Player, error)
	List(ctx context.Context) ([]Player, error)
	ListByStatus(ctx context.Context, status PlayerStatus) ([]Player, error)
	// Update overwrites the editable fields of an available player and
	// reloads p from the stored row. Status, price and timestamps other
	// than UpdatedAt are left alone.
	Update(ctx context.Context, p *Player) error
	// RecycleUnsold moves every unsold player back to available in a single
	// statement, but only while no player is available. It returns the number
	// of players moved.
	RecycleUnsold(ctx context.Context) (int64, error)
}

// AssignmentRepository defines read access to sales and the ledger.
type AssignmentRepository interface {
	List(ctx context.Context) ([]AssignmentDetail, error)
	Overview(ctx context.Context) (*Overview, error)
	Ledger(ctx context.Context, teamID int64) ([]LedgerEntry, error)
}

// AuctionStateRepository reads and writes the singleton auction state.
type AuctionStateRepository interface {
	Get(ctx context.Context) (*AuctionState, error)
	SetCurrentPlayer(ctx context.Context, playerID *int64) error
}

// Tx is the set of row-level operations available inside a transaction.
// Lock methods hold the row until commit or rollback.
type Tx interface {
	LockPlayer(ctx context.Context, id int64) (*Player, error)
	LockTeam(ctx context.Context, id int64) (*Team, error)
	LockAssignment(ctx context.Context, id int64) (*Assignment, error)
	CountAssignments(ctx context.Context, teamID int64) (int, error)
	// CountQuotaPlayers counts players from city already bought by teamID.
	CountQuotaPlayers(ctx context.Context, teamID int64, city string) (int, error)

	MarkSold(ctx context.Context, playerID, price int64) error
	SetPlayerStatus(ctx context.Context, playerID int64, status PlayerStatus) error
	AdjustBudget(ctx context.Context, teamID, delta int64) error
	SetQuotaFlag(ctx context.Context, teamID int64, has bool) error
	InsertAssignment(ctx context.Context, a *Assignment) error
	DeleteAssignment(ctx context.Context, id int64) error
	InsertLedger(ctx context.Context, e *LedgerEntry) error
	InsertAudit(ctx context.Context, e audit.Entry) error
}

// Transactor runs fn inside a single transaction. Returning an error from fn
// rolls back every change made through the Tx.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
}

// Subscription delivers change notifications for one collection. The channel
// carries no payload; receivers re-fetch. It is closed when the underlying
// transport is lost.
type Subscription interface {
	Notifications() <-chan struct{}
	Close() error
}

// Notifier opens change subscriptions.
type Notifier interface {
	Subscribe(ctx context.Context, c Collection) (Subscription, error)
}
