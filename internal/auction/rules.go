package auction

import "github.com/jensholdgaard/cricket-auction/internal/config"

// Rules holds the squad and budget constraints applied to every sale.
type Rules struct {
	MaxSquadSize   int
	MinSlotReserve int64
	QuotaCity      string
}

// RulesFrom builds Rules from configuration.
func RulesFrom(cfg config.AuctionConfig) Rules {
	return Rules{
		MaxSquadSize:   cfg.MaxSquadSize,
		MinSlotReserve: cfg.MinSlotReserve,
		QuotaCity:      cfg.QuotaCity,
	}
}

// Candidate is the authoritative team position against which a sale is
// checked. It must come from rows locked by the current transaction.
type Candidate struct {
	Budget         int64
	Purchased      int
	HasQuotaPlayer bool
	QuotaPlayer    bool
	Price          int64
}

// Check applies budget, squad, reserve and city-quota checks in that order.
// The first failure wins.
func (r Rules) Check(c Candidate) error {
	if c.Price > c.Budget {
		return reject(CodeInsufficientBudget, "insufficient budget: price %d exceeds remaining %d", c.Price, c.Budget)
	}

	remaining := r.RemainingSlots(c.Purchased)
	if remaining <= 0 {
		return reject(CodeSquadFull, "squad full: %d of %d slots used", c.Purchased, r.MaxSquadSize)
	}

	if need := r.ReserveAfter(c.Purchased); c.Budget-c.Price < need {
		return reject(CodeInsufficientReserve,
			"insufficient reserve: %d left after purchase, %d needed for %d remaining slots",
			c.Budget-c.Price, need, remaining-1)
	}

	if c.QuotaPlayer && c.HasQuotaPlayer {
		return reject(CodeCityQuotaExceeded, "team already has a %s player", r.QuotaCity)
	}
	return nil
}

// RemainingSlots is the number of players a team with purchased players may
// still buy.
func (r Rules) RemainingSlots(purchased int) int {
	return r.MaxSquadSize - purchased
}

// ReserveAfter is the budget a team must keep after buying one more player
// when it already has purchased players. Every slot left after that purchase
// except the last must be fundable at MinSlotReserve.
func (r Rules) ReserveAfter(purchased int) int64 {
	slotsAfter := r.RemainingSlots(purchased) - 1
	if slotsAfter <= 1 {
		return 0
	}
	return int64(slotsAfter-1) * r.MinSlotReserve
}

// MaxBid is the highest price a team could currently pay while keeping the
// reserve. It is zero when the squad is full.
func (r Rules) MaxBid(budget int64, purchased int) int64 {
	if r.RemainingSlots(purchased) <= 0 {
		return 0
	}
	bid := budget - r.ReserveAfter(purchased)
	if bid < 0 {
		return 0
	}
	return bid
}
