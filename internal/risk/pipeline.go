// Package risk implements the pre-trade gate pipeline: an ordered,
// short-circuiting chain of checks evaluated against a consistent
// snapshot taken once at pipeline entry.
package risk

import (
	"github.com/rs/zerolog/log"
)

// Intent is the proposed order as the gates see it.
type Intent struct {
	TenantID  string
	AccountID string
	Symbol    string
	Side      string
	Quantity  float64
	Price     float64 // limit price, or last-known mark for market orders
}

// Snapshot is the account state captured once at pipeline entry. No
// gate re-reads evolving state mid-pipeline, which closes the
// time-of-check/time-of-use window against concurrently arriving
// orders.
type Snapshot struct {
	OpenOrderCount int
	PositionQty    float64 // current net quantity in the intent's instrument
	RealizedPnL    float64 // today's realized P&L for the account
	Tradable       bool    // instrument reference data flag
	KnownSymbol    bool    // instrument exists in reference data
}

// Rejection is a machine-readable gate failure. Compliance marks
// failures of regulatory character (restricted or non-tradable
// instruments) as opposed to exposure limits.
type Rejection struct {
	Gate       string
	Code       string
	Reason     string
	Compliance bool
}

// Gate is one pre-trade check. A nil result is a pass.
type Gate interface {
	Name() string
	Check(intent *Intent, snap *Snapshot) *Rejection
}

// Pipeline is the fixed, ordered gate chain. Static gates run before
// dynamic ones: they are cheaper and their failure makes dynamic
// evaluation moot.
type Pipeline struct {
	gates []Gate
}

// NewPipeline builds a pipeline evaluating gates in the given order.
func NewPipeline(gates ...Gate) *Pipeline {
	return &Pipeline{gates: gates}
}

// Gates returns the chain in evaluation order.
func (p *Pipeline) Gates() []Gate { return p.gates }

// Evaluate runs the chain and returns the first failure, or nil when
// every gate passes.
func (p *Pipeline) Evaluate(intent *Intent, snap *Snapshot) *Rejection {
	logger := log.With().
		Str("tenant_id", intent.TenantID).
		Str("symbol", intent.Symbol).
		Float64("quantity", intent.Quantity).
		Str("component", "risk_pipeline").
		Logger()

	for _, g := range p.gates {
		if rej := g.Check(intent, snap); rej != nil {
			logger.Warn().
				Str("gate", rej.Gate).
				Str("code", rej.Code).
				Str("reason", rej.Reason).
				Msg("gate rejected order")
			return rej
		}
		logger.Debug().Str("gate", g.Name()).Msg("gate passed")
	}
	return nil
}
