package risk

import (
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/dunmininu/oms-trading/internal/config"
)

// Rejection codes, stable for programmatic handling.
const (
	CodeSymbolNotAllowed   = "SYMBOL_NOT_ALLOWED"
	CodeQuantityOutOfRange = "QUANTITY_OUT_OF_RANGE"
	CodeNotionalLimit      = "NOTIONAL_LIMIT_EXCEEDED"
	CodeRateLimited        = "ORDER_RATE_EXCEEDED"
	CodeOpenOrderLimit     = "OPEN_ORDER_LIMIT"
	CodeConcentration      = "CONCENTRATION_LIMIT"
	CodeDailyLoss          = "DAILY_LOSS_LIMIT"
)

// DefaultGates builds the standard chain in its fixed evaluation
// order: whitelist, quantity bounds, notional, rate, open orders,
// concentration, daily loss.
func DefaultGates(cfg *config.RiskConfig) []Gate {
	return []Gate{
		NewSymbolWhitelistGate(cfg.SymbolWhitelist),
		NewQuantityGate(cfg.MinQuantity, cfg.MaxQuantity),
		NewNotionalGate(cfg.MaxNotional),
		NewRateGate(cfg.OrdersPerMinute),
		NewOpenOrderGate(cfg.MaxOpenOrders),
		NewConcentrationGate(cfg.MaxPositionQty),
		NewDailyLossGate(cfg.MaxDailyLoss),
	}
}

// SymbolWhitelistGate allows only configured symbols. With an empty
// whitelist it falls back to instrument reference data: the symbol
// must exist and be tradable.
type SymbolWhitelistGate struct {
	allowed map[string]bool
}

func NewSymbolWhitelistGate(symbols []string) *SymbolWhitelistGate {
	allowed := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		allowed[strings.ToUpper(s)] = true
	}
	return &SymbolWhitelistGate{allowed: allowed}
}

func (g *SymbolWhitelistGate) Name() string { return "symbol_whitelist" }

func (g *SymbolWhitelistGate) Check(intent *Intent, snap *Snapshot) *Rejection {
	if len(g.allowed) > 0 {
		if !g.allowed[strings.ToUpper(intent.Symbol)] {
			return &Rejection{
				Gate:       g.Name(),
				Code:       CodeSymbolNotAllowed,
				Reason:     fmt.Sprintf("symbol %s is not on the tradable whitelist", intent.Symbol),
				Compliance: true,
			}
		}
		return nil
	}
	if !snap.KnownSymbol || !snap.Tradable {
		return &Rejection{
			Gate:       g.Name(),
			Code:       CodeSymbolNotAllowed,
			Reason:     fmt.Sprintf("symbol %s is not tradable", intent.Symbol),
			Compliance: true,
		}
	}
	return nil
}

// QuantityGate enforces per-order quantity bounds.
type QuantityGate struct {
	min float64
	max float64
}

func NewQuantityGate(min, max float64) *QuantityGate {
	return &QuantityGate{min: min, max: max}
}

func (g *QuantityGate) Name() string { return "quantity_bounds" }

func (g *QuantityGate) Check(intent *Intent, snap *Snapshot) *Rejection {
	if g.min > 0 && intent.Quantity < g.min {
		return &Rejection{
			Gate:   g.Name(),
			Code:   CodeQuantityOutOfRange,
			Reason: fmt.Sprintf("quantity %v below minimum %v", intent.Quantity, g.min),
		}
	}
	if g.max > 0 && intent.Quantity > g.max {
		return &Rejection{
			Gate:   g.Name(),
			Code:   CodeQuantityOutOfRange,
			Reason: fmt.Sprintf("quantity %v above maximum %v", intent.Quantity, g.max),
		}
	}
	return nil
}

// NotionalGate caps quantity times price per order. Decimal
// arithmetic avoids float rounding at the boundary.
type NotionalGate struct {
	max decimal.Decimal
}

func NewNotionalGate(max float64) *NotionalGate {
	return &NotionalGate{max: decimal.NewFromFloat(max)}
}

func (g *NotionalGate) Name() string { return "notional_limit" }

func (g *NotionalGate) Check(intent *Intent, snap *Snapshot) *Rejection {
	if g.max.IsZero() || intent.Price <= 0 {
		return nil
	}
	notional := decimal.NewFromFloat(intent.Quantity).Mul(decimal.NewFromFloat(intent.Price))
	if notional.GreaterThan(g.max) {
		return &Rejection{
			Gate:   g.Name(),
			Code:   CodeNotionalLimit,
			Reason: fmt.Sprintf("order notional %s exceeds limit %s", notional.StringFixed(2), g.max.StringFixed(2)),
		}
	}
	return nil
}

// RateGate throttles order submission per tenant using a token
// bucket. The gate is stateful: limiters persist across calls for
// the life of the process.
type RateGate struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func NewRateGate(ordersPerMinute float64) *RateGate {
	if ordersPerMinute <= 0 {
		ordersPerMinute = 60
	}
	return &RateGate{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(ordersPerMinute / 60.0),
		burst:    int(ordersPerMinute),
	}
}

func (g *RateGate) Name() string { return "rate_throttle" }

func (g *RateGate) Check(intent *Intent, snap *Snapshot) *Rejection {
	g.mu.Lock()
	lim, ok := g.limiters[intent.TenantID]
	if !ok {
		lim = rate.NewLimiter(g.limit, g.burst)
		g.limiters[intent.TenantID] = lim
	}
	g.mu.Unlock()

	if !lim.Allow() {
		return &Rejection{
			Gate:   g.Name(),
			Code:   CodeRateLimited,
			Reason: "order submission rate exceeded for tenant",
		}
	}
	return nil
}

// OpenOrderGate caps concurrently live orders per account.
type OpenOrderGate struct {
	max int
}

func NewOpenOrderGate(max int) *OpenOrderGate { return &OpenOrderGate{max: max} }

func (g *OpenOrderGate) Name() string { return "open_order_count" }

func (g *OpenOrderGate) Check(intent *Intent, snap *Snapshot) *Rejection {
	if g.max > 0 && snap.OpenOrderCount >= g.max {
		return &Rejection{
			Gate:   g.Name(),
			Code:   CodeOpenOrderLimit,
			Reason: fmt.Sprintf("account has %d open orders, limit is %d", snap.OpenOrderCount, g.max),
		}
	}
	return nil
}

// ConcentrationGate caps the absolute position the order could grow
// to if fully filled.
type ConcentrationGate struct {
	maxQty float64
}

func NewConcentrationGate(maxQty float64) *ConcentrationGate {
	return &ConcentrationGate{maxQty: maxQty}
}

func (g *ConcentrationGate) Name() string { return "concentration" }

func (g *ConcentrationGate) Check(intent *Intent, snap *Snapshot) *Rejection {
	if g.maxQty <= 0 {
		return nil
	}
	delta := intent.Quantity
	if strings.EqualFold(intent.Side, "SELL") {
		delta = -delta
	}
	projected := math.Abs(snap.PositionQty + delta)
	if projected > g.maxQty {
		return &Rejection{
			Gate:   g.Name(),
			Code:   CodeConcentration,
			Reason: fmt.Sprintf("projected position %v would exceed concentration limit %v", projected, g.maxQty),
		}
	}
	return nil
}

// DailyLossGate blocks new risk once the day's realized loss breaches
// the configured threshold.
type DailyLossGate struct {
	maxLoss float64
}

func NewDailyLossGate(maxLoss float64) *DailyLossGate {
	return &DailyLossGate{maxLoss: maxLoss}
}

func (g *DailyLossGate) Name() string { return "daily_loss" }

func (g *DailyLossGate) Check(intent *Intent, snap *Snapshot) *Rejection {
	if g.maxLoss <= 0 {
		return nil
	}
	if snap.RealizedPnL <= -g.maxLoss {
		return &Rejection{
			Gate:   g.Name(),
			Code:   CodeDailyLoss,
			Reason: fmt.Sprintf("daily realized loss %v breaches limit %v", snap.RealizedPnL, g.maxLoss),
		}
	}
	return nil
}
