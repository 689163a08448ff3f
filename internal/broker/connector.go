package broker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dunmininu/oms-trading/internal/config"
	"github.com/dunmininu/oms-trading/internal/events"
	"github.com/dunmininu/oms-trading/internal/types"
)

// SessionState is the connector's session sub-state.
type SessionState string

const (
	SessionConnected    SessionState = "CONNECTED"
	SessionReconnecting SessionState = "RECONNECTING"
	SessionCircuitOpen  SessionState = "CIRCUIT_OPEN" // BROKER_UNAVAILABLE until probed
)

// Connector maintains exactly one logical session per (tenant, broker
// account). It owns reconnect, backoff and circuit-breaker policy, and
// is the single writer on the venue session. While disconnected,
// commands fail fast with ConnectivityError; they are never queued.
type Connector struct {
	tenantID  string
	accountID string
	venue     Venue
	cfg       config.BrokerConfig
	bus       *events.Bus
	breaker   *Breaker

	// handler receives venue events on a single dispatch goroutine so
	// per-order sequence order is preserved.
	handler func(Event)

	// onConnected runs a reconciliation pass before new order flow is
	// accepted on a fresh session.
	onConnected func(ctx context.Context) error

	mu        sync.Mutex
	state     SessionState
	accepting bool

	probeCh chan struct{}
}

// NewConnector builds a connector for one account. SetHandler and
// SetOnConnected must be called before Run.
func NewConnector(tenantID string, venue Venue, cfg config.BrokerConfig, bus *events.Bus) *Connector {
	return &Connector{
		tenantID:  tenantID,
		accountID: cfg.AccountID,
		venue:     venue,
		cfg:       cfg,
		bus:       bus,
		breaker:   NewBreaker(cfg.AccountID, cfg.BreakerThreshold),
		state:     SessionReconnecting,
		probeCh:   make(chan struct{}, 1),
	}
}

// SetHandler registers the consumer of asynchronous venue events.
func (c *Connector) SetHandler(h func(Event)) { c.handler = h }

// SetOnConnected registers the reconciliation pass run on every
// transition into the connected state.
func (c *Connector) SetOnConnected(fn func(ctx context.Context) error) { c.onConnected = fn }

// Run drives the session until ctx is canceled.
func (c *Connector) Run(ctx context.Context) {
	logger := log.With().
		Str("component", "broker_connector").
		Str("account_id", c.accountID).
		Str("venue", c.venue.Name()).
		Logger()

	for {
		if ctx.Err() != nil {
			return
		}

		if !c.breaker.Allow() {
			c.setState(SessionCircuitOpen, false)
			logger.Warn().Msg("circuit open, waiting for probe")
			select {
			case <-ctx.Done():
				return
			case <-c.probeCh:
			}
			continue
		}

		if err := c.venue.Connect(ctx); err != nil {
			c.setState(SessionReconnecting, false)
			c.breaker.RecordFailure()
			if !c.breaker.Allow() {
				continue
			}
			delay := Backoff(c.breaker.Failures(), c.cfg.BackoffBase(), c.cfg.BackoffMax())
			logger.Warn().Err(err).Dur("retry_in", delay).Msg("venue connect failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}

		c.breaker.RecordSuccess()
		c.setState(SessionConnected, false)
		c.bus.Publish(types.EventBrokerReconnected, c.tenantID, c.accountID, nil)
		logger.Info().Msg("venue session established")

		// New order flow stays blocked until a reconciliation pass has
		// run against the fresh session, so a new submission cannot
		// race not-yet-replayed broker-side history.
		if c.onConnected != nil {
			if err := c.onConnected(ctx); err != nil {
				logger.Error().Err(err).Msg("reconciliation failed on reconnect, dropping session")
				c.dropSession()
				c.breaker.RecordFailure()
				continue
			}
		}
		c.setAccepting(true)
		logger.Info().Msg("accepting order flow")

		c.pump(ctx)

		c.dropSession()
		if ctx.Err() != nil {
			return
		}
	}
}

// pump dispatches venue events in arrival order until the stream ends.
func (c *Connector) pump(ctx context.Context) {
	evCh := c.venue.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-evCh:
			if !ok {
				return
			}
			if c.handler != nil {
				c.handler(ev)
			}
		}
	}
}

func (c *Connector) dropSession() {
	c.setState(SessionReconnecting, false)
	if err := c.venue.Close(); err != nil {
		log.Debug().Err(err).Str("account_id", c.accountID).Msg("venue close")
	}
	c.bus.Publish(types.EventBrokerDisconnected, c.tenantID, c.accountID, nil)
}

// Probe requests a half-open trial connection on an open breaker.
// Issued by an operator endpoint or health check.
func (c *Connector) Probe() bool {
	if !c.breaker.Probe() {
		return false
	}
	select {
	case c.probeCh <- struct{}{}:
	default:
	}
	return true
}

// State returns the session sub-state.
func (c *Connector) State() SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Accepting reports whether new order flow is currently admitted.
func (c *Connector) Accepting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == SessionConnected && c.accepting
}

func (c *Connector) setState(s SessionState, accepting bool) {
	c.mu.Lock()
	c.state = s
	c.accepting = accepting
	c.mu.Unlock()
}

func (c *Connector) setAccepting(v bool) {
	c.mu.Lock()
	c.accepting = v
	c.mu.Unlock()
}

// Submit routes an order to the venue, bounded by the configured call
// timeout. Timeouts surface as ConnectivityError: the command's actual
// outcome is unknown, not assumed failed.
func (c *Connector) Submit(ctx context.Context, req *OrderRequest) (string, error) {
	if !c.Accepting() {
		return "", &types.ConnectivityError{Op: "submit"}
	}
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout())
	defer cancel()

	brokerOrderID, err := c.venue.Submit(callCtx, req)
	if err != nil {
		return "", &types.ConnectivityError{Op: "submit", Err: err}
	}
	return brokerOrderID, nil
}

// Cancel requests cancellation of an open order.
func (c *Connector) Cancel(ctx context.Context, brokerOrderID string) error {
	if !c.Accepting() {
		return &types.ConnectivityError{Op: "cancel"}
	}
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout())
	defer cancel()

	if err := c.venue.Cancel(callCtx, brokerOrderID); err != nil {
		return &types.ConnectivityError{Op: "cancel", Err: err}
	}
	return nil
}

// Modify requests modification of an open order.
func (c *Connector) Modify(ctx context.Context, brokerOrderID string, req ModifyRequest) error {
	if !c.Accepting() {
		return &types.ConnectivityError{Op: "modify"}
	}
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout())
	defer cancel()

	if err := c.venue.Modify(callCtx, brokerOrderID, req); err != nil {
		return &types.ConnectivityError{Op: "modify", Err: err}
	}
	return nil
}

// Venue exposes the underlying venue for reconciliation's fetch-since
// queries. No other component may use it.
func (c *Connector) Venue() Venue { return c.venue }

// AccountID returns the broker account this connector serves.
func (c *Connector) AccountID() string { return c.accountID }

// TenantID returns the owning tenant.
func (c *Connector) TenantID() string { return c.tenantID }
