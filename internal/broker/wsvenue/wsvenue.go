// Package wsvenue implements the Venue interface over a websocket
// session to a broker gateway. Requests are correlated by id over the
// socket; order-status and execution notifications arrive as pushed
// event frames; liveness is maintained with ping/pong heartbeats.
package wsvenue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dunmininu/oms-trading/internal/broker"
)

// Compile-time interface check.
var _ broker.Venue = (*Venue)(nil)

const (
	handshakeTimeout = 4 * time.Second
	writeTimeout     = 10 * time.Second
	pongTimeout      = 60 * time.Second
)

var errNotConnected = errors.New("websocket session not established")

// frame is the wire envelope in both directions.
type frame struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	OK        bool   `json:"ok,omitempty"`
	Error     string `json:"error,omitempty"`

	Order  *broker.OrderRequest  `json:"order,omitempty"`
	Modify *broker.ModifyRequest `json:"modify,omitempty"`

	BrokerOrderID string    `json:"broker_order_id,omitempty"`
	Since         time.Time `json:"since,omitempty"`

	OpenOrders []broker.VenueOrder     `json:"open_orders,omitempty"`
	Executions []broker.VenueExecution `json:"executions,omitempty"`
	Positions  []broker.VenuePosition  `json:"positions,omitempty"`

	Event *broker.Event `json:"event,omitempty"`
}

// Venue is a websocket-backed broker venue for one account.
type Venue struct {
	url             string
	heartbeatPeriod time.Duration

	mu      sync.Mutex
	conn    *websocket.Conn
	events  chan broker.Event
	pending map[string]chan *frame
	done    chan struct{}
}

// New creates a venue that dials url on Connect.
func New(url string, heartbeatPeriod time.Duration) *Venue {
	if heartbeatPeriod <= 0 {
		heartbeatPeriod = 30 * time.Second
	}
	return &Venue{
		url:             url,
		heartbeatPeriod: heartbeatPeriod,
	}
}

// Name returns "ws".
func (v *Venue) Name() string { return "ws" }

// Connect dials the gateway and starts the read and heartbeat pumps.
func (v *Venue) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, v.url, nil)
	if err != nil {
		return fmt.Errorf("failed to dial venue gateway: %w", err)
	}

	v.mu.Lock()
	v.conn = conn
	v.events = make(chan broker.Event, 256)
	v.pending = make(map[string]chan *frame)
	v.done = make(chan struct{})
	done := v.done
	v.mu.Unlock()

	conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})

	go v.readPump(conn)
	go v.heartbeat(conn, done)
	return nil
}

// Close tears the session down, failing any in-flight requests.
func (v *Venue) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.closeLocked()
}

func (v *Venue) closeLocked() error {
	if v.conn == nil {
		return nil
	}
	err := v.conn.Close()
	v.conn = nil
	close(v.done)
	close(v.events)
	for id, ch := range v.pending {
		close(ch)
		delete(v.pending, id)
	}
	return err
}

// Events returns the current session's notification stream.
func (v *Venue) Events() <-chan broker.Event {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.events
}

func (v *Venue) readPump(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Debug().Err(err).Msg("venue websocket read ended")
			v.mu.Lock()
			if v.conn == conn {
				v.closeLocked()
			}
			v.mu.Unlock()
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Warn().Err(err).Msg("discarding malformed venue frame")
			continue
		}

		switch f.Type {
		case "event":
			if f.Event == nil {
				continue
			}
			v.mu.Lock()
			ev := v.events
			connected := v.conn == conn
			v.mu.Unlock()
			if connected {
				select {
				case ev <- *f.Event:
				default:
					log.Warn().Str("client_order_id", f.Event.ClientOrderID).
						Msg("venue event buffer full, dropping")
				}
			}
		case "response":
			v.mu.Lock()
			ch, ok := v.pending[f.RequestID]
			if ok {
				delete(v.pending, f.RequestID)
			}
			v.mu.Unlock()
			if ok {
				ch <- &f
				close(ch)
			}
		default:
			log.Warn().Str("frame_type", f.Type).Msg("unknown venue frame type")
		}
	}
}

func (v *Venue) heartbeat(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(v.heartbeatPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(writeTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				log.Warn().Err(err).Msg("venue heartbeat failed")
				v.mu.Lock()
				if v.conn == conn {
					v.closeLocked()
				}
				v.mu.Unlock()
				return
			}
		}
	}
}

// request writes a correlated frame and waits for its response.
func (v *Venue) request(ctx context.Context, f *frame) (*frame, error) {
	f.RequestID = uuid.New().String()

	v.mu.Lock()
	conn := v.conn
	if conn == nil {
		v.mu.Unlock()
		return nil, errNotConnected
	}
	ch := make(chan *frame, 1)
	v.pending[f.RequestID] = ch

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err := conn.WriteJSON(f)
	v.mu.Unlock()
	if err != nil {
		v.mu.Lock()
		delete(v.pending, f.RequestID)
		v.mu.Unlock()
		return nil, fmt.Errorf("failed to write venue request: %w", err)
	}

	select {
	case <-ctx.Done():
		v.mu.Lock()
		delete(v.pending, f.RequestID)
		v.mu.Unlock()
		return nil, ctx.Err()
	case resp, ok := <-ch:
		if !ok || resp == nil {
			return nil, errNotConnected
		}
		if !resp.OK {
			return nil, errors.New(resp.Error)
		}
		return resp, nil
	}
}

// Submit routes a new order to the gateway.
func (v *Venue) Submit(ctx context.Context, req *broker.OrderRequest) (string, error) {
	resp, err := v.request(ctx, &frame{Type: "submit", Order: req})
	if err != nil {
		return "", err
	}
	return resp.BrokerOrderID, nil
}

// Cancel requests cancellation of an open order.
func (v *Venue) Cancel(ctx context.Context, brokerOrderID string) error {
	_, err := v.request(ctx, &frame{Type: "cancel", BrokerOrderID: brokerOrderID})
	return err
}

// Modify requests modification of an open order.
func (v *Venue) Modify(ctx context.Context, brokerOrderID string, req broker.ModifyRequest) error {
	_, err := v.request(ctx, &frame{Type: "modify", BrokerOrderID: brokerOrderID, Modify: &req})
	return err
}

// OpenOrders fetches the venue's open orders.
func (v *Venue) OpenOrders(ctx context.Context) ([]broker.VenueOrder, error) {
	resp, err := v.request(ctx, &frame{Type: "open_orders"})
	if err != nil {
		return nil, err
	}
	return resp.OpenOrders, nil
}

// ExecutionsSince fetches executions at or after since.
func (v *Venue) ExecutionsSince(ctx context.Context, since time.Time) ([]broker.VenueExecution, error) {
	resp, err := v.request(ctx, &frame{Type: "executions_since", Since: since})
	if err != nil {
		return nil, err
	}
	return resp.Executions, nil
}

// Positions fetches the venue's position snapshot.
func (v *Venue) Positions(ctx context.Context) ([]broker.VenuePosition, error) {
	resp, err := v.request(ctx, &frame{Type: "positions"})
	if err != nil {
		return nil, err
	}
	return resp.Positions, nil
}
