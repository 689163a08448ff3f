package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/dunmininu/oms-trading/internal/types"
)

// ErrInFlight is returned when a fingerprint is held by a writer this
// process cannot wait on (a crash remnant newer than the takeover
// window). Callers retry with the same key.
var ErrInFlight = errors.New("identical request is already in flight")

// takeoverAge is how stale a foreign IN_FLIGHT row must be before it is
// treated as a crash remnant and taken over.
const takeoverAge = time.Minute

type inflight struct {
	done chan struct{}
	resp []byte
	err  error
}

// Ledger deduplicates side-effecting commands by canonical request
// fingerprint. Check-and-insert is atomic; concurrent identical
// requests resolve to a single execution whose response all callers
// receive byte-identically.
type Ledger struct {
	db  *gorm.DB
	ttl time.Duration

	mu       sync.Mutex
	inFlight map[string]*inflight
}

// NewLedger creates a ledger with the given replay TTL.
func NewLedger(db *gorm.DB, ttl time.Duration) *Ledger {
	return &Ledger{
		db:       db,
		ttl:      ttl,
		inFlight: make(map[string]*inflight),
	}
}

// Fingerprint hashes tenant, operation and the canonicalized payload
// (field order normalized, no timestamps included by construction).
func Fingerprint(tenantID, operation string, payload interface{}) (string, error) {
	canonical, err := canonicalize(payload)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize payload: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(tenantID))
	h.Write([]byte{0})
	h.Write([]byte(operation))
	h.Write([]byte{0})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Execute runs fn at most once per fingerprint within the TTL window.
// The stored response bytes are returned to every caller, including the
// first. Terminal rejections (risk, compliance, broker) are recorded and replayed
// as the same error; retryable errors release the fingerprint so a
// caller retry re-executes.
func (l *Ledger) Execute(ctx context.Context, tenantID, operation string, payload interface{}, fn func(ctx context.Context) (interface{}, error)) ([]byte, error) {
	fp, err := Fingerprint(tenantID, operation, payload)
	if err != nil {
		return nil, err
	}

	// Same-process duplicates block on the first execution.
	l.mu.Lock()
	if fl, ok := l.inFlight[fp]; ok {
		l.mu.Unlock()
		select {
		case <-fl.done:
			return fl.resp, fl.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	fl := &inflight{done: make(chan struct{})}
	l.inFlight[fp] = fl
	l.mu.Unlock()

	resp, err := l.executeFirst(ctx, fp, tenantID, operation, fn)

	fl.resp, fl.err = resp, err
	close(fl.done)
	l.mu.Lock()
	delete(l.inFlight, fp)
	l.mu.Unlock()

	return resp, err
}

func (l *Ledger) executeFirst(ctx context.Context, fp, tenantID, operation string, fn func(ctx context.Context) (interface{}, error)) ([]byte, error) {
	placeholder := Record{
		Fingerprint: fp,
		TenantID:    tenantID,
		Operation:   operation,
		Status:      StatusInFlight,
		ExpiresAt:   time.Now().Add(l.ttl),
	}

	// Atomic check-and-insert: the unique index on fingerprint decides
	// the single winner regardless of caller concurrency.
	if err := l.db.Create(&placeholder).Error; err != nil {
		existing, lookupErr := l.lookup(fp)
		if lookupErr != nil {
			return nil, lookupErr
		}
		if existing == nil {
			// Insert failed for a reason other than a duplicate row.
			return nil, err
		}

		switch {
		case existing.Status == StatusCompleted && existing.ExpiresAt.After(time.Now()):
			return replay(existing)
		case existing.Status == StatusCompleted:
			// Expired: drop and run as a fresh command.
			if err := l.db.Unscoped().Delete(&Record{}, existing.ID).Error; err != nil {
				return nil, err
			}
			return l.executeFirst(ctx, fp, tenantID, operation, fn)
		case time.Since(existing.UpdatedAt) > takeoverAge:
			// Crash remnant from a previous writer; take it over.
			placeholder = *existing
			placeholder.Status = StatusInFlight
			placeholder.ExpiresAt = time.Now().Add(l.ttl)
			if err := l.db.Save(&placeholder).Error; err != nil {
				return nil, err
			}
		default:
			return nil, ErrInFlight
		}
	}

	result, execErr := fn(ctx)
	if execErr != nil {
		return nil, l.completeWithError(&placeholder, execErr)
	}

	body, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to encode response: %w", err)
	}

	placeholder.Status = StatusCompleted
	placeholder.Outcome = OutcomeOK
	placeholder.Response = body
	if err := l.db.Save(&placeholder).Error; err != nil {
		return nil, fmt.Errorf("failed to record idempotent response: %w", err)
	}

	return body, nil
}

// completeWithError records terminal rejections for replay and releases
// the fingerprint for everything else, then returns the original error.
func (l *Ledger) completeWithError(rec *Record, execErr error) error {
	var riskErr *types.RiskRejectedError
	var complianceErr *types.ComplianceBlockedError
	var brokerErr *types.BrokerRejectError

	switch {
	case errors.As(execErr, &riskErr):
		rec.Status = StatusCompleted
		rec.Outcome = OutcomeRiskRejected
		rec.ErrGate = riskErr.Gate
		rec.ErrCode = riskErr.Code
		rec.ErrMessage = riskErr.Reason
	case errors.As(execErr, &complianceErr):
		rec.Status = StatusCompleted
		rec.Outcome = OutcomeComplianceBlocked
		rec.ErrGate = complianceErr.Gate
		rec.ErrCode = complianceErr.Code
		rec.ErrMessage = complianceErr.Reason
	case errors.As(execErr, &brokerErr):
		rec.Status = StatusCompleted
		rec.Outcome = OutcomeBrokerReject
		rec.ErrOrderID = brokerErr.ClientOrderID
		rec.ErrMessage = brokerErr.Reason
	default:
		// ValidationError, StateConflict, ConnectivityError: release so
		// the caller's retry is the single retry mechanism.
		if err := l.db.Unscoped().Delete(&Record{}, rec.ID).Error; err != nil {
			log.Error().Err(err).Str("fingerprint", rec.Fingerprint).
				Msg("failed to release idempotency placeholder")
		}
		return execErr
	}

	if err := l.db.Save(rec).Error; err != nil {
		log.Error().Err(err).Str("fingerprint", rec.Fingerprint).
			Msg("failed to record rejected outcome")
	}
	return execErr
}

func (l *Ledger) lookup(fp string) (*Record, error) {
	var rec Record
	if err := l.db.Where("fingerprint = ?", fp).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// replay reconstructs the first-accepted outcome of a completed record.
func replay(rec *Record) ([]byte, error) {
	switch rec.Outcome {
	case OutcomeRiskRejected:
		return nil, &types.RiskRejectedError{Gate: rec.ErrGate, Code: rec.ErrCode, Reason: rec.ErrMessage}
	case OutcomeComplianceBlocked:
		return nil, &types.ComplianceBlockedError{Gate: rec.ErrGate, Code: rec.ErrCode, Reason: rec.ErrMessage}
	case OutcomeBrokerReject:
		return nil, &types.BrokerRejectError{ClientOrderID: rec.ErrOrderID, Reason: rec.ErrMessage}
	default:
		return rec.Response, nil
	}
}

// Sweep runs the background expiry loop. Expiry never blocks foreground
// requests; it only deletes rows past their TTL.
func (l *Ledger) Sweep(ctx context.Context, interval time.Duration) {
	logger := log.With().Str("component", "idempotency_sweep").Logger()
	logger.Info().Dur("interval", interval).Msg("starting idempotency sweep")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down idempotency sweep")
			return
		case <-ticker.C:
			res := l.db.Unscoped().
				Where("status = ? AND expires_at < ?", StatusCompleted, time.Now()).
				Delete(&Record{})
			if res.Error != nil {
				logger.Error().Err(res.Error).Msg("failed to sweep expired records")
				continue
			}
			if res.RowsAffected > 0 {
				logger.Info().Int64("expired", res.RowsAffected).Msg("swept expired idempotency records")
			}
		}
	}
}

// canonicalize produces a stable byte encoding of payload: JSON with
// object keys sorted at every level.
func canonicalize(payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	// encoding/json marshals map keys in sorted order.
	return json.Marshal(v)
}
