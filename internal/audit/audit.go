package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Service appends entries to the hash-chained audit trail. Appends are
// serialized so each entry links to the hash of the one before it.
type Service struct {
	db *gorm.DB
	mu sync.Mutex
}

// NewService creates an audit service backed by the given database.
func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// Record describes the entry to append.
type Record struct {
	TenantID   string
	Actor      string
	Action     string
	EntityType string
	EntityID   string
	Before     interface{}
	After      interface{}
}

// Append writes one entry within tx. The caller's transaction must not
// be considered committed unless Append succeeded: the chain's
// integrity is a correctness property, not best-effort logging.
func (s *Service) Append(tx *gorm.DB, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	before, err := marshalSnapshot(rec.Before)
	if err != nil {
		return fmt.Errorf("failed to encode before snapshot: %w", err)
	}
	after, err := marshalSnapshot(rec.After)
	if err != nil {
		return fmt.Errorf("failed to encode after snapshot: %w", err)
	}

	// Previous hash is read inside the same transaction so a rollback
	// leaves no gap in the chain.
	var prev Entry
	prevHash := ""
	if err := tx.Order("id DESC").First(&prev).Error; err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
	} else {
		prevHash = prev.Hash
	}

	entry := Entry{
		EntryID:    uuid.New().String(),
		TenantID:   rec.TenantID,
		Actor:      rec.Actor,
		Action:     rec.Action,
		EntityType: rec.EntityType,
		EntityID:   rec.EntityID,
		Before:     before,
		After:      after,
		RecordedAt: time.Now().UTC(),
		PrevHash:   prevHash,
	}
	entry.Hash = chainHash(&entry)

	return tx.Create(&entry).Error
}

// VerifyChain replays hashes forward over the whole trail and returns
// an error naming the first entry whose hash or link does not match.
func (s *Service) VerifyChain() error {
	var entries []Entry
	if err := s.db.Order("id ASC").Find(&entries).Error; err != nil {
		return err
	}

	prevHash := ""
	for i := range entries {
		e := &entries[i]
		if e.PrevHash != prevHash {
			return fmt.Errorf("audit chain broken at entry %s: prev hash mismatch", e.EntryID)
		}
		if chainHash(e) != e.Hash {
			return fmt.Errorf("audit chain broken at entry %s: content hash mismatch", e.EntryID)
		}
		prevHash = e.Hash
	}
	return nil
}

// ListByEntity returns entries for one entity, oldest first.
func (s *Service) ListByEntity(entityType, entityID string) ([]Entry, error) {
	var entries []Entry
	err := s.db.
		Where("entity_type = ? AND entity_id = ?", entityType, entityID).
		Order("id ASC").
		Find(&entries).Error
	return entries, err
}

func chainHash(e *Entry) string {
	h := sha256.New()
	h.Write([]byte(e.EntryID))
	h.Write([]byte(e.TenantID))
	h.Write([]byte(e.Actor))
	h.Write([]byte(e.Action))
	h.Write([]byte(e.EntityType))
	h.Write([]byte(e.EntityID))
	h.Write([]byte(e.Before))
	h.Write([]byte(e.After))
	h.Write([]byte(e.RecordedAt.UTC().Format(time.RFC3339Nano)))
	h.Write([]byte(e.PrevHash))
	return hex.EncodeToString(h.Sum(nil))
}

func marshalSnapshot(v interface{}) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
