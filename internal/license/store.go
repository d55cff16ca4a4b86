package license

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"noxlic/internal/kv"
)

// ErrStaleRecord is returned by Store.Save when the stored record version no
// longer matches the version the caller read. The caller must re-fetch and
// re-decide; the protocol does this with a bounded retry loop.
var ErrStaleRecord = errors.New("license record modified concurrently")

// LicenseKey builds the backend key for a record.
func LicenseKey(code string) string {
	return "license:" + code
}

// AuditKey builds the backend key for one audit event. One physical key per
// event keeps ordering recoverable from the timestamp component without a
// native list type.
func AuditKey(code string, ts time.Time) string {
	return fmt.Sprintf("license_log:%s:%d", code, ts.UnixMilli())
}

// Store provides typed access to license records over a key-value backend.
// Saves are whole-record overwrites guarded by a version check; there are no
// partial updates, callers read-modify-write the full record.
type Store struct {
	kv     kv.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewStore wraps a key-value backend.
func NewStore(backend kv.Store, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		kv:     backend,
		logger: logger.With(slog.String("component", "license_store")),
		now:    time.Now,
	}
}

// Get fetches the record for code. A missing record returns (nil, nil):
// absence is an expected outcome, distinct from transport failure.
func (s *Store) Get(ctx context.Context, code string) (*Record, error) {
	raw, err := s.kv.Get(ctx, LicenseKey(code))
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, nil
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode license record %q: %w", code, err)
	}
	return &rec, nil
}

// Save persists the whole record, stamping updatedAt and advancing the
// version as part of the write. The write only succeeds if the stored
// version still equals the version rec carried when Save was called;
// otherwise ErrStaleRecord is returned and rec is left untouched.
//
// The update closure marshals a copy and compares against the entry
// version: kv.Update may re-invoke it after losing an optimistic
// transaction, and a closure that mutated rec would pass the version check
// against the concurrent winner on the retry. rec is only advanced once the
// write is committed.
func (s *Store) Save(ctx context.Context, rec *Record) error {
	key := LicenseKey(rec.Code)
	expect := rec.Version
	var updatedAt time.Time

	err := s.kv.Update(ctx, key, func(current []byte) ([]byte, error) {
		if current == nil {
			if expect != 0 {
				return nil, ErrStaleRecord
			}
		} else {
			var stored struct {
				Version int64 `json:"version"`
			}
			if err := json.Unmarshal(current, &stored); err != nil {
				return nil, fmt.Errorf("decode stored license record %q: %w", rec.Code, err)
			}
			if stored.Version != expect {
				return nil, ErrStaleRecord
			}
		}
		next := *rec
		next.Version = expect + 1
		updatedAt = s.now()
		next.UpdatedAt = updatedAt
		return json.Marshal(&next)
	})
	if err != nil {
		if errors.Is(err, kv.ErrConflict) {
			return ErrStaleRecord
		}
		return err
	}

	rec.Version = expect + 1
	rec.UpdatedAt = updatedAt
	return nil
}

// AppendAudit writes one audit event under its own key. Audit is best-effort:
// a failed write is logged and swallowed, never propagated, so that audit
// problems can never fail an activation or check.
func (s *Store) AppendAudit(ctx context.Context, code string, entry AuditEntry) {
	raw, err := json.Marshal(entry)
	if err != nil {
		s.logger.WarnContext(ctx, "audit entry not serializable",
			slog.String("code", code),
			slog.String("event", string(entry.Event)),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := s.kv.Set(ctx, AuditKey(code, entry.Timestamp), raw); err != nil {
		s.logger.WarnContext(ctx, "audit log write failed",
			slog.String("code", code),
			slog.String("event", string(entry.Event)),
			slog.String("error", err.Error()),
		)
	}
}
