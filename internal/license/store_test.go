package license

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"noxlic/internal/kv"
)

func newTestStore(t *testing.T) (*Store, *kv.MemoryStore) {
	t.Helper()
	backend := kv.NewMemoryStore()
	store := NewStore(backend, slog.Default())
	return store, backend
}

func TestStoreGetAbsent(t *testing.T) {
	store, _ := newTestStore(t)

	rec, err := store.Get(context.Background(), "no-such-code")
	require.NoError(t, err, "absence is not an error")
	assert.Nil(t, rec)
}

func TestStoreSaveRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	rec := &Record{
		Code:         "mnth-001",
		Type:         TypeMonthly,
		Status:       StatusUnused,
		DurationDays: TypeMonthly.DurationDays(),
		CreatedAt:    time.Now(),
	}
	require.NoError(t, store.Save(ctx, rec))
	assert.Equal(t, int64(1), rec.Version, "save advances the version")
	assert.False(t, rec.UpdatedAt.IsZero(), "save stamps updatedAt")

	got, err := store.Get(ctx, "mnth-001")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, rec.Code, got.Code)
	assert.Equal(t, rec.Type, got.Type)
	assert.Equal(t, rec.Version, got.Version)
}

func TestStoreSaveStaleVersion(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	rec := &Record{Code: "mnth-002", Type: TypeMonthly, Status: StatusUnused}
	require.NoError(t, store.Save(ctx, rec))

	// A second writer loads the same version and wins the race.
	other, err := store.Get(ctx, "mnth-002")
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, other))

	// The first writer's copy is now stale.
	rec.Status = StatusActive
	err = store.Save(ctx, rec)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStaleRecord)
	assert.Equal(t, int64(1), rec.Version, "failed save leaves the record untouched")

	// The winner's write survived untouched.
	got, err := store.Get(ctx, "mnth-002")
	require.NoError(t, err)
	assert.Equal(t, StatusUnused, got.Status)
}

func TestStoreSaveCreateRace(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	first := &Record{Code: "trial-dev", Type: TypeTrial, Status: StatusActive}
	require.NoError(t, store.Save(ctx, first))

	// Creating again with version zero must fail: someone else created it.
	second := &Record{Code: "trial-dev", Type: TypeTrial, Status: StatusActive}
	assert.ErrorIs(t, store.Save(ctx, second), ErrStaleRecord)
}

func TestStoreAppendAudit(t *testing.T) {
	store, backend := newTestStore(t)
	ctx := context.Background()

	ts := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	store.AppendAudit(ctx, "mnth-003", AuditEntry{
		Event:     EventActivated,
		Timestamp: ts,
		Device:    &DeviceProfile{DeviceID: "dev-1", Platform: "android"},
	})

	raw, err := backend.Get(ctx, AuditKey("mnth-003", ts))
	require.NoError(t, err)
	require.NotNil(t, raw, "audit entry written under its own key")

	var entry AuditEntry
	require.NoError(t, json.Unmarshal(raw, &entry))
	assert.Equal(t, EventActivated, entry.Event)
	assert.Equal(t, "dev-1", entry.Device.DeviceID)
}

// failingStore wraps a backend and fails Set to prove audit errors are
// swallowed.
type failingStore struct {
	kv.Store
}

func (f *failingStore) Set(context.Context, string, []byte) error {
	return errors.New("backend down")
}

func TestStoreAppendAuditFailureSwallowed(t *testing.T) {
	backend := &failingStore{Store: kv.NewMemoryStore()}
	store := NewStore(backend, slog.Default())

	// Must not panic nor propagate; audit is best-effort.
	store.AppendAudit(context.Background(), "mnth-004", AuditEntry{
		Event:     EventRevoked,
		Timestamp: time.Now(),
	})
}

// rivalWriteHook fires before every MULTI/EXEC pipeline on the hooked
// client, simulating a writer that lands between a transaction's read and
// its commit.
type rivalWriteHook struct {
	before func()
}

func (h *rivalWriteHook) DialHook(next redis.DialHook) redis.DialHook { return next }

func (h *rivalWriteHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook { return next }

func (h *rivalWriteHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		h.before()
		return next(ctx, cmds)
	}
}

// TestStoreSaveRedisLostRace drives the Redis adapter's transaction retry:
// a competing activation commits between Save's read and its EXEC. The
// retried version check must fail the stale writer instead of letting it
// overwrite the winner's session.
func TestStoreSaveRedisLostRace(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	rivalClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rivalClient.Close() })

	store := NewStore(kv.NewRedisStore(client), slog.Default())
	rivalStore := NewStore(kv.NewRedisStore(rivalClient), slog.Default())
	ctx := context.Background()

	seed := &Record{Code: "race-1", Type: TypeMonthly, Status: StatusUnused, DurationDays: 30}
	require.NoError(t, rivalStore.Save(ctx, seed))

	stale, err := store.Get(ctx, "race-1")
	require.NoError(t, err)
	winner, err := rivalStore.Get(ctx, "race-1")
	require.NoError(t, err)
	require.Equal(t, stale.Version, winner.Version, "both writers start from the same read")

	injected := false
	client.AddHook(&rivalWriteHook{before: func() {
		if injected {
			return
		}
		injected = true
		winner.Status = StatusActive
		winner.Session = &Session{Token: "tok-a", DeviceID: "dev-A", IssuedAt: time.Now()}
		require.NoError(t, rivalStore.Save(ctx, winner))
	}})

	stale.Status = StatusActive
	stale.Session = &Session{Token: "tok-b", DeviceID: "dev-B", IssuedAt: time.Now()}
	err = store.Save(ctx, stale)
	assert.ErrorIs(t, err, ErrStaleRecord)
	assert.Equal(t, int64(1), stale.Version, "failed save leaves the caller's record untouched")

	got, err := store.Get(ctx, "race-1")
	require.NoError(t, err)
	require.NotNil(t, got.Session)
	assert.Equal(t, "dev-A", got.Session.DeviceID, "the concurrent activation must survive")
	assert.Equal(t, int64(2), got.Version)
}

func TestKeySchemes(t *testing.T) {
	assert.Equal(t, "license:abc", LicenseKey("abc"))

	ts := time.UnixMilli(1717236000000)
	assert.Equal(t, "license_log:abc:1717236000000", AuditKey("abc", ts))
}
