package draft_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"formline/internal/config"
	"formline/internal/db"
	"formline/internal/draft"
	"formline/internal/engine"
	"formline/internal/migrate"
	"formline/internal/repo"
	"formline/internal/validate"
)

func newStore(t *testing.T, debounce, retention time.Duration) (*draft.Store, string) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	store := draft.New(repo.Repo{DB: conn}, debounce, retention)

	// Drafts reference sessions; seed one.
	cfg := config.Default()
	v, err := validate.New(cfg)
	require.NoError(t, err)
	s, err := engine.New(conn, cfg, v, store).CreateSession(context.Background(), "")
	require.NoError(t, err)
	return store, s.ID
}

func TestSaveNowRoundTrip(t *testing.T) {
	store, sid := newStore(t, time.Hour, 7*24*time.Hour)
	ctx := context.Background()

	fields := map[string]string{"companyName": "Acme", "city": "Paris"}
	store.SaveNow(sid, fields)

	d := store.Load(ctx, sid)
	require.NotNil(t, d)
	assert.Equal(t, fields, d.Fields)
	assert.True(t, store.Exists(ctx, sid))
}

func TestDebounceCollapsesToLastSave(t *testing.T) {
	store, sid := newStore(t, 20*time.Millisecond, 7*24*time.Hour)
	ctx := context.Background()

	// The store stamps saved_at exactly once per underlying write, and
	// nothing else consults the clock until the Load below.
	var stamps atomic.Int32
	store.Now = func() time.Time {
		stamps.Add(1)
		return time.Now()
	}

	store.Save(sid, map[string]string{"companyName": "first"})
	store.Save(sid, map[string]string{"companyName": "second"})
	time.Sleep(150 * time.Millisecond)

	assert.Equal(t, int32(1), stamps.Load(), "two saves in one window must collapse to one write")

	d := store.Load(ctx, sid)
	require.NotNil(t, d)
	assert.Equal(t, "second", d.Fields["companyName"])
}

func TestFlushWritesPendingSave(t *testing.T) {
	store, sid := newStore(t, time.Hour, 7*24*time.Hour)
	ctx := context.Background()

	store.Save(sid, map[string]string{"city": "Lyon"})
	assert.Nil(t, store.Load(ctx, sid), "nothing written before the window elapses")

	store.Flush(sid)
	d := store.Load(ctx, sid)
	require.NotNil(t, d)
	assert.Equal(t, "Lyon", d.Fields["city"])
}

func TestExpiredDraftIsPurgedOnLoad(t *testing.T) {
	store, sid := newStore(t, time.Hour, 7*24*time.Hour)
	ctx := context.Background()

	store.SaveNow(sid, map[string]string{"companyName": "Acme"})

	// Age the draft past retention.
	store.Now = func() time.Time { return time.Now().Add(8 * 24 * time.Hour) }
	assert.Nil(t, store.Load(ctx, sid))

	// The purge is persistent, not just filtered.
	store.Now = time.Now
	assert.Nil(t, store.Load(ctx, sid))
	assert.False(t, store.Exists(ctx, sid))
}

func TestClearCancelsPendingWrite(t *testing.T) {
	store, sid := newStore(t, 20*time.Millisecond, 7*24*time.Hour)
	ctx := context.Background()

	store.Save(sid, map[string]string{"companyName": "Acme"})
	store.Clear(ctx, sid)

	time.Sleep(60 * time.Millisecond)
	assert.Nil(t, store.Load(ctx, sid))
	assert.False(t, store.Exists(ctx, sid))
}

func TestFieldsPrefersBufferedPayload(t *testing.T) {
	store, sid := newStore(t, time.Hour, 7*24*time.Hour)
	ctx := context.Background()

	store.SaveNow(sid, map[string]string{"companyName": "stored"})
	store.Save(sid, map[string]string{"companyName": "buffered"})

	fields := store.Fields(ctx, sid)
	assert.Equal(t, "buffered", fields["companyName"], "gating must see the latest input")
}
