package audit

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/devserver/internal/infrastructure/database"
	"github.com/nerrad567/devserver/migrations"
)

func newRepo(t *testing.T) *SQLiteRepository {
	t.Helper()
	ctx := context.Background()
	db, err := database.Open(ctx, database.Config{Path: filepath.Join(t.TempDir(), "registry.db"), WALMode: true, BusyTimeout: 5})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(ctx, migrations.FS, migrations.Dir))
	return NewSQLiteRepository(db.DB)
}

func TestCreate_FillsDefaults(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()

	e := &Entry{Server: "devserver/test", Action: "StartPolling"}
	require.NoError(t, r.Create(ctx, e))
	assert.Regexp(t, `^aud-[0-9a-f]{8}$`, e.ID)
	assert.False(t, e.CreatedAt.IsZero())
	assert.Equal(t, OutcomeOK, e.Outcome)

	res, err := r.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, res.Entries, 1)
	got := res.Entries[0]
	assert.Equal(t, e.ID, got.ID)
	assert.Empty(t, got.Device)
	assert.Nil(t, got.Details)
	assert.True(t, e.CreatedAt.Equal(got.CreatedAt))
}

func TestList_FiltersAndOrders(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	base := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

	entries := []*Entry{
		{Action: "AddObjPolling", Device: "lab/motor/1", Details: json.RawMessage(`{"name":"Position"}`), CreatedAt: base},
		{Action: "AddObjPolling", Device: "lab/motor/2", CreatedAt: base.Add(time.Second)},
		{Action: "DevRestart", Device: "lab/motor/1", Outcome: "device_not_found", CreatedAt: base.Add(500 * time.Millisecond)},
		{Action: "AddObjPolling", Device: "lab/motor/1", CreatedAt: base.Add(2 * time.Second)},
	}
	for _, e := range entries {
		e.Server = "devserver/test"
		require.NoError(t, r.Create(ctx, e))
	}

	all, err := r.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, 4, all.Total)
	require.Len(t, all.Entries, 4)
	assert.Equal(t, entries[3].ID, all.Entries[0].ID, "newest first")
	assert.Equal(t, entries[2].ID, all.Entries[2].ID, "sub-second order kept")
	assert.Equal(t, entries[0].ID, all.Entries[3].ID)
	assert.JSONEq(t, `{"name":"Position"}`, string(all.Entries[3].Details))
	assert.Equal(t, "device_not_found", all.Entries[2].Outcome)

	byDevice, err := r.List(ctx, Filter{Device: "LAB/MOTOR/1"})
	require.NoError(t, err)
	assert.Equal(t, 3, byDevice.Total)

	both, err := r.List(ctx, Filter{Action: "AddObjPolling", Device: "lab/motor/1"})
	require.NoError(t, err)
	assert.Equal(t, 2, both.Total)

	page, err := r.List(ctx, Filter{Limit: 2, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, 4, page.Total)
	require.Len(t, page.Entries, 2)
	assert.Equal(t, entries[1].ID, page.Entries[0].ID)
}

func TestList_ClampsPaging(t *testing.T) {
	r := newRepo(t)

	res, err := r.List(context.Background(), Filter{Limit: 1000, Offset: -3})
	require.NoError(t, err)
	assert.Equal(t, maxLimit, res.Limit)
	assert.Equal(t, 0, res.Offset)
	assert.NotNil(t, res.Entries)
	assert.Empty(t, res.Entries)

	res, err = r.List(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Equal(t, defaultLimit, res.Limit)
}
