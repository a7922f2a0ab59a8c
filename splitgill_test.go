package splitgill

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splitgill/splitgill/bus"
	"github.com/splitgill/splitgill/indexing"
	"github.com/splitgill/splitgill/locking"
	"github.com/splitgill/splitgill/searching"
	"github.com/splitgill/splitgill/store"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	c, err := New(Config{})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func testDatabase(t *testing.T, c *Client, name string) *Database {
	t.Helper()
	d, err := c.Database(name)
	require.NoError(t, err)
	return d
}

func TestDatabaseNameValidation(t *testing.T) {
	c := newTestClient(t)

	for _, good := range []string{"specimens", "my-db.v2", "A_B"} {
		_, err := c.Database(good)
		assert.NoError(t, err, good)
	}

	for _, bad := range []string{"", "has space", "no/slash", strings.Repeat("x", 65)} {
		_, err := c.Database(bad)
		assert.ErrorIs(t, err, ErrValidation, bad)
	}
}

func TestIngestCommitSyncSearch(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)
	d := testDatabase(t, c, "specimens")

	result, err := d.Ingest(ctx, []store.Record{
		{ID: "r1", Data: map[string]any{"name": "Oak", "height": int64(30)}},
		{ID: "r2", Data: map[string]any{"name": "Birch", "height": int64(12)}},
	}, IngestConfig{Commit: true})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Upserted)
	require.NotZero(t, result.Version)

	committed, err := d.CommittedVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, result.Version, committed)

	syncResult, err := d.Sync(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 2, syncResult.Indexed)
	assert.Zero(t, syncResult.Deleted)

	docs, err := d.SearchLatest(ctx, searching.TermQuery("name", "oak"), 0)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "r1", docs[0].ID)
	assert.Equal(t, result.Version, docs[0].Version)
	assert.Nil(t, docs[0].Next)

	rebuilt := searching.RebuildData(docs[0].Data)
	assert.Equal(t, map[string]any{"name": "Oak", "height": int64(30)}, rebuilt)

	count, err := d.Count(ctx, searching.All())
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestSearchHistoricalVersions(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)
	d := testDatabase(t, c, "specimens")

	r1, err := d.Ingest(ctx, []store.Record{
		{ID: "r1", Data: map[string]any{"height": int64(30)}},
	}, IngestConfig{Commit: true})
	require.NoError(t, err)
	_, err = d.Sync(ctx, false)
	require.NoError(t, err)

	r2, err := d.Ingest(ctx, []store.Record{
		{ID: "r1", Data: map[string]any{"height": int64(35)}},
	}, IngestConfig{Commit: true})
	require.NoError(t, err)
	require.Greater(t, r2.Version, r1.Version)
	_, err = d.Sync(ctx, false)
	require.NoError(t, err)

	// the old state moved into an arc index and carries its closing version
	docs, err := d.Search(ctx, searching.And(
		searching.IDQuery("r1"), searching.VersionQuery(r1.Version)), 0)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, r1.Version, docs[0].Version)
	require.NotNil(t, docs[0].Next)
	assert.Equal(t, r2.Version, *docs[0].Next)
	assert.Equal(t, map[string]any{"height": int64(30)}, searching.RebuildData(docs[0].Data))

	// the latest index holds exactly the new state
	docs, err = d.SearchLatest(ctx, searching.IDQuery("r1"), 0)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, r2.Version, docs[0].Version)
	assert.Equal(t, map[string]any{"height": int64(35)}, searching.RebuildData(docs[0].Data))

	// the store can rebuild either state directly
	data, ok, err := d.GetVersion(ctx, "r1", r1.Version)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"height": int64(30)}, data)

	_, ok, err = d.GetVersion(ctx, "r1", r1.Version-1)
	require.NoError(t, err)
	assert.False(t, ok)

	versions, err := d.Versions(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, []int64{r2.Version, r1.Version}, versions)
}

func TestDeleteRemovesFromLatestKeepsHistory(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)
	d := testDatabase(t, c, "specimens")

	r1, err := d.Ingest(ctx, []store.Record{
		{ID: "r1", Data: map[string]any{"name": "Oak"}},
	}, IngestConfig{Commit: true})
	require.NoError(t, err)
	_, err = d.Sync(ctx, false)
	require.NoError(t, err)

	_, err = d.Ingest(ctx, []store.Record{{ID: "r1"}}, IngestConfig{Commit: true})
	require.NoError(t, err)
	syncResult, err := d.Sync(ctx, false)
	require.NoError(t, err)
	assert.NotZero(t, syncResult.Deleted)

	docs, err := d.SearchLatest(ctx, searching.IDQuery("r1"), 0)
	require.NoError(t, err)
	assert.Empty(t, docs)

	docs, err = d.Search(ctx, searching.And(
		searching.IDQuery("r1"), searching.VersionQuery(r1.Version)), 0)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, map[string]any{"name": "Oak"}, searching.RebuildData(docs[0].Data))

	// deleting an unknown record stages nothing
	result, err := d.Ingest(ctx, []store.Record{{ID: "ghost"}}, IngestConfig{})
	require.NoError(t, err)
	assert.Zero(t, result.Upserted)
	staged, err := d.HasUncommitted(ctx)
	require.NoError(t, err)
	assert.False(t, staged)
}

func TestNumericTermDistinguishesRecords(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)
	d := testDatabase(t, c, "specimens")

	_, err := d.Ingest(ctx, []store.Record{
		{ID: "r1", Data: map[string]any{"h": 40.6}},
		{ID: "r2", Data: map[string]any{"h": int64(40)}},
		{ID: "r3", Data: map[string]any{"h": "40.6"}},
	}, IngestConfig{Commit: true})
	require.NoError(t, err)
	_, err = d.Sync(ctx, false)
	require.NoError(t, err)

	// r3's string parses to the same number, so a numeric term finds both
	count, err := d.Count(ctx, searching.TermQuery("h", 40.6))
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	count, err = d.Count(ctx, searching.TermQuery("h", int64(40)))
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// the unparsed originals keep their kinds
	docs, err := d.SearchLatest(ctx, searching.IDQuery("r1"), 0)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, map[string]any{"h": 40.6}, searching.RebuildData(docs[0].Data))
}

func TestGeoHintSearch(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)
	d := testDatabase(t, c, "sites")

	options, err := indexing.NewParsingOptionsBuilder().
		AddGeoHint(indexing.GeoHint{LatField: "lat", LonField: "lon"}).
		Build()
	require.NoError(t, err)
	_, err = d.UpdateOptions(ctx, options, true)
	require.NoError(t, err)

	_, err = d.Ingest(ctx, []store.Record{
		{ID: "london", Data: map[string]any{"lat": 51.5, "lon": -0.1}},
		{ID: "paris", Data: map[string]any{"lat": 48.86, "lon": 2.35}},
	}, IngestConfig{Commit: true})
	require.NoError(t, err)
	_, err = d.Sync(ctx, false)
	require.NoError(t, err)

	docs, err := d.SearchLatest(ctx,
		searching.GeoDistanceQuery("lat", -0.12, 51.51, 50000), 0)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "london", docs[0].ID)

	count, err := d.Count(ctx, searching.GeoDistanceQuery("", 2.3, 48.85, 10000))
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestOptionsLifecycle(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)
	d := testDatabase(t, c, "specimens")

	// nothing committed yet, defaults apply
	options, err := d.Options(ctx)
	require.NoError(t, err)
	assert.Equal(t, indexing.DefaultKeywordLength, options.KeywordLength)

	custom, err := indexing.NewParsingOptionsBuilder().SetKeywordLength(100).Build()
	require.NoError(t, err)
	version, err := d.UpdateOptions(ctx, custom, true)
	require.NoError(t, err)
	require.NotZero(t, version)

	options, err = d.Options(ctx)
	require.NoError(t, err)
	assert.Equal(t, 100, options.KeywordLength)

	// versions before the options commit still see the defaults
	options, err = d.OptionsAt(ctx, version-1)
	require.NoError(t, err)
	assert.Equal(t, indexing.DefaultKeywordLength, options.KeywordLength)

	status, err := d.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, version, status.OptionsVersion)

	// staged options can be dropped without committing
	require.NoError(t, d.RollbackOptions(ctx))
}

func TestRollbackDiscardsStaged(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)
	d := testDatabase(t, c, "specimens")

	_, err := d.Ingest(ctx, []store.Record{
		{ID: "r1", Data: map[string]any{"x": int64(1)}},
	}, IngestConfig{})
	require.NoError(t, err)

	staged, err := d.HasUncommitted(ctx)
	require.NoError(t, err)
	assert.True(t, staged)

	require.NoError(t, d.Rollback(ctx))

	staged, err = d.HasUncommitted(ctx)
	require.NoError(t, err)
	assert.False(t, staged)

	version, err := d.Commit(ctx)
	require.NoError(t, err)
	assert.Zero(t, version)
}

func TestCommitConflictWhenLocked(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)
	c.cfg.LockTimeout = 50 * time.Millisecond
	d := testDatabase(t, c, "specimens")

	_, err := d.Ingest(ctx, []store.Record{
		{ID: "r1", Data: map[string]any{"x": int64(1)}},
	}, IngestConfig{})
	require.NoError(t, err)

	lock, err := c.locks.Acquire(ctx,
		locking.LockID("specimens", locking.PurposeCommit), time.Second, nil)
	require.NoError(t, err)

	_, err = d.Commit(ctx)
	assert.ErrorIs(t, err, ErrCommitConflict)

	require.NoError(t, lock.Release(ctx))

	version, err := d.Commit(ctx)
	require.NoError(t, err)
	assert.NotZero(t, version)
}

func TestSyncBusyWhenLocked(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)
	c.cfg.LockTimeout = 50 * time.Millisecond
	d := testDatabase(t, c, "specimens")

	lock, err := c.locks.Acquire(ctx,
		locking.LockID("specimens", locking.PurposeSync), time.Second, nil)
	require.NoError(t, err)
	defer func() { _ = lock.Release(ctx) }()

	_, err = d.Sync(ctx, false)
	assert.ErrorIs(t, err, ErrSyncBusy)
}

func TestResyncRebuildsIndices(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)
	d := testDatabase(t, c, "specimens")

	_, err := d.Ingest(ctx, []store.Record{
		{ID: "r1", Data: map[string]any{"x": int64(1)}},
	}, IngestConfig{Commit: true})
	require.NoError(t, err)
	_, err = d.Ingest(ctx, []store.Record{
		{ID: "r1", Data: map[string]any{"x": int64(2)}},
	}, IngestConfig{Commit: true})
	require.NoError(t, err)

	first, err := d.Sync(ctx, false)
	require.NoError(t, err)

	// a repeat sync has nothing to do
	again, err := d.Sync(ctx, false)
	require.NoError(t, err)
	assert.Zero(t, again.Indexed)

	// a resync covers everything from scratch
	resync, err := d.Sync(ctx, true)
	require.NoError(t, err)
	assert.Zero(t, resync.Since)
	assert.Equal(t, first.Indexed, resync.Indexed)

	count, err := d.Count(ctx, searching.IDQuery("r1"))
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestCommitAndSyncEventsPublished(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := newTestClient(t)
	d := testDatabase(t, c, "specimens")

	commits, err := c.Events().Subscribe(ctx, bus.CommitSubject("specimens"))
	require.NoError(t, err)
	syncs, err := c.Events().Subscribe(ctx, bus.SyncSubject("specimens"))
	require.NoError(t, err)

	result, err := d.Ingest(ctx, []store.Record{
		{ID: "r1", Data: map[string]any{"x": int64(1)}},
	}, IngestConfig{Commit: true})
	require.NoError(t, err)

	select {
	case payload := <-commits:
		var event bus.CommitEvent
		require.NoError(t, json.Unmarshal(payload, &event))
		assert.Equal(t, "specimens", event.Database)
		assert.Equal(t, result.Version, event.Version)
		assert.Equal(t, 1, event.Records)
	case <-time.After(time.Second):
		t.Fatal("no commit event")
	}

	syncResult, err := d.Sync(ctx, false)
	require.NoError(t, err)

	select {
	case payload := <-syncs:
		var event bus.SyncEvent
		require.NoError(t, json.Unmarshal(payload, &event))
		assert.Equal(t, "specimens", event.Database)
		assert.Equal(t, syncResult.Indexed, event.Indexed)
		assert.Equal(t, syncResult.Until, event.Until)
	case <-time.After(time.Second):
		t.Fatal("no sync event")
	}
}

func TestConfigDefaults(t *testing.T) {
	c := newTestClient(t)

	assert.Equal(t, DefaultLockTimeout, c.cfg.LockTimeout)
	assert.NoError(t, c.Ping())

	_, err := New(Config{Backend: "bogus"})
	assert.Error(t, err)
	_, err = New(Config{Backend: "pebble"})
	assert.Error(t, err, "pebble without data_dir")
}

func TestConcurrentCommitsSerialise(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)
	d := testDatabase(t, c, "specimens")

	_, err := d.Ingest(ctx, []store.Record{
		{ID: "r1", Data: map[string]any{"x": int64(1)}},
		{ID: "r2", Data: map[string]any{"x": int64(2)}},
	}, IngestConfig{})
	require.NoError(t, err)

	versions := make(chan int64, 2)
	errs := make(chan error, 2)
	for range 2 {
		go func() {
			version, err := d.Commit(ctx)
			versions <- version
			errs <- err
		}()
	}

	var committed []int64
	for range 2 {
		require.NoError(t, <-errs)
		if v := <-versions; v != 0 {
			committed = append(committed, v)
		}
	}

	// one commit takes the batch, the other finds nothing staged
	require.Len(t, committed, 1)

	record, err := d.GetRecord(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, committed[0], record.Version)
}

func TestIngestModifiedFieldIgnored(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)
	d := testDatabase(t, c, "specimens")

	_, err := d.Ingest(ctx, []store.Record{
		{ID: "r1", Data: map[string]any{"x": int64(1), "modified": "2026-01-01"}},
	}, IngestConfig{Commit: true})
	require.NoError(t, err)

	result, err := d.Ingest(ctx, []store.Record{
		{ID: "r1", Data: map[string]any{"x": int64(1), "modified": "2026-02-01"}},
	}, IngestConfig{Commit: true, ModifiedField: "modified"})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Same)
	assert.Zero(t, result.Version)

	versions, err := d.Versions(ctx, "r1")
	require.NoError(t, err)
	assert.Len(t, versions, 1)
}

func TestValidationErrorsSurface(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)
	d := testDatabase(t, c, "specimens")

	_, err := d.Ingest(ctx, []store.Record{
		{ID: "", Data: map[string]any{"x": int64(1)}},
	}, IngestConfig{})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = d.Ingest(ctx, []store.Record{
		{ID: "r1", Data: map[string]any{"_reserved": int64(1)}},
	}, IngestConfig{})
	assert.ErrorIs(t, err, ErrValidation)
}
