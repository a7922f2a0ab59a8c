package locking

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splitgill/splitgill/kv"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	db, err := kv.NewMemPebble()
	require.NoError(t, err)
	t.Cleanup(db.Close)
	return NewManager(db, nil)
}

func TestAcquireAndRelease(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	lock, err := m.Acquire(ctx, LockID("db", PurposeCommit), time.Second, nil)
	require.NoError(t, err)

	held, err := m.IsLocked(ctx, LockID("db", PurposeCommit))
	require.NoError(t, err)
	assert.True(t, held)

	require.NoError(t, lock.Release(ctx))

	held, err = m.IsLocked(ctx, LockID("db", PurposeCommit))
	require.NoError(t, err)
	assert.False(t, held)
}

func TestAcquireTimesOutWhileHeld(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	lock, err := m.Acquire(ctx, "contended", time.Second, nil)
	require.NoError(t, err)
	defer lock.Release(ctx)

	_, err = m.Acquire(ctx, "contended", 200*time.Millisecond, nil)
	assert.ErrorIs(t, err, ErrLockTimeout)
}

func TestLocksAreIndependent(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	commit, err := m.Acquire(ctx, LockID("db", PurposeCommit), time.Second, nil)
	require.NoError(t, err)
	defer commit.Release(ctx)

	// the same database's sync lock and another database's commit lock are
	// both still free
	sync, err := m.Acquire(ctx, LockID("db", PurposeSync), time.Second, nil)
	require.NoError(t, err)
	defer sync.Release(ctx)

	other, err := m.Acquire(ctx, LockID("other", PurposeCommit), time.Second, nil)
	require.NoError(t, err)
	defer other.Release(ctx)
}

func TestReacquireAfterRelease(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	lock, err := m.Acquire(ctx, "lk", time.Second, nil)
	require.NoError(t, err)
	require.NoError(t, lock.Release(ctx))

	lock, err = m.Acquire(ctx, "lk", time.Second, nil)
	require.NoError(t, err)
	require.NoError(t, lock.Release(ctx))
}

func TestStaleLockTakeover(t *testing.T) {
	m := testManager(t)
	m.TTL = 50 * time.Millisecond
	ctx := context.Background()

	first, err := m.Acquire(ctx, "lk", time.Second, nil)
	require.NoError(t, err)
	// simulate a crashed owner: stop refreshing without releasing
	close(first.stop)
	<-first.done

	time.Sleep(100 * time.Millisecond)

	second, err := m.Acquire(ctx, "lk", time.Second, nil)
	require.NoError(t, err)
	defer second.Release(ctx)

	held, err := m.IsLocked(ctx, "lk")
	require.NoError(t, err)
	assert.True(t, held)

	// the dead owner's refresh must fail, the lock is not its anymore
	assert.Error(t, first.refresh())
}

// brokenKV fails every commit, standing in for a faulty store.
type brokenKV struct {
	kv.KV
}

func (b *brokenKV) ExclusiveWrite(ctx context.Context, keys ...[]byte) (kv.Write, error) {
	w, err := b.KV.ExclusiveWrite(ctx, keys...)
	if err != nil {
		return nil, err
	}
	return &brokenWrite{Write: w}, nil
}

type brokenWrite struct {
	kv.Write
}

func (w *brokenWrite) Commit(ctx context.Context) error {
	return errors.New("disk failure")
}

func TestAcquireSurfacesCommitFailure(t *testing.T) {
	db, err := kv.NewMemPebble()
	require.NoError(t, err)
	t.Cleanup(db.Close)
	m := NewManager(&brokenKV{KV: db}, nil)

	// a store fault must come back immediately, not be retried into a
	// timeout as if the lock were contended
	start := time.Now()
	_, err = m.Acquire(context.Background(), "lk", 5*time.Second, nil)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrLockTimeout)
	assert.Contains(t, err.Error(), "disk failure")
	assert.Less(t, time.Since(start), time.Second)
}

func TestAcquireContextCancelled(t *testing.T) {
	m := testManager(t)

	lock, err := m.Acquire(context.Background(), "lk", time.Second, nil)
	require.NoError(t, err)
	defer lock.Release(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err = m.Acquire(ctx, "lk", 10*time.Second, nil)
	assert.ErrorIs(t, err, context.Canceled)
}
