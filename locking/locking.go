// Package locking provides machine-independent mutual exclusion on top of
// the document store's kv layer. Locks live in their own keyspace and carry
// an owner token, an acquisition time that is refreshed while held, and
// arbitrary metadata.
package locking

import (
	"context"
	"encoding/json"
	"math/rand"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/splitgill/splitgill/kv"
)

// ErrLockTimeout is returned when a lock cannot be acquired before the
// deadline.
var ErrLockTimeout = errors.New("lock acquire timed out")

const (
	// PurposeCommit scopes the commit lock of a database.
	PurposeCommit = "commit"
	// PurposeSync scopes the sync lock of a database.
	PurposeSync = "sync"

	// DefaultAcquireTimeout bounds how long Acquire waits for a held lock.
	DefaultAcquireTimeout = 30 * time.Second
	// DefaultTTL is how stale a held lock must be before takeover.
	DefaultTTL = 60 * time.Second

	refreshInterval = 5 * time.Second
)

type lockDoc struct {
	ID         string            `json:"_id"`
	OwnerToken string            `json:"owner_token"`
	AcquiredAt int64             `json:"acquired_at"`
	LockedBy   string            `json:"locked_by"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func lockKey(lockID string) []byte {
	k := []byte{'l', 0xff}
	return append(k, lockID...)
}

// LockID builds the id for a database-scoped lock.
func LockID(database, purpose string) string {
	return database + ":" + purpose
}

type Manager struct {
	kv  kv.KV
	log *zap.Logger

	// TTL after which a held lock is considered abandoned and taken over
	TTL time.Duration
}

func NewManager(db kv.KV, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{kv: db, log: log, TTL: DefaultTTL}
}

// Lock is a held lock. Release it exactly once.
type Lock struct {
	manager *Manager
	id      string
	token   string
	stop    chan struct{}
	done    chan struct{}
}

// Acquire takes the lock, waiting with jittered retries until the timeout.
// A held lock whose owner stopped refreshing it for longer than the TTL is
// taken over.
func (m *Manager) Acquire(ctx context.Context, lockID string, timeout time.Duration, metadata map[string]string) (*Lock, error) {
	if timeout <= 0 {
		timeout = DefaultAcquireTimeout
	}
	deadline := time.Now().Add(timeout)
	token := uuid.NewString()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.MaxInterval = time.Second
	policy.RandomizationFactor = 0.5

	for {
		ok, err := m.tryAcquire(ctx, lockID, token, metadata)
		if err != nil {
			return nil, err
		}
		if ok {
			lock := &Lock{
				manager: m,
				id:      lockID,
				token:   token,
				stop:    make(chan struct{}),
				done:    make(chan struct{}),
			}
			go lock.refreshLoop()
			return lock, nil
		}

		wait := policy.NextBackOff()
		if time.Now().Add(wait).After(deadline) {
			return nil, errors.Wrapf(ErrLockTimeout, "lock %q", lockID)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait + time.Duration(rand.Int63n(int64(10*time.Millisecond)))):
		}
	}
}

func (m *Manager) tryAcquire(ctx context.Context, lockID, token string, metadata map[string]string) (bool, error) {
	key := lockKey(lockID)

	w, err := m.kv.ExclusiveWrite(ctx, key)
	if err != nil {
		return false, err
	}
	defer w.Close()

	existing, err := w.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if existing != nil {
		var doc lockDoc
		if err := json.Unmarshal(existing, &doc); err == nil {
			age := time.Since(time.UnixMilli(doc.AcquiredAt))
			if age <= m.TTL {
				return false, nil
			}
			m.log.Warn("taking over stale lock",
				zap.String("lock", lockID),
				zap.String("stale_owner", doc.LockedBy),
				zap.Duration("age", age))
		}
	}

	hostname, _ := os.Hostname()
	doc := lockDoc{
		ID:         lockID,
		OwnerToken: token,
		AcquiredAt: time.Now().UnixMilli(),
		LockedBy:   hostname,
		Metadata:   metadata,
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return false, err
	}
	if err := w.Put(key, raw); err != nil {
		return false, err
	}
	if err := w.Commit(ctx); err != nil {
		if kv.IsWriteConflict(err) {
			// conflicting writer won the race
			return false, nil
		}
		return false, errors.Wrap(err, "writing lock")
	}
	return true, nil
}

// IsLocked reports whether the lock is currently held (and not stale).
func (m *Manager) IsLocked(ctx context.Context, lockID string) (bool, error) {
	r := m.kv.Read()
	defer r.Close()

	raw, err := r.Get(ctx, lockKey(lockID))
	if err != nil {
		return false, err
	}
	if raw == nil {
		return false, nil
	}
	var doc lockDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return false, err
	}
	return time.Since(time.UnixMilli(doc.AcquiredAt)) <= m.TTL, nil
}

func (l *Lock) refreshLoop() {
	defer close(l.done)
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			if err := l.refresh(); err != nil {
				l.manager.log.Warn("lock refresh failed",
					zap.String("lock", l.id), zap.Error(err))
			}
		}
	}
}

func (l *Lock) refresh() error {
	ctx, cancel := context.WithTimeout(context.Background(), refreshInterval)
	defer cancel()

	key := lockKey(l.id)
	w, err := l.manager.kv.ExclusiveWrite(ctx, key)
	if err != nil {
		return err
	}
	defer w.Close()

	raw, err := w.Get(ctx, key)
	if err != nil {
		return err
	}
	if raw == nil {
		return errors.New("lock disappeared")
	}
	var doc lockDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	if doc.OwnerToken != l.token {
		return errors.New("lock taken over")
	}
	doc.AcquiredAt = time.Now().UnixMilli()
	updated, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	if err := w.Put(key, updated); err != nil {
		return err
	}
	return w.Commit(ctx)
}

// Release deletes the lock if we still own it.
func (l *Lock) Release(ctx context.Context) error {
	close(l.stop)
	<-l.done

	key := lockKey(l.id)
	w, err := l.manager.kv.ExclusiveWrite(ctx, key)
	if err != nil {
		return err
	}
	defer w.Close()

	raw, err := w.Get(ctx, key)
	if err != nil {
		return err
	}
	if raw == nil {
		return nil
	}
	var doc lockDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	if doc.OwnerToken != l.token {
		// someone took it over, not ours to delete
		return nil
	}
	if err := w.Del(key); err != nil {
		return err
	}
	return w.Commit(ctx)
}
