package kv

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/lmittmann/tint"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

var tracer trace.Tracer

func init() {
	tracer = otel.Tracer("github.com/splitgill/splitgill/kv")
}

var log = slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: slog.LevelWarn}))

type Pebbledb struct {
	db *pebble.DB

	// pebble has no MVCC write conflicts like tikv, a global write lock is
	// close enough for embedded use
	globalWriteLock sync.Mutex
}

type PebbleWrite struct {
	p        *Pebbledb
	batch    *pebble.Batch
	err      error
	commited bool
	locked   bool
}

func (w *PebbleWrite) lock() {
	if !w.locked {
		w.p.globalWriteLock.Lock()
		w.locked = true
	}
}

func (w *PebbleWrite) unlock() {
	if w.locked {
		w.locked = false
		w.p.globalWriteLock.Unlock()
	}
}

func (w *PebbleWrite) Commit(ctx context.Context) error {
	defer w.unlock()
	if w.err != nil {
		return w.err
	}
	if w.commited {
		return fmt.Errorf("already committed")
	}

	_, span := tracer.Start(ctx, "kv.PebbleWrite.Commit")
	defer span.End()

	err := w.batch.Commit(pebble.Sync)
	if err != nil {
		w.err = err
		return err
	}
	w.commited = true
	return nil
}

func (w *PebbleWrite) Rollback() error {
	defer w.unlock()
	if w.commited {
		return fmt.Errorf("already committed")
	}
	if w.err != nil {
		return w.err
	}
	return w.batch.Close()
}

func (w *PebbleWrite) Put(key []byte, value []byte) error {
	w.lock()
	if w.err != nil {
		return w.err
	}
	err := w.batch.Set(key, value, pebble.Sync)
	if err != nil {
		w.Rollback()
		w.err = err
	}
	log.Debug("[pebble].Put:", "key", string(key), "err", err)
	return w.err
}

func (w *PebbleWrite) Get(ctx context.Context, key []byte) ([]byte, error) {
	w.lock()
	if w.err != nil {
		return nil, w.err
	}

	val, closer, err := w.batch.Get(key)
	if err != nil {
		if err == pebble.ErrNotFound {
			log.Debug("[pebble].Get:", "key", string(key), "err", "not found")
			return nil, nil
		}
		log.Debug("[pebble].Get:", "key", string(key), "err", err)
		return nil, err
	}
	defer closer.Close()

	// copy, the closer invalidates val
	result := make([]byte, len(val))
	copy(result, val)

	log.Debug("[pebble].Get:", "key", string(key))
	return result, nil
}

func (w *PebbleWrite) BatchGet(ctx context.Context, keys [][]byte) (map[string][]byte, error) {
	result := make(map[string][]byte, len(keys))
	for _, key := range keys {
		val, err := w.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if val != nil {
			result[string(key)] = val
		}
	}
	return result, nil
}

func (w *PebbleWrite) Del(key []byte) error {
	w.lock()
	if w.err != nil {
		return w.err
	}
	err := w.batch.Delete(key, pebble.Sync)
	if err != nil {
		w.Rollback()
		w.err = err
	}
	return w.err
}

func (w *PebbleWrite) Iter(ctx context.Context, start []byte, end []byte) iter.Seq2[KeyAndValue, error] {
	w.lock()
	return func(yield func(KeyAndValue, error) bool) {
		iterOptions := &pebble.IterOptions{
			LowerBound: start,
			UpperBound: end,
		}
		it, err := w.batch.NewIter(iterOptions)
		if err != nil {
			yield(KeyAndValue{}, err)
			return
		}
		defer it.Close()

		for it.First(); it.Valid(); it.Next() {
			// copy, iterator movement invalidates both
			key := append([]byte(nil), it.Key()...)
			val := append([]byte(nil), it.Value()...)

			if !yield(KeyAndValue{K: key, V: val}, nil) {
				return
			}
		}

		if err := it.Error(); err != nil {
			log.Debug("[pebble].Iter:", "start", string(start), "end", string(end), "err", err)
			yield(KeyAndValue{}, err)
		}
	}
}

func (w *PebbleWrite) Close() {
	w.Rollback()
}

type PebbleRead struct {
	snapshot *pebble.Snapshot
}

func (r *PebbleRead) Get(ctx context.Context, key []byte) ([]byte, error) {
	val, closer, err := r.snapshot.Get(key)
	if err != nil {
		if err == pebble.ErrNotFound {
			return nil, nil
		}
		log.Debug("[pebble].Get:", "key", string(key), "err", err)
		return nil, err
	}
	defer closer.Close()

	result := make([]byte, len(val))
	copy(result, val)

	return result, nil
}

func (r *PebbleRead) BatchGet(ctx context.Context, keys [][]byte) (map[string][]byte, error) {
	result := make(map[string][]byte, len(keys))
	for _, key := range keys {
		val, err := r.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if val != nil {
			result[string(key)] = val
		}
	}
	return result, nil
}

func (r *PebbleRead) Close() {
	r.snapshot.Close()
}

func (r *PebbleRead) Iter(ctx context.Context, start []byte, end []byte) iter.Seq2[KeyAndValue, error] {
	return func(yield func(KeyAndValue, error) bool) {
		iterOptions := &pebble.IterOptions{
			LowerBound: start,
			UpperBound: end,
		}
		it, err := r.snapshot.NewIter(iterOptions)
		if err != nil {
			yield(KeyAndValue{}, err)
			return
		}
		defer it.Close()

		for it.First(); it.Valid(); it.Next() {
			key := append([]byte(nil), it.Key()...)
			val := append([]byte(nil), it.Value()...)

			if !yield(KeyAndValue{K: key, V: val}, nil) {
				return
			}
		}

		if err := it.Error(); err != nil {
			log.Debug("[pebble].Iter:", "start", string(start), "end", string(end), "err", err)
			yield(KeyAndValue{}, err)
		}
	}
}

func (p *Pebbledb) Close() {
	p.db.Close()
}

func (p *Pebbledb) Write() Write {
	batch := p.db.NewIndexedBatch()
	return &PebbleWrite{p: p, batch: batch}
}

// ExclusiveWrite takes the global write lock immediately, which trivially
// guarantees exclusivity over the requested keys.
func (p *Pebbledb) ExclusiveWrite(ctx context.Context, keys ...[]byte) (Write, error) {
	w := &PebbleWrite{p: p, batch: p.db.NewIndexedBatch()}
	w.lock()
	return w, nil
}

func (p *Pebbledb) Read() Read {
	return &PebbleRead{snapshot: p.db.NewSnapshot()}
}

func (p *Pebbledb) Ping() error {
	return nil
}

// NewPebble opens (or creates) a pebble database at the given directory.
func NewPebble(dir string) (KV, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &Pebbledb{db: db}, nil
}

// NewMemPebble creates an in-memory pebble instance for testing.
func NewMemPebble() (KV, error) {
	db, err := pebble.Open("", &pebble.Options{FS: vfs.NewMem()})
	if err != nil {
		return nil, err
	}
	return &Pebbledb{db: db}, nil
}
