package kv

import (
	"context"
	"errors"
	"iter"
	"fmt"
	"os"
	"time"

	pingcaplog "github.com/pingcap/log"

	tikverr "github.com/tikv/client-go/v2/error"
	tikv "github.com/tikv/client-go/v2/kv"
	"github.com/tikv/client-go/v2/txnkv"
	"github.com/tikv/client-go/v2/txnkv/txnsnapshot"

	"go.uber.org/zap"
)

func init() {
	// the tikv client logs through pingcap/log, keep it quiet unless
	// something is actually wrong
	l, p, _ := pingcaplog.InitLogger(&pingcaplog.Config{})

	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	config.OutputPaths = []string{"stderr"}
	config.ErrorOutputPaths = []string{"stderr"}
	l, _ = config.Build()

	pingcaplog.ReplaceGlobals(l, p)
}

type Tikv struct {
	k *txnkv.Client
}

type TikvWrite struct {
	txn      *txnkv.KVTxn
	err      error
	commited bool

	statLockRetries int
}

func (w *TikvWrite) Commit(ctx context.Context) error {
	if w.err != nil {
		return w.err
	}
	if w.commited {
		return fmt.Errorf("already commited")
	}

	ctx, span := tracer.Start(ctx, "kv.TikvWrite.Commit")
	defer span.End()

	err := w.txn.Commit(ctx)
	if err != nil {
		w.err = err
		return err
	}
	w.commited = true
	return nil
}

func (w *TikvWrite) Rollback() error {
	if w.commited {
		return fmt.Errorf("already commited")
	}
	if w.err != nil {
		return w.err
	}
	return w.txn.Rollback()
}

func (w *TikvWrite) Put(key []byte, value []byte) error {
	if w.err != nil {
		return w.err
	}
	err := w.txn.Set(key, value)
	if err != nil {
		w.Rollback()
		w.err = err
	}
	return w.err
}

func (w *TikvWrite) Get(ctx context.Context, key []byte) ([]byte, error) {
	if w.err != nil {
		return nil, w.err
	}

	ctx, span := tracer.Start(ctx, "kv.TikvWrite.Get")
	defer span.End()

	b, err := w.txn.Get(ctx, key)
	if err != nil {
		if tikverr.IsErrNotFound(err) {
			return nil, nil
		}
		log.Debug("[tikv].Get:", "key", string(key), "err", err)
		return nil, err
	}
	return b, nil
}

func (w *TikvWrite) Del(key []byte) error {
	if w.err != nil {
		return w.err
	}
	err := w.txn.Delete(key)
	if err != nil {
		w.err = err
	}
	return err
}

func (w *TikvWrite) Iter(ctx context.Context, start []byte, end []byte) iter.Seq2[KeyAndValue, error] {
	return func(yield func(KeyAndValue, error) bool) {
		_, span := tracer.Start(ctx, "kv.TikvWrite.Iter")
		defer span.End()

		it, err := w.txn.Iter(start, end)
		if err != nil {
			yield(KeyAndValue{}, err)
			return
		}

		for it.Valid() {
			if !yield(KeyAndValue{K: it.Key(), V: it.Value()}, nil) {
				return
			}
			if err := it.Next(); err != nil {
				if !yield(KeyAndValue{}, err) {
					return
				}
			}
		}
	}
}

func (w *TikvWrite) BatchGet(ctx context.Context, keys [][]byte) (map[string][]byte, error) {
	if w.err != nil {
		return nil, w.err
	}
	return w.txn.BatchGet(ctx, keys)
}

func (w *TikvWrite) Close() {
	w.Rollback()
}

type TikvRead struct {
	txn *txnsnapshot.KVSnapshot
	err error
}

func (r *TikvRead) Get(ctx context.Context, key []byte) ([]byte, error) {
	if r.err != nil {
		return nil, r.err
	}

	ctx, span := tracer.Start(ctx, "kv.TikvRead.Get")
	defer span.End()

	b, err := r.txn.Get(ctx, key)
	if err != nil {
		if tikverr.IsErrNotFound(err) {
			return nil, nil
		}
		log.Debug("[tikv].Get:", "key", string(key), "err", err)
		return nil, err
	}
	return b, nil
}

func (r *TikvRead) Close() {
}

func (r *TikvRead) SetKeyOnly(b bool) {
	r.txn.SetKeyOnly(b)
}

func (r *TikvRead) Iter(ctx context.Context, start []byte, end []byte) iter.Seq2[KeyAndValue, error] {
	return func(yield func(KeyAndValue, error) bool) {
		_, span := tracer.Start(ctx, "kv.TikvRead.Iter")
		defer span.End()

		it, err := r.txn.Iter(start, end)
		if err != nil {
			yield(KeyAndValue{}, err)
			return
		}

		for it.Valid() {
			if !yield(KeyAndValue{K: it.Key(), V: it.Value()}, nil) {
				return
			}
			if err := it.Next(); err != nil {
				if !yield(KeyAndValue{}, err) {
					return
				}
			}
		}
	}
}

func (r *TikvRead) BatchGet(ctx context.Context, keys [][]byte) (map[string][]byte, error) {
	if r.err != nil {
		return nil, r.err
	}

	ctx, span := tracer.Start(ctx, "kv.TikvRead.BatchGet")
	defer span.End()

	return r.txn.BatchGet(ctx, keys)
}

// IsWriteConflict reports whether a Commit failed because a concurrent
// transaction wrote one of the same keys, as opposed to an I/O fault. Only
// tikv can report this; pebble writes serialise on the global write lock.
func IsWriteConflict(err error) bool {
	return tikverr.IsErrWriteConflict(err)
}

func (t *Tikv) Close() {
	t.k.Close()
}

func (t *Tikv) Write() Write {
	txn, err := t.k.Begin()
	return &TikvWrite{txn: txn, err: err}
}

func (t *Tikv) ExclusiveWrite(ctx context.Context, keys ...[]byte) (Write, error) {
	var waitMs = int64(100)

	// DO NOT use aggressive locking, it's a deadlock trap.
	// retry in the client (us) instead

	txn, err := t.k.Begin()
	if err != nil {
		return nil, err
	}
	txn.SetPessimistic(true)

	retries := 0
	for {
		waitMs += 1
		retries += 1

		lkctx := tikv.NewLockCtx(txn.StartTS(), waitMs, time.Now())

		err = txn.LockKeys(ctx, lkctx, keys...)
		if err == nil {
			break
		}

		// we got the lock but someone changed the key we're locking,
		// get a new txn with a fresh start time
		if tikverr.IsErrWriteConflict(err) {
			txn.Rollback()
			txn, err = t.k.Begin()
			if err != nil {
				return nil, err
			}
			txn.SetPessimistic(true)
			continue
		}

		if !errors.Is(err, tikverr.ErrLockWaitTimeout) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
			continue
		}
	}

	return &TikvWrite{txn: txn, statLockRetries: retries}, nil
}

func (t *Tikv) Read() Read {
	ts, err := t.k.CurrentTimestamp("global")
	if err != nil {
		return &TikvRead{nil, err}
	}
	return &TikvRead{t.k.GetSnapshot(ts), nil}
}

func (t *Tikv) Ping() error {
	_, err := t.k.CurrentTimestamp("global")
	return err
}

func NewTikv() (KV, error) {
	tikvep := os.Getenv("PD_ENDPOINT")
	if tikvep == "" {
		tikvep = "127.0.0.1:2379"
	}
	k, err := txnkv.NewClient([]string{tikvep})
	if err != nil {
		return nil, err
	}
	return &Tikv{k}, nil
}
