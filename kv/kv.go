package kv

import (
	"context"
	"iter"
)

type KeyAndValue struct {
	K []byte
	V []byte
}

// KV is the transactional key-value store both the document store and the
// embedded search engine sit on. Implementations must be safe for concurrent
// use.
type KV interface {
	Close()
	Write() Write
	ExclusiveWrite(ctx context.Context, keys ...[]byte) (Write, error)
	Read() Read
	Ping() error
}

type Read interface {
	BatchGet(ctx context.Context, keys [][]byte) (map[string][]byte, error)
	Get(ctx context.Context, key []byte) ([]byte, error)
	Iter(ctx context.Context, start []byte, end []byte) iter.Seq2[KeyAndValue, error]
	Close()
}

type Write interface {
	Read
	Put(key []byte, value []byte) error
	Del(key []byte) error
	Commit(ctx context.Context) error
	Rollback() error
	Close()
}

// PrefixEnd returns the smallest key greater than every key with the given
// prefix, for use as an Iter upper bound.
func PrefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
