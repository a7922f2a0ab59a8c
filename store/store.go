// Package store implements the record store: per-database collections of
// records with version-keyed diff chains and a staged/committed discipline.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/splitgill/splitgill/diffing"
	"github.com/splitgill/splitgill/kv"
)

var (
	// ErrValidation is returned for reserved keys, bad ids, and non-Tree input.
	ErrValidation = errors.New("validation error")
	// ErrStoreUnavailable wraps document store I/O failures.
	ErrStoreUnavailable = errors.New("store unavailable")
)

const (
	recordPrefix  = 'r'
	stagedPrefix  = 'u'
	statusPrefix  = 't'
	optionsPrefix = 'o'
	pendingPrefix = 'p'
)

type Store struct {
	kv  kv.KV
	log *zap.Logger
}

func New(db kv.KV, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{kv: db, log: log}
}

// KV exposes the underlying store for collaborators that share it (locking).
func (s *Store) KV() kv.KV {
	return s.kv
}

func key(prefix byte, parts ...string) []byte {
	k := []byte{prefix}
	for _, part := range parts {
		k = append(k, 0xff)
		k = append(k, part...)
	}
	return k
}

func recordKey(database, id string) []byte  { return key(recordPrefix, database, id) }
func stagedKey(database, id string) []byte  { return key(stagedPrefix, database, id) }
func statusKey(database string) []byte      { return key(statusPrefix, database) }
func pendingOptionsKey(database string) []byte { return key(pendingPrefix, database) }

func optionsKey(database string, version int64) []byte {
	return key(optionsPrefix, database, fmt.Sprintf("%016d", version))
}

// ValidateDatabaseName keeps database names to a safe charset: anything
// else could collide with the 0xff key separators.
func ValidateDatabaseName(name string) error {
	if len(name) < 1 || len(name) > 64 {
		return errors.Wrap(ErrValidation, "database name must be 1-64 bytes")
	}
	for _, char := range name {
		if !((char >= 'a' && char <= 'z') ||
			(char >= 'A' && char <= 'Z') ||
			(char == '.') || (char == '-') || (char == '_') ||
			(char >= '0' && char <= '9')) {
			return errors.Wrapf(ErrValidation, "database name has invalid character: %c", char)
		}
	}
	return nil
}

func validateRecordID(id string) error {
	if id == "" {
		return errors.Wrap(ErrValidation, "record id must not be empty")
	}
	// the check is byte-level: 0xff is the key separator and never appears
	// in valid UTF-8, but multibyte runes like U+00FF are fine
	if strings.IndexByte(id, 0xff) >= 0 {
		return errors.Wrap(ErrValidation, "record id contains invalid byte")
	}
	return nil
}

// validateKeys rejects reserved keys anywhere in the tree: keys beginning
// with an underscore clash with the parsed sub-field namespace. _id is the
// one permitted exception.
func validateKeys(value any) error {
	switch v := value.(type) {
	case map[string]any:
		for key, elem := range v {
			if strings.HasPrefix(key, "_") && key != "_id" {
				return errors.Wrapf(ErrValidation, "reserved key %q", key)
			}
			if err := validateKeys(elem); err != nil {
				return err
			}
		}
	case []any:
		for _, elem := range v {
			if err := validateKeys(elem); err != nil {
				return err
			}
		}
	}
	return nil
}

// PrepareRecord validates and normalises an incoming record's data.
func PrepareRecord(record Record) (Record, error) {
	if err := validateRecordID(record.ID); err != nil {
		return Record{}, err
	}
	prepared, err := diffing.Prepare(record.Data)
	if err != nil {
		return Record{}, errors.Wrap(ErrValidation, err.Error())
	}
	data, _ := prepared.(map[string]any)
	if data == nil {
		data = map[string]any{}
	}
	if err := validateKeys(data); err != nil {
		return Record{}, err
	}
	return Record{ID: record.ID, Data: data}, nil
}

func (s *Store) getRecord(ctx context.Context, r kv.Read, database, id string) (*StoredRecord, error) {
	raw, err := r.Get(ctx, recordKey(database, id))
	if err != nil {
		return nil, errors.Wrap(ErrStoreUnavailable, err.Error())
	}
	if raw == nil {
		return nil, nil
	}
	var record StoredRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// GetRecord returns the stored record, or nil if it does not exist.
func (s *Store) GetRecord(ctx context.Context, database, id string) (*StoredRecord, error) {
	r := s.kv.Read()
	defer r.Close()
	return s.getRecord(ctx, r, database, id)
}

func putRecord(w kv.Write, database string, record *StoredRecord) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return w.Put(recordKey(database, record.ID), raw)
}

// Stage diffs each incoming record against its current committed data and
// stages real changes in next. Nothing is given a version here; Commit does
// that.
func (s *Store) Stage(ctx context.Context, database string, records []Record, modifiedField string) (IngestResult, error) {
	result := IngestResult{}

	w := s.kv.Write()
	defer w.Close()

	for _, incoming := range records {
		record, err := PrepareRecord(incoming)
		if err != nil {
			return result, err
		}

		existing, err := s.getRecord(ctx, w, database, record.ID)
		if err != nil {
			return result, err
		}

		if existing == nil {
			if record.IsDelete() {
				// deleting something we never had
				continue
			}
			stored := &StoredRecord{
				ID:      record.ID,
				Data:    map[string]any{},
				Next:    record.Data,
				HasNext: true,
			}
			if err := putRecord(w, database, stored); err != nil {
				return result, err
			}
			if err := w.Put(stagedKey(database, record.ID), []byte{1}); err != nil {
				return result, err
			}
			result.Upserted++
			continue
		}

		if sameData(existing.Data, record.Data, modifiedField) {
			if existing.HasNext {
				// staged change superseded by data equal to the committed
				// state, drop the staging
				if existing.Version == 0 && len(existing.Diffs) == 0 {
					if err := w.Del(recordKey(database, record.ID)); err != nil {
						return result, err
					}
				} else {
					existing.Next = nil
					existing.HasNext = false
					if err := putRecord(w, database, existing); err != nil {
						return result, err
					}
				}
				if err := w.Del(stagedKey(database, record.ID)); err != nil {
					return result, err
				}
			}
			result.Same++
			continue
		}

		existing.Next = record.Data
		existing.HasNext = true
		if err := putRecord(w, database, existing); err != nil {
			return result, err
		}
		if err := w.Put(stagedKey(database, record.ID), []byte{1}); err != nil {
			return result, err
		}
		result.Modified++
	}

	if err := w.Commit(ctx); err != nil {
		return result, errors.Wrap(ErrStoreUnavailable, err.Error())
	}
	return result, nil
}

// stagedIDs reads the full staged-marker set up front; mutating the write
// while iterating it is not safe.
func (s *Store) stagedIDs(ctx context.Context, r kv.Read, database string) ([]string, error) {
	prefix := key(stagedPrefix, database)
	prefix = append(prefix, 0xff)

	var ids []string
	for kav, err := range r.Iter(ctx, prefix, kv.PrefixEnd(prefix)) {
		if err != nil {
			return nil, errors.Wrap(ErrStoreUnavailable, err.Error())
		}
		ids = append(ids, string(kav.K[len(prefix):]))
	}
	return ids, nil
}

// sameData reports whether new data carries no real change over the current
// committed data. Changes confined to the single top-level modifiedField do
// not count.
func sameData(current, new map[string]any, modifiedField string) bool {
	ops := diffing.Diff(current, new)
	if len(ops) == 0 {
		return true
	}
	if modifiedField == "" {
		return false
	}
	for _, op := range ops {
		if len(op.Path) == 0 || op.Path[0] != modifiedField {
			return false
		}
	}
	return true
}

// Commit folds every staged record into a new committed version. The caller
// must hold the database commit lock. Returns the assigned version and the
// number of records changed, or 0, 0 if there was nothing to commit.
func (s *Store) Commit(ctx context.Context, database string) (int64, int, error) {
	w := s.kv.Write()
	defer w.Close()

	status, err := s.readStatus(ctx, w, database)
	if err != nil {
		return 0, 0, err
	}

	version := time.Now().UnixMilli()
	if version <= status.CommittedVersion {
		version = status.CommittedVersion + 1
	}

	staged, err := s.stagedIDs(ctx, w, database)
	if err != nil {
		return 0, 0, err
	}

	committed := 0
	for _, id := range staged {
		record, err := s.getRecord(ctx, w, database, id)
		if err != nil {
			return 0, 0, err
		}
		if record == nil || !record.HasNext {
			if err := w.Del(stagedKey(database, id)); err != nil {
				return 0, 0, err
			}
			continue
		}

		if record.Version > 0 {
			// the stored diff turns the new data back into the old data
			back := diffing.Diff(record.Next, record.Data)
			if record.Diffs == nil {
				record.Diffs = map[string][]diffing.Op{}
			}
			record.Diffs[strconv.FormatInt(record.Version, 10)] = back
		}
		record.Data = record.Next
		record.Version = version
		record.Next = nil
		record.HasNext = false

		if err := putRecord(w, database, record); err != nil {
			return 0, 0, err
		}
		if err := w.Del(stagedKey(database, id)); err != nil {
			return 0, 0, err
		}
		committed++
	}

	// staged options commit with the same version
	optionsCommitted, err := s.commitPendingOptions(ctx, w, database, version)
	if err != nil {
		return 0, 0, err
	}

	if committed == 0 && !optionsCommitted {
		return 0, 0, nil
	}

	status.CommittedVersion = version
	if optionsCommitted {
		status.OptionsVersion = version
	}
	if err := s.writeStatus(w, database, status); err != nil {
		return 0, 0, err
	}

	if err := w.Commit(ctx); err != nil {
		return 0, 0, errors.Wrap(ErrStoreUnavailable, err.Error())
	}

	s.log.Info("committed",
		zap.String("database", database),
		zap.Int64("version", version),
		zap.Int("records", committed))
	return version, committed, nil
}

// RollbackUncommitted clears all staged record data and staged options.
func (s *Store) RollbackUncommitted(ctx context.Context, database string) error {
	w := s.kv.Write()
	defer w.Close()

	staged, err := s.stagedIDs(ctx, w, database)
	if err != nil {
		return err
	}
	for _, id := range staged {
		record, err := s.getRecord(ctx, w, database, id)
		if err != nil {
			return err
		}
		if record != nil {
			if record.Version == 0 && len(record.Diffs) == 0 {
				if err := w.Del(recordKey(database, id)); err != nil {
					return err
				}
			} else {
				record.Next = nil
				record.HasNext = false
				if err := putRecord(w, database, record); err != nil {
					return err
				}
			}
		}
		if err := w.Del(stagedKey(database, id)); err != nil {
			return err
		}
	}

	if err := w.Del(pendingOptionsKey(database)); err != nil {
		return err
	}

	if err := w.Commit(ctx); err != nil {
		return errors.Wrap(ErrStoreUnavailable, err.Error())
	}
	return nil
}

// HasUncommitted reports whether any staged record or options change exists.
func (s *Store) HasUncommitted(ctx context.Context, database string) (bool, error) {
	r := s.kv.Read()
	defer r.Close()

	prefix := key(stagedPrefix, database)
	prefix = append(prefix, 0xff)
	for _, err := range r.Iter(ctx, prefix, kv.PrefixEnd(prefix)) {
		if err != nil {
			return false, errors.Wrap(ErrStoreUnavailable, err.Error())
		}
		return true, nil
	}

	pending, err := r.Get(ctx, pendingOptionsKey(database))
	if err != nil {
		return false, errors.Wrap(ErrStoreUnavailable, err.Error())
	}
	return pending != nil, nil
}

// IterRecords yields, in record id order, every record with at least one
// version greater than since. Restarting with the same since is safe.
func (s *Store) IterRecords(ctx context.Context, database string, since int64) iter.Seq2[*StoredRecord, error] {
	return func(yield func(*StoredRecord, error) bool) {
		r := s.kv.Read()
		defer r.Close()

		prefix := key(recordPrefix, database)
		prefix = append(prefix, 0xff)
		for kav, err := range r.Iter(ctx, prefix, kv.PrefixEnd(prefix)) {
			if err != nil {
				yield(nil, errors.Wrap(ErrStoreUnavailable, err.Error()))
				return
			}
			var record StoredRecord
			if err := json.Unmarshal(kav.V, &record); err != nil {
				yield(nil, err)
				return
			}
			if record.Version <= since {
				continue
			}
			if !yield(&record, nil) {
				return
			}
		}
	}
}

func (s *Store) readStatus(ctx context.Context, r kv.Read, database string) (*Status, error) {
	raw, err := r.Get(ctx, statusKey(database))
	if err != nil {
		return nil, errors.Wrap(ErrStoreUnavailable, err.Error())
	}
	status := &Status{Name: database}
	if raw != nil {
		if err := json.Unmarshal(raw, status); err != nil {
			return nil, err
		}
	}
	return status, nil
}

func (s *Store) writeStatus(w kv.Write, database string, status *Status) error {
	raw, err := json.Marshal(status)
	if err != nil {
		return err
	}
	return w.Put(statusKey(database), raw)
}

// Status returns the database's bookkeeping document.
func (s *Store) Status(ctx context.Context, database string) (*Status, error) {
	r := s.kv.Read()
	defer r.Close()
	return s.readStatus(ctx, r, database)
}

// SetLastIndexedVersion persists the sync checkpoint.
func (s *Store) SetLastIndexedVersion(ctx context.Context, database string, version int64) error {
	w := s.kv.Write()
	defer w.Close()

	status, err := s.readStatus(ctx, w, database)
	if err != nil {
		return err
	}
	status.LastIndexedVersion = version
	if err := s.writeStatus(w, database, status); err != nil {
		return err
	}
	if err := w.Commit(ctx); err != nil {
		return errors.Wrap(ErrStoreUnavailable, err.Error())
	}
	return nil
}

// StageOptions stages a new options document, replacing any staged one.
func (s *Store) StageOptions(ctx context.Context, database string, doc json.RawMessage) error {
	w := s.kv.Write()
	defer w.Close()
	if err := w.Put(pendingOptionsKey(database), doc); err != nil {
		return err
	}
	if err := w.Commit(ctx); err != nil {
		return errors.Wrap(ErrStoreUnavailable, err.Error())
	}
	return nil
}

// RollbackOptions drops a staged options document without touching staged
// record data.
func (s *Store) RollbackOptions(ctx context.Context, database string) error {
	w := s.kv.Write()
	defer w.Close()
	if err := w.Del(pendingOptionsKey(database)); err != nil {
		return err
	}
	if err := w.Commit(ctx); err != nil {
		return errors.Wrap(ErrStoreUnavailable, err.Error())
	}
	return nil
}

func (s *Store) commitPendingOptions(ctx context.Context, w kv.Write, database string, version int64) (bool, error) {
	pending, err := w.Get(ctx, pendingOptionsKey(database))
	if err != nil {
		return false, errors.Wrap(ErrStoreUnavailable, err.Error())
	}
	if pending == nil {
		return false, nil
	}
	if err := w.Put(optionsKey(database, version), pending); err != nil {
		return false, err
	}
	if err := w.Del(pendingOptionsKey(database)); err != nil {
		return false, err
	}
	return true, nil
}

// OptionsHistory returns each committed options document keyed by the
// version at which it became active.
func (s *Store) OptionsHistory(ctx context.Context, database string) (map[int64]json.RawMessage, error) {
	r := s.kv.Read()
	defer r.Close()

	prefix := key(optionsPrefix, database)
	prefix = append(prefix, 0xff)

	history := map[int64]json.RawMessage{}
	for kav, err := range r.Iter(ctx, prefix, kv.PrefixEnd(prefix)) {
		if err != nil {
			return nil, errors.Wrap(ErrStoreUnavailable, err.Error())
		}
		version, err := strconv.ParseInt(strings.TrimLeft(string(kav.K[len(prefix):]), "0"), 10, 64)
		if err != nil {
			continue
		}
		history[version] = append(json.RawMessage(nil), kav.V...)
	}
	return history, nil
}
