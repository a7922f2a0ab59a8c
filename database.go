package splitgill

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/splitgill/splitgill/bus"
	"github.com/splitgill/splitgill/indexing"
	"github.com/splitgill/splitgill/locking"
	"github.com/splitgill/splitgill/searching"
	"github.com/splitgill/splitgill/store"
)

// Database is a handle on one named collection of records.
type Database struct {
	client *Client
	name   string
}

func (d *Database) Name() string {
	return d.name
}

// IngestConfig tunes one ingest batch.
type IngestConfig struct {
	// Commit folds the staged changes into a new version straight away.
	Commit bool
	// ModifiedField names a top-level field whose changes alone do not
	// count as a new version (typically a last-modified timestamp).
	ModifiedField string
}

// Ingest stages a batch of records, and optionally commits them. A record
// with empty data is a deletion; deleting an unknown record is a no-op.
func (d *Database) Ingest(ctx context.Context, records []store.Record, cfg IngestConfig) (store.IngestResult, error) {
	result, err := d.client.store.Stage(ctx, d.name, records, cfg.ModifiedField)
	if err != nil {
		return result, err
	}
	if cfg.Commit {
		version, err := d.Commit(ctx)
		if err != nil {
			return result, err
		}
		result.Version = version
	}
	return result, nil
}

// Commit gives every staged change one new version, under the database's
// commit lock. Returns 0 when there was nothing to commit.
func (d *Database) Commit(ctx context.Context) (int64, error) {
	lock, err := d.client.locks.Acquire(ctx,
		locking.LockID(d.name, locking.PurposeCommit),
		d.client.cfg.LockTimeout,
		map[string]string{"host": hostname()})
	if err != nil {
		if errors.Is(err, locking.ErrLockTimeout) {
			return 0, errors.Wrapf(ErrCommitConflict, "database %q", d.name)
		}
		return 0, err
	}
	defer func() {
		if releaseErr := lock.Release(context.Background()); releaseErr != nil {
			d.client.log.Warn("failed to release commit lock",
				zap.String("database", d.name), zap.Error(releaseErr))
		}
	}()

	version, records, err := d.client.store.Commit(ctx, d.name)
	if err != nil || version == 0 {
		return version, err
	}

	if err := bus.PublishCommit(d.client.events, bus.CommitEvent{
		Database: d.name,
		Version:  version,
		Records:  records,
	}); err != nil {
		d.client.log.Warn("failed to publish commit event",
			zap.String("database", d.name), zap.Error(err))
	}
	return version, nil
}

// Rollback discards all staged record changes and any staged options.
func (d *Database) Rollback(ctx context.Context) error {
	return d.client.store.RollbackUncommitted(ctx, d.name)
}

// HasUncommitted reports whether anything is staged.
func (d *Database) HasUncommitted(ctx context.Context) (bool, error) {
	return d.client.store.HasUncommitted(ctx, d.name)
}

// GetRecord returns the stored record with its full diff chain, or nil.
func (d *Database) GetRecord(ctx context.Context, id string) (*store.StoredRecord, error) {
	return d.client.store.GetRecord(ctx, d.name, id)
}

// GetVersion materialises a record's data as it was at the given version.
// ok is false if the record did not exist yet (or at all).
func (d *Database) GetVersion(ctx context.Context, id string, version int64) (map[string]any, bool, error) {
	record, err := d.client.store.GetRecord(ctx, d.name, id)
	if err != nil {
		return nil, false, err
	}
	if record == nil {
		return nil, false, nil
	}
	data, ok := record.DataAt(version)
	return data, ok, nil
}

// Versions lists a record's committed versions, newest first.
func (d *Database) Versions(ctx context.Context, id string) ([]int64, error) {
	record, err := d.client.store.GetRecord(ctx, d.name, id)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, nil
	}
	return record.Versions(), nil
}

// CommittedVersion returns the database's newest committed version, 0 if
// nothing was ever committed.
func (d *Database) CommittedVersion(ctx context.Context) (int64, error) {
	status, err := d.client.store.Status(ctx, d.name)
	if err != nil {
		return 0, err
	}
	return status.CommittedVersion, nil
}

// Status returns the database's bookkeeping document.
func (d *Database) Status(ctx context.Context) (*store.Status, error) {
	return d.client.store.Status(ctx, d.name)
}

// UpdateOptions stages new parsing options; they take effect at the next
// commit and reach the search indices at the next sync.
func (d *Database) UpdateOptions(ctx context.Context, options indexing.ParsingOptions, commit bool) (int64, error) {
	doc, err := options.ToDoc()
	if err != nil {
		return 0, err
	}
	if err := d.client.store.StageOptions(ctx, d.name, doc); err != nil {
		return 0, err
	}
	if !commit {
		return 0, nil
	}
	return d.Commit(ctx)
}

// RollbackOptions drops staged options without touching staged records.
func (d *Database) RollbackOptions(ctx context.Context) error {
	return d.client.store.RollbackOptions(ctx, d.name)
}

// Options returns the parsing options in force at the newest version.
func (d *Database) Options(ctx context.Context) (indexing.ParsingOptions, error) {
	r, err := d.optionsRange(ctx)
	if err != nil {
		return indexing.ParsingOptions{}, err
	}
	return r.Latest(), nil
}

// OptionsAt returns the parsing options that were in force at a version.
func (d *Database) OptionsAt(ctx context.Context, version int64) (indexing.ParsingOptions, error) {
	r, err := d.optionsRange(ctx)
	if err != nil {
		return indexing.ParsingOptions{}, err
	}
	return r.Get(version), nil
}

func (d *Database) optionsRange(ctx context.Context) (*indexing.OptionsRange, error) {
	history, err := d.client.store.OptionsHistory(ctx, d.name)
	if err != nil {
		return nil, err
	}
	decoded := make(map[int64]indexing.ParsingOptions, len(history))
	for version, raw := range history {
		options, err := indexing.OptionsFromDoc(raw)
		if err != nil {
			return nil, errors.Wrapf(err, "options at version %d", version)
		}
		decoded[version] = options
	}
	return indexing.NewOptionsRange(decoded), nil
}

// Sync brings the search indices up to date with committed data.
func (d *Database) Sync(ctx context.Context, resync bool) (indexing.SyncResult, error) {
	result, err := d.client.syncer.Sync(ctx, d.name, indexing.SyncConfig{
		Resync:      resync,
		Parallel:    d.client.cfg.Sync.Parallel,
		WorkerCount: d.client.cfg.Sync.WorkerCount,
		BulkSize:    d.client.cfg.Sync.BulkSize,
		LockTimeout: d.client.cfg.LockTimeout,
	})
	if err != nil {
		return result, err
	}

	if err := bus.PublishSync(d.client.events, bus.SyncEvent{
		Database: d.name,
		Since:    result.Since,
		Until:    result.Until,
		Indexed:  result.Indexed,
		Deleted:  result.Deleted,
	}); err != nil {
		d.client.log.Warn("failed to publish sync event",
			zap.String("database", d.name), zap.Error(err))
	}
	return result, nil
}

// Search runs a query over every index of this database, current and
// historical states alike. Use searching.VersionQuery to pin a version.
func (d *Database) Search(ctx context.Context, query searching.Query, limit int) ([]indexing.Document, error) {
	return d.client.engine.Search(ctx, indexing.AllIndices(d.name), query, limit)
}

// SearchLatest runs a query over current record states only.
func (d *Database) SearchLatest(ctx context.Context, query searching.Query, limit int) ([]indexing.Document, error) {
	return d.client.engine.Search(ctx, []string{indexing.LatestIndex(d.name)}, query, limit)
}

// Count returns how many documents across all indices match the query.
func (d *Database) Count(ctx context.Context, query searching.Query) (int, error) {
	return d.client.engine.Count(ctx, indexing.AllIndices(d.name), query)
}
