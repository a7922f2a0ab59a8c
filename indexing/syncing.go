package indexing

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/splitgill/splitgill/locking"
	"github.com/splitgill/splitgill/store"
)

// ErrSyncBusy is returned when another sync already holds the database's
// sync lock.
var ErrSyncBusy = errors.New("sync already in progress")

const (
	DefaultWorkerCount = 4
	DefaultBulkSize    = 500

	maxBulkAttempts = 5
)

// SyncConfig tunes one sync run. The zero value gets sensible defaults.
type SyncConfig struct {
	// Resync wipes the archive indices and re-indexes everything.
	Resync bool
	// Parallel enables the worker pool; when false a single worker runs.
	Parallel bool
	// WorkerCount is the number of parsing workers when Parallel is set.
	WorkerCount int
	// BulkSize is how many ops are batched per bulk request.
	BulkSize int
	// LockTimeout bounds the wait for the sync lock.
	LockTimeout time.Duration
}

func (c SyncConfig) workerCount() int {
	if !c.Parallel {
		return 1
	}
	if c.WorkerCount <= 0 {
		return DefaultWorkerCount
	}
	return c.WorkerCount
}

func (c SyncConfig) bulkSize() int {
	if c.BulkSize <= 0 {
		return DefaultBulkSize
	}
	return c.BulkSize
}

// SyncResult reports what one sync run did.
type SyncResult struct {
	Indexed        int
	Deleted        int
	FailedByReason map[string]int
	Elapsed        time.Duration
	// Since and Until bound the versions this run covered.
	Since int64
	Until int64
}

// Syncer pushes committed record states from the document store into the
// search engine.
type Syncer struct {
	store  *store.Store
	engine Engine
	locks  *locking.Manager
	log    *zap.Logger
}

func NewSyncer(s *store.Store, engine Engine, locks *locking.Manager, log *zap.Logger) *Syncer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Syncer{store: s, engine: engine, locks: locks, log: log}
}

// Sync brings the database's search indices up to date with its committed
// data. Only one sync per database runs at a time.
func (s *Syncer) Sync(ctx context.Context, database string, config SyncConfig) (SyncResult, error) {
	started := time.Now()

	lock, err := s.locks.Acquire(ctx, locking.LockID(database, locking.PurposeSync), config.LockTimeout, nil)
	if err != nil {
		if errors.Is(err, locking.ErrLockTimeout) {
			return SyncResult{}, errors.Wrapf(ErrSyncBusy, "database %q", database)
		}
		return SyncResult{}, err
	}
	defer func() {
		if releaseErr := lock.Release(context.Background()); releaseErr != nil {
			s.log.Warn("failed to release sync lock",
				zap.String("database", database), zap.Error(releaseErr))
		}
	}()

	status, err := s.store.Status(ctx, database)
	if err != nil {
		return SyncResult{}, err
	}
	since, until := status.LastIndexedVersion, status.CommittedVersion

	// options newer than the checkpoint invalidate everything indexed with
	// the old options, so the whole history gets re-parsed
	if since > 0 && status.OptionsVersion > since {
		since = 0
	}

	parser, err := s.currentParser(ctx, database)
	if err != nil {
		return SyncResult{}, err
	}

	if err := s.engine.EnsureTemplate(ctx, BuildTemplate(database, parser.Options())); err != nil {
		return SyncResult{}, err
	}

	if config.Resync {
		for _, name := range ArcIndices(database) {
			if err := s.engine.DeleteIndex(ctx, name); err != nil {
				return SyncResult{}, errors.Wrapf(err, "wiping %s", name)
			}
		}
		if err := s.store.SetLastIndexedVersion(ctx, database, 0); err != nil {
			return SyncResult{}, err
		}
		since = 0
	}

	indices := AllIndices(database)
	for _, name := range indices {
		if err := s.engine.EnsureIndex(ctx, name); err != nil {
			return SyncResult{}, err
		}
	}

	if since == until && !config.Resync {
		return SyncResult{Since: since, Until: until, Elapsed: time.Since(started)}, nil
	}

	// no refreshes and no replication while bulk loading
	if err := s.engine.SetRefreshInterval(ctx, "-1", indices...); err != nil {
		return SyncResult{}, err
	}
	if err := s.engine.SetReplicas(ctx, 0, indices...); err != nil {
		return SyncResult{}, err
	}
	defer s.restoreSettings(database, indices)

	result, err := s.run(ctx, database, since, until, parser, config)
	if err != nil {
		return SyncResult{}, err
	}

	if err := s.store.SetLastIndexedVersion(ctx, database, until); err != nil {
		return SyncResult{}, err
	}

	result.Since = since
	result.Until = until
	result.Elapsed = time.Since(started)
	s.log.Info("sync complete",
		zap.String("database", database),
		zap.Int64("since", since),
		zap.Int64("until", until),
		zap.Int("indexed", result.Indexed),
		zap.Int("deleted", result.Deleted),
		zap.Duration("elapsed", result.Elapsed))
	return result, nil
}

func (s *Syncer) currentParser(ctx context.Context, database string) (*Parser, error) {
	history, err := s.store.OptionsHistory(ctx, database)
	if err != nil {
		return nil, err
	}
	decoded := make(map[int64]ParsingOptions, len(history))
	for version, raw := range history {
		options, err := OptionsFromDoc(raw)
		if err != nil {
			return nil, errors.Wrapf(err, "options at version %d", version)
		}
		decoded[version] = options
	}
	return NewParser(NewOptionsRange(decoded).Latest()), nil
}

// run streams records through the worker pool into batched bulk requests.
func (s *Syncer) run(ctx context.Context, database string, since, until int64, parser *Parser, config SyncConfig) (SyncResult, error) {
	result := SyncResult{FailedByReason: map[string]int{}}
	var resultMu sync.Mutex

	group, groupCtx := errgroup.WithContext(ctx)
	records := make(chan *store.StoredRecord, config.workerCount()*2)
	batches := make(chan []BulkOp, config.workerCount())

	group.Go(func() error {
		defer close(records)
		for record, err := range s.store.IterRecords(groupCtx, database, since) {
			if err != nil {
				return err
			}
			select {
			case records <- record:
			case <-groupCtx.Done():
				return groupCtx.Err()
			}
		}
		return nil
	})

	var workers sync.WaitGroup
	for range config.workerCount() {
		workers.Add(1)
		group.Go(func() error {
			defer workers.Done()
			for record := range records {
				var ops []BulkOp
				for op := range GenerateIndexOps(database, record, since, until, parser) {
					ops = append(ops, op)
				}
				if len(ops) == 0 {
					continue
				}
				select {
				case batches <- ops:
				case <-groupCtx.Done():
					return groupCtx.Err()
				}
			}
			return nil
		})
	}
	go func() {
		workers.Wait()
		close(batches)
	}()

	group.Go(func() error {
		pending := make([]BulkOp, 0, config.bulkSize())
		flush := func() error {
			if len(pending) == 0 {
				return nil
			}
			res, err := s.submitBulk(groupCtx, pending)
			pending = pending[:0]
			if err != nil {
				return err
			}
			resultMu.Lock()
			result.Indexed += res.Indexed
			result.Deleted += res.Deleted
			for _, failure := range res.Failures {
				result.FailedByReason[failure.Reason]++
			}
			resultMu.Unlock()
			return nil
		}
		for ops := range batches {
			pending = append(pending, ops...)
			if len(pending) >= config.bulkSize() {
				if err := flush(); err != nil {
					return err
				}
			}
		}
		return flush()
	})

	if err := group.Wait(); err != nil {
		return SyncResult{}, err
	}
	return result, nil
}

// submitBulk sends one batch, retrying transient failures with exponential
// backoff. Permanent failures are reported, not retried.
func (s *Syncer) submitBulk(ctx context.Context, ops []BulkOp) (BulkResult, error) {
	var total BulkResult
	policy := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)

	remaining := ops
	for attempt := 1; ; attempt++ {
		res, err := s.engine.Bulk(ctx, remaining)
		if err != nil {
			if attempt >= maxBulkAttempts {
				return total, errors.Wrap(err, "bulk request failed")
			}
			wait := policy.NextBackOff()
			if wait == backoff.Stop {
				return total, errors.Wrap(err, "bulk request failed")
			}
			select {
			case <-ctx.Done():
				return total, ctx.Err()
			case <-time.After(wait):
			}
			continue
		}

		total.Indexed += res.Indexed
		total.Deleted += res.Deleted

		var retry []BulkOp
		for _, failure := range res.Failures {
			if failure.Transient && attempt < maxBulkAttempts {
				retry = append(retry, failure.Op)
				continue
			}
			total.Failures = append(total.Failures, failure)
		}
		if len(retry) == 0 {
			return total, nil
		}
		s.log.Warn("retrying transient bulk failures",
			zap.Int("count", len(retry)), zap.Int("attempt", attempt))

		wait := policy.NextBackOff()
		if wait == backoff.Stop {
			for _, op := range retry {
				total.Failures = append(total.Failures, BulkFailure{Op: op, Reason: "retries exhausted", Transient: true})
			}
			return total, nil
		}
		select {
		case <-ctx.Done():
			return total, ctx.Err()
		case <-time.After(wait):
		}
		remaining = retry
	}
}

// restoreSettings undoes the bulk-loading tuning and forces one refresh so
// the synced documents become searchable. Runs on a fresh context because the
// sync's own context may already be cancelled.
func (s *Syncer) restoreSettings(database string, indices []string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := s.engine.SetRefreshInterval(ctx, "", indices...); err != nil {
		s.log.Warn("failed to restore refresh interval",
			zap.String("database", database), zap.Error(err))
	}
	if err := s.engine.SetReplicas(ctx, -1, indices...); err != nil {
		s.log.Warn("failed to restore replicas",
			zap.String("database", database), zap.Error(err))
	}

	refresh := func() error { return s.engine.Refresh(ctx, indices...) }
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	if err := backoff.Retry(refresh, policy); err != nil {
		s.log.Warn("refresh failed after sync",
			zap.String("database", database), zap.Error(err))
	}
}
