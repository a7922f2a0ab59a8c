package splitgill

import (
	"github.com/pkg/errors"

	"github.com/splitgill/splitgill/indexing"
	"github.com/splitgill/splitgill/locking"
	"github.com/splitgill/splitgill/store"
)

var (
	// ErrCommitConflict is returned when the commit lock could not be
	// acquired, another writer was committing the whole time.
	ErrCommitConflict = errors.New("commit conflict")

	// ErrSyncBusy is returned when a sync is already running.
	ErrSyncBusy = indexing.ErrSyncBusy

	// ErrValidation is returned for bad record ids, reserved keys, and
	// values outside the data grammar.
	ErrValidation = store.ErrValidation

	// ErrLockTimeout is the underlying lock acquisition failure.
	ErrLockTimeout = locking.ErrLockTimeout

	// ErrStoreUnavailable wraps document store I/O failures.
	ErrStoreUnavailable = store.ErrStoreUnavailable
)
