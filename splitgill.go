// Package splitgill stores, versions, and searches semi-structured records.
// Every change to a record is kept as a diff chain, so any historical state
// can be rebuilt and searched at any version.
package splitgill

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/splitgill/splitgill/bus"
	"github.com/splitgill/splitgill/indexing"
	"github.com/splitgill/splitgill/kv"
	"github.com/splitgill/splitgill/locking"
	"github.com/splitgill/splitgill/searching"
	"github.com/splitgill/splitgill/store"
)

const DefaultLockTimeout = 30 * time.Second

// Client owns the shared infrastructure: the kv store, the record store, the
// lock manager, the embedded search engine and the event bus. Databases are
// cheap handles onto it.
type Client struct {
	cfg    Config
	kv     kv.KV
	store  *store.Store
	locks  *locking.Manager
	engine *searching.Embedded
	syncer *indexing.Syncer
	events bus.Bus
	log    *zap.Logger
}

// New builds a client from config. See Config for the backend options.
func New(cfg Config) (*Client, error) {
	log, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}

	var db kv.KV
	switch cfg.Backend {
	case "", "memory":
		db, err = kv.NewMemPebble()
	case "pebble":
		if cfg.DataDir == "" {
			return nil, errors.New("pebble backend needs data_dir")
		}
		db, err = kv.NewPebble(cfg.DataDir)
	case "tikv":
		db, err = kv.NewTikv()
	default:
		return nil, errors.Errorf("unknown backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, errors.Wrap(err, "opening kv store")
	}

	var events bus.Bus
	switch cfg.Bus {
	case "", "solo":
		events, err = bus.NewSolo()
	case "nats":
		url := cfg.NatsURL
		if url == "" {
			// no external server configured, run one in-process
			url, err = bus.StartEmbeddedNats("127.0.0.1", -1)
		}
		if err == nil {
			events, err = bus.NewNats(url)
		}
	default:
		err = errors.Errorf("unknown bus %q", cfg.Bus)
	}
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "connecting bus")
	}

	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = DefaultLockTimeout
	}

	recordStore := store.New(db, log)
	engine := searching.NewEmbedded(db, log)
	locks := locking.NewManager(db, log)
	return &Client{
		cfg:    cfg,
		kv:     db,
		store:  recordStore,
		locks:  locks,
		engine: engine,
		syncer: indexing.NewSyncer(recordStore, engine, locks, log),
		events: events,
		log:    log,
	}, nil
}

// Database returns a handle on a named database. Databases exist implicitly;
// the first commit creates all state.
func (c *Client) Database(name string) (*Database, error) {
	if err := store.ValidateDatabaseName(name); err != nil {
		return nil, err
	}
	return &Database{client: c, name: name}, nil
}

// Events exposes the bus for subscribing to commit and sync notifications.
func (c *Client) Events() bus.Bus {
	return c.events
}

// Store exposes the record store for advanced callers.
func (c *Client) Store() *store.Store {
	return c.store
}

// Engine exposes the search engine.
func (c *Client) Engine() *searching.Embedded {
	return c.engine
}

// Ping checks the kv store is reachable.
func (c *Client) Ping() error {
	return c.kv.Ping()
}

func (c *Client) Close() {
	c.events.Close()
	c.kv.Close()
	_ = c.log.Sync()
}

// Hostname is recorded in lock metadata so stuck locks can be traced.
func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return name
}
