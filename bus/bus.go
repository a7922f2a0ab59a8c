// Package bus distributes change notifications between splitgill instances.
// Every commit and every sync completion publishes an event on a per-database
// subject, so other processes (or a search-side consumer) can react without
// polling the store.
package bus

import (
	"context"
	"encoding/json"
)

// Bus is the pub/sub surface. The solo bus serves a single process, the NATS
// bus connects multiple instances.
type Bus interface {
	Publish(subject string, payload []byte) error
	// Subscribe delivers messages on the subject until ctx is cancelled.
	Subscribe(ctx context.Context, subject string) (<-chan []byte, error)
	Close()
}

// CommitSubject is where a database's commit events are published.
func CommitSubject(database string) string {
	return "splitgill." + database + ".commit"
}

// SyncSubject is where a database's sync completion events are published.
func SyncSubject(database string) string {
	return "splitgill." + database + ".sync"
}

// CommitEvent announces a new committed version.
type CommitEvent struct {
	Database string `json:"database"`
	Version  int64  `json:"version"`
	Records  int    `json:"records"`
}

// SyncEvent announces a completed sync.
type SyncEvent struct {
	Database string `json:"database"`
	Since    int64  `json:"since"`
	Until    int64  `json:"until"`
	Indexed  int    `json:"indexed"`
	Deleted  int    `json:"deleted"`
}

// PublishCommit marshals and publishes a commit event.
func PublishCommit(b Bus, event CommitEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return b.Publish(CommitSubject(event.Database), payload)
}

// PublishSync marshals and publishes a sync event.
func PublishSync(b Bus, event SyncEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return b.Publish(SyncSubject(event.Database), payload)
}
