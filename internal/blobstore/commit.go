package blobstore

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrConcurrentCommit is returned when another writer committed the same version first.
var ErrConcurrentCommit = errors.New("blobstore: concurrent commit")

// Commit describes one finished export, recorded after index.json is durable.
type Commit struct {
	Version     uint64
	RunID       string
	Root        string
	Manifest    string
	Entries     int
	Artifacts   int
	Bytes       int64
	CommittedAt time.Time
}

// Committer records finished exports in an external log.
type Committer interface {
	Record(ctx context.Context, c Commit) (Commit, error)
	Latest(ctx context.Context) (Commit, bool, error)
}

// MemoryCommitLog is an in-process Committer.
type MemoryCommitLog struct {
	mu      sync.Mutex
	commits []Commit
	now     func() time.Time
}

func NewMemoryCommitLog() *MemoryCommitLog {
	return &MemoryCommitLog{now: time.Now}
}

func (l *MemoryCommitLog) Record(_ context.Context, c Commit) (Commit, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c.Version = uint64(len(l.commits)) + 1
	if c.CommittedAt.IsZero() {
		c.CommittedAt = l.now().UTC()
	}
	l.commits = append(l.commits, c)
	return c, nil
}

func (l *MemoryCommitLog) Latest(_ context.Context) (Commit, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.commits) == 0 {
		return Commit{}, false, nil
	}
	return l.commits[len(l.commits)-1], true, nil
}
