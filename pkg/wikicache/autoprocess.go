package wikicache

import (
	"io"

	"github.com/takeshitakenji/wikiserv/pkg/cacheentry"
	"github.com/takeshitakenji/wikiserv/pkg/filelock"
	"github.com/takeshitakenji/wikiserv/pkg/jobqueue"
	"github.com/takeshitakenji/wikiserv/pkg/source"
)

// AutoProcess is the handle Lookup returns when a cache entry is (or has
// become) a tombstone: the transformer's output for this input must not be
// persisted, so the transformer is run again, directly against the
// original source, every time this handle is invoked. It captures the
// source and pool locks taken during Lookup and holds them open until
// Run/Sink executes and releases them, matching the core spec's "the
// pool-lock and the original's shared lock are released with the Entry;
// the AutoProcess re-acquires them when the caller invokes it" — here
// "re-acquires" becomes "keeps already-held", which is equivalent and
// avoids a lock/unlock/relock race against a concurrent scrub.
type AutoProcess struct {
	sourceRoot string
	relPath    string
	transform  Transformer
	poolLock   *filelock.FileLock
	poolToken  *filelock.Token
	srcToken   *source.Source

	// Header is the tombstone header written for this input, exposed so
	// callers can set conditional-response headers (size, mtime) without
	// running the transformer.
	Header cacheentry.Header

	released bool
}

// Run executes the transformer against the original source, writing
// straight to dst, then releases the locks captured at Lookup time. It may
// be called at most once.
func (a *AutoProcess) Run(dst io.Writer) error {
	defer a.release()
	return a.transform(a.srcToken, dst)
}

// Sink adapts Run to jobqueue.Sink, for running an AutoProcess through a
// WorkerPool via an RWAdapter so the caller gets a streaming io.Reader
// instead of blocking until the whole transformation finishes.
func (a *AutoProcess) Sink() jobqueue.Sink {
	return a.Run
}

func (a *AutoProcess) release() {
	if a.released {
		return
	}
	a.released = true
	a.srcToken.Close()
	a.poolToken.Release()
}

// Close abandons this AutoProcess without running it, releasing its held
// locks. Safe to call after Run/Sink as well.
func (a *AutoProcess) Close() {
	a.release()
}
