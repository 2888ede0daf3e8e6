package wikicache

import (
	"github.com/takeshitakenji/wikiserv/pkg/hashing"
	"github.com/takeshitakenji/wikiserv/pkg/jobqueue"
	"github.com/takeshitakenji/wikiserv/pkg/logging"
)

// DispatcherCache is a Cache whose internally-triggered scrubs run on a
// dedicated single-worker pool instead of the calling goroutine, so a
// Lookup that happens to trip the tentative-scrub threshold never blocks
// on a full filesystem walk.
type DispatcherCache struct {
	*Cache
	pool *jobqueue.Pool
}

// NewDispatcherCache constructs a Cache exactly as New does, but backs its
// scheduler with a one-worker Pool.
func NewDispatcherCache(root, sourceRoot string, newHasher hashing.Factory, transform Transformer, options Options, logger *logging.Logger) (*DispatcherCache, error) {
	cache, err := New(root, sourceRoot, newHasher, transform, options, logger)
	if err != nil {
		return nil, err
	}
	dc := &DispatcherCache{
		Cache: cache,
		pool:  jobqueue.NewPool(1, 8, logger.Sublogger("dispatcher")),
	}
	cache.scheduler = dc
	return dc, nil
}

// ScheduleScrub enqueues a scrub job on the dedicated worker and returns
// immediately; the caller does not wait for it to run.
func (d *DispatcherCache) ScheduleScrub(tentative bool) {
	job := jobqueue.New(func() (interface{}, error) {
		ran, err := d.Cache.Scrub(tentative)
		return ran, err
	})
	d.pool.Submit(job)
}

// Close enqueues the worker's sentinel and waits for it to exit.
func (d *DispatcherCache) Close() {
	d.pool.Finish()
	d.pool.Join()
}
