package jobqueue

import (
	"io"
	"os"
)

// Sink is a synchronous producer given a writable stream to fill. It is run
// on a worker goroutine; RWAdapter gives its caller a Read interface to the
// bytes it writes, without copying through an intermediate buffer.
type Sink func(w io.Writer) error

// RWAdapter is a Job that exposes a readable stream to its submitter. It
// wraps an OS pipe: the job body runs sink against the pipe's write end on a
// worker goroutine, while the submitter reads from the pipe's read end on
// its own goroutine. Closing the read end early causes the next Write inside
// sink to fail, which unblocks and fails the job — this is how a caller that
// stops reading partway through (e.g. an HTTP client that disconnects) tears
// down the producer side without it blocking forever on a full pipe buffer.
type RWAdapter struct {
	*Job
	reader *os.File
	writer *os.File
}

// NewRWAdapter creates the underlying pipe and wraps sink as the Job body.
// The returned adapter must be submitted to a Pool to actually run; its
// Read method can be called concurrently with that, and will block until
// the sink has written enough bytes or finished.
func NewRWAdapter(sink Sink) (*RWAdapter, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	a := &RWAdapter{reader: r, writer: w}
	a.Job = New(func() (interface{}, error) {
		err := sink(w)
		closeErr := w.Close()
		if err != nil {
			return nil, err
		}
		return nil, closeErr
	})
	return a, nil
}

// Read implements io.Reader over the pipe's read end.
func (a *RWAdapter) Read(p []byte) (int, error) {
	return a.reader.Read(p)
}

// Close releases the read end of the pipe. If the job is still running,
// this causes the sink's next Write to fail with a broken-pipe error,
// which completes the job with that error rather than leaving it blocked.
func (a *RWAdapter) Close() error {
	return a.reader.Close()
}
