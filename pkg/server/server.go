// Package server wires the transformation cache, search index, and worker
// pool into the single long-lived object an HTTP front end drives ("C10
// Server"). Grounded on takeshitakenji/wikiserv's server.py; the HTTP
// handlers themselves live in http.go, kept deliberately thin so this file
// stays the authoritative "what does a lookup/search/preview actually do"
// reference.
package server

import (
	"bufio"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/takeshitakenji/wikiserv/pkg/cacheentry"
	"github.com/takeshitakenji/wikiserv/pkg/config"
	"github.com/takeshitakenji/wikiserv/pkg/content"
	"github.com/takeshitakenji/wikiserv/pkg/jobqueue"
	"github.com/takeshitakenji/wikiserv/pkg/logging"
	"github.com/takeshitakenji/wikiserv/pkg/search"
	"github.com/takeshitakenji/wikiserv/pkg/source"
	"github.com/takeshitakenji/wikiserv/pkg/transform"
	"github.com/takeshitakenji/wikiserv/pkg/wikicache"
)

// cache is the subset of wikicache.Cache/DispatcherCache the Server needs;
// both satisfy it, and it lets Server stay agnostic about which one a
// given configuration chose.
type cache interface {
	Lookup(relPath string) (*cacheentry.Entry, *wikicache.AutoProcess, error)
	Scrub(tentative bool) (bool, error)
	Root() string
	Close()
}

// Server owns the document cache, the optional preview cache, the search
// index, and the worker pool that streams no-cache results back to
// callers. Exactly one Server exists per running process.
type Server struct {
	configuration *config.Configuration
	logger        *logging.Logger

	document cache
	preview  cache // nil if PreviewLines == 0

	searchCache search.SearchCache
	searcher    *search.Search

	vars    *VarStore
	workers *jobqueue.Pool
}

// New builds a Server from a parsed configuration. It creates the cache
// directories if necessary, wipes a stale preview cache whose PreviewLines
// setting changed since last run, and starts the worker pool.
func New(cfg *config.Configuration, logger *logging.Logger) (*Server, error) {
	logger = logger.Sublogger("server")

	if err := os.MkdirAll(cfg.CacheDir, 0700); err != nil {
		return nil, errors.Wrap(err, "unable to create cache directory")
	}

	varsPath := cfg.VarsFile
	if varsPath == "" {
		varsPath = filepath.Join(cfg.CacheDir, "vars.yaml")
	}
	vars, err := OpenVarStore(varsPath)
	if err != nil {
		return nil, err
	}

	s := &Server{configuration: cfg, logger: logger, vars: vars}

	previewRoot := filepath.Join(cfg.CacheDir, "preview")
	if cfg.PreviewLines > 0 {
		stored, _ := vars.Get("PREVIEW_LINES")
		storedInt, _ := stored.(int)
		if storedInt != cfg.PreviewLines {
			os.RemoveAll(previewRoot)
			vars.Set("PREVIEW_LINES", cfg.PreviewLines)
		}
	}

	options := wikicache.Options{
		MaxAge:     cfg.MaxAge,
		MaxEntries: cfg.MaxEntries,
		AutoScrub:  cfg.AutoScrub,
	}

	documentCache, err := s.buildCache(filepath.Join(cfg.CacheDir, "document"), cfg, s.process, options)
	if err != nil {
		return nil, err
	}
	s.document = documentCache

	if cfg.PreviewLines > 0 {
		previewCache, err := s.buildCache(previewRoot, cfg, s.docHead, options)
		if err != nil {
			return nil, err
		}
		s.preview = previewCache
	}

	mtime := &mtimeVar{store: vars, logger: logger}
	s.searcher = search.NewSearch(cfg.SourceDir, mtime, nil, cfg.IgnoreGlobs)

	if cfg.SearchCacheFile != "" {
		sc, err := search.OpenPersistentSearchCache(cfg.SearchCacheFile, s.searcher.FilterFiles, mtime, cfg.SearchMaxAge, cfg.SearchMaxEntries)
		if err != nil {
			return nil, err
		}
		s.searchCache = sc
	} else {
		s.searchCache = search.NewTemporarySearchCache(s.searcher.FilterFiles, mtime, cfg.SearchMaxAge, cfg.SearchMaxEntries)
	}
	s.searcher.SetCache(s.searchCache)

	s.workers = jobqueue.NewPool(cfg.WorkerThreads, cfg.WorkerThreads*2, logger.Sublogger("workers"))

	return s, nil
}

func (s *Server) buildCache(root string, cfg *config.Configuration, t wikicache.Transformer, options wikicache.Options) (cache, error) {
	if cfg.DispatcherThread {
		return wikicache.NewDispatcherCache(root, cfg.SourceDir, cfg.ChecksumFunction, t, options, s.logger)
	}
	return wikicache.New(root, cfg.SourceDir, cfg.ChecksumFunction, t, options, s.logger)
}

// Lookup resolves relPath against the document cache.
func (s *Server) Lookup(relPath string) (*cacheentry.Entry, *wikicache.AutoProcess, error) {
	return s.document.Lookup(relPath)
}

// Preview resolves relPath against the preview cache, returning
// (nil, nil, nil) if previews are disabled.
func (s *Server) Preview(relPath string) (*cacheentry.Entry, *wikicache.AutoProcess, error) {
	if s.preview == nil {
		return nil, nil, nil
	}
	return s.preview.Lookup(relPath)
}

// Search runs f against the search index (via the SearchCache) and slices
// the sorted results to [start, end).
func (s *Server) Search(f search.Filter, start, end int) ([]search.FileInfo, bool, bool, error) {
	return s.searcher.FindByPath(start, end, f)
}

// Submit hands an AutoProcess (or any jobqueue.Sink) to the worker pool via
// an RWAdapter, returning a streaming reader the caller can copy to an
// HTTP response without blocking on the whole transformation up front.
func (s *Server) Submit(sink jobqueue.Sink) (*jobqueue.RWAdapter, error) {
	adapter, err := jobqueue.NewRWAdapter(sink)
	if err != nil {
		return nil, err
	}
	s.workers.Submit(adapter.Job)
	return adapter, nil
}

// process is the document cache's Transformer: it picks a processor by
// the source file's extension and hands off to it.
func (s *Server) process(src *source.Source, dst io.Writer) error {
	ext := filepath.Ext(src.Name())
	name, _ := s.configuration.ProcessorForExtension(ext)
	return transform.ByName(name)(src, dst)
}

// docHead is the preview cache's Transformer: like transform.Raw, but
// truncated to the first PreviewLines lines of decoded text, and it
// refuses (ErrNotImplemented) anything whose encoding can't be detected —
// there is no sensible preview of undecodable content.
func (s *Server) docHead(src *source.Source, dst io.Writer) error {
	if _, err := src.Handle().Seek(0, 0); err != nil {
		return err
	}
	info, _, err := content.Detect(src.Name(), src.Handle())
	if err != nil {
		return err
	}
	if info.Encoding == "" {
		return wikicache.ErrNotImplemented
	}
	if _, err := src.Handle().Seek(0, 0); err != nil {
		return err
	}

	if _, err := io.WriteString(dst, "Content-Type: text/plain; charset=utf-8\n"); err != nil {
		return err
	}

	var scanner *bufio.Scanner
	if info.Encoding != "utf-8" {
		if dec, err := content.Decoder(info.Encoding); err == nil {
			scanner = bufio.NewScanner(dec.Reader(src))
		}
	}
	if scanner == nil {
		scanner = bufio.NewScanner(src)
	}

	limit := s.configuration.PreviewLines
	for i := 0; i < limit && scanner.Scan(); i++ {
		if _, err := io.WriteString(dst, scanner.Text()+"\n"); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// ScrubAll runs one synchronous scrub pass over the document cache, the
// preview cache (if enabled), and the search index. Used by the CLI's
// scrub-only mode, ported from server.py's --scrub / FakeServer branch.
func (s *Server) ScrubAll() error {
	if _, err := s.document.Scrub(false); err != nil {
		return err
	}
	if s.preview != nil {
		if _, err := s.preview.Scrub(false); err != nil {
			return err
		}
	}
	if _, err := s.searchCache.Scrub(false); err != nil {
		return err
	}
	return nil
}

// Close shuts down every owned subsystem: both caches, the search index,
// and the worker pool.
func (s *Server) Close() {
	s.document.Close()
	if s.preview != nil {
		s.preview.Close()
	}
	s.searchCache.Close()
	s.workers.Finish()
	s.workers.Join()
}
