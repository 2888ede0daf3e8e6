package server

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"github.com/takeshitakenji/wikiserv/pkg/cacheentry"
	"github.com/takeshitakenji/wikiserv/pkg/search"
	"github.com/takeshitakenji/wikiserv/pkg/wikicache"
)

// pageSize mirrors IndexHandler.COUNT in server.py.
const pageSize = 100

// etagFor derives a weak validator from a cache entry's header: its size,
// modification time, and checksum together identify the cached content
// uniquely enough for conditional-GET purposes without hashing the body
// again.
func etagFor(header cacheentry.Header) string {
	return fmt.Sprintf("%d-%d-%x", header.Size, header.Modified.UnixNano(), header.Checksum)
}

// Handler builds the net/http.Handler that routes requests the way
// server.py's tornado Application did: "/" and "/.search" to the
// index/search listing, everything else to the document cache, with a
// conditional-GET fast path (If-Modified-Since) on both.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/.search", s.handleIndex)
	mux.HandleFunc("/", s.handleRoot)
	return mux
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/")
	if path == "" {
		s.handleIndex(w, r)
		return
	}
	s.handleWiki(w, r, path)
}

func (s *Server) parseFilter(r *http.Request) search.Filter {
	var filters []search.Filter
	if v := r.URL.Query().Get("filter"); v != "" {
		filters = append(filters, search.NewPathFilter(v))
	}
	if v := r.URL.Query().Get("search"); v != "" {
		filters = append(filters, search.NewContentFilter(v))
	}
	switch len(filters) {
	case 0:
		return nil
	case 1:
		return filters[0]
	default:
		compound, err := search.NewCompoundFilter(filters...)
		if err != nil {
			s.logger.Warn(err)
			return filters[0]
		}
		return compound
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	start, _ := strconv.Atoi(r.URL.Query().Get("start"))
	if start < 0 {
		start = 0
	}
	filter := s.parseFilter(r)

	files, hasPrevious, hasMore, err := s.Search(filter, start, start+pageSize)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if len(files) > 0 {
		newest := files[0].Modified
		for _, f := range files {
			if f.Modified.After(newest) {
				newest = f.Modified
			}
		}
		w.Header().Set("Last-Modified", newest.UTC().Format(http.TimeFormat))
		if ifModified, err := time.Parse(http.TimeFormat, r.Header.Get("If-Modified-Since")); err == nil {
			if !newest.Truncate(time.Second).After(ifModified) {
				w.WriteHeader(http.StatusNotModified)
				return
			}
		}
	}
	if filter != nil {
		w.Header().Set("Cache-Control", "no-cache")
	} else {
		w.Header().Set("Cache-Control", "public")
	}
	w.Header().Set("Content-Type", "application/xhtml+xml; charset=UTF-8")

	data := indexPageData{
		Title:       "Wiki Index",
		HasPrevious: hasPrevious,
		HasMore:     hasMore,
		PrevStart:   start - pageSize,
		NextStart:   start + pageSize,
	}
	if data.PrevStart < 0 {
		data.PrevStart = 0
	}
	if filter != nil {
		data.Title = "Search"
		data.FilterDescription = filter.String()
	}
	data.ShowSeparator = hasPrevious && hasMore

	for _, f := range files {
		row := indexRow{
			Path:            f.RelPath,
			ModifiedDisplay: f.Modified.Format(time.RFC1123),
			Size:            humanize.Bytes(uint64(f.Size)),
		}
		if filter != nil {
			row.Preview = s.readPreview(f.RelPath)
		}
		data.Files = append(data.Files, row)
	}

	if err := renderIndexPage(w, data); err != nil {
		s.logger.Warn(err)
	}
}

func (s *Server) readPreview(relPath string) string {
	entry, auto, err := s.Preview(relPath)
	if err != nil {
		return ""
	}
	if auto != nil {
		defer auto.Close()
		var buf strings.Builder
		if err := auto.Run(&buf); err != nil {
			return ""
		}
		return buf.String()
	}
	if entry == nil {
		return ""
	}
	defer entry.Close()
	data, err := io.ReadAll(entry)
	if err != nil {
		return ""
	}
	return string(data)
}

func (s *Server) handleWiki(w http.ResponseWriter, r *http.Request, relPath string) {
	entry, auto, err := s.Lookup(relPath)
	if err != nil {
		if errors.Cause(err) == wikicache.ErrNotFound {
			http.NotFound(w, r)
		} else {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	if auto != nil {
		s.serveAutoProcess(w, auto)
		return
	}
	defer entry.Close()

	header := entry.Header()
	w.Header().Set("Last-Modified", header.Modified.UTC().Format(http.TimeFormat))
	if s.configuration.SendETags {
		w.Header().Set("ETag", strconv.Quote(etagFor(*header)))
	}
	if ifModified, err := time.Parse(http.TimeFormat, r.Header.Get("If-Modified-Since")); err == nil {
		if !header.Modified.Truncate(time.Second).After(ifModified) {
			w.WriteHeader(http.StatusNotModified)
			return
		}
	}

	io.Copy(w, entry)
}

// serveAutoProcess runs auto on the Server's WorkerPool via an RWAdapter,
// giving the HTTP response a streaming, back-pressured source instead of
// blocking the request goroutine on the whole transformation.
func (s *Server) serveAutoProcess(w http.ResponseWriter, auto *wikicache.AutoProcess) {
	adapter, err := s.Submit(auto.Sink())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer adapter.Close()
	io.Copy(w, adapter)
}
