// Package config loads the server's XML configuration document, mirroring
// takeshitakenji/wikiserv's config.py. No XML library appears anywhere in
// the example corpus (lxml has no Go ecosystem counterpart among the
// retrieved repos), so this is one of the few places that uses the
// standard library's encoding/xml by necessity rather than by omission —
// see DESIGN.md.
package config

import (
	"encoding/xml"
	"io"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/takeshitakenji/wikiserv/pkg/hashing"
	"github.com/takeshitakenji/wikiserv/pkg/logging"
)

// ErrMissingElement mirrors config.py's xpath_single KeyError: a required
// element was absent from the document.
var ErrMissingElement = errors.New("missing required configuration element")

type xmlProcessor struct {
	Name       string `xml:",chardata"`
	Extensions string `xml:"extensions,attr"`
}

type xmlConfig struct {
	XMLName  xml.Name `xml:"configuration"`
	LogLevel string   `xml:"log-level"`
	Cache    struct {
		CacheDir          string `xml:"cache-dir"`
		SourceDir         string `xml:"source-dir"`
		ChecksumFunction  string `xml:"checksum-function"`
		MaxAge            *int64 `xml:"max-age"`
		MaxEntries        *int   `xml:"max-entries"`
		AutoScrub         *struct{} `xml:"auto-scrub"`
		DispatcherThread  *struct{} `xml:"dispatcher-thread"`
	} `xml:"cache"`
	Processors struct {
		Encoding  string         `xml:"encoding"`
		Processor []xmlProcessor `xml:"processor"`
	} `xml:"processors"`
	Search struct {
		CacheFile  string   `xml:"cache-file"`
		MaxAge     *int64   `xml:"max-age"`
		MaxEntries *int     `xml:"max-entries"`
		Ignore     []string `xml:"ignore"`
	} `xml:"search"`
	Server struct {
		BindAddress   string    `xml:"bind-address"`
		BindPort      int       `xml:"bind-port"`
		PreviewLines  int       `xml:"preview-lines"`
		WorkerThreads int       `xml:"worker-threads"`
		SendETags     *struct{} `xml:"send-etags"`
		VarsFile      string    `xml:"vars-file"`
	} `xml:"server"`
}

// ProcessorEntry is one <processor> declaration: a name (e.g. "markdown",
// "raw") and the file extensions it's registered for. An empty Extensions
// list means this is the default processor, used for every extension that
// has no specific entry — mirrors config.py's `self.processors[None]`.
type ProcessorEntry struct {
	Name       string
	Extensions []string
}

// Configuration is the fully-parsed, validated configuration document.
type Configuration struct {
	LogLevel logging.Level

	CacheDir         string
	SourceDir        string
	ChecksumFunction hashing.Factory
	MaxAge           *time.Duration
	MaxEntries       *int
	AutoScrub        bool
	DispatcherThread bool

	Encoding   string
	Processors []ProcessorEntry

	SearchCacheFile  string
	SearchMaxAge     *time.Duration
	SearchMaxEntries *int
	// IgnoreGlobs holds doublestar-style patterns (matched against the
	// slash-separated relative path, e.g. "**/*.tmp", "drafts/**") that
	// exclude matching files from search results and listings. Mirrors
	// config.py's optional <search><ignore> entries, which wiki.py never
	// had an equivalent for; files are still transformable by direct path.
	IgnoreGlobs []string

	BindAddress   string
	BindPort      int
	PreviewLines  int
	WorkerThreads int
	SendETags     bool
	VarsFile      string
}

// Load parses and validates a Configuration from r.
func Load(r io.Reader) (*Configuration, error) {
	var doc xmlConfig
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, errors.Wrap(err, "unable to parse configuration document")
	}

	level, ok := logging.NameToLevel(strings.ToLower(strings.TrimSpace(doc.LogLevel)))
	if !ok {
		level = logging.LevelError
	}

	if strings.TrimSpace(doc.Cache.CacheDir) == "" {
		return nil, errors.Wrap(ErrMissingElement, "cache/cache-dir")
	}
	if strings.TrimSpace(doc.Cache.SourceDir) == "" {
		return nil, errors.Wrap(ErrMissingElement, "cache/source-dir")
	}
	hasher, ok := hashing.Get(strings.TrimSpace(doc.Cache.ChecksumFunction))
	if !ok {
		return nil, errors.Errorf("unknown checksum function: %q", doc.Cache.ChecksumFunction)
	}

	cfg := &Configuration{
		LogLevel:         level,
		CacheDir:         strings.TrimSpace(doc.Cache.CacheDir),
		SourceDir:        strings.TrimSpace(doc.Cache.SourceDir),
		ChecksumFunction: hasher,
		AutoScrub:        doc.Cache.AutoScrub != nil,
		DispatcherThread: doc.Cache.DispatcherThread != nil,
		Encoding:         strings.TrimSpace(doc.Processors.Encoding),
		SearchCacheFile:  strings.TrimSpace(doc.Search.CacheFile),
		BindAddress:      doc.Server.BindAddress,
		BindPort:         doc.Server.BindPort,
		PreviewLines:     doc.Server.PreviewLines,
		WorkerThreads:    doc.Server.WorkerThreads,
		SendETags:        doc.Server.SendETags != nil,
		VarsFile:         doc.Server.VarsFile,
	}

	if doc.Cache.MaxAge != nil {
		if *doc.Cache.MaxAge < 1 {
			return nil, errors.New("cache/max-age must be a positive integer")
		}
		d := time.Duration(*doc.Cache.MaxAge) * time.Second
		cfg.MaxAge = &d
	}
	if doc.Cache.MaxEntries != nil {
		if *doc.Cache.MaxEntries < 1 {
			return nil, errors.New("cache/max-entries must be a positive integer")
		}
		cfg.MaxEntries = doc.Cache.MaxEntries
	}
	if doc.Search.MaxAge != nil {
		d := time.Duration(*doc.Search.MaxAge) * time.Second
		cfg.SearchMaxAge = &d
	}
	cfg.SearchMaxEntries = doc.Search.MaxEntries
	for _, pattern := range doc.Search.Ignore {
		if p := strings.TrimSpace(pattern); p != "" {
			cfg.IgnoreGlobs = append(cfg.IgnoreGlobs, p)
		}
	}

	for _, p := range doc.Processors.Processor {
		name := strings.TrimSpace(p.Name)
		var extensions []string
		for _, ext := range strings.Fields(p.Extensions) {
			if ext != "" {
				extensions = append(extensions, ext)
			}
		}
		cfg.Processors = append(cfg.Processors, ProcessorEntry{Name: name, Extensions: extensions})
	}

	if cfg.WorkerThreads < 1 {
		cfg.WorkerThreads = 1
	}
	if cfg.PreviewLines < 1 {
		cfg.PreviewLines = 40
	}

	return cfg, nil
}

// DefaultProcessorName returns the name registered with no extensions, and
// whether one was found.
func (c *Configuration) DefaultProcessorName() (string, bool) {
	for _, p := range c.Processors {
		if len(p.Extensions) == 0 {
			return p.Name, true
		}
	}
	return "", false
}

// ProcessorForExtension returns the processor name registered for ext
// (without its leading dot), falling back to the default processor.
func (c *Configuration) ProcessorForExtension(ext string) (string, bool) {
	ext = strings.TrimPrefix(ext, ".")
	for _, p := range c.Processors {
		for _, e := range p.Extensions {
			if strings.EqualFold(e, ext) {
				return p.Name, true
			}
		}
	}
	return c.DefaultProcessorName()
}
