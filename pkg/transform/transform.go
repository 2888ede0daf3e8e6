// Package transform holds the concrete Processor implementations wikicache
// invokes as its Transformer: a raw pass-through processor (detects MIME
// and encoding, writes a content-encoding header line, copies bytes
// verbatim) and a small Markdown-to-HTML processor. It mirrors
// takeshitakenji/wikiserv's processors.py, which ships one generic
// "AutoBaseProcessor" plus a registry callers extend (`get_processor`);
// Register is that same extension point.
package transform

import (
	"bufio"
	"fmt"
	"html"
	"io"
	"strings"

	"github.com/takeshitakenji/wikiserv/pkg/content"
	"github.com/takeshitakenji/wikiserv/pkg/source"
	"github.com/takeshitakenji/wikiserv/pkg/wikicache"
)

// registry maps a lower-cased processor name, as used in the
// <processor>name</processor> configuration element, to its
// implementation. This is a name-keyed registry rather than an
// extension-keyed one because the configuration layer (pkg/config)
// already resolves a source file's extension down to a processor name;
// Register is the extension point config.py's processors.get_processor
// corresponds to.
var registry = map[string]wikicache.Transformer{
	"markdown": Markdown,
	"raw":      Raw,
}

// Register adds or replaces the processor available under name.
// Name-matching is case-insensitive.
func Register(name string, t wikicache.Transformer) {
	registry[strings.ToLower(name)] = t
}

// ByName returns the processor registered under name, or Raw if none
// matches (an unconfigured or misspelled processor name falls back to the
// safe default rather than failing every lookup for that file).
func ByName(name string) wikicache.Transformer {
	if t, ok := registry[strings.ToLower(name)]; ok {
		return t
	}
	return Raw
}

// headerLine is written as the first line of every transformed entry's
// payload so readers can recover the detected MIME type and encoding
// without re-sniffing the (now possibly transformed) bytes.
func headerLine(info content.Info) string {
	enc := info.Encoding
	if enc == "" {
		enc = "binary"
	}
	return fmt.Sprintf("Content-Type: %s; charset=%s\n", info.MIMEType, enc)
}

// Raw detects the source's MIME type and encoding, writes a header line
// recording them, and copies the remaining bytes unmodified. If no
// encoding can be detected at all (i.e. the content looks binary) it still
// copies through, but signals wikicache.ErrNoCache so the result is never
// persisted — re-running detection is cheap, and guessing wrong about
// binary content once would otherwise be baked into the cache forever.
func Raw(src *source.Source, dst io.Writer) error {
	if _, err := src.Handle().Seek(0, 0); err != nil {
		return err
	}
	info, head, err := content.Detect(src.Name(), src.Handle())
	if err != nil {
		return err
	}

	if info.Encoding == "" {
		if _, err := src.Handle().Seek(0, 0); err != nil {
			return err
		}
		if _, err := io.Copy(dst, src); err != nil {
			return err
		}
		return wikicache.ErrNoCache
	}

	if _, err := io.WriteString(dst, headerLine(info)); err != nil {
		return err
	}
	if _, err := dst.Write(head); err != nil {
		return err
	}
	// src is already positioned right after head (Detect's ReadFull left it
	// there); copying the remainder without re-seeking to 0 avoids
	// duplicating the sniffed bytes into the output.
	_, err = io.Copy(dst, src)
	return err
}

// Markdown renders a minimal Markdown subset (ATX headers, blank-line
// paragraph breaks, "- "/"* " bullet lists) to HTML. It is not a full
// CommonMark implementation: the example corpus carries no Markdown
// library, so this stays deliberately small rather than importing one
// unseen in the corpus (see DESIGN.md).
func Markdown(src *source.Source, dst io.Writer) error {
	if _, err := src.Handle().Seek(0, 0); err != nil {
		return err
	}
	info, _, err := content.Detect(src.Name(), src.Handle())
	if err != nil {
		return err
	}
	if _, err := src.Handle().Seek(0, 0); err != nil {
		return err
	}
	if info.Encoding == "" {
		return wikicache.ErrNotImplemented
	}

	if _, err := io.WriteString(dst, headerLine(content.Info{MIMEType: "text/html", Encoding: "utf-8"})); err != nil {
		return err
	}

	scanner := bufio.NewScanner(src)
	inList := false
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)

		switch {
		case trimmed == "":
			if inList {
				io.WriteString(dst, "</ul>\n")
				inList = false
			}
			continue
		case strings.HasPrefix(trimmed, "#"):
			level := 0
			for level < len(trimmed) && trimmed[level] == '#' && level < 6 {
				level++
			}
			text := strings.TrimSpace(trimmed[level:])
			fmt.Fprintf(dst, "<h%d>%s</h%d>\n", level, html.EscapeString(text), level)
		case strings.HasPrefix(trimmed, "- ") || strings.HasPrefix(trimmed, "* "):
			if !inList {
				io.WriteString(dst, "<ul>\n")
				inList = true
			}
			fmt.Fprintf(dst, "<li>%s</li>\n", html.EscapeString(strings.TrimSpace(trimmed[2:])))
		default:
			if inList {
				io.WriteString(dst, "</ul>\n")
				inList = false
			}
			fmt.Fprintf(dst, "<p>%s</p>\n", html.EscapeString(trimmed))
		}
	}
	if inList {
		io.WriteString(dst, "</ul>\n")
	}
	return scanner.Err()
}
