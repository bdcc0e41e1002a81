// Package endpoint maps between URL endpoints and template files relative to
// the template root.
//
// An endpoint is a slash-prefixed, extensionless, NFC-normalized path:
// "todo.html.jinja2" serves "/todo" and "index.html.jinja2" serves "/".
// A nested "docs/index.html.jinja2" serves "/docs/".
package endpoint

import (
	"path"
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"
)

const indexName = "index"

// Mapper translates endpoints to template paths for one file extension.
type Mapper struct {
	ext string
}

// NewMapper creates a mapper for templates ending in "."+extension.
func NewMapper(extension string) Mapper {
	return Mapper{ext: strings.TrimPrefix(extension, ".")}
}

// Extension returns the template extension without a leading dot.
func (m Mapper) Extension() string {
	return m.ext
}

// IsTemplate reports whether p names a template file.
func (m Mapper) IsTemplate(p string) bool {
	base := path.Base(filepath.ToSlash(p))
	suffix := "." + m.ext
	return strings.HasSuffix(base, suffix) && len(base) > len(suffix)
}

// FromPath converts a root-relative template path into its endpoint. The
// second result is false when p is not a template.
func (m Mapper) FromPath(p string) (string, bool) {
	p = filepath.ToSlash(p)
	p = strings.TrimPrefix(p, "./")
	p = strings.TrimLeft(p, "/")
	if !m.IsTemplate(p) {
		return "", false
	}

	p = strings.TrimSuffix(p, "."+m.ext)
	switch {
	case p == indexName:
		return "/", true
	case strings.HasSuffix(p, "/"+indexName):
		p = strings.TrimSuffix(p, indexName)
	}

	return Normalize("/" + p), true
}

// PathOf returns the root-relative template path serving endpoint. A trailing
// slash selects the directory's index template, and the extension is added
// only when the endpoint has none.
func (m Mapper) PathOf(endpoint string) string {
	endpoint = Normalize(endpoint)

	p := endpoint
	if strings.HasSuffix(p, "/") {
		p += indexName
	}
	p = strings.TrimLeft(p, "/")

	if path.Ext(p) == "" {
		p += "." + m.ext
	}
	return p
}

// Normalize puts an endpoint in canonical form: NFC, forward slashes, a
// leading slash, and no "." or ".." segments. A trailing slash is kept.
func Normalize(endpoint string) string {
	endpoint = norm.NFC.String(filepath.ToSlash(endpoint))
	trailing := strings.HasSuffix(endpoint, "/")

	clean := path.Clean("/" + endpoint)
	if trailing && clean != "/" {
		clean += "/"
	}
	return clean
}
