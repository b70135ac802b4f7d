package s3

import (
	"net/url"
	"strings"
)

// ListOptions controls a paginated listing. IDMarker is an upload id or a
// version id depending on the listing.
type ListOptions struct {
	Prefix    string
	Delimiter string
	KeyMarker string
	IDMarker  string
	MaxKeys   int
}

// Page is one page of a listing. Items and common prefixes together never
// exceed MaxKeys.
type Page[T any] struct {
	Items          []T
	CommonPrefixes []string
	IsTruncated    bool
	NextKeyMarker  string
	NextIDMarker   string
}

// paginator applies prefix, delimiter, marker and max-keys rules to a
// key-ordered stream of entries. Feed entries with add until it returns false.
type paginator[T any] struct {
	opts       ListOptions
	page       Page[T]
	count      int
	lastPrefix string
	lastKey    string
	lastID     string
}

func newPaginator[T any](opts ListOptions) *paginator[T] {
	return &paginator[T]{opts: opts}
}

// done reports whether no further entry can be accepted.
func (p *paginator[T]) done() bool {
	return p.opts.MaxKeys <= 0 || p.page.IsTruncated
}

// excluded reports whether (key, id) falls at or before the marker pair.
func (p *paginator[T]) excluded(key, id string) bool {
	m := p.opts.KeyMarker
	if m == "" {
		return false
	}
	if key < m {
		return true
	}
	return key == m && (p.opts.IDMarker == "" || id <= p.opts.IDMarker)
}

// add offers an entry. It returns false once the page is complete.
func (p *paginator[T]) add(key, id string, item T) bool {
	if p.done() {
		return false
	}
	if !strings.HasPrefix(key, p.opts.Prefix) {
		return true
	}

	if d := p.opts.Delimiter; d != "" {
		rest := key[len(p.opts.Prefix):]
		if i := strings.Index(rest, d); i >= 0 {
			cp := key[:len(p.opts.Prefix)+i+len(d)]
			// Already emitted, either on this page or as the marker of a previous one.
			if cp == p.lastPrefix || (p.opts.KeyMarker != "" && cp <= p.opts.KeyMarker) {
				return true
			}
			if !p.room() {
				return false
			}
			p.page.CommonPrefixes = append(p.page.CommonPrefixes, cp)
			p.lastPrefix = cp
			p.emitted(cp, "")
			return true
		}
	}

	if p.excluded(key, id) {
		return true
	}
	if !p.room() {
		return false
	}
	p.page.Items = append(p.page.Items, item)
	p.emitted(key, id)
	return true
}

// room reports whether another entry fits; if not the page is marked
// truncated at the last emitted entry.
func (p *paginator[T]) room() bool {
	if p.count < p.opts.MaxKeys {
		return true
	}
	p.page.IsTruncated = true
	p.page.NextKeyMarker = p.lastKey
	p.page.NextIDMarker = p.lastID
	return false
}

func (p *paginator[T]) emitted(key, id string) {
	p.count++
	p.lastKey = key
	p.lastID = id
}

func (p *paginator[T]) result() *Page[T] {
	return &p.page
}

// scanStart is the first entry key a listing needs to visit.
func scanStart(opts ListOptions) string {
	if opts.KeyMarker > opts.Prefix {
		return opts.KeyMarker
	}
	return opts.Prefix
}

// EncodeKey applies S3 encoding-type=url to a key or prefix.
func EncodeKey(s, encodingType string) string {
	if encodingType != "url" || s == "" {
		return s
	}
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}
