package s3

import (
	"fmt"
	"strconv"
	"sync"
	"time"
)

const (
	maxVersionMillis = 9999999999999999
	maxVersionSeq    = 999999
)

// VersionIDGenerator mints version ids whose byte order is reverse
// chronological: a newer id always sorts before an older one.
//
// Layout: 16 digits of (max - unix millis), 6 digits of (max - sequence),
// then the site id. The sequence breaks ties within one millisecond; if
// the clock steps backwards the last millisecond is reused.
type VersionIDGenerator struct {
	mu     sync.Mutex
	site   string
	lastMs int64
	seq    int
	now    func() time.Time
}

// NewVersionIDGenerator creates a generator for site.
func NewVersionIDGenerator(site string) *VersionIDGenerator {
	return &VersionIDGenerator{site: site, now: time.Now}
}

// Next returns a fresh version id.
func (g *VersionIDGenerator) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := g.now().UnixMilli()
	if ms <= g.lastMs {
		ms = g.lastMs
		g.seq++
		if g.seq > maxVersionSeq {
			ms++
			g.seq = 0
		}
	} else {
		g.seq = 0
	}
	g.lastMs = ms

	return fmt.Sprintf("%016d%06d%s", maxVersionMillis-ms, maxVersionSeq-g.seq, g.site)
}

// Observe advances the generator past id if this site minted it, so ids
// written before a restart are never handed out again.
func (g *VersionIDGenerator) Observe(id string) {
	const prefix = 16 + 6
	if len(id) != prefix+len(g.site) || id[prefix:] != g.site {
		return
	}
	inv, err := strconv.ParseInt(id[:16], 10, 64)
	if err != nil {
		return
	}
	invSeq, err := strconv.Atoi(id[16:prefix])
	if err != nil {
		return
	}
	ms, seq := maxVersionMillis-inv, maxVersionSeq-invSeq

	g.mu.Lock()
	defer g.mu.Unlock()
	if ms > g.lastMs || (ms == g.lastMs && seq > g.seq) {
		g.lastMs = ms
		g.seq = seq
	}
}

// validVersionID reports whether id can be stored as a version id.
func validVersionID(id string) bool {
	if id == "" || len(id) > 64 {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if c < 0x21 || c > 0x7e {
			return false
		}
	}
	return true
}
