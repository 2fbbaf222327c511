package event

import (
	"fmt"
	"sort"
	"strings"
)

// Triple names one pull of one source stream.
type Triple struct {
	SourceID uint64
	StreamID uint64
	PullID   uint64
}

func (t Triple) less(o Triple) bool {
	if t.SourceID != o.SourceID {
		return t.SourceID < o.SourceID
	}
	if t.StreamID != o.StreamID {
		return t.StreamID < o.StreamID
	}
	return t.PullID < o.PullID
}

// ID correlates an event with every pull that contributed to it.
// The zero value tracks nothing. IDs are values: Merge never mutates its
// operands, so they can be copied and shared freely.
type ID struct {
	triples []Triple // sorted, no duplicates
}

// NewID returns the ID of a single pulled unit.
func NewID(sourceID, streamID, pullID uint64) ID {
	return ID{triples: []Triple{{sourceID, streamID, pullID}}}
}

// IDFromTriples builds an ID from an arbitrary list of triples.
func IDFromTriples(ts ...Triple) ID {
	if len(ts) == 0 {
		return ID{}
	}
	out := append([]Triple(nil), ts...)
	sort.Slice(out, func(i, j int) bool { return out[i].less(out[j]) })
	return ID{triples: dedup(out)}
}

func dedup(ts []Triple) []Triple {
	if len(ts) < 2 {
		return ts
	}
	w := 1
	for r := 1; r < len(ts); r++ {
		if ts[r] != ts[w-1] {
			ts[w] = ts[r]
			w++
		}
	}
	return ts[:w]
}

// Merge returns the union of both triple sets.
func (id ID) Merge(other ID) ID {
	switch {
	case len(other.triples) == 0:
		return id
	case len(id.triples) == 0:
		return other
	}
	out := make([]Triple, 0, len(id.triples)+len(other.triples))
	a, b := id.triples, other.triples
	for len(a) > 0 && len(b) > 0 {
		switch {
		case a[0] == b[0]:
			out = append(out, a[0])
			a, b = a[1:], b[1:]
		case a[0].less(b[0]):
			out = append(out, a[0])
			a = a[1:]
		default:
			out = append(out, b[0])
			b = b[1:]
		}
	}
	out = append(out, a...)
	out = append(out, b...)
	return ID{triples: out}
}

// Empty reports whether the ID tracks no pull at all.
func (id ID) Empty() bool { return len(id.triples) == 0 }

// Len is the number of distinct triples.
func (id ID) Len() int { return len(id.triples) }

// Triples returns a copy of the tracked triples ordered by source, stream, pull.
func (id ID) Triples() []Triple {
	return append([]Triple(nil), id.triples...)
}

// Sources lists the distinct source ids in ascending order.
func (id ID) Sources() []uint64 {
	var out []uint64
	for _, t := range id.triples {
		if n := len(out); n == 0 || out[n-1] != t.SourceID {
			out = append(out, t.SourceID)
		}
	}
	return out
}

func (id ID) stream(sourceID, streamID uint64) []Triple {
	lo := sort.Search(len(id.triples), func(i int) bool {
		t := id.triples[i]
		return t.SourceID > sourceID || (t.SourceID == sourceID && t.StreamID >= streamID)
	})
	hi := lo
	for hi < len(id.triples) && id.triples[hi].SourceID == sourceID && id.triples[hi].StreamID == streamID {
		hi++
	}
	return id.triples[lo:hi]
}

// MaxPullID is the highest pull id tracked for (source, stream).
func (id ID) MaxPullID(sourceID, streamID uint64) (uint64, bool) {
	s := id.stream(sourceID, streamID)
	if len(s) == 0 {
		return 0, false
	}
	return s[len(s)-1].PullID, true
}

// MinPullID is the lowest pull id tracked for (source, stream).
func (id ID) MinPullID(sourceID, streamID uint64) (uint64, bool) {
	s := id.stream(sourceID, streamID)
	if len(s) == 0 {
		return 0, false
	}
	return s[0].PullID, true
}

// IsTracking reports whether id covers other: every (source, stream) of other
// is present in id and id's pull-id range spans other's range.
func (id ID) IsTracking(other ID) bool {
	ts := other.triples
	for len(ts) > 0 {
		src, str := ts[0].SourceID, ts[0].StreamID
		n := 1
		for n < len(ts) && ts[n].SourceID == src && ts[n].StreamID == str {
			n++
		}
		oMin, oMax := ts[0].PullID, ts[n-1].PullID
		mine := id.stream(src, str)
		if len(mine) == 0 || mine[0].PullID > oMin || mine[len(mine)-1].PullID < oMax {
			return false
		}
		ts = ts[n:]
	}
	return true
}

func (id ID) Equal(other ID) bool {
	if len(id.triples) != len(other.triples) {
		return false
	}
	for i := range id.triples {
		if id.triples[i] != other.triples[i] {
			return false
		}
	}
	return true
}

func (id ID) String() string {
	if len(id.triples) == 0 {
		return "[]"
	}
	parts := make([]string, len(id.triples))
	for i, t := range id.triples {
		parts[i] = fmt.Sprintf("%d:%d:%d", t.SourceID, t.StreamID, t.PullID)
	}
	return "[" + strings.Join(parts, " ") + "]"
}
