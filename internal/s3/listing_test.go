package s3

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type entry struct{ key, id string }

func paginate(entries []entry, opts ListOptions) *Page[entry] {
	p := newPaginator[entry](opts)
	for _, e := range entries {
		if !p.add(e.key, e.id, e) {
			break
		}
	}
	return p.result()
}

func keysOf(items []entry) []string {
	out := make([]string, 0, len(items))
	for _, e := range items {
		out = append(out, e.key)
	}
	return out
}

func TestPaginatorNoDelimiter(t *testing.T) {
	entries := []entry{{"a", "1"}, {"b", "2"}, {"c", "3"}}
	page := paginate(entries, ListOptions{MaxKeys: 10})

	assert.Equal(t, []string{"a", "b", "c"}, keysOf(page.Items))
	assert.False(t, page.IsTruncated)
	assert.Empty(t, page.NextKeyMarker)
}

func TestPaginatorExactFitIsNotTruncated(t *testing.T) {
	page := paginate([]entry{{"a", "1"}, {"b", "2"}}, ListOptions{MaxKeys: 2})
	assert.Len(t, page.Items, 2)
	assert.False(t, page.IsTruncated)
}

func TestPaginatorDelimiterCollapsesPrefixes(t *testing.T) {
	entries := []entry{{"a/1", "u1"}, {"a/2", "u2"}, {"b/1", "u3"}, {"c", "u4"}}
	page := paginate(entries, ListOptions{Delimiter: "/", MaxKeys: 10})

	assert.Equal(t, []string{"a/", "b/"}, page.CommonPrefixes)
	assert.Equal(t, []string{"c"}, keysOf(page.Items))
}

func TestPaginatorPrefixAndDelimiter(t *testing.T) {
	entries := []entry{{"other", "1"}, {"sub/objectName1", "2"}, {"sub/objectName2", "3"}, {"subway", "4"}}
	page := paginate(entries, ListOptions{Prefix: "sub", Delimiter: "/", MaxKeys: 10})

	assert.Equal(t, []string{"sub/"}, page.CommonPrefixes)
	assert.Equal(t, []string{"subway"}, keysOf(page.Items))
}

func TestPaginatorTruncationMarkers(t *testing.T) {
	entries := []entry{{"a", "u1"}, {"b", "u2"}, {"c", "u3"}}
	page := paginate(entries, ListOptions{MaxKeys: 1})

	assert.Equal(t, []string{"a"}, keysOf(page.Items))
	assert.True(t, page.IsTruncated)
	assert.Equal(t, "a", page.NextKeyMarker)
	assert.Equal(t, "u1", page.NextIDMarker)

	next := paginate(entries, ListOptions{MaxKeys: 1, KeyMarker: page.NextKeyMarker, IDMarker: page.NextIDMarker})
	assert.Equal(t, []string{"b"}, keysOf(next.Items))
	assert.True(t, next.IsTruncated)
}

func TestPaginatorKeyMarkerAloneExcludesKey(t *testing.T) {
	entries := []entry{{"a", "u1"}, {"a", "u2"}, {"b", "u3"}}
	page := paginate(entries, ListOptions{MaxKeys: 10, KeyMarker: "a"})
	assert.Equal(t, []entry{{"b", "u3"}}, page.Items)
}

func TestPaginatorIDMarkerWithinKey(t *testing.T) {
	entries := []entry{{"a", "u1"}, {"a", "u2"}, {"a", "u3"}, {"b", "u4"}}
	page := paginate(entries, ListOptions{MaxKeys: 10, KeyMarker: "a", IDMarker: "u2"})
	assert.Equal(t, []entry{{"a", "u3"}, {"b", "u4"}}, page.Items)
}

func TestPaginatorCommonPrefixTruncation(t *testing.T) {
	entries := []entry{{"a/1", "u1"}, {"a/2", "u2"}, {"b", "u3"}}
	page := paginate(entries, ListOptions{Delimiter: "/", MaxKeys: 1})

	assert.Equal(t, []string{"a/"}, page.CommonPrefixes)
	assert.Empty(t, page.Items)
	assert.True(t, page.IsTruncated)
	assert.Equal(t, "a/", page.NextKeyMarker)
	assert.Empty(t, page.NextIDMarker)

	next := paginate(entries, ListOptions{Delimiter: "/", MaxKeys: 1, KeyMarker: "a/"})
	assert.Empty(t, next.CommonPrefixes)
	assert.Equal(t, []string{"b"}, keysOf(next.Items))
	assert.False(t, next.IsTruncated)
}

func TestPaginatorPrefixesAndItemsShareLimit(t *testing.T) {
	entries := []entry{{"a/1", "1"}, {"b", "2"}, {"c/1", "3"}, {"d", "4"}}
	page := paginate(entries, ListOptions{Delimiter: "/", MaxKeys: 3})

	assert.Equal(t, []string{"a/", "c/"}, page.CommonPrefixes)
	assert.Equal(t, []string{"b"}, keysOf(page.Items))
	assert.True(t, page.IsTruncated)
	assert.Equal(t, "c/", page.NextKeyMarker)
}

func TestPaginatorZeroMaxKeys(t *testing.T) {
	page := paginate([]entry{{"a", "1"}}, ListOptions{MaxKeys: 0})
	assert.Empty(t, page.Items)
	assert.Empty(t, page.CommonPrefixes)
	assert.False(t, page.IsTruncated)
}

func TestScanStart(t *testing.T) {
	assert.Equal(t, "p", scanStart(ListOptions{Prefix: "p"}))
	assert.Equal(t, "pz", scanStart(ListOptions{Prefix: "p", KeyMarker: "pz"}))
	assert.Equal(t, "p", scanStart(ListOptions{Prefix: "p", KeyMarker: "a"}))
}

func TestEncodeKey(t *testing.T) {
	assert.Equal(t, "notURIvalid%24%24", EncodeKey("notURIvalid$$", "url"))
	assert.Equal(t, "a%20b%2Fc", EncodeKey("a b/c", "url"))
	assert.Equal(t, "a b", EncodeKey("a b", ""))
	assert.Equal(t, "", EncodeKey("", "url"))
}
