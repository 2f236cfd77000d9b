package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProfileRecordMergeNeverRegresses(t *testing.T) {
	rec := ProfileRecord{PubKey: "pk", Name: "A"}

	merged := rec.Merge(ProfileRecord{Picture: "P"})

	assert.Equal(t, "A", merged.Name)
	assert.Equal(t, "P", merged.Picture)
	assert.True(t, merged.Resolved())
}

func TestProfileRecordMergeOverwritesDefinedFields(t *testing.T) {
	rec := ProfileRecord{PubKey: "pk", Name: "A", Picture: "old", EventCreatedAt: 10}

	merged := rec.Merge(ProfileRecord{Name: "B", EventCreatedAt: 20})

	assert.Equal(t, "B", merged.Name)
	assert.Equal(t, "old", merged.Picture)
	assert.Equal(t, int64(20), merged.EventCreatedAt)
}

func TestProfileRecordLabel(t *testing.T) {
	assert.Equal(t, "Alice", ProfileRecord{Name: "alice", DisplayName: "Alice"}.Label())
	assert.Equal(t, "alice", ProfileRecord{Name: "alice"}.Label())
	assert.Equal(t, "0123456789ab", ProfileRecord{PubKey: "0123456789abcdef"}.Label())
}

func TestFilterREQOmitsEmptyFields(t *testing.T) {
	req := Filter{Kinds: []int{KindTextNote}, ETags: []string{"root"}, Limit: 50}.REQ()

	assert.Equal(t, []int{1}, req["kinds"])
	assert.Equal(t, []string{"root"}, req["#e"])
	assert.Equal(t, 50, req["limit"])
	assert.NotContains(t, req, "authors")
	assert.NotContains(t, req, "since")
}

func TestFilterMatches(t *testing.T) {
	f := Filter{Kinds: []int{KindTextNote}, ETags: []string{"root"}}

	assert.True(t, f.Matches(Event{Kind: 1, Tags: [][]string{{"e", "root"}}}))
	assert.False(t, f.Matches(Event{Kind: 1, Tags: [][]string{{"e", "other"}}}))
	assert.False(t, f.Matches(Event{Kind: 7, Tags: [][]string{{"e", "root"}}}))
}
