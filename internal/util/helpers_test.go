package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetTagValues(t *testing.T) {
	tags := [][]string{{"p", "a"}, {"e", "x"}, {"p", "b", "wss://hint"}, {"p"}}
	assert.Equal(t, []string{"a", "b"}, GetTagValues(tags, "p"))
	assert.Nil(t, GetTagValues(tags, "t"))
}

func TestDedupeStrings(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, DedupeStrings([]string{"a", "b", "", "a", "c", "b"}))
}

func TestEqualStrings(t *testing.T) {
	assert.True(t, EqualStrings([]string{"a"}, []string{"a"}))
	assert.False(t, EqualStrings([]string{"a"}, []string{"b"}))
	assert.False(t, EqualStrings(nil, []string{"a"}))
}

func TestTruncateStringRunes(t *testing.T) {
	assert.Equal(t, "héllo", TruncateStringRunes("héllo", 5))
	assert.Equal(t, "hé...", TruncateStringRunes("héllo world", 5))
}

func TestHostHelpers(t *testing.T) {
	assert.True(t, IsInternalHost("printer.LOCAL"))
	assert.False(t, IsInternalHost("relay.damus.io"))
	assert.True(t, IsLoopbackHost("127.0.0.1"))
	assert.True(t, IsLoopbackHost("localhost"))
	assert.False(t, IsLoopbackHost("relay.damus.io"))
}
