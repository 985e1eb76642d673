package integrity

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDedupKeyDeterministic(t *testing.T) {
	a := DedupKey("anomaly", "security-reviewer", "vulnerability_count", "rose")
	b := DedupKey("anomaly", "security-reviewer", "vulnerability_count", "rose")
	assert.Equal(t, a, b)
	assert.True(t, strings.HasPrefix(a, "anomaly:"))
	assert.Len(t, a, len("anomaly:")+32)
}

func TestDedupKeyDirectionMatters(t *testing.T) {
	rose := DedupKey("anomaly", "agent", "latency_ms", "rose")
	fell := DedupKey("anomaly", "agent", "latency_ms", "fell")
	assert.NotEqual(t, rose, fell)
}

func TestDedupKeyLengthPrefixPreventsSplitCollision(t *testing.T) {
	// Same concatenated bytes, different field boundaries.
	a := DedupKey("anomaly", "ab", "c")
	b := DedupKey("anomaly", "a", "bc")
	assert.NotEqual(t, a, b)
}

func TestSortedFieldsDoesNotMutate(t *testing.T) {
	in := []string{"texel", "calpe", "global"}
	out := SortedFields(in)
	assert.Equal(t, []string{"calpe", "global", "texel"}, out)
	assert.Equal(t, []string{"texel", "calpe", "global"}, in)
}

func TestContentHash(t *testing.T) {
	// sha256("") is a well-known constant.
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", ContentHash(nil))
}
