package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestThinkingStripper_StripsWholeTagInOneChunk(t *testing.T) {
	var s ThinkingStripper
	out := s.Feed("hello <thinking>internal reasoning</thinking> world")
	assert.Equal(t, "hello  world", out)
}

func TestThinkingStripper_SplitAcrossChunks(t *testing.T) {
	var s ThinkingStripper
	var out string
	out += s.Feed("hello <thin")
	out += s.Feed("king>reasoning</thi")
	out += s.Feed("nking> world")
	out += s.Flush()
	assert.Equal(t, "hello  world", out)
}

func TestThinkingStripper_NoTagsPassesThrough(t *testing.T) {
	var s ThinkingStripper
	out := s.Feed("just plain text")
	out += s.Flush()
	assert.Equal(t, "just plain text", out)
}

func TestThinkingStripper_UnterminatedTagDropsOnFlush(t *testing.T) {
	var s ThinkingStripper
	out := s.Feed("before <thinking>never closes")
	out += s.Flush()
	assert.Equal(t, "before ", out)
}
