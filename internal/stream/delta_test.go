package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeltaByPrefix_EmptyCurrent(t *testing.T) {
	assert.Equal(t, "", DeltaByPrefix("hello", ""))
}

func TestDeltaByPrefix_CurrStartsWithPrev(t *testing.T) {
	assert.Equal(t, " world", DeltaByPrefix("hello", "hello world"))
}

func TestDeltaByPrefix_EmptyPrev(t *testing.T) {
	assert.Equal(t, "hello", DeltaByPrefix("", "hello"))
}

func TestDeltaByPrefix_PrevFoundInsideCurr(t *testing.T) {
	got := DeltaByPrefix("world", "hello world and more")
	assert.Equal(t, " and more", got)
}

func TestDeltaByPrefix_LongOverlapTreatedAsDedup(t *testing.T) {
	prev := "the quick brown fox jumps over the lazy dog and keeps running"
	curr := "jumps over the lazy dog and keeps running fast now"
	got := DeltaByPrefix(prev, curr)
	assert.Equal(t, " fast now", got)
}

func TestDeltaByPrefix_ShortOverlapTreatedAsAdditive(t *testing.T) {
	prev := "end"
	curr := "endless possibilities"
	got := DeltaByPrefix(prev, curr)
	assert.Equal(t, curr, got, "overlaps shorter than the minimum fragment size must not be treated as a dedup boundary")
}

func TestDeltaByPrefix_NoOverlapConcatenates(t *testing.T) {
	assert.Equal(t, "totally different", DeltaByPrefix("hello", "totally different"))
}
