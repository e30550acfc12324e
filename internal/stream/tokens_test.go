package stream

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenCounter_EmptyText(t *testing.T) {
	c := NewTokenCounter(1.0)
	assert.Equal(t, 0, c.Count(""))
}

func TestTokenCounter_ShortTextNonZero(t *testing.T) {
	c := NewTokenCounter(1.0)
	assert.Greater(t, c.Count("hello world, this is a short prompt"), 0)
}

func TestTokenCounter_LongTextUsesByteEstimate(t *testing.T) {
	c := NewTokenCounter(1.0)
	long := strings.Repeat("a", shortCircuitLen+1000)
	got := c.Count(long)
	assert.Equal(t, len(long)/4, got)
}

func TestTokenCounter_MultiplierScales(t *testing.T) {
	base := NewTokenCounter(1.0).Count("a fairly ordinary sentence for counting")
	scaled := NewTokenCounter(2.0).Count("a fairly ordinary sentence for counting")
	assert.Equal(t, base*2, scaled)
}

func TestTokenCounter_InvalidMultiplierFallsBackToOne(t *testing.T) {
	c := NewTokenCounter(-5)
	assert.Equal(t, 1.0, c.multiplier)
	c2 := NewTokenCounter(50)
	assert.Equal(t, 1.0, c2.multiplier)
}

func TestCompressIfNeeded_NoOpUnderThreshold(t *testing.T) {
	assert.Equal(t, "short", CompressIfNeeded("short", 100))
}

func TestCompressIfNeeded_TruncatesOverThreshold(t *testing.T) {
	long := strings.Repeat("x", 1000)
	got := CompressIfNeeded(long, 100)
	assert.Less(t, len(got), len(long))
	assert.Contains(t, got, "...[truncated]...")
}
