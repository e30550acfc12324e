package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToolCallAssembler_AccumulatesInputAcrossFragments(t *testing.T) {
	a := NewToolCallAssembler()
	a.Feed(ToolCallFragment{ToolUseID: "t1", Name: "get_weather", InputJSONPart: `{"loc`})
	a.Feed(ToolCallFragment{ToolUseID: "t1", InputJSONPart: `ation":"nyc"}`})

	calls := a.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "get_weather", calls[0].Name)
	assert.Equal(t, `{"location":"nyc"}`, calls[0].InputJSON)
}

func TestToolCallAssembler_DuplicateOpenIgnoresSecondName(t *testing.T) {
	a := NewToolCallAssembler()
	a.Feed(ToolCallFragment{ToolUseID: "t1", Name: "first_name", InputJSONPart: "{}"})
	a.Feed(ToolCallFragment{ToolUseID: "t1", Name: "second_name", InputJSONPart: ""})

	calls := a.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "first_name", calls[0].Name)
}

func TestToolCallAssembler_TracksMultipleCallsInOrder(t *testing.T) {
	a := NewToolCallAssembler()
	a.Feed(ToolCallFragment{ToolUseID: "t2", Name: "second"})
	a.Feed(ToolCallFragment{ToolUseID: "t1", Name: "first"})

	calls := a.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "t2", calls[0].ToolUseID)
	assert.Equal(t, "t1", calls[1].ToolUseID)
}
