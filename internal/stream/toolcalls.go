package stream

// ToolCallFragment is one incremental piece of a tool invocation as it
// streams in from the upstream.
type ToolCallFragment struct {
	ToolUseID    string
	Name         string
	InputJSONPart string
}

// ToolCall is the accumulated state of one tool invocation.
type ToolCall struct {
	ToolUseID string
	Name      string
	InputJSON string
	opened    bool
}

// ToolCallAssembler accumulates ToolCallFragments keyed by ToolUseID,
// sticking the first non-empty Name it sees for a given call and
// ignoring a duplicate "open" (a fragment with a Name but no prior
// fragments) for an id already tracked, since upstreams occasionally
// re-emit the opening fragment.
type ToolCallAssembler struct {
	order []string
	byID  map[string]*ToolCall
}

// NewToolCallAssembler constructs an empty assembler.
func NewToolCallAssembler() *ToolCallAssembler {
	return &ToolCallAssembler{byID: make(map[string]*ToolCall)}
}

// Feed applies one fragment, returning the call it belongs to.
func (a *ToolCallAssembler) Feed(f ToolCallFragment) *ToolCall {
	tc, ok := a.byID[f.ToolUseID]
	if !ok {
		tc = &ToolCall{ToolUseID: f.ToolUseID}
		a.byID[f.ToolUseID] = tc
		a.order = append(a.order, f.ToolUseID)
	}

	if f.Name != "" {
		if !tc.opened {
			tc.Name = f.Name
			tc.opened = true
		}
		// A duplicate open (Name resent with no new input) is dropped
		// silently; only the first Name sticks.
	}

	tc.InputJSON += f.InputJSONPart
	return tc
}

// Calls returns every tool call seen so far, in first-seen order.
func (a *ToolCallAssembler) Calls() []*ToolCall {
	out := make([]*ToolCall, 0, len(a.order))
	for _, id := range a.order {
		out = append(out, a.byID[id])
	}
	return out
}
