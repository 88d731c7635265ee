package llm

import (
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(i int) *int { return &i }

func TestToolCallAccumulator(t *testing.T) {
	var acc toolCallAccumulator
	acc.add(openai.ToolCall{Index: intPtr(0), ID: "call_1", Function: openai.FunctionCall{Name: "search", Arguments: `{"q":`}})
	acc.add(openai.ToolCall{Index: intPtr(1), ID: "call_2", Function: openai.FunctionCall{Name: "clock"}})
	acc.add(openai.ToolCall{Index: intPtr(0), Function: openai.FunctionCall{Arguments: `"go"}`}})

	calls := acc.done()
	require.Len(t, calls, 2)
	assert.Equal(t, "call_1", calls[0].ID)
	assert.Equal(t, "search", calls[0].Name)
	assert.JSONEq(t, `{"q":"go"}`, string(calls[0].Args))
	assert.Equal(t, "clock", calls[1].Name)
	assert.Nil(t, calls[1].Args)
}

func TestSplitWordsRoundTrips(t *testing.T) {
	for _, s := range []string{"", "one", "Hi there", "  leading", "a  b ", "trailing "} {
		var joined string
		for _, w := range splitWords(s) {
			joined += w
		}
		assert.Equal(t, s, joined)
	}
	assert.Equal(t, []string{"Hi", " there"}, splitWords("Hi there"))
}
