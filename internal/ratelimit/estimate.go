package ratelimit

import (
	"github.com/haasonsaas/libagent/pkg/models"
)

// charsPerToken is the rough ratio used for budget estimates.
const charsPerToken = 4

// perMessageOverhead approximates role and framing tokens.
const perMessageOverhead = 4

// EstimateTokens approximates the prompt size of a conversation. It only
// needs to be close enough for tokens-per-minute budgeting.
func EstimateTokens(system string, messages []models.Message) int {
	chars := len(system)
	tokens := 0
	for _, m := range messages {
		chars += len(m.Content)
		for _, tc := range m.ToolCalls {
			chars += len(tc.Name) + len(tc.Arguments)
		}
		tokens += perMessageOverhead
	}
	return tokens + (chars+charsPerToken-1)/charsPerToken
}
