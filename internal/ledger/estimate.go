package ledger

import "github.com/infergate/infergate/internal/domain"

// charsPerToken is the rough English-text ratio used when a backend does
// not report usage. Estimates skew high rather than low so prechecks err
// on the side of refusing.
const charsPerToken = 4

// EstimateTokens approximates the prompt token count of a request from its
// message content. Used for prechecks and for backends that omit usage.
func EstimateTokens(messages []domain.Message) int {
	chars := 0
	for _, m := range messages {
		chars += len(m.Content) + len(m.Role)
	}

	tokens := chars / charsPerToken
	if tokens == 0 && chars > 0 {
		tokens = 1
	}
	// Per-message framing overhead.
	return tokens + 3*len(messages)
}

// EstimateCompletionTokens approximates the output token count from the
// emitted text when the backend reported no usage.
func EstimateCompletionTokens(content string) int {
	if content == "" {
		return 0
	}
	tokens := len(content) / charsPerToken
	if tokens == 0 {
		tokens = 1
	}
	return tokens
}
