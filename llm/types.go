package llm

import (
	"context"
	"strings"

	"streamchat/domain"
)

// Turn is one prior conversation turn handed to a provider.
type Turn struct {
	Role    domain.MessageRole `json:"role"`
	Content string             `json:"content"`
}

// StreamRequest carries everything a provider needs for one streaming
// completion call. Turns holds the full history including the current user
// message, oldest first; single-turn providers flatten it via FlattenTurns.
type StreamRequest struct {
	Provider        string
	Model           string
	Turns           []Turn
	Temperature     *float32
	MaxTokens       int
	EnableReasoning bool
}

// Chunk is the normalized unit of streamed provider output. Exactly one
// chunk per stream has Final set; it carries no deltas.
type Chunk struct {
	ContentDelta   string
	ReasoningDelta string
	Final          bool
}

// FinalResponse is the provider's synthesized view of the whole stream.
// Content equals the concatenation of all ContentDeltas.
type FinalResponse struct {
	Content    string
	Reasoning  string
	Model      string
	StopReason string
}

// Provider streams one completion as normalized Chunks pushed into a
// caller-owned channel. Providers MUST NOT close chunkChan; the caller owns
// the channel lifecycle. The stream is finite and not restartable: a
// returned error after any chunk was sent means the stream died mid-way.
type Provider interface {
	Stream(ctx context.Context, request StreamRequest, chunkChan chan<- Chunk) (*FinalResponse, error)
}

// FlattenTurns collapses a multi-turn history into a single prompt for
// providers that only accept one user message per request.
func FlattenTurns(turns []Turn) string {
	if len(turns) == 1 {
		return turns[0].Content
	}
	var sb strings.Builder
	for _, turn := range turns {
		switch turn.Role {
		case domain.MessageRoleSystem:
			sb.WriteString(turn.Content)
		case domain.MessageRoleAssistant:
			sb.WriteString("助手: ")
			sb.WriteString(turn.Content)
		default:
			sb.WriteString("用户: ")
			sb.WriteString(turn.Content)
		}
		sb.WriteString("\n\n")
	}
	return strings.TrimSuffix(sb.String(), "\n\n")
}
