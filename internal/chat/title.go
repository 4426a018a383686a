package chat

import (
	"context"
	"log/slog"
	"strings"

	"github.com/kalambet/inferhost/internal/ollama"
)

// UntitledSession is the fallback session name.
const UntitledSession = "Untitled Session"

const titlePrompt = "You are an assistant that generates a concise, descriptive, memorable title " +
	"for a conversation based on its content. Do NOT include quotes, punctuation at the ends, " +
	"or extra words. Keep it under 5 words."

// Completer is a non-streaming chat call.
type Completer interface {
	Chat(ctx context.Context, model string, messages []ollama.Message, maxTokens int) (string, error)
}

// Titler names sessions from their opening prompt.
type Titler struct {
	client Completer
	model  string
	logger *slog.Logger
}

// NewTitler returns a Titler using model.
func NewTitler(client Completer, model string) *Titler {
	return &Titler{client: client, model: model, logger: slog.Default()}
}

// Title returns a short title for prompt. Failures fall back to
// UntitledSession.
func (t *Titler) Title(ctx context.Context, prompt string) string {
	reply, err := t.client.Chat(ctx, t.model, []ollama.Message{
		{Role: "system", Content: titlePrompt},
		{Role: "user", Content: "Conversation prompt:\n" + prompt},
	}, 20)
	if err != nil {
		t.logger.Warn("auto-naming session failed", "error", err)
		return UntitledSession
	}
	return cleanTitle(reply)
}

func cleanTitle(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 {
		first, last := s[0], s[len(s)-1]
		if (first == '"' || first == '\'') && first == last {
			s = strings.TrimSpace(s[1 : len(s)-1])
		}
	}
	if s == "" {
		return UntitledSession
	}
	return s
}
