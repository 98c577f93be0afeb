package loopback

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/tokligence/tokligence-chat/internal/provider"
)

var _ provider.Provider = (*Provider)(nil)

// ModelID is the single model served by the loopback provider.
const ModelID = "loopback"

// FailMarker in the last user message makes the stream fail after echoing
// the text that precedes it.
const FailMarker = "[fail]"

// Provider echoes the last user message back one word at a time.
type Provider struct {
	delay time.Duration
}

// New creates a loopback provider. delay is inserted between fragments.
func New(delay time.Duration) *Provider {
	return &Provider{delay: delay}
}

func (p *Provider) Name() provider.Type { return provider.TypeLoopback }

// StreamCompletion fabricates a deterministic reply for exercising the streaming pipeline.
func (p *Provider) StreamCompletion(ctx context.Context, req provider.Request) (<-chan provider.Chunk, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("loopback: no messages provided")
	}
	message := req.Messages[len(req.Messages)-1]
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if strings.EqualFold(req.Messages[i].Role, "user") {
			message = req.Messages[i]
			break
		}
	}
	text := strings.TrimSpace(message.Content)
	fail := false
	if idx := strings.Index(text, FailMarker); idx >= 0 {
		text = strings.TrimSpace(text[:idx])
		fail = true
	}

	ch := make(chan provider.Chunk, 10)
	go func() {
		defer close(ch)
		for _, frag := range Fragments("[loopback] " + text) {
			if p.delay > 0 {
				select {
				case <-time.After(p.delay):
				case <-ctx.Done():
					provider.Send(ctx, ch, provider.Chunk{Err: ctx.Err()})
					return
				}
			}
			if !provider.Send(ctx, ch, provider.Chunk{Text: frag}) {
				return
			}
		}
		if fail {
			provider.Send(ctx, ch, provider.Chunk{Err: &provider.Error{Provider: provider.TypeLoopback, Status: 500, Message: "simulated failure"}})
		}
	}()
	return ch, nil
}

func (p *Provider) ListModels(context.Context) ([]provider.Model, error) {
	return []provider.Model{{ID: ModelID, Name: "Loopback", Provider: provider.TypeLoopback, MaxTokens: 4096, OwnedBy: "tokligence"}}, nil
}

// Fragments splits s into words, each carrying its leading space.
func Fragments(s string) []string {
	var out []string
	start := 0
	for i := 1; i < len(s); i++ {
		if s[i] == ' ' && s[i-1] != ' ' {
			out = append(out, s[start:i])
			start = i
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}
