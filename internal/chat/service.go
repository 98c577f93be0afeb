package chat

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/tokligence/tokligence-chat/internal/conversation"
	"github.com/tokligence/tokligence-chat/internal/hooks"
	"github.com/tokligence/tokligence-chat/internal/logging"
	"github.com/tokligence/tokligence-chat/internal/provider"
	"github.com/tokligence/tokligence-chat/internal/stream"
)

// DefaultModel is used when neither the request nor the conversation names a model.
const DefaultModel = "claude-sonnet-4-20250514"

// Outcome is the result of a resume request.
type Outcome int

const (
	NothingToResume Outcome = iota
	Attached
	Started
)

func (o Outcome) String() string {
	switch o {
	case Attached:
		return "attached"
	case Started:
		return "started"
	default:
		return "nothing_to_resume"
	}
}

// ServiceConfig configures a Service.
type ServiceConfig struct {
	DefaultModel string
	SystemPrompt string
	Logger       *logging.Logger
	Hooks        *hooks.Dispatcher
}

const lockShards = 64

// Service is the conversation API: ownership checks, sending and resuming.
type Service struct {
	repo         *conversation.Repository
	registry     *stream.Registry
	orchestrator *Orchestrator
	defaultModel string
	systemPrompt string
	logger       *logging.Logger
	hooks        *hooks.Dispatcher

	// serialises the check-then-start sequences of Send and Continue per conversation
	locks [lockShards]sync.Mutex
}

// NewService wires a Service.
func NewService(repo *conversation.Repository, registry *stream.Registry, orchestrator *Orchestrator, cfg ServiceConfig) *Service {
	s := &Service{
		repo:         repo,
		registry:     registry,
		orchestrator: orchestrator,
		defaultModel: strings.TrimSpace(cfg.DefaultModel),
		systemPrompt: SystemPrompt(cfg.SystemPrompt),
		logger:       cfg.Logger,
		hooks:        cfg.Hooks,
	}
	if s.defaultModel == "" {
		s.defaultModel = DefaultModel
	}
	if s.logger == nil {
		s.logger = logging.Discard()
	}
	return s
}

func (s *Service) lock(conversationID string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(conversationID))
	mu := &s.locks[h.Sum32()%lockShards]
	mu.Lock()
	return mu.Unlock
}

// Create starts an empty conversation for userID.
func (s *Service) Create(ctx context.Context, userID, modelID string) (*conversation.Conversation, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, errUserRequired
	}
	modelID = strings.TrimSpace(modelID)
	if modelID == "" {
		modelID = s.defaultModel
	}
	c, err := s.repo.Create(ctx, userID, modelID)
	if err != nil {
		return nil, fmt.Errorf("chat: create: %w", err)
	}
	s.logger.Debugf("chat created id=%s user=%s model=%s", c.ID, userID, modelID)
	s.hooks.Publish(hooks.Event{
		Type:           hooks.EventConversationCreated,
		UserID:         userID,
		ConversationID: c.ID,
		Metadata:       map[string]any{"model_id": modelID},
	})
	return c, nil
}

// Get returns the conversation if userID owns it.
func (s *Service) Get(ctx context.Context, userID, id string) (*conversation.Conversation, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, errUserRequired
	}
	if strings.TrimSpace(id) == "" {
		return nil, errChatRequired
	}
	c, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, wrapLoad(id, err)
	}
	if c.UserID != userID {
		return nil, errForbidden
	}
	return c, nil
}

// List returns userID's conversations, most recently updated first.
func (s *Service) List(ctx context.Context, userID string) ([]conversation.Summary, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, errUserRequired
	}
	out, err := s.repo.List(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("chat: list: %w", err)
	}
	return out, nil
}

// Delete removes a conversation owned by userID.
func (s *Service) Delete(ctx context.Context, userID, id string) error {
	if _, err := s.Get(ctx, userID, id); err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return fmt.Errorf("chat: delete: %w", err)
	}
	s.hooks.Publish(hooks.Event{Type: hooks.EventConversationDeleted, UserID: userID, ConversationID: id})
	return nil
}

// UpdateTitle renames a conversation owned by userID and persists it.
func (s *Service) UpdateTitle(ctx context.Context, userID, id, title string) (*conversation.Conversation, error) {
	title = strings.TrimSpace(title)
	if _, err := s.Get(ctx, userID, id); err != nil {
		return nil, err
	}
	if title == "" {
		return nil, errTitleRequired
	}
	if err := s.repo.UpdateTitle(ctx, id, title); err != nil {
		return nil, wrapLoad(id, err)
	}
	if err := s.repo.Persist(ctx, id); err != nil {
		return nil, fmt.Errorf("chat: update title: %w", err)
	}
	return s.repo.Get(ctx, id)
}

// StreamState reports the in-flight generation of a conversation, if any.
func (s *Service) StreamState(id string) (stream.Snapshot, bool) {
	return s.registry.Snapshot(id)
}

// SendRequest is a new user message for a conversation.
type SendRequest struct {
	UserID         string
	ConversationID string
	Message        string
	ModelID        string // optional override for this turn
	Sink           stream.Sink
}

// Send appends the user message and starts a generation streamed to
// req.Sink. It fails with 409 while another generation is running.
func (s *Service) Send(ctx context.Context, req SendRequest) error {
	message := strings.TrimSpace(req.Message)
	if message == "" {
		return errMessageRequired
	}
	conv, err := s.Get(ctx, req.UserID, req.ConversationID)
	if err != nil {
		return err
	}

	unlock := s.lock(conv.ID)
	defer unlock()
	if s.registry.HasActiveStream(conv.ID) {
		return errBusy
	}
	if _, err := s.repo.AppendTurn(ctx, conv.ID, conversation.Turn{Role: conversation.RoleUser, Text: message}); err != nil {
		return wrapLoad(conv.ID, err)
	}
	turns, err := s.repo.LatestTurns(ctx, conv.ID)
	if err != nil {
		return wrapLoad(conv.ID, err)
	}
	s.orchestrator.Start(ctx, s.runRequest(conv, req.ModelID, turns, req.Sink))
	return nil
}

// Continue resumes a conversation without new user text: it attaches to a
// running generation, starts one for an unanswered user turn, or reports
// that there is nothing to resume.
func (s *Service) Continue(ctx context.Context, userID, id string, sink stream.Sink) (Outcome, error) {
	conv, err := s.Get(ctx, userID, id)
	if err != nil {
		return NothingToResume, err
	}

	unlock := s.lock(conv.ID)
	defer unlock()
	if s.registry.Attach(conv.ID, sink) != nil {
		return Attached, nil
	}
	if s.registry.HasActiveStream(conv.ID) {
		// the sink refused the replay; the client is already gone
		sink.Close()
		return Attached, nil
	}
	turns, err := s.repo.LatestTurns(ctx, conv.ID)
	if err != nil {
		return NothingToResume, wrapLoad(conv.ID, err)
	}
	if len(turns) == 0 || turns[len(turns)-1].Role != conversation.RoleUser {
		return NothingToResume, nil
	}
	s.orchestrator.Start(ctx, s.runRequest(conv, "", turns, sink))
	return Started, nil
}

func (s *Service) runRequest(conv *conversation.Conversation, override string, turns []conversation.Turn, sink stream.Sink) RunRequest {
	model := firstNonEmpty(override, conv.ModelID, s.defaultModel)
	history := make([]provider.Message, 0, len(turns))
	for _, t := range turns {
		history = append(history, provider.Message{Role: string(t.Role), Content: t.Text})
	}
	return RunRequest{
		ConversationID: conv.ID,
		UserID:         conv.UserID,
		History:        history,
		ModelID:        model,
		SystemPrompt:   s.systemPrompt,
		TurnID:         uuid.NewString(),
		Initiator:      sink,
	}
}

// Shutdown stops generations and waits for their partial output to be recorded.
func (s *Service) Shutdown(ctx context.Context) error {
	return s.orchestrator.Shutdown(ctx)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
