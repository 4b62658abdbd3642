package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"pdfchat/internal/ai"
	"pdfchat/internal/metrics"
	"pdfchat/internal/model"
	"pdfchat/internal/retriever"
)

type TurnState string

const (
	TurnReceived   TurnState = "received"
	TurnRetrieving TurnState = "retrieving"
	TurnGenerating TurnState = "generating"
	TurnPersisted  TurnState = "persisted"
	TurnFailed     TurnState = "failed"
)

// Generator produces the assistant reply for a turn.
type Generator interface {
	Generate(ctx context.Context, history []ai.ChatMessage, contextText, message string) (string, error)
}

type ChatConfig struct {
	MaxContextMessages int
	MaxQueryChars      int
	GenerateTimeout    time.Duration
}

// Turn is the outcome of one SendMessage call.
type Turn struct {
	ID                 string             `json:"turn_id"`
	SessionID          uint               `json:"session_id"`
	States             []TurnState        `json:"states"`
	UserMessage        *model.Message     `json:"user_message"`
	AssistantMessage   *model.Message     `json:"assistant_message,omitempty"`
	ContextUnavailable bool               `json:"context_unavailable"`
	Sources            []retriever.Source `json:"sources"`
}

func (t *Turn) State() TurnState {
	if len(t.States) == 0 {
		return ""
	}
	return t.States[len(t.States)-1]
}

func (t *Turn) enter(state TurnState) {
	t.States = append(t.States, state)
}

type CreateSessionInput struct {
	UserID     uint
	DocumentID uint
	Name       string
}

type SendMessageInput struct {
	UserID    uint
	SessionID uint
	Content   string
}

type ChatService struct {
	sessions  SessionStore
	messages  MessageStore
	docs      DocumentStore
	history   HistoryCache
	retriever Retriever
	generator Generator
	cfg       ChatConfig
	locks     *sessionLocks
	log       *slog.Logger
}

func NewChatService(
	sessions SessionStore,
	messages MessageStore,
	docs DocumentStore,
	history HistoryCache,
	r Retriever,
	generator Generator,
	cfg ChatConfig,
	log *slog.Logger,
) *ChatService {
	if cfg.MaxContextMessages <= 0 {
		cfg.MaxContextMessages = 20
	}
	if cfg.MaxQueryChars <= 0 {
		cfg.MaxQueryChars = 4000
	}
	if cfg.GenerateTimeout <= 0 {
		cfg.GenerateTimeout = 60 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &ChatService{
		sessions:  sessions,
		messages:  messages,
		docs:      docs,
		history:   history,
		retriever: r,
		generator: generator,
		cfg:       cfg,
		locks:     newSessionLocks(),
		log:       log,
	}
}

func (s *ChatService) CreateSession(ctx context.Context, input CreateSessionInput) (*model.ChatSession, error) {
	if input.UserID == 0 {
		return nil, ErrInvalidInput
	}

	session := &model.ChatSession{UserID: input.UserID, Name: strings.TrimSpace(input.Name)}
	if input.DocumentID != 0 {
		doc, err := s.docs.GetByIDAndUserID(ctx, input.DocumentID, input.UserID)
		if err != nil {
			return nil, err
		}
		if doc == nil {
			return nil, ErrDocumentNotFound
		}
		session.DocumentID = &doc.ID
		if session.Name == "" {
			session.Name = doc.Title
		}
	}
	if session.Name == "" {
		session.Name = "New Chat"
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

func (s *ChatService) ListSessions(ctx context.Context, userID, documentID uint) ([]model.ChatSession, error) {
	if userID == 0 {
		return nil, ErrInvalidInput
	}
	return s.sessions.ListByUserID(ctx, userID, documentID)
}

func (s *ChatService) DeleteSession(ctx context.Context, userID, sessionID uint) error {
	if _, err := s.session(ctx, userID, sessionID); err != nil {
		return err
	}
	if err := s.sessions.DeleteByIDAndUserID(ctx, sessionID, userID); err != nil {
		return err
	}
	if s.history != nil {
		_ = s.history.DeleteHistory(ctx, sessionID)
	}
	return nil
}

func (s *ChatService) GetHistory(ctx context.Context, userID, sessionID uint, limit int) ([]model.Message, error) {
	if _, err := s.session(ctx, userID, sessionID); err != nil {
		return nil, err
	}
	return s.messages.ListBySessionID(ctx, sessionID, limit)
}

// SendMessage runs one turn: Received -> Retrieving -> Generating ->
// Persisted, or Failed. The user message is stored before anything else
// happens and survives a failed turn.
func (s *ChatService) SendMessage(ctx context.Context, input SendMessageInput) (*Turn, error) {
	if input.UserID == 0 || input.SessionID == 0 {
		return nil, ErrInvalidInput
	}
	inspection := retriever.InspectQuery(input.Content)
	content := inspection.Query
	if content == "" {
		return nil, ErrMessageEmpty
	}
	if _, err := retriever.ValidateQuery(content, s.cfg.MaxQueryChars); err != nil {
		return nil, err
	}
	session, err := s.session(ctx, input.UserID, input.SessionID)
	if err != nil {
		return nil, err
	}
	if inspection.Suspicious() {
		s.auditQuery(input, inspection)
	}

	unlock := s.locks.lock(session.ID)
	defer unlock()

	turn := &Turn{ID: uuid.NewString(), SessionID: session.ID}
	log := s.log.With("turn_id", turn.ID, "session_id", session.ID)
	turn.enter(TurnReceived)

	history, err := s.loadHistory(ctx, session.ID)
	if err != nil {
		return nil, err
	}

	userMsg := &model.Message{
		SessionID: session.ID,
		Role:      model.RoleUser,
		Content:   content,
		CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
	}
	if err := s.messages.Create(ctx, userMsg); err != nil {
		return nil, err
	}
	turn.UserMessage = userMsg
	s.invalidate(ctx, session.ID, log)
	defer s.clearDirty(ctx, session.ID, log)

	turn.enter(TurnRetrieving)
	var contextText string
	res, err := s.retriever.Retrieve(ctx, retriever.Request{
		Query:      content,
		UserID:     input.UserID,
		DocumentID: session.ScopeDocumentID(),
	})
	if err != nil {
		turn.ContextUnavailable = true
		metrics.RetrievalDegraded.Inc()
		level := slog.LevelWarn
		if errors.Is(err, retriever.ErrModelMismatch) {
			level = slog.LevelError
		}
		log.Log(ctx, level, "retrieval failed", "error", fmt.Errorf("%w: %w", ErrRetrievalDegraded, err))
	} else {
		contextText = res.Context
		turn.Sources = res.Sources
	}

	turn.enter(TurnGenerating)
	genCtx, cancel := context.WithTimeout(ctx, s.cfg.GenerateTimeout)
	answer, err := s.generator.Generate(genCtx, toChatMessages(history), contextText, content)
	cancel()
	if err == nil && strings.TrimSpace(answer) == "" {
		err = errors.New("empty completion")
	}
	if err != nil {
		turn.enter(TurnFailed)
		metrics.TurnOutcomes.WithLabelValues(string(TurnFailed)).Inc()
		log.Error("generation failed", "error", err, "context_chars", len(contextText))
		return turn, fmt.Errorf("%w: %w", ErrGenerationFailure, err)
	}

	assistantAt := time.Now().UTC().Truncate(time.Microsecond)
	if !assistantAt.After(userMsg.CreatedAt) {
		assistantAt = userMsg.CreatedAt.Add(time.Microsecond)
	}
	assistantMsg := &model.Message{
		SessionID: session.ID,
		Role:      model.RoleAssistant,
		Content:   strings.TrimSpace(answer),
		CreatedAt: assistantAt,
	}
	if err := s.messages.Create(context.WithoutCancel(ctx), assistantMsg); err != nil {
		turn.enter(TurnFailed)
		metrics.TurnOutcomes.WithLabelValues(string(TurnFailed)).Inc()
		return turn, err
	}
	turn.AssistantMessage = assistantMsg
	turn.enter(TurnPersisted)
	metrics.TurnOutcomes.WithLabelValues(string(TurnPersisted)).Inc()
	if err := s.sessions.Touch(ctx, session.ID); err != nil {
		log.Warn("touch session failed", "error", err)
	}
	log.Info("turn persisted", "sources", len(turn.Sources), "context_unavailable", turn.ContextUnavailable)
	return turn, nil
}

const exportPageSize = 200

// Export renders the whole conversation as markdown.
func (s *ChatService) Export(ctx context.Context, userID, sessionID uint) (string, error) {
	session, err := s.session(ctx, userID, sessionID)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", session.Name)
	var afterID uint
	for {
		page, err := s.messages.ListAfterID(ctx, sessionID, afterID, exportPageSize)
		if err != nil {
			return "", err
		}
		for _, m := range page {
			speaker := "User"
			if m.Role == model.RoleAssistant {
				speaker = "Assistant"
			}
			fmt.Fprintf(&b, "**%s** (%s):\n\n%s\n\n", speaker, m.CreatedAt.UTC().Format(time.RFC3339), m.Content)
		}
		if len(page) < exportPageSize {
			return b.String(), nil
		}
		afterID = page[len(page)-1].ID
	}
}

func (s *ChatService) auditQuery(input SendMessageInput, in retriever.Inspection) {
	fragment := []rune(input.Content)
	fragment = fragment[:min(len(fragment), 100)]
	metrics.SecurityEvents.WithLabelValues(in.Threat, in.Severity).Inc()
	s.log.Warn("security_event",
		"event_id", uuid.NewString(),
		"threat", in.Threat,
		"severity", in.Severity,
		"user_id", input.UserID,
		"session_id", input.SessionID,
		"tags_removed", in.TagsRemoved,
		"input_length", len(input.Content),
		"input_fragment", string(fragment),
	)
}

func (s *ChatService) session(ctx context.Context, userID, sessionID uint) (*model.ChatSession, error) {
	if userID == 0 || sessionID == 0 {
		return nil, ErrInvalidInput
	}
	session, err := s.sessions.GetByIDAndUserID(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

func (s *ChatService) loadHistory(ctx context.Context, sessionID uint) ([]model.Message, error) {
	if s.history != nil {
		cached, ok, err := s.history.GetHistory(ctx, sessionID)
		if err == nil && ok {
			return trimMessages(cached, s.cfg.MaxContextMessages), nil
		}
	}
	messages, err := s.messages.ListRecentBySessionID(ctx, sessionID, s.cfg.MaxContextMessages)
	if err != nil {
		return nil, err
	}
	if s.history != nil {
		_ = s.history.SetHistory(ctx, sessionID, messages)
	}
	return messages, nil
}

func (s *ChatService) invalidate(ctx context.Context, sessionID uint, log *slog.Logger) {
	if s.history == nil {
		return
	}
	if err := s.history.Invalidate(ctx, sessionID); err != nil {
		log.Warn("invalidate history cache failed", "error", err)
	}
}

func (s *ChatService) clearDirty(ctx context.Context, sessionID uint, log *slog.Logger) {
	if s.history == nil {
		return
	}
	if err := s.history.ClearDirty(context.WithoutCancel(ctx), sessionID); err != nil {
		log.Warn("clear history dirty marker failed", "error", err)
	}
}

func trimMessages(messages []model.Message, limit int) []model.Message {
	if limit <= 0 || limit >= len(messages) {
		return messages
	}
	return messages[len(messages)-limit:]
}

func toChatMessages(messages []model.Message) []ai.ChatMessage {
	out := make([]ai.ChatMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, ai.ChatMessage{Role: m.Role, Content: m.Content})
	}
	return out
}
