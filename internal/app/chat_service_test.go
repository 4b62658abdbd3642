package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pdfchat/internal/model"
	"pdfchat/internal/retriever"
)

type chatFixture struct {
	svc       *ChatService
	sessions  *fakeSessions
	messages  *fakeMessages
	docs      *fakeDocs
	retriever *fakeRetriever
	generator *fakeGenerator
}

func newChatFixture(t *testing.T, cfg ChatConfig) *chatFixture {
	t.Helper()
	f := &chatFixture{
		sessions:  newFakeSessions(),
		messages:  &fakeMessages{},
		docs:      newFakeDocs(),
		retriever: &fakeRetriever{},
		generator: &fakeGenerator{},
	}
	f.svc = NewChatService(f.sessions, f.messages, f.docs, nil, f.retriever, f.generator, cfg, nil)
	return f
}

func (f *chatFixture) session(t *testing.T, userID uint) *model.ChatSession {
	t.Helper()
	doc := &model.Document{UserID: userID, Title: "Handbook", Status: model.DocumentReady}
	require.NoError(t, f.docs.Create(context.Background(), doc))
	s, err := f.svc.CreateSession(context.Background(), CreateSessionInput{UserID: userID, DocumentID: doc.ID})
	require.NoError(t, err)
	return s
}

func (f *chatFixture) roles(sessionID uint) []string {
	msgs, _ := f.messages.ListBySessionID(context.Background(), sessionID, 0)
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Role
	}
	return out
}

func TestCreateSession(t *testing.T) {
	f := newChatFixture(t, ChatConfig{})
	s := f.session(t, 1)
	assert.Equal(t, "Handbook", s.Name)
	require.NotNil(t, s.DocumentID)

	_, err := f.svc.CreateSession(context.Background(), CreateSessionInput{UserID: 2, DocumentID: *s.DocumentID})
	assert.ErrorIs(t, err, ErrDocumentNotFound)

	corpus, err := f.svc.CreateSession(context.Background(), CreateSessionInput{UserID: 2})
	require.NoError(t, err)
	assert.Nil(t, corpus.DocumentID)
	assert.Equal(t, "New Chat", corpus.Name)
}

func TestSendMessage_Persisted(t *testing.T) {
	f := newChatFixture(t, ChatConfig{})
	s := f.session(t, 1)
	f.retriever.res = retriever.Result{
		Context: "the handbook says hello",
		Sources: []retriever.Source{{DocumentID: *s.DocumentID, ChunkOrder: 3}},
	}

	turn, err := f.svc.SendMessage(context.Background(), SendMessageInput{UserID: 1, SessionID: s.ID, Content: "  What does it say?  "})
	require.NoError(t, err)

	assert.Equal(t, []TurnState{TurnReceived, TurnRetrieving, TurnGenerating, TurnPersisted}, turn.States)
	assert.Equal(t, TurnPersisted, turn.State())
	assert.False(t, turn.ContextUnavailable)
	assert.Len(t, turn.Sources, 1)
	assert.Equal(t, "What does it say?", turn.UserMessage.Content)
	require.NotNil(t, turn.AssistantMessage)
	assert.True(t, turn.AssistantMessage.CreatedAt.After(turn.UserMessage.CreatedAt))

	require.Len(t, f.retriever.reqs, 1)
	assert.Equal(t, *s.DocumentID, f.retriever.reqs[0].DocumentID)
	assert.Equal(t, uint(1), f.retriever.reqs[0].UserID)

	require.Len(t, f.generator.calls, 1)
	assert.Equal(t, "the handbook says hello", f.generator.calls[0].contextText)
	assert.Equal(t, []string{model.RoleUser, model.RoleAssistant}, f.roles(s.ID))
}

func TestSendMessage_NoMatchingDocuments(t *testing.T) {
	f := newChatFixture(t, ChatConfig{})
	s := f.session(t, 1)

	turn, err := f.svc.SendMessage(context.Background(), SendMessageInput{UserID: 1, SessionID: s.ID, Content: "anything?"})
	require.NoError(t, err)
	assert.Equal(t, TurnPersisted, turn.State())
	assert.False(t, turn.ContextUnavailable)
	require.Len(t, f.generator.calls, 1)
	assert.Empty(t, f.generator.calls[0].contextText)
}

func TestSendMessage_RetrievalFailureDegrades(t *testing.T) {
	f := newChatFixture(t, ChatConfig{})
	s := f.session(t, 1)
	f.retriever.err = errors.New("vector store down")

	turn, err := f.svc.SendMessage(context.Background(), SendMessageInput{UserID: 1, SessionID: s.ID, Content: "hello"})
	require.NoError(t, err)
	assert.True(t, turn.ContextUnavailable)
	assert.Equal(t, TurnPersisted, turn.State())
	require.Len(t, f.generator.calls, 1)
	assert.Empty(t, f.generator.calls[0].contextText)
}

func TestSendMessage_GenerationTimeout(t *testing.T) {
	f := newChatFixture(t, ChatConfig{GenerateTimeout: 20 * time.Millisecond})
	s := f.session(t, 1)
	f.generator.fn = func(ctx context.Context, _ string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}

	turn, err := f.svc.SendMessage(context.Background(), SendMessageInput{UserID: 1, SessionID: s.ID, Content: "slow question"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrGenerationFailure)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NotNil(t, turn)
	assert.Equal(t, TurnFailed, turn.State())
	assert.Nil(t, turn.AssistantMessage)
	assert.Equal(t, []string{model.RoleUser}, f.roles(s.ID))
}

func TestSendMessage_EmptyCompletionFails(t *testing.T) {
	f := newChatFixture(t, ChatConfig{})
	s := f.session(t, 1)
	f.generator.fn = func(context.Context, string) (string, error) { return "  ", nil }

	turn, err := f.svc.SendMessage(context.Background(), SendMessageInput{UserID: 1, SessionID: s.ID, Content: "q"})
	assert.ErrorIs(t, err, ErrGenerationFailure)
	assert.Equal(t, TurnFailed, turn.State())
}

func TestSendMessage_Validation(t *testing.T) {
	f := newChatFixture(t, ChatConfig{MaxQueryChars: 10})
	s := f.session(t, 1)
	ctx := context.Background()

	_, err := f.svc.SendMessage(ctx, SendMessageInput{UserID: 1, SessionID: s.ID, Content: " \n "})
	assert.ErrorIs(t, err, ErrMessageEmpty)

	_, err = f.svc.SendMessage(ctx, SendMessageInput{UserID: 1, SessionID: s.ID, Content: strings.Repeat("x", 11)})
	assert.ErrorIs(t, err, retriever.ErrQueryTooLong)

	_, err = f.svc.SendMessage(ctx, SendMessageInput{UserID: 2, SessionID: s.ID, Content: "hi"})
	assert.ErrorIs(t, err, ErrSessionNotFound)

	assert.Empty(t, f.roles(s.ID))
}

func TestSendMessage_HistoryExcludesNewMessage(t *testing.T) {
	f := newChatFixture(t, ChatConfig{MaxContextMessages: 2})
	s := f.session(t, 1)
	ctx := context.Background()

	for _, q := range []string{"first", "second", "third"} {
		_, err := f.svc.SendMessage(ctx, SendMessageInput{UserID: 1, SessionID: s.ID, Content: q})
		require.NoError(t, err)
	}

	require.Len(t, f.generator.calls, 3)
	assert.Empty(t, f.generator.calls[0].history)
	last := f.generator.calls[2]
	require.Len(t, last.history, 2)
	assert.Equal(t, "second", last.history[0].Content)
	assert.Equal(t, "answer to second", last.history[1].Content)
	assert.Equal(t, "third", last.message)
}

func TestSendMessage_SerializedPerSession(t *testing.T) {
	f := newChatFixture(t, ChatConfig{})
	s := f.session(t, 1)
	f.generator.fn = func(context.Context, string) (string, error) {
		time.Sleep(5 * time.Millisecond)
		return "ok", nil
	}

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.SendMessage(context.Background(), SendMessageInput{UserID: 1, SessionID: s.ID, Content: "q"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	roles := f.roles(s.ID)
	require.Len(t, roles, 8)
	for i, r := range roles {
		if i%2 == 0 {
			assert.Equal(t, model.RoleUser, r)
		} else {
			assert.Equal(t, model.RoleAssistant, r)
		}
	}
}

func TestExport(t *testing.T) {
	f := newChatFixture(t, ChatConfig{})
	s := f.session(t, 1)
	_, err := f.svc.SendMessage(context.Background(), SendMessageInput{UserID: 1, SessionID: s.ID, Content: "Hi"})
	require.NoError(t, err)

	out, err := f.svc.Export(context.Background(), 1, s.ID)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "# Handbook\n\n"))
	assert.Contains(t, out, "**User**")
	assert.Contains(t, out, "Hi\n\n")
	assert.Contains(t, out, "**Assistant**")
	assert.Contains(t, out, "answer to hi")
}

func TestExport_LongConversation(t *testing.T) {
	f := newChatFixture(t, ChatConfig{})
	s := f.session(t, 1)
	other := f.session(t, 1)
	for i := range 450 {
		role := model.RoleUser
		if i%2 == 1 {
			role = model.RoleAssistant
		}
		if i%9 == 0 {
			require.NoError(t, f.messages.Create(context.Background(), &model.Message{SessionID: other.ID, Role: role, Content: "elsewhere"}))
		}
		require.NoError(t, f.messages.Create(context.Background(), &model.Message{
			SessionID: s.ID,
			Role:      role,
			Content:   fmt.Sprintf("message %03d", i),
		}))
	}

	out, err := f.svc.Export(context.Background(), 1, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 450, strings.Count(out, "message "))
	assert.Contains(t, out, "message 000")
	assert.Contains(t, out, "message 449")
	assert.NotContains(t, out, "elsewhere")
	assert.Less(t, strings.Index(out, "message 199"), strings.Index(out, "message 200"))
	assert.Equal(t, 3, f.messages.pages)
}

func TestSendMessage_AuditsSuspiciousInput(t *testing.T) {
	f := newChatFixture(t, ChatConfig{})
	var logs bytes.Buffer
	f.svc.log = slog.New(slog.NewJSONHandler(&logs, nil))
	s := f.session(t, 1)

	turn, err := f.svc.SendMessage(context.Background(), SendMessageInput{
		UserID:    1,
		SessionID: s.ID,
		Content:   "<script>x</script>What is <b>chapter 2</b> about?",
	})
	require.NoError(t, err)
	assert.Equal(t, TurnPersisted, turn.State())
	msgs, _ := f.messages.ListBySessionID(context.Background(), s.ID, 0)
	require.Len(t, msgs, 2)
	assert.Equal(t, "xWhat is chapter 2 about?", msgs[0].Content)
	assert.Equal(t, "xWhat is chapter 2 about?", f.generator.calls[0].message)

	var event map[string]any
	for line := range strings.SplitSeq(strings.TrimSpace(logs.String()), "\n") {
		var rec map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &rec))
		if rec["msg"] == "security_event" {
			event = rec
		}
	}
	require.NotNil(t, event)
	assert.Equal(t, "xss", event["threat"])
	assert.Equal(t, "medium", event["severity"])
	assert.EqualValues(t, 4, event["tags_removed"])
	assert.EqualValues(t, 1, event["user_id"])

	logs.Reset()
	_, err = f.svc.SendMessage(context.Background(), SendMessageInput{UserID: 1, SessionID: s.ID, Content: "How do I drop table rows?"})
	require.NoError(t, err)
	assert.NotContains(t, logs.String(), "security_event")

	_, err = f.svc.SendMessage(context.Background(), SendMessageInput{UserID: 1, SessionID: s.ID, Content: "<p></p>"})
	assert.ErrorIs(t, err, ErrMessageEmpty)
}

func TestDeleteSession(t *testing.T) {
	f := newChatFixture(t, ChatConfig{})
	s := f.session(t, 1)

	assert.ErrorIs(t, f.svc.DeleteSession(context.Background(), 2, s.ID), ErrSessionNotFound)
	require.NoError(t, f.svc.DeleteSession(context.Background(), 1, s.ID))

	_, err := f.svc.GetHistory(context.Background(), 1, s.ID, 10)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}
