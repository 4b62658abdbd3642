package ai

import (
	"context"
	"fmt"
	"strings"
)

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Stream      bool          `json:"stream"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

func (c *OpenAICompatibleClient) Complete(ctx context.Context, cfg ChatConfig, messages []ChatMessage) (string, error) {
	var parsed chatResponse
	err := c.postJSON(ctx, cfg.BaseURL, cfg.APIKey, "/chat/completions", chatRequest{
		Model:       cfg.Model,
		Messages:    messages,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
	}, &parsed)
	if err != nil {
		return "", err
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("%w: empty llm choices", ErrServiceUnavailable)
	}
	choice := parsed.Choices[0]
	if choice.FinishReason == "content_filter" {
		return "", ErrContentFiltered
	}
	return choice.Message.Content, nil
}

const systemPrompt = "You are an AI assistant that helps users understand their documents. " +
	"Use only the provided context to answer the question. If the answer is not in the context, " +
	"say \"I don't find information about that in your documents.\" Don't make up answers."

const noContextPrompt = "You are an AI assistant that helps users understand their documents. " +
	"No document context is available for this question; answer from the conversation so far " +
	"and say so when you cannot answer."

// ChatModel binds the client to one chat model and turns a retrieval
// context plus conversation history into a completion request.
type ChatModel struct {
	client *OpenAICompatibleClient
	cfg    ChatConfig
}

func (c *OpenAICompatibleClient) ChatModel(cfg ChatConfig) *ChatModel {
	return &ChatModel{client: c, cfg: cfg}
}

func (m *ChatModel) Generate(ctx context.Context, history []ChatMessage, contextText, message string) (string, error) {
	return m.client.Complete(ctx, m.cfg, BuildPrompt(history, contextText, message))
}

// BuildPrompt lays out system prompt, history and the new user message.
// The retrieval context is attached to the new message only.
func BuildPrompt(history []ChatMessage, contextText, message string) []ChatMessage {
	messages := make([]ChatMessage, 0, len(history)+2)
	system := noContextPrompt
	if strings.TrimSpace(contextText) != "" {
		system = systemPrompt
	}
	messages = append(messages, ChatMessage{Role: "system", Content: system})
	messages = append(messages, history...)

	content := strings.TrimSpace(message)
	if strings.TrimSpace(contextText) != "" {
		content = "Context:\n" + contextText + "\n\nQuestion: " + content
	}
	messages = append(messages, ChatMessage{Role: "user", Content: content})
	return messages
}
