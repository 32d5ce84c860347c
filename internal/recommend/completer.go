package recommend

import (
	"context"
	"fmt"

	"github.com/sashabaranov/go-openai"

	"library-backend/internal/platform/config"
)

// Completer は1回のチャット補完。LLM を使わない構成では nil
type Completer interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// ChatMessage は会話履歴の1件。Role は user か assistant
type ChatMessage struct {
	Role    string `json:"role" validate:"oneof=user assistant"`
	Content string `json:"content" validate:"required"`
}

// Chatter は会話履歴つきの補完。OpenAICompleter が実装する
type Chatter interface {
	Chat(ctx context.Context, system string, messages []ChatMessage) (string, error)
}

type OpenAICompleter struct {
	client *openai.Client
	model  string
}

// NewOpenAICompleter は OpenAI 互換 API（既定は DeepSeek）のクライアントを作る。API キーが無ければ nil
func NewOpenAICompleter(cfg config.AIConfig) Completer {
	if cfg.APIKey == "" {
		return nil
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	return &OpenAICompleter{client: openai.NewClientWithConfig(oc), model: cfg.Model}
}

func (o *OpenAICompleter) Complete(ctx context.Context, system, prompt string) (string, error) {
	return o.create(ctx, openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: 0.7,
		MaxTokens:   1000,
	})
}

func (o *OpenAICompleter) Chat(ctx context.Context, system string, messages []ChatMessage) (string, error) {
	msgs := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	for _, m := range messages {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	return o.create(ctx, openai.ChatCompletionRequest{
		Model:       o.model,
		Messages:    msgs,
		Temperature: 0.8,
		MaxTokens:   2000,
	})
}

func (o *OpenAICompleter) create(ctx context.Context, req openai.ChatCompletionRequest) (string, error) {
	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}
