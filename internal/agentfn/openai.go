package agentfn

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ongoingai/goldentrace/internal/golden"
	"github.com/ongoingai/goldentrace/internal/trace"
)

var ErrEmptyCompletion = errors.New("chat completion returned no choices")

type OpenAIConfig struct {
	BaseURL      string
	APIKey       string
	Model        string
	SystemPrompt string
	Timeout      time.Duration
}

// OpenAI sends the snapshot's task input as a user message and returns the
// first choice's content.
func OpenAI(cfg OpenAIConfig) (golden.AgentFunc, error) {
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		return nil, errors.New("openai agent model is required")
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		clientCfg.BaseURL = strings.TrimRight(base, "/")
	}
	clientCfg.HTTPClient = &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
		Timeout:   cfg.Timeout,
	}
	client := openai.NewClientWithConfig(clientCfg)
	systemPrompt := strings.TrimSpace(cfg.SystemPrompt)

	return func(ctx context.Context, snapshot trace.Record) (string, error) {
		messages := make([]openai.ChatCompletionMessage, 0, 2)
		if systemPrompt != "" {
			messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: systemPrompt})
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: snapshot.TaskInput})

		resp, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:    model,
			Messages: messages,
		})
		if err != nil {
			return "", fmt.Errorf("chat completion: %w", err)
		}
		if len(resp.Choices) == 0 {
			return "", ErrEmptyCompletion
		}
		return strings.TrimSpace(resp.Choices[0].Message.Content), nil
	}, nil
}
