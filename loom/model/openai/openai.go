// Package openai adapts the OpenAI API to the model.ChatModel contract.
package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	oa "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/loomworks/loom/loom/model"
)

// ChatModel implements model.ChatModel for OpenAI's API with retry logic
// for transient errors and rate limits.
type ChatModel struct {
	modelName  string
	client     chatClient
	maxRetries int
	retryDelay time.Duration
}

// chatClient is the API surface used by ChatModel. Tests substitute a mock.
type chatClient interface {
	createChatCompletion(ctx context.Context, messages []model.Message) (model.ChatOut, error)
}

// New creates an OpenAI-backed ChatModel.
//
// apiKey is the OpenAI API key; modelName defaults to "gpt-4o-mini" when
// empty. Transient failures are retried up to 3 times with a growing delay.
func New(apiKey, modelName string) *ChatModel {
	if modelName == "" {
		modelName = "gpt-4o-mini"
	}
	return &ChatModel{
		modelName:  modelName,
		client:     &sdkClient{apiKey: apiKey, modelName: modelName},
		maxRetries: 3,
		retryDelay: time.Second,
	}
}

// Chat implements model.ChatModel.
func (m *ChatModel) Chat(ctx context.Context, messages []model.Message) (model.ChatOut, error) {
	if ctx.Err() != nil {
		return model.ChatOut{}, ctx.Err()
	}

	var lastErr error
	for attempt := 0; attempt <= m.maxRetries; attempt++ {
		out, err := m.client.createChatCompletion(ctx, messages)
		if err == nil {
			return out, nil
		}
		lastErr = err

		if !isTransientError(err) {
			return model.ChatOut{}, err
		}
		if attempt >= m.maxRetries {
			break
		}

		select {
		case <-time.After(m.retryDelay * time.Duration(attempt+1)):
		case <-ctx.Done():
			return model.ChatOut{}, ctx.Err()
		}
	}
	return model.ChatOut{}, fmt.Errorf("OpenAI API failed after %d retries: %w", m.maxRetries, lastErr)
}

// isTransientError determines if an error should trigger a retry.
func isTransientError(err error) bool {
	if err == nil {
		return false
	}
	msgLower := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"timeout", "network", "connection", "temporary",
		"rate limit", "429", "503", "502", "500",
	} {
		if strings.Contains(msgLower, pattern) {
			return true
		}
	}
	return false
}

// sdkClient wraps the official openai-go SDK.
type sdkClient struct {
	apiKey    string
	modelName string
}

func (c *sdkClient) createChatCompletion(ctx context.Context, messages []model.Message) (model.ChatOut, error) {
	if c.apiKey == "" {
		return model.ChatOut{}, errors.New("OpenAI API key is required")
	}

	client := oa.NewClient(option.WithAPIKey(c.apiKey))

	params := make([]oa.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case model.RoleSystem:
			params = append(params, oa.SystemMessage(msg.Content))
		case model.RoleAssistant:
			params = append(params, oa.AssistantMessage(msg.Content))
		default:
			params = append(params, oa.UserMessage(msg.Content))
		}
	}

	resp, err := client.Chat.Completions.New(ctx, oa.ChatCompletionNewParams{
		Model:    oa.ChatModel(c.modelName),
		Messages: params,
	})
	if err != nil {
		return model.ChatOut{}, fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return model.ChatOut{}, errors.New("chat completion returned no choices")
	}
	return model.ChatOut{Text: resp.Choices[0].Message.Content}, nil
}
