// Package anthropic adapts the Anthropic Claude API to the model.ChatModel
// contract.
package anthropic

import (
	"context"
	"errors"
	"fmt"

	an "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/loomworks/loom/loom/model"
)

// ChatModel implements model.ChatModel for Anthropic's Claude API.
//
// Anthropic expects the system prompt as a separate parameter, so system
// messages are extracted from the conversation before the call.
type ChatModel struct {
	modelName string
	client    messageClient
}

// messageClient is the API surface used by ChatModel. Tests substitute a
// mock.
type messageClient interface {
	createMessage(ctx context.Context, systemPrompt string, messages []model.Message) (model.ChatOut, error)
}

// New creates an Anthropic-backed ChatModel.
//
// apiKey is the Anthropic API key; modelName defaults to
// "claude-3-5-haiku-latest" when empty.
func New(apiKey, modelName string) *ChatModel {
	if modelName == "" {
		modelName = "claude-3-5-haiku-latest"
	}
	return &ChatModel{
		modelName: modelName,
		client:    &sdkClient{apiKey: apiKey, modelName: modelName},
	}
}

// Chat implements model.ChatModel.
func (m *ChatModel) Chat(ctx context.Context, messages []model.Message) (model.ChatOut, error) {
	if ctx.Err() != nil {
		return model.ChatOut{}, ctx.Err()
	}
	systemPrompt, conversation := extractSystemPrompt(messages)
	return m.client.createMessage(ctx, systemPrompt, conversation)
}

// extractSystemPrompt separates system messages from the conversation.
// Multiple system messages are concatenated.
func extractSystemPrompt(messages []model.Message) (string, []model.Message) {
	var systemPrompt string
	var conversation []model.Message
	for _, msg := range messages {
		if msg.Role == model.RoleSystem {
			if systemPrompt != "" {
				systemPrompt += "\n\n"
			}
			systemPrompt += msg.Content
			continue
		}
		conversation = append(conversation, msg)
	}
	return systemPrompt, conversation
}

// sdkClient wraps the official anthropic-sdk-go SDK.
type sdkClient struct {
	apiKey    string
	modelName string
}

func (c *sdkClient) createMessage(ctx context.Context, systemPrompt string, messages []model.Message) (model.ChatOut, error) {
	if c.apiKey == "" {
		return model.ChatOut{}, errors.New("Anthropic API key is required")
	}

	client := an.NewClient(option.WithAPIKey(c.apiKey))

	params := make([]an.MessageParam, 0, len(messages))
	for _, msg := range messages {
		block := an.NewTextBlock(msg.Content)
		if msg.Role == model.RoleAssistant {
			params = append(params, an.NewAssistantMessage(block))
		} else {
			params = append(params, an.NewUserMessage(block))
		}
	}

	req := an.MessageNewParams{
		Model:     an.Model(c.modelName),
		MaxTokens: 4096,
		Messages:  params,
	}
	if systemPrompt != "" {
		req.System = []an.TextBlockParam{{Text: systemPrompt}}
	}

	resp, err := client.Messages.New(ctx, req)
	if err != nil {
		return model.ChatOut{}, fmt.Errorf("message creation failed: %w", err)
	}

	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return model.ChatOut{Text: text}, nil
}
