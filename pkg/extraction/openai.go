package extraction

import (
	"context"

	"github.com/carelane-ai/intake/pkg/common/config"
	"github.com/carelane-ai/intake/pkg/common/logger"
	openai "github.com/sashabaranov/go-openai"
)

// OpenAIAdapter classifies utterances with a chat-completion model. A failed
// or unconfigured call never fails the turn; it degrades to the fallback
// classification.
type OpenAIAdapter struct {
	client *openai.Client
	model  string
}

func NewOpenAIAdapter(cfg *config.Config) *OpenAIAdapter {
	if cfg.LLMAPIKey == "" {
		return &OpenAIAdapter{}
	}
	clientConfig := openai.DefaultConfig(cfg.LLMAPIKey)
	if cfg.LLMBaseURL != "" {
		clientConfig.BaseURL = cfg.LLMBaseURL
	}
	model := cfg.LLMModelName
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAIAdapter{client: openai.NewClientWithConfig(clientConfig), model: model}
}

func (a *OpenAIAdapter) Extract(ctx context.Context, utterance string, convo ConversationContext) (Classification, error) {
	if a.client == nil {
		return Fallback(), nil
	}

	resp, err := a.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: a.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: classifierPrompt(convo)},
			{Role: openai.ChatMessageRoleUser, Content: utterance},
		},
		MaxTokens:   150,
		Temperature: 0,
	})
	if err != nil {
		logger.Log.WithError(err).Warn("intent classification call failed")
		return Fallback(), nil
	}
	if len(resp.Choices) == 0 {
		return Fallback(), nil
	}

	class, ok := ParseClassification(resp.Choices[0].Message.Content)
	if !ok {
		logger.Log.WithField("response", resp.Choices[0].Message.Content).
			Warn("failed to parse classifier response")
		return Fallback(), nil
	}
	return class, nil
}
