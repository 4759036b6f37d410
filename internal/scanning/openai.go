package scanning

import (
	"context"
	"errors"
	"fmt"

	"github.com/sashabaranov/go-openai"

	"github.com/zombor/expense-tracker/internal/capture"
)

const openAIProvider = "openai"

// OpenAI implements the Analyzer interface using the chat completions API
type OpenAI struct {
	client    *openai.Client
	model     string
	maxTokens int
}

// NewOpenAI creates a new OpenAI Analyzer instance. baseURL may point at any
// OpenAI-compatible endpoint; empty uses the public API.
func NewOpenAI(apiKey string, modelName string, baseURL string, maxTokens int) (*OpenAI, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai api key is required")
	}
	if modelName == "" {
		modelName = openai.GPT4o
	}
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}

	return &OpenAI{
		client:    openai.NewClientWithConfig(config),
		model:     modelName,
		maxTokens: maxTokens,
	}, nil
}

// Analyze sends one multimodal chat completion and returns the first choice verbatim
func (o *OpenAI) Analyze(ctx context.Context, img capture.Image) (string, error) {
	prepared, err := normalizeImage(img)
	if err != nil {
		return "", err
	}

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     o.model,
		MaxTokens: o.maxTokens,
		Messages: []openai.ChatCompletionMessage{
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{Type: openai.ChatMessagePartTypeText, Text: receiptScanPrompt},
					{
						Type:     openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{URL: prepared.DataURL(), Detail: openai.ImageURLDetailAuto},
					},
				},
			},
		},
	})
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			return "", &ProviderError{Provider: openAIProvider, Message: apiErr.Message, Err: err}
		}
		return "", providerError(openAIProvider, err)
	}

	if len(resp.Choices) == 0 {
		return "", providerError(openAIProvider, errors.New("no choices in response"))
	}

	return resp.Choices[0].Message.Content, nil
}

// Close is a no-op; the client holds no resources
func (o *OpenAI) Close() error {
	return nil
}
