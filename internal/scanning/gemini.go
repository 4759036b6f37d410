package scanning

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/zombor/expense-tracker/internal/capture"
)

const geminiProvider = "gemini"

// Gemini implements the Analyzer interface using Google Gemini
type Gemini struct {
	client *genai.Client
	model  *genai.GenerativeModel
}

// NewGemini creates a new Gemini Analyzer instance
func NewGemini(apiKey string, modelName string, maxTokens int) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if modelName == "" {
		modelName = "gemini-2.5-flash"
	}
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	client, err := genai.NewClient(context.Background(), option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	model := client.GenerativeModel(modelName)
	model.SetMaxOutputTokens(int32(maxTokens))

	return &Gemini{
		client: client,
		model:  model,
	}, nil
}

// Analyze sends the receipt to Gemini and returns the text of the first candidate
func (g *Gemini) Analyze(ctx context.Context, img capture.Image) (string, error) {
	prepared, err := normalizeImage(img)
	if err != nil {
		return "", err
	}

	// genai.ImageData expects just the format suffix (e.g. "png"), not the full MIME type
	format := strings.TrimPrefix(prepared.MIMEType, "image/")
	resp, err := g.model.GenerateContent(ctx,
		genai.Text(receiptScanPrompt),
		genai.ImageData(format, prepared.Data),
	)
	if err != nil {
		return "", providerError(geminiProvider, err)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", providerError(geminiProvider, errors.New("no response from gemini"))
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			text.WriteString(string(t))
		}
	}

	return text.String(), nil
}

// Close closes the Gemini client
func (g *Gemini) Close() error {
	return g.client.Close()
}
