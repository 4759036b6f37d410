package scanning

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/zombor/expense-tracker/internal/capture"
)

const ollamaProvider = "ollama"

// Ollama implements the Analyzer interface using a local Ollama server
type Ollama struct {
	baseURL   string
	model     string
	maxTokens int
	client    *http.Client
}

// NewOllama creates a new Ollama Analyzer instance
// Recommended vision models: llava:1.6, qwen2-vl:7b, bakllava, llava-phi3
func NewOllama(baseURL string, modelName string, maxTokens int) (*Ollama, error) {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if modelName == "" {
		modelName = "llava"
	}
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	return &Ollama{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		model:     modelName,
		maxTokens: maxTokens,
		client: &http.Client{
			Timeout: 120 * time.Second, // vision models on local hardware are slow
		},
	}, nil
}

// ollamaChatRequest represents the request body for Ollama's chat API
type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  ollamaOptions   `json:"options"`
}

type ollamaMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type ollamaOptions struct {
	NumPredict int `json:"num_predict"`
}

// ollamaChatResponse represents the response from Ollama's chat API
type ollamaChatResponse struct {
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
	Error   string        `json:"error,omitempty"`
}

// Analyze sends the receipt to Ollama's chat endpoint and returns the message content
func (o *Ollama) Analyze(ctx context.Context, img capture.Image) (string, error) {
	prepared, err := normalizeImage(img)
	if err != nil {
		return "", err
	}

	reqBody := ollamaChatRequest{
		Model:  o.model,
		Stream: false,
		Messages: []ollamaMessage{
			{
				Role:    "user",
				Content: receiptScanPrompt,
				Images:  []string{base64.StdEncoding.EncodeToString(prepared.Data)},
			},
		},
		Options: ollamaOptions{NumPredict: o.maxTokens},
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/chat", bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return "", providerError(ollamaProvider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		var errResp ollamaChatResponse
		if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
			return "", &ProviderError{Provider: ollamaProvider, Message: errResp.Error}
		}
		return "", &ProviderError{
			Provider: ollamaProvider,
			Message:  fmt.Sprintf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
		}
	}

	var chatResp ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return "", providerError(ollamaProvider, fmt.Errorf("decoding response: %w", err))
	}

	return chatResp.Message.Content, nil
}

// Close closes the Ollama client (no-op for HTTP client)
func (o *Ollama) Close() error {
	return nil
}
