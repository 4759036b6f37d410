package scanning

import (
	"context"
	"fmt"

	"github.com/zombor/expense-tracker/internal/capture"
)

// DefaultMaxTokens caps the length of the model's answer
const DefaultMaxTokens = 300

// Analyzer defines the interface for receipt analysis by a vision model
type Analyzer interface {
	// Analyze sends the receipt image with the extraction prompt and returns the model's raw text
	Analyze(ctx context.Context, img capture.Image) (string, error)
	// Close closes the analyzer and releases resources
	Close() error
}

// ProviderError is returned for any transport or provider failure during analysis
type ProviderError struct {
	Provider string
	Message  string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

func providerError(provider string, err error) *ProviderError {
	return &ProviderError{Provider: provider, Message: err.Error(), Err: err}
}
