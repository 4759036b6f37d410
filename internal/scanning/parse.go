package scanning

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Defaults applied when the model leaves a field out or the answer cannot be decoded
const (
	DefaultCategory       = "Generic"
	MissingMerchant       = "Azienda non disponibile"
	MissingDescription    = "Descrizione non disponibile"
	ParseErrorDescription = "Errore nel parsing dei dati"
)

// Extraction is the best-effort record recovered from a model answer
type Extraction struct {
	Category    string
	Amount      decimal.Decimal
	Description string
	Merchant    string
	ExpenseDate *time.Time
	// ParseFailed is set when the answer could not be decoded at all
	ParseFailed bool
}

var codeFence = regexp.MustCompile("(?i)```(?:json)?\\s*|\\s*```")

// dateLayouts are tried in order; receipts printed in Italy use day-first dates
var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"02/01/2006",
	"2/1/2006",
}

// Parse extracts an Extraction from raw model output. It never fails: a
// malformed answer yields a defaulted record with ParseFailed set.
//
// Cleanup rules, applied in order:
//  1. drop code fence markers (```json and ```) with their surrounding whitespace
//  2. drop backslash escape characters
//  3. drop prose before the first { and after the last }
//
// Anything left after the first JSON value makes the answer malformed.
func Parse(raw string) Extraction {
	cleaned := cleanAnswer(raw)

	var fields map[string]any
	dec := json.NewDecoder(strings.NewReader(cleaned))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil || fields == nil {
		slog.Warn("Model answer is not valid JSON", "error", err, "raw", raw)
		return failedExtraction()
	}
	if _, err := dec.Token(); err != io.EOF {
		slog.Warn("Model answer has trailing data after the JSON object", "raw", raw)
		return failedExtraction()
	}

	return Extraction{
		Category:    stringOr(fields["category"], DefaultCategory),
		Amount:      amountOf(fields["amount"]),
		Description: descriptionOf(fields["descriptionItems"]),
		Merchant:    stringOr(fields["merchant"], MissingMerchant),
		ExpenseDate: dateOf(fields["expenseDate"]),
	}
}

func cleanAnswer(raw string) string {
	text := codeFence.ReplaceAllString(raw, "")
	text = strings.ReplaceAll(text, `\`, "")
	text = strings.TrimSpace(text)

	if start := strings.Index(text, "{"); start > 0 {
		text = text[start:]
	}
	// trailing prose is dropped, a trailing second value is not
	if end := strings.LastIndex(text, "}"); end != -1 && !strings.ContainsAny(text[end+1:], "{[") {
		text = text[:end+1]
	}
	return text
}

func failedExtraction() Extraction {
	return Extraction{
		Category:    DefaultCategory,
		Amount:      decimal.Zero,
		Description: ParseErrorDescription,
		Merchant:    MissingMerchant,
		ParseFailed: true,
	}
}

// stringOr returns v as a string when it is a non-empty scalar
func stringOr(v any, fallback string) string {
	switch t := v.(type) {
	case string:
		if s := strings.TrimSpace(t); s != "" {
			return s
		}
	case json.Number:
		return t.String()
	case bool:
		if t {
			return "true"
		}
	}
	return fallback
}

// amountOf accepts only JSON numbers; anything else, or a negative total, is zero
func amountOf(v any) decimal.Decimal {
	n, ok := v.(json.Number)
	if !ok {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(n.String())
	if err != nil || d.IsNegative() {
		return decimal.Zero
	}
	return d
}

func descriptionOf(v any) string {
	items, ok := v.([]any)
	if !ok {
		return stringOr(v, MissingDescription)
	}

	parts := make([]string, 0, len(items))
	for _, item := range items {
		switch t := item.(type) {
		case nil:
			continue
		case string:
			parts = append(parts, t)
		default:
			var buf bytes.Buffer
			if err := json.NewEncoder(&buf).Encode(t); err == nil {
				parts = append(parts, strings.TrimSpace(buf.String()))
			} else {
				parts = append(parts, fmt.Sprint(t))
			}
		}
	}
	return strings.Join(parts, ", ")
}

func dateOf(v any) *time.Time {
	s, ok := v.(string)
	if !ok {
		return nil
	}
	s = strings.TrimSpace(s)
	if len(s) > len("2006-01-02") && strings.Contains(s, "T") {
		s, _, _ = strings.Cut(s, "T")
	}
	for _, layout := range dateLayouts {
		if d, err := time.Parse(layout, s); err == nil {
			return &d
		}
	}
	return nil
}
