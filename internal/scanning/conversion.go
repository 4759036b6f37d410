package scanning

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	"image/png"
	"strings"

	"github.com/gen2brain/go-fitz"
	"github.com/gen2brain/heic"

	"github.com/zombor/expense-tracker/internal/capture"
)

// receiptScanPrompt is the shared prompt used by all providers for analyzing receipts
const receiptScanPrompt = `Analyze this receipt and extract the following data: expense type, total amount, description of the purchased products or services, merchant name and receipt date.

Respond ONLY with a valid JSON object with exactly this structure:
{"category": string, "amount": number, "descriptionItems": string[], "merchant": string, "expenseDate": string}

Rules:
- "amount" is the final total as a number (e.g. 42.75), not a string
- "expenseDate" must use ISO format (YYYY-MM-DD); if the date is not visible on the receipt, omit the field
- Do not add any text before or after the JSON`

// passthroughTypes are sent to the providers unchanged
var passthroughTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
}

// pdfToImage renders the first page of a PDF (receipts are single page)
func pdfToImage(pdfData []byte) (image.Image, error) {
	doc, err := fitz.NewFromMemory(pdfData)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer doc.Close()

	img, err := doc.Image(0)
	if err != nil {
		return nil, fmt.Errorf("rendering PDF page: %w", err)
	}
	return img, nil
}

// decodeImage decodes HEIC/HEIF with the pure Go decoder and everything else with image.Decode
func decodeImage(data []byte, mimeType string) (image.Image, error) {
	if isHEICFormat(data) || isHEICMimeType(mimeType) {
		img, err := heic.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decoding HEIC/HEIF image: %w", err)
		}
		return img, nil
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		if strings.Contains(err.Error(), "unknown format") {
			return nil, fmt.Errorf("unsupported image format. Supported formats: JPEG, PNG, GIF, WEBP, HEIC, HEIF, PDF. Error: %w", err)
		}
		return nil, fmt.Errorf("decoding image: %w", err)
	}
	return img, nil
}

// isHEICFormat checks for an ftyp box with a HEIC-related brand at offset 4
func isHEICFormat(data []byte) bool {
	if len(data) < 12 || string(data[4:8]) != "ftyp" {
		return false
	}
	switch string(data[8:12]) {
	case "heic", "heix", "heif", "mif1", "msf1":
		return true
	}
	return false
}

// isHEICMimeType checks if the MIME type indicates HEIC/HEIF format
func isHEICMimeType(mimeType string) bool {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	return strings.Contains(mimeType, "heic") || strings.Contains(mimeType, "heif")
}

// normalizeImage converts PDFs, HEIC/HEIF and other decodable formats to PNG.
// Formats the providers accept natively are returned as-is.
func normalizeImage(img capture.Image) (capture.Image, error) {
	mimeType := strings.ToLower(strings.TrimSpace(img.MIMEType))
	if mimeType == "" {
		mimeType = "image/jpeg"
	}

	if passthroughTypes[mimeType] && !isHEICFormat(img.Data) {
		return capture.Image{MIMEType: mimeType, Data: img.Data}, nil
	}

	var (
		decoded image.Image
		err     error
	)
	if mimeType == "application/pdf" {
		decoded, err = pdfToImage(img.Data)
	} else {
		decoded, err = decodeImage(img.Data, mimeType)
	}
	if err != nil {
		return capture.Image{}, fmt.Errorf("converting %s to PNG: %w", mimeType, err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, decoded); err != nil {
		return capture.Image{}, fmt.Errorf("encoding PNG: %w", err)
	}

	return capture.Image{MIMEType: "image/png", Data: buf.Bytes()}, nil
}
