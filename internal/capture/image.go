package capture

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// defaultMIMEType is assumed for payloads that carry no type information
const defaultMIMEType = "image/jpeg"

// ErrEmptyImage is returned when a capture produced no bytes
var ErrEmptyImage = errors.New("empty image")

// Image is a single still image ready to be embedded in a request payload
type Image struct {
	MIMEType string
	Data     []byte
}

// DataURL encodes the image as a self-contained data URL
func (i Image) DataURL() string {
	mimeType := i.MIMEType
	if mimeType == "" {
		mimeType = defaultMIMEType
	}
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(i.Data)
}

// ParseDataURL decodes a data URL produced by a browser (FileReader or canvas).
// A bare base64 payload without the data: prefix is accepted and treated as JPEG.
func ParseDataURL(s string) (Image, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Image{}, ErrEmptyImage
	}

	mimeType := defaultMIMEType
	payload := s
	if strings.HasPrefix(s, "data:") {
		header, rest, ok := strings.Cut(s, ",")
		if !ok {
			return Image{}, fmt.Errorf("malformed data url: missing payload")
		}
		header = strings.TrimPrefix(header, "data:")
		if !strings.HasSuffix(header, ";base64") {
			return Image{}, fmt.Errorf("malformed data url: only base64 payloads are supported")
		}
		if t := strings.TrimSuffix(header, ";base64"); t != "" {
			mimeType = strings.ToLower(t)
		}
		payload = rest
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return Image{}, fmt.Errorf("decoding base64 payload: %w", err)
	}
	if len(data) == 0 {
		return Image{}, ErrEmptyImage
	}

	return Image{MIMEType: mimeType, Data: data}, nil
}

// FromReader reads a user-selected file fully. The content type is sniffed from
// the bytes, falling back to the declared type and then the file extension.
func FromReader(r io.Reader, filename string, declaredType string) (Image, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Image{}, fmt.Errorf("reading file: %w", err)
	}
	if len(data) == 0 {
		return Image{}, ErrEmptyImage
	}

	return Image{MIMEType: detectMIMEType(data, filename, declaredType), Data: data}, nil
}

func detectMIMEType(data []byte, filename string, declaredType string) string {
	detected := mimetype.Detect(data)
	if !detected.Is("application/octet-stream") && !detected.Is("text/plain") {
		// mimetype appends parameters for some types; keep only the media type
		mt, _, _ := strings.Cut(detected.String(), ";")
		return strings.ToLower(mt)
	}

	if declared := strings.ToLower(strings.TrimSpace(declaredType)); declared != "" && declared != "application/octet-stream" {
		return declared
	}

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".pdf":
		return "application/pdf"
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	default:
		return "application/octet-stream"
	}
}
