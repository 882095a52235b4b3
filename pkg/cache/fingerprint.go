package cache

import (
	"crypto/sha256"
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"github.com/contentflow/contentflow/pkg/models"
)

type fingerprintInput struct {
	Provider    models.Provider    `json:"p"`
	KeyID       string             `json:"k,omitempty"`
	Operation   models.Operation   `json:"op"`
	Text        string             `json:"t"`
	Mode        models.ImproveMode `json:"m,omitempty"`
	MaxTokens   int                `json:"mt,omitempty"`
	Temperature *float64           `json:"temp,omitempty"`
	Model       string             `json:"model,omitempty"`
}

// Fingerprint computes the cache key of req when served for provider with
// the credential whose identity is keyID. Text is compared after trimming and
// line ending normalisation.
func Fingerprint(req models.GenerationRequest, provider models.Provider, keyID string) string {
	in := fingerprintInput{
		Provider:    provider,
		KeyID:       keyID,
		Operation:   req.Operation,
		Text:        NormalizeText(req.Text),
		MaxTokens:   req.Options.MaxTokens,
		Temperature: req.Options.Temperature,
		Model:       req.Options.Model,
	}
	if req.Operation == models.OperationImprove {
		in.Mode = req.Mode
	}

	h := sha256.New()
	data, _ := json.Marshal(in)
	h.Write(data)
	return fmt.Sprintf("%x", h.Sum(nil))
}

// NormalizeText trims surrounding whitespace and converts CRLF and CR to LF.
func NormalizeText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return strings.TrimSpace(s)
}
