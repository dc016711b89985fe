package ocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/paylicense/internal/model"
	"github.com/sells-group/paylicense/internal/resilience"
)

const (
	mistralOCREndpoint  = "https://api.mistral.ai/v1/ocr"
	defaultMistralModel = "mistral-ocr-latest"
	maxErrorBody        = 512
)

// Mistral returns embedded images as markdown references; they carry no text.
var markdownImage = regexp.MustCompile(`!\[[^\]]*\]\([^)]*\)`)

// MistralOCR recognizes text through the Mistral OCR API.
type MistralOCR struct {
	apiKey   string
	model    string
	endpoint string
	client   *http.Client
}

// MistralOption configures a MistralOCR.
type MistralOption func(*MistralOCR)

// WithMistralEndpoint overrides the OCR endpoint URL.
func WithMistralEndpoint(url string) MistralOption {
	return func(m *MistralOCR) { m.endpoint = url }
}

// WithMistralHTTPClient replaces the HTTP client.
func WithMistralHTTPClient(hc *http.Client) MistralOption {
	return func(m *MistralOCR) { m.client = hc }
}

// WithMistralTimeout bounds each API call.
func WithMistralTimeout(d time.Duration) MistralOption {
	return func(m *MistralOCR) { m.client.Timeout = d }
}

// NewMistralOCR creates a MistralOCR extractor. An empty model selects
// mistral-ocr-latest.
func NewMistralOCR(apiKey, model string, opts ...MistralOption) *MistralOCR {
	if model == "" {
		model = defaultMistralModel
	}
	m := &MistralOCR{
		apiKey:   apiKey,
		model:    model,
		endpoint: mistralOCREndpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

type mistralOCRRequest struct {
	Model    string             `json:"model"`
	Document mistralOCRDocument `json:"document"`
}

type mistralOCRDocument struct {
	Type     string `json:"type"`
	ImageURL string `json:"image_url"`
}

type mistralOCRResponse struct {
	Pages []mistralOCRPage `json:"pages"`
}

type mistralOCRPage struct {
	Index    int    `json:"index"`
	Markdown string `json:"markdown"`
}

// ExtractText uploads img as a data URL and returns the recognized pages
// separated by blank lines.
func (m *MistralOCR) ExtractText(ctx context.Context, img model.Image) (string, error) {
	if len(img.Data) == 0 {
		return "", resilience.NewPermanentError(eris.New("ocr: empty image"), 0)
	}

	body, err := json.Marshal(mistralOCRRequest{
		Model: m.model,
		Document: mistralOCRDocument{
			Type:     "image_url",
			ImageURL: dataURL(img),
		},
	})
	if err != nil {
		return "", eris.Wrap(err, "ocr: marshal mistral request")
	}

	raw, err := m.post(ctx, body)
	if err != nil {
		return "", err
	}

	var parsed mistralOCRResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", resilience.NewPermanentError(eris.Wrap(err, "ocr: unmarshal mistral response"), 0)
	}
	return joinPages(parsed.Pages), nil
}

func (m *MistralOCR) post(ctx context.Context, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "ocr: create mistral request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+m.apiKey)

	resp, err := m.client.Do(req)
	if err != nil {
		// Network failures and timeouts are worth another credential or backend.
		return nil, resilience.NewTransientError(eris.Wrap(err, "ocr: mistral API call"), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "ocr: read mistral response"), resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, resilience.FromHTTPStatus(
			eris.Errorf("ocr: mistral API returned %d: %s", resp.StatusCode, truncate(raw, maxErrorBody)),
			resp.StatusCode,
		)
	}
	return raw, nil
}

func dataURL(img model.Image) string {
	mt := img.MIMEType
	if mt == "" {
		mt = http.DetectContentType(img.Data)
	}
	return "data:" + mt + ";base64," + base64.StdEncoding.EncodeToString(img.Data)
}

func joinPages(pages []mistralOCRPage) string {
	parts := make([]string, 0, len(pages))
	for _, p := range pages {
		text := strings.TrimSpace(markdownImage.ReplaceAllString(p.Markdown, ""))
		if text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n\n")
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
