package vision

import (
	"context"
	"errors"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/paylicense/internal/model"
	"github.com/sells-group/paylicense/internal/ocr"
	"github.com/sells-group/paylicense/internal/resilience"
	"github.com/sells-group/paylicense/pkg/anthropic"
	"github.com/sells-group/paylicense/pkg/openai"
)

// classify marks err transient or permanent. A known HTTP status decides;
// otherwise network-level patterns do.
func classify(err error, statusCode int) error {
	if statusCode > 0 {
		return resilience.FromHTTPStatus(err, statusCode)
	}
	if resilience.Classify(err) == resilience.ClassTransient {
		return resilience.NewTransientError(err, 0)
	}
	return resilience.NewPermanentError(err, 0)
}

// Anthropic submits images to the Anthropic messages API.
type Anthropic struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// NewAnthropic wraps one Anthropic client (one API key).
func NewAnthropic(client anthropic.Client, model string, maxTokens int64) *Anthropic {
	if maxTokens <= 0 {
		maxTokens = 512
	}
	return &Anthropic{client: client, model: model, maxTokens: maxTokens}
}

// Submit implements Backend.
func (a *Anthropic) Submit(ctx context.Context, img model.Image, prompt string) (model.RawResponse, error) {
	temp := 0.0
	resp, err := a.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     a.model,
		MaxTokens: a.maxTokens,
		Messages: []anthropic.Message{{
			Role:    "user",
			Content: prompt,
			Images:  []anthropic.Image{{MediaType: img.MIMEType, Data: img.Data}},
		}},
		Temperature: &temp,
	})
	if err != nil {
		return model.RawResponse{}, classify(err, anthropic.StatusCode(err))
	}
	resp.Usage.LogCost(a.model, "vision.extract")

	if resp.StopReason == "refusal" {
		return model.RawResponse{}, resilience.NewPermanentError(eris.New("vision: anthropic refused the image"), 0)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return model.RawResponse{}, resilience.NewPermanentError(eris.New("vision: anthropic returned no text"), 0)
	}
	return model.RawResponse{Text: text, Format: model.RawJSON, Backend: "anthropic"}, nil
}

// OpenAI submits images to an OpenAI-compatible chat completions endpoint.
type OpenAI struct {
	client openai.Client
}

// NewOpenAI wraps one OpenAI client (one API key).
func NewOpenAI(client openai.Client) *OpenAI {
	return &OpenAI{client: client}
}

// Submit implements Backend.
func (o *OpenAI) Submit(ctx context.Context, img model.Image, prompt string) (model.RawResponse, error) {
	temp := 0.0
	maxTokens := 512
	resp, err := o.client.ChatCompletion(ctx, openai.ChatCompletionRequest{
		Messages: []openai.Message{{
			Role:    "user",
			Content: []openai.ContentPart{openai.TextPart(prompt), openai.ImagePart(img.MIMEType, img.Data)},
		}},
		Temperature:    &temp,
		MaxTokens:      &maxTokens,
		ResponseFormat: &openai.ResponseFormat{Type: "json_object"},
	})
	if err != nil {
		var se *openai.StatusError
		if errors.As(err, &se) {
			return model.RawResponse{}, classify(err, se.StatusCode)
		}
		return model.RawResponse{}, classify(err, 0)
	}

	if len(resp.Choices) == 0 {
		return model.RawResponse{}, resilience.NewPermanentError(eris.New("vision: openai returned no choices"), 0)
	}
	choice := resp.Choices[0]
	if choice.Message.Refusal != "" || choice.FinishReason == "content_filter" {
		return model.RawResponse{}, resilience.NewPermanentError(eris.Errorf("vision: openai refused the image: %s", choice.Message.Refusal), 0)
	}
	text := strings.TrimSpace(choice.Message.Content)
	if text == "" {
		return model.RawResponse{}, resilience.NewPermanentError(eris.New("vision: openai returned no text"), 0)
	}
	return model.RawResponse{Text: text, Format: model.RawJSON, Backend: "openai"}, nil
}

// OCR runs a text-recognition engine. The prompt is ignored and the result
// goes through the pattern-based path.
type OCR struct {
	extractor ocr.Extractor
}

// NewOCR wraps an OCR extractor.
func NewOCR(extractor ocr.Extractor) *OCR {
	return &OCR{extractor: extractor}
}

// Submit implements Backend.
func (o *OCR) Submit(ctx context.Context, img model.Image, _ string) (model.RawResponse, error) {
	text, err := o.extractor.ExtractText(ctx, img)
	if err != nil {
		return model.RawResponse{}, classify(err, 0)
	}
	if strings.TrimSpace(text) == "" {
		return model.RawResponse{}, resilience.NewPermanentError(eris.New("vision: ocr found no text"), 0)
	}
	return model.RawResponse{Text: text, Format: model.RawText, Backend: "ocr"}, nil
}
