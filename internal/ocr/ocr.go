// Package ocr recognizes text in payment screenshots for the pattern-based
// extraction path.
package ocr

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/paylicense/internal/config"
	"github.com/sells-group/paylicense/internal/model"
)

// Extractor returns the text visible in an image.
type Extractor interface {
	ExtractText(ctx context.Context, img model.Image) (string, error)
}

// NewExtractor creates an Extractor based on config. A positive timeout bounds
// each ExtractText call.
func NewExtractor(cfg config.OCRConfig, timeout time.Duration) (Extractor, error) {
	switch cfg.Provider {
	case "tesseract", "":
		return NewTesseract(cfg.TesseractPath, timeout), nil
	case "mistral":
		if cfg.MistralKey == "" {
			return nil, eris.New("ocr: mistral provider requires ocr.mistral_key")
		}
		var opts []MistralOption
		if timeout > 0 {
			opts = append(opts, WithMistralTimeout(timeout))
		}
		return NewMistralOCR(cfg.MistralKey, cfg.MistralModel, opts...), nil
	default:
		return nil, eris.Errorf("ocr: unknown provider %q", cfg.Provider)
	}
}
