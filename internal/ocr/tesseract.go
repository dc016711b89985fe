package ocr

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/paylicense/internal/model"
	"github.com/sells-group/paylicense/internal/resilience"
)

// pageSegModes are tried in order; the longest output wins. Payment apps mix
// a uniform text block (6), a single column (4) and free layout (3).
var pageSegModes = []string{"6", "4", "3"}

// Tesseract runs the tesseract CLI, feeding the image on stdin.
type Tesseract struct {
	binPath string
	timeout time.Duration
}

// NewTesseract creates a Tesseract extractor. If binPath is empty, "tesseract"
// is used. A positive timeout bounds all passes of one ExtractText call.
func NewTesseract(binPath string, timeout time.Duration) *Tesseract {
	if binPath == "" {
		binPath = "tesseract"
	}
	return &Tesseract{binPath: binPath, timeout: timeout}
}

// ExtractText runs one pass per page segmentation mode and returns the
// longest result. When the deadline cuts the passes short, text from the
// passes already finished is still returned.
func (t *Tesseract) ExtractText(ctx context.Context, img model.Image) (string, error) {
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	var best string
	var lastErr error
	for _, psm := range pageSegModes {
		text, err := t.run(ctx, img.Data, psm)
		if err != nil {
			if ctx.Err() != nil {
				if best != "" {
					return best, nil
				}
				return "", resilience.NewTransientError(eris.Wrap(ctx.Err(), "ocr: tesseract"), 0)
			}
			lastErr = err
			continue
		}
		if len(text) > len(best) {
			best = text
		}
	}
	if best == "" && lastErr != nil {
		return "", resilience.NewPermanentError(lastErr, 0)
	}
	return best, nil
}

func (t *Tesseract) run(ctx context.Context, data []byte, psm string) (string, error) {
	cmd := exec.CommandContext(ctx, t.binPath, "stdin", "stdout", "-l", "eng", "--oem", "3", "--psm", psm)
	cmd.Stdin = bytes.NewReader(data)
	// Children of a killed tesseract must not hold the pipes open past the deadline.
	cmd.WaitDelay = 100 * time.Millisecond

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		var execErr *exec.Error
		if errors.As(err, &execErr) {
			return "", eris.Wrapf(err, "ocr: tesseract binary %s", t.binPath)
		}
		return "", eris.Wrapf(err, "ocr: tesseract failed: %s", stderr.String())
	}
	return stdout.String(), nil
}
