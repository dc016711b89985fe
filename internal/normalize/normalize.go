// Package normalize turns raw provider output into an ExtractionRecord and
// scores how much the record can be trusted.
package normalize

import (
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/paylicense/internal/model"
)

// DefaultReviewThreshold is the confidence below which a record is routed to
// manual review.
const DefaultReviewThreshold = 0.7

// Config holds the expected recipient and the review threshold.
type Config struct {
	RecipientName   string
	RecipientUPI    string
	ReviewThreshold float64
}

// NormalizationError means the provider answered but the answer could not be
// turned into payment fields.
type NormalizationError struct {
	Format model.RawFormat
	Err    error
}

func (e *NormalizationError) Error() string {
	return "normalize: " + string(e.Format) + ": " + e.Err.Error()
}

func (e *NormalizationError) Unwrap() error { return e.Err }

// Normalizer is stateless after construction and safe for concurrent use.
type Normalizer struct {
	cfg           Config
	recipientName string
	recipientUPI  string
}

// New creates a Normalizer. A zero ReviewThreshold selects the default.
func New(cfg Config) *Normalizer {
	if cfg.ReviewThreshold <= 0 || cfg.ReviewThreshold > 1 {
		cfg.ReviewThreshold = DefaultReviewThreshold
	}
	return &Normalizer{
		cfg:           cfg,
		recipientName: foldName(cfg.RecipientName),
		recipientUPI:  strings.ToLower(strings.TrimSpace(cfg.RecipientUPI)),
	}
}

// Normalize dispatches on the response format.
func (n *Normalizer) Normalize(raw model.RawResponse) (model.ExtractionRecord, error) {
	switch raw.Format {
	case model.RawJSON, "":
		return n.fromJSON(raw.Text)
	case model.RawText:
		return n.fromText(raw.Text)
	default:
		return model.ExtractionRecord{}, &NormalizationError{
			Format: raw.Format,
			Err:    eris.Errorf("unknown format %q", raw.Format),
		}
	}
}

// finish applies recipient validation and scoring shared by both paths.
// providerConfidence is negative when the provider did not supply one.
func (n *Normalizer) finish(rec model.ExtractionRecord, recipientUPI string, providerConfidence float64) model.ExtractionRecord {
	rec.RecipientValid = n.recipientMatches(rec.RecipientName, recipientUPI)
	if providerConfidence >= 0 && providerConfidence <= 1 {
		rec.Confidence = providerConfidence
	} else {
		rec.Confidence = Score(rec)
	}
	rec.NeedsReview = rec.Confidence < n.cfg.ReviewThreshold || !rec.HasTransactionRef()
	return rec
}

// recipientMatches compares against the configured identity. With nothing
// configured every recipient is accepted.
func (n *Normalizer) recipientMatches(name *string, upi string) bool {
	if n.recipientName == "" && n.recipientUPI == "" {
		return true
	}
	if n.recipientUPI != "" && strings.EqualFold(strings.TrimSpace(upi), n.recipientUPI) {
		return true
	}
	return n.recipientName != "" && name != nil && foldName(*name) == n.recipientName
}

// Score is the fallback confidence: 0.5 for an amount, 0.4 for a reference,
// 0.1 for a sender name.
func Score(rec model.ExtractionRecord) float64 {
	var score float64
	if rec.HasAmount() {
		score += 0.5
	}
	if rec.HasTransactionRef() {
		score += 0.4
	}
	if rec.SenderName != nil {
		score += 0.1
	}
	return score
}

// foldName lowercases, drops punctuation and collapses whitespace so
// "DHARANI  SUNDHARAM," and "Dharani Sundharam" compare equal.
func foldName(s string) string {
	s = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r > 0x7f:
			return r
		default:
			return ' '
		}
	}, strings.ToLower(s))
	return strings.Join(strings.Fields(s), " ")
}

// cleanName trims and collapses whitespace, returning nil when empty.
func cleanName(s string) *string {
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return nil
	}
	return &s
}

// cleanRef keeps digits only and accepts exactly 12 of them.
func cleanRef(s string) *string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() != 12 {
		return nil
	}
	ref := b.String()
	return &ref
}
