package normalize

import (
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sells-group/paylicense/internal/model"
)

var (
	refKeys       = []string{"transaction_ref", "utr", "upi_transaction_id", "reference"}
	senderKeys    = []string{"sender_name", "sender"}
	recipientKeys = []string{"recipient_name", "recipient"}
)

func (n *Normalizer) fromJSON(text string) (model.ExtractionRecord, error) {
	doc, err := parseObject(text)
	if err != nil {
		return model.ExtractionRecord{}, &NormalizationError{Format: model.RawJSON, Err: err}
	}

	rec := model.ExtractionRecord{Source: model.SourceJSON}
	if verr := validateDocument(doc); verr != nil {
		rec.SchemaViolation = schemaViolation(verr)
		zap.L().Warn("normalize: provider response does not match schema",
			zap.String("violation", rec.SchemaViolation),
		)
	}
	rec.Amount = coerceAmount(doc["amount"])
	if v, ok := first(doc, refKeys); ok {
		rec.TransactionRef = cleanRef(stringify(v))
	}
	if v, ok := first(doc, senderKeys); ok {
		rec.SenderName = cleanName(stringify(v))
	}
	if v, ok := first(doc, recipientKeys); ok {
		rec.RecipientName = cleanName(stringify(v))
	}
	upi := stringify(doc["recipient_upi"])

	conf := -1.0
	if num, ok := doc["confidence"].(json.Number); ok {
		if f, err := num.Float64(); err == nil {
			conf = f
		}
	}
	return n.finish(rec, upi, conf), nil
}

// parseObject decodes the first JSON object in text. Code fences are
// stripped; if the remainder is not a JSON object the first balanced {...}
// substring is tried instead.
func parseObject(text string) (map[string]any, error) {
	cleaned := stripFences(text)
	if doc, err := decodeObject(cleaned); err == nil {
		return doc, nil
	}
	obj, ok := balancedObject(cleaned)
	if !ok {
		return nil, eris.New("no JSON object in response")
	}
	doc, err := decodeObject(obj)
	if err != nil {
		return nil, eris.Wrap(err, "decode embedded object")
	}
	return doc, nil
}

func decodeObject(s string) (map[string]any, error) {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, eris.New("null document")
	}
	if dec.More() {
		return nil, eris.New("trailing data after object")
	}
	return doc, nil
}

// stripFences removes a surrounding markdown code fence.
func stripFences(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	if nl := strings.IndexByte(text, '\n'); nl >= 0 && !strings.ContainsAny(text[:nl], "{[") {
		text = text[nl+1:] // language tag
	}
	if idx := strings.LastIndex(text, "```"); idx >= 0 {
		text = text[:idx]
	}
	return strings.TrimSpace(text)
}

// balancedObject returns the first {...} substring whose braces balance,
// ignoring braces inside JSON strings.
func balancedObject(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	for start >= 0 {
		depth, inString, escaped := 0, false, false
		for i := start; i < len(text); i++ {
			c := text[i]
			switch {
			case escaped:
				escaped = false
			case inString && c == '\\':
				escaped = true
			case c == '"':
				inString = !inString
			case inString:
			case c == '{':
				depth++
			case c == '}':
				depth--
				if depth == 0 {
					return text[start : i+1], true
				}
			}
		}
		next := strings.IndexByte(text[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return "", false
}

func first(doc map[string]any, keys []string) (any, bool) {
	for _, k := range keys {
		if v, ok := doc[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	default:
		return ""
	}
}

var currencyReplacer = strings.NewReplacer(
	"₹", "", "INR", "", "inr", "", "Rs.", "", "rs.", "", "Rs", "", "RS", "", "rs", "",
	",", "", " ", "", "\u00a0", "",
)

// coerceAmount accepts a JSON number or a currency string. Non-numeric,
// non-positive and implausibly large values are treated as absent.
func coerceAmount(v any) *decimal.Decimal {
	var s string
	switch t := v.(type) {
	case json.Number:
		s = t.String()
	case string:
		s = currencyReplacer.Replace(strings.TrimSpace(t))
	default:
		return nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil || !d.IsPositive() || d.GreaterThan(maxAmount) {
		return nil
	}
	return &d
}
