package normalize

import (
	"errors"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// responseSchema is the contract the extraction prompt asks providers to
// honor. Documents that miss it are still coerced; the mismatch is kept on
// the record and lands in the attempt log so prompt drift shows up.
const responseSchema = `{
  "type": "object",
  "properties": {
    "amount":          {"type": ["number", "null"], "exclusiveMinimum": 0, "maximum": 100000},
    "transaction_ref": {"type": ["string", "null"], "pattern": "^[0-9]{12}$"},
    "sender_name":     {"type": ["string", "null"], "minLength": 1},
    "recipient_name":  {"type": ["string", "null"]},
    "recipient_upi":   {"type": ["string", "null"]},
    "confidence":      {"type": "number", "minimum": 0, "maximum": 1}
  },
  "required": ["amount", "transaction_ref", "sender_name"]
}`

var compiledSchema = jsonschema.MustCompileString("payment_extraction.json", responseSchema)

// validateDocument checks doc against the response contract.
func validateDocument(doc map[string]any) error {
	return compiledSchema.Validate(doc)
}

// schemaViolation flattens a validation failure into one line naming each
// offending field, e.g. "/amount: expected number or null, but got string".
func schemaViolation(err error) string {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return err.Error()
	}
	var parts []string
	collectCauses(verr, &parts)
	return strings.Join(parts, "; ")
}

func collectCauses(verr *jsonschema.ValidationError, parts *[]string) {
	if len(verr.Causes) == 0 {
		loc := verr.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		*parts = append(*parts, loc+": "+verr.Message)
		return
	}
	for _, c := range verr.Causes {
		collectCauses(c, parts)
	}
}
