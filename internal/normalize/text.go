package normalize

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/sells-group/paylicense/internal/model"
)

// Pattern lists for OCR text from GPay, PhonePe and Paytm screenshots. Within
// a list the first pattern whose first match passes validation wins.
var (
	amountPatterns = compileAll(
		`₹\s*(\d+(?:,\d{3})*(?:\.\d{2})?)`,
		`Rs\.?\s*(\d+(?:,\d{3})*(?:\.\d{2})?)`,
		`INR\s*(\d+(?:,\d{3})*(?:\.\d{2})?)`,
		`Amount[:\s]+₹?\s*(\d+(?:,\d{3})*(?:\.\d{2})?)`,
	)
	// GPay renders the amount as a bare number below the payee's phone
	// number and above "Pay again".
	gpayAmountPatterns = compileAll(
		`\+91\s+\d+\s+\d+\s*\n+\s*(\d+(?:\.\d{2})?)\s*\n`,
		`(\d+(?:\.\d{2})?)\s*\n+\s*@?\s*(?:Pay again|Completed)`,
	)
	refPatterns = compileAll(
		`UPI\s+transaction\s+ID[:\s]*(\d{12})`,
		`transaction\s+ID[:\s]*(\d{12})`,
		`(?:UPI Ref no|UTR|Reference)[:\s]*([A-Z0-9]{9,20})`,
		`Ref\.?\s*No\.?\s*[:\s]*([A-Z0-9]{9,20})`,
		`Transaction\s+ID[:\s]*([A-Z0-9]{9,20})`,
		`(\d{12})`,
	)
	senderPatterns = compileAll(
		`From[:\s]+([A-Z\s]+?)\s*\(`,
		`Paid\s+by[:\s]+([A-Z\s]+?)\s*\(`,
		`from\s+([A-Za-z\s]+?)(?:\s*[-@]|\s*UPI|\s*\()`,
		`Sender[:\s]+([A-Za-z\s]+?)(?:\s*[-@]|\s*\()`,
	)
	recipientPatterns = compileAll(
		`To\s+([A-Z\s]+?)(?:\n|$)`,
		`Paid\s+to[:\s]+([A-Z\s]+?)(?:\n|$)`,
	)
	upiIDPattern = regexp.MustCompile(`(?i)[a-z0-9][a-z0-9._\-]{1,255}@[a-z][a-z0-9]{1,63}`)

	// maxAmount caps any extracted amount; it also keeps values inside the
	// NUMERIC(12,2) amount columns.
	maxAmount  = decimal.NewFromInt(100000)
	titleCaser = cases.Title(language.Und)
)

func compileAll(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile(`(?im)` + p)
	}
	return out
}

// firstMatch returns the first capture of the first pattern whose match
// satisfies accept.
func firstMatch(text string, patterns []*regexp.Regexp, accept func(string) bool) (string, bool) {
	for _, re := range patterns {
		m := re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		if v := strings.TrimSpace(m[1]); accept(v) {
			return v, true
		}
	}
	return "", false
}

func (n *Normalizer) fromText(text string) (model.ExtractionRecord, error) {
	if strings.TrimSpace(text) == "" {
		return model.ExtractionRecord{}, &NormalizationError{Format: model.RawText, Err: eris.New("no text recognized")}
	}

	rec := model.ExtractionRecord{Source: model.SourceText}
	rec.Amount = textAmount(text)

	if ref, ok := firstMatch(text, refPatterns, func(s string) bool {
		return len(s) >= 9 && len(s) <= 20
	}); ok {
		rec.TransactionRef = cleanRef(ref)
	}
	if name, ok := firstMatch(text, senderPatterns, validName); ok {
		rec.SenderName = titleName(name)
	}
	if name, ok := firstMatch(text, recipientPatterns, validName); ok {
		rec.RecipientName = titleName(name)
	}

	return n.finish(rec, n.textUPI(text), -1), nil
}

func textAmount(text string) *decimal.Decimal {
	var amount decimal.Decimal
	accept := func(s string) bool {
		d, err := decimal.NewFromString(strings.ReplaceAll(s, ",", ""))
		if err != nil || !d.IsPositive() || d.GreaterThan(maxAmount) {
			return false
		}
		amount = d
		return true
	}
	if _, ok := firstMatch(text, amountPatterns, accept); ok {
		return &amount
	}
	if _, ok := firstMatch(text, gpayAmountPatterns, accept); ok {
		return &amount
	}
	return nil
}

// textUPI returns the configured UPI id when it appears anywhere in the text.
// OCR output lists both parties' ids without reliable labels, so presence is
// the only usable signal.
func (n *Normalizer) textUPI(text string) string {
	if n.recipientUPI == "" {
		return ""
	}
	for _, id := range upiIDPattern.FindAllString(text, -1) {
		if strings.EqualFold(id, n.recipientUPI) {
			return id
		}
	}
	return ""
}

func validName(s string) bool {
	s = strings.Join(strings.Fields(s), " ")
	l := utf8.RuneCountInString(s)
	return l >= 2 && l <= 50
}

func titleName(s string) *string {
	name := titleCaser.String(strings.ToLower(strings.Join(strings.Fields(s), " ")))
	return &name
}
