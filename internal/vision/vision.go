// Package vision submits payment screenshots to extraction backends, rotating
// credentials and falling back across providers until one answers.
package vision

import (
	"context"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/paylicense/internal/model"
)

// Prompt asks a vision model for a single JSON object describing the payment.
const Prompt = `You are reading a screenshot of a UPI payment confirmation (GPay, PhonePe, Paytm or similar).
Return ONLY one JSON object, no prose and no code fences, with exactly these keys:
{
  "amount": number or null,          // amount paid in rupees, no currency symbol
  "transaction_ref": string or null, // the 12-digit UPI transaction ID / UTR, digits only
  "sender_name": string or null,     // the payer as shown in "From"
  "recipient_name": string or null,  // the payee as shown in "To"
  "recipient_upi": string or null,   // the payee UPI id, e.g. name@bank
  "confidence": number               // 0 to 1, how sure you are the fields are correct
}
Use null for anything that is not clearly visible. Do not guess digits.`

// Backend is one credential of one extraction provider.
type Backend interface {
	Submit(ctx context.Context, img model.Image, prompt string) (model.RawResponse, error)
}

// Pool groups the credentials of one provider.
type Pool struct {
	ID          string
	Credentials []Backend
}

// AttemptOutcome is the classified result of one provider call.
type AttemptOutcome string

const (
	AttemptSuccess   AttemptOutcome = "success"
	AttemptTransient AttemptOutcome = "transient"
	AttemptPermanent AttemptOutcome = "permanent"
)

// ProviderAttempt records one call. CredentialIndex is a position in the
// pool, never the key itself.
type ProviderAttempt struct {
	BackendID       string
	CredentialIndex int
	Outcome         AttemptOutcome
	Err             error
}

// ErrEmptyImage is returned before any outbound call when the image has no bytes.
var ErrEmptyImage = eris.New("vision: empty image")

// ExhaustedError is returned when every credential of every provider failed.
type ExhaustedError struct {
	Class    model.FailureClass
	Attempts []ProviderAttempt
}

func (e *ExhaustedError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "vision: all providers exhausted (%s) after %d attempts", e.Class, len(e.Attempts))
	if last := e.last(); last != nil && last.Err != nil {
		fmt.Fprintf(&b, ": %s#%d: %v", last.BackendID, last.CredentialIndex, last.Err)
	}
	return b.String()
}

func (e *ExhaustedError) Unwrap() error {
	if last := e.last(); last != nil {
		return last.Err
	}
	return nil
}

func (e *ExhaustedError) last() *ProviderAttempt {
	if len(e.Attempts) == 0 {
		return nil
	}
	return &e.Attempts[len(e.Attempts)-1]
}

// Result is a successful extraction plus the attempts it took.
type Result struct {
	Raw      model.RawResponse
	Attempts []ProviderAttempt
}
