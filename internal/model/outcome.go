package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Outcome is the terminal state of one verification request.
type Outcome string

const (
	OutcomeIssued             Outcome = "issued"
	OutcomeExtractionFailed   Outcome = "extraction_failed"
	OutcomeRecipientInvalid   Outcome = "recipient_invalid"
	OutcomeNeedsReview        Outcome = "needs_review"
	OutcomeDuplicate          Outcome = "duplicate"
	OutcomeAmountMissing      Outcome = "amount_missing"
	OutcomeStorageUnavailable Outcome = "storage_unavailable"
)

// Outcomes lists every terminal state.
var Outcomes = []Outcome{
	OutcomeIssued,
	OutcomeExtractionFailed,
	OutcomeRecipientInvalid,
	OutcomeNeedsReview,
	OutcomeDuplicate,
	OutcomeAmountMissing,
	OutcomeStorageUnavailable,
}

// Valid reports whether o is a known terminal state.
func (o Outcome) Valid() bool {
	for _, known := range Outcomes {
		if o == known {
			return true
		}
	}
	return false
}

// FailureClass distinguishes why extraction failed so users get the right
// guidance.
type FailureClass string

const (
	FailureNone   FailureClass = ""
	FailureBusy   FailureClass = "busy"   // every backend was rate limited or overloaded
	FailureFailed FailureClass = "failed" // hard failure or unreadable screenshot
)

// Message returns the user-facing text for a terminal outcome.
func (o Outcome) Message(class FailureClass) string {
	switch o {
	case OutcomeIssued:
		return "Payment verified. Your license key is valid for 5 minutes."
	case OutcomeExtractionFailed:
		if class == FailureBusy {
			return "Our verification service is busy right now. Please try again in a few minutes."
		}
		return "We could not read this screenshot. Please send a clearer screenshot of the payment confirmation."
	case OutcomeRecipientInvalid:
		return "This payment was not made to our UPI ID. Please check the recipient and try again."
	case OutcomeNeedsReview:
		return "We could not verify this payment automatically. It has been queued for manual review."
	case OutcomeDuplicate:
		return "A license key has already been issued for this transaction."
	case OutcomeAmountMissing:
		return "We could not find the payment amount in this screenshot. Please send a clearer screenshot."
	case OutcomeStorageUnavailable:
		return "We cannot verify payments right now. Please try again later."
	default:
		return "Something went wrong. Please try again or contact support."
	}
}

// VerificationAttempt is the operator-facing log row for one request that
// reached a terminal state.
type VerificationAttempt struct {
	ID             string           `json:"id"`
	Sender         string           `json:"sender"`
	Outcome        Outcome          `json:"outcome"`
	FailureClass   FailureClass     `json:"failure_class,omitempty"`
	TransactionRef string           `json:"transaction_ref,omitempty"`
	Amount         *decimal.Decimal `json:"amount,omitempty"`
	Confidence     float64          `json:"confidence"`
	Credits        int              `json:"credits,omitempty"`
	Detail         string           `json:"detail,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
}
