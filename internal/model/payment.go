package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Image is a payment screenshot handed in by the transport layer.
type Image struct {
	Data     []byte `json:"-"`
	MIMEType string `json:"mime_type"`
}

// ExtractionSource records which normalization path produced a record.
type ExtractionSource string

const (
	SourceJSON ExtractionSource = "json" // strict-JSON provider response
	SourceText ExtractionSource = "text" // OCR text + pattern extraction
)

// ExtractionRecord is the canonical set of payment fields read from one
// screenshot. Absent fields are nil; absence drives pipeline branching.
type ExtractionRecord struct {
	Amount         *decimal.Decimal `json:"amount,omitempty"`
	TransactionRef *string          `json:"transaction_ref,omitempty"`
	SenderName     *string          `json:"sender_name,omitempty"`
	RecipientName  *string          `json:"recipient_name,omitempty"`
	RecipientValid bool             `json:"recipient_valid"`
	Confidence     float64          `json:"confidence"`
	NeedsReview    bool             `json:"needs_review"`
	Source         ExtractionSource `json:"source"`
	// SchemaViolation describes how a structured provider response missed
	// the extraction contract. Empty when it matched or for OCR text.
	SchemaViolation string `json:"schema_violation,omitempty"`
}

// HasAmount reports whether an amount was extracted.
func (r ExtractionRecord) HasAmount() bool { return r.Amount != nil }

// HasTransactionRef reports whether a valid transaction reference was extracted.
func (r ExtractionRecord) HasTransactionRef() bool { return r.TransactionRef != nil }

// Ref returns the transaction reference or "".
func (r ExtractionRecord) Ref() string {
	if r.TransactionRef == nil {
		return ""
	}
	return *r.TransactionRef
}

// Sender returns the sender name or "".
func (r ExtractionRecord) Sender() string {
	if r.SenderName == nil {
		return ""
	}
	return *r.SenderName
}

// TransactionStatus is the lifecycle state of a persisted transaction.
type TransactionStatus string

const (
	TransactionStatusIssued TransactionStatus = "issued"
)

// TransactionRecord is written exactly once per successful issuance, keyed
// by TransactionRef.
type TransactionRecord struct {
	TransactionRef string            `json:"transaction_ref"`
	Amount         decimal.Decimal   `json:"amount"`
	CreditsAwarded int               `json:"credits_awarded"`
	SenderName     string            `json:"sender_name"`
	IssuerIdentity string            `json:"issuer_identity"`
	CreatedAt      time.Time         `json:"created_at"`
	Status         TransactionStatus `json:"status"`
}

// RawFormat says how a provider response should be normalized.
type RawFormat string

const (
	RawJSON RawFormat = "json"
	RawText RawFormat = "text"
)

// RawResponse is the unparsed output of one successful provider call.
type RawResponse struct {
	Text    string    `json:"text"`
	Format  RawFormat `json:"format"`
	Backend string    `json:"backend"`
}
