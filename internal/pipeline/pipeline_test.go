package pipeline

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/paylicense/internal/guard"
	"github.com/sells-group/paylicense/internal/license"
	"github.com/sells-group/paylicense/internal/model"
	"github.com/sells-group/paylicense/internal/normalize"
	"github.com/sells-group/paylicense/internal/store"
	"github.com/sells-group/paylicense/internal/vision"
)

const (
	testSecret = "test-secret"
	testRef    = "600821859735"
)

var (
	testImage = model.Image{Data: []byte("screenshot"), MIMEType: "image/jpeg"}
	fixedNow  = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
)

const gpayJSON = `{"amount": 10, "transaction_ref": "600821859735", "sender_name": "Dharshan L",
 "recipient_name": "Dharani Sundharam", "recipient_upi": "shop@okaxis", "confidence": 0.95}`

// staticExtractor returns the same response or error for every image.
type staticExtractor struct {
	raw model.RawResponse
	err error
}

func (s staticExtractor) Extract(context.Context, model.Image) (vision.Result, error) {
	if s.err != nil {
		return vision.Result{}, s.err
	}
	return vision.Result{Raw: s.raw, Attempts: []vision.ProviderAttempt{{BackendID: s.raw.Backend, Outcome: vision.AttemptSuccess}}}, nil
}

func jsonExtractor(text string) staticExtractor {
	return staticExtractor{raw: model.RawResponse{Text: text, Format: model.RawJSON, Backend: "anthropic"}}
}

type harness struct {
	store *store.SQLiteStore
	codec *license.Codec
}

func newHarness(t *testing.T) harness {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "pipeline.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	codec, err := license.NewCodec(testSecret, license.WithClock(func() time.Time { return fixedNow }))
	require.NoError(t, err)
	return harness{store: st, codec: codec}
}

func (h harness) coordinator(ext Extractor, ts store.TransactionStore) *Coordinator {
	if ts == nil {
		ts = h.store
	}
	norm := normalize.New(normalize.Config{RecipientUPI: "shop@okaxis", RecipientName: "Dharani Sundharam"})
	return New(ext, norm, guard.New(ts), h.codec,
		WithAttemptLog(h.store),
		WithClock(func() time.Time { return fixedNow }),
	)
}

func TestVerify_Issued(t *testing.T) {
	h := newHarness(t)
	c := h.coordinator(jsonExtractor(gpayJSON), nil)

	res := c.Verify(context.Background(), Request{Image: testImage, Sender: "tg:42"})

	require.Equal(t, model.OutcomeIssued, res.Outcome, "err: %v", res.Err)
	assert.Equal(t, 1000, res.Credits)
	assert.Equal(t, "anthropic", res.Backend)
	assert.Equal(t, model.OutcomeIssued.Message(""), res.Message)
	require.NotNil(t, res.Claims)
	assert.Equal(t, testRef, res.Claims.Ref)
	assert.Equal(t, fixedNow.Add(license.DefaultValidity).Unix(), res.Claims.ExpiresAt)

	claims, err := h.codec.Decode(res.Token)
	require.NoError(t, err)
	assert.Equal(t, license.Claims{Ref: testRef, Credits: 1000, ExpiresAt: fixedNow.Add(5 * time.Minute).Unix()}, claims)

	rec, err := h.store.GetTransaction(context.Background(), testRef)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "tg:42", rec.IssuerIdentity)
	assert.Equal(t, "Dharshan L", rec.SenderName)
	assert.Equal(t, 1000, rec.CreditsAwarded)
	assert.True(t, decimal.NewFromInt(10).Equal(rec.Amount))

	attempts, err := h.store.ListAttempts(context.Background(), store.AttemptFilter{})
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, res.RequestID, attempts[0].ID)
	assert.Equal(t, model.OutcomeIssued, attempts[0].Outcome)
	assert.Equal(t, testRef, attempts[0].TransactionRef)
	assert.Equal(t, 1000, attempts[0].Credits)
	assert.Empty(t, attempts[0].Detail)
}

func TestVerify_SchemaViolationLandsInAttemptDetail(t *testing.T) {
	h := newHarness(t)
	// A currency string where a number belongs still coerces, but is noted.
	c := h.coordinator(jsonExtractor(`{"amount": "₹10", "transaction_ref": "600821859735", "sender_name": "Dharshan L",
 "recipient_upi": "shop@okaxis", "confidence": 0.95}`), nil)

	res := c.Verify(context.Background(), Request{Image: testImage, Sender: "tg:42"})
	require.Equal(t, model.OutcomeIssued, res.Outcome, "err: %v", res.Err)
	require.NotNil(t, res.Extraction)
	assert.Contains(t, res.Extraction.SchemaViolation, "/amount")

	attempts, err := h.store.ListAttempts(context.Background(), store.AttemptFilter{})
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.True(t, strings.HasPrefix(attempts[0].Detail, "schema: /amount"), attempts[0].Detail)
}

func TestVerify_SecondRequestIsDuplicate(t *testing.T) {
	h := newHarness(t)
	c := h.coordinator(jsonExtractor(gpayJSON), nil)

	first := c.Verify(context.Background(), Request{Image: testImage, Sender: "tg:42"})
	require.Equal(t, model.OutcomeIssued, first.Outcome)

	second := c.Verify(context.Background(), Request{Image: testImage, Sender: "tg:77"})
	assert.Equal(t, model.OutcomeDuplicate, second.Outcome)
	assert.Empty(t, second.Token)
	assert.Zero(t, second.Credits)
	require.NotNil(t, second.Previous)
	assert.Equal(t, "tg:42", second.Previous.IssuerIdentity)
	assert.Equal(t, 1000, second.Previous.CreditsAwarded)
}

func TestVerify_ConcurrentRequestsIssueOnce(t *testing.T) {
	h := newHarness(t)
	c := h.coordinator(jsonExtractor(gpayJSON), nil)

	const n = 6
	results := make([]Result, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = c.Verify(context.Background(), Request{Image: testImage, Sender: "tg:1"})
		}(i)
	}
	wg.Wait()

	counts := map[model.Outcome]int{}
	for _, r := range results {
		counts[r.Outcome]++
	}
	assert.Equal(t, 1, counts[model.OutcomeIssued])
	assert.Equal(t, n-1, counts[model.OutcomeDuplicate])
}

func TestVerify_Outcomes(t *testing.T) {
	tests := []struct {
		name      string
		extractor staticExtractor
		outcome   model.Outcome
		class     model.FailureClass
	}{
		{
			name:      "all providers busy",
			extractor: staticExtractor{err: &vision.ExhaustedError{Class: model.FailureBusy}},
			outcome:   model.OutcomeExtractionFailed,
			class:     model.FailureBusy,
		},
		{
			name:      "all providers failed",
			extractor: staticExtractor{err: &vision.ExhaustedError{Class: model.FailureFailed}},
			outcome:   model.OutcomeExtractionFailed,
			class:     model.FailureFailed,
		},
		{
			name:      "empty image",
			extractor: staticExtractor{err: vision.ErrEmptyImage},
			outcome:   model.OutcomeExtractionFailed,
			class:     model.FailureFailed,
		},
		{
			name:      "unparseable response",
			extractor: jsonExtractor("I cannot read this image"),
			outcome:   model.OutcomeExtractionFailed,
			class:     model.FailureFailed,
		},
		{
			name:      "wrong recipient",
			extractor: jsonExtractor(`{"amount": 10, "transaction_ref": "600821859735", "recipient_name": "Someone Else", "recipient_upi": "other@ybl", "confidence": 0.95}`),
			outcome:   model.OutcomeRecipientInvalid,
		},
		{
			name:      "low confidence",
			extractor: jsonExtractor(`{"amount": 10, "transaction_ref": "600821859735", "recipient_upi": "shop@okaxis", "confidence": 0.5}`),
			outcome:   model.OutcomeNeedsReview,
		},
		{
			name:      "missing reference",
			extractor: jsonExtractor(`{"amount": 10, "transaction_ref": null, "recipient_upi": "shop@okaxis", "confidence": 0.99}`),
			outcome:   model.OutcomeNeedsReview,
		},
		{
			name:      "missing amount",
			extractor: jsonExtractor(`{"amount": null, "transaction_ref": "600821859735", "recipient_upi": "shop@okaxis", "confidence": 0.9}`),
			outcome:   model.OutcomeAmountMissing,
		},
		{
			name:      "amount worth no credits",
			extractor: jsonExtractor(`{"amount": "0.001", "transaction_ref": "600821859735", "recipient_upi": "shop@okaxis", "confidence": 0.9}`),
			outcome:   model.OutcomeAmountMissing,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			res := h.coordinator(tt.extractor, nil).Verify(context.Background(), Request{Image: testImage, Sender: "tg:1"})

			assert.Equal(t, tt.outcome, res.Outcome)
			assert.Equal(t, tt.class, res.FailureClass)
			assert.Equal(t, tt.outcome.Message(tt.class), res.Message)
			assert.Empty(t, res.Token)

			rec, err := h.store.GetTransaction(context.Background(), testRef)
			require.NoError(t, err)
			assert.Nil(t, rec, "only issued requests persist a transaction")

			attempts, err := h.store.ListAttempts(context.Background(), store.AttemptFilter{Outcome: tt.outcome})
			require.NoError(t, err)
			assert.Len(t, attempts, 1)
		})
	}
}

func TestVerify_ValidationOrder(t *testing.T) {
	// Wrong recipient wins over low confidence and a missing amount.
	h := newHarness(t)
	res := h.coordinator(jsonExtractor(`{"amount": null, "transaction_ref": null, "recipient_upi": "other@ybl", "confidence": 0.1}`), nil).
		Verify(context.Background(), Request{Image: testImage, Sender: "tg:1"})
	assert.Equal(t, model.OutcomeRecipientInvalid, res.Outcome)
}

// scriptedStore lets tests fail or race the transaction store.
type scriptedStore struct {
	getErr    error
	insertErr error
	previous  *model.TransactionRecord
	gets      int
}

func (s *scriptedStore) GetTransaction(context.Context, string) (*model.TransactionRecord, error) {
	s.gets++
	if s.getErr != nil {
		return nil, s.getErr
	}
	if s.gets > 1 {
		return s.previous, nil
	}
	return nil, nil
}

func (s *scriptedStore) InsertTransaction(context.Context, model.TransactionRecord) error {
	return s.insertErr
}

func TestVerify_StorageUnavailableOnCheck(t *testing.T) {
	h := newHarness(t)
	ts := &scriptedStore{getErr: eris.New("connection refused")}

	res := h.coordinator(jsonExtractor(gpayJSON), ts).Verify(context.Background(), Request{Image: testImage, Sender: "tg:1"})
	assert.Equal(t, model.OutcomeStorageUnavailable, res.Outcome)
	assert.Empty(t, res.Token)
	var sue *guard.StorageUnavailableError
	assert.ErrorAs(t, res.Err, &sue)
}

func TestVerify_StorageUnavailableOnCommit(t *testing.T) {
	h := newHarness(t)
	ts := &scriptedStore{insertErr: eris.New("disk full")}

	res := h.coordinator(jsonExtractor(gpayJSON), ts).Verify(context.Background(), Request{Image: testImage, Sender: "tg:1"})
	assert.Equal(t, model.OutcomeStorageUnavailable, res.Outcome)
	assert.Empty(t, res.Token, "token is discarded when the record cannot be written")
}

func TestVerify_LostInsertRace(t *testing.T) {
	h := newHarness(t)
	prev := &model.TransactionRecord{TransactionRef: testRef, IssuerIdentity: "tg:other", CreditsAwarded: 1000}
	ts := &scriptedStore{insertErr: store.ErrDuplicate, previous: prev}

	res := h.coordinator(jsonExtractor(gpayJSON), ts).Verify(context.Background(), Request{Image: testImage, Sender: "tg:1"})
	assert.Equal(t, model.OutcomeDuplicate, res.Outcome)
	assert.Empty(t, res.Token)
	assert.Same(t, prev, res.Previous)
}

func TestVerify_TextPath(t *testing.T) {
	h := newHarness(t)
	ocrText := "To Dharani Sundharam\n₹49\nCompleted\nUPI transaction ID\n600821859735\nGoogle Pay • shop@okaxis\nFrom: DHARSHAN L (State Bank of India)\n"
	ext := staticExtractor{raw: model.RawResponse{Text: ocrText, Format: model.RawText, Backend: "ocr"}}

	res := h.coordinator(ext, nil).Verify(context.Background(), Request{Image: testImage, Sender: "tg:5"})
	require.Equal(t, model.OutcomeIssued, res.Outcome, "extraction: %+v err: %v", res.Extraction, res.Err)
	assert.Equal(t, 7000, res.Credits)
	assert.Equal(t, "ocr", res.Backend)
	assert.Equal(t, model.SourceText, res.Extraction.Source)
	assert.Equal(t, "Dharshan L", res.Extraction.Sender())
}
