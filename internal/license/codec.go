// Package license issues and verifies short-lived license tokens that carry
// a transaction reference and a credit amount.
//
// A token is "CP-" followed by the URL-safe base64 encoding of a Fernet token
// whose plaintext is the compact JSON {"u":ref,"c":credits,"e":expiry}. The
// Fernet key is the SHA-256 digest of the configured secret, so tokens are
// interchangeable with any issuer sharing that secret.
package license

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	"github.com/fernet/fernet-go"
	"github.com/rotisserie/eris"
)

const (
	// DefaultPrefix marks tokens issued by this service.
	DefaultPrefix = "CP-"
	// DefaultValidity is how long an issued token can be redeemed.
	DefaultValidity = 5 * time.Minute
)

// ErrNoSecret is returned by NewCodec when the secret is empty.
var ErrNoSecret = eris.New("license: secret is required")

// Claims is the token payload.
type Claims struct {
	Ref       string `json:"u"`
	Credits   int    `json:"c"`
	ExpiresAt int64  `json:"e"`
}

// Expiry returns ExpiresAt as a time.
func (c Claims) Expiry() time.Time { return time.Unix(c.ExpiresAt, 0).UTC() }

// Reason says why a token was rejected.
type Reason string

const (
	ReasonFormat   Reason = "format"   // not base64 or missing the Fernet envelope
	ReasonTampered Reason = "tampered" // authentication failed: wrong secret or modified bytes
	ReasonClaims   Reason = "claims"   // authenticated but the payload is not valid claims
	ReasonExpired  Reason = "expired"
)

// DecodeError is returned for every rejected token.
type DecodeError struct {
	Reason Reason
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err == nil {
		return "license: " + string(e.Reason)
	}
	return "license: " + string(e.Reason) + ": " + e.Err.Error()
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Option configures a Codec.
type Option func(*Codec)

// WithPrefix overrides the token prefix.
func WithPrefix(p string) Option {
	return func(c *Codec) { c.prefix = p }
}

// WithValidity overrides how long issued tokens stay valid.
func WithValidity(d time.Duration) Option {
	return func(c *Codec) {
		if d > 0 {
			c.validity = d
		}
	}
}

// WithClock sets the time source used for issuing and expiry checks.
func WithClock(now func() time.Time) Option {
	return func(c *Codec) { c.now = now }
}

// Codec encodes and decodes license tokens. It is safe for concurrent use.
type Codec struct {
	keys     []*fernet.Key
	prefix   string
	validity time.Duration
	now      func() time.Time
}

// NewCodec derives the token key from secret.
func NewCodec(secret string, opts ...Option) (*Codec, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	key := fernet.Key(sha256.Sum256([]byte(secret)))
	c := &Codec{
		keys:     []*fernet.Key{&key},
		prefix:   DefaultPrefix,
		validity: DefaultValidity,
		now:      time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Validity returns the configured token lifetime.
func (c *Codec) Validity() time.Duration { return c.validity }

// Encode issues a token for ref worth credits, expiring Validity from now.
func (c *Codec) Encode(ref string, credits int) (string, Claims, error) {
	now := c.now()
	claims := Claims{
		Ref:       ref,
		Credits:   credits,
		ExpiresAt: now.Add(c.validity).Unix(),
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", Claims{}, eris.Wrap(err, "license: marshal claims")
	}
	tok, err := fernet.EncryptAndSignAtTime(payload, c.keys[0], now)
	if err != nil {
		return "", Claims{}, eris.Wrap(err, "license: encrypt")
	}
	return c.prefix + base64.URLEncoding.EncodeToString(tok), claims, nil
}

// Decode verifies token and returns its claims. Every failure is a
// *DecodeError. Expired tokens return their claims alongside the error.
func (c *Codec) Decode(token string) (Claims, error) {
	token = strings.TrimPrefix(strings.TrimSpace(token), c.prefix)
	if token == "" {
		return Claims{}, &DecodeError{Reason: ReasonFormat, Err: eris.New("empty token")}
	}

	tok, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		if tok, err = base64.RawURLEncoding.DecodeString(token); err != nil {
			return Claims{}, &DecodeError{Reason: ReasonFormat, Err: err}
		}
	}

	// TTL is enforced from the claims so the injected clock applies.
	payload := fernet.VerifyAndDecrypt(tok, 0, c.keys)
	if payload == nil {
		return Claims{}, &DecodeError{Reason: ReasonTampered}
	}

	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return Claims{}, &DecodeError{Reason: ReasonClaims, Err: err}
	}
	if claims.Ref == "" || claims.ExpiresAt == 0 {
		return Claims{}, &DecodeError{Reason: ReasonClaims, Err: eris.New("missing ref or expiry")}
	}

	if c.now().Unix() > claims.ExpiresAt {
		return claims, &DecodeError{Reason: ReasonExpired}
	}
	return claims, nil
}
