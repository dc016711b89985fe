package license

import (
	"encoding/base64"
	"testing"

	"github.com/fernet/fernet-go"
	"github.com/stretchr/testify/require"
)

// fernetOpen returns the plaintext of a Fernet token issued by c.
func fernetOpen(t *testing.T, c *Codec, tok []byte) []byte {
	t.Helper()
	msg := fernet.VerifyAndDecrypt(tok, 0, c.keys)
	require.NotNil(t, msg)
	return msg
}

// sealRaw wraps an arbitrary payload the way Encode would.
func sealRaw(t *testing.T, c *Codec, payload []byte) string {
	t.Helper()
	tok, err := fernet.EncryptAndSignAtTime(payload, c.keys[0], c.now())
	require.NoError(t, err)
	return c.prefix + base64.URLEncoding.EncodeToString(tok)
}
