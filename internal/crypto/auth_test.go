package crypto

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAPICredsHeaders(t *testing.T) {
	creds := &APICreds{
		Key:        "key-1",
		Secret:     base64.StdEncoding.EncodeToString([]byte("super-secret")),
		Passphrase: "phrase",
	}
	const address = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"

	headers := creds.HeadersAt(address, "POST", "/order", `{"order":{}}`, 1700000000)

	assert.Equal(t, address, headers["POLY_ADDRESS"])
	assert.Equal(t, "key-1", headers["POLY_API_KEY"])
	assert.Equal(t, "1700000000", headers["POLY_TIMESTAMP"])
	assert.Equal(t, "phrase", headers["POLY_PASSPHRASE"])
	require.NotEmpty(t, headers["POLY_SIGNATURE"])

	t.Run("deterministic per input", func(t *testing.T) {
		again := creds.HeadersAt(address, "POST", "/order", `{"order":{}}`, 1700000000)
		assert.Equal(t, headers["POLY_SIGNATURE"], again["POLY_SIGNATURE"])
	})

	t.Run("signature covers the body", func(t *testing.T) {
		other := creds.HeadersAt(address, "POST", "/order", `{"order":{"salt":1}}`, 1700000000)
		assert.NotEqual(t, headers["POLY_SIGNATURE"], other["POLY_SIGNATURE"])
	})

	t.Run("signature covers method and path", func(t *testing.T) {
		other := creds.HeadersAt(address, "DELETE", "/order", `{"order":{}}`, 1700000000)
		assert.NotEqual(t, headers["POLY_SIGNATURE"], other["POLY_SIGNATURE"])
	})
}

func TestAPICredsStringRedacts(t *testing.T) {
	creds := &APICreds{Key: "key-1", Secret: "topsecret", Passphrase: "phrase"}
	s := creds.String()
	assert.NotContains(t, s, "topsecret")
	assert.NotContains(t, s, "phrase")
}
