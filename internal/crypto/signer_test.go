package crypto

import (
	"encoding/hex"
	"math/big"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Well-known throwaway development key.
const testPrivateKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func newTestSigner(t *testing.T) *Signer {
	t.Helper()
	signer, err := NewSigner(testPrivateKey, 137)
	require.NoError(t, err)
	return signer
}

func TestNewSigner(t *testing.T) {
	signer := newTestSigner(t)
	assert.Equal(t, "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266", signer.Address().Hex())

	t.Run("0x prefix accepted", func(t *testing.T) {
		prefixed, err := NewSigner("0x"+testPrivateKey, 137)
		require.NoError(t, err)
		assert.Equal(t, signer.Address(), prefixed.Address())
	})

	t.Run("invalid key rejected", func(t *testing.T) {
		_, err := NewSigner("not-a-key", 137)
		assert.Error(t, err)
	})
}

func TestSignAuth(t *testing.T) {
	signer := newTestSigner(t)

	sig, err := signer.SignAuth(1700000000, 0)
	require.NoError(t, err)

	require.True(t, strings.HasPrefix(sig, "0x"))
	raw, err := hex.DecodeString(strings.TrimPrefix(sig, "0x"))
	require.NoError(t, err)
	assert.Len(t, raw, 65)
	assert.GreaterOrEqual(t, raw[64], byte(27), "recovery id normalized to 27/28")

	t.Run("deterministic per input", func(t *testing.T) {
		again, err := signer.SignAuth(1700000000, 0)
		require.NoError(t, err)
		assert.Equal(t, sig, again)
	})

	t.Run("varies with timestamp", func(t *testing.T) {
		other, err := signer.SignAuth(1700000001, 0)
		require.NoError(t, err)
		assert.NotEqual(t, sig, other)
	})
}

func TestSignOrder(t *testing.T) {
	signer := newTestSigner(t)

	fields := OrderFields{
		Salt:        big.NewInt(123456789),
		Maker:       signer.Address(),
		TokenID:     mustBig(t, "71321045679252212594626385532706912750332728571942532289631379312455583992563"),
		MakerAmount: big.NewInt(5_000_000),
		TakerAmount: big.NewInt(10_000_000),
		FeeRateBps:  big.NewInt(0),
		Side:        0,
	}

	sig, err := signer.SignOrder(fields)
	require.NoError(t, err)
	raw, err := hex.DecodeString(strings.TrimPrefix(sig, "0x"))
	require.NoError(t, err)
	assert.Len(t, raw, 65)

	t.Run("side changes the signature", func(t *testing.T) {
		flipped := fields
		flipped.Side = 1
		other, err := signer.SignOrder(flipped)
		require.NoError(t, err)
		assert.NotEqual(t, sig, other)
	})

	t.Run("nil big ints treated as zero", func(t *testing.T) {
		sparse := OrderFields{Maker: signer.Address()}
		_, err := signer.SignOrder(sparse)
		assert.NoError(t, err)
	})
}

// Different chains produce different domain separators, hence different
// signatures over identical payloads.
func TestSignerChainSeparation(t *testing.T) {
	polygon, err := NewSigner(testPrivateKey, 137)
	require.NoError(t, err)
	amoy, err := NewSigner(testPrivateKey, 80002)
	require.NoError(t, err)

	a, err := polygon.SignAuth(1700000000, 0)
	require.NoError(t, err)
	b, err := amoy.SignAuth(1700000000, 0)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func mustBig(t *testing.T, s string) *big.Int {
	t.Helper()
	n, ok := new(big.Int).SetString(s, 10)
	require.True(t, ok)
	return n
}
