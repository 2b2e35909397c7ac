package provider

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifySignature_Valid(t *testing.T) {
	payload := []byte(`{"action":"opened"}`)
	sig := ComputeSignature("shhh", payload)

	require.NoError(t, VerifySignature("shhh", payload, sig))
}

func TestVerifySignature_StripsSha256Prefix(t *testing.T) {
	payload := []byte(`{"action":"opened"}`)
	sig := "sha256=" + ComputeSignature("shhh", payload)

	require.NoError(t, VerifySignature("shhh", payload, sig))
}

func TestVerifySignature_WrongSecret(t *testing.T) {
	payload := []byte(`{"action":"opened"}`)
	sig := ComputeSignature("shhh", payload)

	err := VerifySignature("other", payload, sig)
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestVerifySignature_TamperedPayload(t *testing.T) {
	sig := ComputeSignature("shhh", []byte(`{"action":"opened"}`))

	err := VerifySignature("shhh", []byte(`{"action":"closed"}`), sig)
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestVerifySignature_CaseInsensitiveHex(t *testing.T) {
	payload := []byte(`{"action":"opened"}`)
	sig := strings.ToUpper(ComputeSignature("shhh", payload))

	require.NoError(t, VerifySignature("shhh", payload, sig))
}

func TestVerifySignature_MalformedHexFails(t *testing.T) {
	payload := []byte(`{"action":"opened"}`)

	assert.ErrorIs(t, VerifySignature("shhh", payload, "not-hex"), ErrBadSignature)
	assert.ErrorIs(t, VerifySignature("shhh", payload, "sha256=zz"), ErrBadSignature)
}

func TestVerifySignature_EmptySignatureFails(t *testing.T) {
	assert.ErrorIs(t, VerifySignature("shhh", []byte("x"), ""), ErrBadSignature)
	assert.ErrorIs(t, VerifySignature("shhh", []byte("x"), "sha256="), ErrBadSignature)
}

func TestComputeSignature_Deterministic(t *testing.T) {
	a := ComputeSignature("secret", []byte("payload"))
	b := ComputeSignature("secret", []byte("payload"))
	assert.Equal(t, a, b)
	assert.Len(t, a, 64) // hex sha256
}
