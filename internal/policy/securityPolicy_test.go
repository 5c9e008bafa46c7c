package policy

import (
	"testing"

	"github.com/awcullen/opcua/ua"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicyLookup(t *testing.T) {
	testCases := []struct {
		name  string
		input string
		want  Policy
	}{
		{name: "None", input: "None", want: None},
		{name: "Basic256Sha256_lowercase", input: "basic256sha256", want: Basic256Sha256},
		{name: "Aes128", input: "Aes128_Sha256_RsaOaep", want: Aes128Sha256RsaOaep},
		{name: "full_uri", input: ua.SecurityPolicyURIBasic256, want: Basic256},
		{name: "unknown", input: "Basic512", want: Invalid},
		{name: "empty", input: "", want: Invalid},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, FromShortName(tc.input))
		})
	}
}

func TestPolicyURIRoundTrip(t *testing.T) {
	for _, p := range []Policy{None, Basic128Rsa15, Basic256, Basic256Sha256, Aes128Sha256RsaOaep, Aes256Sha256RsaPss} {
		uri, err := ToURI(p.String())
		require.NoError(t, err)
		assert.Equal(t, p.URI(), uri)
		assert.Equal(t, p, FromURI(uri))
		assert.True(t, p.Valid())
	}
	_, err := ToURI("nope")
	assert.Error(t, err)
	assert.Equal(t, Invalid, FromURI("http://example.com/#Nope"))
	assert.Equal(t, "Invalid", Invalid.String())
	assert.False(t, Invalid.Valid())
}

func TestParseSecurityMode(t *testing.T) {
	testCases := []struct {
		input   string
		want    ua.MessageSecurityMode
		wantErr bool
	}{
		{input: "None", want: ua.MessageSecurityModeNone},
		{input: "sign", want: ua.MessageSecurityModeSign},
		{input: "SignAndEncrypt", want: ua.MessageSecurityModeSignAndEncrypt},
		{input: "encrypt", wantErr: true},
	}
	for _, tc := range testCases {
		t.Run(tc.input, func(t *testing.T) {
			got, err := ParseSecurityMode(tc.input)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestCheckKeyLength(t *testing.T) {
	assert.NoError(t, None.CheckKeyLength(0))
	assert.NoError(t, Basic256Sha256.CheckKeyLength(256))
	assert.Error(t, Basic256Sha256.CheckKeyLength(128))
	assert.NoError(t, Basic128Rsa15.CheckKeyLength(128))
	assert.Error(t, Invalid.CheckKeyLength(256))
}

func TestNonces(t *testing.T) {
	nonce, err := NewNonce(None)
	require.NoError(t, err)
	assert.Empty(t, nonce)
	assert.NoError(t, ValidateNonce(None, []byte{1, 2, 3}))

	nonce, err = NewNonce(Basic256Sha256)
	require.NoError(t, err)
	assert.Len(t, nonce, 32)
	assert.NoError(t, ValidateNonce(Basic256Sha256, nonce))
	assert.Error(t, ValidateNonce(Basic256Sha256, nonce[:16]))
}
