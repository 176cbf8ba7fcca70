package credentials

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sellerpulse/sellerpulse/ingestd/domain"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	cipher, err := NewCipher("process-secret")
	require.NoError(t, err)

	creds := &domain.Credentials{
		Token:            "eyJhbGciOiJFUzI1NiJ9.token",
		OzonClientID:     "12345",
		PerfClientID:     "perf-id",
		PerfClientSecret: "perf-secret",
	}
	envelope, err := cipher.Seal(creds)
	require.NoError(t, err)
	require.NotContains(t, string(envelope), creds.Token)

	got, err := cipher.Open(envelope)
	require.NoError(t, err)
	require.Equal(t, creds, got)
}

func TestEnvelopeNoncesDiffer(t *testing.T) {
	cipher, err := NewCipher("process-secret")
	require.NoError(t, err)

	creds := &domain.Credentials{Token: "t"}
	a, err := cipher.Seal(creds)
	require.NoError(t, err)
	b, err := cipher.Seal(creds)
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestEnvelopeWrongSecret(t *testing.T) {
	sealer, err := NewCipher("secret-a")
	require.NoError(t, err)
	opener, err := NewCipher("secret-b")
	require.NoError(t, err)

	envelope, err := sealer.Seal(&domain.Credentials{Token: "t"})
	require.NoError(t, err)

	_, err = opener.Open(envelope)
	require.ErrorIs(t, err, ErrDecrypt)
}

func TestEnvelopeTamperAndTruncation(t *testing.T) {
	cipher, err := NewCipher("process-secret")
	require.NoError(t, err)

	envelope, err := cipher.Seal(&domain.Credentials{Token: "t"})
	require.NoError(t, err)

	tampered := append([]byte(nil), envelope...)
	tampered[len(tampered)-1] ^= 0x01
	_, err = cipher.Open(tampered)
	require.ErrorIs(t, err, ErrDecrypt)

	_, err = cipher.Open(envelope[:4])
	require.ErrorIs(t, err, ErrDecrypt)
}

func TestStringEnvelopeRoundTrip(t *testing.T) {
	cipher, err := NewCipher("process-secret")
	require.NoError(t, err)

	password := "proxy-p@ssw0rd"
	sealed, err := cipher.SealString(password)
	require.NoError(t, err)
	require.NotContains(t, string(sealed), password)

	got, err := cipher.OpenString(sealed)
	require.NoError(t, err)
	require.Equal(t, password, got)

	// Same nonce discipline as credential envelopes.
	again, err := cipher.SealString(password)
	require.NoError(t, err)
	require.NotEqual(t, sealed, again)
}

func TestStringEnvelopeTamper(t *testing.T) {
	cipher, err := NewCipher("process-secret")
	require.NoError(t, err)

	sealed, err := cipher.SealString("secret")
	require.NoError(t, err)

	sealed[len(sealed)-1] ^= 0x01
	_, err = cipher.OpenString(sealed)
	require.ErrorIs(t, err, ErrDecrypt)

	_, err = cipher.OpenString(sealed[:4])
	require.ErrorIs(t, err, ErrDecrypt)
}

func TestEmptySecretRejected(t *testing.T) {
	_, err := NewCipher("")
	require.Error(t, err)
}
