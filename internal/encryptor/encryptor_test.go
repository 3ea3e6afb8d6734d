package encryptor

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, plain []byte) {
	t.Helper()
	var sealed bytes.Buffer
	n, err := Encrypt(&sealed, bytes.NewReader(plain), "hunter2")
	require.NoError(t, err)
	assert.Equal(t, int64(len(plain)), n)
	assert.NotContains(t, sealed.String(), "secret")

	var out bytes.Buffer
	n, err = Decrypt(&out, bytes.NewReader(sealed.Bytes()), "hunter2")
	require.NoError(t, err)
	assert.Equal(t, int64(len(plain)), n)
	assert.Equal(t, plain, out.Bytes())
}

func TestRoundTrip(t *testing.T) {
	big := make([]byte, 3*frameSize+17)
	_, err := rand.Read(big)
	require.NoError(t, err)

	roundTrip(t, nil)
	roundTrip(t, []byte("a secret"))
	roundTrip(t, bytes.Repeat([]byte("x"), frameSize))
	roundTrip(t, big)
}

func TestDecryptRejectsWrongPassphrase(t *testing.T) {
	var sealed bytes.Buffer
	_, err := Encrypt(&sealed, bytes.NewReader([]byte("a secret")), "hunter2")
	require.NoError(t, err)

	_, err = Decrypt(&bytes.Buffer{}, bytes.NewReader(sealed.Bytes()), "hunter3")
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestDecryptDetectsTruncation(t *testing.T) {
	plain := bytes.Repeat([]byte("y"), 2*frameSize+10)
	var sealed bytes.Buffer
	_, err := Encrypt(&sealed, bytes.NewReader(plain), "pw")
	require.NoError(t, err)

	// Drop the final frame: the stream now ends on a frame boundary.
	frame := frameSize + 16
	cut := sealed.Len() - (10 + 16)
	require.Equal(t, saltSize+prefixSize+2*frame, cut)
	_, err = Decrypt(&bytes.Buffer{}, bytes.NewReader(sealed.Bytes()[:cut]), "pw")
	assert.ErrorIs(t, err, ErrDecrypt)

	// Cut inside a full frame.
	_, err = Decrypt(&bytes.Buffer{}, bytes.NewReader(sealed.Bytes()[:cut-100]), "pw")
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestEmptyPassphrase(t *testing.T) {
	_, err := Encrypt(&bytes.Buffer{}, bytes.NewReader([]byte("x")), "")
	assert.ErrorIs(t, err, ErrEmptyPassphrase)
}
