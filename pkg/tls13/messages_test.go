package tls13

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientHelloCarriesOffer(t *testing.T) {
	in := &clientHello{
		cipherSuites:   []uint16{TLS_AES_128_GCM_SHA256, TLS_CHACHA20_POLY1305_SHA256},
		serverName:     "example.test",
		keyShareX25519: make([]byte, 32),
		sigAlgs:        []uint16{ECDSA_P256_SHA256, RSA_PSS_RSAE_SHA256},
	}
	copy(in.random[:], "0123456789abcdef0123456789abcdef")
	in.keyShareX25519[0] = 9

	out, err := parseClientHello(in.marshal())
	require.NoError(t, err)
	assert.Equal(t, in.random, out.random)
	assert.Equal(t, in.cipherSuites, out.cipherSuites)
	assert.Equal(t, "example.test", out.serverName)
	assert.Equal(t, in.keyShareX25519, out.keyShareX25519)
	assert.Equal(t, in.sigAlgs, out.sigAlgs)
	assert.True(t, out.supportsTLS13)
	assert.True(t, out.offersX25519)
}

func TestServerHelloSelection(t *testing.T) {
	in := &serverHello{
		cipherSuite:    TLS_CHACHA20_POLY1305_SHA256,
		keyShareX25519: make([]byte, 32),
	}
	in.keyShareX25519[31] = 7

	out, err := parseServerHello(in.marshal())
	require.NoError(t, err)
	assert.Equal(t, TLS_CHACHA20_POLY1305_SHA256, out.cipherSuite)
	assert.Equal(t, in.keyShareX25519, out.keyShareX25519)
	assert.True(t, out.selectedTLS13)
}

func TestCertificateChainOrderPreserved(t *testing.T) {
	chain := [][]byte{{1, 2, 3}, {4, 5}, {6}}
	out, err := parseCertificate(marshalCertificate(chain))
	require.NoError(t, err)
	assert.Equal(t, chain, out)

	_, err = parseCertificate(marshalCertificate(nil))
	assert.ErrorIs(t, err, ErrDecodeError)
}

func TestCertificateVerifyAndFinished(t *testing.T) {
	cv, err := parseCertificateVerify((&certificateVerify{
		algorithm: ECDSA_P256_SHA256,
		signature: []byte{0xde, 0xad},
	}).marshal())
	require.NoError(t, err)
	assert.Equal(t, ECDSA_P256_SHA256, cv.algorithm)
	assert.Equal(t, []byte{0xde, 0xad}, cv.signature)

	vd, err := parseFinished(marshalFinished([]byte{1, 2, 3}))
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, vd)
}

func TestKeyUpdateEncoding(t *testing.T) {
	req, err := parseKeyUpdate(marshalKeyUpdate(true))
	require.NoError(t, err)
	assert.True(t, req)

	req, err = parseKeyUpdate(marshalKeyUpdate(false))
	require.NoError(t, err)
	assert.False(t, req)

	// Any value beyond update_requested is a protocol violation.
	_, err = parseKeyUpdate([]byte{typeKeyUpdate, 0, 0, 1, 2})
	assert.ErrorIs(t, err, ErrDecodeError)
}

func TestTruncatedMessagesRejected(t *testing.T) {
	hello := (&clientHello{
		cipherSuites:   []uint16{TLS_AES_128_GCM_SHA256},
		keyShareX25519: make([]byte, 32),
		sigAlgs:        []uint16{ECDSA_P256_SHA256},
	}).marshal()

	_, err := parseClientHello(hello[:len(hello)-4])
	assert.ErrorIs(t, err, ErrDecodeError)

	_, err = parseServerHello([]byte{typeServerHello, 0, 0, 0})
	assert.ErrorIs(t, err, ErrDecodeError)
}
