// Package tls13 implements the TLS 1.3 secure channel run on top of a TCP
// socket: the record layer with AEAD protection, the HKDF-SHA256 key
// schedule and the client and server handshake state machines.
//
// Only TLS 1.3 is spoken. Key exchange is x25519, record protection is
// AES-128-GCM or ChaCha20-Poly1305, and server authentication uses
// RSA-PSS or ECDSA-P256 certificates validated against a trust store.
package tls13

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"errors"
	"io"
	"time"
)

// Cipher suites offered and accepted, in preference order.
const (
	TLS_AES_128_GCM_SHA256       uint16 = 0x1301
	TLS_CHACHA20_POLY1305_SHA256 uint16 = 0x1303
)

// Signature schemes accepted in CertificateVerify.
const (
	ECDSA_P256_SHA256 uint16 = 0x0403
	RSA_PSS_RSAE_SHA256 uint16 = 0x0804
)

const (
	versionTLS12 uint16 = 0x0303 // legacy version on the wire
	versionTLS13 uint16 = 0x0304

	groupX25519 uint16 = 0x001d
)

// Fatal session failures. Each is latched on the session and returned by
// every operation after the failure.
var (
	// ErrBadRecordMAC reports an AEAD open failure: tampering, truncation
	// or key desynchronization. The session is dead.
	ErrBadRecordMAC = errors.New("tls13: bad record MAC")

	// ErrUnexpectedMessage reports a handshake message arriving in a state
	// that does not admit it.
	ErrUnexpectedMessage = errors.New("tls13: unexpected handshake message")

	// ErrHandshakeFailure reports unusable offered parameters.
	ErrHandshakeFailure = errors.New("tls13: handshake failure")

	// ErrBadCertificate reports a certificate chain that failed validation.
	ErrBadCertificate = errors.New("tls13: bad certificate")

	// ErrDecodeError reports a malformed handshake message.
	ErrDecodeError = errors.New("tls13: decode error")

	// ErrRecordOverflow reports a record longer than the layer permits.
	ErrRecordOverflow = errors.New("tls13: record overflow")

	// ErrSessionClosed reports an operation on a closed session.
	ErrSessionClosed = errors.New("tls13: session closed")
)

// Config carries the knobs a session needs. Zero values select sensible
// defaults everywhere except the server credentials.
type Config struct {
	// ServerName is the hostname the client expects the server's
	// certificate to cover. Required for clients unless
	// InsecureSkipVerify is set.
	ServerName string

	// RootCAs is the trust store for chain validation. nil falls back to
	// the system pool.
	RootCAs *x509.CertPool

	// CertificateChain is the server's DER certificate chain, leaf first.
	CertificateChain [][]byte

	// PrivateKey signs the server CertificateVerify. It must match the
	// leaf certificate (RSA or ECDSA P-256).
	PrivateKey crypto.Signer

	// InsecureSkipVerify disables chain validation. Test use only.
	InsecureSkipVerify bool

	// Rand sources all handshake randomness. nil means crypto/rand.
	Rand io.Reader

	// Time is the validity reference for chain checks. nil means time.Now.
	Time func() time.Time
}

func (c *Config) rng() io.Reader {
	if c != nil && c.Rand != nil {
		return c.Rand
	}
	return rand.Reader
}

func (c *Config) time() time.Time {
	if c != nil && c.Time != nil {
		return c.Time()
	}
	return time.Now()
}
