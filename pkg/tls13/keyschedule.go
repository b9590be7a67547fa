package tls13

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"hash"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// cipherSuite binds a suite identifier to its hash and AEAD constructor.
// Both supported suites hash with SHA-256; they differ only in the cipher.
type cipherSuite struct {
	id     uint16
	keyLen int
	aead   func(key []byte) (cipher.AEAD, error)
}

const (
	hashLen = sha256.Size
	ivLen   = 12
)

var cipherSuites = []*cipherSuite{
	{
		id:     TLS_AES_128_GCM_SHA256,
		keyLen: 16,
		aead: func(key []byte) (cipher.AEAD, error) {
			block, err := aes.NewCipher(key)
			if err != nil {
				return nil, err
			}
			return cipher.NewGCM(block)
		},
	},
	{
		id:     TLS_CHACHA20_POLY1305_SHA256,
		keyLen: chacha20poly1305.KeySize,
		aead:   chacha20poly1305.New,
	},
}

func suiteByID(id uint16) *cipherSuite {
	for _, s := range cipherSuites {
		if s.id == id {
			return s
		}
	}
	return nil
}

func newHash() hash.Hash { return sha256.New() }

// hkdfExtract is HKDF-Extract with SHA-256; nil arguments mean a string of
// hashLen zeros per RFC 8446 §7.1.
func hkdfExtract(secret, salt []byte) []byte {
	if secret == nil {
		secret = make([]byte, hashLen)
	}
	return hkdf.Extract(sha256.New, secret, salt)
}

// hkdfExpandLabel is HKDF-Expand-Label: the label is prefixed with "tls13 "
// and packed with the context into the HkdfLabel structure.
func hkdfExpandLabel(secret []byte, label string, context []byte, length int) []byte {
	hkdfLabel := make([]byte, 0, 2+1+6+len(label)+1+len(context))
	hkdfLabel = append(hkdfLabel, byte(length>>8), byte(length))
	hkdfLabel = append(hkdfLabel, byte(6+len(label)))
	hkdfLabel = append(hkdfLabel, "tls13 "...)
	hkdfLabel = append(hkdfLabel, label...)
	hkdfLabel = append(hkdfLabel, byte(len(context)))
	hkdfLabel = append(hkdfLabel, context...)

	out := make([]byte, length)
	r := hkdf.Expand(sha256.New, secret, hkdfLabel)
	if _, err := r.Read(out); err != nil {
		panic("tls13: HKDF-Expand-Label length overflow: " + err.Error())
	}
	return out
}

// deriveSecret is Derive-Secret(secret, label, transcript): Expand-Label
// keyed by the transcript hash at this point of the handshake.
func deriveSecret(secret []byte, label string, transcriptHash []byte) []byte {
	return hkdfExpandLabel(secret, label, transcriptHash, hashLen)
}

// trafficKeys derives the AEAD write key and static IV from a traffic secret.
func trafficKeys(suite *cipherSuite, trafficSecret []byte) (key, iv []byte) {
	key = hkdfExpandLabel(trafficSecret, "key", nil, suite.keyLen)
	iv = hkdfExpandLabel(trafficSecret, "iv", nil, ivLen)
	return key, iv
}

// nextTrafficSecret derives the post-KeyUpdate generation of a secret.
func nextTrafficSecret(trafficSecret []byte) []byte {
	return hkdfExpandLabel(trafficSecret, "traffic upd", nil, hashLen)
}

// finishedHash computes the Finished verify_data for a handshake traffic
// secret over the current transcript hash.
func finishedHash(baseSecret, transcriptHash []byte) []byte {
	finishedKey := hkdfExpandLabel(baseSecret, "finished", nil, hashLen)
	mac := hmac.New(sha256.New, finishedKey)
	mac.Write(transcriptHash)
	return mac.Sum(nil)
}

// keySchedule walks the TLS 1.3 secret ladder: early → handshake → master,
// with per-stage traffic secrets split off against the running transcript.
type keySchedule struct {
	transcript hash.Hash
	secret     []byte // current stage secret
}

func newKeySchedule() *keySchedule {
	ks := &keySchedule{transcript: newHash()}
	ks.secret = hkdfExtract(nil, nil) // early secret, no PSK
	return ks
}

// addMessage feeds one full handshake message into the transcript.
func (ks *keySchedule) addMessage(msg []byte) {
	ks.transcript.Write(msg)
}

func (ks *keySchedule) transcriptHash() []byte {
	return ks.transcript.Sum(nil)
}

// advance moves to the next stage secret, mixing in ikm (the ECDHE shared
// secret for the handshake stage, nil for the master stage).
func (ks *keySchedule) advance(ikm []byte) {
	derived := deriveSecret(ks.secret, "derived", newHash().Sum(nil))
	ks.secret = hkdfExtract(ikm, derived)
}

// deriveTraffic splits a traffic secret for the given label off the current
// stage secret at the current transcript point.
func (ks *keySchedule) deriveTraffic(label string) []byte {
	return deriveSecret(ks.secret, label, ks.transcriptHash())
}
