package tls13

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSuiteLookup(t *testing.T) {
	require.NotNil(t, suiteByID(TLS_AES_128_GCM_SHA256))
	require.NotNil(t, suiteByID(TLS_CHACHA20_POLY1305_SHA256))
	assert.Nil(t, suiteByID(0x1302)) // AES-256-GCM-SHA384 not supported
}

func TestExpandLabelProperties(t *testing.T) {
	secret := bytes.Repeat([]byte{0x0b}, hashLen)

	a := hkdfExpandLabel(secret, "key", nil, 16)
	b := hkdfExpandLabel(secret, "key", nil, 16)
	assert.Equal(t, a, b, "derivation must be deterministic")
	assert.Len(t, a, 16)

	c := hkdfExpandLabel(secret, "iv", nil, 16)
	assert.NotEqual(t, a, c, "distinct labels must separate key material")

	d := hkdfExpandLabel(secret, "key", []byte{1}, 16)
	assert.NotEqual(t, a, d, "distinct contexts must separate key material")
}

func TestTrafficKeyLengths(t *testing.T) {
	secret := bytes.Repeat([]byte{0x17}, hashLen)

	for _, suite := range cipherSuites {
		key, iv := trafficKeys(suite, secret)
		assert.Len(t, key, suite.keyLen)
		assert.Len(t, iv, ivLen)

		aead, err := suite.aead(key)
		require.NoError(t, err)
		assert.Equal(t, ivLen, aead.NonceSize())
		assert.Equal(t, aeadOverhead, aead.Overhead())
	}
}

func TestKeyScheduleConvergesOnSharedTranscript(t *testing.T) {
	msgs := [][]byte{
		{typeClientHello, 0, 0, 2, 0xaa, 0xbb},
		{typeServerHello, 0, 0, 1, 0xcc},
	}
	dhe := bytes.Repeat([]byte{0x5a}, 32)

	run := func() (client, server []byte) {
		ks := newKeySchedule()
		for _, m := range msgs {
			ks.addMessage(m)
		}
		ks.advance(dhe)
		return ks.deriveTraffic("c hs traffic"), ks.deriveTraffic("s hs traffic")
	}

	c1, s1 := run()
	c2, s2 := run()
	assert.Equal(t, c1, c2)
	assert.Equal(t, s1, s2)
	assert.NotEqual(t, c1, s1, "directions must not share a secret")
}

func TestTranscriptDivergenceChangesSecrets(t *testing.T) {
	dhe := bytes.Repeat([]byte{0x5a}, 32)

	ks1 := newKeySchedule()
	ks1.addMessage([]byte{typeClientHello, 0, 0, 1, 0x01})
	ks1.advance(dhe)

	ks2 := newKeySchedule()
	ks2.addMessage([]byte{typeClientHello, 0, 0, 1, 0x02})
	ks2.advance(dhe)

	assert.NotEqual(t, ks1.deriveTraffic("c hs traffic"), ks2.deriveTraffic("c hs traffic"))
}

func TestNextTrafficSecretDiffers(t *testing.T) {
	secret := bytes.Repeat([]byte{0x33}, hashLen)
	next := nextTrafficSecret(secret)
	assert.Len(t, next, hashLen)
	assert.NotEqual(t, secret, next)
	assert.NotEqual(t, next, nextTrafficSecret(next))
}

func TestFinishedHashBindsTranscript(t *testing.T) {
	base := bytes.Repeat([]byte{0x44}, hashLen)
	h1 := finishedHash(base, bytes.Repeat([]byte{1}, hashLen))
	h2 := finishedHash(base, bytes.Repeat([]byte{2}, hashLen))
	assert.Len(t, h1, hashLen)
	assert.NotEqual(t, h1, h2)
}
