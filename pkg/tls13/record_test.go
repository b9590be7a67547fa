package tls13

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// linkedRecordLayers returns a sender and receiver sharing one byte stream,
// keyed in the sender→receiver direction with the same traffic secret.
func linkedRecordLayers(t *testing.T, suiteID uint16) (*recordLayer, *recordLayer, *bytes.Buffer) {
	t.Helper()
	suite := suiteByID(suiteID)
	require.NotNil(t, suite)

	buf := &bytes.Buffer{}
	sender := newRecordLayer(buf)
	receiver := newRecordLayer(buf)

	secret := bytes.Repeat([]byte{0x42}, hashLen)
	require.NoError(t, sender.out.setTrafficSecret(suite, secret))
	require.NoError(t, receiver.in.setTrafficSecret(suite, secret))
	return sender, receiver, buf
}

func TestRecordSealOpenRoundTrip(t *testing.T) {
	for _, id := range []uint16{TLS_AES_128_GCM_SHA256, TLS_CHACHA20_POLY1305_SHA256} {
		sender, receiver, _ := linkedRecordLayers(t, id)

		require.NoError(t, sender.writeRecord(recordTypeApplicationData, []byte("attack at dawn")))
		recType, payload, err := receiver.readRecord()
		require.NoError(t, err)
		assert.Equal(t, recordTypeApplicationData, recType)
		assert.Equal(t, "attack at dawn", string(payload))
	}
}

func TestRecordCorruptionDetected(t *testing.T) {
	sender, receiver, buf := linkedRecordLayers(t, TLS_AES_128_GCM_SHA256)

	require.NoError(t, sender.writeRecord(recordTypeApplicationData, []byte("secret")))
	raw := buf.Bytes()
	raw[len(raw)-1] ^= 0x01

	_, _, err := receiver.readRecord()
	assert.ErrorIs(t, err, ErrBadRecordMAC)
}

func TestRecordTruncationDetected(t *testing.T) {
	sender, receiver, buf := linkedRecordLayers(t, TLS_AES_128_GCM_SHA256)

	require.NoError(t, sender.writeRecord(recordTypeApplicationData, []byte("secret")))
	// Shorten the ciphertext but fix the header length so the frame parses.
	raw := buf.Bytes()
	trimmed := append([]byte(nil), raw[:len(raw)-1]...)
	trimmed[3] = byte((len(trimmed) - recordHeaderLen) >> 8)
	trimmed[4] = byte(len(trimmed) - recordHeaderLen)
	buf.Reset()
	buf.Write(trimmed)

	_, _, err := receiver.readRecord()
	assert.ErrorIs(t, err, ErrBadRecordMAC)
}

func TestRecordSequenceAdvances(t *testing.T) {
	sender, receiver, _ := linkedRecordLayers(t, TLS_AES_128_GCM_SHA256)

	first := sender.out.nonce()
	require.NoError(t, sender.writeRecord(recordTypeApplicationData, []byte("one")))
	second := sender.out.nonce()
	assert.NotEqual(t, first, second)

	_, p1, err := receiver.readRecord()
	require.NoError(t, err)
	require.NoError(t, sender.writeRecord(recordTypeApplicationData, []byte("two")))
	_, p2, err := receiver.readRecord()
	require.NoError(t, err)
	assert.Equal(t, "one", string(p1))
	assert.Equal(t, "two", string(p2))
}

func TestRecordReplayRejected(t *testing.T) {
	sender, receiver, buf := linkedRecordLayers(t, TLS_AES_128_GCM_SHA256)

	require.NoError(t, sender.writeRecord(recordTypeApplicationData, []byte("once")))
	replay := append([]byte(nil), buf.Bytes()...)

	_, _, err := receiver.readRecord()
	require.NoError(t, err)

	// The same ciphertext under the advanced receive sequence cannot open.
	buf.Write(replay)
	_, _, err = receiver.readRecord()
	assert.ErrorIs(t, err, ErrBadRecordMAC)
}

func TestKeyRotationResetsSequence(t *testing.T) {
	sender, receiver, _ := linkedRecordLayers(t, TLS_AES_128_GCM_SHA256)

	require.NoError(t, sender.writeRecord(recordTypeApplicationData, []byte("old")))
	_, _, err := receiver.readRecord()
	require.NoError(t, err)

	require.NoError(t, sender.out.rotate())
	require.NoError(t, receiver.in.rotate())
	assert.Zero(t, sender.out.seq)

	require.NoError(t, sender.writeRecord(recordTypeApplicationData, []byte("new")))
	_, payload, err := receiver.readRecord()
	require.NoError(t, err)
	assert.Equal(t, "new", string(payload))
}

func TestStaleKeysFailAfterRotation(t *testing.T) {
	sender, receiver, _ := linkedRecordLayers(t, TLS_AES_128_GCM_SHA256)

	require.NoError(t, sender.out.rotate())
	require.NoError(t, sender.writeRecord(recordTypeApplicationData, []byte("new keys")))

	// Receiver never rotated; the record must not open.
	_, _, err := receiver.readRecord()
	assert.ErrorIs(t, err, ErrBadRecordMAC)
}

func TestForgedPlaintextAlertRejectedUnderKeys(t *testing.T) {
	_, receiver, buf := linkedRecordLayers(t, TLS_AES_128_GCM_SHA256)

	// An attacker who cannot forge a MAC can still write plaintext records
	// onto the wire. A fake fatal handshake_failure alert must not be
	// honored once the receive direction is keyed.
	buf.Write([]byte{recordTypeAlert, 0x03, 0x03, 0x00, 0x02, 2, byte(alertHandshakeFailure)})

	_, _, err := receiver.readRecord()
	assert.ErrorIs(t, err, ErrUnexpectedMessage)
}

func TestPlaintextHandshakeRecordRejectedUnderKeys(t *testing.T) {
	_, receiver, buf := linkedRecordLayers(t, TLS_AES_128_GCM_SHA256)

	buf.Write([]byte{recordTypeHandshake, 0x03, 0x03, 0x00, 0x01, 0x00})

	_, _, err := receiver.readRecord()
	assert.ErrorIs(t, err, ErrUnexpectedMessage)
}

func TestPlaintextFragmentationBoundary(t *testing.T) {
	sender, receiver, _ := linkedRecordLayers(t, TLS_AES_128_GCM_SHA256)

	big := make([]byte, maxPlaintextLen+1)
	for i := range big {
		big[i] = byte(i)
	}
	require.NoError(t, sender.writeRecord(recordTypeApplicationData, big))

	_, p1, err := receiver.readRecord()
	require.NoError(t, err)
	assert.Len(t, p1, maxPlaintextLen)

	_, p2, err := receiver.readRecord()
	require.NoError(t, err)
	assert.Len(t, p2, 1)
	assert.Equal(t, big, append(append([]byte(nil), p1...), p2...))
}

func TestOversizeRecordRejected(t *testing.T) {
	buf := &bytes.Buffer{}
	receiver := newRecordLayer(buf)

	hdr := []byte{recordTypeApplicationData, 0x03, 0x03, 0xff, 0xff}
	buf.Write(hdr)
	buf.Write(make([]byte, 0xffff))

	_, _, err := receiver.readRecord()
	assert.ErrorIs(t, err, ErrRecordOverflow)
}

func TestHandshakeMessageSpansRecords(t *testing.T) {
	buf := &bytes.Buffer{}
	sender := newRecordLayer(buf)
	receiver := newRecordLayer(buf)

	// One 7-byte handshake message split across two plaintext records.
	msg := []byte{typeKeyUpdate, 0, 0, 3, 9, 9, 9}
	require.NoError(t, sender.writeRecord(recordTypeHandshake, msg[:3]))
	require.NoError(t, sender.writeRecord(recordTypeHandshake, msg[3:]))

	got, err := receiver.readHandshakeMessage()
	require.NoError(t, err)
	assert.Equal(t, msg, got)
}
