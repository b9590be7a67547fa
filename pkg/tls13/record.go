package tls13

import (
	"crypto/cipher"
	"encoding/binary"
	"fmt"
	"io"
)

// Record content types.
const (
	recordTypeChangeCipherSpec uint8 = 20
	recordTypeAlert            uint8 = 21
	recordTypeHandshake        uint8 = 22
	recordTypeApplicationData  uint8 = 23
)

const (
	recordHeaderLen   = 5
	maxPlaintextLen   = 16384
	maxCiphertextLen  = maxPlaintextLen + 256
	aeadOverhead      = 16 // both suites use a 16-byte tag
	maxSequenceNumber = 1<<64 - 1
)

// halfConn protects one direction of the channel: AEAD, static IV and the
// 64-bit record sequence number. A nil aead means plaintext (pre-handshake).
type halfConn struct {
	suite         *cipherSuite
	aead          cipher.AEAD
	iv            []byte
	seq           uint64
	trafficSecret []byte
}

// setTrafficSecret installs keys derived from secret and resets the
// sequence number, as required both at handshake key changes and KeyUpdate.
func (hc *halfConn) setTrafficSecret(suite *cipherSuite, secret []byte) error {
	key, iv := trafficKeys(suite, secret)
	aead, err := suite.aead(key)
	if err != nil {
		return fmt.Errorf("tls13: aead init: %w", err)
	}
	hc.suite = suite
	hc.aead = aead
	hc.iv = iv
	hc.seq = 0
	hc.trafficSecret = secret
	return nil
}

// rotate derives the next traffic secret generation (KeyUpdate).
func (hc *halfConn) rotate() error {
	return hc.setTrafficSecret(hc.suite, nextTrafficSecret(hc.trafficSecret))
}

// nonce is the static IV XORed with the sequence number in the low 8 bytes.
func (hc *halfConn) nonce() []byte {
	n := make([]byte, ivLen)
	copy(n, hc.iv)
	for i := 0; i < 8; i++ {
		n[ivLen-1-i] ^= byte(hc.seq >> (8 * i))
	}
	return n
}

// recordLayer frames the TLS record protocol over a byte stream. It owns
// one halfConn per direction and reassembles partial records and handshake
// messages spanning record boundaries.
type recordLayer struct {
	rw io.ReadWriter

	in  halfConn
	out halfConn

	// handshake message reassembly across record boundaries
	hsBuf []byte
}

func newRecordLayer(rw io.ReadWriter) *recordLayer {
	return &recordLayer{rw: rw}
}

// writeRecord protects and transmits payload as records of recType,
// fragmenting above the plaintext ceiling.
func (rl *recordLayer) writeRecord(recType uint8, payload []byte) error {
	for {
		frag := payload
		if len(frag) > maxPlaintextLen {
			frag = frag[:maxPlaintextLen]
		}
		if err := rl.writeFragment(recType, frag); err != nil {
			return err
		}
		payload = payload[len(frag):]
		if len(payload) == 0 {
			return nil
		}
	}
}

func (rl *recordLayer) writeFragment(recType uint8, frag []byte) error {
	hc := &rl.out
	var record []byte

	if hc.aead == nil {
		record = make([]byte, recordHeaderLen+len(frag))
		record[0] = recType
		binary.BigEndian.PutUint16(record[1:], versionTLS12)
		binary.BigEndian.PutUint16(record[3:], uint16(len(frag)))
		copy(record[recordHeaderLen:], frag)
	} else {
		if hc.seq == maxSequenceNumber {
			return fmt.Errorf("tls13: outbound sequence number exhausted")
		}
		// Inner plaintext: content ‖ real type; outer type is opaque 23.
		inner := make([]byte, 0, len(frag)+1)
		inner = append(inner, frag...)
		inner = append(inner, recType)

		record = make([]byte, recordHeaderLen, recordHeaderLen+len(inner)+aeadOverhead)
		record[0] = recordTypeApplicationData
		binary.BigEndian.PutUint16(record[1:], versionTLS12)
		binary.BigEndian.PutUint16(record[3:], uint16(len(inner)+aeadOverhead))
		record = hc.aead.Seal(record, hc.nonce(), inner, record[:recordHeaderLen])
		hc.seq++
	}

	_, err := rl.rw.Write(record)
	return err
}

// readRecord blocks for the next record, unprotects it and returns the real
// content type with the plaintext fragment. ChangeCipherSpec compatibility
// records are skipped transparently.
func (rl *recordLayer) readRecord() (uint8, []byte, error) {
	for {
		var hdr [recordHeaderLen]byte
		if _, err := io.ReadFull(rl.rw, hdr[:]); err != nil {
			return 0, nil, err
		}
		recType := hdr[0]
		length := int(binary.BigEndian.Uint16(hdr[3:]))
		if length > maxCiphertextLen {
			return 0, nil, ErrRecordOverflow
		}
		body := make([]byte, length)
		if _, err := io.ReadFull(rl.rw, body); err != nil {
			return 0, nil, err
		}

		if recType == recordTypeChangeCipherSpec {
			// Middlebox compatibility; carries nothing.
			continue
		}

		hc := &rl.in
		if hc.aead == nil {
			return recType, body, nil
		}
		if recType != recordTypeApplicationData {
			// Once keys are installed every record must be protected.
			// Plaintext alerts are only legitimate before that point,
			// handled by the nil-aead path above.
			return 0, nil, ErrUnexpectedMessage
		}

		inner, err := hc.aead.Open(body[:0], hc.nonce(), body, hdr[:])
		if err != nil {
			return 0, nil, ErrBadRecordMAC
		}
		hc.seq++

		// Strip zero padding, then the trailing real content type.
		i := len(inner) - 1
		for i >= 0 && inner[i] == 0 {
			i--
		}
		if i < 0 {
			return 0, nil, ErrBadRecordMAC
		}
		return inner[i], inner[:i], nil
	}
}

// readHandshakeMessage returns the next complete handshake message,
// reassembling across records. Non-handshake records surface as errors,
// except alerts which decode to AlertError.
func (rl *recordLayer) readHandshakeMessage() ([]byte, error) {
	for {
		if len(rl.hsBuf) >= 4 {
			msgLen := int(rl.hsBuf[1])<<16 | int(rl.hsBuf[2])<<8 | int(rl.hsBuf[3])
			if len(rl.hsBuf) >= 4+msgLen {
				msg := rl.hsBuf[:4+msgLen]
				rl.hsBuf = rl.hsBuf[4+msgLen:]
				return msg, nil
			}
		}
		recType, frag, err := rl.readRecord()
		if err != nil {
			return nil, err
		}
		switch recType {
		case recordTypeHandshake:
			if len(frag) == 0 {
				return nil, ErrDecodeError
			}
			rl.hsBuf = append(rl.hsBuf, frag...)
		case recordTypeAlert:
			return nil, alertToError(frag)
		default:
			return nil, ErrUnexpectedMessage
		}
	}
}

// sendAlert emits one fatal (or close_notify) alert record; failures to
// send are ignored because the session is being torn down anyway.
func (rl *recordLayer) sendAlert(a alert) {
	level := byte(2) // fatal
	if a == alertCloseNotify {
		level = 1
	}
	_ = rl.writeRecord(recordTypeAlert, []byte{level, byte(a)})
}

// alertToError maps an inbound alert payload to the session error.
func alertToError(payload []byte) error {
	if len(payload) != 2 {
		return ErrDecodeError
	}
	if alert(payload[1]) == alertCloseNotify {
		return io.EOF
	}
	return &AlertError{Code: payload[1]}
}
