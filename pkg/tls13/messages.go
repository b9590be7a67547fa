package tls13

import (
	"golang.org/x/crypto/cryptobyte"
)

// Handshake message types.
const (
	typeClientHello         uint8 = 1
	typeServerHello         uint8 = 2
	typeEncryptedExtensions uint8 = 8
	typeCertificate         uint8 = 11
	typeCertificateVerify   uint8 = 15
	typeFinished            uint8 = 20
	typeKeyUpdate           uint8 = 24
)

// Extension identifiers.
const (
	extServerName          uint16 = 0
	extSupportedGroups     uint16 = 10
	extSignatureAlgorithms uint16 = 13
	extSupportedVersions   uint16 = 43
	extKeyShare            uint16 = 51
)

// addHandshakeHeader wraps a body builder in the 4-byte message frame.
func addHandshakeHeader(b *cryptobyte.Builder, msgType uint8, body func(*cryptobyte.Builder)) {
	b.AddUint8(msgType)
	b.AddUint24LengthPrefixed(body)
}

type clientHello struct {
	random          [32]byte
	legacySessionID []byte
	cipherSuites    []uint16
	serverName      string
	keyShareX25519  []byte // 32-byte public key
	sigAlgs         []uint16
	supportsTLS13   bool
	offersX25519    bool
}

func (m *clientHello) marshal() []byte {
	var b cryptobyte.Builder
	addHandshakeHeader(&b, typeClientHello, func(b *cryptobyte.Builder) {
		b.AddUint16(versionTLS12)
		b.AddBytes(m.random[:])
		b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddBytes(m.legacySessionID)
		})
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			for _, cs := range m.cipherSuites {
				b.AddUint16(cs)
			}
		})
		b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddUint8(0) // null compression
		})
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			if m.serverName != "" {
				b.AddUint16(extServerName)
				b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
					b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
						b.AddUint8(0) // host_name
						b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
							b.AddBytes([]byte(m.serverName))
						})
					})
				})
			}
			b.AddUint16(extSupportedGroups)
			b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
				b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
					b.AddUint16(groupX25519)
				})
			})
			b.AddUint16(extSignatureAlgorithms)
			b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
				b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
					for _, alg := range m.sigAlgs {
						b.AddUint16(alg)
					}
				})
			})
			b.AddUint16(extSupportedVersions)
			b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
				b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
					b.AddUint16(versionTLS13)
				})
			})
			b.AddUint16(extKeyShare)
			b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
				b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
					b.AddUint16(groupX25519)
					b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
						b.AddBytes(m.keyShareX25519)
					})
				})
			})
		})
	})
	return mustBytes(&b)
}

func parseClientHello(msg []byte) (*clientHello, error) {
	s := cryptobyte.String(msg)
	var msgType uint8
	var body cryptobyte.String
	if !s.ReadUint8(&msgType) || msgType != typeClientHello ||
		!s.ReadUint24LengthPrefixed(&body) || !s.Empty() {
		return nil, ErrDecodeError
	}

	m := &clientHello{}
	var legacyVersion uint16
	var sessionID, suites, compression cryptobyte.String
	if !body.ReadUint16(&legacyVersion) ||
		!body.CopyBytes(m.random[:]) ||
		!body.ReadUint8LengthPrefixed(&sessionID) ||
		!body.ReadUint16LengthPrefixed(&suites) ||
		!body.ReadUint8LengthPrefixed(&compression) {
		return nil, ErrDecodeError
	}
	m.legacySessionID = append([]byte(nil), sessionID...)
	for !suites.Empty() {
		var cs uint16
		if !suites.ReadUint16(&cs) {
			return nil, ErrDecodeError
		}
		m.cipherSuites = append(m.cipherSuites, cs)
	}

	var exts cryptobyte.String
	if !body.ReadUint16LengthPrefixed(&exts) || !body.Empty() {
		return nil, ErrDecodeError
	}
	for !exts.Empty() {
		var extType uint16
		var extData cryptobyte.String
		if !exts.ReadUint16(&extType) || !exts.ReadUint16LengthPrefixed(&extData) {
			return nil, ErrDecodeError
		}
		switch extType {
		case extServerName:
			var list cryptobyte.String
			if !extData.ReadUint16LengthPrefixed(&list) {
				return nil, ErrDecodeError
			}
			for !list.Empty() {
				var nameType uint8
				var name cryptobyte.String
				if !list.ReadUint8(&nameType) || !list.ReadUint16LengthPrefixed(&name) {
					return nil, ErrDecodeError
				}
				if nameType == 0 {
					m.serverName = string(name)
				}
			}
		case extSupportedVersions:
			var versions cryptobyte.String
			if !extData.ReadUint8LengthPrefixed(&versions) {
				return nil, ErrDecodeError
			}
			for !versions.Empty() {
				var v uint16
				if !versions.ReadUint16(&v) {
					return nil, ErrDecodeError
				}
				if v == versionTLS13 {
					m.supportsTLS13 = true
				}
			}
		case extSupportedGroups:
			var groups cryptobyte.String
			if !extData.ReadUint16LengthPrefixed(&groups) {
				return nil, ErrDecodeError
			}
			for !groups.Empty() {
				var g uint16
				if !groups.ReadUint16(&g) {
					return nil, ErrDecodeError
				}
				if g == groupX25519 {
					m.offersX25519 = true
				}
			}
		case extSignatureAlgorithms:
			var algs cryptobyte.String
			if !extData.ReadUint16LengthPrefixed(&algs) {
				return nil, ErrDecodeError
			}
			for !algs.Empty() {
				var alg uint16
				if !algs.ReadUint16(&alg) {
					return nil, ErrDecodeError
				}
				m.sigAlgs = append(m.sigAlgs, alg)
			}
		case extKeyShare:
			var shares cryptobyte.String
			if !extData.ReadUint16LengthPrefixed(&shares) {
				return nil, ErrDecodeError
			}
			for !shares.Empty() {
				var group uint16
				var share cryptobyte.String
				if !shares.ReadUint16(&group) || !shares.ReadUint16LengthPrefixed(&share) {
					return nil, ErrDecodeError
				}
				if group == groupX25519 {
					m.keyShareX25519 = append([]byte(nil), share...)
				}
			}
		}
	}
	return m, nil
}

type serverHello struct {
	random          [32]byte
	legacySessionID []byte
	cipherSuite     uint16
	keyShareX25519  []byte
	selectedTLS13   bool
}

func (m *serverHello) marshal() []byte {
	var b cryptobyte.Builder
	addHandshakeHeader(&b, typeServerHello, func(b *cryptobyte.Builder) {
		b.AddUint16(versionTLS12)
		b.AddBytes(m.random[:])
		b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddBytes(m.legacySessionID)
		})
		b.AddUint16(m.cipherSuite)
		b.AddUint8(0) // null compression
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddUint16(extSupportedVersions)
			b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
				b.AddUint16(versionTLS13)
			})
			b.AddUint16(extKeyShare)
			b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
				b.AddUint16(groupX25519)
				b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
					b.AddBytes(m.keyShareX25519)
				})
			})
		})
	})
	return mustBytes(&b)
}

func parseServerHello(msg []byte) (*serverHello, error) {
	s := cryptobyte.String(msg)
	var msgType uint8
	var body cryptobyte.String
	if !s.ReadUint8(&msgType) || msgType != typeServerHello ||
		!s.ReadUint24LengthPrefixed(&body) || !s.Empty() {
		return nil, ErrDecodeError
	}

	m := &serverHello{}
	var legacyVersion uint16
	var sessionID cryptobyte.String
	var compression uint8
	if !body.ReadUint16(&legacyVersion) ||
		!body.CopyBytes(m.random[:]) ||
		!body.ReadUint8LengthPrefixed(&sessionID) ||
		!body.ReadUint16(&m.cipherSuite) ||
		!body.ReadUint8(&compression) {
		return nil, ErrDecodeError
	}
	m.legacySessionID = append([]byte(nil), sessionID...)

	var exts cryptobyte.String
	if !body.ReadUint16LengthPrefixed(&exts) || !body.Empty() {
		return nil, ErrDecodeError
	}
	for !exts.Empty() {
		var extType uint16
		var extData cryptobyte.String
		if !exts.ReadUint16(&extType) || !exts.ReadUint16LengthPrefixed(&extData) {
			return nil, ErrDecodeError
		}
		switch extType {
		case extSupportedVersions:
			var v uint16
			if !extData.ReadUint16(&v) {
				return nil, ErrDecodeError
			}
			m.selectedTLS13 = v == versionTLS13
		case extKeyShare:
			var group uint16
			var share cryptobyte.String
			if !extData.ReadUint16(&group) || !extData.ReadUint16LengthPrefixed(&share) {
				return nil, ErrDecodeError
			}
			if group == groupX25519 {
				m.keyShareX25519 = append([]byte(nil), share...)
			}
		}
	}
	return m, nil
}

// marshalEncryptedExtensions builds an empty EncryptedExtensions message.
func marshalEncryptedExtensions() []byte {
	var b cryptobyte.Builder
	addHandshakeHeader(&b, typeEncryptedExtensions, func(b *cryptobyte.Builder) {
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {})
	})
	return mustBytes(&b)
}

func parseEncryptedExtensions(msg []byte) error {
	s := cryptobyte.String(msg)
	var msgType uint8
	var body, exts cryptobyte.String
	if !s.ReadUint8(&msgType) || msgType != typeEncryptedExtensions ||
		!s.ReadUint24LengthPrefixed(&body) || !s.Empty() ||
		!body.ReadUint16LengthPrefixed(&exts) || !body.Empty() {
		return ErrDecodeError
	}
	return nil
}

// marshalCertificate builds a Certificate message from a DER chain,
// leaf first, with an empty request context and no per-cert extensions.
func marshalCertificate(chain [][]byte) []byte {
	var b cryptobyte.Builder
	addHandshakeHeader(&b, typeCertificate, func(b *cryptobyte.Builder) {
		b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) {}) // context
		b.AddUint24LengthPrefixed(func(b *cryptobyte.Builder) {
			for _, cert := range chain {
				b.AddUint24LengthPrefixed(func(b *cryptobyte.Builder) {
					b.AddBytes(cert)
				})
				b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {})
			}
		})
	})
	return mustBytes(&b)
}

func parseCertificate(msg []byte) ([][]byte, error) {
	s := cryptobyte.String(msg)
	var msgType uint8
	var body, context, list cryptobyte.String
	if !s.ReadUint8(&msgType) || msgType != typeCertificate ||
		!s.ReadUint24LengthPrefixed(&body) || !s.Empty() ||
		!body.ReadUint8LengthPrefixed(&context) ||
		!body.ReadUint24LengthPrefixed(&list) || !body.Empty() {
		return nil, ErrDecodeError
	}
	var chain [][]byte
	for !list.Empty() {
		var cert, exts cryptobyte.String
		if !list.ReadUint24LengthPrefixed(&cert) ||
			!list.ReadUint16LengthPrefixed(&exts) {
			return nil, ErrDecodeError
		}
		chain = append(chain, append([]byte(nil), cert...))
	}
	if len(chain) == 0 {
		return nil, ErrDecodeError
	}
	return chain, nil
}

type certificateVerify struct {
	algorithm uint16
	signature []byte
}

func (m *certificateVerify) marshal() []byte {
	var b cryptobyte.Builder
	addHandshakeHeader(&b, typeCertificateVerify, func(b *cryptobyte.Builder) {
		b.AddUint16(m.algorithm)
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddBytes(m.signature)
		})
	})
	return mustBytes(&b)
}

func parseCertificateVerify(msg []byte) (*certificateVerify, error) {
	s := cryptobyte.String(msg)
	var msgType uint8
	var body, sig cryptobyte.String
	m := &certificateVerify{}
	if !s.ReadUint8(&msgType) || msgType != typeCertificateVerify ||
		!s.ReadUint24LengthPrefixed(&body) || !s.Empty() ||
		!body.ReadUint16(&m.algorithm) ||
		!body.ReadUint16LengthPrefixed(&sig) || !body.Empty() {
		return nil, ErrDecodeError
	}
	m.signature = append([]byte(nil), sig...)
	return m, nil
}

func marshalFinished(verifyData []byte) []byte {
	var b cryptobyte.Builder
	addHandshakeHeader(&b, typeFinished, func(b *cryptobyte.Builder) {
		b.AddBytes(verifyData)
	})
	return mustBytes(&b)
}

func parseFinished(msg []byte) ([]byte, error) {
	s := cryptobyte.String(msg)
	var msgType uint8
	var body cryptobyte.String
	if !s.ReadUint8(&msgType) || msgType != typeFinished ||
		!s.ReadUint24LengthPrefixed(&body) || !s.Empty() {
		return nil, ErrDecodeError
	}
	return append([]byte(nil), body...), nil
}

func marshalKeyUpdate(requestUpdate bool) []byte {
	var b cryptobyte.Builder
	addHandshakeHeader(&b, typeKeyUpdate, func(b *cryptobyte.Builder) {
		if requestUpdate {
			b.AddUint8(1)
		} else {
			b.AddUint8(0)
		}
	})
	return mustBytes(&b)
}

func parseKeyUpdate(msg []byte) (requestUpdate bool, err error) {
	s := cryptobyte.String(msg)
	var msgType, req uint8
	var body cryptobyte.String
	if !s.ReadUint8(&msgType) || msgType != typeKeyUpdate ||
		!s.ReadUint24LengthPrefixed(&body) || !s.Empty() ||
		!body.ReadUint8(&req) || !body.Empty() || req > 1 {
		return false, ErrDecodeError
	}
	return req == 1, nil
}

func mustBytes(b *cryptobyte.Builder) []byte {
	out, err := b.Bytes()
	if err != nil {
		panic("tls13: message encoding: " + err.Error())
	}
	return out
}
