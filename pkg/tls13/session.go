package tls13

import (
	"crypto/x509"
	"errors"
	"io"
	"sync"

	"github.com/chobot2014/JSOS-sub007/pkg/logging"
)

// Session is an established secure channel over a byte stream: the record
// layer plus the negotiated parameters. Post-handshake it moves application
// data, services KeyUpdate and turns peer alerts into errors.
//
// A session runs over any io.ReadWriter; production code passes the TCP
// socket, tests pass an in-memory pipe.
//
// One mutex serializes all session operations, and Read holds it across the
// blocking record read. A Write issued while Read waits for a record is
// therefore delayed until that record arrives. This matches the cooperative
// sequential model the sockets are built for; a concurrent writer must not
// depend on its Write completing while a reader sits in Read.
type Session struct {
	mu sync.Mutex

	rl       *recordLayer
	cfg      *Config
	isClient bool

	suite     *cipherSuite
	peerChain []*x509.Certificate

	recvBuf []byte // decrypted application bytes not yet delivered

	keyUpdateEpoch uint32

	closed bool
	err    error // latched fatal error
}

// Client runs the TLS 1.3 client handshake over rw and returns the
// established session.
func Client(rw io.ReadWriter, cfg *Config) (*Session, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	rl := newRecordLayer(rw)
	suite, chain, err := clientHandshake(rl, cfg)
	if err != nil {
		logging.Warnf("tls13: client handshake failed: %v", err)
		return nil, err
	}
	logging.Debugf("tls13: client handshake complete, suite=%#04x", suite.id)
	return &Session{rl: rl, cfg: cfg, isClient: true, suite: suite, peerChain: chain}, nil
}

// Server runs the TLS 1.3 server handshake over rw and returns the
// established session.
func Server(rw io.ReadWriter, cfg *Config) (*Session, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	rl := newRecordLayer(rw)
	suite, err := serverHandshake(rl, cfg)
	if err != nil {
		logging.Warnf("tls13: server handshake failed: %v", err)
		return nil, err
	}
	logging.Debugf("tls13: server handshake complete, suite=%#04x", suite.id)
	return &Session{rl: rl, cfg: cfg, suite: suite}, nil
}

// CipherSuite returns the negotiated suite identifier.
func (s *Session) CipherSuite() uint16 { return s.suite.id }

// PeerCertificates returns the server chain presented during the handshake.
// Empty on the server side.
func (s *Session) PeerCertificates() []*x509.Certificate { return s.peerChain }

// KeyUpdateEpoch counts completed key rotations in either direction.
func (s *Session) KeyUpdateEpoch() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keyUpdateEpoch
}

// Read delivers decrypted application bytes, blocking on the underlying
// stream until at least one byte, EOF or a fatal error.
func (s *Session) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if len(s.recvBuf) > 0 {
			n := copy(p, s.recvBuf)
			s.recvBuf = s.recvBuf[n:]
			return n, nil
		}
		if s.err != nil {
			return 0, s.err
		}
		if s.closed {
			return 0, ErrSessionClosed
		}

		recType, payload, err := s.rl.readRecord()
		if err != nil {
			return 0, s.fatal(err)
		}
		switch recType {
		case recordTypeApplicationData:
			// Empty records are legal; keep reading.
			s.recvBuf = append(s.recvBuf, payload...)
		case recordTypeHandshake:
			if err := s.handlePostHandshake(payload); err != nil {
				return 0, s.fatal(err)
			}
		case recordTypeAlert:
			return 0, s.fatal(alertToError(payload))
		default:
			return 0, s.fatal(ErrUnexpectedMessage)
		}
	}
}

// Write protects p as application data. Fragmentation happens in the record
// layer; the sequence number never repeats under one key.
func (s *Session) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return 0, s.err
	}
	if s.closed {
		return 0, ErrSessionClosed
	}
	if err := s.rl.writeRecord(recordTypeApplicationData, p); err != nil {
		return 0, s.fatal(err)
	}
	return len(p), nil
}

// Close sends close_notify and marks the session finished. The underlying
// stream is left to the caller.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.err != nil {
		return nil
	}
	s.rl.sendAlert(alertCloseNotify)
	s.closed = true
	return nil
}

// KeyUpdate rotates our write keys and tells the peer; with requestPeer set
// the peer is asked to rotate its own write direction too.
func (s *Session) KeyUpdate(requestPeer bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if s.closed {
		return ErrSessionClosed
	}
	if err := s.rl.writeRecord(recordTypeHandshake, marshalKeyUpdate(requestPeer)); err != nil {
		return s.fatal(err)
	}
	if err := s.rl.out.rotate(); err != nil {
		return s.fatal(err)
	}
	s.keyUpdateEpoch++
	logging.Debugf("tls13: local key update, epoch=%d", s.keyUpdateEpoch)
	return nil
}

// handlePostHandshake processes handshake records after the handshake:
// only KeyUpdate is expected. Called with mu held.
func (s *Session) handlePostHandshake(payload []byte) error {
	s.rl.hsBuf = append(s.rl.hsBuf, payload...)
	for len(s.rl.hsBuf) >= 4 {
		msgLen := int(s.rl.hsBuf[1])<<16 | int(s.rl.hsBuf[2])<<8 | int(s.rl.hsBuf[3])
		if len(s.rl.hsBuf) < 4+msgLen {
			return nil // spans records; wait for the rest
		}
		msg := s.rl.hsBuf[:4+msgLen]
		s.rl.hsBuf = s.rl.hsBuf[4+msgLen:]

		if msg[0] != typeKeyUpdate {
			s.rl.sendAlert(alertUnexpectedMessage)
			return ErrUnexpectedMessage
		}
		requested, err := parseKeyUpdate(msg)
		if err != nil {
			s.rl.sendAlert(alertDecodeError)
			return err
		}
		// Peer rotated its write keys; rotate our read direction.
		if err := s.rl.in.rotate(); err != nil {
			return err
		}
		s.keyUpdateEpoch++
		logging.Debugf("tls13: peer key update, epoch=%d", s.keyUpdateEpoch)
		if requested {
			if err := s.rl.writeRecord(recordTypeHandshake, marshalKeyUpdate(false)); err != nil {
				return err
			}
			if err := s.rl.out.rotate(); err != nil {
				return err
			}
			s.keyUpdateEpoch++
		}
	}
	return nil
}

// fatal latches err, sends the matching alert once and returns the latched
// error. Called with mu held.
func (s *Session) fatal(err error) error {
	if s.err != nil {
		return s.err
	}
	if err != io.EOF {
		s.rl.sendAlert(alertForError(err))
		logging.Warnf("tls13: session failed: %v", err)
	}
	s.err = err
	return err
}

func alertForError(err error) alert {
	switch {
	case errors.Is(err, ErrBadRecordMAC):
		return alertBadRecordMAC
	case errors.Is(err, ErrRecordOverflow):
		return alertRecordOverflow
	case errors.Is(err, ErrDecodeError):
		return alertDecodeError
	case errors.Is(err, ErrUnexpectedMessage):
		return alertUnexpectedMessage
	case errors.Is(err, ErrBadCertificate):
		return alertBadCertificate
	default:
		return alertHandshakeFailure
	}
}
