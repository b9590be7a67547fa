package tls13

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"

	"github.com/chobot2014/JSOS-sub007/pkg/logging"
)

const (
	serverSignatureContext = "TLS 1.3, server CertificateVerify"
)

// signatureContent builds the octet string CertificateVerify signs:
// 64 spaces, the context string, a zero byte and the transcript hash.
func signatureContent(context string, transcriptHash []byte) []byte {
	content := make([]byte, 0, 64+len(context)+1+len(transcriptHash))
	for i := 0; i < 64; i++ {
		content = append(content, 0x20)
	}
	content = append(content, context...)
	content = append(content, 0)
	content = append(content, transcriptHash...)
	return content
}

// generateKeyShare produces an x25519 private scalar and its public point.
func generateKeyShare(rng io.Reader) (priv, pub []byte, err error) {
	priv = make([]byte, curve25519.ScalarSize)
	if _, err := io.ReadFull(rng, priv); err != nil {
		return nil, nil, fmt.Errorf("tls13: key share: %w", err)
	}
	pub, err = curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, fmt.Errorf("tls13: key share: %w", err)
	}
	return priv, pub, nil
}

// sharedSecret completes the x25519 exchange with the peer's public point.
func sharedSecret(priv, peerPub []byte) ([]byte, error) {
	if len(peerPub) != curve25519.PointSize {
		return nil, ErrHandshakeFailure
	}
	shared, err := curve25519.X25519(priv, peerPub)
	if err != nil {
		return nil, ErrHandshakeFailure
	}
	return shared, nil
}

// signHandshake produces the CertificateVerify signature with the server's
// key, picking the scheme that matches the key type.
func signHandshake(key crypto.Signer, rng io.Reader, transcriptHash []byte) (uint16, []byte, error) {
	digest := sha256.Sum256(signatureContent(serverSignatureContext, transcriptHash))

	switch key.Public().(type) {
	case *rsa.PublicKey:
		opts := &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: crypto.SHA256}
		sig, err := key.Sign(rng, digest[:], opts)
		if err != nil {
			return 0, nil, fmt.Errorf("tls13: sign: %w", err)
		}
		return RSA_PSS_RSAE_SHA256, sig, nil
	case *ecdsa.PublicKey:
		sig, err := key.Sign(rng, digest[:], crypto.SHA256)
		if err != nil {
			return 0, nil, fmt.Errorf("tls13: sign: %w", err)
		}
		return ECDSA_P256_SHA256, sig, nil
	default:
		return 0, nil, fmt.Errorf("tls13: unsupported private key type %T", key.Public())
	}
}

// verifyHandshakeSignature checks a CertificateVerify signature against the
// peer's leaf public key.
func verifyHandshakeSignature(leaf *x509.Certificate, algorithm uint16, transcriptHash, sig []byte) error {
	digest := sha256.Sum256(signatureContent(serverSignatureContext, transcriptHash))

	switch algorithm {
	case RSA_PSS_RSAE_SHA256:
		pub, ok := leaf.PublicKey.(*rsa.PublicKey)
		if !ok {
			return ErrBadCertificate
		}
		opts := &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: crypto.SHA256}
		if err := rsa.VerifyPSS(pub, crypto.SHA256, digest[:], sig, opts); err != nil {
			return ErrBadCertificate
		}
	case ECDSA_P256_SHA256:
		pub, ok := leaf.PublicKey.(*ecdsa.PublicKey)
		if !ok || pub.Curve != elliptic.P256() {
			return ErrBadCertificate
		}
		if !ecdsa.VerifyASN1(pub, digest[:], sig) {
			return ErrBadCertificate
		}
	default:
		return ErrHandshakeFailure
	}
	return nil
}

// verifyChain parses the DER chain and validates the leaf against the trust
// store and the expected server name.
func verifyChain(cfg *Config, derChain [][]byte) ([]*x509.Certificate, error) {
	certs := make([]*x509.Certificate, 0, len(derChain))
	for _, der := range derChain {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, ErrBadCertificate
		}
		certs = append(certs, cert)
	}
	if cfg.InsecureSkipVerify {
		return certs, nil
	}

	intermediates := x509.NewCertPool()
	for _, c := range certs[1:] {
		intermediates.AddCert(c)
	}
	opts := x509.VerifyOptions{
		DNSName:       cfg.ServerName,
		Roots:         cfg.RootCAs,
		Intermediates: intermediates,
		CurrentTime:   cfg.time(),
	}
	if _, err := certs[0].Verify(opts); err != nil {
		logging.Debugf("tls13: chain validation failed: %v", err)
		return nil, fmt.Errorf("%w: %v", ErrBadCertificate, err)
	}
	return certs, nil
}

// clientHandshake drives the client state machine over rl and returns the
// negotiated suite and the peer chain.
func clientHandshake(rl *recordLayer, cfg *Config) (*cipherSuite, []*x509.Certificate, error) {
	rng := cfg.rng()

	priv, pub, err := generateKeyShare(rng)
	if err != nil {
		return nil, nil, err
	}
	hello := &clientHello{
		cipherSuites:   []uint16{TLS_AES_128_GCM_SHA256, TLS_CHACHA20_POLY1305_SHA256},
		serverName:     cfg.ServerName,
		keyShareX25519: pub,
		sigAlgs:        []uint16{ECDSA_P256_SHA256, RSA_PSS_RSAE_SHA256},
	}
	if _, err := io.ReadFull(rng, hello.random[:]); err != nil {
		return nil, nil, fmt.Errorf("tls13: client random: %w", err)
	}

	ks := newKeySchedule()
	helloBytes := hello.marshal()
	ks.addMessage(helloBytes)
	if err := rl.writeRecord(recordTypeHandshake, helloBytes); err != nil {
		return nil, nil, err
	}

	// WAIT_SERVER_HELLO
	shBytes, err := rl.readHandshakeMessage()
	if err != nil {
		return nil, nil, err
	}
	sh, err := parseServerHello(shBytes)
	if err != nil {
		rl.sendAlert(alertDecodeError)
		return nil, nil, err
	}
	suite := suiteByID(sh.cipherSuite)
	if !sh.selectedTLS13 || suite == nil || len(sh.keyShareX25519) == 0 {
		rl.sendAlert(alertHandshakeFailure)
		return nil, nil, ErrHandshakeFailure
	}
	ks.addMessage(shBytes)

	shared, err := sharedSecret(priv, sh.keyShareX25519)
	if err != nil {
		rl.sendAlert(alertHandshakeFailure)
		return nil, nil, err
	}
	ks.advance(shared)
	clientHS := ks.deriveTraffic("c hs traffic")
	serverHS := ks.deriveTraffic("s hs traffic")
	if err := rl.in.setTrafficSecret(suite, serverHS); err != nil {
		return nil, nil, err
	}
	if err := rl.out.setTrafficSecret(suite, clientHS); err != nil {
		return nil, nil, err
	}

	// WAIT_ENCRYPTED_EXTENSIONS
	eeBytes, err := rl.readHandshakeMessage()
	if err != nil {
		return nil, nil, err
	}
	if err := parseEncryptedExtensions(eeBytes); err != nil {
		rl.sendAlert(alertDecodeError)
		return nil, nil, err
	}
	ks.addMessage(eeBytes)

	// WAIT_CERT
	certBytes, err := rl.readHandshakeMessage()
	if err != nil {
		return nil, nil, err
	}
	derChain, err := parseCertificate(certBytes)
	if err != nil {
		rl.sendAlert(alertDecodeError)
		return nil, nil, err
	}
	chain, err := verifyChain(cfg, derChain)
	if err != nil {
		rl.sendAlert(alertBadCertificate)
		return nil, nil, err
	}
	ks.addMessage(certBytes)

	// WAIT_CERT_VERIFY: the signature covers the transcript up to and
	// including Certificate.
	cvBytes, err := rl.readHandshakeMessage()
	if err != nil {
		return nil, nil, err
	}
	cv, err := parseCertificateVerify(cvBytes)
	if err != nil {
		rl.sendAlert(alertDecodeError)
		return nil, nil, err
	}
	if err := verifyHandshakeSignature(chain[0], cv.algorithm, ks.transcriptHash(), cv.signature); err != nil {
		rl.sendAlert(alertDecryptError)
		return nil, nil, err
	}
	ks.addMessage(cvBytes)

	// WAIT_FINISHED
	finBytes, err := rl.readHandshakeMessage()
	if err != nil {
		return nil, nil, err
	}
	verifyData, err := parseFinished(finBytes)
	if err != nil {
		rl.sendAlert(alertDecodeError)
		return nil, nil, err
	}
	if !hmac.Equal(verifyData, finishedHash(serverHS, ks.transcriptHash())) {
		rl.sendAlert(alertDecryptError)
		return nil, nil, ErrHandshakeFailure
	}
	ks.addMessage(finBytes)

	// Application secrets key off the transcript through server Finished.
	ks.advance(nil)
	clientApp := ks.deriveTraffic("c ap traffic")
	serverApp := ks.deriveTraffic("s ap traffic")

	ourFinished := marshalFinished(finishedHash(clientHS, ks.transcriptHash()))
	if err := rl.writeRecord(recordTypeHandshake, ourFinished); err != nil {
		return nil, nil, err
	}

	if err := rl.in.setTrafficSecret(suite, serverApp); err != nil {
		return nil, nil, err
	}
	if err := rl.out.setTrafficSecret(suite, clientApp); err != nil {
		return nil, nil, err
	}
	return suite, chain, nil
}

// serverHandshake drives the server state machine over rl.
func serverHandshake(rl *recordLayer, cfg *Config) (*cipherSuite, error) {
	if len(cfg.CertificateChain) == 0 || cfg.PrivateKey == nil {
		return nil, fmt.Errorf("tls13: server requires a certificate chain and private key")
	}
	rng := cfg.rng()

	// WAIT_CLIENT_HELLO
	chBytes, err := rl.readHandshakeMessage()
	if err != nil {
		return nil, err
	}
	ch, err := parseClientHello(chBytes)
	if err != nil {
		rl.sendAlert(alertDecodeError)
		return nil, err
	}
	if !ch.supportsTLS13 {
		rl.sendAlert(alertProtocolVersion)
		return nil, ErrHandshakeFailure
	}
	if !ch.offersX25519 || len(ch.keyShareX25519) == 0 {
		rl.sendAlert(alertMissingExtension)
		return nil, ErrHandshakeFailure
	}
	var suite *cipherSuite
	for _, pref := range cipherSuites {
		for _, offered := range ch.cipherSuites {
			if pref.id == offered {
				suite = pref
				break
			}
		}
		if suite != nil {
			break
		}
	}
	if suite == nil {
		rl.sendAlert(alertHandshakeFailure)
		return nil, ErrHandshakeFailure
	}

	priv, pub, err := generateKeyShare(rng)
	if err != nil {
		return nil, err
	}
	sh := &serverHello{
		legacySessionID: ch.legacySessionID,
		cipherSuite:     suite.id,
		keyShareX25519:  pub,
	}
	if _, err := io.ReadFull(rng, sh.random[:]); err != nil {
		return nil, fmt.Errorf("tls13: server random: %w", err)
	}

	ks := newKeySchedule()
	ks.addMessage(chBytes)
	shBytes := sh.marshal()
	ks.addMessage(shBytes)
	if err := rl.writeRecord(recordTypeHandshake, shBytes); err != nil {
		return nil, err
	}

	shared, err := sharedSecret(priv, ch.keyShareX25519)
	if err != nil {
		rl.sendAlert(alertHandshakeFailure)
		return nil, err
	}
	ks.advance(shared)
	clientHS := ks.deriveTraffic("c hs traffic")
	serverHS := ks.deriveTraffic("s hs traffic")
	if err := rl.out.setTrafficSecret(suite, serverHS); err != nil {
		return nil, err
	}
	if err := rl.in.setTrafficSecret(suite, clientHS); err != nil {
		return nil, err
	}

	eeBytes := marshalEncryptedExtensions()
	ks.addMessage(eeBytes)
	if err := rl.writeRecord(recordTypeHandshake, eeBytes); err != nil {
		return nil, err
	}

	certBytes := marshalCertificate(cfg.CertificateChain)
	ks.addMessage(certBytes)
	if err := rl.writeRecord(recordTypeHandshake, certBytes); err != nil {
		return nil, err
	}

	alg, sig, err := signHandshake(cfg.PrivateKey, rng, ks.transcriptHash())
	if err != nil {
		rl.sendAlert(alertHandshakeFailure)
		return nil, err
	}
	cvBytes := (&certificateVerify{algorithm: alg, signature: sig}).marshal()
	ks.addMessage(cvBytes)
	if err := rl.writeRecord(recordTypeHandshake, cvBytes); err != nil {
		return nil, err
	}

	finBytes := marshalFinished(finishedHash(serverHS, ks.transcriptHash()))
	ks.addMessage(finBytes)
	if err := rl.writeRecord(recordTypeHandshake, finBytes); err != nil {
		return nil, err
	}

	// Application secrets: transcript through server Finished.
	ks.advance(nil)
	clientApp := ks.deriveTraffic("c ap traffic")
	serverApp := ks.deriveTraffic("s ap traffic")
	expectedClientFinished := finishedHash(clientHS, ks.transcriptHash())

	// WAIT_FINISHED
	cfinBytes, err := rl.readHandshakeMessage()
	if err != nil {
		return nil, err
	}
	verifyData, err := parseFinished(cfinBytes)
	if err != nil {
		rl.sendAlert(alertDecodeError)
		return nil, err
	}
	if !hmac.Equal(verifyData, expectedClientFinished) {
		rl.sendAlert(alertDecryptError)
		return nil, ErrHandshakeFailure
	}

	if err := rl.in.setTrafficSecret(suite, clientApp); err != nil {
		return nil, err
	}
	if err := rl.out.setTrafficSecret(suite, serverApp); err != nil {
		return nil, err
	}
	return suite, nil
}
