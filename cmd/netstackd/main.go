// netstackd wires the full stack together as a demonstration daemon: two
// TCP stacks joined by an in-memory segment link, a TLS 1.3 echo service on
// one side and a client exercising it from the other, with Prometheus
// metrics and periodic counter dumps.
package main

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chobot2014/JSOS-sub007/pkg/config"
	"github.com/chobot2014/JSOS-sub007/pkg/core"
	"github.com/chobot2014/JSOS-sub007/pkg/logging"
	"github.com/chobot2014/JSOS-sub007/pkg/metrics"
	"github.com/chobot2014/JSOS-sub007/pkg/tcp"
	"github.com/chobot2014/JSOS-sub007/pkg/tls13"
)

const (
	echoPort   = 443
	serverName = "echo.netstack.internal"
	tickPeriod = 5 * time.Millisecond
)

func main() {
	cfg := config.DefaultConfig()
	if path := strings.TrimSpace(os.Getenv("NETSTACKD_CONFIG")); path != "" {
		if err := config.LoadFromFile(path, cfg); err != nil {
			logging.Fatalf("config: %v", err)
		}
	}
	config.LoadFromEnv(cfg)
	if err := cfg.Validate(); err != nil {
		logging.Fatalf("config: %v", err)
	}
	if err := cfg.ApplyLogging(); err != nil {
		logging.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Two hosts on an in-memory wire.
	serverIP := [4]byte{10, 0, 0, 2}
	clientIP := [4]byte{10, 0, 0, 1}
	clientLink := newMemoryLink()
	serverLink := newMemoryLink()
	clientStack := tcp.NewStack(clientIP, clientLink, cfg.Stack)
	serverStack := tcp.NewStack(serverIP, serverLink, cfg.Stack)
	clientLink.attach(serverStack)
	serverLink.attach(clientStack)

	serverTLS, clientTLS, err := buildTLSConfigs(cfg.TLS)
	if err != nil {
		logging.Fatalf("tls: %v", err)
	}

	metricsListen := strings.TrimSpace(os.Getenv("METRICS_LISTEN"))
	if metricsListen == "" {
		metricsListen = ":9090"
	}
	metricsServer := metrics.NewServer(metricsListen)
	metricsServer.MustRegister(
		metrics.NewStackCollector(clientStack.MetricsRef(), "client"),
		metrics.NewStackCollector(serverStack.MetricsRef(), "server"),
	)
	metricsServer.Start()
	defer metricsServer.Stop()

	if err := serverStack.Listen(echoPort, func(sock *tcp.Socket) {
		go serveEcho(sock, serverTLS, serverStack.MetricsRef())
	}); err != nil {
		logging.Fatalf("listen: %v", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runTicker(ctx, clientStack) })
	g.Go(func() error { return runTicker(ctx, serverStack) })
	g.Go(func() error { return runEchoClient(ctx, clientStack, clientTLS, serverIP) })
	g.Go(func() error {
		runMetricsReporter(ctx, clientStack, serverStack)
		return nil
	})

	logging.Infof("netstackd: running (metrics on %s)", metricsListen)
	if err := g.Wait(); err != nil && err != context.Canceled {
		logging.Errorf("netstackd: %v", err)
		os.Exit(1)
	}
	logging.Infof("netstackd: shut down")
}

// runTicker drives a stack's retransmission and TIME_WAIT machinery.
func runTicker(ctx context.Context, s *tcp.Stack) error {
	ticker := time.NewTicker(tickPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			s.Tick(now)
		}
	}
}

// serveEcho terminates TLS on an accepted socket and echoes the stream.
func serveEcho(sock *tcp.Socket, cfg *tls13.Config, m *core.StackMetrics) {
	defer sock.Close()

	session, err := tls13.Server(sock, cfg)
	if err != nil {
		atomic.AddUint64(&m.HandshakesFailed, 1)
		logging.Warnf("echo: handshake with %s failed: %v", sock.RemoteAddr(), err)
		return
	}
	atomic.AddUint64(&m.HandshakesCompleted, 1)
	defer session.Close()

	buf := make([]byte, 4096)
	for {
		n, err := session.Read(buf)
		if err != nil {
			if err != io.EOF {
				logging.Debugf("echo: %s read: %v", sock.RemoteAddr(), err)
			}
			return
		}
		if _, err := session.Write(buf[:n]); err != nil {
			logging.Debugf("echo: %s write: %v", sock.RemoteAddr(), err)
			return
		}
	}
}

// runEchoClient opens one secured connection and round-trips a message on a
// timer until shutdown.
func runEchoClient(ctx context.Context, s *tcp.Stack, cfg *tls13.Config, serverIP [4]byte) error {
	sock, err := s.ConnectTimeout(core.Addr{IP: serverIP, Port: echoPort}, 10*time.Second)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer sock.Close()

	session, err := tls13.Client(sock, cfg)
	if err != nil {
		atomic.AddUint64(&s.MetricsRef().HandshakesFailed, 1)
		return fmt.Errorf("handshake: %w", err)
	}
	atomic.AddUint64(&s.MetricsRef().HandshakesCompleted, 1)
	defer session.Close()
	logging.Infof("client: secure channel up, suite=%#04x", session.CipherSuite())

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	buf := make([]byte, 256)
	for seq := uint64(1); ; seq++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		msg := fmt.Sprintf("echo %d", seq)
		if _, err := session.Write([]byte(msg)); err != nil {
			return fmt.Errorf("write: %w", err)
		}
		n, err := session.Read(buf)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if string(buf[:n]) != msg {
			return fmt.Errorf("echo mismatch: sent %q, got %q", msg, buf[:n])
		}
		logging.Debugf("client: round trip %d ok", seq)

		// Exercise key rotation now and then.
		if seq%32 == 0 {
			if err := session.KeyUpdate(false); err != nil {
				return fmt.Errorf("key update: %w", err)
			}
		}
	}
}

// buildTLSConfigs assembles the server and client session configs: PEM
// credentials from disk when configured, a throwaway self-signed identity
// otherwise.
func buildTLSConfigs(tc config.TLSConfig) (*tls13.Config, *tls13.Config, error) {
	if tc.Certificate != "" && tc.Key != "" {
		chain, key, err := loadPEMIdentity(tc.Certificate, tc.Key)
		if err != nil {
			return nil, nil, err
		}
		pool, err := loadTrustStore(tc.TrustStore)
		if err != nil {
			return nil, nil, err
		}
		return &tls13.Config{CertificateChain: chain, PrivateKey: key},
			&tls13.Config{ServerName: serverName, RootCAs: pool}, nil
	}

	chain, key, pool, err := selfSignedIdentity()
	if err != nil {
		return nil, nil, err
	}
	return &tls13.Config{CertificateChain: chain, PrivateKey: key},
		&tls13.Config{ServerName: serverName, RootCAs: pool}, nil
}

// loadPEMIdentity reads a certificate chain and private key from PEM files.
func loadPEMIdentity(certPath, keyPath string) ([][]byte, crypto.Signer, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, nil, fmt.Errorf("read certificate: %w", err)
	}
	var chain [][]byte
	for {
		var block *pem.Block
		block, certPEM = pem.Decode(certPEM)
		if block == nil {
			break
		}
		if block.Type == "CERTIFICATE" {
			chain = append(chain, block.Bytes)
		}
	}
	if len(chain) == 0 {
		return nil, nil, fmt.Errorf("no certificates in %s", certPath)
	}

	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, nil, fmt.Errorf("read key: %w", err)
	}
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, nil, fmt.Errorf("no PEM block in %s", keyPath)
	}
	var key crypto.Signer
	switch block.Type {
	case "EC PRIVATE KEY":
		key, err = x509.ParseECPrivateKey(block.Bytes)
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	default:
		var parsed any
		parsed, err = x509.ParsePKCS8PrivateKey(block.Bytes)
		if err == nil {
			var ok bool
			if key, ok = parsed.(crypto.Signer); !ok {
				err = fmt.Errorf("unsupported key type %T", parsed)
			}
		}
	}
	if err != nil {
		return nil, nil, fmt.Errorf("parse key: %w", err)
	}
	return chain, key, nil
}

// loadTrustStore builds a pool from a PEM bundle; empty path means the
// system roots.
func loadTrustStore(path string) (*x509.CertPool, error) {
	if path == "" {
		return nil, nil
	}
	pemBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read trust store: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pemBytes) {
		return nil, fmt.Errorf("no usable roots in %s", path)
	}
	return pool, nil
}

// selfSignedIdentity issues the echo service's throwaway certificate and a
// pool that trusts it.
func selfSignedIdentity() ([][]byte, *ecdsa.PrivateKey, *x509.CertPool, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, nil, err
	}
	template := x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: serverName},
		DNSNames:              []string{serverName},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, nil, err
	}
	pool := x509.NewCertPool()
	pool.AddCert(cert)
	return [][]byte{der}, key, pool, nil
}
