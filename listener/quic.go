// SPDX-FileCopyrightText: © 2025 The Taubenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package listener

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"math/big"
	"net"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
)

const (
	// Sessions are mostly quiet between fan-out bursts; keep the
	// transport alive well past the event cadence.
	quicKeepAlivePeriod = 30 * time.Second
	quicMaxIdleTimeout  = 5 * time.Minute
)

// quicConn wraps a connection and a single stream and implements
// net.Conn.
type quicConn struct {
	stream *quic.Stream
	conn   *quic.Conn
}

func (q *quicConn) LocalAddr() net.Addr                { return q.conn.LocalAddr() }
func (q *quicConn) RemoteAddr() net.Addr               { return q.conn.RemoteAddr() }
func (q *quicConn) SetDeadline(t time.Time) error      { return q.stream.SetDeadline(t) }
func (q *quicConn) SetReadDeadline(t time.Time) error  { return q.stream.SetReadDeadline(t) }
func (q *quicConn) SetWriteDeadline(t time.Time) error { return q.stream.SetWriteDeadline(t) }
func (q *quicConn) Close() error                       { return q.stream.Close() }
func (q *quicConn) Read(b []byte) (int, error)         { return q.stream.Read(b) }
func (q *quicConn) Write(b []byte) (int, error)        { return q.stream.Write(b) }

// quicListener implements net.Listener on top of a QUIC listener. Each
// accepted connection carries the session on a single stream.
type quicListener struct {
	listener *quic.Listener
}

func (l *quicListener) Accept() (net.Conn, error) {
	ctx := context.Background()
	conn, err := l.listener.Accept(ctx)
	if err != nil {
		return nil, err
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	return &quicConn{conn: conn, stream: stream}, nil
}

func (l *quicListener) Addr() net.Addr { return l.listener.Addr() }
func (l *quicListener) Close() error   { return l.listener.Close() }

func quicServerConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:  quicMaxIdleTimeout,
		KeepAlivePeriod: quicKeepAlivePeriod,
	}
}

// generateTLSConfig builds an ephemeral self signed server credential.
// Clients authenticate through the hello signature, not through TLS.
func generateTLSConfig() *tls.Config {
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		panic(err)
	}
	template := x509.Certificate{SerialNumber: big.NewInt(1)}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, pubKey, privKey)
	if err != nil {
		panic(err)
	}
	pkb, err := x509.MarshalPKCS8PrivateKey(privKey)
	if err != nil {
		panic(err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "ED25519 PRIVATE KEY", Bytes: pkb})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		panic(err)
	}
	// The ALPN is visible in the handshake, so advertise a common
	// protocol instead of something uniquely fingerprintable.
	return &tls.Config{Certificates: []tls.Certificate{tlsCert}, NextProtos: []string{http3.NextProtoH3}}
}
