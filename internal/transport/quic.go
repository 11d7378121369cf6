package transport

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/SWAI-Ltd/blockengine/internal/proto"
)

// Default idle timeout: 5 minutes (QUIC default is 30s, too short for idle subscriptions)
var defaultQuicConfig = &quic.Config{
	MaxIdleTimeout:  5 * time.Minute,
	KeepAlivePeriod: 30 * time.Second,
}

const ProtoID = "blockengine/1"

// Conn wraps a QUIC stream with frame read/write. Sends are serialized so a
// subscription pump and a request handler can share one stream.
type Conn struct {
	Stream quic.Stream
	Conn   quic.Connection

	writeMu sync.Mutex
	once    sync.Once
}

// NewConn wraps a QUIC stream and the connection it belongs to
func NewConn(stream quic.Stream, conn quic.Connection) *Conn {
	return &Conn{Stream: stream, Conn: conn}
}

// RemoteAddr returns the peer address
func (c *Conn) RemoteAddr() string {
	if c.Conn != nil {
		return c.Conn.RemoteAddr().String()
	}
	return "unknown"
}

// SendFrame encodes and sends a frame
func (c *Conn) SendFrame(f *proto.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return f.Encode(c.Stream)
}

// RecvFrame reads and decodes a frame
func (c *Conn) RecvFrame(f *proto.Frame) error {
	return f.Decode(c.Stream)
}

// SetDeadline bounds pending and future reads and writes. A zero time clears it.
func (c *Conn) SetDeadline(t time.Time) error {
	return c.Stream.SetDeadline(t)
}

// Close closes the stream and the underlying connection, unblocking any
// pending RecvFrame on either side.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		c.Stream.CancelRead(0)
		err = c.Stream.Close()
		if c.Conn != nil {
			_ = c.Conn.CloseWithError(0, "")
		}
	})
	return err
}

// generateTLSConfig creates a self-signed cert for development
func generateTLSConfig() (*tls.Config, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{tlsCert},
		NextProtos:   []string{ProtoID},
	}, nil
}

// ServerTLSConfig loads a certificate pair, or generates a self-signed one
// when both paths are empty.
func ServerTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	if certFile == "" && keyFile == "" {
		return generateTLSConfig()
	}
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ProtoID},
	}, nil
}

// Server runs a QUIC listener
type Server struct {
	Listener *quic.Listener
	Handler  func(*Conn)

	closed atomic.Bool
}

// ListenQUIC starts a QUIC server on addr with a self-signed certificate.
func ListenQUIC(ctx context.Context, addr string, handler func(*Conn)) (*Server, error) {
	tlsCfg, err := generateTLSConfig()
	if err != nil {
		return nil, err
	}
	return ListenQUICWithTLS(ctx, addr, tlsCfg, handler)
}

// ListenQUICWithTLS starts a QUIC server with handler set before accepting.
func ListenQUICWithTLS(ctx context.Context, addr string, tlsCfg *tls.Config, handler func(*Conn)) (*Server, error) {
	listener, err := quic.ListenAddr(addr, tlsCfg, defaultQuicConfig)
	if err != nil {
		return nil, err
	}
	s := &Server{Listener: listener, Handler: handler}
	go s.acceptLoop(ctx)
	return s, nil
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		sess, err := s.Listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || s.closed.Load() {
				return
			}
			continue
		}
		go func() {
			stream, err := sess.AcceptStream(ctx)
			if err != nil {
				sess.CloseWithError(0, "")
				return
			}
			c := NewConn(stream, sess)
			if s.Handler != nil {
				s.Handler(c)
			} else {
				c.Close()
			}
		}()
	}
}

// LocalAddr returns the address of the QUIC listener
func (s *Server) LocalAddr() string {
	return s.Listener.Addr().String()
}

// Close stops accepting connections
func (s *Server) Close() error {
	s.closed.Store(true)
	return s.Listener.Close()
}

// DialQUIC connects to a QUIC server (skips cert verification for dev)
func DialQUIC(ctx context.Context, addr string) (*Conn, error) {
	return DialQUICWithTLS(ctx, addr, &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{ProtoID},
	})
}

// DialQUICWithTLS connects to a QUIC server and opens the single stream used
// for framing.
func DialQUICWithTLS(ctx context.Context, addr string, tlsCfg *tls.Config) (*Conn, error) {
	sess, err := quic.DialAddr(ctx, addr, tlsCfg, defaultQuicConfig)
	if err != nil {
		return nil, err
	}
	stream, err := sess.OpenStreamSync(ctx)
	if err != nil {
		sess.CloseWithError(0, "")
		return nil, err
	}
	return NewConn(stream, sess), nil
}
