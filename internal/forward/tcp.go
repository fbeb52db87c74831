// Package forward delivers admitted records to the downstream collector
// over a persistent connection.
package forward

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/dtls/v2"

	"sap-audit-relay/internal/config"
)

// ErrClosed is returned for sends after Close.
var ErrClosed = errors.New("forward: sender closed")

// Sender writes one newline-terminated record per Send over a single
// long-lived connection. A failed write tears the connection down; the
// next Send dials again. Delivery is at-most-once: records sent while
// the collector is down are not replayed.
type Sender struct {
	cfg    config.ForwardConfig
	logger *slog.Logger

	mu        sync.Mutex
	conn      net.Conn
	connected atomic.Bool
	closed    atomic.Bool

	sent         uint64
	dropped      uint64
	dials        uint64
	dialFailures uint64
}

// Metrics is a point-in-time snapshot of sender counters.
type Metrics struct {
	Sent         uint64
	Dropped      uint64
	Dials        uint64
	DialFailures uint64
	Connected    bool
	Address      string
}

// NewSender builds the sender and attempts the first dial so connection
// problems surface at startup. The dial failure itself is only logged:
// each Send retries the connection.
func NewSender(cfg config.ForwardConfig, logger *slog.Logger) *Sender {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sender{cfg: cfg, logger: logger}

	s.mu.Lock()
	if err := s.dialLocked(); err != nil {
		logger.Warn("collector not reachable at startup, will retry per send",
			"address", cfg.Address, "error", err)
	}
	s.mu.Unlock()

	return s
}

// Send delivers one record line. The line must not contain the trailing
// newline; Send appends it.
func (s *Sender) Send(line []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		if err := s.dialLocked(); err != nil {
			atomic.AddUint64(&s.dropped, 1)
			return err
		}
	}

	if s.cfg.WriteTimeout > 0 {
		s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	}

	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')

	if _, err := s.conn.Write(buf); err != nil {
		s.teardownLocked()
		atomic.AddUint64(&s.dropped, 1)
		return fmt.Errorf("write to collector: %w", err)
	}

	atomic.AddUint64(&s.sent, 1)
	return nil
}

// Connected reports whether a connection is currently established.
func (s *Sender) Connected() bool {
	return s.connected.Load()
}

// Close tears down the connection. Safe to call twice.
func (s *Sender) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teardownLocked()
	return nil
}

// Metrics returns a snapshot of sender counters.
func (s *Sender) Metrics() Metrics {
	return Metrics{
		Sent:         atomic.LoadUint64(&s.sent),
		Dropped:      atomic.LoadUint64(&s.dropped),
		Dials:        atomic.LoadUint64(&s.dials),
		DialFailures: atomic.LoadUint64(&s.dialFailures),
		Connected:    s.connected.Load(),
		Address:      s.cfg.Address,
	}
}

func (s *Sender) teardownLocked() {
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.connected.Store(false)
}

func (s *Sender) dialLocked() error {
	atomic.AddUint64(&s.dials, 1)

	conn, err := s.dialAddress()
	if err != nil {
		atomic.AddUint64(&s.dialFailures, 1)
		return fmt.Errorf("dial collector %s (%s): %w", s.cfg.Address, s.cfg.Protocol, err)
	}

	s.conn = conn
	s.connected.Store(true)
	s.logger.Info("connected to collector", "address", s.cfg.Address, "protocol", s.cfg.Protocol)
	return nil
}

func (s *Sender) dialAddress() (net.Conn, error) {
	dialer := &net.Dialer{
		Timeout:   s.cfg.ConnectTimeout,
		KeepAlive: s.cfg.KeepAlive,
	}

	switch s.cfg.Protocol {
	case "tcp", "":
		return dialer.Dial("tcp", s.cfg.Address)

	case "tls":
		tlsCfg, err := s.buildTLSConfig()
		if err != nil {
			return nil, err
		}
		return tls.DialWithDialer(dialer, "tcp", s.cfg.Address, tlsCfg)

	case "dtls":
		return s.dialDTLS()

	default:
		return nil, fmt.Errorf("unsupported protocol: %s", s.cfg.Protocol)
	}
}

func (s *Sender) dialDTLS() (net.Conn, error) {
	raddr, err := net.ResolveUDPAddr("udp", s.cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("resolve collector address: %w", err)
	}

	dtlsCfg := &dtls.Config{
		InsecureSkipVerify:   s.cfg.TLS.InsecureSkipVerify,
		ExtendedMasterSecret: dtls.RequireExtendedMasterSecret,
		ConnectContextMaker: func() (context.Context, func()) {
			return context.WithTimeout(context.Background(), s.cfg.ConnectTimeout)
		},
	}

	if s.cfg.TLS.ServerName != "" {
		dtlsCfg.ServerName = s.cfg.TLS.ServerName
	} else if !s.cfg.TLS.InsecureSkipVerify {
		host, _, err := net.SplitHostPort(s.cfg.Address)
		if err == nil {
			dtlsCfg.ServerName = host
		}
	}

	if s.cfg.TLS.CAFile != "" {
		pool, err := loadCertPool(s.cfg.TLS.CAFile)
		if err != nil {
			return nil, err
		}
		dtlsCfg.RootCAs = pool
	}

	if s.cfg.TLS.CertFile != "" && s.cfg.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		dtlsCfg.Certificates = []tls.Certificate{cert}
	}

	return dtls.Dial("udp", raddr, dtlsCfg)
}

func (s *Sender) buildTLSConfig() (*tls.Config, error) {
	tlsCfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: s.cfg.TLS.InsecureSkipVerify,
		ServerName:         s.cfg.TLS.ServerName,
	}

	if s.cfg.TLS.CAFile != "" {
		pool, err := loadCertPool(s.cfg.TLS.CAFile)
		if err != nil {
			return nil, err
		}
		tlsCfg.RootCAs = pool
	}

	if s.cfg.TLS.CertFile != "" && s.cfg.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	return tlsCfg, nil
}

func loadCertPool(caFile string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("read CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates parsed from %s", caFile)
	}
	return pool, nil
}
