package server

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/infodancer/mailcore/internal/logging"
)

// ErrAlreadyTLS is returned when attempting to upgrade an already-TLS connection.
var ErrAlreadyTLS = errors.New("connection is already TLS")

// Connection wraps a net.Conn with timeout management and optional transaction logging.
// It is shared by both the SMTP and IMAP listeners; nothing about it is
// protocol-specific, which is what lets a single accept/idle/TLS-upgrade
// implementation serve both.
type Connection struct {
	conn           net.Conn
	reader         *bufio.Reader
	writer         *bufio.Writer
	logger         *slog.Logger
	idleTimeout    time.Duration
	commandTimeout time.Duration
	logTx          bool

	bytesRead    atomic.Int64
	bytesWritten atomic.Int64

	mu           sync.Mutex
	lastActivity time.Time
	closed       bool
}

// countingReader tallies bytes read through it into total.
type countingReader struct {
	r     io.Reader
	total *atomic.Int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.total.Add(int64(n))
	return n, err
}

// countingWriter tallies bytes written through it into total.
type countingWriter struct {
	w     io.Writer
	total *atomic.Int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.total.Add(int64(n))
	return n, err
}

// ConnectionConfig holds configuration for a new connection.
type ConnectionConfig struct {
	IdleTimeout    time.Duration
	CommandTimeout time.Duration
	LogTransaction bool
	Logger         *slog.Logger
}

// NewConnection creates a new Connection wrapper.
func NewConnection(conn net.Conn, cfg ConnectionConfig) *Connection {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// Create connection-scoped logger with remote address
	connLogger := logging.WithConnection(logger, conn.RemoteAddr().String())

	c := &Connection{
		conn:           conn,
		logger:         connLogger,
		idleTimeout:    cfg.IdleTimeout,
		commandTimeout: cfg.CommandTimeout,
		logTx:          cfg.LogTransaction,
		lastActivity:   time.Now(),
	}

	// Set up reader/writer with optional transaction logging
	var r io.Reader = conn
	var w io.Writer = conn

	if cfg.LogTransaction {
		r = logging.NewTransactionReader(conn, connLogger, "recv")
		w = logging.NewTransactionWriter(conn, connLogger, "send")
	}

	c.reader = bufio.NewReader(&countingReader{r: r, total: &c.bytesRead})
	c.writer = bufio.NewWriter(&countingWriter{w: w, total: &c.bytesWritten})

	return c
}

// Logger returns the connection-scoped logger.
func (c *Connection) Logger() *slog.Logger {
	return c.logger
}

// RemoteAddr returns the remote address of the connection.
func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// LocalAddr returns the local address of the connection.
func (c *Connection) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// Reader returns the buffered reader for the connection.
func (c *Connection) Reader() *bufio.Reader {
	return c.reader
}

// Writer returns the buffered writer for the connection.
func (c *Connection) Writer() *bufio.Writer {
	return c.writer
}

// Flush flushes the write buffer.
func (c *Connection) Flush() error {
	return c.writer.Flush()
}

// SetDeadline sets the read and write deadlines.
func (c *Connection) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

// SetReadDeadline sets the read deadline.
func (c *Connection) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// SetWriteDeadline sets the write deadline.
func (c *Connection) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}

// ResetIdleTimeout resets the idle timeout deadline.
// Should be called after each successful read/write operation.
func (c *Connection) ResetIdleTimeout() error {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()

	if c.idleTimeout > 0 {
		return c.conn.SetDeadline(time.Now().Add(c.idleTimeout))
	}
	return nil
}

// SetCommandTimeout sets a deadline for the next command read.
func (c *Connection) SetCommandTimeout() error {
	if c.commandTimeout > 0 {
		return c.conn.SetReadDeadline(time.Now().Add(c.commandTimeout))
	}
	return nil
}

// Close closes the connection.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	c.logger.Debug("connection closed",
		slog.Int64("bytes_read", c.bytesRead.Load()),
		slog.Int64("bytes_written", c.bytesWritten.Load()),
	)
	return c.conn.Close()
}

// BytesRead returns the total bytes read from the connection so far.
func (c *Connection) BytesRead() int64 {
	return c.bytesRead.Load()
}

// BytesWritten returns the total bytes written to the connection so far.
func (c *Connection) BytesWritten() int64 {
	return c.bytesWritten.Load()
}

// IsClosed returns true if the connection has been closed.
func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Underlying returns the underlying net.Conn.
// Use with caution; prefer the Connection methods.
func (c *Connection) Underlying() net.Conn {
	return c.conn
}

// IsTLS returns true if the connection is encrypted with TLS.
func (c *Connection) IsTLS() bool {
	_, ok := c.conn.(*tls.Conn)
	return ok
}

// UpgradeToTLS upgrades the connection to TLS using the provided config.
// This should only be called after sending the STARTTLS response.
// Returns an error if the connection is already TLS or if the handshake fails.
func (c *Connection) UpgradeToTLS(tlsConfig *tls.Config) error {
	if c.IsTLS() {
		return ErrAlreadyTLS
	}

	// Flush any pending writes before upgrading
	if err := c.writer.Flush(); err != nil {
		return err
	}

	// Wrap the connection with TLS
	tlsConn := tls.Server(c.conn, tlsConfig)

	// Perform the TLS handshake
	if err := tlsConn.Handshake(); err != nil {
		return err
	}

	// Replace the underlying connection
	c.conn = tlsConn

	// Reset reader/writer with the new TLS connection, continuing to tally
	// into the same byte counters as the plaintext phase.
	var r io.Reader = tlsConn
	var w io.Writer = tlsConn

	if c.logTx {
		r = logging.NewTransactionReader(tlsConn, c.logger, "recv")
		w = logging.NewTransactionWriter(tlsConn, c.logger, "send")
	}

	c.reader = bufio.NewReader(&countingReader{r: r, total: &c.bytesRead})
	c.writer = bufio.NewWriter(&countingWriter{w: w, total: &c.bytesWritten})

	c.logger.Debug("connection upgraded to TLS")
	return nil
}

// IdleMonitor runs in a goroutine to monitor for idle connections.
// It will close the connection if idle timeout is exceeded.
// The monitor stops when the context is cancelled or the connection is closed.
func (c *Connection) IdleMonitor(ctx context.Context) {
	if c.idleTimeout <= 0 {
		return
	}

	ticker := time.NewTicker(c.idleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				return
			}
			idle := time.Since(c.lastActivity)
			c.mu.Unlock()

			if idle >= c.idleTimeout {
				c.logger.Info("closing idle connection",
					slog.Duration("idle_time", idle),
				)
				if err := c.Close(); err != nil {
					c.logger.Debug("error closing idle connection",
						slog.String("error", err.Error()),
					)
				}
				return
			}
		}
	}
}
