// Package conn implements the Connection component (spec.md §4.4): it
// owns the TCP socket, drives the two-step handshake (auth then
// registration), and exposes a synchronous request/response primitive
// legal only during that handshake. After the session reaches Active,
// the Dispatcher takes over the socket exclusively.
package conn

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/roolet-io/roolet/internal/wire"
)

// ErrConnectionRefused wraps a dial failure so callers can distinguish it
// from other I/O errors, per spec.md §4.4 step 1.
var ErrConnectionRefused = errors.New("conn: connection refused")

// Connection owns the one TCP socket used by a session. It is not safe
// for concurrent use — the network goroutine owns it exclusively, per
// spec.md §5 ("the socket is owned by the Dispatcher after handshake").
type Connection struct {
	logger *zap.Logger
	addr   string
	port   int

	conn   net.Conn
	reader *bufio.Reader
	framer *wire.Framer
	nextID int
}

// New returns a Connection bound to addr:port; Dial must be called before
// use.
func New(logger *zap.Logger, addr string, port int) *Connection {
	return &Connection{
		logger: logger.Named("conn"),
		addr:   addr,
		port:   port,
		framer: wire.NewFramer(),
	}
}

// Dial opens the TCP connection. A plain dial failure is classified as
// ErrConnectionRefused; the caller (session/reconnect loop) decides
// whether to retry based on reconnect_delay.
func (c *Connection) Dial() error {
	addr := fmt.Sprintf("%s:%d", c.addr, c.port)
	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		c.logger.Warn("dial failed", zap.String("addr", addr), zap.Error(err))
		return fmt.Errorf("%w: %v", ErrConnectionRefused, err)
	}
	c.conn = conn
	c.reader = bufio.NewReader(conn)
	c.framer = wire.NewFramer()
	c.nextID = 1
	c.logger.Info("connected", zap.String("addr", addr))
	return nil
}

// Close closes the underlying socket.
func (c *Connection) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Raw returns the underlying net.Conn, for the Dispatcher to take
// exclusive ownership of once the handshake completes.
func (c *Connection) Raw() net.Conn {
	return c.conn
}

// Framer returns the Connection's Frame Builder, so the Dispatcher can
// keep reassembling frames with the same buffer state the handshake left
// behind (a partial read during registration must not be discarded).
func (c *Connection) Framer() *wire.Framer {
	return c.framer
}

// Reader returns the buffered reader wrapping the socket, for the
// Dispatcher's read loop to reuse rather than re-wrapping the raw
// net.Conn (which would drop any bytes already buffered).
func (c *Connection) Reader() *bufio.Reader {
	return c.reader
}

// NextID returns a fresh, monotonically increasing command id.
func (c *Connection) NextID() int {
	id := c.nextID
	c.nextID++
	return id
}

// Request writes cmd and blocks until the Frame Builder completes exactly
// one frame, which it decodes as an Answer. Legal only during the
// handshake phase — one request in flight, synchronous — per spec.md
// §4.4: "This primitive is only legal during the handshake phase
// (synchronous, one in flight). After Active, all I/O is driven by the
// Dispatcher."
func (c *Connection) Request(cmd wire.Command) (wire.Answer, error) {
	b, err := cmd.Encode()
	if err != nil {
		return wire.Answer{}, fmt.Errorf("conn: encoding command: %w", err)
	}
	if _, err := c.conn.Write(b); err != nil {
		return wire.Answer{}, fmt.Errorf("conn: writing command: %w", err)
	}

	for !c.framer.IsDone() {
		line, err := c.reader.ReadBytes('\n')
		if len(line) > 0 {
			if appendErr := c.framer.Append(line); appendErr != nil {
				return wire.Answer{}, fmt.Errorf("conn: frame reassembly: %w", appendErr)
			}
		}
		if err != nil {
			if c.framer.IsDone() {
				break
			}
			return wire.Answer{}, fmt.Errorf("conn: reading response: %w", err)
		}
	}

	unit := c.framer.Take()
	ans, err := unit.DecodeAnswer()
	if err != nil {
		return wire.Answer{}, fmt.Errorf("conn: decoding answer: %w", err)
	}
	return ans, nil
}
