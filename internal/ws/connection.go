package ws

import (
	"bufio"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ErrClosed is returned by reads and writes after Close.
var ErrClosed = errors.New("ws: connection closed")

// Conn is the client side of one realtime connection. Writes, including the
// pongs sent from the read path, are serialized by a mutex. Reads are
// expected from a single goroutine.
type Conn struct {
	ID        string    // client instance id, used in logs
	Conn      net.Conn  // underlying TCP connection
	CreatedAt time.Time // when the handshake completed

	writeTimeout time.Duration
	writeMu      sync.Mutex // serializes frames written by the loop and the keepalive
	closeOnce    sync.Once
	done         chan struct{}

	reader  *wsutil.Reader
	control wsutil.FrameHandlerFunc
}

func newConn(nc net.Conn, br *bufio.Reader, writeTimeout time.Duration) *Conn {
	if br != nil {
		// The server may have sent frames right after the handshake response;
		// they sit in br and must be read before the socket.
		nc = &bufferedConn{Conn: nc, r: br}
	}
	c := &Conn{
		ID:           uuid.NewString(),
		Conn:         nc,
		CreatedAt:    time.Now(),
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
	}
	c.control = wsutil.ControlFrameHandler(controlWriter{c}, ws.StateClientSide)
	c.reader = &wsutil.Reader{
		Source:         nc,
		State:          ws.StateClientSide,
		CheckUTF8:      true,
		OnIntermediate: c.control,
	}
	return c
}

// WriteMessage sends one masked text frame.
func (c *Conn) WriteMessage(data []byte) error {
	return c.write(ws.OpText, data)
}

func (c *Conn) write(op ws.OpCode, data []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if err := wsutil.WriteClientMessage(c.Conn, op, data); err != nil {
		return errors.Wrap(err, "ws: write frame")
	}
	return nil
}

// ReadMessage blocks until the next text frame arrives. Control frames are
// answered internally. A close frame from the server is reported as an
// error.
func (c *Conn) ReadMessage() ([]byte, error) {
	for {
		hdr, err := c.reader.NextFrame()
		if err != nil {
			return nil, c.readErr(err)
		}
		if hdr.OpCode.IsControl() {
			if err := c.control(hdr, c.reader); err != nil {
				return nil, c.readErr(err)
			}
			continue
		}
		if hdr.OpCode != ws.OpText {
			if err := c.reader.Discard(); err != nil {
				return nil, c.readErr(err)
			}
			continue
		}
		data, err := io.ReadAll(c.reader)
		if err != nil {
			return nil, c.readErr(err)
		}
		return data, nil
	}
}

func (c *Conn) readErr(err error) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	return errors.Wrap(err, "ws: read frame")
}

// Done is closed once Close has been called.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Close sends a best-effort close frame and closes the socket. It is safe to
// call multiple times.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)

		c.writeMu.Lock()
		_ = c.Conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = wsutil.WriteClientMessage(c.Conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
		c.writeMu.Unlock()

		err = c.Conn.Close()
	})
	return err
}

// controlWriter sends control replies (pong, close) through the write mutex.
// The control handler writes each reply frame in a single Write call.
type controlWriter struct{ c *Conn }

func (w controlWriter) Write(p []byte) (int, error) {
	w.c.writeMu.Lock()
	defer w.c.writeMu.Unlock()
	if w.c.writeTimeout > 0 {
		_ = w.c.Conn.SetWriteDeadline(time.Now().Add(w.c.writeTimeout))
	}
	return w.c.Conn.Write(p)
}

// bufferedConn drains the handshake reader before reading from the socket.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (b *bufferedConn) Read(p []byte) (int, error) {
	if b.r != nil {
		if b.r.Buffered() > 0 {
			return b.r.Read(p)
		}
		ws.PutReader(b.r)
		b.r = nil
	}
	return b.Conn.Read(p)
}
