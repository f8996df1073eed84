// Package server abstracts the byte stream beneath a chat session so the same
// session logic runs over raw TCP and over the WebSocket bridge.
package server

import (
	"io"
	"net"
	"time"

	"github.com/Tyrowin/relaychat/internal/framing"
)

// Transport is the connection handle exclusively owned by one Session.
//
// ReadLine is called only from the session goroutine. WriteString is called by
// exactly one goroutine at a time: the session goroutine before chat starts and
// the session's writer afterwards. Close may be called from any goroutine and
// must unblock a pending ReadLine or WriteString.
type Transport interface {
	// ReadLine returns the next line without its terminator. io.EOF means the
	// peer disconnected; framing.ErrLineTooLong and framing.ErrInvalidEncoding
	// are fatal.
	ReadLine() (string, error)
	// WriteString writes s, failing if it does not complete within the
	// transport's write timeout.
	WriteString(s string) error
	SetReadDeadline(t time.Time) error
	Close() error
	RemoteAddr() string
}

// tcpTransport is the raw line protocol over a stream connection.
type tcpTransport struct {
	conn         net.Conn
	reader       *framing.Reader
	writeTimeout time.Duration
}

// newTCPTransport wraps conn with a bounded line reader.
func newTCPTransport(conn net.Conn, maxLineLength int, writeTimeout time.Duration) *tcpTransport {
	return &tcpTransport{
		conn:         conn,
		reader:       framing.NewReader(conn, maxLineLength),
		writeTimeout: writeTimeout,
	}
}

func (t *tcpTransport) ReadLine() (string, error) {
	return t.reader.ReadLine()
}

func (t *tcpTransport) WriteString(s string) error {
	if t.writeTimeout > 0 {
		if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
			return err
		}
	}
	_, err := io.WriteString(t.conn, s)
	return err
}

func (t *tcpTransport) SetReadDeadline(deadline time.Time) error {
	return t.conn.SetReadDeadline(deadline)
}

func (t *tcpTransport) Close() error {
	return t.conn.Close()
}

func (t *tcpTransport) RemoteAddr() string {
	if addr := t.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return "unknown"
}
