// Package server bridges WebSocket connections onto the line protocol: each
// text frame carries one or more lines and each outgoing write is one frame.
package server

import (
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/Tyrowin/relaychat/internal/framing"
	"github.com/gorilla/websocket"
)

// wsTransport adapts a gorilla connection to Transport.
type wsTransport struct {
	conn         *websocket.Conn
	addr         string
	maxLen       int
	writeTimeout time.Duration
	pending      []string
}

// newWSTransport limits a whole frame to one maximum-length line plus its
// terminator, so a frame may batch several short lines but never exceed that.
func newWSTransport(conn *websocket.Conn, addr string, maxLineLength int, writeTimeout time.Duration) *wsTransport {
	if maxLineLength <= 0 {
		maxLineLength = framing.DefaultMaxLineLength
	}
	conn.SetReadLimit(int64(maxLineLength + 2))
	return &wsTransport{
		conn:         conn,
		addr:         addr,
		maxLen:       maxLineLength,
		writeTimeout: writeTimeout,
	}
}

func (t *wsTransport) ReadLine() (string, error) {
	for len(t.pending) == 0 {
		msgType, data, err := t.conn.ReadMessage()
		if err != nil {
			return "", t.translateReadError(err)
		}
		if msgType != websocket.TextMessage {
			return "", framing.ErrInvalidEncoding
		}
		lines, err := splitFrame(data, t.maxLen)
		if err != nil {
			return "", err
		}
		t.pending = lines
	}

	line := t.pending[0]
	t.pending = t.pending[1:]
	return line, nil
}

// splitFrame breaks a text frame into lines. A single trailing newline does
// not produce an extra empty line.
func splitFrame(data []byte, maxLen int) ([]string, error) {
	if !utf8.Valid(data) {
		return nil, framing.ErrInvalidEncoding
	}
	text := strings.TrimSuffix(string(data), "\n")
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		line = strings.TrimSuffix(line, "\r")
		if len(line) > maxLen {
			return nil, framing.ErrLineTooLong
		}
		lines[i] = line
	}
	return lines, nil
}

// translateReadError maps gorilla errors onto the framing errors sessions
// understand.
func (t *wsTransport) translateReadError(err error) error {
	if errors.Is(err, websocket.ErrReadLimit) {
		log.Printf("[ws] Frame from %s exceeded maximum size of %d bytes", t.addr, t.maxLen+2)
		return framing.ErrLineTooLong
	}

	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
		websocket.CloseAbnormalClosure) {
		return io.EOF
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || isExpectedCloseError(err) {
		return io.EOF
	}

	if websocket.IsUnexpectedCloseError(err) {
		log.Printf("[ws] Unexpected close from %s: %v", t.addr, err)
		return io.EOF
	}

	return fmt.Errorf("websocket read: %w", err)
}

func (t *wsTransport) WriteString(s string) error {
	if t.writeTimeout > 0 {
		if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
			return err
		}
	}
	return t.conn.WriteMessage(websocket.TextMessage, []byte(s))
}

func (t *wsTransport) SetReadDeadline(deadline time.Time) error {
	return t.conn.SetReadDeadline(deadline)
}

// Close sends a close frame best-effort and closes the connection.
func (t *wsTransport) Close() error {
	deadline := time.Now().Add(time.Second)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := t.conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil && !isExpectedCloseError(err) {
		log.Printf("[ws] Error writing close message to %s: %v", t.addr, err)
	}
	return t.conn.Close()
}

func (t *wsTransport) RemoteAddr() string {
	return t.addr
}
