// SPDX-FileCopyrightText: © 2025 The Taubenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package listener

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// maxFrameSize bounds a single frame in either direction.
	maxFrameSize = 1 << 20

	// writeWait is the time allowed to flush one frame to the peer.
	writeWait = 10 * time.Second

	// pongWait is how long a websocket peer may stay silent before the
	// connection is considered dead; pings go out at pingPeriod.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var errFrameTooLarge = errors.New("listener: frame exceeds maximum size")

// frameConn is a message oriented transport carrying one CBOR object per
// frame.
type frameConn interface {
	readFrame() ([]byte, error)
	writeFrame(b []byte) error
	setReadDeadline(t time.Time) error

	// resetReadDeadline arms the post handshake read deadline policy for
	// the transport.
	resetReadDeadline() error

	// keepalive emits a transport level liveness probe where the
	// transport needs one.
	keepalive() error

	remoteAddr() net.Addr
	close() error
}

// streamConn frames a byte stream with a big endian length prefix. It
// serves the tcp and quic transports; peer liveness is the transport's
// problem (TCP keepalives, QUIC idle timeouts).
type streamConn struct {
	c net.Conn
}

func (s *streamConn) readFrame() ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(s.c, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrameSize {
		return nil, errFrameTooLarge
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(s.c, b); err != nil {
		return nil, err
	}
	return b, nil
}

func (s *streamConn) writeFrame(b []byte) error {
	if len(b) > maxFrameSize {
		return errFrameTooLarge
	}
	if err := s.c.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(b)))
	if _, err := s.c.Write(hdr[:]); err != nil {
		return err
	}
	_, err := s.c.Write(b)
	return err
}

func (s *streamConn) setReadDeadline(t time.Time) error { return s.c.SetReadDeadline(t) }
func (s *streamConn) resetReadDeadline() error          { return s.c.SetReadDeadline(time.Time{}) }
func (s *streamConn) keepalive() error                  { return nil }
func (s *streamConn) remoteAddr() net.Addr              { return s.c.RemoteAddr() }
func (s *streamConn) close() error                      { return s.c.Close() }

// wsConn carries one frame per websocket binary message. The server
// pings; a peer that stops ponging times out after pongWait.
type wsConn struct {
	c *websocket.Conn
}

func newWSConn(c *websocket.Conn) *wsConn {
	c.SetReadLimit(maxFrameSize)
	c.SetPongHandler(func(string) error {
		return c.SetReadDeadline(time.Now().Add(pongWait))
	})
	return &wsConn{c: c}
}

func (w *wsConn) readFrame() ([]byte, error) {
	for {
		mt, b, err := w.c.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt == websocket.BinaryMessage {
			return b, nil
		}
		// Control frames are handled by the library; anything else is
		// ignored.
	}
}

func (w *wsConn) writeFrame(b []byte) error {
	if err := w.c.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return w.c.WriteMessage(websocket.BinaryMessage, b)
}

func (w *wsConn) setReadDeadline(t time.Time) error { return w.c.SetReadDeadline(t) }
func (w *wsConn) resetReadDeadline() error          { return w.c.SetReadDeadline(time.Now().Add(pongWait)) }

func (w *wsConn) keepalive() error {
	if err := w.c.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return w.c.WriteMessage(websocket.PingMessage, nil)
}

func (w *wsConn) remoteAddr() net.Addr { return w.c.RemoteAddr() }
func (w *wsConn) close() error         { return w.c.Close() }
