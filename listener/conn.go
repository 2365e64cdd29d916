// SPDX-FileCopyrightText: © 2025 The Taubenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package listener

import (
	"container/list"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/fxamacker/cbor/v2"
	"gopkg.in/op/go-logging.v1"

	"github.com/taubenpost/taubenpost/wire"
)

// helloGracePeriod bounds the age of a hello timestamp in either
// direction, limiting replay of captured hellos.
const helloGracePeriod = 5 * time.Minute

var connID uint64

type incomingConn struct {
	l   *Listener
	log *logging.Logger

	fc frameConn
	e  *list.Element
	id uint64
}

func newIncomingConn(l *Listener, fc frameConn) *incomingConn {
	c := &incomingConn{
		l:  l,
		fc: fc,
		id: atomic.AddUint64(&connID, 1), // Diagnostic only, wrapping is fine.
	}
	c.log = l.logBackend.GetLogger(fmt.Sprintf("conn:%d", c.id))
	c.log.Debugf("New incoming connection: %v", fc.remoteAddr())
	return c
}

// handshake reads and validates the hello frame. The queue owner key on
// record must have signed the hello, and the timestamp must be fresh.
func (c *incomingConn) handshake() (*wire.ListenHello, error) {
	timeout := time.Duration(c.l.cfg.Debug.HandshakeTimeout) * time.Millisecond
	if err := c.fc.setReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}

	raw, err := c.fc.readFrame()
	if err != nil {
		connectionsAccepted.WithLabelValues("error").Inc()
		return nil, err
	}
	var hello wire.ListenHello
	if err = cbor.Unmarshal(raw, &hello); err != nil {
		connectionsAccepted.WithLabelValues("bad_hello").Inc()
		return nil, fmt.Errorf("malformed hello: %v", err)
	}
	if d := time.Since(hello.Timestamp); d > helloGracePeriod || d < -helloGracePeriod {
		connectionsAccepted.WithLabelValues("stale_hello").Inc()
		return nil, errors.New("hello timestamp outside the grace window")
	}

	ownerKey, err := c.l.qs.OwnerKey(hello.ClientID)
	if err != nil {
		connectionsAccepted.WithLabelValues("unknown_client").Inc()
		return nil, fmt.Errorf("unknown client: %v", err)
	}
	if !ownerKey.Verify(hello.Signature, hello.SigningPayload()) {
		connectionsAccepted.WithLabelValues("bad_signature").Inc()
		return nil, errors.New("hello signature does not verify")
	}

	if err = c.fc.resetReadDeadline(); err != nil {
		return nil, err
	}
	connectionsAccepted.WithLabelValues("ok").Inc()
	return &hello, nil
}

func (c *incomingConn) writeEvent(ev *wire.QueueEvent) error {
	b, err := cbor.Marshal(ev)
	if err != nil {
		return err
	}
	return c.fc.writeFrame(b)
}

func (c *incomingConn) worker() {
	defer func() {
		c.log.Debugf("Closing.")
		c.fc.close()
		c.l.onClosedConn(c)
	}()

	hello, err := c.handshake()
	if err != nil {
		c.log.Debugf("Handshake failed: %v", err)
		return
	}
	c.log.Debugf("Session established for %v", hello.ClientID)

	session := c.l.dsp.Register(hello.ClientID)
	defer session.Close()

	// Anything spooled while the client was offline is announced right
	// away, the client fetches on connect.
	if err = c.writeEvent(&wire.QueueEvent{Kind: wire.QueueEventUpdate, Timestamp: time.Now()}); err != nil {
		c.log.Debugf("Failed to deliver initial event: %v", err)
		return
	}

	// The client has nothing more to say on this connection. The read
	// loop only surfaces peer disconnects and keeps websocket control
	// frames flowing.
	readErrCh := make(chan error, 1)
	go func() {
		for {
			if _, err := c.fc.readFrame(); err != nil {
				readErrCh <- err
				return
			}
		}
	}()

	keepalive := time.NewTicker(pingPeriod)
	defer keepalive.Stop()

	for {
		select {
		case <-c.l.closeAllCh:
			return
		case err := <-readErrCh:
			c.log.Debugf("Peer closed connection: %v", err)
			return
		case <-keepalive.C:
			if err := c.fc.keepalive(); err != nil {
				c.log.Debugf("Keepalive failed: %v", err)
				return
			}
		case ev, ok := <-session.Events():
			if !ok {
				c.log.Debugf("Disconnecting to make room for a newer connection from the same client.")
				return
			}
			if err := c.writeEvent(ev); err != nil {
				c.log.Debugf("Failed to deliver event: %v", err)
				return
			}
		}
	}
}
