// SPDX-FileCopyrightText: © 2025 The Taubenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package listener implements the client facing listeners. A client
// connects over tcp, quic or ws, authenticates with a signed hello and
// then receives queue events until either side closes the connection.
package listener

import (
	"container/list"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/quic-go/quic-go"
	"gopkg.in/op/go-logging.v1"

	"github.com/taubenpost/taubenpost/config"
	"github.com/taubenpost/taubenpost/core/log"
	"github.com/taubenpost/taubenpost/core/worker"
	"github.com/taubenpost/taubenpost/dispatch"
	"github.com/taubenpost/taubenpost/internal/constants"
	"github.com/taubenpost/taubenpost/qs"
)

var connectionsAccepted = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: constants.Namespace,
		Subsystem: constants.ListenerSubsystem,
		Name:      "connections_total",
		Help:      "Number of client connection handshakes by outcome",
	},
	[]string{"outcome"},
)

func init() {
	prometheus.MustRegister(connectionsAccepted)
}

var wsUpgrader = websocket.Upgrader{
	// Clients are native apps, not browsers; the Origin header carries
	// no meaning here.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Listener accepts client connections on one configured address.
type Listener struct {
	sync.Mutex
	worker.Worker

	cfg        *config.Config
	logBackend *log.Backend
	log        *logging.Logger
	qs         *qs.QS
	dsp        *dispatch.Dispatch

	l          net.Listener
	httpServer *http.Server // Only for the ws scheme.
	conns      *list.List

	closeAllCh chan interface{}
	closeAllWg sync.WaitGroup
}

// New creates a listener for the given address URL. Supported schemes
// are tcp, tcp4, tcp6, quic and ws.
func New(cfg *config.Config, logBackend *log.Backend, q *qs.QS, dsp *dispatch.Dispatch, id int, addr string) (*Listener, error) {
	l := &Listener{
		cfg:        cfg,
		logBackend: logBackend,
		log:        logBackend.GetLogger(fmt.Sprintf("listener:%d", id)),
		qs:         q,
		dsp:        dsp,
		conns:      list.New(),
		closeAllCh: make(chan interface{}),
	}

	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("listener: malformed address '%v': %v", addr, err)
	}
	switch u.Scheme {
	case "tcp", "tcp4", "tcp6":
		l.l, err = net.Listen(u.Scheme, u.Host)
		if err != nil {
			return nil, fmt.Errorf("listener: failed to listen on '%v': %v", addr, err)
		}
	case "quic":
		ql, err := quic.ListenAddr(u.Host, generateTLSConfig(), quicServerConfig())
		if err != nil {
			return nil, fmt.Errorf("listener: failed to listen on '%v': %v", addr, err)
		}
		l.l = &quicListener{listener: ql}
	case "ws":
		l.l, err = net.Listen("tcp", u.Host)
		if err != nil {
			return nil, fmt.Errorf("listener: failed to listen on '%v': %v", addr, err)
		}
		l.httpServer = &http.Server{Handler: http.HandlerFunc(l.serveWS)}
	default:
		return nil, fmt.Errorf("listener: unsupported scheme '%v'", u.Scheme)
	}

	l.Go(l.worker)
	return l, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr {
	return l.l.Addr()
}

// Halt stops the listener and closes all of its connections.
func (l *Listener) Halt() {
	// Close the listener, wait for worker() to return.
	l.l.Close()
	l.Worker.Halt()

	// Close all connections belonging to the listener.
	close(l.closeAllCh)
	l.closeAllWg.Wait()
}

func (l *Listener) worker() {
	addr := l.l.Addr()
	l.log.Noticef("Listening on: %v", addr)
	defer func() {
		l.log.Noticef("Stopping listening on: %v", addr)
		l.l.Close() // Usually redundant, but harmless.
	}()

	if l.httpServer != nil {
		// Upgraded connections are handed off by serveWS; Serve returns
		// once the underlying listener closes.
		if err := l.httpServer.Serve(l.l); err != http.ErrServerClosed {
			l.log.Debugf("serve returned: %v", err)
		}
		return
	}

	for {
		select {
		case <-l.closeAllCh:
			return
		default:
		}
		conn, err := l.l.Accept()
		if err != nil {
			if e, ok := err.(net.Error); ok && !e.Temporary() {
				l.log.Errorf("accept failure: %v", err)
				return
			}
			continue
		}

		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetKeepAlive(true)
			tcpConn.SetKeepAlivePeriod(constants.KeepAliveInterval)
		}

		l.log.Debugf("Accepted new connection: %v", conn.RemoteAddr())
		l.onNewConn(&streamConn{c: conn})
	}

	// NOTREACHED
}

func (l *Listener) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		l.log.Debugf("Upgrade failed: %v", err)
		return
	}
	l.log.Debugf("Accepted new connection: %v", conn.RemoteAddr())
	l.onNewConn(newWSConn(conn))
}

func (l *Listener) onNewConn(fc frameConn) {
	c := newIncomingConn(l, fc)

	l.closeAllWg.Add(1)
	l.Lock()
	defer func() {
		l.Unlock()
		go c.worker()
	}()
	c.e = l.conns.PushFront(c)
}

func (l *Listener) onClosedConn(c *incomingConn) {
	l.Lock()
	defer func() {
		l.Unlock()
		l.closeAllWg.Done()
	}()
	l.conns.Remove(c.e)
}
