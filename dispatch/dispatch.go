// SPDX-FileCopyrightText: © 2025 The Taubenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package dispatch tracks live client sessions and routes queue events to
// them. Each client has at most one live session; a newer connection
// displaces the older one.
package dispatch

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/op/go-logging.v1"

	"github.com/taubenpost/taubenpost/core/log"
	"github.com/taubenpost/taubenpost/internal/constants"
	"github.com/taubenpost/taubenpost/wire"
)

// ErrNoSession is returned by Notify when the client has no live session.
var ErrNoSession = errors.New("dispatch: no live session for client")

// sessionBuffer is the per-session event backlog. Events beyond it are
// coalesced; the queued ones already wake the client.
const sessionBuffer = 16

var (
	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: constants.Namespace,
			Subsystem: constants.DispatchSubsystem,
			Name:      "active_sessions",
			Help:      "Number of live client sessions",
		},
	)
	eventsDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: constants.Namespace,
			Subsystem: constants.DispatchSubsystem,
			Name:      "events_total",
			Help:      "Number of queue events routed to live sessions",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(activeSessions)
	prometheus.MustRegister(eventsDispatched)
}

// Session is one live client connection's event feed.
type Session struct {
	id wire.ClientID
	d  *Dispatch
	ch chan *wire.QueueEvent

	closeOnce sync.Once
}

// Events returns the feed the connection worker drains. The channel is
// closed when the session is displaced by a newer connection for the same
// client or when the registry shuts down.
func (s *Session) Events() <-chan *wire.QueueEvent {
	return s.ch
}

// Close detaches the session from the registry. It is safe to call
// multiple times, and on a session that was already displaced.
func (s *Session) Close() {
	s.d.Lock()
	defer s.d.Unlock()
	if s.d.sessions[s.id] == s {
		delete(s.d.sessions, s.id)
		activeSessions.Dec()
	}
	s.closeOnce.Do(func() { close(s.ch) })
}

// Dispatch is the live session registry.
type Dispatch struct {
	sync.Mutex

	log      *logging.Logger
	sessions map[wire.ClientID]*Session
}

// New constructs an empty registry.
func New(logBackend *log.Backend) *Dispatch {
	return &Dispatch{
		log:      logBackend.GetLogger("dispatch"),
		sessions: make(map[wire.ClientID]*Session),
	}
}

// Register attaches a session for id. An existing session for the same
// client is closed, the newest connection wins.
func (d *Dispatch) Register(id wire.ClientID) *Session {
	s := &Session{
		id: id,
		d:  d,
		ch: make(chan *wire.QueueEvent, sessionBuffer),
	}

	d.Lock()
	old := d.sessions[id]
	d.sessions[id] = s
	if old != nil {
		old.closeOnce.Do(func() { close(old.ch) })
	} else {
		activeSessions.Inc()
	}
	d.Unlock()

	if old != nil {
		d.log.Debugf("Displaced older session for %v", id)
	}
	return s
}

// Notify delivers ev to the client's live session. Delivery never blocks:
// when the session buffer is full the event is coalesced into the pending
// backlog.
func (d *Dispatch) Notify(id wire.ClientID, ev *wire.QueueEvent) error {
	d.Lock()
	defer d.Unlock()

	s := d.sessions[id]
	if s == nil {
		eventsDispatched.WithLabelValues("no_session").Inc()
		return ErrNoSession
	}

	// Register and Close only manipulate a session's channel under the
	// registry lock, so the send can never race a close.
	select {
	case s.ch <- ev:
		eventsDispatched.WithLabelValues("ok").Inc()
	default:
		eventsDispatched.WithLabelValues("coalesced").Inc()
	}
	return nil
}

// CloseAll closes every live session. Called at shutdown after the
// listeners have stopped accepting.
func (d *Dispatch) CloseAll() {
	d.Lock()
	defer d.Unlock()
	for id, s := range d.sessions {
		s.closeOnce.Do(func() { close(s.ch) })
		delete(d.sessions, id)
		activeSessions.Dec()
	}
}
