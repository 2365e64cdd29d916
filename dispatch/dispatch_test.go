// SPDX-FileCopyrightText: © 2025 The Taubenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/taubenpost/taubenpost/core/log"
	"github.com/taubenpost/taubenpost/wire"
)

func newTestDispatch(t *testing.T) *Dispatch {
	logBackend, err := log.New("", "DEBUG", false)
	require.NoError(t, err)
	return New(logBackend)
}

func TestNotify(t *testing.T) {
	require := require.New(t)
	d := newTestDispatch(t)

	id := wire.NewClientID()
	ev := &wire.QueueEvent{Kind: wire.QueueEventUpdate, Timestamp: time.Now()}
	require.ErrorIs(d.Notify(id, ev), ErrNoSession)

	s := d.Register(id)
	require.NoError(d.Notify(id, ev))
	got := <-s.Events()
	require.Equal(wire.QueueEventUpdate, got.Kind)

	s.Close()
	require.ErrorIs(d.Notify(id, ev), ErrNoSession)
	_, ok := <-s.Events()
	require.False(ok, "events channel closed after Close()")
	s.Close() // Double close is a no-op.
}

func TestDisplacement(t *testing.T) {
	require := require.New(t)
	d := newTestDispatch(t)

	id := wire.NewClientID()
	s1 := d.Register(id)
	s2 := d.Register(id)

	_, ok := <-s1.Events()
	require.False(ok, "older session closed by displacement")

	ev := &wire.QueueEvent{Kind: wire.QueueEventUpdate, Timestamp: time.Now()}
	require.NoError(d.Notify(id, ev))
	require.NotNil(<-s2.Events())

	// Closing the displaced session must not detach the live one.
	s1.Close()
	require.NoError(d.Notify(id, ev))
}

func TestCoalescing(t *testing.T) {
	require := require.New(t)
	d := newTestDispatch(t)

	id := wire.NewClientID()
	s := d.Register(id)

	ev := &wire.QueueEvent{Kind: wire.QueueEventUpdate, Timestamp: time.Now()}
	for i := 0; i < sessionBuffer*2; i++ {
		require.NoError(d.Notify(id, ev), "Notify() must never block")
	}
	require.Len(s.Events(), sessionBuffer)
}

func TestCloseAll(t *testing.T) {
	require := require.New(t)
	d := newTestDispatch(t)

	a := d.Register(wire.NewClientID())
	b := d.Register(wire.NewClientID())
	d.CloseAll()

	_, ok := <-a.Events()
	require.False(ok)
	_, ok = <-b.Events()
	require.False(ok)
}
