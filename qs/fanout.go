// SPDX-FileCopyrightText: © 2025 The Taubenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package qs

import (
	"errors"

	"github.com/fxamacker/cbor/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/taubenpost/taubenpost/internal/constants"
	"github.com/taubenpost/taubenpost/wire"
)

var fanOutDelivered = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: constants.Namespace,
		Subsystem: constants.QSSubsystem,
		Name:      "fan_out_messages_total",
		Help:      "Number of fan-out messages processed by the delivery workers",
	},
	[]string{"outcome"},
)

func init() {
	prometheus.MustRegister(fanOutDelivered)
}

// Dispatch hands a fan-out message to the delivery workers. It never
// blocks; the group operation that produced the message has already
// committed, so delivery proceeds independently per recipient.
func (q *QS) Dispatch(msg *wire.FanOutMessage) {
	q.ch.In() <- msg
}

func (q *QS) fanOutWorker() {
	for {
		var raw interface{}
		var ok bool
		select {
		case <-q.HaltCh():
			return
		case raw, ok = <-q.ch.Out():
			if !ok {
				return
			}
		}
		q.deliver(raw.(*wire.FanOutMessage))
	}
}

func (q *QS) deliver(msg *wire.FanOutMessage) {
	id, err := q.refKey.OpenClientReference(msg.ClientReference)
	if err != nil {
		fanOutDelivered.WithLabelValues("bad_reference").Inc()
		q.log.Warningf("Dropping fan-out message with undecryptable reference: %v", err)
		return
	}
	payload, err := cbor.Marshal(&msg.Payload)
	if err != nil {
		fanOutDelivered.WithLabelValues("error").Inc()
		q.log.Errorf("Failed to serialize fan-out payload for %v: %v", id, err)
		return
	}
	err = q.Enqueue(id, payload)
	switch {
	case err == nil:
		fanOutDelivered.WithLabelValues("ok").Inc()
	case errors.Is(err, ErrQueueNotFound):
		// The queue reference outlived the client record.
		fanOutDelivered.WithLabelValues("unknown_client").Inc()
		q.log.Debugf("Dropping fan-out message for deprovisioned client %v", id)
	default:
		fanOutDelivered.WithLabelValues("failed").Inc()
		q.log.Warningf("Fan-out enqueue for %v failed: %v", id, err)
	}
}
