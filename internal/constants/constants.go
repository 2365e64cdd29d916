// SPDX-FileCopyrightText: © 2025 The Taubenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package constants defines internal constants for the Taubenpost server.
package constants

import "time"

const (
	// Namespace is the Prometheus namespace for all server metrics.
	Namespace = "taubenpost"

	// DSSubsystem is the Prometheus subsystem for the delivery service.
	DSSubsystem = "ds"

	// QSSubsystem is the Prometheus subsystem for the queue service.
	QSSubsystem = "qs"

	// DispatchSubsystem is the Prometheus subsystem for the live dispatch
	// registry.
	DispatchSubsystem = "dispatch"

	// ListenerSubsystem is the Prometheus subsystem for the listeners.
	ListenerSubsystem = "listener"

	// KeepAliveInterval is the TCP/IP KeepAlive interval.
	KeepAliveInterval = 3 * time.Minute
)
