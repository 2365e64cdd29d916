// SPDX-FileCopyrightText: © 2025 The Taubenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

//go:build !windows
// +build !windows

// Package compat papers over platform specific process setup.
package compat

import "syscall"

// Umask sets the process file mode creation mask.
func Umask(mask int) int {
	return syscall.Umask(mask)
}
