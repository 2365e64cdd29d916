// SPDX-FileCopyrightText: © 2025 The Taubenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

//go:build windows
// +build windows

package compat

// Umask is a no-op, Windows has no file mode creation mask.
func Umask(mask int) int {
	return 0
}
