// SPDX-FileCopyrightText: © 2025 The Taubenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/taubenpost/taubenpost"
	"github.com/taubenpost/taubenpost/common"
	"github.com/taubenpost/taubenpost/config"
	"github.com/taubenpost/taubenpost/core/compat"
)

// Config holds the command line configuration
type Config struct {
	ConfigFile string
	GenOnly    bool
}

// newRootCommand creates the root cobra command
func newRootCommand() *cobra.Command {
	var cfg Config

	cmd := &cobra.Command{
		Use:   "taubenpostd",
		Short: "Taubenpost delivery server",
		Long: `The Taubenpost delivery server is the untrusted server side of an end to
end encrypted group messenger. Group membership state is stored encrypted
under keys held only by the group's members; the server validates and
applies membership operations on the ciphertext it is handed and fans
distributed messages out into per device queues.

Core functionality:
* group state storage, encrypted at rest under member held keys
* membership operation validation and application
* message fan-out into per device message queues
* forward secure per queue message encryption
* device wakeup over APNs and FCM for queues without a live session
* client connections over tcp, quic and websocket transports

Message content is opaque to the server at all times. The server learns
which queues receive messages, never what they contain or who sent them
beyond what the operation itself requires.
`,
		Example: `  # Start the delivery server with the default configuration file
  taubenpostd

  # Start the delivery server with a custom configuration file
  taubenpostd --config /etc/taubenpost/taubenpostd.toml

  # Generate the long term keys and exit (useful for setup)
  taubenpostd -f /etc/taubenpost/taubenpostd.toml --generate-only`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cfg)
		},
	}

	// Configuration flags
	cmd.Flags().StringVarP(&cfg.ConfigFile, "config", "f", "taubenpostd.toml",
		"path to the server configuration file (TOML format)")

	// Operation mode flags
	cmd.Flags().BoolVarP(&cfg.GenOnly, "generate-only", "g", false,
		"generate the long term keys and exit without starting the server")

	return cmd
}

func main() {
	common.ExecuteWithFang(newRootCommand())
}

// runServer starts the delivery server
func runServer(cfg Config) error {
	if cfg.ConfigFile == "" {
		return fmt.Errorf("config file must be specified")
	}

	// Set the umask to something "paranoid".
	compat.Umask(0077)

	// Ensure that a sane number of OS threads is allowed.
	if os.Getenv("GOMAXPROCS") == "" {
		// But only if the user isn't trying to override it.
		nProcs := runtime.GOMAXPROCS(0)
		nCPU := runtime.NumCPU()
		if nProcs < nCPU {
			runtime.GOMAXPROCS(nCPU)
		}
	}

	serverCfg, err := config.LoadFile(cfg.ConfigFile)
	if err != nil {
		return fmt.Errorf("failed to load config file '%v': %v", cfg.ConfigFile, err)
	}
	if cfg.GenOnly {
		serverCfg.Debug.GenerateOnly = true
	}

	// Setup the signal handling.
	haltCh := make(chan os.Signal, 1)
	signal.Notify(haltCh, os.Interrupt, syscall.SIGTERM)

	rotateCh := make(chan os.Signal, 1)
	signal.Notify(rotateCh, syscall.SIGHUP)

	// Start up the server.
	svr, err := taubenpost.New(serverCfg)
	if err != nil {
		if err == taubenpost.ErrGenerateOnly {
			return nil // Exit successfully for generate-only mode
		}
		return fmt.Errorf("failed to spawn server instance: %v", err)
	}
	defer svr.Shutdown()

	// Halt the server gracefully on SIGINT/SIGTERM.
	go func() {
		<-haltCh
		svr.Shutdown()
	}()

	// Rotate server logs upon SIGHUP.
	go func() {
		<-rotateCh
		svr.RotateLog()
	}()

	// Wait for the server to explode or be terminated.
	svr.Wait()
	return nil
}
