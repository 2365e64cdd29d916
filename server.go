// SPDX-FileCopyrightText: © 2025 The Taubenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package taubenpost provides the Taubenpost delivery server.
package taubenpost

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/op/go-logging.v1"

	"github.com/taubenpost/taubenpost/config"
	"github.com/taubenpost/taubenpost/core/log"
	"github.com/taubenpost/taubenpost/core/utils"
	"github.com/taubenpost/taubenpost/crypto/ear"
	"github.com/taubenpost/taubenpost/dispatch"
	"github.com/taubenpost/taubenpost/ds"
	"github.com/taubenpost/taubenpost/internal/instrument"
	"github.com/taubenpost/taubenpost/internal/profiling"
	"github.com/taubenpost/taubenpost/listener"
	"github.com/taubenpost/taubenpost/push"
	"github.com/taubenpost/taubenpost/qs"
	"github.com/taubenpost/taubenpost/storage"
	"github.com/taubenpost/taubenpost/storage/boltstore"
	"github.com/taubenpost/taubenpost/storage/sqldb"
	"github.com/taubenpost/taubenpost/thwack"
	"github.com/taubenpost/taubenpost/wire"
)

const (
	clientReferenceKeyFile = "client_reference.pem"
	clientReferenceKeyType = "TAUBENPOST CLIENT REFERENCE KEY"
	pushTokenKeyFile       = "push_token.pem"
	pushTokenKeyType       = "TAUBENPOST PUSH TOKEN KEY"

	cmdShutdown   = "SHUTDOWN"
	cmdRotateLog  = "ROTATE_LOG"
	cmdGroupSweep = "GROUP_SWEEP"
	cmdQueueDepth = "QUEUE_DEPTH"
)

// ErrGenerateOnly is the error returned when the server initialization
// terminates due to the `GenerateOnly` debug config option.
var ErrGenerateOnly = errors.New("taubenpost: GenerateOnly set")

// Server is a Taubenpost delivery server instance.
type Server struct {
	cfg *config.Config

	refKey   *ear.ClientReferenceKey
	tokenKey *ear.PushTokenKey

	logBackend *log.Backend
	log        *logging.Logger

	store      storage.Store
	sqlDB      *sqldb.SQLDB
	dispatch   *dispatch.Dispatch
	pusher     *push.Service
	qs         *qs.QS
	ds         *ds.DS
	listeners  []*listener.Listener
	management *thwack.Server

	fatalErrCh chan error
	haltedCh   chan interface{}
	haltOnce   sync.Once
}

func (s *Server) initDataDir() error {
	const dirMode = os.ModeDir | 0700
	d := s.cfg.Server.DataDir

	// Initialize the data directory, by ensuring that it exists (or can be
	// created), and that it has the appropriate permissions.
	if fi, err := os.Lstat(d); err != nil {
		// Directory doesn't exist, create one.
		if !os.IsNotExist(err) {
			return fmt.Errorf("taubenpost: failed to stat() DataDir: %v", err)
		}
		if err = os.Mkdir(d, dirMode); err != nil {
			return fmt.Errorf("taubenpost: failed to create DataDir: %v", err)
		}
	} else {
		if !fi.IsDir() {
			return fmt.Errorf("taubenpost: DataDir '%v' is not a directory", d)
		}
		if fi.Mode() != dirMode {
			return fmt.Errorf("taubenpost: DataDir '%v' has invalid permissions '%v'", d, fi.Mode())
		}
	}

	return nil
}

func (s *Server) initLogging() error {
	p := s.cfg.Logging.File
	if !s.cfg.Logging.Disable && s.cfg.Logging.File != "" {
		if !filepath.IsAbs(p) {
			p = filepath.Join(s.cfg.Server.DataDir, p)
		}
	}

	var err error
	s.logBackend, err = log.New(p, s.cfg.Logging.Level, s.cfg.Logging.Disable)
	if err == nil {
		s.log = s.logBackend.GetLogger("server")
	}
	return err
}

// initKeys loads the server's at-rest keys from the DataDir, generating
// fresh ones on first startup.
func (s *Server) initKeys() error {
	refFile := filepath.Join(s.cfg.Server.DataDir, clientReferenceKeyFile)
	tokenFile := filepath.Join(s.cfg.Server.DataDir, pushTokenKeyFile)

	if utils.Exists(refFile) {
		k, err := ear.FromFile(refFile, clientReferenceKeyType)
		if err != nil {
			return err
		}
		s.refKey = &ear.ClientReferenceKey{Key: *k}
	} else {
		var err error
		if s.refKey, err = ear.NewClientReferenceKey(); err != nil {
			return err
		}
		if err = ear.ToFile(refFile, clientReferenceKeyType, &s.refKey.Key); err != nil {
			return err
		}
		s.log.Noticef("Generated client reference key: %v", refFile)
	}

	if utils.Exists(tokenFile) {
		k, err := ear.FromFile(tokenFile, pushTokenKeyType)
		if err != nil {
			return err
		}
		s.tokenKey = &ear.PushTokenKey{Key: *k}
	} else {
		var err error
		if s.tokenKey, err = ear.NewPushTokenKey(); err != nil {
			return err
		}
		if err = ear.ToFile(tokenFile, pushTokenKeyType, &s.tokenKey.Key); err != nil {
			return err
		}
		s.log.Noticef("Generated push token key: %v", tokenFile)
	}

	return nil
}

func (s *Server) initStorage() error {
	var err error
	switch s.cfg.Storage.Backend {
	case config.BackendBolt:
		s.store, err = boltstore.New(s.cfg.Storage.Bolt.Database)
	case config.BackendSQL:
		if s.sqlDB, err = sqldb.New(s.logBackend, s.cfg); err == nil {
			s.store = s.sqlDB.Store()
		}
	default:
		err = fmt.Errorf("taubenpost: unknown storage backend: '%v'", s.cfg.Storage.Backend)
	}
	return err
}

func (s *Server) onGroupSweep(c *thwack.Conn, l string) error {
	n, err := s.ds.Sweep()
	if err != nil {
		c.Log().Errorf("GROUP_SWEEP failed: %v", err)
		return c.WriteReply(thwack.StatusTransactionFailed)
	}
	return c.Writer().PrintfLine("%v %v records removed", thwack.StatusOk, n)
}

func (s *Server) onQueueDepth(c *thwack.Conn, l string) error {
	sp := strings.Split(l, " ")
	if len(sp) != 2 {
		c.Log().Debugf("QUEUE_DEPTH invalid syntax: '%v'", l)
		return c.WriteReply(thwack.StatusSyntaxError)
	}

	id, err := wire.ParseClientID(sp[1])
	if err != nil {
		c.Log().Debugf("QUEUE_DEPTH invalid client id: %v", err)
		return c.WriteReply(thwack.StatusSyntaxError)
	}

	depth, err := s.store.QueueDepth(id)
	if err != nil {
		c.Log().Errorf("QUEUE_DEPTH failed: %v", err)
		return c.WriteReply(thwack.StatusTransactionFailed)
	}
	return c.Writer().PrintfLine("%v %v", thwack.StatusOk, depth)
}

// Shutdown cleanly shuts down a given Server instance.
func (s *Server) Shutdown() {
	s.haltOnce.Do(func() { s.halt() })
}

// Wait waits till the server is terminated for any reason.
func (s *Server) Wait() {
	<-s.haltedCh
}

// RotateLog rotates the log file if logging to a file is enabled.
func (s *Server) RotateLog() {
	err := s.logBackend.Rotate()
	if err != nil {
		s.fatalErrCh <- fmt.Errorf("failed to rotate log file, shutting down server")
	}
}

func (s *Server) halt() {
	// WARNING: The ordering of operations here is deliberate, and should not
	// be altered without a deep understanding of how all the components fit
	// together.

	s.log.Noticef("Starting graceful shutdown.")

	// Stop the management interface.
	if s.management != nil {
		s.management.Halt()
		s.management = nil
	}

	// Stop the listener(s), close all client sessions.
	for i, l := range s.listeners {
		if l != nil {
			l.Halt()
			s.listeners[i] = nil
		}
	}

	// Close any event channels that outlived their session.
	if s.dispatch != nil {
		s.dispatch.CloseAll()
		s.dispatch = nil
	}

	// Stop the delivery service, no new fan-out enters the queue side
	// past this point.
	if s.ds != nil {
		s.ds.Halt()
		s.ds = nil
	}

	// Stop the queue service and its fan-out workers.
	if s.qs != nil {
		s.qs.Halt()
		s.qs = nil
	}

	// Close the storage backend.
	if s.sqlDB != nil {
		s.sqlDB.Close()
		s.sqlDB = nil
		s.store = nil
	} else if s.store != nil {
		s.store.Close()
		s.store = nil
	}

	close(s.fatalErrCh)

	s.log.Noticef("Shutdown complete.")
	close(s.haltedCh)
}

// New returns a new Server instance parameterized with the specified
// configuration.
func New(cfg *config.Config) (*Server, error) {
	s := new(Server)
	s.cfg = cfg
	s.fatalErrCh = make(chan error)
	s.haltedCh = make(chan interface{})

	// Do the early initialization and bring up logging.
	if err := s.initDataDir(); err != nil {
		return nil, err
	}
	if err := s.initLogging(); err != nil {
		return nil, err
	}

	if s.cfg.Logging.Level == "DEBUG" {
		s.log.Warning("Unsafe Debug logging is enabled.")
	}
	s.log.Noticef("Server identifier is: '%v'", s.cfg.Server.Identifier)

	// Initialize the server's at-rest keys.
	if err := s.initKeys(); err != nil {
		s.log.Errorf("Failed to initialize keys: %v", err)
		return nil, err
	}

	if s.cfg.Debug.GenerateOnly {
		return nil, ErrGenerateOnly
	}

	// Past this point, failures need to call s.Shutdown() to do cleanup.
	isOk := false
	defer func() {
		// Something failed in bringing the server up, past the point where
		// files are open etc, clean up the partially constructed instance.
		if !isOk {
			s.Shutdown()
		}
	}()

	// Start the fatal error watcher.
	go func() {
		err, ok := <-s.fatalErrCh
		if !ok {
			// Graceful termination.
			return
		}
		s.log.Warningf("Shutting down due to error: %v", err)
		s.Shutdown()
	}()

	// Initialize the management interface if enabled.
	//
	// Note: This is done first so that other subsystems may register commands.
	if s.cfg.Management.Enable {
		mgmtCfg := &thwack.Config{
			Net:         "unix",
			Addr:        s.cfg.Management.Path,
			ServiceName: s.cfg.Server.Identifier + " Taubenpost Management Interface",
			LogModule:   "mgmt",
			NewLoggerFn: s.logBackend.GetLogger,
		}
		var err error
		if s.management, err = thwack.New(mgmtCfg); err != nil {
			s.log.Errorf("Failed to initialize management interface: %v", err)
			return nil, err
		}

		s.management.RegisterCommand(cmdShutdown, func(c *thwack.Conn, l string) error {
			s.fatalErrCh <- fmt.Errorf("user requested shutdown via mgmt interface")
			return nil
		})
		s.management.RegisterCommand(cmdRotateLog, func(c *thwack.Conn, l string) error {
			if err := s.logBackend.Rotate(); err != nil {
				c.Log().Errorf("ROTATE_LOG failed: %v", err)
				return c.WriteReply(thwack.StatusTransactionFailed)
			}
			return c.WriteReply(thwack.StatusOk)
		})
	}

	// Bring up the storage backend.
	if err := s.initStorage(); err != nil {
		s.log.Errorf("Failed to initialize storage backend: %v", err)
		return nil, err
	}

	// Initialize the session event dispatch and the push providers.
	s.dispatch = dispatch.New(s.logBackend)
	var err error
	if s.pusher, err = push.New(s.cfg.Push, s.logBackend); err != nil {
		s.log.Errorf("Failed to initialize push providers: %v", err)
		return nil, err
	}

	// Initialize the queue service and the delivery service.
	s.qs = qs.New(s.cfg, s.logBackend, s.store, s.refKey, s.tokenKey, s.dispatch, s.pusher)
	if s.ds, err = ds.New(s.cfg, s.logBackend, s.store, s.qs); err != nil {
		s.log.Errorf("Failed to initialize delivery service: %v", err)
		return nil, err
	}
	if s.management != nil {
		s.management.RegisterCommand(cmdGroupSweep, s.onGroupSweep)
		s.management.RegisterCommand(cmdQueueDepth, s.onQueueDepth)
	}

	// Start the Prometheus metrics endpoint.
	instrument.Init(s.cfg.Debug.MetricsAddress)

	// Start the continuous profiler, if it was built in.
	if err = profiling.Start(s.log); err != nil {
		s.log.Warningf("Failed to start profiling: %v", err)
	}

	// Bring the listener(s) online.
	s.listeners = make([]*listener.Listener, 0, len(s.cfg.Server.Addresses))
	for i, addr := range s.cfg.Server.Addresses {
		l, err := listener.New(s.cfg, s.logBackend, s.qs, s.dispatch, i, addr)
		if err != nil {
			s.log.Errorf("Failed to spawn listener on address: %v (%v).", addr, err)
			return nil, err
		}
		s.listeners = append(s.listeners, l)
	}

	// Start listening on the management interface if enabled, now that every
	// subsystem that wants to register commands has had the opportunity to do
	// so.
	if s.management != nil {
		if err = s.management.Start(); err != nil {
			s.log.Errorf("Failed to start management interface: %v", err)
			return nil, err
		}
	}

	isOk = true
	return s, nil
}
