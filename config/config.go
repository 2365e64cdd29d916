// SPDX-FileCopyrightText: © 2025 The Taubenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package config provides the Taubenpost delivery server configuration.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

const (
	defaultAddress           = "tcp://127.0.0.1:7214"
	defaultLogLevel          = "NOTICE"
	defaultDatabase          = "storage.db"
	defaultManagementSocket  = "management_sock"
	defaultScheme            = "mem"
	defaultSQLBackend        = "pgx"
	defaultMaxConnections    = 5
	defaultFanOutWorkers     = 3
	defaultMaxFetchCount     = 500
	defaultExpirationDays    = 90
	defaultReservationHours  = 24
	defaultSweepInterval     = 60    // 60 min.
	defaultHandshakeTimeout  = 10000 // 10 sec.

	// BackendBolt is the embedded bbolt storage backend.
	BackendBolt = "bolt"

	// BackendSQL is the external SQL storage backend.
	BackendSQL = "sql"
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Server is the main server configuration.
type Server struct {
	// Identifier is the human readable identifier for the server (eg: FQDN).
	Identifier string

	// Addresses are the URL address/port combinations that the server will
	// bind to for incoming client connections. Supported schemes are tcp,
	// quic and ws.
	Addresses []string

	// DataDir is the absolute path to the server's state files.
	DataDir string
}

func (sCfg *Server) validate() error {
	if sCfg.Identifier == "" {
		return errors.New("config: Server: Identifier is not set")
	}
	if sCfg.Addresses != nil {
		for _, v := range sCfg.Addresses {
			u, err := url.Parse(v)
			if err != nil {
				return fmt.Errorf("config: Server: Address '%v' is invalid: %v", v, err)
			}
			switch u.Scheme {
			case "tcp", "quic", "ws":
			default:
				return fmt.Errorf("config: Server: Address '%v' has invalid scheme '%v'", v, u.Scheme)
			}
			if u.Port() == "" {
				return fmt.Errorf("config: Server: Address '%v' is invalid: Must contain Port", v)
			}
		}
	} else {
		sCfg.Addresses = []string{defaultAddress}
	}
	if !filepath.IsAbs(sCfg.DataDir) {
		return fmt.Errorf("config: Server: DataDir '%v' is not an absolute path", sCfg.DataDir)
	}
	return nil
}

// Logging is the server logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl // Force uppercase.
	return nil
}

// Bolt is the embedded bbolt storage backend configuration.
type Bolt struct {
	// Database is the path to the storage database.  If left empty it will
	// use `storage.db` under the DataDir.
	Database string
}

func (bCfg *Bolt) applyDefaults(sCfg *Server) {
	if bCfg.Database == "" {
		bCfg.Database = filepath.Join(sCfg.DataDir, defaultDatabase)
	}
}

func (bCfg *Bolt) validate() error {
	if !filepath.IsAbs(bCfg.Database) {
		return fmt.Errorf("config: Storage: Database '%v' is not an absolute path", bCfg.Database)
	}
	return nil
}

// SQL is the external SQL storage backend configuration.
type SQL struct {
	// Backend is the SQL implementation to use, currently only "pgx".
	Backend string

	// DataSourceName is the SQL data source name or URI.  The format of
	// this parameter is dependent on the database driver being used.
	DataSourceName string

	// MaxConnections is the connection pool size.
	MaxConnections int
}

func (sqlCfg *SQL) validate() error {
	switch sqlCfg.Backend {
	case "":
		sqlCfg.Backend = defaultSQLBackend
	case defaultSQLBackend:
	default:
		return fmt.Errorf("config: Storage: SQL Backend '%v' is invalid", sqlCfg.Backend)
	}
	if sqlCfg.DataSourceName == "" {
		return errors.New("config: Storage: SQL DataSourceName is not set")
	}
	if sqlCfg.MaxConnections <= 0 {
		sqlCfg.MaxConnections = defaultMaxConnections
	}
	return nil
}

// Storage selects and configures the persistence backend.
type Storage struct {
	// Backend is the storage backend, either "bolt" or "sql".
	Backend string

	// Bolt configures the bbolt backend.
	Bolt *Bolt

	// SQL configures the SQL backend.
	SQL *SQL
}

func (stCfg *Storage) applyDefaults(sCfg *Server) {
	if stCfg.Backend == "" {
		stCfg.Backend = BackendBolt
	}
	if stCfg.Bolt == nil {
		stCfg.Bolt = &Bolt{}
	}
	stCfg.Bolt.applyDefaults(sCfg)
}

func (stCfg *Storage) validate() error {
	switch stCfg.Backend {
	case BackendBolt:
		return stCfg.Bolt.validate()
	case BackendSQL:
		if stCfg.SQL == nil {
			return errors.New("config: Storage: SQL backend selected but no SQL block was present")
		}
		return stCfg.SQL.validate()
	default:
		return fmt.Errorf("config: Storage: Backend '%v' is invalid", stCfg.Backend)
	}
}

// Protocol selects the group key agreement engine.
type Protocol struct {
	// Scheme is the engine name, currently only "mem".
	Scheme string
}

func (pCfg *Protocol) validate() error {
	if pCfg.Scheme == "" {
		pCfg.Scheme = defaultScheme
	}
	return nil
}

// Queues configures the fan-out and message queue subsystem.
type Queues struct {
	// FanOutWorkers is the number of worker instances delivering fan-out
	// payloads to recipient queues.
	FanOutWorkers int

	// MaxFetchCount caps the number of messages a single fetch request may
	// return.
	MaxFetchCount uint64
}

func (qCfg *Queues) validate() error {
	if qCfg.FanOutWorkers <= 0 {
		qCfg.FanOutWorkers = defaultFanOutWorkers
	}
	if qCfg.MaxFetchCount == 0 {
		qCfg.MaxFetchCount = defaultMaxFetchCount
	}
	return nil
}

// Groups configures group state lifetime management.
type Groups struct {
	// ExpirationDays is the number of days of inactivity after which a
	// group's state is purged.
	ExpirationDays int

	// ReservationHours is the number of hours a reserved group id is held
	// before the reservation may be reclaimed.
	ReservationHours int

	// SweepInterval is the interval at which the expiration sweep runs in
	// minutes.
	SweepInterval int
}

func (gCfg *Groups) validate() error {
	if gCfg.ExpirationDays <= 0 {
		gCfg.ExpirationDays = defaultExpirationDays
	}
	if gCfg.ReservationHours <= 0 {
		gCfg.ReservationHours = defaultReservationHours
	}
	if gCfg.SweepInterval <= 0 {
		gCfg.SweepInterval = defaultSweepInterval
	}
	return nil
}

// APNS is the Apple push notification provider configuration.
type APNS struct {
	// KeyID is the provider token signing key id.
	KeyID string

	// TeamID is the Apple developer team id.
	TeamID string

	// Topic is the APNs topic notifications are sent under, usually the
	// app's bundle id.
	Topic string

	// Environment selects the APNs endpoint, either "production" or
	// "sandbox".  Defaults to "production".
	Environment string

	// PrivateKeyFile is the path to the PEM encoded ES256 signing key.  If
	// not absolute it is relative to the DataDir.
	PrivateKeyFile string
}

func (aCfg *APNS) applyDefaults(sCfg *Server) {
	if aCfg.PrivateKeyFile != "" && !filepath.IsAbs(aCfg.PrivateKeyFile) {
		aCfg.PrivateKeyFile = filepath.Join(sCfg.DataDir, aCfg.PrivateKeyFile)
	}
}

func (aCfg *APNS) validate() error {
	if aCfg.KeyID == "" || aCfg.TeamID == "" || aCfg.Topic == "" || aCfg.PrivateKeyFile == "" {
		return errors.New("config: Push: APNS: KeyID, TeamID, Topic and PrivateKeyFile are all required")
	}
	switch aCfg.Environment {
	case "":
		aCfg.Environment = "production"
	case "production", "sandbox":
	default:
		return fmt.Errorf("config: Push: APNS: Environment '%v' is invalid", aCfg.Environment)
	}
	return nil
}

// FCM is the Google push notification provider configuration.
type FCM struct {
	// CredentialsFile is the path to the service account JSON file.  If
	// not absolute it is relative to the DataDir.
	CredentialsFile string
}

func (fCfg *FCM) applyDefaults(sCfg *Server) {
	if fCfg.CredentialsFile != "" && !filepath.IsAbs(fCfg.CredentialsFile) {
		fCfg.CredentialsFile = filepath.Join(sCfg.DataDir, fCfg.CredentialsFile)
	}
}

func (fCfg *FCM) validate() error {
	if fCfg.CredentialsFile == "" {
		return errors.New("config: Push: FCM: CredentialsFile is not set")
	}
	return nil
}

// Push configures the push notification providers.  A platform with no
// block present is skipped at delivery time.
type Push struct {
	APNS *APNS
	FCM  *FCM
}

func (pCfg *Push) applyDefaults(sCfg *Server) {
	if pCfg.APNS != nil {
		pCfg.APNS.applyDefaults(sCfg)
	}
	if pCfg.FCM != nil {
		pCfg.FCM.applyDefaults(sCfg)
	}
}

func (pCfg *Push) validate() error {
	if pCfg.APNS != nil {
		if err := pCfg.APNS.validate(); err != nil {
			return err
		}
	}
	if pCfg.FCM != nil {
		if err := pCfg.FCM.validate(); err != nil {
			return err
		}
	}
	return nil
}

// Management is the management interface configuration.
type Management struct {
	// Enable enables the management interface.
	Enable bool

	// Path specifies the path to the management interface socket.  If left
	// empty it will use `management_sock` under the DataDir.
	Path string
}

func (mCfg *Management) applyDefaults(sCfg *Server) {
	if mCfg.Path == "" {
		mCfg.Path = filepath.Join(sCfg.DataDir, defaultManagementSocket)
	}
}

func (mCfg *Management) validate() error {
	if !mCfg.Enable {
		return nil
	}
	if !filepath.IsAbs(mCfg.Path) {
		return fmt.Errorf("config: Management: Path '%v' is not an absolute path", mCfg.Path)
	}
	return nil
}

// Debug is the server debug configuration.
type Debug struct {
	// MetricsAddress is the address the Prometheus metrics endpoint listens
	// on, empty to disable.
	MetricsAddress string

	// HandshakeTimeout is the maximum time in milliseconds a client session
	// has to complete the hello exchange.
	HandshakeTimeout int

	// GenerateOnly halts and cleans up the server right after long term
	// key generation.
	GenerateOnly bool
}

func (dCfg *Debug) applyDefaults() {
	if dCfg.HandshakeTimeout <= 0 {
		dCfg.HandshakeTimeout = defaultHandshakeTimeout
	}
}

// Config is the top level server configuration.
type Config struct {
	Server     *Server
	Logging    *Logging
	Storage    *Storage
	Protocol   *Protocol
	Queues     *Queues
	Groups     *Groups
	Push       *Push
	Management *Management

	Debug *Debug
}

// FixupAndValidate applies defaults to config entries and validates the
// supplied configuration.  Most people should call one of the Load variants
// instead.
func (cfg *Config) FixupAndValidate() error {
	// The Server section is mandatory, everything else is optional.
	if cfg.Server == nil {
		return errors.New("config: No Server block was present")
	}
	if err := cfg.Server.validate(); err != nil {
		return err
	}

	// Handle missing sections if possible.
	if cfg.Logging == nil {
		cfg.Logging = &defaultLogging
	}
	if cfg.Storage == nil {
		cfg.Storage = &Storage{}
	}
	if cfg.Protocol == nil {
		cfg.Protocol = &Protocol{}
	}
	if cfg.Queues == nil {
		cfg.Queues = &Queues{}
	}
	if cfg.Groups == nil {
		cfg.Groups = &Groups{}
	}
	if cfg.Push == nil {
		cfg.Push = &Push{}
	}
	if cfg.Management == nil {
		cfg.Management = &Management{}
	}
	if cfg.Debug == nil {
		cfg.Debug = &Debug{}
	}
	cfg.Debug.applyDefaults()

	cfg.Storage.applyDefaults(cfg.Server)
	cfg.Push.applyDefaults(cfg.Server)
	cfg.Management.applyDefaults(cfg.Server)

	for _, v := range []interface{ validate() error }{
		cfg.Logging, cfg.Storage, cfg.Protocol, cfg.Queues, cfg.Groups, cfg.Push, cfg.Management,
	} {
		if err := v.validate(); err != nil {
			return err
		}
	}

	return nil
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, err
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
