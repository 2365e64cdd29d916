// SPDX-FileCopyrightText: © 2025 The Taubenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package sqldb interfaces the delivery server with a SQL database.
package sqldb

import (
	"fmt"

	"gopkg.in/op/go-logging.v1"

	"github.com/taubenpost/taubenpost/config"
	"github.com/taubenpost/taubenpost/core/log"
	"github.com/taubenpost/taubenpost/storage"
)

type dbImpl interface {
	storage.Store
}

// SQLDB is a SQL database backed storage instance.
type SQLDB struct {
	cfg *config.Config
	log *logging.Logger

	impl dbImpl
}

// Store returns the storage.Store backed by the SQL database.
func (d *SQLDB) Store() storage.Store {
	return d.impl
}

// Close closes the SQL database connection(s).
func (d *SQLDB) Close() {
	d.impl.Close()
}

// New constructs a new SQLDB instance.
func New(logBackend *log.Backend, cfg *config.Config) (*SQLDB, error) {
	db := &SQLDB{
		cfg: cfg,
		log: logBackend.GetLogger("sqldb"),
	}

	sCfg := cfg.Storage.SQL

	switch sCfg.Backend {
	case implPgx:
		var err error
		db.impl, err = newPgxImpl(db, sCfg.DataSourceName)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("sqldb: Invalid backend: '%v'", sCfg.Backend)
	}

	return db, nil
}
