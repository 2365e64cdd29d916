// SPDX-FileCopyrightText: © 2025 The Taubenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/taubenpost/taubenpost/common"
	"github.com/taubenpost/taubenpost/config"
	"github.com/taubenpost/taubenpost/storage/sqldb"
	"github.com/taubenpost/taubenpost/wire"
)

const configTemplate = `# Taubenpost delivery server configuration.

[Server]
Identifier = "%s"
Addresses = [ "tcp://127.0.0.1:7214" ]
DataDir = "%s"

[Logging]
# File = "taubenpostd.log"
Level = "NOTICE"

[Storage]
# Backend selects the persistence backend, either the embedded "bolt"
# database or an external "sql" database.
Backend = "bolt"

# [Storage.Bolt]
# Database = "storage.db"

# [Storage.SQL]
# Backend = "pgx"
# DataSourceName = "host=localhost port=5432 database=taubenpost"
# MaxConnections = 10

[Protocol]
Scheme = "mem"

[Queues]
FanOutWorkers = 3
MaxFetchCount = 500

[Groups]
ExpirationDays = 90
ReservationHours = 24
SweepInterval = 60

# [Push.APNS]
# KeyID = "ABC123DEFG"
# TeamID = "DEF456GHIJ"
# Topic = "com.example.messenger"
# Environment = "production"
# PrivateKeyFile = "apns_key.pem"

# [Push.FCM]
# CredentialsFile = "fcm_credentials.json"

[Management]
Enable = false
# Path = "management_sock"

# [Debug]
# MetricsAddress = "127.0.0.1:6543"
`

func exampleConfig(identifier, dataDir string) []byte {
	return []byte(fmt.Sprintf(configTemplate, identifier, dataDir))
}

// newRootCommand creates the root cobra command
func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tpadmin",
		Short: "Taubenpost server administration tool",
		Long: `tpadmin bundles the administrative chores around running a Taubenpost
delivery server: writing a starter configuration, preparing the SQL
storage backend and working with group identifiers.`,
	}

	cmd.AddCommand(newGenConfigCommand())
	cmd.AddCommand(newInitDBCommand())
	cmd.AddCommand(newGroupIDCommand())

	return cmd
}

func newGenConfigCommand() *cobra.Command {
	var (
		outFile    string
		identifier string
		dataDir    string
	)

	cmd := &cobra.Command{
		Use:   "genconfig",
		Short: "Write a commented example server configuration",
		Example: `  # Write taubenpostd.toml in the current directory
  tpadmin genconfig --identifier delivery.example.com

  # Write the example configuration to stdout
  tpadmin genconfig -o -`,
		RunE: func(cmd *cobra.Command, args []string) error {
			b := exampleConfig(identifier, dataDir)
			if _, err := config.Load(b); err != nil {
				return fmt.Errorf("generated config does not validate: %v", err)
			}
			if outFile == "-" {
				_, err := os.Stdout.Write(b)
				return err
			}
			return os.WriteFile(outFile, b, 0600)
		},
	}

	cmd.Flags().StringVarP(&outFile, "out", "o", "taubenpostd.toml",
		"output file, '-' for stdout")
	cmd.Flags().StringVar(&identifier, "identifier", "delivery.example.com",
		"server identifier (eg: FQDN)")
	cmd.Flags().StringVar(&dataDir, "datadir", "/var/lib/taubenpost",
		"server data directory")

	return cmd
}

func newInitDBCommand() *cobra.Command {
	var (
		dsn       string
		printOnly bool
	)

	cmd := &cobra.Command{
		Use:   "initdb",
		Short: "Create the SQL storage backend schema",
		Example: `  # Create the schema on a local database
  tpadmin initdb --dsn "host=localhost port=5432 database=taubenpost"

  # Print the schema DDL without touching a database
  tpadmin initdb --print`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if printOnly {
				_, err := fmt.Print(sqldb.Schema())
				return err
			}
			if dsn == "" {
				return fmt.Errorf("required flag --dsn not set")
			}
			if err := sqldb.InitSchema(dsn); err != nil {
				return fmt.Errorf("failed to initialize schema: %v", err)
			}
			fmt.Println("Schema created.")
			return nil
		},
	}

	cmd.Flags().StringVar(&dsn, "dsn", "",
		"SQL data source name or URI")
	cmd.Flags().BoolVar(&printOnly, "print", false,
		"print the schema DDL instead of applying it")

	return cmd
}

func newGroupIDCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "groupid [id]",
		Short: "Generate or canonicalize a group identifier",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				fmt.Println(wire.NewGroupID())
				return nil
			}
			id, err := wire.ParseGroupID(args[0])
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		},
	}

	return cmd
}

func main() {
	common.ExecuteWithFang(newRootCommand())
}
