package commands

import (
	"database/sql"

	"github.com/spf13/cobra"

	"github.com/teranos/slotpulse/am"
	"github.com/teranos/slotpulse/db"
	"github.com/teranos/slotpulse/errors"
	"github.com/teranos/slotpulse/logger"
)

// dbPathFlag overrides database.path for every command
var dbPathFlag string

// loadConfig loads am config and applies the --db override
func loadConfig() (*am.Config, error) {
	cfg, err := am.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}
	if dbPathFlag != "" {
		cfg.Database.Path = dbPathFlag
	}
	return cfg, nil
}

// openDatabase opens and migrates the configured database
func openDatabase(cfg *am.Config) (*sql.DB, error) {
	path := cfg.GetDatabasePath()
	database, err := db.OpenWithMigrations(path, logger.ComponentLogger("db"))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", path)
	}
	return database, nil
}

// openApp loads config, opens the database and wires the core. The caller
// closes the returned database.
func openApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	conn, err := openDatabase(cfg)
	if err != nil {
		return nil, err
	}
	a, err := newApp(cfg, conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return a, nil
}

// AddGlobalFlags registers flags shared by every command
func AddGlobalFlags(root *cobra.Command) {
	root.PersistentFlags().StringVar(&dbPathFlag, "db", "", "Database path (default: database.path)")
	root.PersistentFlags().Bool("json", false, "Output JSON instead of tables")
}
