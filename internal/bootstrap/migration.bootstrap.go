package bootstrap

import (
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/guregu/null/v6"
	"github.com/krobus00/halal-trading-service/internal/config"
	"github.com/krobus00/halal-trading-service/internal/util"
	"github.com/pressly/goose/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const migrationRoot = "migration/postgresql"

func StartMigrate(cmd *cobra.Command, args []string) {
	databaseName, _ := cmd.Flags().GetString("databaseName")
	actionType, _ := cmd.Flags().GetString("action")
	migrationName, _ := cmd.Flags().GetString("name")
	version, _ := cmd.Flags().GetInt64("version")

	dbConfig, ok := config.Env.Database[databaseName]
	if !ok {
		util.ContinueOrFatal(fmt.Errorf("database %q is not configured", databaseName))
	}

	migrationDir := filepath.Join(migrationRoot, databaseName)

	db, err := sql.Open("postgres", dbConfig.DSN)
	util.ContinueOrFatal(err)
	defer db.Close()

	err = goose.SetDialect("postgres")
	util.ContinueOrFatal(err)

	err = runMigration(db, migrationDir, actionType, migrationName, null.IntFrom(version).Int64)
	util.ContinueOrFatal(err)

	logrus.WithFields(logrus.Fields{
		"database": databaseName,
		"action":   actionType,
	}).Info("migration finished")
}

func runMigration(db *sql.DB, dir, action, name string, version int64) error {
	switch action {
	case "create":
		if name == "" {
			return errors.New("--name is required to create a migration")
		}
		return goose.Create(db, dir, name, "sql")
	case "up":
		return goose.Up(db, dir, goose.WithAllowMissing())
	case "up-by-one":
		return goose.UpByOne(db, dir, goose.WithAllowMissing())
	case "up-to":
		return goose.UpTo(db, dir, version, goose.WithAllowMissing())
	case "down":
		return goose.Down(db, dir, goose.WithAllowMissing())
	case "down-to":
		return goose.DownTo(db, dir, version, goose.WithAllowMissing())
	case "status":
		return goose.Status(db, dir)
	case "version":
		return goose.Version(db, dir)
	case "reset":
		if err := goose.Reset(db, dir, goose.WithAllowMissing()); err != nil {
			return err
		}
		return goose.Up(db, dir, goose.WithAllowMissing())
	default:
		return fmt.Errorf("invalid migration action: %s", action)
	}
}
