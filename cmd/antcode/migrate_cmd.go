package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/antcode/antcode/pkg/log"
	"github.com/antcode/antcode/pkg/storage"
)

const dbFileName = "antcode.db"

var (
	migrateDataDir string
	migrateBackup  bool
	migrateDryRun  bool
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Bring a data directory's bucket layout up to date",
	Long: "migrate opens the bbolt database under --data-dir, which creates any " +
		"bucket this version of antcode expects but an older database lacks, " +
		"then closes it. Backed up first unless --backup=false.",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := log.WithComponent("migrate")

		if migrateBackup {
			if err := backupDB(migrateDataDir); err != nil {
				return fmt.Errorf("backup database: %w", err)
			}
		}

		if migrateDryRun {
			logger.Info().Str("data_dir", migrateDataDir).Msg("dry run: no changes made")
			return nil
		}

		store, err := storage.NewBoltStore(migrateDataDir)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		if err := store.Close(); err != nil {
			return fmt.Errorf("close database: %w", err)
		}

		logger.Info().Str("data_dir", migrateDataDir).Msg("bucket layout up to date")
		return nil
	},
}

func init() {
	migrateCmd.Flags().StringVar(&migrateDataDir, "data-dir", "./data", "data directory containing antcode.db")
	migrateCmd.Flags().BoolVar(&migrateBackup, "backup", true, "copy antcode.db to antcode.db.bak before migrating")
	migrateCmd.Flags().BoolVar(&migrateDryRun, "dry-run", false, "report what would happen without touching the database")
}

func backupDB(dataDir string) error {
	src := filepath.Join(dataDir, dbFileName)
	if _, err := os.Stat(src); os.IsNotExist(err) {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(src + ".bak")
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
