package bootstrap

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/LingByte/CareCall/pkg/config"
	"github.com/LingByte/CareCall/pkg/models"
	"gorm.io/gorm"
)

// Options controls database bootstrap
type Options struct {
	Driver      string // overrides config DB driver
	DSN         string // overrides config DSN
	InitSQLPath string // optional .sql script run before migration
	AutoMigrate bool   // migrate the call record tables
}

// SetupDatabase opens the call record store and prepares its schema.
func SetupDatabase(out io.Writer, opts *Options) (*gorm.DB, error) {
	if opts == nil {
		opts = &Options{}
	}
	driver, dsn := opts.Driver, opts.DSN
	if config.GlobalConfig != nil {
		if driver == "" {
			driver = config.GlobalConfig.DB.Driver
		}
		if dsn == "" {
			dsn = config.GlobalConfig.DB.DSN
		}
	}

	db, err := models.OpenDB(driver, dsn)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(out, "database ready: driver=%s\n", driver)

	if opts.InitSQLPath != "" {
		if err := runSQLFile(db, opts.InitSQLPath); err != nil {
			return nil, err
		}
		fmt.Fprintf(out, "init script applied: %s\n", opts.InitSQLPath)
	}
	if opts.AutoMigrate {
		if err := models.Migrate(db); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		fmt.Fprintln(out, "call record tables migrated")
	}
	return db, nil
}

// runSQLFile executes the ;-separated statements of path in one transaction.
func runSQLFile(db *gorm.DB, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read init sql: %w", err)
	}
	return db.Transaction(func(tx *gorm.DB) error {
		for _, stmt := range strings.Split(string(data), ";") {
			stmt = strings.TrimSpace(stmt)
			if stmt == "" || strings.HasPrefix(stmt, "--") {
				continue
			}
			if err := tx.Exec(stmt).Error; err != nil {
				return fmt.Errorf("init sql %q: %w", firstLine(stmt), err)
			}
		}
		return nil
	})
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
