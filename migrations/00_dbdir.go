package migrations

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/wardenwallet/warden/db"
	"github.com/wardenwallet/warden/server"
)

// Releases before the dbdir flag kept the record store inside the
// data directory. Move it to the configured db directory.
func migrateDbDir(ctx context.Context, cfg *server.Config) error {
	oldDbDir := filepath.Join(cfg.DataDir, "records")
	if err := db.Migrate(ctx, cfg.DbDir, oldDbDir); err != nil {
		return fmt.Errorf("migrating record store from %s: %w", oldDbDir, err)
	}
	return nil
}
