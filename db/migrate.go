package db

import (
	"context"
	"fmt"
	"os"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"go.uber.org/zap"

	"github.com/wardenwallet/warden/logging"
)

// Migrate moves a leveldb database from oldDir to targetDir.
// Every key is copied in a single transaction and the old database
// is removed afterwards. A missing old database is not an error;
// an existing target is - data is never merged into a live database.
func Migrate(ctx context.Context, targetDir, oldDir string) error {
	log := logging.FromContext(ctx)
	if oldDir == targetDir {
		log.Debug("skipping in-place DB migration")
		return nil
	}

	oldDb, err := leveldb.OpenFile(oldDir, &opt.Options{ErrorIfMissing: true})
	switch {
	case os.IsNotExist(err):
		log.Debug("skipping DB migration - old DB doesn't exist", zap.String("olddir", oldDir))
		return nil
	case err != nil:
		return fmt.Errorf("opening old DB: %w", err)
	}
	defer oldDb.Close()

	log.Info(
		"migrating DB location",
		zap.String("olddir", oldDir),
		zap.String("targetdir", targetDir),
	)

	targetDb, err := leveldb.OpenFile(targetDir, &opt.Options{ErrorIfExist: true})
	if err != nil {
		return fmt.Errorf("opening target DB: %w", err)
	}
	defer targetDb.Close()

	tx, err := targetDb.OpenTransaction()
	if err != nil {
		return fmt.Errorf("opening target DB transaction: %w", err)
	}
	iter := oldDb.NewIterator(nil, nil)
	defer iter.Release()
	for iter.Next() {
		if err := tx.Put(iter.Key(), iter.Value(), nil); err != nil {
			tx.Discard()
			return fmt.Errorf("copying key %X: %w", iter.Key(), err)
		}
	}
	iter.Release()
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing DB transaction: %w", err)
	}

	if err := oldDb.Close(); err != nil {
		return fmt.Errorf("closing old DB: %w", err)
	}
	if err := os.RemoveAll(oldDir); err != nil {
		return fmt.Errorf("removing old DB: %w", err)
	}
	log.Info("DB migrated to new location")
	return nil
}
