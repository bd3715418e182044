package migrations

import (
	"context"

	"github.com/wardenwallet/warden/logging"
	"github.com/wardenwallet/warden/server"
)

func Migrate(ctx context.Context, cfg *server.Config) error {
	ctx = logging.NewContext(ctx, logging.FromContext(ctx).Named("migrations"))
	if err := migrateDbDir(ctx, cfg); err != nil {
		return err
	}
	return nil
}
