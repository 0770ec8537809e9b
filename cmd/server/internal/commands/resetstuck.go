package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/polkatax/rewardsync/internal/logger"
	postgresstore "github.com/polkatax/rewardsync/internal/store/postgres"
)

// ResetStuckCmd is the external maintenance operation for jobs a crashed
// process left in_progress. The claim protocol never touches in_progress
// rows, so this is safe to run while servers are active.
type ResetStuckCmd struct {
	OlderThan     time.Duration      `help:"reset in_progress jobs not modified for at least this long" default:"2h"`
	PostgresStore PostgresStoreFlags `embed:"" prefix:"postgres-"`
}

func (c *ResetStuckCmd) Run(globals *Globals) error {
	log := logger.Setup(globals.Debug)
	ctx := context.Background()

	jobStore, err := postgresstore.NewJobStore(ctx, c.PostgresStore.storeConfig())
	if err != nil {
		return fmt.Errorf("failed to open job store: %w", err)
	}
	defer func() {
		if err := jobStore.Stop(); err != nil {
			log.Error().Err(err).Msg("Failed to stop job store")
		}
	}()

	count, err := jobStore.ResetStuck(ctx, c.OlderThan)
	if err != nil {
		return fmt.Errorf("failed to reset stuck jobs: %w", err)
	}

	log.Info().Int("count", count).Dur("older_than", c.OlderThan).Msg("Reset stuck jobs")
	return nil
}
