package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"

	"github.com/polkatax/rewardsync/internal/model"
)

// NOTIFY channels shared by all processes attached to the database.
const (
	jobChangedChannel     = "rewardsync_job_changed"
	pendingChangedChannel = "rewardsync_pending_changed"
)

// runListener holds a dedicated connection in LISTEN mode and dispatches
// incoming notifications to in-process subscribers. The connection is
// re-established with exponential backoff whenever it drops; missed signals
// during a gap are acceptable because consumers re-query the store and the
// pending view is primed on startup.
func (s *JobStore) runListener(ctx context.Context) {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 500 * time.Millisecond
	expo.MaxInterval = 30 * time.Second

	_, _ = backoff.Retry(ctx, func() (struct{}, error) {
		started := time.Now()
		err := s.listenOnce(ctx)
		if ctx.Err() != nil {
			return struct{}{}, backoff.Permanent(ctx.Err())
		}

		// A connection that stayed up for a while earns a fresh backoff.
		if time.Since(started) > time.Minute {
			expo.Reset()
		}

		log.Warn().Err(err).Msg("Listen connection lost, reconnecting")
		return struct{}{}, err
	}, backoff.WithBackOff(expo), backoff.WithMaxElapsedTime(0))
}

func (s *JobStore) listenOnce(ctx context.Context) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	for _, channel := range []string{jobChangedChannel, pendingChangedChannel} {
		if _, err := conn.Exec(ctx, "LISTEN "+channel); err != nil {
			return err
		}
	}

	log.Info().Msg("Listening for job change notifications")

	// Notifications emitted while no listener was attached are gone. The
	// channels are live now, so nudge pending consumers to re-query and pick
	// up anything written during the gap.
	s.notifier.NotifyPendingChanged()

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}

		switch notification.Channel {
		case jobChangedChannel:
			var id model.JobID
			if err := json.Unmarshal([]byte(notification.Payload), &id); err != nil {
				log.Warn().Err(err).Str("payload", notification.Payload).Msg("Dropping malformed job change notification")
				continue
			}
			s.notifier.NotifyJobChanged(id)
		case pendingChangedChannel:
			s.notifier.NotifyPendingChanged()
		}
	}
}
