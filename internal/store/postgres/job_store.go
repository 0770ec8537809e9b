package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/polkatax/rewardsync/internal/model"
	"github.com/polkatax/rewardsync/internal/store"
)

const jobColumns = `wallet, blockchain, currency, status, request_id, last_modified,
       sync_from_date, synced_until, data, error, deleted`

// JobStore implements store.JobStore on PostgreSQL. Every status transition is
// a single conditional UPDATE, so several server processes can share one
// database with no extra locking. Change signals travel over NOTIFY/LISTEN,
// which is what lets one process observe writes made by another.
type JobStore struct {
	pool     *pgxpool.Pool
	cfg      *JobStoreConfig
	notifier *store.Notifier

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ store.JobStore = (*JobStore)(nil)

// NewJobStore creates a new PostgreSQL-backed job store.
// It establishes a connection pool and optionally runs migrations.
func NewJobStore(ctx context.Context, cfg *JobStoreConfig) (*JobStore, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.ConnString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	poolConfig.MaxConns = cfg.MaxConns
	poolConfig.MinConns = cfg.MinConns
	poolConfig.MaxConnLifetime = time.Duration(cfg.MaxConnLifetime) * time.Second
	poolConfig.MaxConnIdleTime = time.Duration(cfg.MaxConnIdleTime) * time.Second
	poolConfig.HealthCheckPeriod = 1 * time.Minute
	poolConfig.ConnConfig.ConnectTimeout = 10 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info().
		Str("database", poolConfig.ConnConfig.Database).
		Str("host", poolConfig.ConnConfig.Host).
		Int32("max_conns", cfg.MaxConns).
		Msg("Connected to PostgreSQL")

	if cfg.AutoMigrate {
		if err := runMigrations(ctx, pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	return &JobStore{
		pool:     pool,
		cfg:      cfg,
		notifier: store.NewNotifier(),
	}, nil
}

// Start launches the LISTEN loop that feeds change notifications from
// Postgres into in-process subscribers.
func (s *JobStore) Start(ctx context.Context) error {
	log.Info().Msg("Starting PostgreSQL job store")

	listenCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runListener(listenCtx)
	}()

	return nil
}

// Stop shuts down the listener, subscriber channels and the connection pool.
func (s *JobStore) Stop() error {
	log.Info().Msg("Stopping PostgreSQL job store")

	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	s.notifier.Close()
	s.pool.Close()
	return nil
}

func (s *JobStore) Insert(ctx context.Context, job *model.Job) error {
	dataJSON, errJSON, err := marshalPayloads(job)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO jobs (
			job_id, wallet, blockchain, currency, status, request_id,
			last_modified, sync_from_date, synced_until, data, error, deleted
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, FALSE
		)
	`

	var syncedUntil *int64
	if job.SyncedUntil != 0 {
		syncedUntil = &job.SyncedUntil
	}

	_, err = s.pool.Exec(ctx, query,
		uuid.Must(uuid.NewV7()),
		job.Wallet,
		job.Blockchain,
		job.Currency,
		job.Status,
		job.RequestID,
		job.LastModified,
		job.SyncFromDate,
		syncedUntil,
		dataJSON,
		errJSON,
	)
	if err != nil {
		return mapPostgresError(err)
	}

	log.Info().
		Str("wallet", job.Wallet).
		Str("blockchain", job.Blockchain).
		Str("currency", job.Currency).
		Msg("Inserted job")

	s.publishPendingChanged(ctx)
	return nil
}

func (s *JobStore) Find(ctx context.Context, id model.JobID) (*model.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE wallet = $1 AND blockchain = $2 AND currency = $3 AND NOT deleted
	`

	rows, err := s.pool.Query(ctx, query, id.Wallet, id.Blockchain, id.Currency)
	if err != nil {
		return nil, mapPostgresError(err)
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, store.ErrJobNotFound
	}
	return jobs[0], nil
}

func (s *JobStore) FindByWallet(ctx context.Context, wallet string) ([]*model.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE wallet = $1 AND NOT deleted
		ORDER BY last_modified ASC
	`

	rows, err := s.pool.Query(ctx, query, wallet)
	if err != nil {
		return nil, mapPostgresError(err)
	}
	return collectJobs(rows)
}

func (s *JobStore) ListPending(ctx context.Context) ([]*model.Job, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE status = 'pending' AND NOT deleted
		ORDER BY last_modified ASC
	`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, mapPostgresError(err)
	}
	return collectJobs(rows)
}

// Claim transitions the job to in_progress unless another worker already has
// it. The status guard in the WHERE clause is the whole claim protocol: when
// two processes race, exactly one UPDATE matches a row.
func (s *JobStore) Claim(ctx context.Context, id model.JobID) (*model.Job, error) {
	query := `
		UPDATE jobs
		SET status = 'in_progress', last_modified = NOW()
		WHERE wallet = $1 AND blockchain = $2 AND currency = $3
		  AND NOT deleted
		  AND status <> 'in_progress'
		RETURNING ` + jobColumns + `
	`

	rows, err := s.pool.Query(ctx, query, id.Wallet, id.Blockchain, id.Currency)
	if err != nil {
		return nil, mapPostgresError(err)
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, err
	}

	if len(jobs) == 0 {
		// Zero rows means either the job is gone or someone else holds it.
		if _, findErr := s.Find(ctx, id); findErr != nil {
			return nil, findErr
		}
		return nil, store.ErrAlreadyClaimed
	}

	log.Info().
		Str("wallet", id.Wallet).
		Str("blockchain", id.Blockchain).
		Msg("Claimed job")

	s.publishJobChanged(ctx, id)
	s.publishPendingChanged(ctx)
	return jobs[0], nil
}

func (s *JobStore) Complete(ctx context.Context, id model.JobID, data *model.RewardData, syncedUntil int64) error {
	dataJSON, err := marshalData(data)
	if err != nil {
		return err
	}

	query := `
		UPDATE jobs
		SET status = 'done', data = $4, synced_until = $5, error = NULL, last_modified = NOW()
		WHERE wallet = $1 AND blockchain = $2 AND currency = $3 AND NOT deleted
	`

	tag, err := s.pool.Exec(ctx, query, id.Wallet, id.Blockchain, id.Currency, dataJSON, syncedUntil)
	if err != nil {
		return mapPostgresError(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrJobNotFound
	}

	log.Info().
		Str("wallet", id.Wallet).
		Str("blockchain", id.Blockchain).
		Msg("Completed job")

	s.publishJobChanged(ctx, id)
	return nil
}

func (s *JobStore) Fail(ctx context.Context, id model.JobID, jobErr model.JobError) error {
	errJSON, err := json.Marshal(jobErr)
	if err != nil {
		return fmt.Errorf("failed to marshal job error: %w", err)
	}

	query := `
		UPDATE jobs
		SET status = 'error', error = $4, last_modified = NOW()
		WHERE wallet = $1 AND blockchain = $2 AND currency = $3 AND NOT deleted
	`

	tag, err := s.pool.Exec(ctx, query, id.Wallet, id.Blockchain, id.Currency, errJSON)
	if err != nil {
		return mapPostgresError(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrJobNotFound
	}

	log.Info().
		Str("wallet", id.Wallet).
		Str("blockchain", id.Blockchain).
		Int("code", jobErr.Code).
		Msg("Failed job")

	s.publishJobChanged(ctx, id)
	return nil
}

func (s *JobStore) SoftDelete(ctx context.Context, id model.JobID) error {
	query := `
		UPDATE jobs
		SET deleted = TRUE, last_modified = NOW()
		WHERE wallet = $1 AND blockchain = $2 AND currency = $3 AND NOT deleted
	`

	tag, err := s.pool.Exec(ctx, query, id.Wallet, id.Blockchain, id.Currency)
	if err != nil {
		return mapPostgresError(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrJobNotFound
	}

	s.publishJobChanged(ctx, id)
	s.publishPendingChanged(ctx)
	return nil
}

func (s *JobStore) Purge(ctx context.Context, id model.JobID) error {
	query := `
		DELETE FROM jobs
		WHERE wallet = $1 AND blockchain = $2 AND currency = $3 AND deleted
	`

	if _, err := s.pool.Exec(ctx, query, id.Wallet, id.Blockchain, id.Currency); err != nil {
		return mapPostgresError(err)
	}
	return nil
}

// ResetStuck replaces in_progress jobs abandoned by a crashed process with
// fresh pending rows. The claim's status guard makes this safe to run while
// workers are active: a job that is genuinely being worked on keeps its
// last_modified fresh via Complete/Fail soon after.
func (s *JobStore) ResetStuck(ctx context.Context, olderThan time.Duration) (int, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE status = 'in_progress' AND NOT deleted AND last_modified < $1
	`

	rows, err := s.pool.Query(ctx, query, time.Now().Add(-olderThan))
	if err != nil {
		return 0, mapPostgresError(err)
	}
	stuck, err := collectJobs(rows)
	if err != nil {
		return 0, err
	}

	for _, job := range stuck {
		id := job.ID()
		if err := s.SoftDelete(ctx, id); err != nil {
			log.Warn().Err(err).Str("wallet", id.Wallet).Msg("Failed to soft delete stuck job")
			continue
		}

		fresh := job.Clone()
		fresh.Status = model.StatusPending
		fresh.LastModified = time.Now()
		fresh.Error = nil
		fresh.Deleted = false
		if err := s.Insert(ctx, fresh); err != nil {
			return 0, err
		}
		if err := s.Purge(ctx, id); err != nil {
			log.Warn().Err(err).Str("wallet", id.Wallet).Msg("Failed to purge stuck job remnant")
		}

		log.Info().
			Str("wallet", id.Wallet).
			Str("blockchain", id.Blockchain).
			Time("last_modified", job.LastModified).
			Msg("Reset stuck job to pending")
	}

	return len(stuck), nil
}

func (s *JobStore) SubscribeJobChanged() (<-chan model.JobID, func()) {
	return s.notifier.SubscribeJobChanged()
}

func (s *JobStore) SubscribePendingChanged() (<-chan struct{}, func()) {
	return s.notifier.SubscribePendingChanged()
}

// publishJobChanged sends the job identity over NOTIFY so every process
// attached to the database sees it. Best effort: the write itself has already
// committed, and consumers re-query the store anyway.
func (s *JobStore) publishJobChanged(ctx context.Context, id model.JobID) {
	payload, err := json.Marshal(id)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal job change payload")
		return
	}
	if _, err := s.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, jobChangedChannel, string(payload)); err != nil {
		log.Warn().Err(err).Msg("Failed to publish job change notification")
	}
}

func (s *JobStore) publishPendingChanged(ctx context.Context) {
	if _, err := s.pool.Exec(ctx, `SELECT pg_notify($1, '')`, pendingChangedChannel); err != nil {
		log.Warn().Err(err).Msg("Failed to publish pending change notification")
	}
}

// Helper methods

func marshalPayloads(job *model.Job) ([]byte, []byte, error) {
	dataJSON, err := marshalData(job.Data)
	if err != nil {
		return nil, nil, err
	}

	var errJSON []byte
	if job.Error != nil {
		errJSON, err = json.Marshal(job.Error)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to marshal job error: %w", err)
		}
	}
	return dataJSON, errJSON, nil
}

func marshalData(data *model.RewardData) ([]byte, error) {
	if data == nil {
		return nil, nil
	}
	out, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job data: %w", err)
	}
	return out, nil
}

func collectJobs(rows pgx.Rows) ([]*model.Job, error) {
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		var job model.Job
		var syncedUntil *int64
		var dataJSON, errJSON []byte

		err := rows.Scan(
			&job.Wallet,
			&job.Blockchain,
			&job.Currency,
			&job.Status,
			&job.RequestID,
			&job.LastModified,
			&job.SyncFromDate,
			&syncedUntil,
			&dataJSON,
			&errJSON,
			&job.Deleted,
		)
		if err != nil {
			return nil, mapPostgresError(err)
		}

		if syncedUntil != nil {
			job.SyncedUntil = *syncedUntil
		}
		if dataJSON != nil {
			job.Data = &model.RewardData{}
			if err := json.Unmarshal(dataJSON, job.Data); err != nil {
				return nil, fmt.Errorf("failed to unmarshal job data: %w", err)
			}
		}
		if errJSON != nil {
			job.Error = &model.JobError{}
			if err := json.Unmarshal(errJSON, job.Error); err != nil {
				return nil, fmt.Errorf("failed to unmarshal job error: %w", err)
			}
		}

		jobs = append(jobs, &job)
	}

	if err := rows.Err(); err != nil {
		return nil, mapPostgresError(err)
	}
	return jobs, nil
}
