package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/avast/retry-go"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/yuanfeiw/cmdsched/models"
	"github.com/yuanfeiw/cmdsched/pkg/cmdsched/metrics"
)

// ─────────────────────────────────────────────────────────────────────────────
// Schema
// ─────────────────────────────────────────────────────────────────────────────

// Schema is the DDL for the persistent state layout. Clocks are referenced
// by name rather than a synthetic clock id.
const Schema = `
CREATE TABLE IF NOT EXISTS clocks (
	name       TEXT PRIMARY KEY,
	now        TIMESTAMPTZ NOT NULL,
	start_time TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS clock_mappings (
	value      TEXT PRIMARY KEY,
	clock_name TEXT NOT NULL REFERENCES clocks(name)
);

CREATE TABLE IF NOT EXISTS scheduled_commands (
	aggregate_id                  TEXT NOT NULL,
	sequence_number                BIGINT NOT NULL,
	aggregate_type                 TEXT NOT NULL,
	command_name                   TEXT NOT NULL,
	serialized_command              BYTEA NOT NULL,
	created_time                    TIMESTAMPTZ NOT NULL,
	due_time                        TIMESTAMPTZ,
	applied_time                    TIMESTAMPTZ,
	final_attempt_time              TIMESTAMPTZ,
	attempts                        INTEGER NOT NULL DEFAULT 0,
	clock_name                      TEXT NOT NULL REFERENCES clocks(name),
	non_durable                     BOOLEAN NOT NULL DEFAULT FALSE,
	requires_durable_scheduling     BOOLEAN NOT NULL DEFAULT TRUE,
	PRIMARY KEY (aggregate_id, sequence_number)
);

CREATE INDEX IF NOT EXISTS scheduled_commands_due_idx
	ON scheduled_commands (clock_name, due_time, sequence_number)
	WHERE applied_time IS NULL AND final_attempt_time IS NULL;

CREATE TABLE IF NOT EXISTS command_execution_errors (
	id              BIGSERIAL PRIMARY KEY,
	aggregate_id     TEXT NOT NULL,
	sequence_number  BIGINT NOT NULL,
	error            TEXT NOT NULL,
	recorded_time    TIMESTAMPTZ NOT NULL
);
`

// uniqueViolation is the Postgres error code for a unique-key collision.
const uniqueViolation = "23505"

// ─────────────────────────────────────────────────────────────────────────────
// PostgresStore
// ─────────────────────────────────────────────────────────────────────────────

// PostgresStore implements Store and clock.Store against PostgreSQL via
// pgx/v5, grounded on the claim-and-advance transaction pattern in
// ErlanBelekov/dist-job-scheduler's postgres.ScheduleRepository. It is the
// only package that imports pgx — every raw pgconn.PgError is classified
// into a models sentinel at this boundary.
type PostgresStore struct {
	pool    *pgxpool.Pool
	logger  *slog.Logger
	metrics *metrics.Metrics

	// retryAttempts bounds how many times a transient (non-unique-violation)
	// error is retried before being wrapped in models.ErrStoreUnavailable and
	// surfaced to the caller.
	retryAttempts uint
}

// NewPostgresStore constructs a PostgresStore. Call EnsureSchema once during
// startup to create the tables in Schema if they do not already exist.
func NewPostgresStore(pool *pgxpool.Pool, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(noopWriter{}, nil))
	}
	return &PostgresStore{pool: pool, logger: logger, retryAttempts: 3}
}

// SetMetrics wires store error observability into classify. m may be nil,
// in which case ObserveStoreError is a no-op.
func (s *PostgresStore) SetMetrics(m *metrics.Metrics) { s.metrics = m }

// EnsureSchema applies Schema. It is idempotent.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("store: ensure schema: %w", err)
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Store
// ─────────────────────────────────────────────────────────────────────────────

func (s *PostgresStore) Put(ctx context.Context, cmd *models.ScheduledCommand, seq models.SequenceAssignment) (*models.ScheduledCommand, error) {
	if !seq.SchedulerAssigned {
		cmd.SequenceNumber = seq.CallerAssigned
		inserted, err := s.insertCommand(ctx, cmd)
		if err != nil {
			if isUniqueViolation(err) {
				return nil, fmt.Errorf("store: put %s/%d: %w", cmd.AggregateID, cmd.SequenceNumber, models.ErrDuplicateSchedule)
			}
			return nil, s.classify("put", err)
		}
		return inserted, nil
	}

	// Scheduler-assigned: decrement from -1 until a free slot is found.
	n := int64(-1)
	for {
		cmd.SequenceNumber = n
		inserted, err := s.insertCommand(ctx, cmd)
		if err == nil {
			return inserted, nil
		}
		if !isUniqueViolation(err) {
			return nil, s.classify("put", err)
		}
		n--
	}
}

func (s *PostgresStore) insertCommand(ctx context.Context, cmd *models.ScheduledCommand) (*models.ScheduledCommand, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO scheduled_commands (
			aggregate_id, sequence_number, aggregate_type, command_name,
			serialized_command, created_time, due_time, clock_name,
			non_durable, requires_durable_scheduling, attempts
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 0)
		RETURNING aggregate_id, sequence_number, aggregate_type, command_name,
			serialized_command, created_time, due_time, applied_time,
			final_attempt_time, attempts, clock_name, non_durable,
			requires_durable_scheduling`,
		cmd.AggregateID, cmd.SequenceNumber, cmd.AggregateType, cmd.CommandName,
		cmd.SerializedCommand, cmd.CreatedTime, cmd.DueTime, cmd.ClockName,
		cmd.NonDurable, cmd.RequiresDurableScheduling,
	)
	return scanCommand(row)
}

func (s *PostgresStore) Load(ctx context.Context, aggregateID string, sequenceNumber int64) (*models.ScheduledCommand, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT aggregate_id, sequence_number, aggregate_type, command_name,
			serialized_command, created_time, due_time, applied_time,
			final_attempt_time, attempts, clock_name, non_durable,
			requires_durable_scheduling
		FROM scheduled_commands WHERE aggregate_id = $1 AND sequence_number = $2`,
		aggregateID, sequenceNumber,
	)
	cmd, err := scanCommand(row)
	if err != nil {
		return nil, s.classify("load", err)
	}
	return cmd, nil
}

func (s *PostgresStore) DueOn(ctx context.Context, clockName string, asOf time.Time) ([]*models.ScheduledCommand, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT aggregate_id, sequence_number, aggregate_type, command_name,
			serialized_command, created_time, due_time, applied_time,
			final_attempt_time, attempts, clock_name, non_durable,
			requires_durable_scheduling
		FROM scheduled_commands
		WHERE clock_name = $1
			AND applied_time IS NULL AND final_attempt_time IS NULL
			AND (due_time IS NULL OR due_time <= $2)
		ORDER BY due_time ASC NULLS FIRST, sequence_number ASC`,
		clockName, asOf,
	)
	if err != nil {
		return nil, s.classify("due_on", err)
	}
	defer rows.Close()

	var out []*models.ScheduledCommand
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, s.classify("due_on scan", err)
		}
		out = append(out, cmd)
	}
	if err := rows.Err(); err != nil {
		return nil, s.classify("due_on iterate", err)
	}
	return out, nil
}

func (s *PostgresStore) MarkApplied(ctx context.Context, aggregateID string, sequenceNumber int64, at time.Time) error {
	return s.updateOne(ctx,
		`UPDATE scheduled_commands SET applied_time = $3, final_attempt_time = NULL
		 WHERE aggregate_id = $1 AND sequence_number = $2`,
		aggregateID, sequenceNumber, at)
}

func (s *PostgresStore) MarkAbandoned(ctx context.Context, aggregateID string, sequenceNumber int64, at time.Time) error {
	return s.updateOne(ctx,
		`UPDATE scheduled_commands SET final_attempt_time = $3, applied_time = NULL
		 WHERE aggregate_id = $1 AND sequence_number = $2`,
		aggregateID, sequenceNumber, at)
}

func (s *PostgresStore) Reschedule(ctx context.Context, aggregateID string, sequenceNumber int64, newDueTime time.Time) error {
	return s.updateOne(ctx,
		`UPDATE scheduled_commands SET due_time = $3
		 WHERE aggregate_id = $1 AND sequence_number = $2`,
		aggregateID, sequenceNumber, newDueTime)
}

func (s *PostgresStore) IncrementAttempts(ctx context.Context, aggregateID string, sequenceNumber int64) (int, error) {
	var attempts int
	row := s.pool.QueryRow(ctx, `
		UPDATE scheduled_commands SET attempts = attempts + 1
		WHERE aggregate_id = $1 AND sequence_number = $2
		RETURNING attempts`,
		aggregateID, sequenceNumber)
	if err := row.Scan(&attempts); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, models.ErrNotFound
		}
		return 0, s.classify("increment_attempts", err)
	}
	return attempts, nil
}

func (s *PostgresStore) RecordError(ctx context.Context, aggregateID string, sequenceNumber int64, serializedError string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO command_execution_errors (aggregate_id, sequence_number, error, recorded_time)
		VALUES ($1, $2, $3, NOW())`,
		aggregateID, sequenceNumber, serializedError)
	if err != nil {
		return s.classify("record_error", err)
	}
	return nil
}

// ApplyDeliveryOutcome performs the increment-and-terminate/reschedule
// update inside a single transaction, so a crash partway through never
// leaves attempts incremented without the corresponding terminal state (or
// vice versa).
func (s *PostgresStore) ApplyDeliveryOutcome(ctx context.Context, aggregateID string, sequenceNumber int64, now time.Time, outcome models.Outcome) (*models.ScheduledCommand, error) {
	var result *models.ScheduledCommand
	err := retry.Do(func() error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer func() {
			if err != nil {
				_ = tx.Rollback(ctx)
			}
		}()

		row := tx.QueryRow(ctx, `
			UPDATE scheduled_commands SET attempts = attempts + 1
			WHERE aggregate_id = $1 AND sequence_number = $2
			RETURNING aggregate_id, sequence_number, aggregate_type, command_name,
				serialized_command, created_time, due_time, applied_time,
				final_attempt_time, attempts, clock_name, non_durable,
				requires_durable_scheduling`,
			aggregateID, sequenceNumber)
		cmd, scanErr := scanCommand(row)
		if scanErr != nil {
			err = scanErr
			return err
		}

		switch {
		case outcome.Succeeded:
			if _, execErr := tx.Exec(ctx,
				`UPDATE scheduled_commands SET applied_time = $3 WHERE aggregate_id = $1 AND sequence_number = $2`,
				aggregateID, sequenceNumber, now); execErr != nil {
				err = execErr
				return err
			}
			cmd.AppliedTime = &now
		case outcome.Failure.IsRetryable():
			next := now.Add(*outcome.Failure.RetryAfter)
			if _, execErr := tx.Exec(ctx,
				`UPDATE scheduled_commands SET due_time = $3 WHERE aggregate_id = $1 AND sequence_number = $2`,
				aggregateID, sequenceNumber, next); execErr != nil {
				err = execErr
				return err
			}
			if _, execErr := tx.Exec(ctx,
				`INSERT INTO command_execution_errors (aggregate_id, sequence_number, error, recorded_time) VALUES ($1, $2, $3, $4)`,
				aggregateID, sequenceNumber, outcome.Failure.Exception, now); execErr != nil {
				err = execErr
				return err
			}
			cmd.DueTime = &next
		default:
			if _, execErr := tx.Exec(ctx,
				`UPDATE scheduled_commands SET final_attempt_time = $3 WHERE aggregate_id = $1 AND sequence_number = $2`,
				aggregateID, sequenceNumber, now); execErr != nil {
				err = execErr
				return err
			}
			if _, execErr := tx.Exec(ctx,
				`INSERT INTO command_execution_errors (aggregate_id, sequence_number, error, recorded_time) VALUES ($1, $2, $3, $4)`,
				aggregateID, sequenceNumber, outcome.Failure.Exception, now); execErr != nil {
				err = execErr
				return err
			}
			cmd.FinalAttemptTime = &now
		}

		if err = tx.Commit(ctx); err != nil {
			return err
		}
		result = cmd
		return nil
	},
		retry.Attempts(s.retryAttempts),
		retry.RetryIf(func(err error) bool { return !errors.Is(err, pgx.ErrNoRows) && !isUniqueViolation(err) }),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Warn("store: retrying apply_delivery_outcome", "attempt", n, "error", err.Error())
		}),
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, s.classify("apply_delivery_outcome", err)
	}
	return result, nil
}

func (s *PostgresStore) updateOne(ctx context.Context, sql string, aggregateID string, sequenceNumber int64, arg time.Time) error {
	tag, err := s.pool.Exec(ctx, sql, aggregateID, sequenceNumber, arg)
	if err != nil {
		return s.classify("update", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// clock.Store
// ─────────────────────────────────────────────────────────────────────────────

func (s *PostgresStore) GetClock(ctx context.Context, name string) (*models.Clock, bool, error) {
	row := s.pool.QueryRow(ctx, `SELECT name, now, start_time FROM clocks WHERE name = $1`, name)
	clk, err := scanClock(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, s.classify("get_clock", err)
	}
	return clk, true, nil
}

func (s *PostgresStore) CreateClock(ctx context.Context, name string, now time.Time) (*models.Clock, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO clocks (name, now, start_time) VALUES ($1, $2, $2)
		ON CONFLICT (name) DO UPDATE SET name = clocks.name
		RETURNING name, now, start_time`,
		name, now)
	clk, err := scanClock(row)
	if err != nil {
		return nil, s.classify("create_clock", err)
	}
	return clk, nil
}

func (s *PostgresStore) AdvanceClock(ctx context.Context, name string, target time.Time) (*models.Clock, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO clocks (name, now, start_time) VALUES ($1, $2, $2)
		ON CONFLICT (name) DO UPDATE SET now = $2
		WHERE clocks.now <= $2
		RETURNING name, now, start_time`,
		name, target)
	clk, err := scanClock(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if existing, ok, getErr := s.GetClock(ctx, name); getErr == nil && ok {
				return nil, fmt.Errorf("store: advance %q to %s from %s: %w", name, target, existing.Now, models.ErrClockMovedBackward)
			}
			return nil, fmt.Errorf("store: advance %q to %s: %w", name, target, models.ErrClockMovedBackward)
		}
		return nil, s.classify("advance_clock", err)
	}
	return clk, nil
}

func (s *PostgresStore) LookupMapping(ctx context.Context, value string) (string, bool, error) {
	var clockName string
	row := s.pool.QueryRow(ctx, `SELECT clock_name FROM clock_mappings WHERE value = $1`, value)
	if err := row.Scan(&clockName); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, s.classify("lookup_mapping", err)
	}
	return clockName, true, nil
}

func (s *PostgresStore) UpsertMapping(ctx context.Context, value, clockName string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO clock_mappings (value, clock_name) VALUES ($1, $2)
		ON CONFLICT (value) DO UPDATE SET clock_name = $2`,
		value, clockName)
	if err != nil {
		return s.classify("upsert_mapping", err)
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Scanning / error classification
// ─────────────────────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCommand(row rowScanner) (*models.ScheduledCommand, error) {
	var cmd models.ScheduledCommand
	err := row.Scan(
		&cmd.AggregateID, &cmd.SequenceNumber, &cmd.AggregateType, &cmd.CommandName,
		&cmd.SerializedCommand, &cmd.CreatedTime, &cmd.DueTime, &cmd.AppliedTime,
		&cmd.FinalAttemptTime, &cmd.Attempts, &cmd.ClockName, &cmd.NonDurable,
		&cmd.RequiresDurableScheduling,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("store: scan command: %w", err)
	}
	return &cmd, nil
}

func scanClock(row rowScanner) (*models.Clock, error) {
	var clk models.Clock
	if err := row.Scan(&clk.Name, &clk.Now, &clk.StartTime); err != nil {
		return nil, err
	}
	return &clk, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// classify wraps a raw pgx/pgconn error into models.ErrStoreUnavailable for
// anything that isn't already a recognized sentinel, so no other package in
// this repository needs to import pgx.
func (s *PostgresStore) classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, models.ErrNotFound) || errors.Is(err, models.ErrDuplicateSchedule) || errors.Is(err, models.ErrClockMovedBackward) {
		return err
	}
	s.metrics.ObserveStoreError(op)
	return fmt.Errorf("store: %s: %w: %v", op, models.ErrStoreUnavailable, err)
}

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }
