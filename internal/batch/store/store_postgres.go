package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"cohort/internal/batch/models"
	"cohort/internal/commitment"
	id "cohort/pkg/domain"
	"cohort/pkg/platform/sentinel"
)

// Schema creates the batch and participant tables.
//
//go:embed schema.sql
var Schema string

const pgUniqueViolation = "23505"

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PostgresStore persists batches in PostgreSQL. Execute serialises writers of
// a batch with SELECT ... FOR UPDATE and double-checks the version counter on
// write.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres constructs a PostgreSQL-backed batch store.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const selectBatch = `
	SELECT id, state, capacity, final_participant_count, created_at, state_changed_at, version
	FROM batches`

const selectParticipants = `
	SELECT batch_id, identity, joined_at, deposit_paid, deposit_paid_at, deposit_amount,
	       balance_paid, balance_paid_at, balance_amount, balance_deadline,
	       slashed, slashed_at, penalty_amount, commitment, removed, removed_at
	FROM participants
	WHERE batch_id = ANY($1)
	ORDER BY batch_id, seq`

func (s *PostgresStore) EnsurePending(ctx context.Context, capacity int, now time.Time) (*models.Batch, error) {
	// The partial unique index turns a concurrent second insert into a no-op.
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO batches (state, capacity, created_at, state_changed_at)
		SELECT $1, $2, $3, $3
		WHERE NOT EXISTS (SELECT 1 FROM batches WHERE state = $1)
		ON CONFLICT DO NOTHING`,
		string(models.StatePending), capacity, now)
	if err != nil {
		return nil, fmt.Errorf("ensure pending batch: %w", err)
	}
	return s.FindCurrent(ctx)
}

func (s *PostgresStore) FindByID(ctx context.Context, batchID id.BatchID) (*models.Batch, error) {
	b, err := scanBatch(s.db.QueryRowContext(ctx, selectBatch+` WHERE id = $1`, int64(batchID)))
	if err != nil {
		return nil, err
	}
	if err := s.attachParticipants(ctx, s.db, b); err != nil {
		return nil, err
	}
	return b, nil
}

func (s *PostgresStore) FindCurrent(ctx context.Context) (*models.Batch, error) {
	b, err := scanBatch(s.db.QueryRowContext(ctx,
		selectBatch+` WHERE state = $1 ORDER BY id LIMIT 1`, string(models.StatePending)))
	if err != nil {
		return nil, err
	}
	if err := s.attachParticipants(ctx, s.db, b); err != nil {
		return nil, err
	}
	return b, nil
}

func (s *PostgresStore) List(ctx context.Context) ([]*models.Batch, error) {
	rows, err := s.db.QueryContext(ctx, selectBatch+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()

	var batches []*models.Batch
	byID := make(map[id.BatchID]*models.Batch)
	var ids []int64
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
		byID[b.ID] = b
		ids = append(ids, int64(b.ID))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	if len(ids) == 0 {
		return batches, nil
	}

	parts, err := loadParticipants(ctx, s.db, ids)
	if err != nil {
		return nil, err
	}
	for batchID, ps := range parts {
		byID[batchID].Participants = ps
	}
	return batches, nil
}

func (s *PostgresStore) Execute(
	ctx context.Context,
	batchID id.BatchID,
	validate func(*models.Batch) error,
	mutate func(*models.Batch),
) (*models.Batch, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultExecuteTimeout)
		defer cancel()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin batch tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	b, err := scanBatch(tx.QueryRowContext(ctx, selectBatch+` WHERE id = $1 FOR UPDATE`, int64(batchID)))
	if err != nil {
		return nil, err
	}
	if err := s.attachParticipants(ctx, tx, b); err != nil {
		return nil, err
	}

	prevVersion := b.Version
	if err := validate(b); err != nil {
		return nil, err
	}
	mutate(b)
	b.Version = prevVersion + 1

	res, err := tx.ExecContext(ctx, `
		UPDATE batches
		SET state = $2, final_participant_count = $3, state_changed_at = $4, version = $5
		WHERE id = $1 AND version = $6`,
		int64(b.ID), string(b.State), b.FinalParticipantCount, b.StateChangedAt, b.Version, prevVersion)
	if err != nil {
		return nil, translateWriteErr("update batch", err)
	}
	if n, err := res.RowsAffected(); err != nil || n != 1 {
		return nil, fmt.Errorf("batch %s changed concurrently: %w", batchID, sentinel.ErrConflict)
	}

	if b.State == models.StatePurged {
		if _, err := tx.ExecContext(ctx, `DELETE FROM participants WHERE batch_id = $1`, int64(b.ID)); err != nil {
			return nil, fmt.Errorf("purge participants: %w", err)
		}
	} else {
		for seq, p := range b.Participants {
			if err := upsertParticipant(ctx, tx, b.ID, seq, p); err != nil {
				return nil, err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, translateWriteErr("commit batch tx", err)
	}
	return b, nil
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) attachParticipants(ctx context.Context, q querier, b *models.Batch) error {
	parts, err := loadParticipants(ctx, q, []int64{int64(b.ID)})
	if err != nil {
		return err
	}
	b.Participants = parts[b.ID]
	return nil
}

// upsertParticipant writes one participant row. The commitment column is
// write-once at the database level as well.
func upsertParticipant(ctx context.Context, q querier, batchID id.BatchID, seq int, p *models.Participant) error {
	var digest []byte
	if p.HasCommitment() {
		digest = p.Commitment[:]
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO participants (
			batch_id, seq, identity, joined_at, deposit_paid, deposit_paid_at, deposit_amount,
			balance_paid, balance_paid_at, balance_amount, balance_deadline,
			slashed, slashed_at, penalty_amount, commitment, removed, removed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (batch_id, seq) DO UPDATE SET
			balance_paid     = EXCLUDED.balance_paid,
			balance_paid_at  = EXCLUDED.balance_paid_at,
			balance_amount   = EXCLUDED.balance_amount,
			balance_deadline = EXCLUDED.balance_deadline,
			slashed          = EXCLUDED.slashed,
			slashed_at       = EXCLUDED.slashed_at,
			penalty_amount   = EXCLUDED.penalty_amount,
			commitment       = COALESCE(participants.commitment, EXCLUDED.commitment),
			removed          = EXCLUDED.removed,
			removed_at       = EXCLUDED.removed_at`,
		int64(batchID), seq, string(p.Identity), p.JoinedAt, p.DepositPaid, p.DepositPaidAt, p.DepositAmount,
		p.BalancePaid, nullTime(p.BalancePaidAt), p.BalanceAmount, nullZeroTime(p.BalanceDeadline),
		p.Slashed, nullTime(p.SlashedAt), p.PenaltyAmount, digest, p.Removed, nullTime(p.RemovedAt),
	)
	if err != nil {
		return translateWriteErr("upsert participant", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBatch(row rowScanner) (*models.Batch, error) {
	var (
		b     models.Batch
		rawID int64
		state string
	)
	err := row.Scan(&rawID, &state, &b.Capacity, &b.FinalParticipantCount, &b.CreatedAt, &b.StateChangedAt, &b.Version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("scan batch: %w", err)
	}
	b.ID = id.BatchID(rawID)
	b.State = models.State(state)
	return &b, nil
}

func loadParticipants(ctx context.Context, q querier, batchIDs []int64) (map[id.BatchID][]*models.Participant, error) {
	rows, err := q.QueryContext(ctx, selectParticipants, pq.Array(batchIDs))
	if err != nil {
		return nil, fmt.Errorf("load participants: %w", err)
	}
	defer rows.Close()

	out := make(map[id.BatchID][]*models.Participant)
	for rows.Next() {
		var (
			p                                   models.Participant
			batchID                             int64
			identity                            string
			balancePaidAt, slashedAt, removedAt sql.NullTime
			deadline                            sql.NullTime
			digest                              []byte
		)
		err := rows.Scan(&batchID, &identity, &p.JoinedAt, &p.DepositPaid, &p.DepositPaidAt, &p.DepositAmount,
			&p.BalancePaid, &balancePaidAt, &p.BalanceAmount, &deadline,
			&p.Slashed, &slashedAt, &p.PenaltyAmount, &digest, &p.Removed, &removedAt)
		if err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		p.Identity = id.Identity(identity)
		p.BalancePaidAt = timePtr(balancePaidAt)
		p.SlashedAt = timePtr(slashedAt)
		p.RemovedAt = timePtr(removedAt)
		if deadline.Valid {
			p.BalanceDeadline = deadline.Time
		}
		if len(digest) == commitment.Size {
			copy(p.Commitment[:], digest)
		}
		out[id.BatchID(batchID)] = append(out[id.BatchID(batchID)], &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load participants: %w", err)
	}
	return out, nil
}

func translateWriteErr(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return fmt.Errorf("%s: %w", op, sentinel.ErrAlreadyUsed)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullZeroTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}
