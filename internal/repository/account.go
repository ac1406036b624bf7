package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/lib/pq"

	"github.com/guardianvault/recoveryd/internal/model"
)

// Common errors for account repository operations.
var (
	ErrAccountNotFound = errors.New("account not found")
	ErrAccountExists   = errors.New("account already exists")
	ErrVersionConflict = errors.New("account was modified concurrently")
)

const accountColumns = `
	id, owner, phase, previous_owner, recovered_at, outstanding,
	request_id, request_new_owner, request_initiator, request_initiated_at,
	required_quorum, approvals, cancel_votes,
	credit_total, credit_drawn,
	timelock_started_at, timelock_duration_ms,
	social_loan, version, created_at, updated_at
`

// CreateAccount inserts a new account with its guardians. The record's
// Version is set to the stored version.
func (r *Repository) CreateAccount(ctx context.Context, rec *model.AccountRecord) error {
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		query := `
			INSERT INTO accounts (id, owner, phase, outstanding, version, created_at, updated_at)
			VALUES ($1, $2, $3, $4, 1, $5, $6)
		`
		_, err := tx.Exec(ctx, query,
			rec.ID,
			rec.Owner.String(),
			rec.Phase,
			rec.Outstanding,
			rec.CreatedAt,
			rec.UpdatedAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrAccountExists
			}
			return fmt.Errorf("failed to create account: %w", err)
		}
		return writeGuardians(ctx, tx, rec)
	})
	if err != nil {
		return err
	}
	rec.Version = 1
	return nil
}

// GetAccount loads an account with its guardians and the draws of the
// current credit episode.
func (r *Repository) GetAccount(ctx context.Context, id string) (*model.AccountRecord, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`

	rec, err := scanAccount(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, err
	}

	guardians, err := r.listGuardians(ctx, id)
	if err != nil {
		return nil, err
	}
	rec.Guardians = guardians

	if rec.Credit != nil && rec.Request != nil {
		draws, err := r.listDraws(ctx, id, rec.Request.ID)
		if err != nil {
			return nil, err
		}
		rec.Credit.Draws = draws
	}

	return rec, nil
}

// SaveAccount writes rec if the stored version still equals rec.Version,
// then advances rec.Version. Guardians are replaced; draws are appended.
func (r *Repository) SaveAccount(ctx context.Context, rec *model.AccountRecord) error {
	var (
		requestID, newOwner, initiator  *string
		initiatedAt                     *time.Time
		requiredQuorum                  *int
		approvals                       = []string{}
		cancelVotes                     = []string{}
		creditTotal, creditDrawn        *int64
		timelockStart, timelockDeadline *time.Time
		timelockMS                      *int64
		previousOwner                   *string
		socialLoan                      []byte
	)

	if req := rec.Request; req != nil {
		requestID = &req.ID
		no, in := req.NewOwner.String(), req.Initiator.String()
		newOwner, initiator = &no, &in
		initiatedAt = &req.InitiatedAt
		requiredQuorum = &req.RequiredQuorum
		approvals = addressStrings(req.Approvals)
		cancelVotes = addressStrings(req.CancelVotes)
	}
	if c := rec.Credit; c != nil {
		creditTotal, creditDrawn = &c.Total, &c.Drawn
	}
	if w := rec.Timelock; w != nil {
		ms := w.Duration.Milliseconds()
		deadline := w.Deadline()
		timelockStart, timelockMS, timelockDeadline = &w.StartedAt, &ms, &deadline
	}
	if !rec.PreviousOwner.IsZero() {
		p := rec.PreviousOwner.String()
		previousOwner = &p
	}
	if rec.SocialLoan != nil {
		var err error
		if socialLoan, err = json.Marshal(rec.SocialLoan); err != nil {
			return fmt.Errorf("failed to encode social loan: %w", err)
		}
	}

	query := `
		UPDATE accounts SET
			owner = $3, phase = $4, previous_owner = $5, recovered_at = $6, outstanding = $7,
			request_id = $8, request_new_owner = $9, request_initiator = $10, request_initiated_at = $11,
			required_quorum = $12, approvals = $13, cancel_votes = $14,
			credit_total = $15, credit_drawn = $16,
			timelock_started_at = $17, timelock_duration_ms = $18, timelock_deadline = $19,
			social_loan = $20, updated_at = $21, version = version + 1
		WHERE id = $1 AND version = $2
	`
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		result, err := tx.Exec(ctx, query,
			rec.ID, rec.Version,
			rec.Owner.String(), rec.Phase, previousOwner, rec.RecoveredAt, rec.Outstanding,
			requestID, newOwner, initiator, initiatedAt,
			requiredQuorum, pq.Array(approvals), pq.Array(cancelVotes),
			creditTotal, creditDrawn,
			timelockStart, timelockMS, timelockDeadline,
			socialLoan, rec.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to update account: %w", err)
		}
		if result.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM accounts WHERE id = $1)`, rec.ID).Scan(&exists); err != nil {
				return fmt.Errorf("failed to check account: %w", err)
			}
			if !exists {
				return ErrAccountNotFound
			}
			return ErrVersionConflict
		}

		if _, err := tx.Exec(ctx, `DELETE FROM guardians WHERE account_id = $1`, rec.ID); err != nil {
			return fmt.Errorf("failed to clear guardians: %w", err)
		}
		if err := writeGuardians(ctx, tx, rec); err != nil {
			return err
		}
		return writeDraws(ctx, tx, rec)
	})
	if err != nil {
		return err
	}
	rec.Version++
	return nil
}

// ListDueTimelocks returns ids of timelocked accounts whose deadline is not
// after now, oldest deadline first.
func (r *Repository) ListDueTimelocks(ctx context.Context, now time.Time, limit int) ([]string, error) {
	query := `
		SELECT id FROM accounts
		WHERE phase = 'timelocked' AND timelock_deadline <= $1
		ORDER BY timelock_deadline ASC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due timelocks: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan account id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating due timelocks: %w", err)
	}

	return ids, nil
}

func writeGuardians(ctx context.Context, tx pgx.Tx, rec *model.AccountRecord) error {
	if len(rec.Guardians) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	query := `
		INSERT INTO guardians (account_id, address, label, status, position, added_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	for i, g := range rec.Guardians {
		batch.Queue(query, rec.ID, g.Address.String(), g.Label, g.Status, i, g.AddedAt)
	}

	results := tx.SendBatch(ctx, batch)
	defer results.Close()

	for i := range rec.Guardians {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("batch insert guardian %d: %w", i, err)
		}
	}
	return nil
}

func writeDraws(ctx context.Context, tx pgx.Tx, rec *model.AccountRecord) error {
	if rec.Credit == nil || rec.Request == nil || len(rec.Credit.Draws) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	query := `
		INSERT INTO credit_draws (account_id, id, request_id, amount, tx_hash, drawn_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (account_id, request_id, id) DO NOTHING
	`
	for _, d := range rec.Credit.Draws {
		batch.Queue(query, rec.ID, d.ID, rec.Request.ID, d.Amount, d.TxHash, d.DrawnAt)
	}

	results := tx.SendBatch(ctx, batch)
	defer results.Close()

	for i := range rec.Credit.Draws {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("batch insert draw %d: %w", i, err)
		}
	}
	return nil
}

func (r *Repository) listGuardians(ctx context.Context, accountID string) ([]model.Guardian, error) {
	query := `
		SELECT address, label, status, added_at
		FROM guardians
		WHERE account_id = $1
		ORDER BY position ASC
	`

	rows, err := r.pool.Query(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list guardians: %w", err)
	}
	defer rows.Close()

	guardians := []model.Guardian{}
	for rows.Next() {
		var g model.Guardian
		var addr string
		if err := rows.Scan(&addr, &g.Label, &g.Status, &g.AddedAt); err != nil {
			return nil, fmt.Errorf("failed to scan guardian: %w", err)
		}
		g.Address = model.Address(addr)
		guardians = append(guardians, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating guardians: %w", err)
	}
	return guardians, nil
}

func (r *Repository) listDraws(ctx context.Context, accountID, requestID string) ([]model.Draw, error) {
	query := `
		SELECT id, amount, tx_hash, drawn_at
		FROM credit_draws
		WHERE account_id = $1 AND request_id = $2
		ORDER BY drawn_at ASC
	`

	rows, err := r.pool.Query(ctx, query, accountID, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to list draws: %w", err)
	}
	defer rows.Close()

	var draws []model.Draw
	for rows.Next() {
		var d model.Draw
		if err := rows.Scan(&d.ID, &d.Amount, &d.TxHash, &d.DrawnAt); err != nil {
			return nil, fmt.Errorf("failed to scan draw: %w", err)
		}
		draws = append(draws, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating draws: %w", err)
	}
	return draws, nil
}

// scanAccount scans the accounts row. Guardians and draws are loaded separately.
func scanAccount(row pgx.Row) (*model.AccountRecord, error) {
	var (
		rec                            model.AccountRecord
		owner                          string
		previousOwner                  *string
		requestID, newOwner, initiator *string
		initiatedAt                    *time.Time
		requiredQuorum                 *int
		approvals, cancelVotes         []string
		creditTotal, creditDrawn       *int64
		timelockStart                  *time.Time
		timelockMS                     *int64
		socialLoan                     []byte
	)

	err := row.Scan(
		&rec.ID, &owner, &rec.Phase, &previousOwner, &rec.RecoveredAt, &rec.Outstanding,
		&requestID, &newOwner, &initiator, &initiatedAt,
		&requiredQuorum, pq.Array(&approvals), pq.Array(&cancelVotes),
		&creditTotal, &creditDrawn,
		&timelockStart, &timelockMS,
		&socialLoan, &rec.Version, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to scan account: %w", err)
	}

	rec.Owner = model.Address(owner)
	if previousOwner != nil {
		rec.PreviousOwner = model.Address(*previousOwner)
	}

	if requestID != nil {
		req := &model.RecoveryRequest{
			ID:          *requestID,
			Approvals:   toAddresses(approvals),
			CancelVotes: toAddresses(cancelVotes),
		}
		if newOwner != nil {
			req.NewOwner = model.Address(*newOwner)
		}
		if initiator != nil {
			req.Initiator = model.Address(*initiator)
		}
		if initiatedAt != nil {
			req.InitiatedAt = *initiatedAt
		}
		if requiredQuorum != nil {
			req.RequiredQuorum = *requiredQuorum
		}
		rec.Request = req
	}
	if creditTotal != nil && creditDrawn != nil {
		rec.Credit = &model.CreditLine{Total: *creditTotal, Drawn: *creditDrawn}
	}
	if timelockStart != nil && timelockMS != nil {
		rec.Timelock = &model.TimelockWindow{
			StartedAt: *timelockStart,
			Duration:  time.Duration(*timelockMS) * time.Millisecond,
		}
	}
	if len(socialLoan) > 0 {
		var loan model.SocialLoan
		if err := json.Unmarshal(socialLoan, &loan); err != nil {
			return nil, fmt.Errorf("failed to decode social loan: %w", err)
		}
		rec.SocialLoan = &loan
	}

	return &rec, nil
}

func addressStrings(addrs []model.Address) []string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.String()
	}
	return out
}

func toAddresses(ss []string) []model.Address {
	out := make([]model.Address, len(ss))
	for i, s := range ss {
		out[i] = model.Address(s)
	}
	return out
}
