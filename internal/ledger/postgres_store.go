package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/mbd888/servicedesk/internal/idgen"
	"github.com/mbd888/servicedesk/internal/pagination"
)

// PostgresStore persists the ledger in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const entryColumns = `id, entry_type, customer_id, freelancer_id, amount, payment_id, withdrawal_id, description, created_at`

const withdrawalColumns = `id, freelancer_id, amount, status, note, created_at, processed_at`

// PostPayment posts p in its own transaction.
func (p *PostgresStore) PostPayment(ctx context.Context, posting Posting) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := PostPaymentTx(ctx, tx, posting); err != nil {
		return err
	}
	return tx.Commit()
}

// PostPaymentTx writes the posting's entries and wallet credit inside tx,
// so the payments store can make them atomic with the payment row. Entries
// already present for the payment are left alone and the wallet is only
// credited when the earning entry is new.
func PostPaymentTx(ctx context.Context, tx *sql.Tx, posting Posting) error {
	now := time.Now().UTC()
	for _, e := range posting.Entries(now) {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO ledger_entries (`+entryColumns+`)
			VALUES ($1, $2, $3, $4, $5::NUMERIC(20,2), $6, NULL, $7, $8)
			ON CONFLICT (payment_id, entry_type) WHERE payment_id IS NOT NULL DO NOTHING
		`, e.ID, string(e.Type), nullStr(e.CustomerID), nullStr(e.FreelancerID), e.Amount, e.PaymentID, e.Description, e.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert %s entry: %w", e.Type, err)
		}
		inserted, _ := res.RowsAffected()
		if inserted == 0 || e.Type != EntryFreelancerEarning {
			continue
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO wallets (freelancer_id, balance, total_earned, updated_at)
			VALUES ($1, $2::NUMERIC(20,2), $2::NUMERIC(20,2), $3)
			ON CONFLICT (freelancer_id) DO UPDATE SET
				balance      = wallets.balance + EXCLUDED.balance,
				total_earned = wallets.total_earned + EXCLUDED.total_earned,
				updated_at   = EXCLUDED.updated_at
		`, e.FreelancerID, e.Amount, now)
		if err != nil {
			return fmt.Errorf("failed to credit wallet: %w", err)
		}
	}
	return nil
}

func (p *PostgresStore) GetWallet(ctx context.Context, freelancerID string) (*Wallet, error) {
	w := &Wallet{FreelancerID: freelancerID}
	err := p.db.QueryRowContext(ctx, `
		SELECT balance, total_earned, updated_at FROM wallets WHERE freelancer_id = $1
	`, freelancerID).Scan(&w.Balance, &w.TotalEarned, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &Wallet{FreelancerID: freelancerID, Balance: decimal.Zero, TotalEarned: decimal.Zero}, nil
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

func (p *PostgresStore) PendingWithdrawal(ctx context.Context, freelancerID string) (*Withdrawal, error) {
	w, err := scanWithdrawal(p.db.QueryRowContext(ctx, `
		SELECT `+withdrawalColumns+` FROM withdrawals
		WHERE freelancer_id = $1 AND status = 'requested'
	`, freelancerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return w, err
}

// CreateWithdrawal locks the wallet row, re-checks for an outstanding
// request and the balance, then writes the withdrawal, the debit and the
// ledger entry together.
func (p *PostgresStore) CreateWithdrawal(ctx context.Context, w *Withdrawal) (*Wallet, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	wallet := &Wallet{FreelancerID: w.FreelancerID}
	err = tx.QueryRowContext(ctx, `
		SELECT balance, total_earned FROM wallets WHERE freelancer_id = $1 FOR UPDATE
	`, w.FreelancerID).Scan(&wallet.Balance, &wallet.TotalEarned)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInsufficientFunds
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock wallet: %w", err)
	}

	var pending bool
	if err := tx.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM withdrawals WHERE freelancer_id = $1 AND status = 'requested')
	`, w.FreelancerID).Scan(&pending); err != nil {
		return nil, err
	}
	if pending {
		return nil, ErrPendingWithdrawal
	}
	if wallet.Balance.LessThan(w.Amount) {
		return nil, ErrInsufficientFunds
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO withdrawals (`+withdrawalColumns+`)
		VALUES ($1, $2, $3::NUMERIC(20,2), 'requested', '', $4, NULL)
	`, w.ID, w.FreelancerID, w.Amount, w.CreatedAt)
	if isUniqueViolation(err) {
		return nil, ErrPendingWithdrawal
	}
	if err != nil {
		return nil, fmt.Errorf("failed to insert withdrawal: %w", err)
	}

	// CHECK (balance >= 0) backs up the comparison above
	err = tx.QueryRowContext(ctx, `
		UPDATE wallets SET balance = balance - $2::NUMERIC(20,2), updated_at = $3
		WHERE freelancer_id = $1
		RETURNING balance, total_earned, updated_at
	`, w.FreelancerID, w.Amount, w.CreatedAt).Scan(&wallet.Balance, &wallet.TotalEarned, &wallet.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to debit wallet: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (`+entryColumns+`)
		VALUES ($1, 'freelancer_withdrawal', NULL, $2, $3::NUMERIC(20,2), NULL, $4, 'withdrawal requested', $5)
	`, idgen.WithPrefix("led_"), w.FreelancerID, w.Amount.Neg(), w.ID, w.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to record entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return wallet, nil
}

func (p *PostgresStore) ResolveWithdrawal(ctx context.Context, id string, to WithdrawalStatus, note string) (*Withdrawal, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	w, err := scanWithdrawal(tx.QueryRowContext(ctx, `
		UPDATE withdrawals SET status = $2, note = $3, processed_at = NOW()
		WHERE id = $1 AND status = 'requested'
		RETURNING `+withdrawalColumns, id, string(to), note))
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		if qerr := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM withdrawals WHERE id = $1)`, id).Scan(&exists); qerr != nil {
			return nil, qerr
		}
		if !exists {
			return nil, ErrWithdrawalNotFound
		}
		return nil, ErrWithdrawalResolved
	}
	if err != nil {
		return nil, err
	}

	if to == WithdrawalRejected {
		if _, err := tx.ExecContext(ctx, `
			UPDATE wallets SET balance = balance + $2::NUMERIC(20,2), updated_at = NOW()
			WHERE freelancer_id = $1
		`, w.FreelancerID, w.Amount); err != nil {
			return nil, fmt.Errorf("failed to credit wallet: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO ledger_entries (`+entryColumns+`)
			VALUES ($1, 'withdrawal_reversal', NULL, $2, $3::NUMERIC(20,2), NULL, $4, 'withdrawal rejected', NOW())
		`, idgen.WithPrefix("led_"), w.FreelancerID, w.Amount, w.ID); err != nil {
			return nil, fmt.Errorf("failed to record reversal: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return w, nil
}

func (p *PostgresStore) GetWithdrawal(ctx context.Context, id string) (*Withdrawal, error) {
	w, err := scanWithdrawal(p.db.QueryRowContext(ctx, `
		SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = $1
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWithdrawalNotFound
	}
	return w, err
}

func (p *PostgresStore) ListWithdrawals(ctx context.Context, status WithdrawalStatus, limit int) ([]*Withdrawal, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+withdrawalColumns+` FROM withdrawals
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2
	`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Withdrawal
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ListEntries(ctx context.Context, freelancerID string, cursor *pagination.Cursor, limit int) ([]*Entry, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if cursor != nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+entryColumns+` FROM ledger_entries
			WHERE freelancer_id = $1 AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4
		`, freelancerID, cursor.CreatedAt, cursor.ID, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+entryColumns+` FROM ledger_entries
			WHERE freelancer_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		`, freelancerID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *PostgresStore) WalletTotals(ctx context.Context) ([]*WalletTotals, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT ids.freelancer_id,
		       COALESCE(w.balance, 0),
		       COALESCE(w.total_earned, 0),
		       COALESCE(s.ledger_sum, 0),
		       COALESCE(s.earning_sum, 0)
		FROM (
			SELECT freelancer_id FROM wallets
			UNION
			SELECT DISTINCT freelancer_id FROM ledger_entries WHERE freelancer_id IS NOT NULL
		) ids
		LEFT JOIN wallets w ON w.freelancer_id = ids.freelancer_id
		LEFT JOIN (
			SELECT freelancer_id,
			       SUM(amount) AS ledger_sum,
			       SUM(amount) FILTER (WHERE entry_type = 'freelancer_earning') AS earning_sum
			FROM ledger_entries
			WHERE freelancer_id IS NOT NULL
			GROUP BY freelancer_id
		) s ON s.freelancer_id = ids.freelancer_id
		ORDER BY ids.freelancer_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*WalletTotals
	for rows.Next() {
		t := &WalletTotals{}
		if err := rows.Scan(&t.FreelancerID, &t.Balance, &t.TotalEarned, &t.LedgerSum, &t.EarningSum); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(sc scanner) (*Entry, error) {
	e := &Entry{}
	var (
		entryType                                    string
		customerID, freelancerID, paymentID, withdID sql.NullString
	)
	if err := sc.Scan(&e.ID, &entryType, &customerID, &freelancerID, &e.Amount,
		&paymentID, &withdID, &e.Description, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.Type = EntryType(entryType)
	e.CustomerID = customerID.String
	e.FreelancerID = freelancerID.String
	e.PaymentID = paymentID.String
	e.WithdrawalID = withdID.String
	return e, nil
}

func scanWithdrawal(sc scanner) (*Withdrawal, error) {
	w := &Withdrawal{}
	var (
		status      string
		processedAt sql.NullTime
	)
	if err := sc.Scan(&w.ID, &w.FreelancerID, &w.Amount, &status, &w.Note, &w.CreatedAt, &processedAt); err != nil {
		return nil, err
	}
	w.Status = WithdrawalStatus(status)
	if processedAt.Valid {
		t := processedAt.Time
		w.ProcessedAt = &t
	}
	return w, nil
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
