package services

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MegaGrindStone/bank-assistant/internal/ledger"
	"github.com/MegaGrindStone/bank-assistant/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Postgres implements ledger.Store on a PostgreSQL database. Every Update runs in one database transaction.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgres connects to dsn and applies the embedded migrations.
func NewPostgres(ctx context.Context, dsn string, logger *slog.Logger) (Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return Postgres{}, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return Postgres{}, fmt.Errorf("failed to ping postgres: %w", err)
	}

	p := Postgres{pool: pool, logger: logger.With(slog.String("module", "postgres"))}
	if err := p.migrate(ctx); err != nil {
		pool.Close()
		return Postgres{}, err
	}
	return p, nil
}

func (p Postgres) migrate(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(p.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	p.logger.Debug("Migrations applied")
	return nil
}

// Close closes the connection pool.
func (p Postgres) Close() error {
	p.pool.Close()
	return nil
}

const (
	userColumns = `id, display_name, email, phone, account_number, balance, contacts`
	cardColumns = `id, user_id, type, number, credit_limit, current_balance, statement_balance, minimum_payment,
		due_date, status`
	loanColumns = `id, user_id, type, principal, remaining_balance, monthly_payment, interest_rate, term_months,
		due_date, status`
	transactionColumns = `id, user_id, kind, amount, description, category, reference, ts`
)

func scanUser(row pgx.Row) (models.User, error) {
	var u models.User
	var contacts []byte
	err := row.Scan(&u.ID, &u.DisplayName, &u.Email, &u.Phone, &u.AccountNumber, &u.Balance, &contacts)
	if errors.Is(err, pgx.ErrNoRows) {
		return u, ledger.ErrNotFound
	}
	if err != nil {
		return u, err
	}
	if err := json.Unmarshal(contacts, &u.Contacts); err != nil {
		return u, fmt.Errorf("failed to decode contacts: %w", err)
	}
	return u, nil
}

func scanCard(row pgx.Row) (models.Card, error) {
	var c models.Card
	err := row.Scan(&c.ID, &c.UserID, &c.Type, &c.Number, &c.CreditLimit, &c.CurrentBalance, &c.StatementBalance,
		&c.MinimumPayment, &c.DueDate, &c.Status)
	if errors.Is(err, pgx.ErrNoRows) {
		return c, ledger.ErrNotFound
	}
	return c, err
}

func scanLoan(row pgx.Row) (models.Loan, error) {
	var l models.Loan
	err := row.Scan(&l.ID, &l.UserID, &l.Type, &l.Principal, &l.RemainingBalance, &l.MonthlyPayment,
		&l.InterestRate, &l.TermMonths, &l.DueDate, &l.Status)
	if errors.Is(err, pgx.ErrNoRows) {
		return l, ledger.ErrNotFound
	}
	return l, err
}

func scanTransaction(row pgx.Row) (models.Transaction, error) {
	var t models.Transaction
	err := row.Scan(&t.ID, &t.UserID, &t.Kind, &t.Amount, &t.Description, &t.Category, &t.Reference, &t.Timestamp)
	return t, err
}

func collect[T any](rows pgx.Rows, scan func(pgx.Row) (T, error)) ([]T, error) {
	defer rows.Close()
	var out []T
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// Users lists every account holder.
func (p Postgres) Users(ctx context.Context) ([]models.User, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+userColumns+` FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	return collect(rows, scanUser)
}

// User returns one account holder or ledger.ErrNotFound.
func (p Postgres) User(ctx context.Context, userID string) (models.User, error) {
	return scanUser(p.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, userID))
}

// Cards lists the user's cards in creation order.
func (p Postgres) Cards(ctx context.Context, userID string) ([]models.Card, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+cardColumns+` FROM cards WHERE user_id = $1 ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query cards: %w", err)
	}
	return collect(rows, scanCard)
}

// Loans lists the user's loans in creation order.
func (p Postgres) Loans(ctx context.Context, userID string) ([]models.Loan, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+loanColumns+` FROM loans WHERE user_id = $1 ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query loans: %w", err)
	}
	return collect(rows, scanLoan)
}

// Transactions lists the user's transactions, newest first.
func (p Postgres) Transactions(ctx context.Context, userID string) ([]models.Transaction, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE user_id = $1 ORDER BY seq DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	return collect(rows, scanTransaction)
}

// PutUser inserts or replaces an account holder. It is used by seeding.
func (p Postgres) PutUser(ctx context.Context, u models.User) error {
	contacts, err := json.Marshal(u.Contacts)
	if err != nil {
		return fmt.Errorf("failed to encode contacts: %w", err)
	}
	_, err = p.pool.Exec(ctx, `INSERT INTO users (`+userColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET display_name = $2, email = $3, phone = $4, account_number = $5,
		balance = $6, contacts = $7`,
		u.ID, u.DisplayName, u.Email, u.Phone, u.AccountNumber, u.Balance, contacts)
	return err
}

// Update runs fn in a single database transaction.
func (p Postgres) Update(ctx context.Context, fn func(tx ledger.Tx) error) error {
	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		return fn(pgLedgerTx{ctx: ctx, tx: tx})
	})
}

type pgLedgerTx struct {
	ctx context.Context
	tx  pgx.Tx
}

func (t pgLedgerTx) User(userID string) (models.User, error) {
	return scanUser(t.tx.QueryRow(t.ctx, `SELECT `+userColumns+` FROM users WHERE id = $1 FOR UPDATE`, userID))
}

func (t pgLedgerTx) Card(userID, cardID string) (models.Card, error) {
	return scanCard(t.tx.QueryRow(t.ctx,
		`SELECT `+cardColumns+` FROM cards WHERE user_id = $1 AND id = $2 FOR UPDATE`, userID, cardID))
}

func (t pgLedgerTx) Loan(userID, loanID string) (models.Loan, error) {
	return scanLoan(t.tx.QueryRow(t.ctx,
		`SELECT `+loanColumns+` FROM loans WHERE user_id = $1 AND id = $2 FOR UPDATE`, userID, loanID))
}

func (t pgLedgerTx) AdjustBalance(userID string, delta models.Money) (models.User, error) {
	u, err := t.User(userID)
	if err != nil {
		return models.User{}, err
	}
	if u.Balance+delta < 0 {
		return models.User{}, ledger.ErrOverdraft
	}
	u.Balance += delta
	if _, err := t.tx.Exec(t.ctx, `UPDATE users SET balance = $2 WHERE id = $1`, userID, u.Balance); err != nil {
		return models.User{}, fmt.Errorf("failed to update balance: %w", err)
	}
	return u, nil
}

func (t pgLedgerTx) RecordTransaction(txn models.Transaction) error {
	_, err := t.tx.Exec(t.ctx, `INSERT INTO transactions (`+transactionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		txn.ID, txn.UserID, txn.Kind, txn.Amount, txn.Description, txn.Category, txn.Reference, txn.Timestamp)
	return err
}

func (t pgLedgerTx) PutCard(c models.Card) error {
	_, err := t.tx.Exec(t.ctx, `INSERT INTO cards (`+cardColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (user_id, id) DO UPDATE SET type = $3, number = $4, credit_limit = $5, current_balance = $6,
		statement_balance = $7, minimum_payment = $8, due_date = $9, status = $10`,
		c.ID, c.UserID, c.Type, c.Number, c.CreditLimit, c.CurrentBalance, c.StatementBalance, c.MinimumPayment,
		c.DueDate, c.Status)
	return err
}

func (t pgLedgerTx) PutLoan(l models.Loan) error {
	_, err := t.tx.Exec(t.ctx, `INSERT INTO loans (`+loanColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (user_id, id) DO UPDATE SET type = $3, principal = $4, remaining_balance = $5,
		monthly_payment = $6, interest_rate = $7, term_months = $8, due_date = $9, status = $10`,
		l.ID, l.UserID, l.Type, l.Principal, l.RemainingBalance, l.MonthlyPayment, l.InterestRate, l.TermMonths,
		l.DueDate, l.Status)
	return err
}

func (t pgLedgerTx) UpdateDueDate(accountType ledger.AccountType, userID, accountID string, due time.Time) error {
	var table string
	switch accountType {
	case ledger.AccountCard:
		table = "cards"
	case ledger.AccountLoan:
		table = "loans"
	default:
		return fmt.Errorf("unknown account type %q", accountType)
	}
	tag, err := t.tx.Exec(t.ctx, `UPDATE `+table+` SET due_date = $3 WHERE user_id = $1 AND id = $2`,
		userID, accountID, due)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

func (t pgLedgerTx) SetLoanStatus(userID, loanID string, status models.LoanStatus) error {
	tag, err := t.tx.Exec(t.ctx, `UPDATE loans SET status = $3 WHERE user_id = $1 AND id = $2`,
		userID, loanID, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ledger.ErrNotFound
	}
	return nil
}
