// Package receipts mantém o log de liquidação: um registro por job x402 cujo
// segredo foi liberado. Usa SQLite (modernc, sem CGO) em modo WAL.
package receipts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("receipt not found")

type Receipt struct {
	JobHash       string    `json:"jobHash"`
	AgentIdentity string    `json:"agentIdentity"`
	Price         uint64    `json:"price"`
	Amount        uint64    `json:"amount"`
	ClaimedAt     time.Time `json:"claimedAt"`
}

type Store struct {
	db *sql.DB
}

// Open abre (ou cria) o banco em path. ":memory:" serve para testes.
func Open(path string) (*Store, error) {
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite é single-writer; e :memory: só existe dentro de uma conexão
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS receipts (
    job_hash       TEXT PRIMARY KEY,
    agent_identity TEXT NOT NULL,
    price          INTEGER NOT NULL,
    amount         INTEGER NOT NULL,
    claimed_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_receipts_claimed ON receipts(claimed_at);
`)
	return err
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func toInt64(v uint64, field string) (int64, error) {
	if v > math.MaxInt64 {
		return 0, fmt.Errorf("%s %d overflows sqlite integer", field, v)
	}
	return int64(v), nil
}

// Record grava o recibo. Gravar o mesmo job de novo não tem efeito.
func (s *Store) Record(ctx context.Context, r Receipt) error {
	price, err := toInt64(r.Price, "price")
	if err != nil {
		return err
	}
	amount, err := toInt64(r.Amount, "amount")
	if err != nil {
		return err
	}
	if r.ClaimedAt.IsZero() {
		r.ClaimedAt = time.Now()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO receipts (job_hash, agent_identity, price, amount, claimed_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(job_hash) DO NOTHING`,
		r.JobHash, r.AgentIdentity, price, amount, r.ClaimedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert receipt: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, jobHash string) (Receipt, error) {
	var (
		r             Receipt
		price, amount int64
		claimedAt     int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT job_hash, agent_identity, price, amount, claimed_at FROM receipts WHERE job_hash = ?`,
		jobHash).Scan(&r.JobHash, &r.AgentIdentity, &price, &amount, &claimedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Receipt{}, ErrNotFound
	}
	if err != nil {
		return Receipt{}, fmt.Errorf("query receipt: %w", err)
	}
	r.Price = uint64(price)
	r.Amount = uint64(amount)
	r.ClaimedAt = time.UnixMilli(claimedAt)
	return r, nil
}

func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM receipts`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count receipts: %w", err)
	}
	return n, nil
}
