package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// querier is the subset of *sql.DB / *sql.Tx the store uses, so every query
// works identically inside and outside a transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PostgresStore is the production Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
	q  querier
}

// NewPostgresStore creates a store over an open connection pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, q: db}
}

func (s *PostgresStore) Teams() TeamStore               { return &pgTeams{s} }
func (s *PostgresStore) Members() MemberStore           { return &pgMembers{s} }
func (s *PostgresStore) Roles() RoleStore               { return &pgRoles{s} }
func (s *PostgresStore) Tasks() TaskStore               { return &pgTasks{s} }
func (s *PostgresStore) Contracts() ContractStore       { return &pgContracts{s} }
func (s *PostgresStore) Assumptions() AssumptionStore   { return &pgAssumptions{s} }
func (s *PostgresStore) Conflicts() ConflictStore       { return &pgConflicts{s} }
func (s *PostgresStore) Convergences() ConvergenceStore { return &pgConvergences{s} }
func (s *PostgresStore) Streams() StreamStore           { return &pgStreams{s} }
func (s *PostgresStore) Workflows() WorkflowStore       { return &pgWorkflows{s} }
func (s *PostgresStore) Attempts() AttemptStore         { return &pgAttempts{s} }
func (s *PostgresStore) History() HistoryStore          { return &pgHistory{s} }
func (s *PostgresStore) Outbox() OutboxStore            { return &pgOutbox{s} }

// WithinTx runs fn inside one transaction; the tx-bound Store view it
// receives shares the same connection.
func (s *PostgresStore) WithinTx(ctx context.Context, fn func(tx Store) error) error {
	if _, ok := s.q.(*sql.Tx); ok {
		// Already inside a transaction; nested calls join it.
		return fn(s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", mapPGError(err))
	}
	defer func() { _ = tx.Rollback() }()

	txStore := &PostgresStore{db: s.db, q: tx}
	if err := fn(txStore); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", mapPGError(err))
	}
	return nil
}

// mapPGError translates driver errors into the store taxonomy. Unique and
// exclusion violations become ErrConflictingState; connection-class failures
// become ErrStorageUnavailable so the self-healing loop retries them.
func mapPGError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505" || pgErr.Code == "23P01":
			return fmt.Errorf("%w: %s", ErrConflictingState, pgErr.ConstraintName)
		case pgErr.Code == "40001" || pgErr.Code == "40P01":
			return fmt.Errorf("%w: %s", ErrConflictingState, pgErr.Message)
		case strings.HasPrefix(pgErr.Code, "08"), strings.HasPrefix(pgErr.Code, "53"):
			return fmt.Errorf("%w: %s", ErrStorageUnavailable, pgErr.Message)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return err
}

// marshalJSON marshals v for a JSONB column, mapping nil slices to the
// column's empty default.
func marshalJSON(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal jsonb: %w", err)
	}
	if string(data) == "null" {
		return []byte("[]"), nil
	}
	return data, nil
}

func unmarshalJSON(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

// nullString adapts optional text columns.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func fromNull(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}
