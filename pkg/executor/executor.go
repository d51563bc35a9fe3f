// Package executor runs validated plans against Postgres. Every statement
// is parameterized; plan values only ever travel as bind arguments. Writes
// run in a transaction and return post-image rows via RETURNING.
package executor

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/camrenhall/luceron-ai-backend-server/pkg/contracts"
	"github.com/camrenhall/luceron-ai-backend-server/pkg/dsl"
	"github.com/camrenhall/luceron-ai-backend-server/pkg/models"
)

// Querier is the subset of pgxpool.Pool the executor needs.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Error is a typed execution failure that maps onto the response taxonomy.
// Anything else that goes wrong surfaces as a plain error and becomes a 500.
type Error struct {
	Type    models.ErrorType
	Message string
	Details map[string]any
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Result carries the rows produced by a step. Reads return projected rows;
// writes return the full post-image of each affected row.
type Result struct {
	Rows  []map[string]any
	Count int
}

type Executor struct {
	DB Querier
}

func New(db Querier) *Executor {
	return &Executor{DB: db}
}

// Execute runs a single validated step. The contract is the same one the
// step was validated against; the executor trusts its field metadata but
// nothing inside the step's values.
func (e *Executor) Execute(ctx context.Context, step *dsl.Step, contract *contracts.Contract) (*Result, error) {
	switch step.Op {
	case contracts.OpRead:
		return e.executeRead(ctx, step, contract)
	case contracts.OpUpdate:
		return e.executeWrite(ctx, step, contract, buildUpdate)
	case contracts.OpInsert:
		return e.executeWrite(ctx, step, contract, buildInsert)
	default:
		return nil, fmt.Errorf("executor: unsupported op %q", step.Op)
	}
}

func (e *Executor) executeRead(ctx context.Context, step *dsl.Step, contract *contracts.Contract) (*Result, error) {
	query, args, err := buildSelect(step, contract)
	if err != nil {
		return nil, err
	}
	rows, err := e.DB.Query(ctx, query, args...)
	if err != nil {
		return nil, classifyPgError(err)
	}
	collected, err := collectRows(rows)
	if err != nil {
		return nil, classifyPgError(err)
	}
	return &Result{Rows: collected, Count: len(collected)}, nil
}

type buildFunc func(step *dsl.Step, contract *contracts.Contract) (string, []any, error)

func (e *Executor) executeWrite(ctx context.Context, step *dsl.Step, contract *contracts.Contract, build buildFunc) (*Result, error) {
	query, args, err := build(step, contract)
	if err != nil {
		return nil, err
	}
	tx, err := e.DB.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, classifyPgError(err)
	}
	collected, err := collectRows(rows)
	if err != nil {
		return nil, classifyPgError(err)
	}
	if err := checkAffected(step, contract, len(collected)); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, classifyPgError(err)
	}
	return &Result{Rows: collected, Count: len(collected)}, nil
}

// checkAffected enforces the write cardinality the validator promised:
// an UPDATE matches exactly one row or the request fails.
func checkAffected(step *dsl.Step, contract *contracts.Contract, affected int) error {
	if step.Op != contracts.OpUpdate {
		return nil
	}
	switch {
	case affected == 0:
		return &Error{
			Type:    models.ErrResourceNotFound,
			Message: fmt.Sprintf("no %s record matched %s", step.Resource, contract.PrimaryKey),
		}
	case affected > 1:
		// Primary-key equality plus LIMIT 1 cannot legitimately touch more
		// than one row. If it did, the schema and the contract disagree.
		return fmt.Errorf("update on %s affected %d rows, expected 1", step.Resource, affected)
	}
	return nil
}

// collectRows materializes pgx rows into ordered column maps.
func collectRows(rows pgx.Rows) ([]map[string]any, error) {
	defer rows.Close()
	var out []map[string]any
	fields := rows.FieldDescriptions()
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		row := make(map[string]any, len(fields))
		for i, fd := range fields {
			row[fd.Name] = normalizeValue(values[i])
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// normalizeValue flattens pgx driver types into JSON-friendly values.
func normalizeValue(v any) any {
	switch val := v.(type) {
	case [16]byte:
		return uuid.UUID(val).String()
	case driver.Valuer:
		out, err := val.Value()
		if err != nil {
			return nil
		}
		return out
	default:
		return v
	}
}

// classifyPgError maps database errors onto the response taxonomy. Unique
// violations become conflicts, which is what makes retried inserts
// idempotent from the caller's point of view.
func classifyPgError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "23505":
		return &Error{
			Type:    models.ErrConflict,
			Message: "a record with these values already exists",
			Details: map[string]any{"constraint": pgErr.ConstraintName},
		}
	case "23503":
		return &Error{
			Type:    models.ErrResourceNotFound,
			Message: "referenced record does not exist",
			Details: map[string]any{"constraint": pgErr.ConstraintName},
		}
	case "22P02", "22007", "22008", "22001", "42804", "23502", "23514":
		return &Error{
			Type:    models.ErrInvalidQuery,
			Message: fmt.Sprintf("value rejected by the database: %s", pgErr.Message),
			Details: map[string]any{"code": pgErr.Code},
		}
	default:
		return err
	}
}
