package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakeAuditDB struct {
	execErr   error
	rowErr    error
	rowValues []any
	execArgs  []any
	queryArgs []any
}

func (f *fakeAuditDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	_ = ctx
	_ = sql
	f.execArgs = append([]any(nil), args...)
	return pgconn.NewCommandTag("INSERT 0 1"), f.execErr
}

func (f *fakeAuditDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	_ = ctx
	_ = sql
	f.queryArgs = append([]any(nil), args...)
	return &fakeAuditRow{values: f.rowValues, err: f.rowErr}
}

type fakeAuditRow struct {
	values []any
	err    error
}

func (r *fakeAuditRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.values) {
		return fmt.Errorf("scan arity mismatch: got=%d want=%d", len(dest), len(r.values))
	}
	for i := range dest {
		if err := assignAuditScan(dest[i], r.values[i]); err != nil {
			return err
		}
	}
	return nil
}

func assignAuditScan(dest any, val any) error {
	switch d := dest.(type) {
	case *string:
		v, ok := val.(string)
		if !ok {
			return fmt.Errorf("expected string, got %T", val)
		}
		*d = v
		return nil
	case *int:
		v, ok := val.(int)
		if !ok {
			return fmt.Errorf("expected int, got %T", val)
		}
		*d = v
		return nil
	case *int64:
		v, ok := val.(int64)
		if !ok {
			return fmt.Errorf("expected int64, got %T", val)
		}
		*d = v
		return nil
	case *json.RawMessage:
		switch v := val.(type) {
		case json.RawMessage:
			*d = append((*d)[:0], v...)
		case []byte:
			*d = append((*d)[:0], v...)
		case string:
			*d = json.RawMessage(v)
		default:
			return fmt.Errorf("expected json raw, got %T", val)
		}
		return nil
	case *time.Time:
		v, ok := val.(time.Time)
		if !ok {
			return fmt.Errorf("expected time.Time, got %T", val)
		}
		*d = v
		return nil
	default:
		return fmt.Errorf("unsupported scan dest %T", dest)
	}
}

func rawArgString(v any) string {
	switch t := v.(type) {
	case json.RawMessage:
		return string(t)
	case []byte:
		return string(t)
	case string:
		return t
	default:
		return fmt.Sprint(v)
	}
}

func TestWriterAppendAndGet(t *testing.T) {
	now := time.Date(2026, 8, 6, 12, 0, 0, 0, time.UTC)
	plan := json.RawMessage(`{"steps":[{"op":"READ","resource":"cases","select":["case_id"],"limit":20}]}`)
	db := &fakeAuditDB{
		rowValues: []any{"req-1", "actor-hash-1", "manager_agent", "cases", "READ", "ok", "executor", "ab12cd34ef56ab12", plan, "req-hash-1", 3, int64(840), now},
	}
	w := &Writer{DB: db}

	rec := Record{
		RequestID:       "req-1",
		ActorHash:       "actor-hash-1",
		Role:            "manager_agent",
		Resource:        "cases",
		Operation:       "READ",
		Outcome:         "ok",
		Stage:           "executor",
		PlanFingerprint: "ab12cd34ef56ab12",
		PlanRaw:         plan,
		RequestHash:     "req-hash-1",
		RowCount:        3,
		LatencyMS:       840,
		CreatedAt:       now,
	}
	if err := w.Append(context.Background(), rec); err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(db.execArgs) != 13 {
		t.Fatalf("expected 13 exec args, got %d", len(db.execArgs))
	}
	if got := rawArgString(db.execArgs[8]); got != string(plan) {
		t.Fatalf("unexpected plan arg: %s", got)
	}

	got, err := w.Get(context.Background(), "req-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.RequestID != "req-1" || got.Role != "manager_agent" || got.Outcome != "ok" {
		t.Fatalf("unexpected get record: %+v", got)
	}
	if got.RowCount != 3 || got.LatencyMS != 840 {
		t.Fatalf("unexpected counters: %+v", got)
	}
	if len(db.queryArgs) != 1 {
		t.Fatalf("expected single query arg, got %d", len(db.queryArgs))
	}
}

func TestWriterRedactionAndErrors(t *testing.T) {
	db := &fakeAuditDB{}
	w := &Writer{
		DB:       db,
		HashSalt: []byte("salt-1"),
		Redact:   true,
	}
	plan := json.RawMessage(`{"steps":[{"op":"INSERT","resource":"client_communications","values":{"recipient":"jane@example.com","message_content":"private text"}}]}`)
	rec := Record{
		RequestID: "req-2",
		PlanRaw:   plan,
		CreatedAt: time.Now().UTC(),
	}
	if err := w.Append(context.Background(), rec); err != nil {
		t.Fatalf("append redacted: %v", err)
	}

	stored := rawArgString(db.execArgs[8])
	if strings.Contains(stored, "jane@example.com") || strings.Contains(stored, "private text") {
		t.Fatalf("plan values leaked into audit record: %s", stored)
	}
	if !strings.Contains(stored, "client_communications") {
		t.Fatalf("plan shape should survive redaction: %s", stored)
	}

	db.execErr = errors.New("exec failed")
	if err := w.Append(context.Background(), rec); err == nil {
		t.Fatal("expected append error")
	}

	db.rowErr = errors.New("not found")
	if _, err := w.Get(context.Background(), "req-2"); err == nil {
		t.Fatal("expected get error")
	}
}
