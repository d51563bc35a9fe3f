// Package audit persists one immutable record per gateway request: who
// asked, what plan was produced, and how the pipeline ruled. Records never
// store raw PII; the natural-language text and sensitive plan literals are
// salted hashes by the time they reach the database.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Writer struct {
	DB       auditDB
	HashSalt []byte
	Redact   bool
}

// Record is one pipeline decision. Outcome is "ok" or the error type that
// stopped the request; Stage names the pipeline stage that produced it.
type Record struct {
	RequestID       string
	ActorHash       string
	Role            string
	Resource        string
	Operation       string
	Outcome         string
	Stage           string
	PlanFingerprint string
	PlanRaw         json.RawMessage
	RequestHash     string
	RowCount        int
	LatencyMS       int64
	CreatedAt       time.Time
}

func (w *Writer) Append(ctx context.Context, rec Record) error {
	if w.Redact {
		rec = redactRecord(rec, w.HashSalt)
	}
	_, err := w.DB.Exec(ctx, `
		INSERT INTO audit_records
		(request_id, actor_hash, role, resource, operation, outcome, stage, plan_fingerprint, plan_raw, request_hash, row_count, latency_ms, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, rec.RequestID, rec.ActorHash, rec.Role, rec.Resource, rec.Operation, rec.Outcome, rec.Stage,
		rec.PlanFingerprint, rec.PlanRaw, rec.RequestHash, rec.RowCount, rec.LatencyMS, rec.CreatedAt)
	return err
}

func (w *Writer) Get(ctx context.Context, requestID string) (Record, error) {
	var rec Record
	row := w.DB.QueryRow(ctx, `
		SELECT request_id, actor_hash, role, resource, operation, outcome, stage, plan_fingerprint, plan_raw, request_hash, row_count, latency_ms, created_at
		FROM audit_records WHERE request_id=$1
	`, requestID)
	var planRaw json.RawMessage
	if err := row.Scan(&rec.RequestID, &rec.ActorHash, &rec.Role, &rec.Resource, &rec.Operation, &rec.Outcome,
		&rec.Stage, &rec.PlanFingerprint, &planRaw, &rec.RequestHash, &rec.RowCount, &rec.LatencyMS, &rec.CreatedAt); err != nil {
		return rec, err
	}
	rec.PlanRaw = planRaw
	return rec, nil
}
