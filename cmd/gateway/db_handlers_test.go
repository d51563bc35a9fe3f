package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/camrenhall/luceron-ai-backend-server/pkg/audit"
	"github.com/camrenhall/luceron-ai-backend-server/pkg/auth"
	"github.com/camrenhall/luceron-ai-backend-server/pkg/contracts"
	"github.com/camrenhall/luceron-ai-backend-server/pkg/eventbus"
	"github.com/camrenhall/luceron-ai-backend-server/pkg/executor"
	"github.com/camrenhall/luceron-ai-backend-server/pkg/llm"
	"github.com/camrenhall/luceron-ai-backend-server/pkg/metrics"
	"github.com/camrenhall/luceron-ai-backend-server/pkg/models"
	"github.com/camrenhall/luceron-ai-backend-server/pkg/planner"
	"github.com/camrenhall/luceron-ai-backend-server/pkg/ratelimit"
	"github.com/camrenhall/luceron-ai-backend-server/pkg/router"
	"github.com/camrenhall/luceron-ai-backend-server/pkg/store"
	"github.com/camrenhall/luceron-ai-backend-server/pkg/stream"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// scriptedLLM returns canned responses in order: routing first, planning
// second.
type scriptedLLM struct {
	responses []string
	calls     int
}

func (s *scriptedLLM) Complete(ctx context.Context, req llm.Request) (string, error) {
	if s.calls >= len(s.responses) {
		return "", errors.New("unexpected llm call")
	}
	out := s.responses[s.calls]
	s.calls++
	return out, nil
}

type fakeGatewayDB struct {
	queryFn    func(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	queryErr   error
	execSQL    []string
	execArgs   [][]any
	queryCount int
}

func (f *fakeGatewayDB) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	f.execSQL = append(f.execSQL, sql)
	f.execArgs = append(f.execArgs, arguments)
	return pgconn.NewCommandTag("INSERT 1"), nil
}

func (f *fakeGatewayDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	f.queryCount++
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	if f.queryFn != nil {
		return f.queryFn(ctx, sql, args...)
	}
	return &fakeHandlerRows{}, nil
}

func (f *fakeGatewayDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return fakeHandlerRow{err: pgx.ErrNoRows}
}

func (f *fakeGatewayDB) Begin(ctx context.Context) (pgx.Tx, error) {
	return &fakeHandlerTx{db: f}, nil
}

type fakeHandlerRow struct{ err error }

func (r fakeHandlerRow) Scan(dest ...any) error { return r.err }

type fakeHandlerTx struct{ db *fakeGatewayDB }

func (t *fakeHandlerTx) Begin(ctx context.Context) (pgx.Tx, error) { return t, nil }
func (t *fakeHandlerTx) Commit(ctx context.Context) error          { return nil }
func (t *fakeHandlerTx) Rollback(ctx context.Context) error        { return nil }
func (t *fakeHandlerTx) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	return 0, errors.New("not implemented")
}
func (t *fakeHandlerTx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults { return nil }
func (t *fakeHandlerTx) LargeObjects() pgx.LargeObjects                               { return pgx.LargeObjects{} }
func (t *fakeHandlerTx) Prepare(ctx context.Context, name string, sql string) (*pgconn.StatementDescription, error) {
	return nil, errors.New("not implemented")
}
func (t *fakeHandlerTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag("EXEC 1"), nil
}
func (t *fakeHandlerTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return t.db.Query(ctx, sql, args...)
}
func (t *fakeHandlerTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return fakeHandlerRow{err: pgx.ErrNoRows}
}
func (t *fakeHandlerTx) Conn() *pgx.Conn { return nil }

type fakeHandlerRows struct {
	fields []string
	rows   [][]any
	idx    int
}

func (r *fakeHandlerRows) Close()                              {}
func (r *fakeHandlerRows) Err() error                          { return nil }
func (r *fakeHandlerRows) CommandTag() pgconn.CommandTag       { return pgconn.NewCommandTag("SELECT 1") }
func (r *fakeHandlerRows) Scan(dest ...any) error              { return errors.New("not implemented") }
func (r *fakeHandlerRows) RawValues() [][]byte                 { return nil }
func (r *fakeHandlerRows) Conn() *pgx.Conn                     { return nil }
func (r *fakeHandlerRows) FieldDescriptions() []pgconn.FieldDescription {
	out := make([]pgconn.FieldDescription, 0, len(r.fields))
	for _, name := range r.fields {
		out = append(out, pgconn.FieldDescription{Name: name})
	}
	return out
}
func (r *fakeHandlerRows) Next() bool {
	if r.idx >= len(r.rows) {
		return false
	}
	r.idx++
	return true
}
func (r *fakeHandlerRows) Values() ([]any, error) {
	if r.idx == 0 || r.idx > len(r.rows) {
		return nil, errors.New("no current row")
	}
	return append([]any(nil), r.rows[r.idx-1]...), nil
}

func newTestServer(t *testing.T, db *fakeGatewayDB, model llm.Client) *Server {
	t.Helper()
	registry, err := contracts.NewRegistry("")
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return &Server{
		DB:               db,
		Cache:            store.NewMemoryCache(),
		Contracts:        registry,
		Router:           router.New(model, "test-router", 0),
		Planner:          planner.New(model, "test-planner"),
		Executor:         executor.New(db),
		Audit:            &audit.Writer{DB: db, HashSalt: []byte("salt"), Redact: true},
		Events:           stream.NewHub(),
		Decisions:        eventbus.NopPublisher{},
		Metrics:          metrics.NewRegistry(),
		PlanCacheEnabled: true,
		PlanCacheTTL:     time.Minute,
		AuditSalt:        []byte("salt"),
		AuthMode:         "off",
		PipelineTimeout:  5 * time.Second,
	}
}

func doAgentDB(s *Server, body string, principal *auth.Principal) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/agent/db", strings.NewReader(body))
	if principal != nil {
		req = req.WithContext(auth.WithPrincipal(req.Context(), *principal))
	}
	rec := httptest.NewRecorder()
	s.handleAgentDB(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) models.AgentDBResponse {
	t.Helper()
	var resp models.AgentDBResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode envelope: %v\n%s", err, rec.Body.String())
	}
	return resp
}

func TestAgentDBReadSuccess(t *testing.T) {
	db := &fakeGatewayDB{queryFn: func(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
		return &fakeHandlerRows{
			fields: []string{"case_id", "status"},
			rows:   [][]any{{"id-1", "OPEN"}, {"id-2", "OPEN"}},
		}, nil
	}}
	model := &scriptedLLM{responses: []string{
		`{"resources":["cases"],"intent":"READ","confidence":0.95,"reason":"case listing"}`,
		`{"steps":[{"op":"READ","resource":"cases","select":["case_id","status"],"where":[{"field":"status","op":"=","value":"OPEN"}],"limit":20}]}`,
	}}
	s := newTestServer(t, db, model)

	rec := doAgentDB(s, `{"natural_language":"show me all open cases"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeEnvelope(t, rec)
	if !resp.OK || resp.Operation == nil || *resp.Operation != "READ" ||
		resp.Resource == nil || *resp.Resource != "cases" {
		t.Fatalf("envelope = %+v", resp)
	}
	if resp.Count != 2 || len(resp.Data) != 2 {
		t.Fatalf("data = %+v", resp.Data)
	}
	if resp.Page == nil || resp.Page.Limit != 20 {
		t.Fatalf("page = %+v", resp.Page)
	}
	if resp.RequestID == "" {
		t.Fatal("request_id missing")
	}
	// One audit row was appended.
	if len(db.execSQL) != 1 || !strings.Contains(db.execSQL[0], "audit_records") {
		t.Fatalf("audit exec = %v", db.execSQL)
	}
}

func TestAgentDBPlanCacheSkipsModel(t *testing.T) {
	db := &fakeGatewayDB{queryFn: func(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
		return &fakeHandlerRows{fields: []string{"case_id"}, rows: [][]any{{"id-1"}}}, nil
	}}
	model := &scriptedLLM{responses: []string{
		`{"resources":["cases"],"intent":"READ","confidence":0.95,"reason":""}`,
		`{"steps":[{"op":"READ","resource":"cases","select":["case_id"],"limit":10}]}`,
	}}
	s := newTestServer(t, db, model)

	body := `{"natural_language":"list case ids"}`
	if rec := doAgentDB(s, body, nil); rec.Code != http.StatusOK {
		t.Fatalf("first call: %d", rec.Code)
	}
	if model.calls != 2 {
		t.Fatalf("llm calls = %d", model.calls)
	}
	// Identical request again: plan comes from cache, model untouched.
	if rec := doAgentDB(s, body, nil); rec.Code != http.StatusOK {
		t.Fatalf("second call: %d", rec.Code)
	}
	if model.calls != 2 {
		t.Fatalf("llm calls after cache hit = %d", model.calls)
	}
}

func TestAgentDBAmbiguousWrite(t *testing.T) {
	model := &scriptedLLM{responses: []string{
		`{"resources":["cases"],"intent":"WRITE","confidence":0.45,"reason":"vague"}`,
	}}
	s := newTestServer(t, &fakeGatewayDB{}, model)

	rec := doAgentDB(s, `{"natural_language":"update the case"}`, nil)
	if rec.Code != 422 {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decodeEnvelope(t, rec)
	if resp.Error == nil || resp.Error.Type != models.ErrAmbiguousIntent {
		t.Fatalf("error = %+v", resp.Error)
	}
	if resp.Error.Clarification == "" {
		t.Fatal("clarification missing")
	}
}

func TestAgentDBFieldACL(t *testing.T) {
	model := &scriptedLLM{responses: []string{
		`{"resources":["cases"],"intent":"READ","confidence":0.9,"reason":""}`,
		`{"steps":[{"op":"READ","resource":"cases","select":["case_id","client_email"],"limit":10}]}`,
	}}
	s := newTestServer(t, &fakeGatewayDB{}, model)

	principal := &auth.Principal{Subject: "analysis-bot", Roles: []string{"analysis_agent"}}
	rec := doAgentDB(s, `{"natural_language":"show case emails"}`, principal)
	if rec.Code != 403 {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeEnvelope(t, rec)
	if resp.Error.Type != models.ErrUnauthorizedField {
		t.Fatalf("error = %+v", resp.Error)
	}
}

func TestAgentDBEnumRejection(t *testing.T) {
	model := &scriptedLLM{responses: []string{
		`{"resources":["cases"],"intent":"READ","confidence":0.9,"reason":""}`,
		`{"steps":[{"op":"READ","resource":"cases","select":["case_id"],"where":[{"field":"status","op":"=","value":"ARCHIVED"}],"limit":10}]}`,
	}}
	s := newTestServer(t, &fakeGatewayDB{}, model)

	rec := doAgentDB(s, `{"natural_language":"show archived cases"}`, nil)
	if rec.Code != 400 {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decodeEnvelope(t, rec)
	if !strings.Contains(resp.Error.Message, "Valid options are") {
		t.Fatalf("message = %q", resp.Error.Message)
	}
}

func TestAgentDBInsertConflict(t *testing.T) {
	db := &fakeGatewayDB{queryErr: &pgconn.PgError{Code: "23505", ConstraintName: "uq_documents_s3_key"}}
	model := &scriptedLLM{responses: []string{
		`{"resources":["cases"],"intent":"WRITE","confidence":0.95,"reason":""}`,
		`{"steps":[{"op":"INSERT","resource":"cases","values":{"client_name":"Jane","client_email":"j@example.com","status":"OPEN"}}]}`,
	}}
	s := newTestServer(t, db, model)

	rec := doAgentDB(s, `{"natural_language":"create a case for jane"}`, nil)
	if rec.Code != 409 {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeEnvelope(t, rec)
	if resp.Error.Type != models.ErrConflict {
		t.Fatalf("error = %+v", resp.Error)
	}
}

func TestAgentDBUpdateMissingRow(t *testing.T) {
	db := &fakeGatewayDB{} // returns zero rows
	model := &scriptedLLM{responses: []string{
		`{"resources":["cases"],"intent":"WRITE","confidence":0.95,"reason":""}`,
		`{"steps":[{"op":"UPDATE","resource":"cases","where":[{"field":"case_id","op":"=","value":"7b41ad0e-9b9e-4b6f-b71e-46e8e8f2a111"}],"update":{"status":"CLOSED"},"limit":1}]}`,
	}}
	s := newTestServer(t, db, model)

	rec := doAgentDB(s, `{"natural_language":"close case 7b41ad0e-9b9e-4b6f-b71e-46e8e8f2a111"}`, nil)
	if rec.Code != 404 {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeEnvelope(t, rec)
	if resp.Error.Type != models.ErrResourceNotFound {
		t.Fatalf("error = %+v", resp.Error)
	}
}

func TestAgentDBBadRequests(t *testing.T) {
	s := newTestServer(t, &fakeGatewayDB{}, &scriptedLLM{})

	rec := doAgentDB(s, `not json`, nil)
	if rec.Code != 400 {
		t.Fatalf("invalid body status = %d", rec.Code)
	}

	rec = doAgentDB(s, `{"natural_language":"  "}`, nil)
	if rec.Code != 400 {
		t.Fatalf("empty instruction status = %d", rec.Code)
	}
	resp := decodeEnvelope(t, rec)
	if resp.Error.Type != models.ErrInvalidQuery {
		t.Fatalf("error = %+v", resp.Error)
	}

	long := strings.Repeat("a", maxNaturalLanguageLen+1)
	rec = doAgentDB(s, `{"natural_language":"`+long+`"}`, nil)
	if rec.Code != 400 {
		t.Fatalf("oversized instruction status = %d", rec.Code)
	}
}

func TestAgentDBRoleScopeHidesResource(t *testing.T) {
	model := &scriptedLLM{responses: []string{
		`{"resources":["document_analysis"],"intent":"READ","confidence":0.9,"reason":""}`,
	}}
	s := newTestServer(t, &fakeGatewayDB{}, model)

	agent := &auth.Principal{Subject: "comms-1", Roles: []string{"communications_agent"}}
	rec := doAgentDB(s, `{"natural_language":"show the analysis content for recent documents"}`, agent)
	if rec.Code != 404 {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeEnvelope(t, rec)
	if resp.Error == nil || resp.Error.Type != models.ErrResourceNotFound {
		t.Fatalf("error = %+v", resp.Error)
	}
}

func TestAgentDBUnparseablePlan(t *testing.T) {
	model := &scriptedLLM{responses: []string{
		`{"resources":["cases"],"intent":"READ","confidence":0.9,"reason":""}`,
		`I am sorry, I cannot express that as a plan.`,
	}}
	s := newTestServer(t, &fakeGatewayDB{}, model)

	rec := doAgentDB(s, `{"natural_language":"do something odd with cases"}`, nil)
	if rec.Code != 400 {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decodeEnvelope(t, rec)
	if resp.Error.Type != models.ErrInvalidQuery {
		t.Fatalf("error = %+v", resp.Error)
	}
}

func TestAgentDBAuditRedaction(t *testing.T) {
	db := &fakeGatewayDB{}
	model := &scriptedLLM{responses: []string{
		`{"resources":["cases"],"intent":"WRITE","confidence":0.95,"reason":""}`,
		`{"steps":[{"op":"UPDATE","resource":"cases","where":[{"field":"case_id","op":"=","value":"7b41ad0e-9b9e-4b6f-b71e-46e8e8f2a111"}],"update":{"client_email":"secret@example.com"},"limit":1}]}`,
	}}
	s := newTestServer(t, db, model)

	doAgentDB(s, `{"natural_language":"change the email on case 7b41ad0e"}`, nil)
	if len(db.execArgs) != 1 {
		t.Fatalf("audit rows = %d", len(db.execArgs))
	}
	for _, arg := range db.execArgs[0] {
		if s, ok := arg.(string); ok && strings.Contains(s, "secret@example.com") {
			t.Fatal("raw PII reached the audit row")
		}
		if raw, ok := arg.(json.RawMessage); ok && strings.Contains(string(raw), "secret@example.com") {
			t.Fatal("raw PII reached the audit plan")
		}
	}
}

func TestAgentDBRateLimit(t *testing.T) {
	s := newTestServer(t, &fakeGatewayDB{}, &scriptedLLM{})
	s.RateLimitEnabled = true
	s.RateLimitPerMinute = 1
	s.RateLimitWindow = time.Minute
	s.RateLimiter = &stubLimiter{allowFirst: 1}

	if rec := doAgentDB(s, `{"natural_language":""}`, nil); rec.Code == http.StatusTooManyRequests {
		t.Fatal("first request limited")
	}
	rec := doAgentDB(s, `{"natural_language":"x"}`, nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("Retry-After missing")
	}
}

func TestDecisionEventPublished(t *testing.T) {
	db := &fakeGatewayDB{queryFn: func(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
		return &fakeHandlerRows{fields: []string{"case_id"}, rows: [][]any{{"id-1"}}}, nil
	}}
	model := &scriptedLLM{responses: []string{
		`{"resources":["cases"],"intent":"READ","confidence":0.9,"reason":""}`,
		`{"steps":[{"op":"READ","resource":"cases","select":["case_id"],"limit":10}]}`,
	}}
	s := newTestServer(t, db, model)
	pub := &capturePublisher{}
	s.Decisions = pub
	sub := s.Events.Subscribe(4)
	defer s.Events.Unsubscribe(sub)

	doAgentDB(s, `{"natural_language":"list case ids"}`, nil)

	if len(pub.events) != 1 {
		t.Fatalf("published events = %d", len(pub.events))
	}
	evt := pub.events[0]
	if evt.Outcome != "ok" || evt.Resource != "cases" || evt.Operation != "READ" || evt.RowCount != 1 {
		t.Fatalf("event = %+v", evt)
	}
	select {
	case streamEvt := <-sub:
		if streamEvt.Type != "decision" {
			t.Fatalf("stream event type = %s", streamEvt.Type)
		}
	default:
		t.Fatal("no stream event")
	}
}

type capturePublisher struct {
	events []eventbus.DecisionEvent
}

func (c *capturePublisher) Publish(ctx context.Context, evt eventbus.DecisionEvent) error {
	c.events = append(c.events, evt)
	return nil
}
func (c *capturePublisher) Close() error { return nil }

type stubLimiter struct {
	allowFirst int
	calls      int
}

func (s *stubLimiter) Allow(key string, limit int) ratelimit.Decision {
	s.calls++
	return ratelimit.Decision{
		Allowed: s.calls <= s.allowFirst,
		ResetAt: time.Now().Add(30 * time.Second),
	}
}
