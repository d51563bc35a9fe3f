package main

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/camrenhall/luceron-ai-backend-server/pkg/audit"
	"github.com/camrenhall/luceron-ai-backend-server/pkg/auth"
	"github.com/camrenhall/luceron-ai-backend-server/pkg/contracts"
	"github.com/camrenhall/luceron-ai-backend-server/pkg/dsl"
	"github.com/camrenhall/luceron-ai-backend-server/pkg/eventbus"
	"github.com/camrenhall/luceron-ai-backend-server/pkg/executor"
	"github.com/camrenhall/luceron-ai-backend-server/pkg/httpx"
	"github.com/camrenhall/luceron-ai-backend-server/pkg/models"
	"github.com/camrenhall/luceron-ai-backend-server/pkg/planner"
	"github.com/camrenhall/luceron-ai-backend-server/pkg/stream"
	"github.com/camrenhall/luceron-ai-backend-server/pkg/validator"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// pipeline stages as recorded in audit and decision events.
const (
	stageRouter    = "router"
	stagePlanner   = "planner"
	stageValidator = "validator"
	stageExecutor  = "executor"
	stageComplete  = "complete"
)

const maxNaturalLanguageLen = 4000

// handleAgentDB runs one request through the pipeline: route, gate, plan,
// validate, execute. Each stage either advances or fails the whole request;
// there is no retry-with-repair loop.
func (s *Server) handleAgentDB(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	start := time.Now()

	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		principal = auth.Principal{Subject: "anonymous", Roles: []string{"default"}}
	}
	role := auth.PrimaryRole(principal)

	if limited, retryAfterMS := s.checkRateLimit(r, principal.Subject); limited {
		w.Header().Set("Retry-After", strconv.Itoa((retryAfterMS+999)/1000))
		httpx.Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var req models.AgentDBRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeFailure(w, r, pipelineState{
			requestID: requestID, role: role, subject: principal.Subject,
			stage: stageRouter, start: start,
		}, models.Failure(models.ErrInvalidQuery, "request body must be JSON with a natural_language field"))
		return
	}
	nl := strings.TrimSpace(req.NaturalLanguage)
	st := pipelineState{
		requestID: requestID, role: role, subject: principal.Subject,
		naturalLanguage: nl, stage: stageRouter, start: start,
	}
	if nl == "" {
		s.writeFailure(w, r, st, models.Failure(models.ErrInvalidQuery, "natural_language is required"))
		return
	}
	if len(nl) > maxNaturalLanguageLen {
		s.writeFailure(w, r, st, models.Failure(models.ErrInvalidQuery,
			fmt.Sprintf("natural_language exceeds %d characters", maxNaturalLanguageLen)))
		return
	}

	ctx := r.Context()
	if s.PipelineTimeout > 0 {
		var cancel func()
		ctx, cancel = context.WithTimeout(ctx, s.PipelineTimeout)
		defer cancel()
	}

	snap := s.Contracts.Snapshot()

	// Cached plans skip the two model calls entirely. A hit is still
	// re-validated against the current snapshot before execution, so a
	// contract reload invalidates stale plans by rejection, not by TTL.
	if plan, ok := s.lookupPlanCache(ctx, role, nl); ok {
		s.Metrics.IncPlanCache("hit")
		st.plan = plan
		s.validateAndExecute(ctx, w, r, st, snap)
		return
	}
	s.Metrics.IncPlanCache("miss")

	llmStart := time.Now()
	decision, err := s.Router.Route(ctx, nl, req.Hints, snap.Resources())
	s.Metrics.ObserveLLMLatency(time.Since(llmStart))
	if err != nil {
		s.writeInternal(w, r, st, fmt.Errorf("route: %w", err))
		return
	}
	if len(decision.Resources) == 0 {
		resp := models.Failure(models.ErrAmbiguousIntent, "could not match the request to a known resource")
		resp.Error.Clarification = "Which resource should this apply to?"
		s.writeFailure(w, r, st, resp)
		return
	}
	if amb := s.Router.Gate(nl, decision); amb != nil {
		resp := models.Failure(models.ErrAmbiguousIntent, "write intent is not confident enough to execute")
		resp.Error.Clarification = amb.Clarification
		s.writeFailure(w, r, st, resp)
		return
	}

	var candidates []*contracts.Contract
	for _, resource := range decision.Resources {
		if c, ok := snap.ForRole(resource, role); ok {
			candidates = append(candidates, c)
		}
	}
	if len(candidates) == 0 {
		st.stage = stagePlanner
		s.writeFailure(w, r, st, models.Failure(models.ErrResourceNotFound,
			fmt.Sprintf("resource not found: %s", strings.Join(decision.Resources, ", "))))
		return
	}

	st.stage = stagePlanner
	llmStart = time.Now()
	plan, err := s.Planner.Plan(ctx, nl, decision.Intent, candidates)
	s.Metrics.ObserveLLMLatency(time.Since(llmStart))
	if err != nil {
		if errors.Is(err, planner.ErrUnparseablePlan) {
			s.writeFailure(w, r, st, models.Failure(models.ErrInvalidQuery,
				"the request could not be expressed as a supported query"))
			return
		}
		s.writeInternal(w, r, st, fmt.Errorf("plan: %w", err))
		return
	}
	st.plan = plan

	s.validateAndExecute(ctx, w, r, st, snap)
}

// validateAndExecute is the back half of the pipeline, shared by the cache
// hit and miss paths.
func (s *Server) validateAndExecute(ctx context.Context, w http.ResponseWriter, r *http.Request, st pipelineState, snap *contracts.Snapshot) {
	st.stage = stageValidator
	if verr := validator.Validate(st.plan, snap, st.role); verr != nil {
		resp := models.FailureWithDetails(verr.Type, verr.Message, verr.Details)
		s.writeFailure(w, r, st, resp)
		return
	}

	step := st.plan.Primary()
	contract, ok := snap.ForRole(step.Resource, st.role)
	if !ok {
		s.writeFailure(w, r, st, models.Failure(models.ErrResourceNotFound,
			fmt.Sprintf("resource not found: %s", step.Resource)))
		return
	}

	s.storePlanCache(ctx, st.role, st.naturalLanguage, st.plan)

	st.stage = stageExecutor
	result, err := s.Executor.Execute(ctx, step, contract)
	if err != nil {
		var execErr *executor.Error
		if errors.As(err, &execErr) {
			s.writeFailure(w, r, st, models.FailureWithDetails(execErr.Type, execErr.Message, execErr.Details))
			return
		}
		s.writeInternal(w, r, st, fmt.Errorf("execute: %w", err))
		return
	}

	st.stage = stageComplete
	st.rowCount = result.Count
	var page *models.Pagination
	if step.Op == contracts.OpRead {
		page = &models.Pagination{Limit: step.Limit, Offset: step.Offset}
	}
	resp := models.Success(string(step.Op), step.Resource, result.Rows, page)
	resp.RequestID = st.requestID

	s.Metrics.IncOperation(string(step.Op))
	s.Metrics.IncOperationOutcome(string(step.Op), "ok")
	s.Metrics.IncResource(step.Resource)
	s.recordOutcome(r, st, "ok")
	httpx.WriteJSON(w, http.StatusOK, resp)
}

// pipelineState threads request identity through the stages so failures can
// be audited with whatever was known when they happened.
type pipelineState struct {
	requestID       string
	subject         string
	role            string
	naturalLanguage string
	stage           string
	plan            *dsl.Plan
	rowCount        int
	start           time.Time
}

func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, st pipelineState, resp models.AgentDBResponse) {
	resp.RequestID = st.requestID
	s.Metrics.IncErrorType(string(resp.Error.Type))
	if st.plan != nil {
		if step := st.plan.Primary(); step != nil {
			s.Metrics.IncOperationOutcome(string(step.Op), string(resp.Error.Type))
		}
	}
	s.recordOutcome(r, st, string(resp.Error.Type))
	httpx.WriteJSON(w, resp.Error.Type.HTTPStatus(), resp)
}

// writeInternal logs the real error and returns an opaque 500. Internal
// failures are deliberately outside the typed taxonomy.
func (s *Server) writeInternal(w http.ResponseWriter, r *http.Request, st pipelineState, err error) {
	log.Printf("request %s stage %s: %v", st.requestID, st.stage, err)
	s.Metrics.IncErrorType("INTERNAL")
	s.recordOutcome(r, st, "internal_error")
	httpx.WriteJSON(w, http.StatusInternalServerError, map[string]any{
		"ok":         false,
		"error":      "internal error",
		"request_id": st.requestID,
	})
}

// recordOutcome appends the audit row and fans the decision out to Kafka and
// websocket subscribers. Audit failures are logged, never surfaced: the
// client outcome has already been decided.
func (s *Server) recordOutcome(r *http.Request, st pipelineState, outcome string) {
	operation := ""
	resource := ""
	fingerprint := ""
	var planRaw json.RawMessage
	if st.plan != nil {
		if step := st.plan.Primary(); step != nil {
			operation = string(step.Op)
			resource = step.Resource
		}
		fingerprint = st.plan.Fingerprint()
		planRaw, _ = json.Marshal(st.plan)
	}
	latency := time.Since(st.start).Milliseconds()

	rec := audit.Record{
		RequestID:       st.requestID,
		ActorHash:       audit.HashString(st.subject, s.AuditSalt),
		Role:            st.role,
		Resource:        resource,
		Operation:       operation,
		Outcome:         outcome,
		Stage:           st.stage,
		PlanFingerprint: fingerprint,
		PlanRaw:         planRaw,
		RequestHash:     audit.HashString(st.naturalLanguage, s.AuditSalt),
		RowCount:        st.rowCount,
		LatencyMS:       latency,
		CreatedAt:       time.Now().UTC(),
	}
	// Audit uses a detached context so client disconnects cannot drop rows.
	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 5*time.Second)
	defer cancel()
	if err := s.Audit.Append(auditCtx, rec); err != nil {
		log.Printf("audit append failed for %s: %v", st.requestID, err)
	}

	evt := eventbus.DecisionEvent{
		RequestID:       st.requestID,
		Role:            st.role,
		Resource:        resource,
		Operation:       operation,
		Outcome:         outcome,
		PlanFingerprint: fingerprint,
		RowCount:        st.rowCount,
	}
	if err := s.Decisions.Publish(auditCtx, evt); err != nil {
		log.Printf("decision publish failed for %s: %v", st.requestID, err)
	}
	if s.Events != nil {
		s.Events.Publish(stream.NewEvent(stream.TypeDecision, evt))
	}
}

// planCacheKey binds the cached plan to the role so a plan validated under
// one contract set can never be replayed under another role's.
func (s *Server) planCacheKey(role, naturalLanguage string) string {
	h := sha256.New()
	_, _ = h.Write([]byte(role))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(strings.ToLower(strings.Join(strings.Fields(naturalLanguage), " "))))
	return fmt.Sprintf("plan:%x", h.Sum(nil))
}

func (s *Server) lookupPlanCache(ctx context.Context, role, naturalLanguage string) (*dsl.Plan, bool) {
	if !s.PlanCacheEnabled || s.Cache == nil {
		return nil, false
	}
	raw, err := s.Cache.Get(ctx, s.planCacheKey(role, naturalLanguage))
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Printf("plan cache get: %v", err)
		}
		return nil, false
	}
	plan, err := dsl.Parse([]byte(raw))
	if err != nil {
		// A corrupt entry is dropped and the request replanned.
		_ = s.Cache.Del(ctx, s.planCacheKey(role, naturalLanguage))
		return nil, false
	}
	return plan, true
}

func (s *Server) storePlanCache(ctx context.Context, role, naturalLanguage string, plan *dsl.Plan) {
	if !s.PlanCacheEnabled || s.Cache == nil || plan == nil {
		return
	}
	raw, err := json.Marshal(plan)
	if err != nil {
		return
	}
	if err := s.Cache.Set(ctx, s.planCacheKey(role, naturalLanguage), string(raw), s.PlanCacheTTL); err != nil {
		log.Printf("plan cache set: %v", err)
	}
}
