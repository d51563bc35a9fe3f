package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/camrenhall/luceron-ai-backend-server/pkg/httpx"
	"github.com/camrenhall/luceron-ai-backend-server/pkg/stream"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
)

// listContracts exposes the live contract set, one summary per resource,
// scoped to whatever roles are defined for it.
func (s *Server) listContracts(w http.ResponseWriter, r *http.Request) {
	snap := s.Contracts.Snapshot()
	resources := snap.Resources()
	out := make([]map[string]any, 0, len(resources))
	for _, name := range resources {
		contract, ok := snap.ForRole(name, "default")
		if !ok {
			continue
		}
		out = append(out, map[string]any{
			"resource":    contract.Resource,
			"version":     contract.Version,
			"primary_key": contract.PrimaryKey,
			"ops_allowed": contract.OpsAllowed,
			"limits":      contract.Limits,
			"fields":      len(contract.Fields),
		})
	}
	httpx.WriteJSON(w, 200, map[string]any{"contracts": out, "count": len(out)})
}

// reloadContracts swaps in a fresh snapshot from CONTRACTS_DIR. In-flight
// requests keep the snapshot they captured; only new requests see the swap.
func (s *Server) reloadContracts(w http.ResponseWriter, r *http.Request) {
	if err := s.Contracts.Reload(s.ContractDir); err != nil {
		httpx.Error(w, 422, "reload rejected: "+err.Error())
		return
	}
	snap := s.Contracts.Snapshot()
	s.Metrics.SetGauge("contracts_loaded", float64(len(snap.Resources())))
	s.Events.Publish(stream.NewEvent(stream.TypeContractsReloaded, map[string]any{
		"resources": snap.Resources(),
	}))
	httpx.WriteJSON(w, 200, map[string]any{"status": "reloaded", "resources": snap.Resources()})
}

func (s *Server) getAudit(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "request_id")
	rec, err := s.Audit.Get(r.Context(), requestID)
	if err != nil {
		httpx.Error(w, 404, "not found")
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{
		"request_id":       rec.RequestID,
		"actor_hash":       rec.ActorHash,
		"role":             rec.Role,
		"resource":         rec.Resource,
		"operation":        rec.Operation,
		"outcome":          rec.Outcome,
		"stage":            rec.Stage,
		"plan_fingerprint": rec.PlanFingerprint,
		"plan":             json.RawMessage(rec.PlanRaw),
		"request_hash":     rec.RequestHash,
		"row_count":        rec.RowCount,
		"latency_ms":       rec.LatencyMS,
		"created_at":       rec.CreatedAt,
	})
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.Error(w, 503, "stream unavailable")
		return
	}
	opts := &websocket.AcceptOptions{}
	if origins := wsOriginPatterns(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.NewEvent(stream.TypeReady, nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

func wsOriginPatterns(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
