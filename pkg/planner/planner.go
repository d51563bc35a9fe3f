// Package planner turns a routed instruction into a DSL plan. The planning
// prompt is built exclusively from the caller's security contracts, so the
// model never sees fields the role cannot touch.
package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/camrenhall/luceron-ai-backend-server/pkg/contracts"
	"github.com/camrenhall/luceron-ai-backend-server/pkg/dsl"
	"github.com/camrenhall/luceron-ai-backend-server/pkg/llm"
)

// ErrUnparseablePlan marks model output that did not decode into the DSL.
// Callers treat it as a query problem, not a transport failure.
var ErrUnparseablePlan = errors.New("model produced an unparseable plan")

type Planner struct {
	LLM   llm.Client
	Model string
}

func New(client llm.Client, model string) *Planner {
	return &Planner{LLM: client, Model: model}
}

// Plan generates a DSL plan for the instruction against the contracts the
// router selected. The returned plan has passed shape checks only; contract
// validation happens downstream.
func (p *Planner) Plan(ctx context.Context, naturalLanguage string, intent string, candidates []*contracts.Contract) (*dsl.Plan, error) {
	if len(candidates) == 0 {
		return nil, fmt.Errorf("no contracts to plan against")
	}
	raw, err := p.LLM.Complete(ctx, llm.Request{
		Model:       p.Model,
		System:      planSystemPrompt(intent, candidates),
		User:        fmt.Sprintf("Request: %s\n\nReturn the plan JSON.", naturalLanguage),
		Temperature: 0.0,
		MaxTokens:   800,
	})
	if err != nil {
		return nil, fmt.Errorf("planning failed: %w", err)
	}
	plan, err := dsl.Parse([]byte(llm.StripCodeFence(raw)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnparseablePlan, err)
	}
	return plan, nil
}

// schemaField is the planner-facing projection of a contract field. PII
// flags and write permissions are reflected, never the underlying data.
type schemaField struct {
	Name     string   `json:"name"`
	Type     string   `json:"type"`
	Nullable bool     `json:"nullable,omitempty"`
	Writable bool     `json:"writable,omitempty"`
	Enum     []string `json:"enum,omitempty"`
}

type schemaResource struct {
	Resource       string           `json:"resource"`
	PrimaryKey     string           `json:"primary_key"`
	Operations     []string         `json:"operations"`
	Fields         []schemaField    `json:"fields"`
	FiltersAllowed []string         `json:"filters_allowed"`
	OrderAllowed   []string         `json:"order_allowed,omitempty"`
	Joins          []contracts.Join `json:"joins,omitempty"`
	Limits         contracts.Limits `json:"limits"`
}

func filterNames(c *contracts.Contract) []string {
	// Only filterable fields the role can actually read make the prompt.
	names := make([]string, 0, len(c.FiltersAllowed))
	for name := range c.FiltersAllowed {
		if c.IsFieldReadable(name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func planSystemPrompt(intent string, candidates []*contracts.Contract) string {
	resources := make([]schemaResource, 0, len(candidates))
	for _, c := range candidates {
		sr := schemaResource{
			Resource:       c.Resource,
			PrimaryKey:     c.PrimaryKey,
			FiltersAllowed: filterNames(c),
			OrderAllowed:   c.OrderAllowed,
			Joins:          c.JoinsAllowed,
			Limits:         c.Limits,
		}
		for _, op := range c.OpsAllowed {
			sr.Operations = append(sr.Operations, string(op))
		}
		for _, f := range c.Fields {
			if !f.Readable && !f.Writable {
				continue
			}
			sr.Fields = append(sr.Fields, schemaField{
				Name:     f.Name,
				Type:     string(f.Type),
				Nullable: f.Nullable,
				Writable: f.Writable,
				Enum:     f.Enum,
			})
		}
		resources = append(resources, sr)
	}
	schema, _ := json.MarshalIndent(resources, "", "  ")

	var b strings.Builder
	b.WriteString("You translate a natural-language request into a single-step JSON plan for a database gateway.\n\n")
	b.WriteString("Available resources and their schemas:\n")
	b.Write(schema)
	b.WriteString("\n\nPlan format:\n")
	b.WriteString(`{"steps": [{"op": "READ", "resource": "...", "select": ["field"], "where": [{"field": "f", "op": "=", "value": "v"}], "order_by": [{"field": "f", "dir": "desc"}], "limit": 20}]}` + "\n")
	b.WriteString(`{"steps": [{"op": "UPDATE", "resource": "...", "update": {"field": "value"}, "where": [{"field": "<primary_key>", "op": "=", "value": "..."}], "limit": 1}]}` + "\n")
	b.WriteString(`{"steps": [{"op": "INSERT", "resource": "...", "values": {"field": "value"}}]}` + "\n\n")
	b.WriteString("Rules:\n")
	b.WriteString("- Exactly one step. Operations are READ, INSERT, UPDATE. DELETE does not exist.\n")
	b.WriteString(fmt.Sprintf("- The request was classified as %s; produce a plan of that kind.\n", intent))
	b.WriteString("- UPDATE must filter on the primary key with = and carry \"limit\": 1.\n")
	b.WriteString("- INSERT must not set the primary key.\n")
	b.WriteString("- Only use fields listed in the schemas. Only filter on filters_allowed fields.\n")
	b.WriteString("- Enum fields accept only their listed values.\n")
	b.WriteString(fmt.Sprintf("- Dates and timestamps use ISO 8601. Today is %s.\n", time.Now().UTC().Format("2006-01-02")))
	b.WriteString("- Respond with the JSON plan only, no prose.\n")
	return b.String()
}
