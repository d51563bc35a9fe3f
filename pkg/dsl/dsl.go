// Package dsl defines the closed intermediate representation between the
// planner and the executor. A request can only ever take one of the three
// step shapes below; anything else fails to parse and never reaches
// validation or execution.
package dsl

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/camrenhall/luceron-ai-backend-server/pkg/contracts"
)

// Where is one predicate: field <op> value.
type Where struct {
	Field string `json:"field"`
	Op    string `json:"op"`
	Value any    `json:"value"`
}

// OrderBy is one ordering term. Dir is "asc" or "desc".
type OrderBy struct {
	Field string `json:"field"`
	Dir   string `json:"dir"`
}

// Step is the tagged variant over the three operation shapes. Exactly the
// fields for the declared Op are populated; the rest stay zero.
type Step struct {
	Op       contracts.Operation `json:"op"`
	Resource string              `json:"resource"`

	// READ
	Select  []string         `json:"select,omitempty"`
	Joins   []contracts.Join `json:"joins,omitempty"`
	OrderBy []OrderBy        `json:"order_by,omitempty"`
	Offset  int              `json:"offset,omitempty"`

	// READ and UPDATE
	Where []Where `json:"where,omitempty"`
	Limit int     `json:"limit,omitempty"`

	// UPDATE
	Update map[string]any `json:"update,omitempty"`

	// INSERT
	Values map[string]any `json:"values,omitempty"`
}

// Plan is the single artifact handed from planner to validator to executor.
type Plan struct {
	Steps []Step `json:"steps"`
}

// Primary returns the first step. Single-step plans are the only accepted
// shape today; the slice exists so a future version can allow a short
// ordered sequence without a wire break.
func (p *Plan) Primary() *Step {
	if len(p.Steps) == 0 {
		return nil
	}
	return &p.Steps[0]
}

// IsWrite reports whether any step mutates data.
func (p *Plan) IsWrite() bool {
	for _, s := range p.Steps {
		if s.Op == contracts.OpInsert || s.Op == contracts.OpUpdate {
			return true
		}
	}
	return false
}

// Parse decodes raw JSON into a Plan, rejecting unknown keys and any op
// outside the closed READ/INSERT/UPDATE set. Parse failures mean the plan
// never reaches the validator.
func Parse(raw []byte) (*Plan, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var plan Plan
	if err := dec.Decode(&plan); err != nil {
		return nil, fmt.Errorf("plan does not match DSL schema: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after plan document")
	}
	if len(plan.Steps) == 0 {
		return nil, fmt.Errorf("plan must contain at least one step")
	}
	for i := range plan.Steps {
		if err := checkShape(&plan.Steps[i]); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
	}
	return &plan, nil
}

// checkShape enforces the tagged-variant grammar: required keys present,
// keys belonging to other variants absent.
func checkShape(s *Step) error {
	if strings.TrimSpace(s.Resource) == "" {
		return fmt.Errorf("resource required")
	}
	switch s.Op {
	case contracts.OpRead:
		if len(s.Select) == 0 {
			return fmt.Errorf("READ requires select")
		}
		if s.Update != nil || s.Values != nil {
			return fmt.Errorf("READ must not carry update or values")
		}
		if s.Limit == 0 {
			s.Limit = contracts.DefaultMaxRows
		}
	case contracts.OpUpdate:
		if len(s.Where) == 0 {
			return fmt.Errorf("UPDATE requires where")
		}
		if len(s.Update) == 0 {
			return fmt.Errorf("UPDATE requires update fields")
		}
		if len(s.Select) != 0 || len(s.OrderBy) != 0 || len(s.Joins) != 0 || s.Values != nil || s.Offset != 0 {
			return fmt.Errorf("UPDATE carries READ-only or INSERT-only keys")
		}
	case contracts.OpInsert:
		if len(s.Values) == 0 {
			return fmt.Errorf("INSERT requires values")
		}
		if len(s.Select) != 0 || len(s.Where) != 0 || len(s.OrderBy) != 0 || len(s.Joins) != 0 || s.Update != nil || s.Limit != 0 || s.Offset != 0 {
			return fmt.Errorf("INSERT carries keys from another shape")
		}
	default:
		return fmt.Errorf("operation %q is not representable", s.Op)
	}
	return nil
}

// Fingerprint is a stable short hash of the plan used for logging, audit
// correlation, and planner-result caching. Map keys are sorted so identical
// plans always hash identically.
func (p *Plan) Fingerprint() string {
	canonical := canonicalize(p)
	raw, _ := json.Marshal(canonical)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])[:16]
}

func canonicalize(p *Plan) []map[string]any {
	steps := make([]map[string]any, 0, len(p.Steps))
	for _, s := range p.Steps {
		m := map[string]any{"op": s.Op, "resource": s.Resource}
		if len(s.Select) > 0 {
			m["select"] = s.Select
		}
		if len(s.Where) > 0 {
			m["where"] = s.Where
		}
		if len(s.Joins) > 0 {
			m["joins"] = s.Joins
		}
		if len(s.OrderBy) > 0 {
			m["order_by"] = s.OrderBy
		}
		if s.Limit != 0 {
			m["limit"] = s.Limit
		}
		if s.Offset != 0 {
			m["offset"] = s.Offset
		}
		if len(s.Update) > 0 {
			m["update"] = sortedPairs(s.Update)
		}
		if len(s.Values) > 0 {
			m["values"] = sortedPairs(s.Values)
		}
		steps = append(steps, m)
	}
	return steps
}

func sortedPairs(in map[string]any) [][2]any {
	keys := make([]string, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([][2]any, 0, len(keys))
	for _, k := range keys {
		out = append(out, [2]any{k, in[k]})
	}
	return out
}
