// Package router maps a natural-language instruction to candidate resources
// and a coarse READ/WRITE intent. Routing combines a low-cost model call
// with deterministic keyword heuristics; reads always proceed to downstream
// validation, while low-confidence writes stop here.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/camrenhall/luceron-ai-backend-server/pkg/llm"
	"github.com/camrenhall/luceron-ai-backend-server/pkg/models"
)

const (
	IntentRead  = "READ"
	IntentWrite = "WRITE"

	// DefaultWriteConfidence gates writes: below this the pipeline stops
	// with a clarifying question instead of guessing.
	DefaultWriteConfidence = 0.80

	defaultCandidates = 2
	maxCandidates     = 3
)

// Decision is the ephemeral per-request routing result. Not persisted.
type Decision struct {
	Resources  []string `json:"resources"`
	Intent     string   `json:"intent"`
	Confidence float64  `json:"confidence"`
	Reason     string   `json:"reason"`
}

// AmbiguityError is returned when a write cannot proceed without
// clarification. It carries exactly one question.
type AmbiguityError struct {
	Clarification string
}

func (e *AmbiguityError) Error() string {
	return "request is ambiguous: " + e.Clarification
}

// Router is stateless: no DB access, no mutation between requests.
type Router struct {
	LLM             llm.Client
	Model           string
	WriteConfidence float64
}

func New(client llm.Client, model string, writeConfidence float64) *Router {
	if writeConfidence <= 0 || writeConfidence > 1 {
		writeConfidence = DefaultWriteConfidence
	}
	return &Router{LLM: client, Model: model, WriteConfidence: writeConfidence}
}

// Route maps the instruction to candidate resources and an intent. The
// returned decision is already clamped to the K policy and restricted to
// resources the caller may see.
func (r *Router) Route(ctx context.Context, naturalLanguage string, hints *models.Hints, available []string) (Decision, error) {
	raw, err := r.LLM.Complete(ctx, llm.Request{
		Model:       r.Model,
		System:      routeSystemPrompt(available),
		User:        routeUserPrompt(naturalLanguage, hints),
		Temperature: 0.1,
		MaxTokens:   200,
	})
	if err != nil {
		return Decision{}, fmt.Errorf("routing failed: %w", err)
	}
	var decision Decision
	if err := json.Unmarshal([]byte(llm.StripCodeFence(raw)), &decision); err != nil {
		return Decision{}, fmt.Errorf("routing produced invalid JSON: %w", err)
	}
	if decision.Intent != IntentRead && decision.Intent != IntentWrite {
		return Decision{}, fmt.Errorf("routing intent must be READ or WRITE, got %q", decision.Intent)
	}
	if decision.Confidence < 0 || decision.Confidence > 1 {
		return Decision{}, fmt.Errorf("routing confidence %v outside [0,1]", decision.Confidence)
	}

	decision.Resources = mergeCandidates(decision.Resources, keywordMatches(naturalLanguage, hints, available), available)
	if len(decision.Resources) == 0 {
		return Decision{}, fmt.Errorf("routing selected no known resource")
	}
	// K=2 by default; a third candidate survives only when the instruction
	// implies a relationship across two resources.
	limit := defaultCandidates
	if len(decision.Resources) > defaultCandidates && impliesJoin(naturalLanguage) {
		limit = maxCandidates
	}
	if len(decision.Resources) > limit {
		decision.Resources = decision.Resources[:limit]
	}
	return decision, nil
}

// Gate applies the write-confidence policy. Reads always proceed.
func (r *Router) Gate(naturalLanguage string, decision Decision) *AmbiguityError {
	if decision.Intent != IntentWrite {
		return nil
	}
	if decision.Confidence >= r.WriteConfidence {
		return nil
	}
	return &AmbiguityError{Clarification: Clarification(naturalLanguage, decision.Resources)}
}

// Clarification produces exactly one question for an ambiguous request.
func Clarification(naturalLanguage string, resources []string) string {
	lower := strings.ToLower(naturalLanguage)
	switch {
	case strings.Contains(lower, "update") || strings.Contains(lower, "change") || strings.Contains(lower, "mark"):
		return "Which specific record do you want to update? Please provide its unique identifier."
	case strings.Contains(lower, "create") || strings.Contains(lower, "add") || strings.Contains(lower, "new"):
		return "What values should the new record contain?"
	case strings.Contains(lower, "status"):
		return "Do you want to view the current status or change it to a specific value?"
	default:
		return fmt.Sprintf("Are you looking to read information or make changes to %s?", strings.Join(resources, ", "))
	}
}

// keywordMatches is the deterministic half of routing: hint resources first,
// then resource names mentioned verbatim in the instruction.
func keywordMatches(naturalLanguage string, hints *models.Hints, available []string) []string {
	known := map[string]struct{}{}
	for _, name := range available {
		known[name] = struct{}{}
	}
	var matches []string
	if hints != nil {
		for _, name := range hints.Resources {
			if _, ok := known[name]; ok {
				matches = append(matches, name)
			}
		}
	}
	lower := strings.ToLower(naturalLanguage)
	for _, name := range available {
		needle := strings.ReplaceAll(name, "_", " ")
		if strings.Contains(lower, needle) || strings.Contains(lower, strings.TrimSuffix(needle, "s")) {
			matches = append(matches, name)
		}
	}
	return matches
}

func mergeCandidates(fromModel, fromKeywords, available []string) []string {
	known := map[string]struct{}{}
	for _, name := range available {
		known[name] = struct{}{}
	}
	seen := map[string]struct{}{}
	var merged []string
	appendKnown := func(names []string) {
		for _, name := range names {
			if _, ok := known[name]; !ok {
				continue
			}
			if _, dup := seen[name]; dup {
				continue
			}
			seen[name] = struct{}{}
			merged = append(merged, name)
		}
	}
	// Keyword and hint matches outrank the model's guesses.
	appendKnown(fromKeywords)
	appendKnown(fromModel)
	return merged
}

func impliesJoin(naturalLanguage string) bool {
	lower := strings.ToLower(naturalLanguage)
	for _, marker := range []string{" with their ", " along with ", " joined ", " and their ", " together with "} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func routeSystemPrompt(available []string) string {
	return fmt.Sprintf(`You are a router for a database query system. Identify the most likely resources (tables) for the request, decide whether it is a READ or WRITE operation, and give a confidence score.

Available resources: %s

Rules:
- Return exactly 2 resources by default, 3 only if a clear join is implied.
- WRITE means INSERT or UPDATE. There is no DELETE.
- Focus on the most relevant resources.

Respond with JSON only, in this exact shape:
{"resources": ["r1", "r2"], "intent": "READ", "confidence": 0.85, "reason": "why"}`, strings.Join(available, ", "))
}

func routeUserPrompt(naturalLanguage string, hints *models.Hints) string {
	hintText := "none"
	if hints != nil && len(hints.Resources) > 0 {
		hintText = strings.Join(hints.Resources, ", ")
	}
	return fmt.Sprintf("Request: %q\nResource hints: %s\n\nReturn the routing decision.", naturalLanguage, hintText)
}
