package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// redactRecord replaces plan literals with salted hashes. The plan's shape
// survives (op, resource, field names, operators) so an auditor can still
// see what was attempted, while the values an agent supplied do not.
func redactRecord(rec Record, salt []byte) Record {
	rec.PlanRaw = redactPlan(rec.PlanRaw, salt)
	return rec
}

func redactPlan(raw json.RawMessage, salt []byte) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		payload := map[string]any{
			"plan_hash":       HashBytes(raw, salt),
			"redaction_error": "invalid_json",
		}
		b, _ := json.Marshal(payload)
		return b
	}
	steps, _ := doc["steps"].([]any)
	for _, rawStep := range steps {
		step, ok := rawStep.(map[string]any)
		if !ok {
			continue
		}
		if preds, ok := step["where"].([]any); ok {
			for _, rawPred := range preds {
				if pred, ok := rawPred.(map[string]any); ok {
					pred["value"] = hashValue(pred["value"], salt)
				}
			}
		}
		for _, key := range []string{"update", "values"} {
			fields, ok := step[key].(map[string]any)
			if !ok {
				continue
			}
			for name, value := range fields {
				fields[name] = hashValue(value, salt)
			}
		}
	}
	b, _ := json.Marshal(doc)
	return b
}

func hashValue(v any, salt []byte) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return HashBytes(raw, salt)
}

// HashString produces the salted actor hash stored in audit records.
func HashString(v string, salt []byte) string {
	return HashBytes([]byte(v), salt)
}

func HashBytes(b []byte, salt []byte) string {
	h := sha256.New()
	if len(salt) > 0 {
		_, _ = h.Write(salt)
	}
	_, _ = h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}
