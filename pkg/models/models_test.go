package models

import (
	"encoding/json"
	"testing"
)

// The envelope carries the same keys on every outcome; the side that does
// not apply is null, never absent.
func TestEnvelopeKeysAlwaysPresent(t *testing.T) {
	keys := []string{"ok", "operation", "resource", "data", "count", "page", "error"}

	cases := []struct {
		name string
		resp AgentDBResponse
	}{
		{"success", Success("READ", "cases", []map[string]any{{"case_id": "x"}}, &Pagination{Limit: 20})},
		{"failure", Failure(ErrInvalidQuery, "bad query")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			raw, err := json.Marshal(tc.resp)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			var m map[string]json.RawMessage
			if err := json.Unmarshal(raw, &m); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			for _, k := range keys {
				if _, ok := m[k]; !ok {
					t.Errorf("key %q missing from %s envelope", k, tc.name)
				}
			}
		})
	}

	raw, _ := json.Marshal(Failure(ErrInvalidQuery, "bad query"))
	var m map[string]json.RawMessage
	_ = json.Unmarshal(raw, &m)
	for _, k := range []string{"operation", "resource", "page"} {
		if string(m[k]) != "null" {
			t.Errorf("failure envelope %s = %s, want null", k, m[k])
		}
	}

	raw, _ = json.Marshal(Success("READ", "cases", nil, nil))
	_ = json.Unmarshal(raw, &m)
	if string(m["error"]) != "null" {
		t.Errorf("success envelope error = %s, want null", m["error"])
	}
	if string(m["data"]) != "[]" {
		t.Errorf("success envelope data = %s, want []", m["data"])
	}
}

func TestErrorTypeHTTPStatus(t *testing.T) {
	cases := map[ErrorType]int{
		ErrAmbiguousIntent:       422,
		ErrUnauthorizedOperation: 403,
		ErrUnauthorizedField:     403,
		ErrInvalidQuery:          400,
		ErrResourceNotFound:      404,
		ErrConflict:              409,
		ErrorType("SOMETHING"):   500,
	}
	for et, want := range cases {
		if got := et.HTTPStatus(); got != want {
			t.Errorf("%s status = %d, want %d", et, got, want)
		}
	}
}
