package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHTTPClientComplete(t *testing.T) {
	var gotAuth string
	var gotBody chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"role": "assistant", "content": `{"ok":true}`}}},
		})
	}))
	defer srv.Close()

	c := &HTTPClient{Client: srv.Client(), BaseURL: srv.URL, APIKey: "sk-test"}
	out, err := c.Complete(context.Background(), Request{Model: "gpt-4o", System: "sys", User: "usr", MaxTokens: 100})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if out != `{"ok":true}` {
		t.Fatalf("out = %q", out)
	}
	if gotAuth != "Bearer sk-test" {
		t.Fatalf("auth = %q", gotAuth)
	}
	if len(gotBody.Messages) != 2 || gotBody.Messages[0].Role != "system" || gotBody.Messages[1].Role != "user" {
		t.Fatalf("messages = %+v", gotBody.Messages)
	}
}

func TestHTTPClientErrors(t *testing.T) {
	t.Run("model required", func(t *testing.T) {
		c := &HTTPClient{Client: http.DefaultClient, BaseURL: "http://localhost:0"}
		if _, err := c.Complete(context.Background(), Request{}); err == nil {
			t.Fatal("missing model accepted")
		}
	})

	t.Run("upstream error status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]string{"message": "bad key"}})
		}))
		defer srv.Close()
		c := &HTTPClient{Client: srv.Client(), BaseURL: srv.URL}
		_, err := c.Complete(context.Background(), Request{Model: "gpt-4o"})
		if err == nil || !strings.Contains(err.Error(), "bad key") {
			t.Fatalf("err = %v", err)
		}
	})

	t.Run("empty choices", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(map[string]any{"choices": []any{}})
		}))
		defer srv.Close()
		c := &HTTPClient{Client: srv.Client(), BaseURL: srv.URL}
		_, err := c.Complete(context.Background(), Request{Model: "gpt-4o"})
		if err == nil || !strings.Contains(err.Error(), "empty completion") {
			t.Fatalf("err = %v", err)
		}
	})
}

func TestStripCodeFence(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{`{"a":1}`, `{"a":1}`},
		{"```json\n{\"a\":1}\n```", `{"a":1}`},
		{"```\n{\"a\":1}\n```", `{"a":1}`},
		{"  {\"a\":1}  ", `{"a":1}`},
		{"```", "```"},
	}
	for _, tc := range cases {
		if got := StripCodeFence(tc.in); got != tc.want {
			t.Fatalf("StripCodeFence(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
