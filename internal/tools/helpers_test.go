package tools_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jamesprial/gqlwire/internal/graphql"
	"github.com/jamesprial/gqlwire/internal/safety"
	"github.com/jamesprial/gqlwire/internal/tools"
)

// resultText extracts the text of the first content element, failing the
// test when there is none.
func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if result == nil {
		t.Fatal("CallToolResult is nil")
	}
	if len(result.Content) == 0 {
		t.Fatal("CallToolResult.Content is empty")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("Content[0] is %T, want mcp.TextContent", result.Content[0])
	}
	return tc.Text
}

var tokenPattern = regexp.MustCompile(`confirmation_token="([a-f0-9]+)"`)

func extractToken(t *testing.T, text string) string {
	t.Helper()
	m := tokenPattern.FindStringSubmatch(text)
	if len(m) < 2 {
		t.Fatalf("no confirmation_token in text:\n%s", text)
	}
	return m[1]
}

// ---------------------------------------------------------------------------
// JSONResult / ErrorResult
// ---------------------------------------------------------------------------

func Test_JSONResult_Cases(t *testing.T) {
	raw := json.RawMessage(`{"player":{"id":"p1","rating":1840}}`)

	tests := []struct {
		name     string
		input    any
		validate func(t *testing.T, text string)
	}{
		{
			name: "response shape keeps data and errors side by side",
			input: struct {
				Data   *json.RawMessage `json:"data"`
				Errors []graphql.Error  `json:"errors,omitempty"`
			}{Data: &raw, Errors: []graphql.Error{{Message: "rating stale"}}},
			validate: func(t *testing.T, text string) {
				t.Helper()
				var parsed struct {
					Data struct {
						Player struct {
							Rating float64 `json:"rating"`
						} `json:"player"`
					} `json:"data"`
					Errors []graphql.Error `json:"errors"`
				}
				if err := json.Unmarshal([]byte(text), &parsed); err != nil {
					t.Fatalf("result is not valid JSON: %v\ntext: %s", err, text)
				}
				if parsed.Data.Player.Rating != 1840 {
					t.Errorf("rating = %v, want 1840", parsed.Data.Player.Rating)
				}
				if len(parsed.Errors) != 1 || parsed.Errors[0].Message != "rating stale" {
					t.Errorf("errors = %+v", parsed.Errors)
				}
			},
		},
		{
			name:  "raw data is re-indented",
			input: map[string]any{"data": raw},
			validate: func(t *testing.T, text string) {
				t.Helper()
				if !strings.Contains(text, "\n      \"id\": \"p1\"") {
					t.Errorf("expected nested 2-space indentation, got:\n%s", text)
				}
			},
		},
		{
			name:  "nil data marshals as null",
			input: map[string]any{"data": nil},
			validate: func(t *testing.T, text string) {
				t.Helper()
				if !strings.Contains(text, `"data": null`) {
					t.Errorf("text = %q, want data null", text)
				}
			},
		},
		{
			name:  "handle list",
			input: []string{"cn1a2b", "cn3c4d"},
			validate: func(t *testing.T, text string) {
				t.Helper()
				var parsed []string
				if err := json.Unmarshal([]byte(text), &parsed); err != nil {
					t.Fatalf("result is not a JSON array: %v", err)
				}
				if len(parsed) != 2 {
					t.Errorf("len = %d, want 2", len(parsed))
				}
			},
		},
		{
			name:  "unmarshalable value returns error text",
			input: make(chan int),
			validate: func(t *testing.T, text string) {
				t.Helper()
				if !strings.Contains(text, "error marshaling result:") {
					t.Errorf("expected error prefix in text, got: %q", text)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.validate(t, resultText(t, tools.JSONResult(tt.input)))
		})
	}
}

func Test_ErrorResult_Prefix(t *testing.T) {
	tests := []struct {
		msg  string
		want string
	}{
		{msg: "graphql: request timeout", want: "error: graphql: request timeout"},
		{msg: "", want: "error: "},
		{msg: "operation \"Wipe\": operation not allowed", want: "error: operation \"Wipe\": operation not allowed"},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			if got := resultText(t, tools.ErrorResult(tt.msg)); got != tt.want {
				t.Errorf("ErrorResult(%q) = %q, want %q", tt.msg, got, tt.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// ParseVariables
// ---------------------------------------------------------------------------

func Test_ParseVariables_Cases(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    map[string]any
		wantErr bool
	}{
		{name: "empty string", raw: "", want: nil},
		{name: "whitespace", raw: "  \n", want: nil},
		{name: "object", raw: `{"id":"42","n":3}`, want: map[string]any{"id": "42", "n": float64(3)}},
		{name: "null", raw: `null`, want: nil},
		{name: "array rejected", raw: `[1,2]`, wantErr: true},
		{name: "garbage rejected", raw: `{id:`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tools.ParseVariables(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseVariables(%q) expected error", tt.raw)
				}
				if !strings.HasPrefix(err.Error(), "variables must be a JSON object") {
					t.Errorf("error = %q", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseVariables(%q) unexpected error: %v", tt.raw, err)
			}
			if fmt.Sprint(got) != fmt.Sprint(tt.want) {
				t.Errorf("ParseVariables(%q) = %v, want %v", tt.raw, got, tt.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// LogAudit / LogOperation
// ---------------------------------------------------------------------------

func Test_LogOperation_Entries(t *testing.T) {
	tests := []struct {
		name      string
		log       func(a *safety.AuditLogger, start time.Time)
		wantTool  string
		wantOp    any
		wantParam string
	}{
		{
			name: "named operation",
			log: func(a *safety.AuditLogger, start time.Time) {
				tools.LogOperation(a, "graphql_mutate", "RegisterPlayer", map[string]any{"variables": `{"id":"p1"}`}, "ok", start)
			},
			wantTool:  "graphql_mutate",
			wantOp:    "RegisterPlayer",
			wantParam: "variables",
		},
		{
			name: "tool without operation omits the field",
			log: func(a *safety.AuditLogger, start time.Time) {
				tools.LogAudit(a, "graphql_cache_clear", map[string]any{"scope": "all"}, "ok", start)
			},
			wantTool:  "graphql_cache_clear",
			wantOp:    nil,
			wantParam: "scope",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			start := time.Now().Add(-time.Millisecond)
			tt.log(safety.NewAuditLogger(&buf), start)

			var parsed map[string]any
			if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &parsed); err != nil {
				t.Fatalf("audit output is not valid JSON: %v", err)
			}
			if parsed["tool"] != tt.wantTool {
				t.Errorf("tool = %v, want %q", parsed["tool"], tt.wantTool)
			}
			if parsed["operation"] != tt.wantOp {
				t.Errorf("operation = %v, want %v", parsed["operation"], tt.wantOp)
			}
			params, _ := parsed["params"].(map[string]any)
			if _, ok := params[tt.wantParam]; !ok {
				t.Errorf("params = %v, missing %q", params, tt.wantParam)
			}
			if d, _ := parsed["duration_ns"].(float64); d <= 0 {
				t.Errorf("duration_ns = %v, want > 0", parsed["duration_ns"])
			}
		})
	}
}

func Test_LogOperation_NilLogger_NoPanic(t *testing.T) {
	tools.LogOperation(nil, "graphql_mutate", "RegisterPlayer", nil, "ok", time.Now())
	tools.LogAudit(nil, "graphql_cache_clear", nil, "ok", time.Now())
}

// ---------------------------------------------------------------------------
// ConfirmPrompt
// ---------------------------------------------------------------------------

func Test_ConfirmPrompt_TokenRoundTrip(t *testing.T) {
	confirm := safety.NewConfirmationTracker([]string{"graphql_mutate"})
	resource := graphql.Fingerprint(`mutation { wipe }`, nil)

	text := resultText(t, tools.ConfirmPrompt(confirm, "graphql_mutate", resource, "This will run mutation \"Wipe\"."))
	for _, want := range []string{"Confirmation required for graphql_mutate", resource, "This will run mutation \"Wipe\".", "same arguments"} {
		if !strings.Contains(text, want) {
			t.Errorf("prompt missing %q:\n%s", want, text)
		}
	}

	token := extractToken(t, text)
	if confirm.Confirm(token, "graphql_mutate", "other-fingerprint") {
		t.Error("token accepted for a different resource")
	}

	token = extractToken(t, resultText(t, tools.ConfirmPrompt(confirm, "graphql_mutate", resource, "again")))
	if !confirm.Confirm(token, "graphql_mutate", resource) {
		t.Fatal("fresh token rejected")
	}
	if confirm.Confirm(token, "graphql_mutate", resource) {
		t.Error("token accepted twice")
	}
}

func Test_ConfirmPrompt_TokensUnique(t *testing.T) {
	confirm := safety.NewConfirmationTracker([]string{"graphql_mutate"})
	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		tok := extractToken(t, resultText(t, tools.ConfirmPrompt(confirm, "graphql_mutate", "fp", "d")))
		if seen[tok] {
			t.Fatalf("duplicate token %q", tok)
		}
		seen[tok] = true
	}
}

// ---------------------------------------------------------------------------
// Registration
// ---------------------------------------------------------------------------

func Test_RegisterAll_CountsAcrossGroups(t *testing.T) {
	reg := func(name string) tools.Registration {
		return tools.Registration{
			Tool:    mcp.NewTool(name),
			Handler: func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) { return nil, nil },
		}
	}
	queries := []tools.Registration{reg("graphql_query"), reg("graphql_cache_clear")}
	subs := []tools.Registration{reg("graphql_subscribe")}

	s := server.NewMCPServer("test", "0.0.0")
	if n := tools.RegisterAll(s, queries, subs); n != 3 {
		t.Errorf("RegisterAll = %d, want 3", n)
	}
	if n := tools.RegisterAll(s); n != 0 {
		t.Errorf("RegisterAll() = %d, want 0", n)
	}

	got := fmt.Sprint(tools.Names(append(queries, subs...)))
	if want := "[graphql_query graphql_cache_clear graphql_subscribe]"; got != want {
		t.Errorf("Names = %s, want %s", got, want)
	}
}

// ---------------------------------------------------------------------------
// Benchmarks
// ---------------------------------------------------------------------------

func Benchmark_JSONResult_Response(b *testing.B) {
	raw := json.RawMessage(`{"players":[{"id":"p1","rating":1840},{"id":"p2","rating":1720}]}`)
	v := map[string]any{"data": raw}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		tools.JSONResult(v)
	}
}

func Benchmark_ParseVariables(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_, _ = tools.ParseVariables(`{"id":"p1","first":10,"after":"cursor"}`)
	}
}
