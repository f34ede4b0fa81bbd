package graphql

import (
	"errors"
	"fmt"
	"testing"
)

func Test_NewRequest_Cases(t *testing.T) {
	t.Run("empty query rejected", func(t *testing.T) {
		if _, err := NewRequest("  \n", nil, ""); err == nil {
			t.Fatal("expected error for blank query")
		}
	})

	t.Run("variables are copied", func(t *testing.T) {
		vars := map[string]any{"clubId": "c1"}
		req, err := NewRequest("{ a }", vars, "")
		if err != nil {
			t.Fatalf("NewRequest: %v", err)
		}
		vars["clubId"] = "c2"
		if req.Variables["clubId"] != "c1" {
			t.Errorf("request observed caller mutation: %v", req.Variables)
		}
	})
}

func Test_Fingerprint_Cases(t *testing.T) {
	base := Fingerprint("query { a }", map[string]any{"x": 1, "y": "two"})

	tests := []struct {
		name  string
		query string
		vars  map[string]any
		same  bool
	}{
		{name: "identical input", query: "query { a }", vars: map[string]any{"x": 1, "y": "two"}, same: true},
		{name: "surrounding whitespace trimmed", query: "\n  query { a }  \t", vars: map[string]any{"y": "two", "x": 1}, same: true},
		{name: "different variable value", query: "query { a }", vars: map[string]any{"x": 2, "y": "two"}, same: false},
		{name: "different query", query: "query { b }", vars: map[string]any{"x": 1, "y": "two"}, same: false},
		{name: "missing variable", query: "query { a }", vars: map[string]any{"x": 1}, same: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Fingerprint(tt.query, tt.vars)
			if (got == base) != tt.same {
				t.Errorf("Fingerprint equality = %v, want %v", got == base, tt.same)
			}
		})
	}

	t.Run("nil and empty variables agree", func(t *testing.T) {
		if Fingerprint("{ a }", nil) != Fingerprint("{ a }", map[string]any{}) {
			t.Error("nil and empty variable maps must share a fingerprint")
		}
	})

	t.Run("key order independent for every permutation", func(t *testing.T) {
		// Map iteration is randomized; repeated construction exercises orderings.
		want := Fingerprint("{ a }", map[string]any{"a": 1, "b": 2, "c": 3, "d": 4})
		for i := 0; i < 50; i++ {
			vars := map[string]any{}
			for _, k := range []string{"d", "c", "b", "a"} {
				vars[k] = int(k[0] - 'a' + 1)
			}
			if got := Fingerprint("{ a }", vars); got != want {
				t.Fatalf("iteration %d: fingerprint changed", i)
			}
		}
	})

	t.Run("unencodable variables still fingerprint", func(t *testing.T) {
		vars := map[string]any{"ch": make(chan int)}
		if Fingerprint("{ a }", vars) == "" {
			t.Error("empty fingerprint")
		}
	})
}

func Test_ErrorList_Error(t *testing.T) {
	tests := []struct {
		list ErrorList
		want string
	}{
		{list: ErrorList{{Message: "boom"}}, want: "boom"},
		{list: ErrorList{{Message: "boom"}, {Message: "bang"}, {Message: "pow"}}, want: "boom (and 2 more errors)"},
	}
	for _, tt := range tests {
		if got := tt.list.Error(); got != tt.want {
			t.Errorf("Error() = %q, want %q", got, tt.want)
		}
	}
	if ErrorList(nil).AsError() != nil {
		t.Error("empty list must convert to a nil error")
	}
}

func Test_KindOf_Cases(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		want      ErrorKind
		retryable bool
	}{
		{name: "timeout", err: &TransportError{Kind: KindTimeout}, want: KindTimeout, retryable: true},
		{name: "wrapped decode", err: fmt.Errorf("query: %w", &TransportError{Kind: KindDecode}), want: KindDecode, retryable: true},
		{name: "server error list", err: ErrorList{{Message: "denied"}}, want: KindServer, retryable: false},
		{name: "plain error", err: errors.New("x"), want: KindUnknown, retryable: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf = %v, want %v", got, tt.want)
			}
			if got := IsRetryable(tt.err); got != tt.retryable {
				t.Errorf("IsRetryable = %v, want %v", got, tt.retryable)
			}
		})
	}
}
