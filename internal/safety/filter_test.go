package safety

import (
	"errors"
	"testing"

	"github.com/jamesprial/gqlwire/internal/config"
)

func Test_Filter_IsAllowed_Cases(t *testing.T) {
	tests := []struct {
		name      string
		allowlist []string
		denylist  []string
		operation string
		want      bool
	}{
		{
			name:      "empty lists allow everything",
			allowlist: []string{},
			denylist:  []string{},
			operation: "GetTournament",
			want:      true,
		},
		{
			name:      "nil lists allow everything",
			operation: "GetTournament",
			want:      true,
		},
		{
			name:      "nil lists allow anonymous operations",
			operation: "",
			want:      true,
		},
		{
			name:      "in allowlist is allowed",
			allowlist: []string{"GetTournament", "ListClubs"},
			operation: "ListClubs",
			want:      true,
		},
		{
			name:      "not in allowlist is denied",
			allowlist: []string{"GetTournament", "ListClubs"},
			operation: "DeleteClub",
			want:      false,
		},
		{
			name:      "anonymous operation fails a non-empty allowlist",
			allowlist: []string{"*"},
			operation: "",
			want:      false,
		},
		{
			name:      "anonymous operation fails a match-any glob",
			allowlist: []string{"?*", "Get*"},
			operation: "",
			want:      false,
		},
		{
			name:      "anonymous operation passes when only a denylist is set",
			denylist:  []string{"Drop*"},
			operation: "",
			want:      true,
		},
		{
			name:      "in denylist is denied",
			denylist:  []string{"DeleteClub"},
			operation: "DeleteClub",
			want:      false,
		},
		{
			name:      "denylist wins over allowlist",
			allowlist: []string{"DeleteClub", "ListClubs"},
			denylist:  []string{"DeleteClub"},
			operation: "DeleteClub",
			want:      false,
		},
		{
			name:      "glob pattern in denylist matches",
			denylist:  []string{"Delete*"},
			operation: "DeleteTournament",
			want:      false,
		},
		{
			name:      "glob pattern in allowlist matches",
			allowlist: []string{"Get*"},
			operation: "GetPlayer",
			want:      true,
		},
		{
			name:      "glob pattern no match in allowlist",
			allowlist: []string{"Get*"},
			operation: "ListPlayers",
			want:      false,
		},
		{
			name:      "malformed pattern never matches",
			denylist:  []string{"[Delete"},
			operation: "[Delete",
			want:      true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewFilter(tt.allowlist, tt.denylist)
			if got := f.IsAllowed(tt.operation); got != tt.want {
				t.Errorf("IsAllowed(%q) = %v, want %v", tt.operation, got, tt.want)
			}
		})
	}
}

func Test_Filter_Check(t *testing.T) {
	f := FilterFromConfig(config.OperationFilter{Denylist: []string{"Drop*"}})

	if err := f.Check("ListClubs"); err != nil {
		t.Errorf("Check(ListClubs) = %v, want nil", err)
	}
	if err := NewFilter([]string{"*"}, nil).Check(""); !errors.Is(err, ErrOperationDenied) {
		t.Errorf("Check(anonymous) under wildcard allowlist = %v, want ErrOperationDenied", err)
	}
	err := f.Check("DropTables")
	if !errors.Is(err, ErrOperationDenied) {
		t.Fatalf("Check(DropTables) = %v, want ErrOperationDenied", err)
	}
	if got := err.Error(); got != `operation "DropTables": operation not allowed` {
		t.Errorf("error = %q", got)
	}
}

func Test_Filter_NilAllowsEverything(t *testing.T) {
	var f *Filter
	if !f.IsAllowed("anything") {
		t.Error("nil filter should allow everything")
	}
	if err := f.Check(""); err != nil {
		t.Errorf("nil filter Check = %v", err)
	}
}
