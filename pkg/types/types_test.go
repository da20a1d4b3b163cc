package types_test

import (
	"encoding/json"
	"testing"

	"github.com/forja/forja/pkg/types"
)

func TestFeatureUnmarshal(t *testing.T) {
	tests := []struct {
		name       string
		json       string
		wantStatus types.FeatureStatus
		wantCycles int
		wantDesc   string
	}{
		{
			name:       "current schema",
			json:       `{"id": "auth-1", "description": "login", "status": "in_progress", "cycles": 2}`,
			wantStatus: types.FeatureStatusInProgress,
			wantCycles: 2,
			wantDesc:   "login",
		},
		{
			name:       "legacy failed status keeps cycles",
			json:       `{"id": "auth-1", "status": "failed", "cycles": 3}`,
			wantStatus: types.FeatureStatusPending,
			wantCycles: 3,
		},
		{
			name:       "legacy passes boolean",
			json:       `{"id": "auth-1", "passes": true}`,
			wantStatus: types.FeatureStatusPassed,
		},
		{
			name:       "legacy blocked boolean",
			json:       `{"id": "auth-1", "blocked": true, "cycles": 5}`,
			wantStatus: types.FeatureStatusBlocked,
			wantCycles: 5,
		},
		{
			name:       "legacy name fallback",
			json:       `{"id": "auth-1", "name": "sign in"}`,
			wantStatus: types.FeatureStatusPending,
			wantDesc:   "sign in",
		},
		{
			name:       "missing status defaults to pending",
			json:       `{"id": "auth-1"}`,
			wantStatus: types.FeatureStatusPending,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var f types.Feature
			if err := json.Unmarshal([]byte(tt.json), &f); err != nil {
				t.Fatalf("unmarshal failed: %v", err)
			}
			if f.Status != tt.wantStatus {
				t.Errorf("expected status %s, got %s", tt.wantStatus, f.Status)
			}
			if f.Cycles != tt.wantCycles {
				t.Errorf("expected cycles %d, got %d", tt.wantCycles, f.Cycles)
			}
			if f.Description != tt.wantDesc {
				t.Errorf("expected description %q, got %q", tt.wantDesc, f.Description)
			}
		})
	}
}

func TestFeatureListAcceptsBareArray(t *testing.T) {
	var list types.FeatureList
	if err := json.Unmarshal([]byte(`[{"id": "a"}, {"id": "b"}]`), &list); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if len(list.Features) != 2 {
		t.Fatalf("expected 2 features, got %d", len(list.Features))
	}

	var wrapped types.FeatureList
	if err := json.Unmarshal([]byte(`{"features": [{"id": "a"}]}`), &wrapped); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if len(wrapped.Features) != 1 || wrapped.Features[0].ID != "a" {
		t.Errorf("unexpected features: %+v", wrapped.Features)
	}
}

func TestFeatureStatusTerminal(t *testing.T) {
	terminal := map[types.FeatureStatus]bool{
		types.FeatureStatusPending:    false,
		types.FeatureStatusInProgress: false,
		types.FeatureStatusPassed:     true,
		types.FeatureStatusBlocked:    true,
	}
	for status, want := range terminal {
		if got := status.IsTerminal(); got != want {
			t.Errorf("%s: expected terminal=%v, got %v", status, want, got)
		}
	}
	if types.FeatureStatus("failed").Valid() {
		t.Error("legacy status must not be valid")
	}
}

func TestParseOutcome(t *testing.T) {
	tests := []struct {
		in      string
		want    types.Outcome
		wantErr bool
	}{
		{"pass", types.OutcomePass, false},
		{"PASSED", types.OutcomePass, false},
		{"fail", types.OutcomeFail, false},
		{"failed", types.OutcomeFail, false},
		{"crash", types.OutcomeCrash, false},
		{"timeout", types.OutcomeTimeout, false},
		{"maybe", "", true},
	}
	for _, tt := range tests {
		got, err := types.ParseOutcome(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("%s: unexpected error state: %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("%s: expected %s, got %s", tt.in, tt.want, got)
		}
	}
}

func TestTeammateDependencies(t *testing.T) {
	tm := types.Teammate{
		Name: "api",
		Consumes: []types.Contract{
			{FromTeammate: "auth"},
			{FromTeammate: "auth", Name: "tokens"},
			{FromTeammate: "api"},
			{FromTeammate: ""},
			{FromTeammate: "db"},
		},
	}
	deps := tm.Dependencies()
	if len(deps) != 2 || deps[0] != "auth" || deps[1] != "db" {
		t.Errorf("expected [auth db], got %v", deps)
	}
}

func TestArtifactsFor(t *testing.T) {
	spec := types.ValidationSpec{
		Artifacts: []types.Artifact{
			{Path: "shared.json"},
			{Feature: "f1", Path: "one.yaml"},
			{Feature: "f2", Path: "two.toml"},
		},
	}
	got := spec.ArtifactsFor("f1")
	if len(got) != 2 {
		t.Fatalf("expected 2 artifacts, got %d", len(got))
	}
	if got[1].EffectiveKind() != "yaml" {
		t.Errorf("expected inferred kind yaml, got %s", got[1].EffectiveKind())
	}
}

func TestEventKindFor(t *testing.T) {
	if types.EventKindFor(types.OutcomeTimeout) != types.EventTimeout {
		t.Error("timeout outcome must map to timeout event")
	}
	if types.EventKindFor(types.OutcomeCrash) != types.EventCrashed {
		t.Error("crash outcome must map to crashed event")
	}
	if types.EventKindFor(types.OutcomeFail) != types.EventFail {
		t.Error("fail outcome must map to fail event")
	}
}
