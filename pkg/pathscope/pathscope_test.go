package pathscope_test

import (
	"testing"

	"github.com/forja/forja/pkg/pathscope"
)

func TestScope_Allows(t *testing.T) {
	tests := []struct {
		name    string
		entries []string
		path    string
		want    bool
	}{
		{"no entries", nil, "anything/at/all.go", true},
		{"dot", []string{"."}, "src/main.go", true},
		{"directory prefix", []string{"api"}, "api/openapi.json", true},
		{"directory itself", []string{"api"}, "api", true},
		{"trailing slash", []string{"api/"}, "api/routes/user.go", true},
		{"leading dot slash", []string{"./api"}, "api/x.json", true},
		{"sibling prefix", []string{"api"}, "apis/x.json", false},
		{"outside", []string{"api"}, "web/index.html", false},
		{"double star suffix", []string{"api/**"}, "api/deep/x.json", true},
		{"single star", []string{"docs/*.md"}, "docs/README.md", true},
		{"single star stays in directory", []string{"docs/*.md"}, "docs/sub/README.md", false},
		{"double star middle", []string{"api/**/*.json"}, "api/v1/spec/schema.json", true},
		{"double star matches zero dirs", []string{"api/**/*.json"}, "api/schema.json", true},
		{"leading double star", []string{"**/*.proto"}, "proto/user.proto", true},
		{"question mark", []string{"out/build?.log"}, "out/build1.log", true},
		{"question mark single char", []string{"out/build?.log"}, "out/build12.log", false},
		{"character class", []string{"out/v[0-9].json"}, "out/v3.json", true},
		{"negated class", []string{"out/v[!0-9].json"}, "out/v3.json", false},
		{"dots are literal", []string{"a.b/*"}, "aXb/c", false},
		{"escaping path", []string{"api"}, "../api/x.json", false},
		{"cleaned path", []string{"api"}, "api/../api/x.json", true},
		{"any of several", []string{"api", "shared/*.json"}, "shared/types.json", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := pathscope.New(tt.entries)
			if err != nil {
				t.Fatalf("New(%v) failed: %v", tt.entries, err)
			}
			if got := s.Allows(tt.path); got != tt.want {
				t.Errorf("Allows(%q) with %v = %v, want %v", tt.path, tt.entries, got, tt.want)
			}
			if got := pathscope.Allowed(tt.path, tt.entries); got != tt.want {
				t.Errorf("Allowed(%q, %v) = %v, want %v", tt.path, tt.entries, got, tt.want)
			}
		})
	}
}

func TestNewRejectsInvalidGlob(t *testing.T) {
	if _, err := pathscope.New([]string{"out/[z-a].json"}); err == nil {
		t.Fatal("expected an invalid character range to fail")
	}
	if pathscope.Allowed("out/a.json", []string{"out/[z-a].json"}) {
		t.Error("an entry that does not compile should match nothing")
	}
	if !pathscope.Allowed("api/a.json", []string{"out/[z-a].json", "api"}) {
		t.Error("valid entries should still apply next to an invalid one")
	}
}

func TestUnrestricted(t *testing.T) {
	for _, entries := range [][]string{nil, {"."}, {"**"}, {"api", "./"}} {
		s, err := pathscope.New(entries)
		if err != nil {
			t.Fatal(err)
		}
		if !s.Unrestricted() {
			t.Errorf("expected %v to be unrestricted", entries)
		}
	}
	s, _ := pathscope.New([]string{"api"})
	if s.Unrestricted() {
		t.Error("a prefix scope is restricted")
	}
}

func TestEscapes(t *testing.T) {
	tests := map[string]bool{
		"..":           true,
		"../x":         true,
		"a/../../x":    true,
		"a/../b":       false,
		"api":          false,
		"..hidden/dir": false,
	}
	for p, want := range tests {
		if got := pathscope.Escapes(p); got != want {
			t.Errorf("Escapes(%q) = %v, want %v", p, got, want)
		}
	}
}
