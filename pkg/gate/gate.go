// Package gate decides whether a feature's produced artifacts may be accepted
package gate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/forja/forja/pkg/logger"
	"github.com/forja/forja/pkg/pathscope"
	"github.com/forja/forja/pkg/types"
)

// Request is everything the gate looks at for one feature
type Request struct {
	Teammate    string
	FeatureID   string
	Evidence    string
	Spec        types.ValidationSpec
	ProjectRoot string
}

// CheckResult is the outcome of one check
type CheckResult struct {
	Name    string `json:"name"`
	Path    string `json:"path,omitempty"`
	Pass    bool   `json:"pass"`
	Skipped bool   `json:"skipped,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Verdict is the gate's decision. Reason names the first failing check.
type Verdict struct {
	Pass   bool          `json:"pass"`
	Reason string        `json:"reason,omitempty"`
	Checks []CheckResult `json:"checks,omitempty"`
}

func (v *Verdict) add(c CheckResult) {
	v.Checks = append(v.Checks, c)
	if !c.Pass && v.Pass {
		v.Pass = false
		if c.Path != "" {
			v.Reason = fmt.Sprintf("%s: %s: %s", c.Name, c.Path, c.Reason)
		} else {
			v.Reason = fmt.Sprintf("%s: %s", c.Name, c.Reason)
		}
	}
}

// Gate evaluates artifacts. It never mutates anything.
type Gate struct {
	reviewer     Reviewer
	reviewAlways bool
	logger       logger.Logger
}

// Option configures a Gate
type Option func(*Gate)

// WithReviewer enables external review. With always set, every feature is
// reviewed; otherwise only teammates whose validation spec asks for it.
func WithReviewer(r Reviewer, always bool) Option {
	return func(g *Gate) {
		g.reviewer = r
		g.reviewAlways = always
	}
}

// WithLogger sets the gate's logger
func WithLogger(l logger.Logger) Option {
	return func(g *Gate) {
		g.logger = l
	}
}

// New creates a gate
func New(opts ...Option) *Gate {
	g := &Gate{logger: logger.Discard()}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Evaluate runs the deterministic checks for the feature's artifacts and,
// when configured, the external review.
func (g *Gate) Evaluate(ctx context.Context, req Request) Verdict {
	verdict := Verdict{Pass: true}
	root := req.ProjectRoot
	if root == "" {
		root = "."
	}

	artifacts := req.Spec.ArtifactsFor(req.FeatureID)
	var reviewed []ReviewArtifact
	for _, a := range artifacts {
		full, rel, err := resolve(root, a.Path)
		if err != nil {
			verdict.add(CheckResult{Name: "path", Path: a.Path, Reason: err.Error()})
			continue
		}
		if !pathscope.Allowed(rel, req.Spec.AuthorizedPaths) {
			verdict.add(CheckResult{Name: "authorized", Path: a.Path, Reason: "outside authorized paths"})
			continue
		}

		data, err := os.ReadFile(full)
		if err != nil {
			if os.IsNotExist(err) {
				verdict.add(CheckResult{Name: "exists", Path: a.Path, Reason: "artifact not found"})
			} else {
				verdict.add(CheckResult{Name: "exists", Path: a.Path, Reason: err.Error()})
			}
			continue
		}
		if len(strings.TrimSpace(string(data))) == 0 {
			verdict.add(CheckResult{Name: "not_empty", Path: a.Path, Reason: "artifact is empty"})
			continue
		}

		kind := a.EffectiveKind()
		verdict.add(checkArtifact(kind, a.Path, full, data, a.Required))
		reviewed = append(reviewed, ReviewArtifact{Path: a.Path, Kind: kind, Content: string(data)})
	}

	if !verdict.Pass {
		return verdict
	}

	if g.reviewer != nil && (g.reviewAlways || req.Spec.Review) {
		verdict.add(g.review(ctx, req, reviewed))
	}
	return verdict
}

func (g *Gate) review(ctx context.Context, req Request, artifacts []ReviewArtifact) CheckResult {
	result, err := g.reviewer.Review(ctx, ReviewRequest{
		Teammate:  req.Teammate,
		FeatureID: req.FeatureID,
		Evidence:  req.Evidence,
		Artifacts: artifacts,
	})
	if err != nil {
		g.logger.WithTeammate(req.Teammate).Warn("Review unavailable, skipping",
			logger.WithField("feature", req.FeatureID),
			logger.WithError(err),
		)
		return CheckResult{Name: "review", Pass: true, Skipped: true, Reason: err.Error()}
	}
	if !result.Pass {
		reason := result.Summary
		if len(result.Issues) > 0 {
			reason = strings.Join(result.Issues, "; ")
		}
		if reason == "" {
			reason = "rejected by reviewer"
		}
		return CheckResult{Name: "review", Reason: reason}
	}
	return CheckResult{Name: "review", Pass: true, Reason: result.Summary}
}

// resolve returns the absolute and root-relative forms of p, rejecting paths that escape root
func resolve(root, p string) (string, string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", "", err
	}
	full := p
	if !filepath.IsAbs(full) {
		full = filepath.Join(absRoot, p)
	}
	full = filepath.Clean(full)

	rel, err := filepath.Rel(absRoot, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", "", fmt.Errorf("path escapes project root")
	}
	return full, filepath.ToSlash(rel), nil
}

