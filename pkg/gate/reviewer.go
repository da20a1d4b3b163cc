package gate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// ErrReviewerUnavailable is returned when no review command can be run
var ErrReviewerUnavailable = errors.New("reviewer unavailable")

//go:generate mockgen -destination=../mocks/reviewer_mock.go -package=mocks github.com/forja/forja/pkg/gate Reviewer

// Reviewer produces an external verdict on a feature's artifacts
type Reviewer interface {
	Review(ctx context.Context, req ReviewRequest) (ReviewResult, error)
}

// ReviewArtifact is one file handed to the reviewer
type ReviewArtifact struct {
	Path    string `json:"path"`
	Kind    string `json:"kind"`
	Content string `json:"content"`
}

// ReviewRequest is written to the review command's stdin as JSON
type ReviewRequest struct {
	Teammate  string           `json:"teammate"`
	FeatureID string           `json:"feature_id"`
	Evidence  string           `json:"evidence,omitempty"`
	Artifacts []ReviewArtifact `json:"artifacts"`
}

// ReviewResult is read from the review command's stdout
type ReviewResult struct {
	Pass    bool     `json:"pass"`
	Issues  []string `json:"issues,omitempty"`
	Summary string   `json:"summary,omitempty"`
}

// CommandReviewer runs an operator-configured command as the reviewer
type CommandReviewer struct {
	Command string
	Shell   string
	Dir     string
	Timeout time.Duration
}

// Review implements Reviewer
func (r *CommandReviewer) Review(ctx context.Context, req ReviewRequest) (ReviewResult, error) {
	if strings.TrimSpace(r.Command) == "" {
		return ReviewResult{}, ErrReviewerUnavailable
	}
	shell := r.Shell
	if shell == "" {
		shell = "sh"
	}
	if _, err := exec.LookPath(shell); err != nil {
		return ReviewResult{}, fmt.Errorf("%w: %v", ErrReviewerUnavailable, err)
	}

	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return ReviewResult{}, fmt.Errorf("failed to encode review request: %w", err)
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, shell, "-c", r.Command)
	cmd.Dir = r.Dir
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ReviewResult{}, fmt.Errorf("%w: %v", ErrReviewerUnavailable, ctx.Err())
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return ReviewResult{}, fmt.Errorf("%w: review command failed: %s", ErrReviewerUnavailable, msg)
	}

	var result ReviewResult
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &result); err != nil {
		return ReviewResult{}, fmt.Errorf("%w: unreadable review output: %v", ErrReviewerUnavailable, err)
	}
	return result, nil
}
