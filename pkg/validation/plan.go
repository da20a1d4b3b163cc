// Package validation checks a teammate plan before a run
package validation

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/forja/forja/pkg/gate"
	"github.com/forja/forja/pkg/pathscope"
	"github.com/forja/forja/pkg/planner"
	"github.com/forja/forja/pkg/types"
)

// PlanValidator validates teammates and their validation specs
type PlanValidator struct {
	projectRoot string
}

// NewPlanValidator creates a new plan validator
func NewPlanValidator(projectRoot string) *PlanValidator {
	return &PlanValidator{
		projectRoot: projectRoot,
	}
}

// ValidationError represents a validation error
type ValidationError struct {
	Teammate string
	Field    string
	Message  string
	Level    ValidationLevel
}

// ValidationLevel represents error severity
type ValidationLevel string

const (
	ValidationLevelError   ValidationLevel = "error"
	ValidationLevelWarning ValidationLevel = "warning"
	ValidationLevelInfo    ValidationLevel = "info"
)

func (e *ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s.%s: %s", e.Level, e.Teammate, e.Field, e.Message)
}

// ValidationResult contains validation results
type ValidationResult struct {
	Valid  bool
	Errors []ValidationError
}

// AddError adds an error to the validation result
func (r *ValidationResult) AddError(teammate, field, message string, level ValidationLevel) {
	r.Errors = append(r.Errors, ValidationError{
		Teammate: teammate,
		Field:    field,
		Message:  message,
		Level:    level,
	})
	if level == ValidationLevelError {
		r.Valid = false
	}
}

// Count returns how many entries have the given level
func (r *ValidationResult) Count(level ValidationLevel) int {
	n := 0
	for _, e := range r.Errors {
		if e.Level == level {
			n++
		}
	}
	return n
}

// Validate validates one teammate in isolation
func (v *PlanValidator) Validate(tm types.Teammate) *ValidationResult {
	result := &ValidationResult{Valid: true}

	v.validateBasicFields(tm, result)
	v.validateAuthorizedPaths(tm, result)
	v.validateArtifacts(tm, result)

	return result
}

// ValidatePlan validates every teammate and the dependency graph between them
func (v *PlanValidator) ValidatePlan(teammates []types.Teammate) *ValidationResult {
	result := &ValidationResult{Valid: true}

	if len(teammates) == 0 {
		result.AddError("plan", "teammates", "no teammates defined; a run completes with nothing to build", ValidationLevelWarning)
		return result
	}

	for _, tm := range teammates {
		tmResult := v.Validate(tm)
		result.Errors = append(result.Errors, tmResult.Errors...)
		if !tmResult.Valid {
			result.Valid = false
		}
	}

	waves, err := planner.Plan(teammates)
	if err != nil {
		result.AddError("plan", "consumes", err.Error(), ValidationLevelError)
		return result
	}
	if err := planner.Validate(teammates, waves); err != nil {
		result.AddError("plan", "waves", err.Error(), ValidationLevelError)
	}
	return result
}

func (v *PlanValidator) validateBasicFields(tm types.Teammate, result *ValidationResult) {
	name := tm.Name

	if strings.ContainsAny(name, " \t") {
		result.AddError(name, "name", "teammate name cannot contain spaces", ValidationLevelError)
	}
	if tm.Spec.Teammate != "" && tm.Spec.Teammate != name {
		result.AddError(name, "teammate", fmt.Sprintf("validation spec names teammate %q", tm.Spec.Teammate), ValidationLevelWarning)
	}
	if len(tm.Features) == 0 {
		result.AddError(name, "features", "no features defined", ValidationLevelWarning)
	}

	for _, f := range tm.Features {
		if strings.TrimSpace(f.Description) == "" {
			result.AddError(name, "features", fmt.Sprintf("feature %q has no description", f.ID), ValidationLevelInfo)
		}
		if f.Status == types.FeatureStatusInProgress {
			result.AddError(name, "features", fmt.Sprintf("feature %q is in_progress and will be reconciled as crashed", f.ID), ValidationLevelWarning)
		}
	}

	if tm.IsQA() && len(tm.Exposes) > 0 {
		result.AddError(name, "exposes", "the qa teammate runs last, nothing can consume its contracts", ValidationLevelWarning)
	}
}

func (v *PlanValidator) validateAuthorizedPaths(tm types.Teammate, result *ValidationResult) {
	name := tm.Name

	if len(tm.AuthorizedPaths) == 0 {
		result.AddError(name, "authorized_paths", "no authorized paths, artifacts may live anywhere in the project", ValidationLevelInfo)
		return
	}

	for _, p := range tm.AuthorizedPaths {
		if p == "" {
			result.AddError(name, "authorized_paths", "empty authorized path", ValidationLevelError)
			continue
		}
		if filepath.IsAbs(p) {
			result.AddError(name, "authorized_paths", fmt.Sprintf("authorized path should be relative: %s", p), ValidationLevelWarning)
			continue
		}
		if pathscope.Escapes(p) {
			result.AddError(name, "authorized_paths", fmt.Sprintf("authorized path escapes the project: %s", p), ValidationLevelError)
			continue
		}
		if _, err := pathscope.New([]string{p}); err != nil {
			result.AddError(name, "authorized_paths", err.Error(), ValidationLevelError)
			continue
		}

		if !pathscope.IsGlob(p) {
			fullPath := filepath.Join(v.projectRoot, p)
			if _, err := os.Stat(fullPath); os.IsNotExist(err) {
				result.AddError(name, "authorized_paths", fmt.Sprintf("authorized path does not exist yet: %s", p), ValidationLevelInfo)
			}
		}
	}
}

func (v *PlanValidator) validateArtifacts(tm types.Teammate, result *ValidationResult) {
	name := tm.Name

	features := make(map[string]bool, len(tm.Features))
	for _, f := range tm.Features {
		features[f.ID] = true
	}
	supported := make(map[string]bool)
	for _, k := range gate.SupportedKinds() {
		supported[k] = true
	}

	for _, a := range tm.Spec.Artifacts {
		if a.Path == "" {
			result.AddError(name, "artifacts", "artifact has no path", ValidationLevelError)
			continue
		}
		if a.Feature != "" && !features[a.Feature] {
			result.AddError(name, "artifacts", fmt.Sprintf("artifact %s refers to unknown feature %q", a.Path, a.Feature), ValidationLevelError)
		}
		if !pathscope.Allowed(a.Path, tm.AuthorizedPaths) {
			result.AddError(name, "artifacts", fmt.Sprintf("artifact %s is outside the authorized paths", a.Path), ValidationLevelError)
		}
		if kind := a.EffectiveKind(); !supported[kind] {
			result.AddError(name, "artifacts", fmt.Sprintf("artifact %s has kind %q with no structural check", a.Path, kind), ValidationLevelInfo)
		} else if len(a.Required) > 0 && !keyedKind(kind) {
			result.AddError(name, "artifacts", fmt.Sprintf("required keys are ignored for %s artifacts", kind), ValidationLevelWarning)
		}
	}
}

func keyedKind(kind string) bool {
	switch kind {
	case "json", "yaml", "yml", "toml", "hcl", "tf":
		return true
	}
	return false
}
