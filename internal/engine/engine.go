// Package engine drives one forja run from lock acquisition to the final report.
//
// The implementation is split across files:
//   - run.go: the Engine and its run lifecycle
//   - factory.go: builds collaborators from configuration
//   - result.go: the run report
//   - errors.go: fatal run errors
package engine
