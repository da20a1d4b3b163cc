// Package planner layers teammates into dependency-ordered waves
package planner

import (
	"fmt"
	"sort"

	"github.com/forja/forja/pkg/types"
)

// Plan assigns every teammate to a wave such that each teammate's dependencies
// run in strictly earlier waves. Teammates are sorted by name within a wave.
// The QA teammate, when present, runs alone in a final wave.
func Plan(teammates []types.Teammate) ([]types.Wave, error) {
	byName := make(map[string]types.Teammate, len(teammates))
	var qa string
	for _, tm := range teammates {
		if _, dup := byName[tm.Name]; dup {
			return nil, &DuplicateTeammateError{Name: tm.Name}
		}
		byName[tm.Name] = tm
		if tm.IsQA() {
			qa = tm.Name
		}
	}

	names := make([]string, 0, len(byName))
	for name := range byName {
		if name != qa {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	// QA implicitly depends on everyone, so its own edges are only checked for existence.
	deps := make(map[string][]string, len(byName))
	for name, tm := range byName {
		for _, dep := range tm.Dependencies() {
			if _, ok := byName[dep]; !ok {
				return nil, &UnknownDependencyError{Teammate: name, Dependency: dep}
			}
			if name == qa {
				continue
			}
			if dep == qa {
				return nil, &GraphCycleError{Cycle: []string{name, qa, name}}
			}
			deps[name] = append(deps[name], dep)
		}
		sort.Strings(deps[name])
	}

	if err := detectCycle(names, deps); err != nil {
		return nil, err
	}

	level := make(map[string]int, len(names))
	var depth func(name string) int
	depth = func(name string) int {
		if l, ok := level[name]; ok {
			return l
		}
		l := 0
		for _, dep := range deps[name] {
			if d := depth(dep) + 1; d > l {
				l = d
			}
		}
		level[name] = l
		return l
	}

	var waves []types.Wave
	for _, name := range names {
		l := depth(name)
		for len(waves) <= l {
			waves = append(waves, types.Wave{Index: len(waves)})
		}
		waves[l].Teammates = append(waves[l].Teammates, name)
	}

	if qa != "" {
		waves = append(waves, types.Wave{Index: len(waves), Teammates: []string{qa}})
	}
	return waves, nil
}

// detectCycle walks the graph depth-first and returns the first cycle found
func detectCycle(names []string, deps map[string][]string) error {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(names))
	var stack []string

	var visit func(name string) error
	visit = func(name string) error {
		state[name] = visiting
		stack = append(stack, name)
		for _, dep := range deps[name] {
			switch state[dep] {
			case visiting:
				start := 0
				for i, n := range stack {
					if n == dep {
						start = i
						break
					}
				}
				cycle := append([]string(nil), stack[start:]...)
				return &GraphCycleError{Cycle: append(cycle, dep)}
			case unvisited:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[name] = done
		return nil
	}

	for _, name := range names {
		if state[name] == unvisited {
			if err := visit(name); err != nil {
				return err
			}
		}
	}
	return nil
}

// Assign stamps each teammate's Wave field from the planned waves
func Assign(teammates []types.Teammate, waves []types.Wave) {
	index := make(map[string]int)
	for _, w := range waves {
		for _, name := range w.Teammates {
			index[name] = w.Index
		}
	}
	for i := range teammates {
		if w, ok := index[teammates[i].Name]; ok {
			teammates[i].Wave = w
		}
	}
}

// Validate checks that waves cover every teammate exactly once and that
// every dependency sits in a strictly earlier wave.
func Validate(teammates []types.Teammate, waves []types.Wave) error {
	index := make(map[string]int)
	for _, w := range waves {
		for _, name := range w.Teammates {
			if _, dup := index[name]; dup {
				return &DuplicateTeammateError{Name: name}
			}
			index[name] = w.Index
		}
	}

	for _, tm := range teammates {
		w, ok := index[tm.Name]
		if !ok {
			return fmt.Errorf("teammate %q is not assigned to any wave", tm.Name)
		}
		for _, dep := range tm.Dependencies() {
			dw, ok := index[dep]
			if !ok {
				return &UnknownDependencyError{Teammate: tm.Name, Dependency: dep}
			}
			if dw >= w {
				return &WaveOrderError{Teammate: tm.Name, Dependency: dep}
			}
		}
		if tm.IsQA() {
			for name, other := range index {
				if name != tm.Name && other >= w {
					return &WaveOrderError{Teammate: tm.Name, Dependency: name}
				}
			}
		}
	}
	return nil
}
