package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/forja/forja/pkg/types"
)

const (
	// FeaturesFile is the per-teammate feature list
	FeaturesFile = "features.json"
	// SpecFile is the per-teammate validation spec
	SpecFile = "validation_spec.json"
)

var specCandidates = []string{SpecFile, "validation_spec.yaml", "validation_spec.yml"}

// LoadPlan reads every teammate directory under dir. A directory without a
// features.json is not a teammate and is skipped. Teammates are sorted by name.
func LoadPlan(dir string) ([]types.Teammate, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read teammates directory: %w", err)
	}

	var teammates []types.Teammate
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		tm, ok, err := LoadTeammate(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		if ok {
			teammates = append(teammates, tm)
		}
	}

	sort.Slice(teammates, func(i, j int) bool { return teammates[i].Name < teammates[j].Name })
	return teammates, nil
}

// LoadTeammate reads one teammate directory. ok is false when it has no features.json.
func LoadTeammate(dir string) (types.Teammate, bool, error) {
	name := filepath.Base(dir)
	data, err := os.ReadFile(filepath.Join(dir, FeaturesFile))
	if err != nil {
		if os.IsNotExist(err) {
			return types.Teammate{}, false, nil
		}
		return types.Teammate{}, false, fmt.Errorf("failed to read features for %s: %w", name, err)
	}

	var list types.FeatureList
	if err := json.Unmarshal(data, &list); err != nil {
		return types.Teammate{}, false, fmt.Errorf("invalid %s for %s: %w", FeaturesFile, name, err)
	}

	spec, err := loadSpec(dir)
	if err != nil {
		return types.Teammate{}, false, fmt.Errorf("invalid validation spec for %s: %w", name, err)
	}
	if spec.Teammate == "" {
		spec.Teammate = name
	}

	now := time.Now().UTC()
	seen := make(map[string]bool, len(list.Features))
	features := make([]types.Feature, 0, len(list.Features))
	for i, f := range list.Features {
		if f.ID == "" {
			return types.Teammate{}, false, fmt.Errorf("feature %d of %s has no id", i, name)
		}
		if seen[f.ID] {
			return types.Teammate{}, false, fmt.Errorf("duplicate feature %q in %s", f.ID, name)
		}
		seen[f.ID] = true
		if f.CreatedAt.IsZero() {
			f.CreatedAt = now
		}
		features = append(features, f)
	}

	return types.Teammate{
		Name:            name,
		Features:        features,
		AuthorizedPaths: spec.AuthorizedPaths,
		Consumes:        spec.Consumes,
		Exposes:         spec.Exposes,
		Spec:            spec,
	}, true, nil
}

func loadSpec(dir string) (types.ValidationSpec, error) {
	var spec types.ValidationSpec
	for _, name := range specCandidates {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return spec, err
		}
		if strings.HasSuffix(name, ".json") {
			err = json.Unmarshal(data, &spec)
		} else {
			err = yaml.Unmarshal(data, &spec)
		}
		return spec, err
	}
	return spec, nil
}
