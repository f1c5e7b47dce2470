package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/generativebots/acp-backend/internal/catalog"
	"github.com/generativebots/acp-backend/internal/envelope"
	"github.com/generativebots/acp-backend/internal/objectives"
)

// Overrides is the optional YAML file layered on top of the environment:
// per-bucket rate gaps plus catalog and objective seeds for tenants that run
// without a Supabase-backed registry.
type Overrides struct {
	RateGapSeconds map[string]int  `yaml:"rate_gap_seconds"`
	Catalog        []CatalogSeed   `yaml:"catalog"`
	Objectives     []ObjectiveSeed `yaml:"objectives"`
}

// CatalogSeed declares one tool entry in the overrides file.
type CatalogSeed struct {
	Slug           string                 `yaml:"slug"`
	DisplayName    string                 `yaml:"display_name"`
	Description    string                 `yaml:"description"`
	Version        string                 `yaml:"version"`
	Risk           string                 `yaml:"risk"`
	RequiredScopes []string               `yaml:"required_scopes"`
	Schema         map[string]interface{} `yaml:"schema"`
}

// ObjectiveSeed declares one tenant objective in the overrides file.
type ObjectiveSeed struct {
	ObjectiveID string `yaml:"objective_id"`
	Title       string `yaml:"title"`
	Metric      string `yaml:"metric"`
	Target      string `yaml:"target"`
	Horizon     string `yaml:"horizon"`
	Summary     string `yaml:"summary"`
}

// LoadOverrides reads the overrides file. A missing file yields empty
// overrides; any read or parse failure is an error.
func LoadOverrides(path string) (Overrides, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Overrides{}, nil
		}
		return Overrides{}, fmt.Errorf("open overrides file %s: %w", path, err)
	}
	defer f.Close()

	var overrides Overrides
	if err := yaml.NewDecoder(f).Decode(&overrides); err != nil {
		return Overrides{}, fmt.Errorf("parse overrides file %s: %w", path, err)
	}

	for i := range overrides.Catalog {
		overrides.Catalog[i].Schema = normalizeMap(overrides.Catalog[i].Schema)
	}
	return overrides, nil
}

// RateGaps converts the configured per-bucket seconds into durations. Nil
// when the file declares none, so callers fall back to the built-in gaps.
func (o Overrides) RateGaps() map[string]time.Duration {
	if len(o.RateGapSeconds) == 0 {
		return nil
	}
	gaps := make(map[string]time.Duration, len(o.RateGapSeconds))
	for bucket, seconds := range o.RateGapSeconds {
		gaps[bucket] = time.Duration(seconds) * time.Second
	}
	return gaps
}

// CatalogEntries converts the catalog seeds into registry entries.
func (o Overrides) CatalogEntries() []*catalog.Entry {
	entries := make([]*catalog.Entry, 0, len(o.Catalog))
	for _, seed := range o.Catalog {
		entries = append(entries, &catalog.Entry{
			Slug:           seed.Slug,
			DisplayName:    seed.DisplayName,
			Description:    seed.Description,
			Version:        seed.Version,
			Risk:           envelope.NormalizeRisk(seed.Risk, envelope.RiskMedium),
			RequiredScopes: seed.RequiredScopes,
			Schema:         seed.Schema,
		})
	}
	return entries
}

// ObjectiveList converts the objective seeds.
func (o Overrides) ObjectiveList() []objectives.Objective {
	objs := make([]objectives.Objective, 0, len(o.Objectives))
	for _, seed := range o.Objectives {
		objs = append(objs, objectives.Objective{
			ObjectiveID: seed.ObjectiveID,
			Title:       seed.Title,
			Metric:      seed.Metric,
			Target:      seed.Target,
			Horizon:     seed.Horizon,
			Summary:     seed.Summary,
		})
	}
	return objs
}

// normalizeMap rewrites the map[interface{}]interface{} values yaml.v2
// produces for nested mappings into the map[string]interface{} shape the
// JSON-Schema compiler expects.
func normalizeMap(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for key, value := range in {
		out[key] = normalizeValue(value)
	}
	return out
}

func normalizeValue(v interface{}) interface{} {
	switch value := v.(type) {
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(value))
		for key, item := range value {
			out[fmt.Sprintf("%v", key)] = normalizeValue(item)
		}
		return out
	case map[string]interface{}:
		return normalizeMap(value)
	case []interface{}:
		out := make([]interface{}, len(value))
		for i, item := range value {
			out[i] = normalizeValue(item)
		}
		return out
	default:
		return v
	}
}
