package registry

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/holidaibutler/warden/internal/model"
	"github.com/holidaibutler/warden/internal/schedule"
)

// Polarity says which direction of movement is a deterioration.
type Polarity string

const (
	HigherIsWorse Polarity = "higher_is_worse"
	LowerIsWorse  Polarity = "lower_is_worse"
)

// MetricPolicy governs how anomalies on one metric are judged and worded.
type MetricPolicy struct {
	Name     string         `yaml:"-" json:"name"`
	Label    string         `yaml:"label" json:"label"`
	Polarity Polarity       `yaml:"polarity" json:"polarity"`
	Severity model.Severity `yaml:"severity" json:"severity"`
	Unit     string         `yaml:"unit" json:"unit,omitempty"`
}

// Worse reports whether movement in direction d is a deterioration.
func (p MetricPolicy) Worse(d model.Direction) bool {
	if p.Polarity == LowerIsWorse {
		return d == model.DirectionFell
	}
	return d == model.DirectionRose
}

// DefaultPolicy applies to metrics the catalog does not describe.
func DefaultPolicy(name string) MetricPolicy {
	return MetricPolicy{Name: name, Label: name, Polarity: HigherIsWorse, Severity: model.SeverityP3}
}

// Catalog is the parsed contents of the agent catalog file.
type Catalog struct {
	Agents  []model.AgentDescriptor
	Metrics map[string]MetricPolicy
}

type catalogFile struct {
	Agents  []catalogAgent          `yaml:"agents"`
	Metrics map[string]MetricPolicy `yaml:"metrics"`
}

type catalogAgent struct {
	Key          string                     `yaml:"key"`
	Name         string                     `yaml:"name"`
	Capabilities []string                   `yaml:"capabilities"`
	Schedule     string                     `yaml:"schedule"`
	Active       *bool                      `yaml:"active"`
	SLAClass     model.Severity             `yaml:"sla_class"`
	Destinations []string                   `yaml:"destinations"`
	Timeout      string                     `yaml:"timeout"`
	Endpoint     string                     `yaml:"endpoint"`
	Thresholds   map[string]model.Threshold `yaml:"thresholds"`
	Metadata     map[string]any             `yaml:"metadata"`
}

// LoadCatalog reads and validates the catalog at path.
func LoadCatalog(path string, knownDestinations []string) (Catalog, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from operator config
	if err != nil {
		return Catalog{}, fmt.Errorf("registry: read catalog: %w", err)
	}
	return ParseCatalog(data, knownDestinations)
}

// ParseCatalog decodes a YAML catalog. Every agent is validated; all
// problems are reported together so one edit can fix them.
func ParseCatalog(data []byte, knownDestinations []string) (Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Catalog{}, fmt.Errorf("registry: parse catalog: %w", err)
	}

	var errs []error
	cat := Catalog{Metrics: make(map[string]MetricPolicy, len(f.Metrics))}
	for name, p := range f.Metrics {
		p.Name = name
		if p.Label == "" {
			p.Label = name
		}
		if p.Polarity == "" {
			p.Polarity = HigherIsWorse
		}
		if p.Severity == "" {
			p.Severity = model.SeverityP3
		}
		if err := p.validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		cat.Metrics[name] = p
	}

	seen := make(map[string]bool, len(f.Agents))
	for i, a := range f.Agents {
		d, err := a.descriptor()
		if err == nil {
			err = Validate(d, knownDestinations)
		}
		if err == nil && seen[d.Key] {
			err = fmt.Errorf("duplicate agent key %q", d.Key)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("agents[%d]: %w", i, err))
			continue
		}
		seen[d.Key] = true
		cat.Agents = append(cat.Agents, d)
	}
	if err := errors.Join(errs...); err != nil {
		return Catalog{}, fmt.Errorf("registry: invalid catalog: %w", err)
	}
	return cat, nil
}

func (a catalogAgent) descriptor() (model.AgentDescriptor, error) {
	d := model.AgentDescriptor{
		Key:          a.Key,
		Name:         a.Name,
		Capabilities: a.Capabilities,
		Schedule:     a.Schedule,
		Active:       a.Active == nil || *a.Active,
		SLAClass:     a.SLAClass,
		Destinations: a.Destinations,
		Endpoint:     a.Endpoint,
		Thresholds:   a.Thresholds,
		Metadata:     a.Metadata,
	}
	if d.Name == "" {
		d.Name = d.Key
	}
	if d.SLAClass == "" {
		d.SLAClass = model.SeverityP3
	}
	if d.Capabilities == nil {
		d.Capabilities = []string{}
	}
	if d.Metadata == nil {
		d.Metadata = map[string]any{}
	}
	if a.Timeout != "" {
		t, err := time.ParseDuration(a.Timeout)
		if err != nil || t < time.Second {
			return d, fmt.Errorf("agent %q: timeout %q must be a duration of at least 1s", a.Key, a.Timeout)
		}
		d.TimeoutSeconds = int(t / time.Second)
	}
	return d, nil
}

func (p MetricPolicy) validate() error {
	if p.Polarity != HigherIsWorse && p.Polarity != LowerIsWorse {
		return fmt.Errorf("metric %q: polarity must be %s or %s", p.Name, HigherIsWorse, LowerIsWorse)
	}
	if !p.Severity.Valid() {
		return fmt.Errorf("metric %q: unknown severity %q", p.Name, p.Severity)
	}
	return nil
}

// Validate checks a descriptor against the registry's rules.
func Validate(d model.AgentDescriptor, knownDestinations []string) error {
	if err := model.ValidateAgentKey(d.Key); err != nil {
		return err
	}
	if _, err := schedule.Parse(d.Schedule); err != nil {
		return fmt.Errorf("agent %q: %w", d.Key, err)
	}
	if !d.SLAClass.Valid() {
		return fmt.Errorf("agent %q: unknown sla_class %q", d.Key, d.SLAClass)
	}
	if d.TimeoutSeconds < 0 {
		return fmt.Errorf("agent %q: timeout must not be negative", d.Key)
	}
	for _, dest := range d.Destinations {
		if dest == model.DestinationGlobal {
			if len(d.Destinations) > 1 {
				return fmt.Errorf("agent %q: %q cannot be combined with other destinations", d.Key, dest)
			}
			continue
		}
		if !slices.Contains(knownDestinations, dest) {
			return fmt.Errorf("agent %q: unknown destination %q", d.Key, dest)
		}
	}
	return nil
}
