// Package settings resolves runtime tunables through a two-layer chain: a
// persisted override when present, otherwise the static default. Values are
// resolved on every read so an override takes effect on the next pass
// without a restart.
package settings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/holidaibutler/warden/internal/model"
	"github.com/holidaibutler/warden/internal/service/baseline"
	"github.com/holidaibutler/warden/internal/storage"
)

// Setting keys.
const (
	KeyAnomalyK          = "anomaly.k"
	KeyAnomalyMinSamples = "anomaly.min_samples"
	KeyIssueStaleness    = "issues.staleness"
	KeySLAP1             = "issues.sla.p1"
	KeySLAP2             = "issues.sla.p2"
	KeySLAP3             = "issues.sla.p3"
	KeySLAP4             = "issues.sla.p4"
	KeyBacklogThreshold  = "correlation.backlog_threshold"
	KeyBacklogAge        = "correlation.backlog_age"
)

var (
	// ErrUnknownKey is returned for keys that are not defined.
	ErrUnknownKey = errors.New("settings: unknown key")
	// ErrInvalidOverride is returned when an override value fails validation.
	ErrInvalidOverride = errors.New("settings: invalid override")
)

// Values is a fully resolved snapshot of every setting. WindowSize is
// static and bounds MinSamples; it has no override key.
type Values struct {
	AnomalyK         float64
	MinSamples       int
	WindowSize       int
	Staleness        time.Duration
	SLA              map[model.Severity]time.Duration
	BacklogThreshold int
	BacklogAge       time.Duration
}

// SLAFor returns the SLA window for a severity, falling back to P4's.
func (v Values) SLAFor(s model.Severity) time.Duration {
	if d, ok := v.SLA[s]; ok {
		return d
	}
	return v.SLA[model.SeverityP4]
}

// Defaults returns the static defaults.
func Defaults() Values {
	return Values{
		AnomalyK:   2,
		MinSamples: baseline.DefaultWindowSize,
		WindowSize: baseline.DefaultWindowSize,
		Staleness:  14 * 24 * time.Hour,
		SLA: map[model.Severity]time.Duration{
			model.SeverityP1: 24 * time.Hour,
			model.SeverityP2: 72 * time.Hour,
			model.SeverityP3: 168 * time.Hour,
			model.SeverityP4: 336 * time.Hour,
		},
		BacklogThreshold: 3,
		BacklogAge:       7 * 24 * time.Hour,
	}
}

type definition struct {
	key   string
	apply func(*Values, string) error
	read  func(Values) string
}

// placeholder matches values that were copied from a template and never
// filled in.
var placeholder = regexp.MustCompile(`(?i)^(changeme|change_me|todo|tbd|xxx+|<.*>|\$\{.*\}|%.*%)$`)

// Store is the persistence the resolver needs. *storage.DB satisfies it.
type Store interface {
	ListSettingOverrides(ctx context.Context) (map[string]storage.SettingOverride, error)
	PutSettingOverride(ctx context.Context, key, value, updatedBy string) (storage.SettingOverride, error)
	DeleteSettingOverride(ctx context.Context, key string) error
}

// Resolver resolves settings against a store of overrides.
type Resolver struct {
	store    Store
	defaults Values
	defs     []definition
	logger   *slog.Logger
}

// New creates a resolver over the given static defaults.
func New(store Store, defaults Values, logger *slog.Logger) *Resolver {
	return &Resolver{store: store, defaults: defaults, defs: definitions(), logger: logger}
}

func definitions() []definition {
	defs := []definition{
		{
			key: KeyAnomalyK,
			apply: func(v *Values, s string) error {
				f, err := parsePositiveFloat(s)
				v.AnomalyK = f
				return err
			},
			read: func(v Values) string { return strconv.FormatFloat(v.AnomalyK, 'g', -1, 64) },
		},
		{
			key: KeyAnomalyMinSamples,
			apply: func(v *Values, s string) error {
				n, err := parsePositiveInt(s)
				if err == nil && v.WindowSize > 0 && n > v.WindowSize {
					err = fmt.Errorf("must not exceed the baseline window of %d, got %d", v.WindowSize, n)
				}
				v.MinSamples = n
				return err
			},
			read: func(v Values) string { return strconv.Itoa(v.MinSamples) },
		},
		{
			key: KeyIssueStaleness,
			apply: func(v *Values, s string) error {
				d, err := parsePositiveDuration(s)
				v.Staleness = d
				return err
			},
			read: func(v Values) string { return v.Staleness.String() },
		},
		{
			key: KeyBacklogThreshold,
			apply: func(v *Values, s string) error {
				n, err := parsePositiveInt(s)
				v.BacklogThreshold = n
				return err
			},
			read: func(v Values) string { return strconv.Itoa(v.BacklogThreshold) },
		},
		{
			key: KeyBacklogAge,
			apply: func(v *Values, s string) error {
				d, err := parsePositiveDuration(s)
				v.BacklogAge = d
				return err
			},
			read: func(v Values) string { return v.BacklogAge.String() },
		},
	}
	for _, sev := range model.Severities {
		defs = append(defs, definition{
			key: "issues.sla." + strings.ToLower(string(sev)),
			apply: func(v *Values, s string) error {
				d, err := parsePositiveDuration(s)
				v.SLA[sev] = d
				return err
			},
			read: func(v Values) string { return v.SLA[sev].String() },
		})
	}
	return defs
}

func (r *Resolver) lookup(key string) (definition, bool) {
	i := slices.IndexFunc(r.defs, func(d definition) bool { return d.key == key })
	if i < 0 {
		return definition{}, false
	}
	return r.defs[i], true
}

// Keys returns every defined setting key.
func (r *Resolver) Keys() []string {
	keys := make([]string, len(r.defs))
	for i, d := range r.defs {
		keys[i] = d.key
	}
	slices.Sort(keys)
	return keys
}

// Validate checks that value is acceptable for key without persisting it.
func (r *Resolver) Validate(key, value string) error {
	def, ok := r.lookup(key)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return fmt.Errorf("%w: %s: value is empty", ErrInvalidOverride, key)
	}
	if placeholder.MatchString(value) {
		return fmt.Errorf("%w: %s: %q looks like an unfilled placeholder", ErrInvalidOverride, key, value)
	}
	scratch := r.defaults.clone()
	if err := def.apply(&scratch, value); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidOverride, key, err)
	}
	return nil
}

// Resolve returns the current values. A persisted override that no longer
// validates is ignored with a warning and the default is used instead.
func (r *Resolver) Resolve(ctx context.Context) (Values, error) {
	overrides, err := r.store.ListSettingOverrides(ctx)
	if err != nil {
		return Values{}, fmt.Errorf("settings: resolve: %w", err)
	}
	v := r.defaults.clone()
	for _, def := range r.defs {
		o, ok := overrides[def.key]
		if !ok {
			continue
		}
		if err := r.Validate(def.key, o.Value); err != nil {
			r.logger.Warn("settings: ignoring invalid persisted override", "key", def.key, "error", err)
			continue
		}
		_ = def.apply(&v, strings.TrimSpace(o.Value))
	}
	return v, nil
}

// List returns every setting with its effective value and source.
func (r *Resolver) List(ctx context.Context) ([]model.Setting, error) {
	overrides, err := r.store.ListSettingOverrides(ctx)
	if err != nil {
		return nil, fmt.Errorf("settings: list: %w", err)
	}
	out := make([]model.Setting, 0, len(r.defs))
	for _, key := range r.Keys() {
		def, _ := r.lookup(key)
		s := model.Setting{Key: key, Value: def.read(r.defaults), Default: def.read(r.defaults), Source: "default"}
		if o, ok := overrides[key]; ok && r.Validate(key, o.Value) == nil {
			by, at := o.UpdatedBy, o.UpdatedAt
			s.Value, s.Source, s.UpdatedBy, s.UpdatedAt = strings.TrimSpace(o.Value), "override", &by, &at
		}
		out = append(out, s)
	}
	return out, nil
}

// Set validates and persists an override.
func (r *Resolver) Set(ctx context.Context, key, value, actor string) (model.Setting, error) {
	if err := r.Validate(key, value); err != nil {
		return model.Setting{}, err
	}
	def, _ := r.lookup(key)
	o, err := r.store.PutSettingOverride(ctx, key, strings.TrimSpace(value), actor)
	if err != nil {
		return model.Setting{}, fmt.Errorf("settings: set %s: %w", key, err)
	}
	r.logger.Info("settings: override applied", "key", key, "value", o.Value, "actor", actor)
	by, at := o.UpdatedBy, o.UpdatedAt
	return model.Setting{
		Key: key, Value: o.Value, Default: def.read(r.defaults),
		Source: "override", UpdatedBy: &by, UpdatedAt: &at,
	}, nil
}

// Reset removes an override so the static default applies again.
func (r *Resolver) Reset(ctx context.Context, key string) error {
	if _, ok := r.lookup(key); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	if err := r.store.DeleteSettingOverride(ctx, key); err != nil {
		return fmt.Errorf("settings: reset %s: %w", key, err)
	}
	return nil
}

func (v Values) clone() Values {
	out := v
	out.SLA = make(map[model.Severity]time.Duration, len(v.SLA))
	for k, d := range v.SLA {
		out.SLA[k] = d
	}
	return out
}

func parsePositiveFloat(s string) (float64, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%q is not a number", s)
	}
	if f <= 0 {
		return 0, fmt.Errorf("must be positive, got %v", f)
	}
	return f, nil
}

func parsePositiveInt(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%q is not an integer", s)
	}
	if n <= 0 {
		return 0, fmt.Errorf("must be positive, got %d", n)
	}
	return n, nil
}

func parsePositiveDuration(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%q is not a duration", s)
	}
	if d <= 0 {
		return 0, fmt.Errorf("must be positive, got %s", d)
	}
	return d, nil
}
