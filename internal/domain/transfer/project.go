package transfer

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/viper"

	"github.com/ehr/transfer/internal/platform/retry"
)

// MissingPolicy decides what happens to a patient without data.
type MissingPolicy string

const (
	MissingFail MissingPolicy = "fail"
	MissingSkip MissingPolicy = "skip"
)

const defaultConcurrency = 4

// Settings are the pipeline knobs of a project ("pipeline" section).
type Settings struct {
	Concurrency int           `mapstructure:"concurrency" json:"concurrency"`
	OnMissing   MissingPolicy `mapstructure:"onMissing" json:"onMissing"`
	Retry       retry.Policy  `mapstructure:"retry" json:"retry"`
}

// DefaultSettings returns concurrency 4, onMissing fail and the default
// retry policy.
func DefaultSettings() Settings {
	return Settings{Concurrency: defaultConcurrency, OnMissing: MissingFail, Retry: retry.DefaultPolicy()}
}

func (s Settings) withDefaults() Settings {
	if s.Concurrency <= 0 {
		s.Concurrency = defaultConcurrency
	}
	if s.OnMissing == "" {
		s.OnMissing = MissingFail
	}
	s.OnMissing = MissingPolicy(strings.ToLower(string(s.OnMissing)))
	s.Retry = s.Retry.WithDefaults()
	return s
}

func (s Settings) Validate() error {
	if s.OnMissing != MissingFail && s.OnMissing != MissingSkip {
		return fmt.Errorf("pipeline.onMissing must be %q or %q, got %q", MissingFail, MissingSkip, s.OnMissing)
	}
	return nil
}

// Project binds one configuration of the four pipeline steps to a name.
// Research-side projects carry only a Deidentificator and a Sender.
type Project struct {
	Name            string
	Cohort          CohortSelector
	Data            DataSelector
	Deidentificator Deidentificator
	Sender          BundleSender
	Settings        Settings
}

// Runnable reports whether the project can drive a full transfer run.
func (p *Project) Runnable() error {
	var missing []string
	if p.Cohort == nil {
		missing = append(missing, string(KindCohortSelector))
	}
	if p.Data == nil {
		missing = append(missing, string(KindDataSelector))
	}
	if p.Deidentificator == nil {
		missing = append(missing, string(KindDeidentificator))
	}
	if p.Sender == nil {
		missing = append(missing, string(KindBundleSender))
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s lacks %s", ErrNotRunnable, p.Name, strings.Join(missing, ", "))
	}
	return nil
}

// Receivable reports whether the project can accept bundles from another
// agent.
func (p *Project) Receivable() error {
	if p.Deidentificator == nil || p.Sender == nil {
		return fmt.Errorf("%w: %s needs a deidentificator and a bundleSender to receive bundles", ErrNotRunnable, p.Name)
	}
	return nil
}

// -- Projects --

// Projects holds the registered projects, keyed case-insensitively.
type Projects struct {
	mu     sync.RWMutex
	byName map[string]*Project
}

func NewProjects() *Projects {
	return &Projects{byName: make(map[string]*Project)}
}

// Register adds a project. A second project with the same name is an error.
func (ps *Projects) Register(p *Project) error {
	if p.Name == "" {
		return fmt.Errorf("project name is required")
	}
	key := strings.ToLower(p.Name)

	ps.mu.Lock()
	defer ps.mu.Unlock()
	if existing, ok := ps.byName[key]; ok {
		return fmt.Errorf("project %q already registered as %q", p.Name, existing.Name)
	}
	ps.byName[key] = p
	return nil
}

// Lookup finds a project by name, ignoring case.
func (ps *Projects) Lookup(name string) (*Project, error) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	p, ok := ps.byName[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProjectNotFound, name)
	}
	return p, nil
}

// Names returns the registered project names in sorted order.
func (ps *Projects) Names() []string {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	names := make([]string, 0, len(ps.byName))
	for _, p := range ps.byName {
		names = append(names, p.Name)
	}
	sort.Strings(names)
	return names
}

func (ps *Projects) Len() int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return len(ps.byName)
}

// Close releases the steps that hold connections, such as Kafka producers.
func (ps *Projects) Close() error {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	var errs []error
	for _, p := range ps.byName {
		errs = append(errs, p.Close())
	}
	return errors.Join(errs...)
}

// Close closes every step of p that is an io.Closer.
func (p *Project) Close() error {
	var errs []error
	for _, step := range []any{p.Cohort, p.Data, p.Deidentificator, p.Sender} {
		if c, ok := step.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("project %s: %w", p.Name, err))
			}
		}
	}
	return errors.Join(errs...)
}

// -- Loading --

var projectExtensions = map[string]bool{".yaml": true, ".yml": true, ".json": true}

// ProjectName derives the project name from a file name.
func ProjectName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// LoadProjects reads every project file in dir. Files that cannot be read
// or built are logged and skipped, and so are duplicate names; neither
// aborts startup. Only an unreadable directory is an error.
func LoadProjects(dir string, reg *Registry, deps Deps) (*Projects, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read projects directory %s: %w", dir, err)
	}

	projects := NewProjects()
	for _, entry := range entries {
		if entry.IsDir() || !projectExtensions[strings.ToLower(filepath.Ext(entry.Name()))] {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		logger := deps.Logger.With().Str("file", path).Logger()

		p, err := LoadProject(path, reg, deps)
		if err != nil {
			logger.Error().Err(err).Msg("skipping invalid project")
			continue
		}
		if err := projects.Register(p); err != nil {
			logger.Error().Err(err).Msg("skipping duplicate project")
			if err := p.Close(); err != nil {
				logger.Warn().Err(err).Msg("close skipped project")
			}
			continue
		}
		logger.Info().Str("project", p.Name).Msg("project registered")
	}
	return projects, nil
}

// LoadProject parses one project file.
func LoadProject(path string, reg *Registry, deps Deps) (*Project, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read project %s: %w", path, err)
	}
	return BuildProject(ProjectName(path), topLevel(v), reg, deps)
}

// topLevel returns the top-level sections of a project file. AllSettings
// drops empty mappings such as "memory: {}", so sections are read with Get.
func topLevel(v *viper.Viper) map[string]any {
	sections := make(map[string]any)
	for _, key := range v.AllKeys() {
		top, _, _ := strings.Cut(key, ".")
		sections[top] = v.Get(top)
	}
	for _, name := range []string{
		KindCohortSelector.key(), KindDataSelector.key(), KindDeidentificator.key(), KindBundleSender.key(), "pipeline",
	} {
		if _, ok := sections[name]; !ok && v.IsSet(name) {
			sections[name] = v.Get(name)
		}
	}
	return sections
}

// BuildProject builds a project from its decoded settings map. Sections
// absent from the map leave the step unset.
func BuildProject(name string, settings map[string]any, reg *Registry, deps Deps) (*Project, error) {
	p := &Project{Name: name, Settings: DefaultSettings()}
	sections := lowerKeys(settings)

	for k := range sections {
		switch k {
		case KindCohortSelector.key(), KindDataSelector.key(), KindDeidentificator.key(), KindBundleSender.key(), "pipeline":
		default:
			return nil, fmt.Errorf("project %s: unknown section %q", name, k)
		}
	}

	if raw, ok := sections["pipeline"]; ok {
		m, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("project %s: pipeline must be a mapping", name)
		}
		var s Settings
		if err := Decode(m, &s); err != nil {
			return nil, fmt.Errorf("project %s: pipeline: %w", name, err)
		}
		p.Settings = s
	}
	p.Settings = p.Settings.withDefaults()
	if err := p.Settings.Validate(); err != nil {
		return nil, fmt.Errorf("project %s: %w", name, err)
	}

	var errs []error
	build := func(kind StepKind, assign func(any) bool) {
		raw, ok := sections[kind.key()]
		if !ok {
			return
		}
		section, ok := raw.(map[string]any)
		if !ok {
			errs = append(errs, fmt.Errorf("%s must be a mapping", kind))
			return
		}
		step, err := reg.Build(kind, name, section, deps)
		if err != nil {
			errs = append(errs, err)
			return
		}
		if !assign(step) {
			errs = append(errs, fmt.Errorf("%s: builder returned %T", kind, step))
		}
	}

	build(KindCohortSelector, func(s any) bool { v, ok := s.(CohortSelector); p.Cohort = v; return ok })
	build(KindDataSelector, func(s any) bool { v, ok := s.(DataSelector); p.Data = v; return ok })
	build(KindDeidentificator, func(s any) bool { v, ok := s.(Deidentificator); p.Deidentificator = v; return ok })
	build(KindBundleSender, func(s any) bool { v, ok := s.(BundleSender); p.Sender = v; return ok })

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("project %s: %w", name, err)
	}
	if p.Deidentificator == nil && p.Sender == nil && p.Cohort == nil && p.Data == nil {
		return nil, fmt.Errorf("project %s: no steps configured", name)
	}
	return p, nil
}

func lowerKeys(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[strings.ToLower(k)] = v
	}
	return out
}
