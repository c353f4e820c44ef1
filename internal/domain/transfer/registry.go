package transfer

import (
	"fmt"
	"net/http"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/rs/zerolog"

	"github.com/ehr/transfer/internal/platform/db"
	"github.com/ehr/transfer/internal/platform/fhir"
)

// StepKind names a pipeline step section of a project file.
type StepKind string

const (
	KindCohortSelector  StepKind = "cohortSelector"
	KindDataSelector    StepKind = "dataSelector"
	KindDeidentificator StepKind = "deidentificator"
	KindBundleSender    StepKind = "bundleSender"
)

// key is the lookup form: viper lowercases every key of a project file.
func (k StepKind) key() string { return strings.ToLower(string(k)) }

// Deps are the process-wide collaborators handed to every step builder.
type Deps struct {
	Logger      zerolog.Logger
	Compartment *fhir.CompartmentIndex
	// DB is nil when no DATABASE_URL is configured.
	DB db.Querier
	// Transport is the base round tripper for outbound HTTP; nil means
	// http.DefaultTransport.
	Transport http.RoundTripper
}

// StepConfig carries the decoded-later configuration of one step.
type StepConfig struct {
	Project        string
	Kind           StepKind
	Implementation string
	Common         map[string]any
	Body           map[string]any
}

// Decode decodes the implementation body into target. Build prefixes
// builder errors with the step name.
func (sc StepConfig) Decode(target any) error {
	return Decode(sc.Body, target)
}

// DecodeCommon decodes the common keys of the section into target.
func (sc StepConfig) DecodeCommon(target any) error {
	if err := Decode(sc.Common, target); err != nil {
		return fmt.Errorf("common keys: %w", err)
	}
	return nil
}

// Decode decodes a generic config map with duration, time and
// comma-separated list hooks. Unknown keys are rejected.
func Decode(input map[string]any, target any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToTimeHookFunc(time.RFC3339),
			mapstructure.StringToSliceHookFunc(","),
		),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           target,
	})
	if err != nil {
		return err
	}
	return dec.Decode(input)
}

// Builder constructs one step implementation.
type Builder func(deps Deps, cfg StepConfig) (any, error)

// Registry maps step kind and implementation name to a builder. It is
// populated once at startup and read-only afterwards.
type Registry struct {
	builders map[StepKind]map[string]Builder
	names    map[StepKind]map[string]string
	common   map[StepKind]map[string]bool
}

func NewRegistry() *Registry {
	return &Registry{
		builders: make(map[StepKind]map[string]Builder),
		names:    make(map[StepKind]map[string]string),
		common:   make(map[StepKind]map[string]bool),
	}
}

// Register adds a builder. Registering the same implementation twice panics.
func (r *Registry) Register(kind StepKind, implementation string, b Builder) {
	key := strings.ToLower(implementation)
	if r.builders[kind] == nil {
		r.builders[kind] = make(map[string]Builder)
		r.names[kind] = make(map[string]string)
	}
	if _, dup := r.builders[kind][key]; dup {
		panic(fmt.Sprintf("transfer: %s implementation %q registered twice", kind, implementation))
	}
	r.builders[kind][key] = b
	r.names[kind][key] = implementation
}

// CommonKeys declares section keys shared by every implementation of kind.
func (r *Registry) CommonKeys(kind StepKind, keys ...string) {
	if r.common[kind] == nil {
		r.common[kind] = make(map[string]bool)
	}
	for _, k := range keys {
		r.common[kind][strings.ToLower(k)] = true
	}
}

// Implementations lists the registered implementation names of kind.
func (r *Registry) Implementations(kind StepKind) []string {
	var out []string
	for _, name := range r.names[kind] {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Build resolves the single implementation key of a step section and
// runs its builder.
func (r *Registry) Build(kind StepKind, project string, section map[string]any, deps Deps) (any, error) {
	cfg := StepConfig{Project: project, Kind: kind, Common: map[string]any{}}

	var impls []string
	for k, v := range section {
		lk := strings.ToLower(k)
		if r.common[kind][lk] {
			cfg.Common[lk] = v
			continue
		}
		impls = append(impls, lk)
	}
	sort.Strings(impls)

	switch len(impls) {
	case 0:
		return nil, fmt.Errorf("%s: no implementation configured (known: %s)", kind, strings.Join(r.Implementations(kind), ", "))
	case 1:
	default:
		return nil, fmt.Errorf("%s: exactly one implementation expected, got %s", kind, strings.Join(impls, ", "))
	}

	impl := impls[0]
	b, ok := r.builders[kind][impl]
	if !ok {
		return nil, fmt.Errorf("%s: unknown implementation %q (known: %s)", kind, impl, strings.Join(r.Implementations(kind), ", "))
	}
	cfg.Implementation = r.names[kind][impl]

	switch body := section[findKey(section, impl)].(type) {
	case nil:
		cfg.Body = map[string]any{}
	case map[string]any:
		cfg.Body = body
	default:
		return nil, fmt.Errorf("%s.%s: expected a mapping, got %T", kind, cfg.Implementation, body)
	}

	step, err := b(deps, cfg)
	if err != nil {
		return nil, fmt.Errorf("%s.%s: %w", kind, cfg.Implementation, err)
	}
	return step, nil
}

func findKey(m map[string]any, lower string) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	if i := slices.IndexFunc(keys, func(k string) bool { return strings.ToLower(k) == lower }); i >= 0 {
		return keys[i]
	}
	return lower
}

// BuildAs builds a step and asserts its interface type.
func BuildAs[T any](r *Registry, kind StepKind, project string, section map[string]any, deps Deps) (T, error) {
	var zero T
	step, err := r.Build(kind, project, section, deps)
	if err != nil {
		return zero, err
	}
	typed, ok := step.(T)
	if !ok {
		return zero, fmt.Errorf("%s: builder returned %T", kind, step)
	}
	return typed, nil
}
