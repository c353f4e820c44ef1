package transfer

import (
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type pidsConfig struct {
	Pids []string `mapstructure:"pids"`
}

// testRegistry registers one fake implementation per step kind.
func testRegistry() *Registry {
	reg := NewRegistry()
	reg.Register(KindCohortSelector, "static", func(_ Deps, cfg StepConfig) (any, error) {
		var c pidsConfig
		if err := cfg.Decode(&c); err != nil {
			return nil, err
		}
		return staticCohort{ids: c.Pids}, nil
	})
	reg.Register(KindDataSelector, "memory", func(Deps, StepConfig) (any, error) {
		return selectPatient, nil
	})
	reg.CommonKeys(KindDataSelector, "filter")
	reg.Register(KindDeidentificator, "passthrough", func(Deps, StepConfig) (any, error) {
		return passDeidentificator{}, nil
	})
	reg.Register(KindBundleSender, "recording", func(Deps, StepConfig) (any, error) {
		return &recordingSender{}, nil
	})
	return reg
}

func testDeps() Deps {
	return Deps{Logger: zerolog.Nop()}
}

func TestRegistry_Build(t *testing.T) {
	reg := testRegistry()

	step, err := reg.Build(KindCohortSelector, "demo", map[string]any{
		"static": map[string]any{"pids": []any{"p1", "p2"}},
	}, testDeps())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cohort, ok := step.(staticCohort)
	if !ok {
		t.Fatalf("expected staticCohort, got %T", step)
	}
	if len(cohort.ids) != 2 {
		t.Errorf("expected 2 ids, got %v", cohort.ids)
	}
}

func TestRegistry_Build_CommaSeparatedList(t *testing.T) {
	reg := testRegistry()
	step, err := reg.Build(KindCohortSelector, "demo", map[string]any{
		"Static": map[string]any{"pids": "p1,p2,p3"},
	}, testDeps())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := len(step.(staticCohort).ids); got != 3 {
		t.Errorf("expected 3 ids, got %d", got)
	}
}

func TestRegistry_Build_Errors(t *testing.T) {
	tests := []struct {
		name    string
		kind    StepKind
		section map[string]any
		wantErr string
	}{
		{
			name:    "no implementation",
			kind:    KindCohortSelector,
			section: map[string]any{},
			wantErr: "no implementation configured",
		},
		{
			name:    "only common keys",
			kind:    KindDataSelector,
			section: map[string]any{"filter": map[string]any{}},
			wantErr: "no implementation configured",
		},
		{
			name: "two implementations",
			kind: KindCohortSelector,
			section: map[string]any{
				"static": map[string]any{},
				"sql":    map[string]any{},
			},
			wantErr: "exactly one implementation expected",
		},
		{
			name:    "unknown implementation",
			kind:    KindBundleSender,
			section: map[string]any{"carrierPigeon": map[string]any{}},
			wantErr: `unknown implementation "carrierpigeon"`,
		},
		{
			name:    "body is not a mapping",
			kind:    KindCohortSelector,
			section: map[string]any{"static": "p1"},
			wantErr: "expected a mapping",
		},
		{
			name:    "unknown field",
			kind:    KindCohortSelector,
			section: map[string]any{"static": map[string]any{"pids": []any{"p1"}, "color": "red"}},
			wantErr: "color",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := testRegistry().Build(tt.kind, "demo", tt.section, testDeps())
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %q", tt.wantErr, err)
			}
			if !strings.Contains(err.Error(), string(tt.kind)) {
				t.Errorf("expected error to name the step %s, got %q", tt.kind, err)
			}
		})
	}
}

func TestRegistry_Build_NilBody(t *testing.T) {
	step, err := testRegistry().Build(KindDeidentificator, "demo", map[string]any{"passthrough": nil}, testDeps())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := step.(passDeidentificator); !ok {
		t.Errorf("expected passDeidentificator, got %T", step)
	}
}

func TestRegistry_Build_PassesCommonKeys(t *testing.T) {
	reg := NewRegistry()
	reg.CommonKeys(KindDataSelector, "filter")
	var common map[string]any
	reg.Register(KindDataSelector, "memory", func(_ Deps, cfg StepConfig) (any, error) {
		common = cfg.Common
		return selectPatient, nil
	})

	_, err := reg.Build(KindDataSelector, "demo", map[string]any{
		"memory": map[string]any{},
		"Filter": map[string]any{"resourceTypes": []any{"Observation"}},
	}, testDeps())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := common["filter"]; !ok {
		t.Errorf("expected filter in common config, got %v", common)
	}
}

func TestRegistry_RegisterTwicePanics(t *testing.T) {
	reg := testRegistry()
	defer func() {
		if recover() == nil {
			t.Error("expected panic on duplicate registration")
		}
	}()
	reg.Register(KindCohortSelector, "Static", func(Deps, StepConfig) (any, error) { return nil, nil })
}

func TestRegistry_Implementations(t *testing.T) {
	got := testRegistry().Implementations(KindCohortSelector)
	if len(got) != 1 || got[0] != "static" {
		t.Errorf("expected [static], got %v", got)
	}
}

func TestBuildAs_WrongType(t *testing.T) {
	_, err := BuildAs[BundleSender](testRegistry(), KindCohortSelector, "demo", map[string]any{
		"static": map[string]any{"pids": []any{"p1"}},
	}, testDeps())
	if err == nil {
		t.Fatal("expected type error")
	}
}

func TestDecode_Hooks(t *testing.T) {
	var target struct {
		Timeout time.Duration `mapstructure:"timeout"`
		Since   time.Time     `mapstructure:"since"`
		Types   []string      `mapstructure:"types"`
		Count   int           `mapstructure:"count"`
	}
	err := Decode(map[string]any{
		"timeout": "1m30s",
		"since":   "2024-01-02T03:04:05Z",
		"types":   "Observation,Condition",
		"count":   "7",
	}, &target)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if target.Timeout != 90*time.Second {
		t.Errorf("expected 90s, got %s", target.Timeout)
	}
	if !target.Since.Equal(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)) {
		t.Errorf("unexpected since %s", target.Since)
	}
	if len(target.Types) != 2 || target.Types[1] != "Condition" {
		t.Errorf("unexpected types %v", target.Types)
	}
	if target.Count != 7 {
		t.Errorf("expected 7, got %d", target.Count)
	}
}
