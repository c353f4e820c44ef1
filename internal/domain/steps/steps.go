// Package steps registers every pipeline step implementation with the
// project registry, turning project file sections into configured steps.
package steps

import (
	"errors"
	"fmt"

	"github.com/ehr/transfer/internal/domain/cohort"
	"github.com/ehr/transfer/internal/domain/deident"
	"github.com/ehr/transfer/internal/domain/delivery"
	"github.com/ehr/transfer/internal/domain/selection"
	"github.com/ehr/transfer/internal/domain/transfer"
	"github.com/ehr/transfer/internal/domain/trustcenter"
	"github.com/ehr/transfer/internal/platform/fhir"
	"github.com/ehr/transfer/internal/platform/httpclient"
)

// Implementation names as they appear in project files.
const (
	CohortStatic   = "static"
	CohortSQL      = "sql"
	CohortFHIR     = "fhir"
	CohortTCA      = "tca"
	CohortExternal = "external"

	DataFHIR   = "fhir"
	DataMemory = "memory"

	DeidentClinical = "clinical"
	DeidentResearch = "research"

	SenderHTTP      = "http"
	SenderFHIRStore = "fhirStore"
	SenderKafka     = "kafka"
)

// filterKey is the dataSelector key shared by every implementation.
const filterKey = "filter"

// NewRegistry returns a registry with every built-in implementation.
func NewRegistry() *transfer.Registry {
	reg := transfer.NewRegistry()
	Register(reg)
	return reg
}

// Register adds the built-in implementations to reg.
func Register(reg *transfer.Registry) {
	reg.Register(transfer.KindCohortSelector, CohortStatic, buildStaticCohort)
	reg.Register(transfer.KindCohortSelector, CohortSQL, buildSQLCohort)
	reg.Register(transfer.KindCohortSelector, CohortFHIR, buildFHIRCohort)
	reg.Register(transfer.KindCohortSelector, CohortTCA, buildTCACohort)
	reg.Register(transfer.KindCohortSelector, CohortExternal, buildExternalCohort)

	reg.CommonKeys(transfer.KindDataSelector, filterKey)
	reg.Register(transfer.KindDataSelector, DataFHIR, buildFHIRData)
	reg.Register(transfer.KindDataSelector, DataMemory, buildMemoryData)

	reg.Register(transfer.KindDeidentificator, DeidentClinical, buildClinical)
	reg.Register(transfer.KindDeidentificator, DeidentResearch, buildResearch)

	reg.Register(transfer.KindBundleSender, SenderHTTP, buildHTTPSender)
	reg.Register(transfer.KindBundleSender, SenderFHIRStore, buildFHIRStoreSender)
	reg.Register(transfer.KindBundleSender, SenderKafka, buildKafkaSender)
}

// validator is implemented by every step config.
type validator interface {
	Validate() error
}

// decode decodes the implementation body into cfg and validates it.
func decode(sc transfer.StepConfig, cfg validator) error {
	if err := sc.Decode(cfg); err != nil {
		return err
	}
	return cfg.Validate()
}

func newFHIRClient(deps transfer.Deps, cfg httpclient.Config) (*fhir.Client, error) {
	hc, err := httpclient.New(cfg, deps.Transport)
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}
	return fhir.NewClient(hc, cfg.Base())
}

func stepLogger(deps transfer.Deps, sc transfer.StepConfig) transfer.Deps {
	deps.Logger = deps.Logger.With().
		Str("project", sc.Project).
		Str("step", string(sc.Kind)).
		Str("impl", sc.Implementation).
		Logger()
	return deps
}

// -- cohort selectors --

func buildStaticCohort(_ transfer.Deps, sc transfer.StepConfig) (any, error) {
	var cfg cohort.StaticConfig
	if err := decode(sc, &cfg); err != nil {
		return nil, err
	}
	return cohort.NewStatic(cfg.Pids), nil
}

func buildSQLCohort(deps transfer.Deps, sc transfer.StepConfig) (any, error) {
	var cfg cohort.SQLConfig
	if err := decode(sc, &cfg); err != nil {
		return nil, err
	}
	if deps.DB == nil {
		return nil, errors.New("requires DATABASE_URL to be configured")
	}
	return cohort.NewSQL(deps.DB, cfg, stepLogger(deps, sc).Logger), nil
}

func buildFHIRCohort(deps transfer.Deps, sc transfer.StepConfig) (any, error) {
	var cfg cohort.FHIRConfig
	if err := decode(sc, &cfg); err != nil {
		return nil, err
	}
	client, err := newFHIRClient(deps, cfg.Server)
	if err != nil {
		return nil, err
	}
	return cohort.NewFHIR(client, cfg, stepLogger(deps, sc).Logger)
}

func buildTCACohort(deps transfer.Deps, sc transfer.StepConfig) (any, error) {
	var cfg cohort.TCAConfig
	if err := decode(sc, &cfg); err != nil {
		return nil, err
	}
	hc, err := httpclient.New(cfg.Server, deps.Transport)
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}
	client := trustcenter.NewConsentClient(hc, cfg.Server.Base())
	return cohort.NewTCA(client, cfg, stepLogger(deps, sc).Logger), nil
}

func buildExternalCohort(_ transfer.Deps, sc transfer.StepConfig) (any, error) {
	var cfg struct{}
	if err := sc.Decode(&cfg); err != nil {
		return nil, err
	}
	return cohort.External{}, nil
}

// -- data selectors --

type fhirDataConfig struct {
	Server httpclient.Config `mapstructure:"server"`
}

func (c fhirDataConfig) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

type memoryDataConfig struct {
	// File is a FHIR Bundle holding the whole data set.
	File string `mapstructure:"file"`
}

func (c memoryDataConfig) Validate() error {
	if c.File == "" {
		return errors.New("file is required")
	}
	return nil
}

func selectionFilter(deps transfer.Deps, sc transfer.StepConfig) (selection.Filter, error) {
	var wrapper struct {
		Filter selection.Filter `mapstructure:"filter"`
	}
	if err := sc.DecodeCommon(&wrapper); err != nil {
		return selection.Filter{}, err
	}
	if err := wrapper.Filter.Validate(); err != nil {
		return selection.Filter{}, err
	}
	if deps.Compartment == nil {
		return selection.Filter{}, errors.New("no compartment definition loaded")
	}
	return wrapper.Filter, nil
}

func buildFHIRData(deps transfer.Deps, sc transfer.StepConfig) (any, error) {
	var cfg fhirDataConfig
	if err := decode(sc, &cfg); err != nil {
		return nil, err
	}
	filter, err := selectionFilter(deps, sc)
	if err != nil {
		return nil, err
	}
	client, err := newFHIRClient(deps, cfg.Server)
	if err != nil {
		return nil, err
	}
	return selection.NewSelector(selection.NewFHIRFetcher(client), deps.Compartment, filter, stepLogger(deps, sc).Logger), nil
}

func buildMemoryData(deps transfer.Deps, sc transfer.StepConfig) (any, error) {
	var cfg memoryDataConfig
	if err := decode(sc, &cfg); err != nil {
		return nil, err
	}
	filter, err := selectionFilter(deps, sc)
	if err != nil {
		return nil, err
	}
	fetcher, err := selection.LoadMemoryFetcher(cfg.File)
	if err != nil {
		return nil, err
	}
	return selection.NewSelector(fetcher, deps.Compartment, filter, stepLogger(deps, sc).Logger), nil
}

// -- deidentificators --

func buildClinical(deps transfer.Deps, sc transfer.StepConfig) (any, error) {
	var cfg deident.ClinicalConfig
	if err := decode(sc, &cfg); err != nil {
		return nil, err
	}
	tc, err := trustcenter.New(cfg.TrustCenter, deps.Transport)
	if err != nil {
		return nil, err
	}
	return deident.NewClinical(tc, cfg, stepLogger(deps, sc).Logger)
}

func buildResearch(deps transfer.Deps, sc transfer.StepConfig) (any, error) {
	var cfg deident.ResearchConfig
	if err := decode(sc, &cfg); err != nil {
		return nil, err
	}
	return deident.NewResearch(cfg, stepLogger(deps, sc).Logger)
}

// -- bundle senders --

func buildHTTPSender(deps transfer.Deps, sc transfer.StepConfig) (any, error) {
	var cfg delivery.HTTPConfig
	if err := decode(sc, &cfg); err != nil {
		return nil, err
	}
	hc, err := httpclient.New(cfg.Server, deps.Transport)
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}
	project := cfg.Project
	if project == "" {
		project = sc.Project
	}
	return delivery.NewHTTPSender(hc, cfg.Server.Base(), project, cfg.Secret, stepLogger(deps, sc).Logger), nil
}

func buildFHIRStoreSender(deps transfer.Deps, sc transfer.StepConfig) (any, error) {
	var cfg delivery.FHIRStoreConfig
	if err := decode(sc, &cfg); err != nil {
		return nil, err
	}
	client, err := newFHIRClient(deps, cfg.Server)
	if err != nil {
		return nil, err
	}
	return delivery.NewFHIRStoreSender(client), nil
}

func buildKafkaSender(_ transfer.Deps, sc transfer.StepConfig) (any, error) {
	var cfg delivery.KafkaConfig
	if err := decode(sc, &cfg); err != nil {
		return nil, err
	}
	client, err := delivery.NewKafkaClient(cfg)
	if err != nil {
		return nil, err
	}
	return delivery.NewKafkaSender(client, cfg.Topic), nil
}
