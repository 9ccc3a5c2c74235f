// Package config loads the declarative summary/export template catalog.
// internal/app loads and validates it at startup; no stage executor or
// renderer reads it. Grounded on the
// teacher's internal/jobs/pipeline/learning_build.loadPipelineRuntime:
// an embedded default YAML file, an env var letting an operator point at a
// file on disk instead, sync.Once caching, and validation that falls back
// to the embedded defaults (with a warning) rather than failing startup.
package config

import (
	"embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/inkframe/workflow-engine/internal/domain"
	"github.com/inkframe/workflow-engine/internal/pkg/logger"
)

const templateConfigEnv = "WORKFLOW_ENGINE_TEMPLATE_YAML"

//go:embed default.yaml
var defaultConfigFS embed.FS

// SummaryTemplate names a reusable SummaryOptions preset (§3's SummaryOptions,
// surfaced here as a named, operator-editable default rather than hardcoded).
type SummaryTemplate struct {
	Name                string  `yaml:"name"`
	IncludeQuotes       bool    `yaml:"includeQuotes"`
	IncludeDistribution bool    `yaml:"includeDistribution"`
	MaxThemes           int     `yaml:"maxThemes"`
	MinThemePercentage  float64 `yaml:"minThemePercentage"`
}

func (t SummaryTemplate) ToSummaryOptions() domain.SummaryOptions {
	return domain.SummaryOptions{
		IncludeQuotes:       t.IncludeQuotes,
		IncludeDistribution: t.IncludeDistribution,
		MaxThemes:           t.MaxThemes,
		MinThemePercentage:  t.MinThemePercentage,
	}
}

// ExportTemplate is a named rendering preset (format, page size, theme). The
// imagerender adapter does not read it; its page size is fixed in that
// package.
type ExportTemplate struct {
	Name        string `yaml:"name"`
	Format      string `yaml:"format"`
	PageWidthPx int    `yaml:"pageWidthPx"`
	PageHeightPx int   `yaml:"pageHeightPx"`
	Theme       string `yaml:"theme"`
}

type fileSpec struct {
	Version         int               `yaml:"version"`
	SummaryTemplates []SummaryTemplate `yaml:"summaryTemplates"`
	ExportTemplates  []ExportTemplate  `yaml:"exportTemplates"`
}

// Config is the loaded, validated template catalog.
type Config struct {
	SummaryTemplates map[string]SummaryTemplate
	ExportTemplates  map[string]ExportTemplate
}

const defaultTemplateName = "default"

var (
	once     sync.Once
	cached   *Config
	loadErr  error
)

// Load returns the process-wide template catalog, loading and validating it
// on first call. On any failure it logs a warning and falls back to the
// embedded defaults, mirroring the teacher's currentPipelineRuntime shape;
// a workflow must never fail to start because a template file was edited
// badly.
func Load(baseLog *logger.Logger) *Config {
	once.Do(func() {
		cached, loadErr = loadFromEnvOrEmbedded()
		if loadErr != nil && baseLog != nil {
			baseLog.Warn("config: template catalog load failed, falling back to embedded defaults", "error", loadErr)
		}
		if cached == nil {
			cached = mustLoadEmbedded()
		}
	})
	return cached
}

func loadFromEnvOrEmbedded() (*Config, error) {
	data, err := readTemplateSpec()
	if err != nil {
		return nil, err
	}
	var spec fileSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, err
	}
	if err := validate(&spec); err != nil {
		return nil, err
	}
	return toConfig(&spec), nil
}

func mustLoadEmbedded() *Config {
	data, err := defaultConfigFS.ReadFile("default.yaml")
	if err != nil {
		panic(fmt.Sprintf("config: embedded default.yaml missing: %v", err))
	}
	var spec fileSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		panic(fmt.Sprintf("config: embedded default.yaml invalid: %v", err))
	}
	if err := validate(&spec); err != nil {
		panic(fmt.Sprintf("config: embedded default.yaml failed validation: %v", err))
	}
	return toConfig(&spec)
}

func readTemplateSpec() ([]byte, error) {
	if path := strings.TrimSpace(os.Getenv(templateConfigEnv)); path != "" {
		return os.ReadFile(path)
	}
	return defaultConfigFS.ReadFile("default.yaml")
}

func validate(spec *fileSpec) error {
	if spec == nil {
		return errors.New("missing template spec")
	}
	if len(spec.SummaryTemplates) == 0 {
		return errors.New("no summary templates defined")
	}
	if len(spec.ExportTemplates) == 0 {
		return errors.New("no export templates defined")
	}

	seen := map[string]bool{}
	hasDefault := false
	for _, t := range spec.SummaryTemplates {
		name := strings.TrimSpace(t.Name)
		if name == "" {
			return errors.New("summary template name is required")
		}
		if seen[name] {
			return fmt.Errorf("duplicate summary template name: %s", name)
		}
		seen[name] = true
		if t.MaxThemes <= 0 {
			return fmt.Errorf("summary template %s: maxThemes must be positive", name)
		}
		if t.MinThemePercentage < 0 || t.MinThemePercentage > 100 {
			return fmt.Errorf("summary template %s: minThemePercentage out of range", name)
		}
		if name == defaultTemplateName {
			hasDefault = true
		}
	}
	if !hasDefault {
		return fmt.Errorf("summary templates must include a %q entry", defaultTemplateName)
	}

	seen = map[string]bool{}
	hasDefault = false
	for _, t := range spec.ExportTemplates {
		name := strings.TrimSpace(t.Name)
		if name == "" {
			return errors.New("export template name is required")
		}
		if seen[name] {
			return fmt.Errorf("duplicate export template name: %s", name)
		}
		seen[name] = true
		if t.PageWidthPx <= 0 || t.PageHeightPx <= 0 {
			return fmt.Errorf("export template %s: page dimensions must be positive", name)
		}
		if name == defaultTemplateName {
			hasDefault = true
		}
	}
	if !hasDefault {
		return fmt.Errorf("export templates must include a %q entry", defaultTemplateName)
	}

	return nil
}

func toConfig(spec *fileSpec) *Config {
	cfg := &Config{
		SummaryTemplates: make(map[string]SummaryTemplate, len(spec.SummaryTemplates)),
		ExportTemplates:  make(map[string]ExportTemplate, len(spec.ExportTemplates)),
	}
	for _, t := range spec.SummaryTemplates {
		cfg.SummaryTemplates[t.Name] = t
	}
	for _, t := range spec.ExportTemplates {
		cfg.ExportTemplates[t.Name] = t
	}
	return cfg
}

// SummaryTemplateFor looks up a named preset, falling back to "default" when
// name is empty or unknown.
func (c *Config) SummaryTemplateFor(name string) SummaryTemplate {
	if t, ok := c.SummaryTemplates[name]; ok {
		return t
	}
	return c.SummaryTemplates[defaultTemplateName]
}

// ExportTemplateFor looks up a named export preset, falling back to
// "default" when name is empty or unknown.
func (c *Config) ExportTemplateFor(name string) ExportTemplate {
	if t, ok := c.ExportTemplates[name]; ok {
		return t
	}
	return c.ExportTemplates[defaultTemplateName]
}
