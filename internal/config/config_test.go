package config

import (
	"sync"
	"testing"
)

func TestValidateRejectsMissingDefaultSummaryTemplate(t *testing.T) {
	spec := &fileSpec{
		Version:          1,
		SummaryTemplates: []SummaryTemplate{{Name: "concise", MaxThemes: 5, MinThemePercentage: 10}},
		ExportTemplates:  []ExportTemplate{{Name: "default", PageWidthPx: 100, PageHeightPx: 100}},
	}
	if err := validate(spec); err == nil {
		t.Fatal("expected an error when no summary template is named \"default\"")
	}
}

func TestValidateRejectsDuplicateExportTemplateNames(t *testing.T) {
	spec := &fileSpec{
		Version:          1,
		SummaryTemplates: []SummaryTemplate{{Name: "default", MaxThemes: 5, MinThemePercentage: 10}},
		ExportTemplates: []ExportTemplate{
			{Name: "default", PageWidthPx: 100, PageHeightPx: 100},
			{Name: "default", PageWidthPx: 200, PageHeightPx: 200},
		},
	}
	if err := validate(spec); err == nil {
		t.Fatal("expected an error for a duplicate export template name")
	}
}

func TestValidateRejectsNonPositiveMaxThemes(t *testing.T) {
	spec := &fileSpec{
		Version:          1,
		SummaryTemplates: []SummaryTemplate{{Name: "default", MaxThemes: 0, MinThemePercentage: 10}},
		ExportTemplates:  []ExportTemplate{{Name: "default", PageWidthPx: 100, PageHeightPx: 100}},
	}
	if err := validate(spec); err == nil {
		t.Fatal("expected an error for a non-positive maxThemes")
	}
}

func TestEmbeddedDefaultsLoadAndValidate(t *testing.T) {
	cfg := mustLoadEmbedded()
	def := cfg.SummaryTemplateFor("default")
	if def.MaxThemes <= 0 {
		t.Fatalf("expected the embedded default summary template to have a positive maxThemes, got %d", def.MaxThemes)
	}
	unknown := cfg.SummaryTemplateFor("does-not-exist")
	if unknown.Name != "default" {
		t.Fatalf("expected an unknown template name to fall back to \"default\", got %q", unknown.Name)
	}

	exp := cfg.ExportTemplateFor("default")
	if exp.PageWidthPx <= 0 || exp.PageHeightPx <= 0 {
		t.Fatalf("expected the embedded default export template to have positive dimensions, got %dx%d", exp.PageWidthPx, exp.PageHeightPx)
	}
}

func TestLoadFallsBackWhenEnvPathMissing(t *testing.T) {
	t.Setenv(templateConfigEnv, "/nonexistent/path/to/template.yaml")
	once = sync.Once{}
	cached, loadErr = nil, nil

	cfg := Load(nil)
	if cfg == nil {
		t.Fatal("expected Load to fall back to embedded defaults rather than return nil")
	}
	if _, ok := cfg.SummaryTemplates["default"]; !ok {
		t.Fatal("expected the fallback config to contain the embedded \"default\" summary template")
	}
}
