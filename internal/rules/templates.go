package rules

import (
	_ "embed"
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"

	"fjacquet/sms-ledger/internal/models"
)

//go:embed templates.yaml
var templatesYAML []byte

type templateSet struct {
	Version int           `yaml:"version"`
	Rules   []models.Rule `yaml:"rules"`
}

var (
	templatesOnce sync.Once
	templates     templateSet
)

// loadTemplates parses the embedded set once. The file ships inside the
// binary, so a parse failure is a build defect.
func loadTemplates() templateSet {
	templatesOnce.Do(func() {
		var set templateSet
		if err := yaml.Unmarshal(templatesYAML, &set); err != nil {
			panic(fmt.Sprintf("rules: embedded templates are invalid: %v", err))
		}
		templates = set
	})
	return templates
}

// TemplateVersion returns the version of the built-in template set.
func TemplateVersion() int {
	return loadTemplates().Version
}

// DefaultTemplates returns the built-in system rules. Every call returns
// fresh copies.
func DefaultTemplates() []models.Rule {
	set := loadTemplates()
	out := make([]models.Rule, len(set.Rules))
	for i, r := range set.Rules {
		c := r.Clone()
		c.IsSystem = true
		c.IsEnabled = true
		c.TemplateVersion = set.Version
		out[i] = c
	}
	return out
}
