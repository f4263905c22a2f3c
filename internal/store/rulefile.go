package store

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"fjacquet/sms-ledger/internal/fileutils"
	"fjacquet/sms-ledger/internal/models"
)

// RuleFile reads and writes rule sets as YAML, for export and import.
type RuleFile struct {
	Path string
}

// ruleDocument is the on-disk layout. System flags are not exported; an
// imported rule is always a user rule.
type ruleDocument struct {
	Rules []ruleEntry `yaml:"rules"`
}

type ruleEntry struct {
	ID         string             `yaml:"id,omitempty"`
	Name       string             `yaml:"name"`
	Priority   int                `yaml:"priority"`
	Enabled    *bool              `yaml:"enabled,omitempty"`
	Conditions []models.Condition `yaml:"conditions"`
	Actions    models.Actions     `yaml:"actions"`
}

// FindRuleFile looks for a rules file in the working directory, ./config and
// the user's config directory.
func FindRuleFile(filename string) (string, error) {
	if filepath.IsAbs(filename) {
		return fileutils.FindFile(filename)
	}

	locations := []string{
		filename,
		filepath.Join("config", filename),
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		locations = append(locations, filepath.Join(homeDir, ".sms-ledger", filename))
	}
	return fileutils.FindFile(locations...)
}

// Load reads the rules from the file.
func (f RuleFile) Load() ([]models.Rule, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("error reading rules file %s: %w", f.Path, err)
	}

	var doc ruleDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("error parsing rules file %s: %w", f.Path, err)
	}

	rules := make([]models.Rule, 0, len(doc.Rules))
	for _, e := range doc.Rules {
		enabled := true
		if e.Enabled != nil {
			enabled = *e.Enabled
		}
		rules = append(rules, models.Rule{
			ID:         e.ID,
			Name:       e.Name,
			Priority:   e.Priority,
			Conditions: e.Conditions,
			Actions:    e.Actions,
			IsEnabled:  enabled,
		})
	}
	return rules, nil
}

// Save writes the rules to the file, creating parent directories.
func (f RuleFile) Save(rules []models.Rule) error {
	doc := ruleDocument{Rules: make([]ruleEntry, 0, len(rules))}
	for _, r := range rules {
		enabled := r.IsEnabled
		doc.Rules = append(doc.Rules, ruleEntry{
			ID:         r.ID,
			Name:       r.Name,
			Priority:   r.Priority,
			Enabled:    &enabled,
			Conditions: r.Conditions,
			Actions:    r.Actions,
		})
	}

	data, err := yaml.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("error marshaling rules: %w", err)
	}

	if err := fileutils.WriteFile(f.Path, data, models.PermissionConfigFile); err != nil {
		return fmt.Errorf("error writing rules file %s: %w", f.Path, err)
	}
	return nil
}
