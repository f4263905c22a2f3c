package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fjacquet/sms-ledger/internal/models"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	err := os.WriteFile(path, []byte(content), 0600)
	require.NoError(t, err)
}

func TestFindRuleFile(t *testing.T) {
	dir := t.TempDir()
	testFile := filepath.Join(dir, "rules.yaml")
	writeFile(t, testFile, "rules: []")

	file, err := FindRuleFile(testFile)
	assert.NoError(t, err)
	assert.Equal(t, testFile, file)

	_, err = FindRuleFile(filepath.Join(dir, "nonexistent.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestFindRuleFile_ConfigDirectory(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.MkdirAll("config", 0750))
	writeFile(t, filepath.Join("config", "rules.yaml"), "rules: []")

	file, err := FindRuleFile("rules.yaml")
	assert.NoError(t, err)
	assert.Equal(t, filepath.Join("config", "rules.yaml"), file)
}

func TestRuleFile_Load(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	writeFile(t, path, `rules:
  - name: Coffee
    priority: 10
    conditions:
      - field: bodyContains
        value: STARBUCKS
    actions:
      setCategory: Food & Drinks
  - name: Disabled
    priority: 20
    enabled: false
    conditions:
      - field: sender
        operator: equals
        value: AXISBK
    actions:
      setCategory: Bills
`)

	rules, err := RuleFile{Path: path}.Load()
	require.NoError(t, err)
	require.Len(t, rules, 2)

	assert.Equal(t, "Coffee", rules[0].Name)
	assert.Equal(t, 10, rules[0].Priority)
	assert.True(t, rules[0].IsEnabled)
	assert.False(t, rules[0].IsSystem)
	assert.Equal(t, models.FieldBodyContains, rules[0].Conditions[0].Field)
	assert.Equal(t, "Food & Drinks", rules[0].Actions.SetCategory)

	assert.False(t, rules[1].IsEnabled)
	assert.Equal(t, models.OperatorEquals, rules[1].Conditions[0].Operator)
}

func TestRuleFile_LoadErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := RuleFile{Path: filepath.Join(dir, "missing.yaml")}.Load()
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.yaml")
	writeFile(t, bad, "rules: [::")
	_, err = RuleFile{Path: bad}.Load()
	assert.Error(t, err)
}

func TestRuleFile_SaveThenLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "rules.yaml")

	in := []models.Rule{{
		ID:       "r-1",
		Name:     "Fuel",
		Priority: 5,
		Conditions: []models.Condition{
			{Field: models.FieldBodyContains, Operator: models.OperatorContains, Value: "PETROL"},
		},
		Actions:   models.Actions{SetCategory: models.CategoryTransport, SetSubcategory: "Fuel"},
		IsSystem:  true,
		IsEnabled: false,
	}}

	require.NoError(t, RuleFile{Path: path}.Save(in))

	out, err := RuleFile{Path: path}.Load()
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "r-1", out[0].ID)
	assert.Equal(t, "Fuel", out[0].Actions.SetSubcategory)
	assert.False(t, out[0].IsEnabled)
	assert.False(t, out[0].IsSystem, "system flag is not carried by the file")
}

func TestHookList(t *testing.T) {
	var order []int
	var hooks HookList
	hooks.Add(func() { order = append(order, 1) })
	hooks.Add(nil)
	hooks.Add(func() { order = append(order, 2) })

	hooks.Run()
	assert.Equal(t, []int{1, 2}, order)
}
