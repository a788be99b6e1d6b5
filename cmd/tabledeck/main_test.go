package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arkilian/tabledeck/pkg/types"
)

const claimsCSV = `region,paid_loss
east,100
east,150
west,50
`

const rowsYAML = `- row_label: East
  metric_fields: [paid_loss]
  aggregation: sum
  filters:
    - field: region
      operator: "=="
      value: east
- row_label: All regions
  metric_fields: [paid_loss]
  aggregation: sum
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestCompileRowsJSON(t *testing.T) {
	dir := t.TempDir()
	data := writeFile(t, dir, "claims.csv", claimsCSV)
	rows := writeFile(t, dir, "by_region.yaml", rowsYAML)

	out, err := execute(t, "compile", "--data", data, "--rows", rows, "--format", "json")
	require.NoError(t, err)

	var tables []types.SlideTable
	require.NoError(t, json.Unmarshal([]byte(out), &tables))
	require.Len(t, tables, 1)
	assert.Equal(t, "by_region", tables[0].Title)
	require.Len(t, tables[0].Table.Rows, 2)
	assert.Equal(t, 250.0, tables[0].Table.Rows[0].Cell("paid_loss").Value)
	assert.Equal(t, 300.0, tables[0].Table.Rows[1].Cell("paid_loss").Value)
}

func TestCompileTableToFile(t *testing.T) {
	dir := t.TempDir()
	data := writeFile(t, dir, "claims.csv", claimsCSV)
	rows := writeFile(t, dir, "rows.yaml", rowsYAML)
	outPath := filepath.Join(dir, "tables.txt")

	_, err := execute(t, "compile", "--data", data, "--rows", rows, "--out", outPath)
	require.NoError(t, err)

	text, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(text), "Slide 1: rows\n"))
	assert.Contains(t, string(text), "Paid Loss")
	assert.Contains(t, string(text), "All regions")
}

func TestCompileOverviewPlan(t *testing.T) {
	dir := t.TempDir()
	data := writeFile(t, dir, "claims.csv", claimsCSV)

	out, err := execute(t, "compile", "--data", data, "--format", "json")
	require.NoError(t, err)

	var tables []types.SlideTable
	require.NoError(t, json.Unmarshal([]byte(out), &tables))
	assert.NotEmpty(t, tables)
	for i, st := range tables {
		assert.Equal(t, i+1, st.SlideNumber)
	}
}

func TestCompileErrors(t *testing.T) {
	dir := t.TempDir()
	data := writeFile(t, dir, "claims.csv", claimsCSV)
	bad := writeFile(t, dir, "bad.yaml", "- row_label: Bad\n  metric_fields: [premium]\n  aggregation: sum\n")
	rows := writeFile(t, dir, "rows.yaml", rowsYAML)

	_, err := execute(t, "compile", "--rows", rows)
	assert.Error(t, err, "--data is required")

	_, err = execute(t, "compile", "--data", data, "--rows", bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "premium")

	_, err = execute(t, "compile", "--data", data, "--rows", rows, "--format", "xml")
	assert.Error(t, err)

	_, err = execute(t, "compile", "--data", data, "--rows", rows, "--plan", rows)
	assert.Error(t, err, "plan and rows are exclusive")
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "tabledeck version dev (commit: unknown)\n", out)
}

func TestLoadConfigPrecedence(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "config.yaml", "data_dir: /from/file\nhttp:\n  addr: \":7000\"\n")
	envPath := writeFile(t, dir, "test.env", "TABLEDECK_GRPC_ADDR=:7001\n")
	t.Setenv("TABLEDECK_HTTP_ADDR", ":7002")
	t.Cleanup(func() { os.Unsetenv("TABLEDECK_GRPC_ADDR") })

	cfg, err := loadConfig(serveFlags{configFile: cfgPath, envFile: envPath})
	require.NoError(t, err)
	assert.Equal(t, "/from/file", cfg.DataDir)
	assert.Equal(t, ":7002", cfg.HTTP.Addr, "env overrides file")
	assert.Equal(t, ":7001", cfg.GRPC.Addr, ".env file is loaded")

	cfg, err = loadConfig(serveFlags{configFile: cfgPath, envFile: envPath, httpAddr: ":7003", noGRPC: true})
	require.NoError(t, err)
	assert.Equal(t, ":7003", cfg.HTTP.Addr, "flags override env")
	assert.False(t, cfg.GRPC.Enabled)
}
