package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/traffic.report/internal/monitoring"
	"github.com/banshee-data/traffic.report/internal/report"
	"github.com/banshee-data/traffic.report/internal/store"
)

const siteConfig = `{
  "frame_width": 640,
  "frame_height": 480,
  "geometries": [
    {"id": "stop", "type": "zone", "bounds": {"left": 0, "top": 180, "right": 640, "bottom": 220}}
  ]
}`

const itemsInput = `{"items": [{"bbox": [300, 150, 40, 40], "class_id": 2, "confidence": 0.9}]}
{"items": [{"bbox": [300, 170, 40, 40], "class_id": 2, "confidence": 0.9}]}
{"items": [{"bbox": [300, 190, 40, 40], "class_id": 2, "confidence": 0.9}]}
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestMain(m *testing.M) {
	monitoring.SetOutput(io.Discard)
	os.Exit(m.Run())
}

func TestRun_Stdout(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "site.json", siteConfig)
	input := writeFile(t, dir, "cam1.jsonl", itemsInput)

	var stdout bytes.Buffer
	err := run(context.Background(), []string{"-config", cfgPath, "-format", "items", "-fps", "25", input}, &stdout)
	require.NoError(t, err)

	var outputs []report.Output
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &outputs))
	require.Len(t, outputs, 1)
	r := outputs[0].Report
	assert.Equal(t, input, r.Metadata.Source)
	assert.Equal(t, 3, r.Metadata.FramesProcessed)
	assert.Equal(t, 25.0, r.Metadata.FPS)
	assert.Equal(t, 1, r.Summary.TotalVehicles)
	require.Len(t, outputs[0].Events, 1)
	assert.Equal(t, "stop", outputs[0].Events[0].GeometryID)
}

func TestRun_OutDirAndStore(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "site.json", siteConfig)
	a := writeFile(t, dir, "a.jsonl", itemsInput)
	b := writeFile(t, dir, "b.jsonl", itemsInput)
	outDir := filepath.Join(dir, "reports")
	dbPath := filepath.Join(dir, "runs.db")

	var stdout bytes.Buffer
	err := run(context.Background(), []string{
		"-config", cfgPath, "-format", "items", "-out", outDir, "-db", dbPath, "-jobs", "2", a, b,
	}, &stdout)
	require.NoError(t, err)
	assert.Empty(t, stdout.String())

	for _, name := range []string{"a.report.json", "b.report.json"} {
		data, err := os.ReadFile(filepath.Join(outDir, name))
		require.NoError(t, err)
		var out report.Output
		require.NoError(t, json.Unmarshal(data, &out))
		assert.Equal(t, 1, out.Report.Summary.TotalVehicles)
	}

	s, err := store.Open(dbPath)
	require.NoError(t, err)
	defer s.Close()
	runs, err := s.ListRuns(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestRun_Errors(t *testing.T) {
	dir := t.TempDir()
	input := writeFile(t, dir, "cam.jsonl", itemsInput)

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"no inputs", nil, "input file"},
		{"missing input", []string{filepath.Join(dir, "nope.jsonl")}, "open input"},
		{"bad log level", []string{"-log-level", "loud", input}, "log-level"},
		{"bad format", []string{"-format", "xml", input}, "input_format"},
		{"no geometry", []string{input}, "geometr"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := run(context.Background(), tt.args, io.Discard)
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tt.want), "got %v", err)
		})
	}
}

func TestRun_Version(t *testing.T) {
	var stdout bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"-version"}, &stdout))
	assert.True(t, strings.HasPrefix(stdout.String(), "trafficcount "))
}

func TestReportBaseName(t *testing.T) {
	tests := map[string]string{
		"/data/cam1.jsonl":           "cam1",
		"north gate (am).jsonl":      "north_gate_am",
		"../weird/..hidden.jsonl":    "hidden",
		"$$$.jsonl":                  "input",
		"clip-2026.10.01_0800.jsonl": "clip-2026.10.01_0800",
	}
	for in, want := range tests {
		if got := reportBaseName(in); got != want {
			t.Errorf("reportBaseName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestReportFileNames_Distinct(t *testing.T) {
	got := reportFileNames([]string{"a/cam.jsonl", "b/cam.jsonl", "cam-2.jsonl", "c/cam.json", "north.jsonl"})
	want := []string{"cam.report.json", "cam-2.report.json", "cam-2-2.report.json", "cam-3.report.json", "north.report.json"}
	if len(got) != len(want) {
		t.Fatalf("got %d names, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("name %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestRun_SameBaseNameInDifferentDirs(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "site.json", siteConfig)
	for _, sub := range []string{"a", "b"} {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, sub), 0o755))
	}
	a := writeFile(t, filepath.Join(dir, "a"), "cam.jsonl", itemsInput)
	b := writeFile(t, filepath.Join(dir, "b"), "cam.jsonl", itemsInput)
	outDir := filepath.Join(dir, "reports")

	err := run(context.Background(), []string{"-config", cfgPath, "-format", "items", "-out", outDir, a, b}, io.Discard)
	require.NoError(t, err)

	sources := map[string]string{}
	for _, name := range []string{"cam.report.json", "cam-2.report.json"} {
		data, err := os.ReadFile(filepath.Join(outDir, name))
		require.NoError(t, err)
		var out report.Output
		require.NoError(t, json.Unmarshal(data, &out))
		sources[name] = out.Report.Metadata.Source
	}
	assert.Equal(t, map[string]string{"cam.report.json": a, "cam-2.report.json": b}, sources)
}
