package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/flashreport/flashreport/internal/config"
	"github.com/flashreport/flashreport/internal/logging"
	"github.com/flashreport/flashreport/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestImportSignals(t *testing.T) {
	input := strings.Join([]string{
		`{"id":"s1","article_id":"a1","incident_type":"flood","region":"Lagos","severity":"high","confidence":0.8,"summary":"river burst","timestamp":"2024-03-01T10:00:00Z","article":{"title":"Flooding in Lagos","url":"https://example.com/a1"}}`,
		`{"id":"s2","article_id":"a2","incident_type":"fire","region":"","timestamp":"2024-03-01T11:00:00Z"}`,
		`not json`,
		``,
		`{"id":"s3","article_id":"a3","incident_type":"fire","region":"Accra","severity":"low","timestamp":"2024-03-01T12:00:00Z"}`,
		`{"id":"s1","article_id":"a1","incident_type":"flood","region":"Lagos","timestamp":"2024-03-01T10:00:00Z"}`,
	}, "\n")

	st := store.NewMemoryStore()
	report, err := importSignals(context.Background(), st, strings.NewReader(input), logging.Discard())
	require.NoError(t, err)

	assert.Equal(t, importReport{Lines: 5, Inserted: 2, Skipped: 1, Rejected: 2, Articles: 1}, report)

	signals, err := st.ListSignalsSince(context.Background(), time.Time{})
	require.NoError(t, err)
	require.Len(t, signals, 2)
	assert.Equal(t, "river burst", signals[0].Summary)
	assert.Equal(t, "s3", signals[1].ID)
}

func TestImportSignals_Rerun(t *testing.T) {
	input := `{"id":"s1","article_id":"a1","incident_type":"flood","region":"Lagos","timestamp":"2024-03-01T10:00:00Z"}`
	st := store.NewMemoryStore()

	_, err := importSignals(context.Background(), st, strings.NewReader(input), logging.Discard())
	require.NoError(t, err)
	report, err := importSignals(context.Background(), st, strings.NewReader(input), logging.Discard())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Inserted)
	assert.Equal(t, 1, report.Skipped)
}

func TestImportSignals_RejectLogsPhysicalLine(t *testing.T) {
	input := strings.Join([]string{
		``,
		`{"id":"s1","article_id":"a1","incident_type":"flood","region":"Lagos","timestamp":"2024-03-01T10:00:00Z"}`,
		`   `,
		``,
		`{not json`,
		`{"id":"s2","article_id":"a2","incident_type":"fire","region":"","timestamp":"2024-03-01T11:00:00Z"}`,
	}, "\n")

	var buf bytes.Buffer
	logger, err := logging.NewWithWriter(config.LoggingConfig{Format: "json"}, &buf)
	require.NoError(t, err)

	report, err := importSignals(context.Background(), store.NewMemoryStore(), strings.NewReader(input), logger)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Lines)
	assert.Equal(t, 2, report.Rejected)

	var rejected []float64
	for _, raw := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		var entry map[string]any
		require.NoError(t, json.Unmarshal(raw, &entry))
		if line, ok := entry["line"]; ok {
			rejected = append(rejected, line.(float64))
		}
	}
	assert.Equal(t, []float64{5, 6}, rejected)
}

func TestRootCommandHasSubcommands(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"serve", "run", "migrate", "import-signals", "prune-runs"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err)
		assert.Equal(t, name, cmd.Name())
	}
}
