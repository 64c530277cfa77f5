package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/flashreport/flashreport/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAlertPayload(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("WAT", 3600))
	ev := models.Event{ID: "e1", IncidentType: "flood", Region: "Lagos", Title: "Flooding", Severity: models.SeverityHigh}

	alert := NewAlert(ev, "Water levels rising", at)
	data, err := json.Marshal(alert)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "e1", decoded["event_id"])
	assert.Equal(t, "flood", decoded["event_type"])
	assert.Equal(t, "high", decoded["severity"])
	assert.Equal(t, "Water levels rising", decoded["brief"])
	assert.Equal(t, "2026-03-01T11:00:00Z", decoded["alerted_at"])
}

func TestRecorder(t *testing.T) {
	r := &Recorder{}
	require.NoError(t, r.PublishAlert(context.Background(), Alert{EventID: "a"}))
	require.NoError(t, r.PublishAlert(context.Background(), Alert{EventID: "b"}))
	assert.Len(t, r.Alerts(), 2)

	r.Err = errors.New("broker down")
	assert.Error(t, r.PublishAlert(context.Background(), Alert{EventID: "c"}))
	assert.Len(t, r.Alerts(), 2)
}

func TestNopPublisher(t *testing.T) {
	var p Publisher = NopPublisher{}
	assert.NoError(t, p.PublishAlert(context.Background(), Alert{}))
	assert.NoError(t, p.Close())
}
