package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorHistoryValueNil(t *testing.T) {
	var h ErrorHistory

	value, err := h.Value()
	require.NoError(t, err)
	assert.Equal(t, "[]", string(value.([]byte)))
}

func TestErrorHistoryScan(t *testing.T) {
	data := []byte(`[{"timestamp":"2026-01-02T03:04:05Z","attempt":1,"code":"CODEC_ERR","message":"decode error"}]`)

	var h ErrorHistory
	require.NoError(t, h.Scan(data))
	require.Len(t, h, 1)
	assert.Equal(t, 1, h[0].Attempt)
	assert.Equal(t, "CODEC_ERR", h[0].Code)
	assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), h[0].Timestamp)

	// pgx may hand text-format JSON over as a string
	var fromString ErrorHistory
	require.NoError(t, fromString.Scan(string(data)))
	assert.Equal(t, h, fromString)
}

func TestScanNilLeavesEmpty(t *testing.T) {
	var r Renditions
	require.NoError(t, r.Scan(nil))
	assert.Empty(t, r)

	var s StringList
	require.NoError(t, s.Scan(nil))
	assert.Empty(t, s)
}

func TestScanRejectsUnknownType(t *testing.T) {
	var s StringList
	assert.Error(t, s.Scan(42))
}

func TestRenditionsValue(t *testing.T) {
	r := Renditions{{Name: "720p", Width: 1280, Height: 720, URL: "s3://out/720p.m3u8"}}

	value, err := r.Value()
	require.NoError(t, err)

	var decoded []map[string]interface{}
	require.NoError(t, json.Unmarshal(value.([]byte), &decoded))
	require.Len(t, decoded, 1)
	assert.Equal(t, "720p", decoded[0]["name"])
	assert.Equal(t, float64(1280), decoded[0]["width"])
}

func TestParseJobStatus(t *testing.T) {
	for _, st := range AllJobStatuses {
		parsed, err := ParseJobStatus(string(st))
		require.NoError(t, err)
		assert.Equal(t, st, parsed)
	}

	_, err := ParseJobStatus("pending")
	assert.Error(t, err)
}

func TestJobPredicates(t *testing.T) {
	tests := []struct {
		name         string
		job          EncodingJob
		exhausted    bool
		retryPending bool
		active       bool
	}{
		{"queued", EncodingJob{Status: JobStatusQueued, MaxAttempts: 3}, false, false, true},
		{"processing", EncodingJob{Status: JobStatusProcessing, MaxAttempts: 3}, false, false, true},
		{"failed with attempts left", EncodingJob{Status: JobStatusFailed, AttemptCount: 1, MaxAttempts: 3}, false, true, true},
		{"failed exhausted", EncodingJob{Status: JobStatusFailed, AttemptCount: 3, MaxAttempts: 3}, true, false, false},
		{"completed", EncodingJob{Status: JobStatusCompleted, MaxAttempts: 3}, false, false, false},
		{"cancelled", EncodingJob{Status: JobStatusCancelled, MaxAttempts: 3}, false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.exhausted, tt.job.Exhausted())
			assert.Equal(t, tt.retryPending, tt.job.RetryPending())
			assert.Equal(t, tt.active, tt.job.Active())
		})
	}
}

func TestTerminalStatuses(t *testing.T) {
	assert.True(t, JobStatusCompleted.IsTerminal())
	assert.True(t, JobStatusCancelled.IsTerminal())
	assert.False(t, JobStatusFailed.IsTerminal())
	assert.False(t, JobStatusQueued.IsTerminal())
}
