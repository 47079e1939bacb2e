package historylog

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creamcroissant/xboard/internal/arbiter"
)

func TestLoggerSinkRecordTransition(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLoggerSink(slog.New(slog.NewTextHandler(&buf, nil)))

	n := arbiter.Notification{
		ID:     "abc",
		UID:    1000,
		Kind:   arbiter.NotifyViolation,
		Status: arbiter.Status{CurrentGroup: "warn"},
		Events: []arbiter.Event{{}, {}},
	}
	require.NoError(t, sink.RecordTransition(context.Background(), n))
	out := buf.String()
	assert.Contains(t, out, "status transition")
	assert.Contains(t, out, "warn")
}

func TestLoggerSinkRecordHighUsage(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLoggerSink(slog.New(slog.NewTextHandler(&buf, nil)))

	n := arbiter.Notification{ID: "xyz", UID: 1000, Events: []arbiter.Event{{}}}
	require.NoError(t, sink.RecordHighUsage(context.Background(), n))
	assert.Contains(t, buf.String(), "high usage snapshot")
}

func TestNewLoggerSinkDefaultsLogger(t *testing.T) {
	sink := NewLoggerSink(nil)
	require.NoError(t, sink.RecordTransition(context.Background(), arbiter.Notification{}))
}
