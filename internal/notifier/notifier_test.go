package notifier

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creamcroissant/xboard/internal/arbiter"
)

func capturingLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewTextHandler(&buf, nil)), &buf
}

func TestLoggerServiceEnqueueComposesAndLogs(t *testing.T) {
	logger, buf := capturingLogger()
	integ := StaticIntegrations{Addresses: map[int]string{1000: "alice@example.org"}}
	svc := NewLoggerService(integ, logger)

	n := arbiter.Notification{
		Kind:     arbiter.NotifyViolation,
		UID:      1000,
		Username: "alice",
		Status:   arbiter.Status{CurrentGroup: "warn"},
	}

	require.NoError(t, svc.Enqueue(context.Background(), n))
	out := buf.String()
	assert.Contains(t, out, "notification composed")
	assert.Contains(t, out, "alice@example.org")
	assert.Contains(t, out, "Resource usage notice for alice")
}

func TestLoggerServiceEnqueueStampsCorrelationID(t *testing.T) {
	logger, buf := capturingLogger()
	integ := StaticIntegrations{Addresses: map[int]string{1000: "alice@example.org"}}
	svc := NewLoggerService(integ, logger)

	n := arbiter.Notification{UID: 1000, Username: "alice", Kind: arbiter.NotifyViolation}
	require.NoError(t, svc.Enqueue(context.Background(), n))
	out := buf.String()
	assert.Contains(t, out, "id=")
	assert.NotContains(t, out, `id=""`, "an empty ID must be replaced by a generated correlation id")
}

func TestLoggerServiceNoRecipientLogsWarningNotError(t *testing.T) {
	logger, buf := capturingLogger()
	integ := StaticIntegrations{}
	svc := NewLoggerService(integ, logger)

	n := arbiter.Notification{ID: "abc", UID: 1000, Username: "ghost", Kind: arbiter.NotifyViolation}
	require.NoError(t, svc.Enqueue(context.Background(), n))
	assert.Contains(t, buf.String(), "notification has no recipients")
}

func TestLoggerServiceDebugPrefixesSubject(t *testing.T) {
	logger, buf := capturingLogger()
	integ := StaticIntegrations{Admins: []string{"ops@example.org"}}
	svc := NewLoggerService(integ, logger)

	n := arbiter.Notification{Kind: arbiter.NotifyViolation, UID: 1000, Username: "alice", Debug: true}
	require.NoError(t, svc.Enqueue(context.Background(), n))
	assert.Contains(t, buf.String(), debugMarker)
}

func TestLoggerServiceHighUsageGoesToAdmins(t *testing.T) {
	logger, buf := capturingLogger()
	integ := StaticIntegrations{
		Addresses: map[int]string{1000: "alice@example.org"},
		Admins:    []string{"ops@example.org"},
	}
	svc := NewLoggerService(integ, logger)

	n := arbiter.Notification{Kind: arbiter.NotifyHighUsage, UID: 1000, Username: "alice"}
	require.NoError(t, svc.Enqueue(context.Background(), n))
	assert.Contains(t, buf.String(), "ops@example.org")
	assert.NotContains(t, buf.String(), "alice@example.org")
}

func TestStaticIntegrationsWarningBodyMentionsPeers(t *testing.T) {
	integ := StaticIntegrations{}
	n := arbiter.Notification{Kind: arbiter.NotifyViolation, UID: 1, Username: "bob", Status: arbiter.Status{CurrentGroup: "strict"}}
	body := integ.WarningBody(n, []string{"node-b", "node-c"})
	assert.Contains(t, body, "node-b")
	assert.Contains(t, body, "strict")
}

func TestStaticIntegrationsWarningSubjectByKind(t *testing.T) {
	integ := StaticIntegrations{}
	assert.Contains(t, integ.WarningSubject(arbiter.Notification{Kind: arbiter.NotifyViolation, Username: "a"}), "notice")
	assert.Contains(t, integ.WarningSubject(arbiter.Notification{Kind: arbiter.NotifyRelease, Username: "a"}), "lifted")
	assert.Equal(t, "High usage on this machine", integ.WarningSubject(arbiter.Notification{Kind: arbiter.NotifyHighUsage}))
}

func TestSystemIntegrationsFallsBackWithoutDomain(t *testing.T) {
	integ := SystemIntegrations{StaticIntegrations: StaticIntegrations{Addresses: map[int]string{1000: "static@example.org"}}}
	assert.Equal(t, "static@example.org", integ.EmailAddressOf(1000))
}

func TestSystemIntegrationsUnknownUIDReturnsEmpty(t *testing.T) {
	integ := SystemIntegrations{Domain: "example.org"}
	assert.Equal(t, "", integ.EmailAddressOf(999999))
}
