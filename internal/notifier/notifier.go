// Package notifier implements the external Notifier collaborator's
// interface (§6): the core hands it a violation/release/high-usage record
// and a site-specific capability implementation fills in recipient
// addresses and message bodies, per the duck-typed "integrations" hook
// re-architected as an interface (§9 Design Notes). This package never
// composes or sends email itself — that is the capability's job, or the
// panel/ops tooling that wires a real implementation in.
package notifier

import (
	"context"
	"fmt"
	"log/slog"
	"os/user"
	"strconv"

	"github.com/google/uuid"

	"github.com/creamcroissant/xboard/internal/arbiter"
)

// Integrations is the capability interface a deployment supplies to
// resolve recipients and compose message bodies, replacing the source
// implementation's dynamically loaded "integrations" module (§9).
type Integrations interface {
	// EmailAddressOf resolves a uid to a notification recipient. An empty
	// result means "no personal notification", not an error.
	EmailAddressOf(uid int) string
	// AdminAddresses returns the recipients for admin-only notices (used
	// for debug-mode notifications and high-usage snapshots).
	AdminAddresses() []string
	// WarningSubject composes the subject line for a violation/release
	// notification.
	WarningSubject(n arbiter.Notification) string
	// WarningBody composes the body for a violation/release notification,
	// given the peer hostnames this penalty also applies on (§4.6 step 5).
	WarningBody(n arbiter.Notification, peers []string) string
}

// Service is the sink the core control loop enqueues notifications into.
// Delivery may be asynchronous; the loop only needs Enqueue to return
// promptly (§5: "notifications produced this tick are delivered before
// the next tick begins... delivery itself may be asynchronous").
type Service interface {
	Enqueue(ctx context.Context, n arbiter.Notification) error
}

// debugMarker prefixes notification subjects composed while debug_mode is
// active (§8 scenario 6), so recipients can tell a dry-run apart from a
// real enforcement action.
const debugMarker = "[arbiter debug] "

// LoggerService is the default Service: it composes each notification via
// Integrations and logs the outcome instead of contacting an SMTP server,
// suitable for environments that have not wired a real mail transport, or
// for tests. A correlation id is stamped on every notification so the
// eventual email delivery and the historical-log entry can be joined
// after the fact.
type LoggerService struct {
	integrations Integrations
	logger       *slog.Logger
}

// NewLoggerService constructs a LoggerService.
func NewLoggerService(integrations Integrations, logger *slog.Logger) *LoggerService {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggerService{integrations: integrations, logger: logger}
}

// Enqueue composes and logs one notification. It never returns an error
// for a missing recipient (§7: notification delivery failures are a
// transient, per-subsystem failure, not a tick-aborting one) — callers
// that need hard delivery guarantees should wrap a real SMTP-backed
// Service instead.
func (s *LoggerService) Enqueue(ctx context.Context, n arbiter.Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}

	subject := s.integrations.WarningSubject(n)
	if n.Debug {
		subject = debugMarker + subject
	}

	to := s.recipients(n)
	if len(to) == 0 {
		s.logger.WarnContext(ctx, "notification has no recipients", "id", n.ID, "kind", n.Kind, "uid", n.UID)
		return nil
	}

	body := s.integrations.WarningBody(n, n.PeerHosts)
	s.logger.InfoContext(ctx, "notification composed",
		"id", n.ID,
		"kind", n.Kind,
		"uid", n.UID,
		"username", n.Username,
		"to", to,
		"subject", subject,
		"body_len", len(body),
		"debug", n.Debug,
	)
	return nil
}

func (s *LoggerService) recipients(n arbiter.Notification) []string {
	if n.Debug || n.Kind == arbiter.NotifyHighUsage {
		return s.integrations.AdminAddresses()
	}
	if addr := s.integrations.EmailAddressOf(n.UID); addr != "" {
		return []string{addr}
	}
	return nil
}

// StaticIntegrations is a minimal Integrations implementation backed by a
// fixed uid->address map and a fixed admin list, for tests and for sites
// that do not need templated bodies.
type StaticIntegrations struct {
	Addresses map[int]string
	Admins    []string
}

func (s StaticIntegrations) EmailAddressOf(uid int) string { return s.Addresses[uid] }
func (s StaticIntegrations) AdminAddresses() []string       { return s.Admins }

func (s StaticIntegrations) WarningSubject(n arbiter.Notification) string {
	switch n.Kind {
	case arbiter.NotifyViolation:
		return fmt.Sprintf("Resource usage notice for %s", n.Username)
	case arbiter.NotifyRelease:
		return fmt.Sprintf("Resource usage restrictions lifted for %s", n.Username)
	case arbiter.NotifyHighUsage:
		return "High usage on this machine"
	default:
		return "Arbiter2 notification"
	}
}

func (s StaticIntegrations) WarningBody(n arbiter.Notification, peers []string) string {
	switch n.Kind {
	case arbiter.NotifyViolation:
		body := fmt.Sprintf("User %s (uid %d) exceeded their resource quota and has been placed under %s.",
			n.Username, n.UID, n.Status.CurrentGroup)
		if len(peers) > 0 {
			body += fmt.Sprintf(" This penalty also applies on: %v.", peers)
		}
		return body
	case arbiter.NotifyRelease:
		return fmt.Sprintf("User %s (uid %d) has returned to %s.", n.Username, n.UID, n.Status.DefaultGroup)
	case arbiter.NotifyHighUsage:
		return fmt.Sprintf("User %s (uid %d) has sustained high usage.", n.Username, n.UID)
	default:
		return ""
	}
}

// SystemIntegrations derives a uid's address from its local account name
// plus a configured domain, rather than requiring a site to enumerate
// every uid up front; StaticIntegrations remains the right choice for a
// site with addresses that don't follow username@domain. Subject/body
// composition is identical to StaticIntegrations.
type SystemIntegrations struct {
	StaticIntegrations
	Domain string
}

func (s SystemIntegrations) EmailAddressOf(uid int) string {
	if s.Domain == "" {
		return s.StaticIntegrations.EmailAddressOf(uid)
	}
	u, err := user.LookupId(strconv.Itoa(uid))
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%s@%s", u.Username, s.Domain)
}
