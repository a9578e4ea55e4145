package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fieldledger/expensecore/internal/agents"
	"github.com/fieldledger/expensecore/internal/autoauth"
	"github.com/fieldledger/expensecore/internal/identity"
	"github.com/fieldledger/expensecore/internal/intake"
	"github.com/fieldledger/expensecore/internal/messaging"
)

// Handler runs one claimed job's payload. Returning an error lets the
// engine apply backoff/dead-letter; handlers must be idempotent, since the
// at-most-once claim can still re-run a job whose effects already landed
// if the process crashes between commit and MarkDone.
type Handler func(ctx context.Context, payload json.RawMessage) error

// Reconciler is the slice of reconciler.Engine this package depends on.
type Reconciler interface {
	Run(ctx context.Context) (int, error)
}

// AutoAuthRunner is the slice of autoauth.Engine this package depends on.
type AutoAuthRunner interface {
	Run(ctx context.Context, projectID uuid.UUID, window *autoauth.TimeWindow) (autoauth.AuthReport, error)
}

// AffinityRefresher recomputes one vendor's account histogram.
type AffinityRefresher interface {
	Refresh(ctx context.Context, vendorID uuid.UUID) error
}

// CacheMaintainer is the slice of cache.Store this package depends on.
type CacheMaintainer interface {
	Sweep(ctx context.Context) (int64, error)
	InvalidateForVendor(ctx context.Context, vendorName string) (int64, error)
}

// IntakeProcessor is the slice of intake.Service this package depends on.
type IntakeProcessor interface {
	Process(ctx context.Context, user identity.User, intakeID uuid.UUID) (intake.ProcessResult, error)
}

// DigestSource summarizes recent auto-authorization activity for a
// project's consolidated chat digest.
type DigestSource interface {
	DigestSummary(ctx context.Context, projectID uuid.UUID, since time.Time) (map[autoauth.Decision]int, error)
}

// DigestPoster posts the rendered digest as a chat message.
type DigestPoster interface {
	PostStructured(ctx context.Context, channelKey string, agent agents.AgentName, text string, blockKind string, fields map[string]string) (messaging.Message, error)
}

// MessageFetcher reads one message by id for the push fan-out handler.
// Satisfied directly by *messaging.Store (not messaging.Service, since
// this is a system-level read with no acting user to capability-gate).
type MessageFetcher interface {
	Get(ctx context.Context, id uuid.UUID) (messaging.Message, error)
}

// PushNotifier delivers a push notification to a set of users. External
// collaborator: no push provider SDK exists anywhere in this codebase's
// dependency corpus, so the only implementation this package ships is
// LogPushNotifier, a best-effort stand-in that records the delivery
// attempt instead of calling out to a real provider.
type PushNotifier interface {
	Notify(ctx context.Context, userIDs []uuid.UUID, messageID uuid.UUID, preview string) error
}

// LogPushNotifier logs each delivery at info level rather than calling an
// external push provider.
type LogPushNotifier struct{}

// Notify implements PushNotifier.
func (LogPushNotifier) Notify(ctx context.Context, userIDs []uuid.UUID, messageID uuid.UUID, preview string) error {
	slog.Info("push notification", "message_id", messageID, "recipients", len(userIDs), "preview", preview)
	return nil
}

// Collaborators bundles every external dependency a job handler needs.
// Any field may be nil if the deployment doesn't wire that concern; the
// corresponding job handler then fails loudly instead of silently
// no-opping, since a pending job with no handler is a configuration bug.
type Collaborators struct {
	Reconciler     Reconciler
	AutoAuth       AutoAuthRunner
	Affinity       AffinityRefresher
	Cache          CacheMaintainer
	Intake         IntakeProcessor
	DigestSource   DigestSource
	DigestPoster   DigestPoster
	Messages       MessageFetcher
	Push           PushNotifier
	SystemUser     identity.User
}

type changeLogPayload struct {
	ExpenseID uuid.UUID `json:"expense_id"`
}

type statusLogPayload struct {
	ExpenseID uuid.UUID `json:"expense_id"`
}

type projectPayload struct {
	ProjectID uuid.UUID `json:"project_id"`
}

type vendorPayload struct {
	VendorID   uuid.UUID `json:"vendor_id"`
	VendorName string    `json:"vendor_name"`
}

type intakePayload struct {
	IntakeID uuid.UUID `json:"intake_id"`
}

type pushFanOutPayload struct {
	MessageID uuid.UUID   `json:"message_id"`
	UserIDs   []uuid.UUID `json:"user_ids"`
}

// BuildHandlers wires every named job to the collaborator that actually
// performs it.
func BuildHandlers(c Collaborators) map[string]Handler {
	return map[string]Handler{
		JobWriteChangeLog:           c.handleWriteChangeLog,
		JobWriteStatusLog:           c.handleWriteStatusLog,
		JobTriggerAutoAuth:          c.handleTriggerAutoAuth,
		JobRefreshAffinity:          c.handleRefreshAffinity,
		JobInvalidateCacheForVendor: c.handleInvalidateCacheForVendor,
		JobSendChatDigest:           c.handleSendChatDigest,
		JobCleanupCacheTombstones:   c.handleCleanupCacheTombstones,
		JobFanOutPushNotifications:  c.handleFanOutPushNotifications,
		JobProcessReceiptIntake:     c.handleProcessReceiptIntake,
		JobReconcileMismatch:        c.handleReconcileMismatch,
	}
}

// handleWriteChangeLog and handleWriteStatusLog only decode their payload
// and return: expense.Service already writes change-log and status-log
// rows synchronously inside the same transaction as the mutation they
// describe, so the audit trail is never async-only. Neither handler writes
// or checks any log row; they exist so the two named jobs complete instead
// of dead-lettering.
func (c Collaborators) handleWriteChangeLog(ctx context.Context, payload json.RawMessage) error {
	var p changeLogPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decoding change-log payload: %w", err)
	}

	return nil
}

func (c Collaborators) handleWriteStatusLog(ctx context.Context, payload json.RawMessage) error {
	var p statusLogPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decoding status-log payload: %w", err)
	}

	return nil
}

func (c Collaborators) handleTriggerAutoAuth(ctx context.Context, payload json.RawMessage) error {
	if c.AutoAuth == nil {
		return fmt.Errorf("trigger_auto_auth: no auto-auth engine wired")
	}

	var p projectPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decoding trigger_auto_auth payload: %w", err)
	}

	_, err := c.AutoAuth.Run(ctx, p.ProjectID, nil)
	if err != nil {
		return fmt.Errorf("running auto-auth for project %s: %w", p.ProjectID, err)
	}

	return nil
}

func (c Collaborators) handleRefreshAffinity(ctx context.Context, payload json.RawMessage) error {
	if c.Affinity == nil {
		return fmt.Errorf("refresh_affinity: no affinity index wired")
	}

	var p vendorPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decoding refresh_affinity payload: %w", err)
	}

	if err := c.Affinity.Refresh(ctx, p.VendorID); err != nil {
		return fmt.Errorf("refreshing affinity for vendor %s: %w", p.VendorID, err)
	}

	return nil
}

func (c Collaborators) handleInvalidateCacheForVendor(ctx context.Context, payload json.RawMessage) error {
	if c.Cache == nil {
		return fmt.Errorf("invalidate_cache_for_vendor: no cache store wired")
	}

	var p vendorPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decoding invalidate_cache_for_vendor payload: %w", err)
	}

	if _, err := c.Cache.InvalidateForVendor(ctx, p.VendorName); err != nil {
		return fmt.Errorf("invalidating cache for vendor %s: %w", p.VendorName, err)
	}

	return nil
}

func (c Collaborators) handleCleanupCacheTombstones(ctx context.Context, payload json.RawMessage) error {
	if c.Cache == nil {
		return fmt.Errorf("cleanup_cache_tombstones: no cache store wired")
	}

	if _, err := c.Cache.Sweep(ctx); err != nil {
		return fmt.Errorf("sweeping cache: %w", err)
	}

	return nil
}

func (c Collaborators) handleSendChatDigest(ctx context.Context, payload json.RawMessage) error {
	if c.DigestSource == nil || c.DigestPoster == nil {
		return fmt.Errorf("send_chat_digest: digest source/poster not wired")
	}

	var p projectPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decoding send_chat_digest payload: %w", err)
	}

	since := time.Now().Add(-24 * time.Hour)

	counts, err := c.DigestSource.DigestSummary(ctx, p.ProjectID, since)
	if err != nil {
		return fmt.Errorf("summarizing digest for project %s: %w", p.ProjectID, err)
	}

	fields := map[string]string{"title": "Auto-authorization digest"}
	for decision, n := range counts {
		fields[string(decision)] = fmt.Sprintf("%d", n)
	}

	_, err = c.DigestPoster.PostStructured(ctx, "project:"+p.ProjectID.String(), agents.AgentAuth,
		"consolidated auto-authorization digest for the last 24 hours", "digest", fields)
	if err != nil {
		return fmt.Errorf("posting digest for project %s: %w", p.ProjectID, err)
	}

	return nil
}

func (c Collaborators) handleFanOutPushNotifications(ctx context.Context, payload json.RawMessage) error {
	if c.Messages == nil || c.Push == nil {
		return fmt.Errorf("fan_out_push_notifications: message fetcher/push notifier not wired")
	}

	var p pushFanOutPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decoding fan_out_push_notifications payload: %w", err)
	}

	msg, err := c.Messages.Get(ctx, p.MessageID)
	if err != nil {
		return fmt.Errorf("fetching message %s: %w", p.MessageID, err)
	}

	if err := c.Push.Notify(ctx, p.UserIDs, p.MessageID, msg.Body); err != nil {
		return fmt.Errorf("notifying mentioned users: %w", err)
	}

	return nil
}

func (c Collaborators) handleProcessReceiptIntake(ctx context.Context, payload json.RawMessage) error {
	if c.Intake == nil {
		return fmt.Errorf("process_receipt_intake: no intake service wired")
	}

	var p intakePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decoding process_receipt_intake payload: %w", err)
	}

	if _, err := c.Intake.Process(ctx, c.SystemUser, p.IntakeID); err != nil {
		return fmt.Errorf("processing intake %s: %w", p.IntakeID, err)
	}

	return nil
}

func (c Collaborators) handleReconcileMismatch(ctx context.Context, payload json.RawMessage) error {
	if c.Reconciler == nil {
		return fmt.Errorf("reconcile_mismatch: no reconciler wired")
	}

	if _, err := c.Reconciler.Run(ctx); err != nil {
		return fmt.Errorf("running reconciliation: %w", err)
	}

	return nil
}
