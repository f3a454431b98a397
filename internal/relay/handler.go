// Package relay turns inbound chat updates into replies: command dispatch,
// the acknowledgment gate, and the completion-backed chat path.
package relay

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	cmdpkg "github.com/stupiduntilnot/mctrelay/internal/commander"
	"github.com/stupiduntilnot/mctrelay/internal/completion"
	"github.com/stupiduntilnot/mctrelay/internal/db"
	"github.com/stupiduntilnot/mctrelay/internal/metrics"
	"github.com/stupiduntilnot/mctrelay/internal/session"
)

// DefaultAckPhrase unlocks a gated session.
const DefaultAckPhrase = "I UNDERSTAND"

// logTextRunes caps message text in log lines.
const logTextRunes = 200

// Journal records handled updates. Record never fails; Claim reports
// whether an update is new.
type Journal interface {
	Claim(updateID, chatID int64) (bool, error)
	Record(parentID *int64, eventType string, payload map[string]any) int64
	Offset() (int64, error)
}

// Options tune the handler.
type Options struct {
	RequireAck bool
	AckPhrase  string
	ReplyDelay time.Duration
}

// Handler processes updates; calls may run concurrently, but updates from the
// same chat are handled one at a time so each exchange lands in order.
type Handler struct {
	store     session.Store
	provider  completion.Provider
	messenger cmdpkg.Messenger
	journal   Journal
	metrics   *metrics.Metrics
	opts      Options
	chats     *chatLocks
}

type inbound struct {
	chatID    int64
	sessionID string
	text      string
	name      string
	eventID   int64
}

// NewHandler wires a handler. journal and m may be nil.
func NewHandler(store session.Store, provider completion.Provider, messenger cmdpkg.Messenger, journal Journal, m *metrics.Metrics, opts Options) *Handler {
	if opts.AckPhrase == "" {
		opts.AckPhrase = DefaultAckPhrase
	}
	if journal == nil {
		journal = nopJournal{}
	}
	return &Handler{
		store:     store,
		provider:  provider,
		messenger: messenger,
		journal:   journal,
		metrics:   m,
		opts:      opts,
		chats:     newChatLocks(),
	}
}

// HandleUpdate answers a single update. Failures are logged and answered
// with an apology; nothing is returned to the caller so the transport
// always acknowledges the update.
func (h *Handler) HandleUpdate(ctx context.Context, update cmdpkg.Update) {
	msg := update.Message
	if msg == nil || msg.Text == nil || strings.TrimSpace(*msg.Text) == "" {
		h.metrics.RecordMessage(metrics.KindIgnored)
		return
	}

	in := inbound{
		chatID:    msg.Chat.ID,
		sessionID: strconv.FormatInt(msg.Chat.ID, 10),
		text:      *msg.Text,
		name:      msg.SenderName(DefaultName),
	}
	logger := log.With().
		Str("correlation_id", uuid.NewString()).
		Int64("update_id", update.UpdateID).
		Int64("chat_id", in.chatID).
		Logger()
	ctx = logger.WithContext(ctx)

	release := h.chats.acquire(in.chatID)
	defer release()

	claimed, err := h.journal.Claim(update.UpdateID, in.chatID)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to claim update; handling anyway")
	} else if !claimed {
		h.metrics.RecordMessage(metrics.KindDuplicate)
		logger.Debug().Msg("Skipping duplicate update")
		return
	}

	logger.Info().Str("from", in.name).Str("text", truncate(in.text, logTextRunes)).Msg("Message received")
	in.eventID = h.journal.Record(nil, db.EventMessageReceived, map[string]any{
		"update_id": update.UpdateID,
		"chat_id":   in.chatID,
		"text":      truncate(in.text, logTextRunes),
	})

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Str("stack", string(debug.Stack())).Msg("Recovered from panic while handling message")
			h.fail(ctx, in, fmt.Errorf("panic: %v", r))
		}
	}()

	if err := h.dispatch(ctx, in); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info().Msg("Handling cancelled")
			return
		}
		logger.Error().Err(err).Msg("Failed to handle message")
		h.fail(ctx, in, err)
	}
}

func (h *Handler) fail(ctx context.Context, in inbound, cause error) {
	h.journal.Record(&in.eventID, db.EventHandlerFailed, map[string]any{"error": truncate(cause.Error(), 1000)})
	if err := h.messenger.SendMessage(in.chatID, apologyText, cmdpkg.ParseModePlain); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("Failed to send apology")
	}
}

func (h *Handler) dispatch(ctx context.Context, in inbound) error {
	sess, err := h.store.GetOrCreate(ctx, in.sessionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	gated := h.opts.RequireAck && !sess.Acknowledged

	if normalizeCommand(in.text) == "/start" {
		return h.canned(ctx, in, "/start", welcomeText(in.name, gated, h.opts.AckPhrase))
	}

	if gated {
		if strings.EqualFold(strings.TrimSpace(in.text), h.opts.AckPhrase) {
			if err := h.store.Acknowledge(ctx, in.sessionID); err != nil {
				return fmt.Errorf("acknowledge session: %w", err)
			}
			h.metrics.RecordMessage(metrics.KindAckAccepted)
			h.journal.Record(&in.eventID, db.EventAckAccepted, nil)
			return h.send(in.chatID, ackConfirmedText, cmdpkg.ParseModeHTML)
		}
		h.metrics.RecordMessage(metrics.KindAckPrompt)
		h.journal.Record(&in.eventID, db.EventAckPrompted, nil)
		return h.send(in.chatID, ackPromptText(h.opts.AckPhrase), cmdpkg.ParseModeHTML)
	}

	if name, fn, ok := lookupCommand(in.text); ok {
		text, err := fn(ctx, h, in)
		if err != nil {
			return err
		}
		return h.canned(ctx, in, name, text)
	}

	return h.chat(ctx, in)
}

func (h *Handler) canned(ctx context.Context, in inbound, command, text string) error {
	h.metrics.RecordMessage(metrics.KindCommand)
	h.journal.Record(&in.eventID, db.EventCommandHandled, map[string]any{"command": command})
	zerolog.Ctx(ctx).Debug().Str("command", command).Msg("Command handled")
	return h.send(in.chatID, text, cmdpkg.ParseModeHTML)
}

// chat appends the user turn, asks the provider for a reply and appends the
// assistant turn only when the provider produced text.
func (h *Handler) chat(ctx context.Context, in inbound) error {
	logger := zerolog.Ctx(ctx)
	h.metrics.RecordMessage(metrics.KindChat)

	if err := h.messenger.SendTyping(in.chatID); err != nil {
		logger.Debug().Err(err).Msg("Failed to send typing indicator")
	}

	sess, err := h.store.Append(ctx, in.sessionID, session.RoleUser, in.text)
	if err != nil {
		return fmt.Errorf("append user turn: %w", err)
	}
	h.refreshActiveSessions(ctx)

	callID := h.journal.Record(&in.eventID, db.EventCompletionStarted, map[string]any{"turns": len(sess.Turns)})
	started := time.Now()
	res, err := h.provider.Complete(ctx, sess.Turns)
	elapsed := time.Since(started)

	kind := completion.Classify(err)
	if err == nil {
		kind = res.Failure()
	}
	h.metrics.RecordCompletion(elapsed, string(kind), res.InputTokens, res.OutputTokens)

	if kind != "" {
		if errors.Is(err, context.Canceled) {
			return err
		}
		logger.Warn().Err(err).Str("kind", string(kind)).Str("reason", res.Reason).Dur("elapsed", elapsed).Msg("Completion failed")
		h.journal.Record(&callID, db.EventCompletionFailed, map[string]any{
			"kind":   string(kind),
			"reason": res.Reason,
			"error":  errString(err),
		})
		return h.send(in.chatID, fallbackText(kind), cmdpkg.ParseModePlain)
	}

	logger.Info().
		Int("chars", len([]rune(res.Text))).
		Int("input_tokens", res.InputTokens).
		Int("output_tokens", res.OutputTokens).
		Dur("elapsed", elapsed).
		Msg("Completion received")
	h.journal.Record(&callID, db.EventCompletionCompleted, map[string]any{
		"input_tokens":  res.InputTokens,
		"output_tokens": res.OutputTokens,
		"chars":         len([]rune(res.Text)),
	})

	if _, err := h.store.Append(ctx, in.sessionID, session.RoleAssistant, res.Text); err != nil {
		return fmt.Errorf("append assistant turn: %w", err)
	}

	if err := sleep(ctx, h.opts.ReplyDelay); err != nil {
		return err
	}
	if err := h.send(in.chatID, res.Text, cmdpkg.ParseModePlain); err != nil {
		return err
	}
	h.journal.Record(&in.eventID, db.EventReplySent, map[string]any{"chars": len([]rune(res.Text))})
	return nil
}

func (h *Handler) send(chatID int64, text, parseMode string) error {
	if err := h.messenger.SendMessage(chatID, text, parseMode); err != nil {
		return fmt.Errorf("send reply: %w", err)
	}
	return nil
}

func (h *Handler) refreshActiveSessions(ctx context.Context) {
	if h.metrics == nil {
		return
	}
	n, err := h.store.Len(ctx)
	if err != nil {
		zerolog.Ctx(ctx).Debug().Err(err).Msg("Failed to count sessions")
		return
	}
	h.metrics.SetActiveSessions(n)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return truncate(err.Error(), 1000)
}

func truncate(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}

type nopJournal struct{}

func (nopJournal) Claim(int64, int64) (bool, error) { return true, nil }

func (nopJournal) Record(*int64, string, map[string]any) int64 { return 0 }

func (nopJournal) Offset() (int64, error) { return 0, nil }
