// Package dummy provides scripted stand-ins for the Telegram source, the
// reply channel and the completion provider. Scripts are comma-separated
// actions consumed in order; the last action repeats once the script runs out.
package dummy

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	cmdpkg "github.com/stupiduntilnot/mctrelay/internal/commander"
	"github.com/stupiduntilnot/mctrelay/internal/completion"
	"github.com/stupiduntilnot/mctrelay/internal/session"
)

type action struct {
	kind string
	arg  string
}

var actionPrefixes = []string{"err", "sleep", "msg", "msgb64", "blocked", "malformed", "echo"}

func parseScript(script string) ([]action, error) {
	if strings.TrimSpace(script) == "" {
		return []action{{kind: "ok"}}, nil
	}
	parts := strings.Split(script, ",")
	actions := make([]action, 0, len(parts))
	for _, p := range parts {
		token := strings.TrimSpace(p)
		if token == "" {
			continue
		}
		if token == "ok" {
			actions = append(actions, action{kind: "ok"})
			continue
		}
		a, ok := parseAction(token)
		if !ok {
			return nil, fmt.Errorf("invalid dummy action: %s", token)
		}
		actions = append(actions, a)
	}
	if len(actions) == 0 {
		actions = append(actions, action{kind: "ok"})
	}
	return actions, nil
}

func parseAction(token string) (action, bool) {
	for _, kind := range actionPrefixes {
		if token == kind {
			return action{kind: kind}, true
		}
		if strings.HasPrefix(token, kind+":") {
			return action{kind: kind, arg: strings.TrimPrefix(token, kind+":")}, true
		}
	}
	return action{}, false
}

type scriptRunner struct {
	actions []action
	index   int
}

func newRunner(script string) (*scriptRunner, error) {
	actions, err := parseScript(script)
	if err != nil {
		return nil, err
	}
	return &scriptRunner{actions: actions}, nil
}

func (r *scriptRunner) next() action {
	if len(r.actions) == 0 {
		return action{kind: "ok"}
	}
	if r.index >= len(r.actions) {
		return r.actions[len(r.actions)-1]
	}
	a := r.actions[r.index]
	r.index++
	return a
}

func sleepFor(arg string) time.Duration {
	ms, _ := strconv.Atoi(arg)
	return time.Duration(ms) * time.Millisecond
}

func decodeText(a action) (string, error) {
	if a.kind != "msgb64" {
		return a.arg, nil
	}
	raw, err := base64.StdEncoding.DecodeString(a.arg)
	if err != nil {
		return "", fmt.Errorf("dummy msgb64 decode failed: %w", err)
	}
	return string(raw), nil
}

func emptyAs(v string, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

// Source replays scripted messages as updates for a single chat.
// Actions: ok (no updates), msg:<text>, msgb64:<base64>, err:<class>, sleep:<ms>.
type Source struct {
	mu       sync.Mutex
	poll     *scriptRunner
	chatID   int64
	updateID int64
}

func NewSource(script string, chatID int64) (*Source, error) {
	poll, err := newRunner(script)
	if err != nil {
		return nil, err
	}
	return &Source{poll: poll, chatID: chatID}, nil
}

func (s *Source) GetUpdates(offset int64, timeout int) ([]cmdpkg.Update, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if offset > s.updateID+1 {
		s.updateID = offset - 1
	}
	a := s.poll.next()
	switch a.kind {
	case "err":
		return nil, fmt.Errorf("dummy source error class=%s", emptyAs(a.arg, "command_source_api"))
	case "sleep":
		time.Sleep(sleepFor(a.arg))
		return nil, nil
	case "msg", "msgb64":
		text, err := decodeText(a)
		if err != nil {
			return nil, err
		}
		s.updateID++
		return []cmdpkg.Update{{
			UpdateID: s.updateID,
			Message: &cmdpkg.Message{
				Chat: cmdpkg.Chat{ID: s.chatID},
				From: &cmdpkg.User{ID: s.chatID, FirstName: "Dummy"},
				Text: &text,
				Date: time.Now().Unix(),
			},
		}}, nil
	default:
		return nil, nil
	}
}

// Sent is one message delivered through a Messenger.
type Sent struct {
	ChatID    int64
	Text      string
	ParseMode string
}

// Messenger records replies. Its script decides per send whether delivery
// fails: ok, err:<class> or sleep:<ms>.
type Messenger struct {
	mu     sync.Mutex
	send   *scriptRunner
	sent   []Sent
	typing int
}

func NewMessenger(script string) (*Messenger, error) {
	send, err := newRunner(script)
	if err != nil {
		return nil, err
	}
	return &Messenger{send: send}, nil
}

func (m *Messenger) SendMessage(chatID int64, text string, parseMode string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.send.next()
	switch a.kind {
	case "err":
		return fmt.Errorf("dummy messenger send error class=%s", emptyAs(a.arg, "command_source_api"))
	case "sleep":
		time.Sleep(sleepFor(a.arg))
	}
	m.sent = append(m.sent, Sent{ChatID: chatID, Text: text, ParseMode: parseMode})
	return nil
}

func (m *Messenger) SendTyping(chatID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.typing++
	return nil
}

// Sent returns a copy of every delivered message in order.
func (m *Messenger) Sent() []Sent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Sent(nil), m.sent...)
}

// Typing returns how many typing indicators were sent.
func (m *Messenger) Typing() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.typing
}

// Provider answers completions from a script.
// Actions: ok, msg:<text>, msgb64:<base64>, echo, blocked[:reason],
// malformed[:reason], err:<kind>, sleep:<ms>.
type Provider struct {
	mu     sync.Mutex
	model  string
	script *scriptRunner
	calls  [][]session.Turn
}

func NewProvider(model, script string) (*Provider, error) {
	runner, err := newRunner(script)
	if err != nil {
		return nil, err
	}
	return &Provider{model: model, script: runner}, nil
}

// Calls returns the turn sequences the provider has been asked to complete.
func (p *Provider) Calls() [][]session.Turn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]session.Turn(nil), p.calls...)
}

func (p *Provider) Complete(ctx context.Context, turns []session.Turn) (completion.Result, error) {
	p.mu.Lock()
	p.calls = append(p.calls, append([]session.Turn(nil), turns...))
	a := p.script.next()
	p.mu.Unlock()

	switch a.kind {
	case "err":
		kind := completion.Kind(emptyAs(a.arg, string(completion.KindUnavailable)))
		return completion.Result{}, &completion.Error{Kind: kind, Err: errors.New("dummy provider error")}
	case "sleep":
		select {
		case <-time.After(sleepFor(a.arg)):
		case <-ctx.Done():
			return completion.Result{}, &completion.Error{Kind: completion.KindTimeout, Err: ctx.Err()}
		}
		return text("dummy-after-sleep"), nil
	case "blocked":
		return completion.Result{Outcome: completion.OutcomeBlocked, Reason: emptyAs(a.arg, "dummy")}, nil
	case "malformed":
		return completion.Result{Outcome: completion.OutcomeMalformed, Reason: emptyAs(a.arg, "dummy")}, nil
	case "echo":
		last := ""
		if len(turns) > 0 {
			last = turns[len(turns)-1].Text
		}
		return text("echo: " + last), nil
	case "msg", "msgb64":
		s, err := decodeText(a)
		if err != nil {
			return completion.Result{}, &completion.Error{Kind: completion.KindMalformed, Err: err}
		}
		return text(s), nil
	default:
		return text(emptyAs(a.arg, "dummy-ok")), nil
	}
}

func text(s string) completion.Result {
	return completion.Result{Outcome: completion.OutcomeText, Text: s, InputTokens: 1, OutputTokens: 1}
}
