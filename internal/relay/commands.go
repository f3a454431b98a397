package relay

import (
	"context"
	"fmt"
	"strings"
)

// commandFunc produces the canned reply for a command. It may touch the
// session, as /reset does.
type commandFunc func(ctx context.Context, h *Handler, in inbound) (string, error)

func static(text string) commandFunc {
	return func(context.Context, *Handler, inbound) (string, error) {
		return text, nil
	}
}

var commands = map[string]commandFunc{
	"/help":     static(helpText),
	"/crisis":   static(crisisText),
	"/sos":      static(crisisText),
	"/mood":     static(moodText),
	"/journal":  static(journalText),
	"/exercise": static(exerciseText),
	"/reset":    resetCommand,
}

func resetCommand(ctx context.Context, h *Handler, in inbound) (string, error) {
	if err := h.store.Reset(ctx, in.sessionID); err != nil {
		return "", fmt.Errorf("reset session: %w", err)
	}
	return resetText, nil
}

// normalizeCommand folds case and surrounding whitespace so commands match
// exactly but case-insensitively.
func normalizeCommand(text string) string {
	return strings.ToLower(strings.TrimSpace(text))
}

func lookupCommand(text string) (string, commandFunc, bool) {
	name := normalizeCommand(text)
	fn, ok := commands[name]
	return name, fn, ok
}

