package completion

import (
	"strings"

	"github.com/stupiduntilnot/mctrelay/internal/session"
)

// Flatten renders turns as a plain transcript: the system instruction first,
// then one labelled paragraph per turn, ending with an open assistant cue.
func Flatten(turns []session.Turn) string {
	var b strings.Builder
	for _, turn := range turns {
		text := strings.TrimSpace(turn.Text)
		if text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		switch turn.Role {
		case session.RoleSystem:
			b.WriteString(text)
		case session.RoleUser:
			b.WriteString("User: ")
			b.WriteString(text)
		case session.RoleAssistant:
			b.WriteString("Assistant: ")
			b.WriteString(text)
		}
	}
	if b.Len() > 0 {
		b.WriteString("\n\n")
	}
	b.WriteString("Assistant:")
	return b.String()
}
