package commander

// Source is the inbound update abstraction used by the long-poll loop.
type Source interface {
	GetUpdates(offset int64, timeout int) ([]Update, error)
}

// Messenger delivers replies to a chat.
type Messenger interface {
	SendMessage(chatID int64, text string, parseMode string) error
	SendTyping(chatID int64) error
}

// Update represents an incoming update.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message,omitempty"`
}

// Message represents a source message.
type Message struct {
	Chat Chat    `json:"chat"`
	From *User   `json:"from,omitempty"`
	Text *string `json:"text,omitempty"`
	Date int64   `json:"date"`
}

// Chat identifies a conversation.
type Chat struct {
	ID int64 `json:"id"`
}

// User is the sender of a message.
type User struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
}

// SenderName returns the sender's first name or fallback.
func (m *Message) SenderName(fallback string) string {
	if m == nil || m.From == nil || m.From.FirstName == "" {
		return fallback
	}
	return m.From.FirstName
}

// Parse modes understood by Messenger.SendMessage.
const (
	ParseModePlain = ""
	ParseModeHTML  = "HTML"
)
