package relay

import (
	"fmt"
	"html"

	"github.com/stupiduntilnot/mctrelay/internal/completion"
)

// DefaultName addresses a sender who has no first name.
const DefaultName = "there"

const disclaimer = `⚠️ <b>IMPORTANT</b>
• This is psychoeducational support, not a replacement for professional therapy
• I do not diagnose or prescribe medication
• In a crisis, contact a specialist or emergency services (/crisis)`

func welcomeText(name string, needAck bool, phrase string) string {
	text := fmt.Sprintf(`🌿 Welcome, %s!

I am an AI assistant specialising in metacognitive therapy (MCT).

%s

🧠 I can help with:
• Understanding your thinking patterns
• Coping with anxiety and rumination
• Developing detached mindfulness
• Metacognitive therapy techniques`, html.EscapeString(name), disclaimer)

	if needAck {
		return text + "\n\n" + ackPromptText(phrase)
	}
	return text + "\n\nHow are you feeling today? What would you like to talk about?"
}

func ackPromptText(phrase string) string {
	return fmt.Sprintf(`Before we start, please confirm that you understand this assistant is not a therapist and cannot help in an emergency.

Reply with <b>%s</b> to continue.`, html.EscapeString(phrase))
}

const ackConfirmedText = `✅ Thank you. You can now talk to me freely.

How are you feeling today? Type /help to see what I can do.`

const helpText = `🌿 <b>HELP</b> – MCT assistant

🤖 How to use me:
• Tell me about your thoughts and emotions
• Ask about MCT techniques
• Work on your thinking patterns
• I am available 24/7

📋 Commands:
/crisis – crisis resources
/mood – a quick mood check-in
/journal – a journaling prompt
/exercise – a short MCT exercise
/reset – start the conversation over

💡 Example questions:
• "I keep worrying about..."
• "How do I deal with rumination?"
• "I feel anxious when I think about..."

Remember: this is psychoeducational support, not therapy!`

const crisisText = `🆘 <b>If you are in danger, call for help now.</b>

📞 Crisis lines:
• Emotional support helpline: <b>116 123</b>
• Emergency number: <b>112</b>
• Crisis support centre: <b>800 70 2222</b>

You do not have to go through this alone. If you are outside Poland, call your local emergency number.`

const moodText = `🌡️ <b>Mood check-in</b>

On a scale from 1 to 10, how are you feeling right now?
What thought has been taking up most of your attention today?

Just notice the thought. You do not have to answer it.`

const journalText = `📓 <b>Journaling prompt</b>

Write for five minutes about a worry that came back today:
• When did it start?
• How much time did you spend engaging with it?
• What would happen if you let it pass without analysing it?`

const exerciseText = `🧘 <b>Detached mindfulness</b>

1. Notice a thought as it appears.
2. Label it: "I am having the thought that..."
3. Imagine it as a cloud passing across the sky.
4. Do not push it away and do not follow it.
5. Bring your attention back to your breathing for one minute.

Tell me how it went.`

const resetText = `🔄 Our conversation has been cleared. Let's start fresh. What is on your mind?`

// apologyText answers any unexpected handler failure.
const apologyText = "Sorry, something went wrong. Please try again in a moment."

// fallbackText is the reply sent instead of a completion that failed.
func fallbackText(kind completion.Kind) string {
	switch kind {
	case completion.KindTimeout:
		return "Sorry, the AI request timed out. Please try again in a moment."
	case completion.KindRateLimited:
		return "Too many requests. Please wait a moment and try again."
	case completion.KindUnauthorized:
		return "There is a problem with API authorisation. Please contact the administrator."
	case completion.KindUnavailable:
		return "The AI service is temporarily unavailable. Please try again in a few minutes."
	case completion.KindBlocked:
		return "I can't respond to that message. If you are in crisis, type /crisis to see where to get help right now."
	case completion.KindMalformed:
		return "I received an empty response from the AI. Please try rephrasing your message."
	default:
		return "There was a problem with the AI. Try rephrasing your question or try again in a moment."
	}
}
