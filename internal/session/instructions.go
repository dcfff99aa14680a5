package session

import (
	"strings"
	"time"
)

// DefaultInstructions are the behavioural directives sent to the agent when
// no custom instructions are configured.
const DefaultInstructions = `You are a friendly voice assistant that helps the user manage a to-do list.
Keep spoken answers short. When the user asks you to remember, add, or schedule something, call the createTask tool.
Always convert relative dates such as "tomorrow" or "next Friday" into an absolute calendar date in YYYY-MM-DD format before calling a tool.
Only set a priority when the user states one or the urgency is obvious.`

// BuildInstructions returns the system instruction for a session opened at
// now. The current date and time are prepended to base so that the agent can
// resolve relative dates; an empty base selects [DefaultInstructions].
func BuildInstructions(base string, now time.Time) string {
	base = strings.TrimSpace(base)
	if base == "" {
		base = DefaultInstructions
	}

	var b strings.Builder
	b.WriteString("Current date and time: ")
	b.WriteString(now.Format("Monday, 2006-01-02 15:04 MST"))
	b.WriteString(". Today's date is ")
	b.WriteString(now.Format(time.DateOnly))
	b.WriteString(".\n\n")
	b.WriteString(base)
	return b.String()
}
