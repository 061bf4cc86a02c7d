package notify

import (
	"fmt"
	"html"
	"strings"

	"halbooking-notifier/pkg/notifier"
)

const (
	messageTitle  = "Nye tider lagt op!"
	messageHeader = "<u>Der er blevet lagt nye tider op</u>:"
)

var (
	weekdays = [...]string{"søn", "man", "tir", "ons", "tor", "fre", "lør"}
	months   = [...]string{"jan", "feb", "mar", "apr", "maj", "jun", "jul", "aug", "sep", "okt", "nov", "dec"}
)

// Compose builds the announcement for events, which must be non-empty and already ordered.
func Compose(events []notifier.Event) Message {
	var b strings.Builder
	b.WriteString(messageHeader)
	for _, e := range events {
		b.WriteString("\n- <b>")
		b.WriteString(html.EscapeString(e.Title))
		b.WriteString("</b>: ")
		b.WriteString(html.EscapeString(FormatStart(e)))
		if e.Location != "" {
			b.WriteString(" (")
			b.WriteString(html.EscapeString(e.Location))
			b.WriteString(")")
		}
	}

	return Message{
		Title:  messageTitle,
		Body:   b.String(),
		Events: append([]notifier.Event(nil), events...),
	}
}

// FormatStart renders the start time Danish style, e.g. "lør 10. jul 2021 kl. 10:00".
func FormatStart(e notifier.Event) string {
	t := e.Start
	return fmt.Sprintf("%s %d. %s %d kl. %02d:%02d",
		weekdays[t.Weekday()], t.Day(), months[t.Month()-1], t.Year(), t.Hour(), t.Minute())
}
