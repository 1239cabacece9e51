package feedback

import (
	"fmt"
	"io"
	"strings"
	"time"
)

// WriteReport prints records of one session as a plain-text review: the
// score timeline first, then every post-call report. It writes a single
// line when there are no records.
func WriteReport(w io.Writer, sessionID string, records []Record) error {
	if len(records) == 0 {
		_, err := fmt.Fprintf(w, "no feedback recorded for session %s\n", sessionID)
		return err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "session %s", sessionID)
	if p := records[0].Persona; p != "" {
		fmt.Fprintf(&b, " (persona %s)", p)
	}
	b.WriteString("\n\n")

	var insights []Record
	for _, r := range records {
		switch r.Kind {
		case KindBehavior:
			if r.Scores == nil {
				continue
			}
			fmt.Fprintf(&b, "%s  rapport %.2f  trust %.2f  interest %.2f",
				r.Timestamp.Format(time.TimeOnly), r.Scores.Rapport, r.Scores.Trust, r.Scores.Interest)
			if r.Hint != "" {
				fmt.Fprintf(&b, "  hint: %s", r.Hint)
			}
			b.WriteByte('\n')
		case KindInsights:
			insights = append(insights, r)
		}
	}

	for _, r := range insights {
		if strings.TrimSpace(r.Markdown) == "" {
			continue
		}
		b.WriteString("\npost-call insights:\n\n")
		b.WriteString(strings.TrimRight(r.Markdown, "\n"))
		b.WriteByte('\n')
	}

	_, err := io.WriteString(w, b.String())
	return err
}
