package tab

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

// TranscriptFormat selects the transcript export shape.
type TranscriptFormat string

const (
	FormatMarkdown TranscriptFormat = "markdown"
	FormatHTML     TranscriptFormat = "html"
)

// Transcript renders a session's turn history for human review. Markdown
// is the source form; HTML is produced by converting it with goldmark.
// Agent content passes through verbatim, so HTML export of untrusted
// content should stay behind a sanitizer.
func Transcript(s *Session, format TranscriptFormat) (string, error) {
	md := transcriptMarkdown(s)
	switch format {
	case FormatMarkdown, "":
		return md, nil
	case FormatHTML:
		gm := goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithRendererOptions(html.WithHardWraps()),
		)
		var buf bytes.Buffer
		if err := gm.Convert([]byte(md), &buf); err != nil {
			return "", fmt.Errorf("render transcript: %w", err)
		}
		return buf.String(), nil
	default:
		return "", &ErrValidation{Field: "format", Reason: "unknown format: " + string(format)}
	}
}

func transcriptMarkdown(s *Session) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", s.Topic)
	fmt.Fprintf(&b, "- Session: `%s`\n", s.ID)
	fmt.Fprintf(&b, "- Status: %s\n", s.Status)
	if reason := s.Metadata["termination_reason"]; reason != "" {
		fmt.Fprintf(&b, "- Termination: %s\n", reason)
	}
	fmt.Fprintf(&b, "- Turns: %d/%d\n", s.CurrentTurn, s.MaxTurns)
	fmt.Fprintf(&b, "- Cost: %.4f/%.4f\n", s.TotalCost, s.Budget)
	fmt.Fprintf(&b, "- Participants: %s\n\n", strings.Join(s.Participants, ", "))

	for i, t := range s.TurnHistory {
		fmt.Fprintf(&b, "## Turn %d: %s -> %s\n\n", i+1, t.FromAgent, t.ToAgent)
		fmt.Fprintf(&b, "_%s, cost %.4f_\n\n", t.Timestamp.Format(time.RFC3339), t.Cost)
		b.WriteString(strings.TrimRight(t.Content, "\n"))
		b.WriteString("\n\n")
		for _, att := range t.Attachments {
			fmt.Fprintf(&b, "- attachment: `%s` (%s, %d bytes)\n", att.Name, att.ContentType, att.Size)
		}
		if len(t.Attachments) > 0 {
			b.WriteString("\n")
		}
	}
	return b.String()
}
