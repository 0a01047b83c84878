package dispatch

import (
	"fmt"
	"strings"

	"github.com/docvaulthq/chatrelay/internal/answer"
)

// lowConfidenceThreshold marks answers that get an uncertainty note.
const lowConfidenceThreshold = 0.5

// refusalMessage renders the backend's silence signal. An incorrect-looking
// answer is worse than none in a document-evidence context, so silence is
// always an explicit structured refusal, never a normal answer.
const refusalMessage = "I couldn't find enough evidence in your documents to answer that confidently.\n" +
	"Try rephrasing the question, or check that the relevant documents are uploaded and indexed."

// FormatAnswer renders an accumulated answer for the chat platform.
func FormatAnswer(result answer.Result) string {
	if result.Silent {
		return refusalMessage
	}
	var b strings.Builder
	if result.Confidence > 0 && result.Confidence < lowConfidenceThreshold {
		b.WriteString("Note: I'm not fully confident in this answer; please verify against the cited sources.\n\n")
	}
	b.WriteString(result.Text)
	if len(result.Citations) > 0 {
		b.WriteString("\n\nSources:")
		for _, citation := range result.Citations {
			title := citation.Title
			if title == "" {
				title = citation.DocumentID
			}
			b.WriteString("\n- " + title)
			if citation.Snippet != "" {
				b.WriteString(": " + truncate(citation.Snippet, 140))
			}
		}
	}
	return b.String()
}

// FormatTranscriptSummary renders the post-meeting summary message.
func FormatTranscriptSummary(topic string, result answer.Result) string {
	header := fmt.Sprintf("Meeting summary: %s", topic)
	if result.Silent || strings.TrimSpace(result.Text) == "" {
		return header + "\n\nThe transcript was saved to your document vault, but no summary could be produced."
	}
	return header + "\n\n" + result.Text + "\n\nThe full transcript was saved to your document vault."
}

func truncate(value string, limit int) string {
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return string(runes[:limit-1]) + "…"
}
