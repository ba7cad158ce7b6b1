package reducer

import (
	"fmt"
	"strings"

	"github.com/CoteTommy/Weft-App-sub000/internal/model"
)

// NoMessagesPreview is shown for a thread without any message content.
const NoMessagesPreview = "No messages yet"

// ThreadPreview renders the preview line from the newest message. msgs must
// be ordered oldest first.
func ThreadPreview(msgs []model.Message) string {
	if len(msgs) == 0 {
		return NoMessagesPreview
	}
	m := msgs[len(msgs)-1]
	if body := strings.TrimSpace(m.Body); body != "" {
		return body
	}
	switch n := len(m.Attachments); {
	case n == 1:
		return "1 attachment"
	case n > 1:
		return fmt.Sprintf("%d attachments", n)
	}
	if m.Paper != nil && strings.TrimSpace(m.Paper.Title) != "" {
		return strings.TrimSpace(m.Paper.Title)
	}
	return NoMessagesPreview
}
