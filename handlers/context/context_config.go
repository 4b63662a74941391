package context

import (
	"fmt"

	"docvoice/core"
)

// InitialMessages seeds a conversation. With a document the greeting turn
// carries the file reference so the model can read it from the first turn.
func InitialMessages(document *core.DocumentPart) []core.LLMMessage {
	if document == nil {
		return []core.LLMMessage{
			{Role: core.LLMMessageRoleSystem, Message: SYSTEM_PROMPT_WITHOUT_DOCUMENT},
			{Role: core.LLMMessageRoleUser, Message: GREETING_WITHOUT_DOCUMENT},
		}
	}
	title := document.Title
	if title == "" {
		title = "document"
	}
	doc := *document
	return []core.LLMMessage{
		{Role: core.LLMMessageRoleSystem, Message: SYSTEM_PROMPT_WITH_DOCUMENT},
		{Role: core.LLMMessageRoleUser, Message: fmt.Sprintf(GREETING_WITH_DOCUMENT, title), Document: &doc},
	}
}
