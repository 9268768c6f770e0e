// Package tokencount estimates prompt token counts for pre-admission
// checks. It uses the cl100k_base BPE as a uniform approximation across
// providers; exact accounting always comes from the provider's reported
// usage after the call.
package tokencount

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/stratos-labs/ai-gateway/providers"
)

// perMessageOverhead approximates the chat-format framing tokens added per
// message.
const perMessageOverhead = 4

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

func enc() *tiktoken.Tiktoken {
	encodingOnce.Do(func() {
		// Error ignored deliberately: when the BPE ranks cannot be loaded
		// (offline build), the byte-length fallback below takes over.
		encoding, _ = tiktoken.GetEncoding("cl100k_base")
	})
	return encoding
}

// EstimateText returns the approximate token count of a text fragment.
func EstimateText(text string) int {
	if e := enc(); e != nil {
		return len(e.Encode(text, nil, nil))
	}
	// Rough fallback: one token per four bytes.
	return (len(text) + 3) / 4
}

// EstimateMessages returns the approximate prompt token count of a chat
// request.
func EstimateMessages(messages []providers.Message) int {
	total := 0
	for _, m := range messages {
		// Text parts are already collapsed into Content by Message
		// unmarshalling, so Content alone covers multimodal messages too.
		total += perMessageOverhead + EstimateText(m.Content)
	}
	return total
}
