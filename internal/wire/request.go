package wire

import (
	"encoding/json"
	"fmt"
)

// Message is one entry of a chat conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatCompletionRequest is the outbound chat_completion frame.
//
// Extra holds free-form provider parameters (top_p, stop, user, ...) that
// are flattened into the top level of the JSON object, next to the named
// fields. Named fields win on key conflicts.
type ChatCompletionRequest struct {
	RequestID   string
	Model       string
	Messages    []Message
	Stream      bool
	Temperature *float64
	MaxTokens   *int
	Extra       map[string]any
}

// MarshalJSON flattens Extra into the frame object.
func (r ChatCompletionRequest) MarshalJSON() ([]byte, error) {
	obj := make(map[string]any, len(r.Extra)+7)
	for k, v := range r.Extra {
		obj[k] = v
	}
	obj["type"] = FrameTypeChatCompletion
	obj["request_id"] = r.RequestID
	obj["model"] = r.Model
	obj["messages"] = r.Messages
	obj["stream"] = r.Stream
	if r.Temperature != nil {
		obj["temperature"] = *r.Temperature
	}
	if r.MaxTokens != nil {
		obj["max_tokens"] = *r.MaxTokens
	}
	data, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("marshal chat_completion frame: %w", err)
	}
	return data, nil
}

// PingRequest is the outbound ping frame.
type PingRequest struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
}

// NewPingRequest builds a ping frame for the given correlation identifier.
func NewPingRequest(requestID string) PingRequest {
	return PingRequest{Type: FrameTypePing, RequestID: requestID}
}
