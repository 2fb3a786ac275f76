// Package wire defines the frame types exchanged with the LiteLLM WebSocket
// endpoint.
//
// # Protocol Overview
//
// Every frame is a single JSON object keyed by a "type" field. Frames that
// belong to a logical exchange carry a "request_id" used to route responses
// back to the caller that issued the request:
//
//	{
//	    "type": "stream_chunk",
//	    "request_id": "bf2c...",
//	    "data": { ... }  // type-specific payload
//	}
package wire

import "encoding/json"

// Frame is a decoded inbound message from the server.
type Frame struct {
	Type      string          `json:"type"`                 // Frame type (see FrameType* constants)
	RequestID string          `json:"request_id,omitempty"` // Correlation identifier
	Data      json.RawMessage `json:"data,omitempty"`       // Type-specific payload
	Error     string          `json:"error,omitempty"`      // Error description (error frames only)
}

// ParseFrame parses raw message bytes into a Frame.
func ParseFrame(data []byte) (Frame, error) {
	var f Frame
	err := json.Unmarshal(data, &f)
	return f, err
}

// =============================================================================
// Client → Server Frame Types
// =============================================================================

const (
	// FrameTypeChatCompletion requests a chat completion.
	// Fields: request_id, model, messages, stream, plus optional sampling
	// parameters and free-form extras.
	FrameTypeChatCompletion = "chat_completion"

	// FrameTypePing is a liveness probe. The server answers with a pong
	// carrying the same request_id.
	// Fields: request_id
	FrameTypePing = "ping"
)

// =============================================================================
// Server → Client Frame Types
// =============================================================================

const (
	// FrameTypeStreamChunk carries one streamed fragment of a completion.
	// Data: an OpenAI-style chunk; the text lives at choices[0].delta.content.
	FrameTypeStreamChunk = "stream_chunk"

	// FrameTypeStreamComplete signals the end of a streamed completion.
	// Data: none
	FrameTypeStreamComplete = "stream_complete"

	// FrameTypeCompletion carries a full non-streamed completion.
	// Data: an OpenAI-style response; the text lives at
	// choices[0].message.content.
	FrameTypeCompletion = "completion"

	// FrameTypeError reports a server-side failure for one exchange.
	// The description is in the top-level "error" field.
	FrameTypeError = "error"

	// FrameTypePong answers a ping.
	FrameTypePong = "pong"
)

// chunkPayload is the slice of the OpenAI chunk schema needed for routing
// streamed text. Everything else in the payload is passed through untouched.
type chunkPayload struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// StreamDelta extracts the text fragment from a stream_chunk payload.
// It returns "" when the payload carries no choices or an empty delta.
func StreamDelta(data json.RawMessage) string {
	if len(data) == 0 {
		return ""
	}
	var p chunkPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return ""
	}
	if len(p.Choices) == 0 {
		return ""
	}
	return p.Choices[0].Delta.Content
}

// completionPayload is the slice of the OpenAI response schema needed to
// extract the final message text.
type completionPayload struct {
	Choices []struct {
		Message struct {
			Content *string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// MessageContent extracts the message text from a completion payload.
// The second return is false when the payload has no
// choices[0].message.content field, in which case callers should surface
// the raw payload instead.
func MessageContent(data json.RawMessage) (string, bool) {
	if len(data) == 0 {
		return "", false
	}
	var p completionPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return "", false
	}
	if len(p.Choices) == 0 || p.Choices[0].Message.Content == nil {
		return "", false
	}
	return *p.Choices[0].Message.Content, true
}
