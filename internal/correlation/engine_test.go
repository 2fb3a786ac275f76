package correlation

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cykonova/litellm/internal/wire"
)

// captureSender records every frame handed to the transport.
type captureSender struct {
	mu     sync.Mutex
	frames [][]byte
	err    error // returned by Send when non-nil
}

func (s *captureSender) Send(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.frames = append(s.frames, data)
	return nil
}

// lastRequestID decodes the correlation id of the most recent sent frame.
func (s *captureSender) lastRequestID(t *testing.T) string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		t.Fatal("no frame was sent")
	}
	var f wire.Frame
	if err := json.Unmarshal(s.frames[len(s.frames)-1], &f); err != nil {
		t.Fatalf("sent frame is not valid JSON: %v", err)
	}
	if f.RequestID == "" {
		t.Fatal("sent frame has no request_id")
	}
	return f.RequestID
}

func chatReq(stream bool) wire.ChatCompletionRequest {
	return wire.ChatCompletionRequest{
		Model:    "gpt-3.5-turbo",
		Messages: []wire.Message{{Role: "user", Content: "hi"}},
		Stream:   stream,
	}
}

func chunkFrame(id, content string) wire.Frame {
	data, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{{"delta": map[string]string{"content": content}}},
	})
	return wire.Frame{Type: wire.FrameTypeStreamChunk, RequestID: id, Data: data}
}

func completionFrame(id, content string) wire.Frame {
	data, _ := json.Marshal(map[string]any{
		"choices": []map[string]any{{"message": map[string]string{"role": "assistant", "content": content}}},
	})
	return wire.Frame{Type: wire.FrameTypeCompletion, RequestID: id, Data: data}
}

func waitSettled(t *testing.T, call *Call) {
	t.Helper()
	select {
	case <-call.Done:
	case <-time.After(5 * time.Second):
		t.Fatal("call did not settle")
	}
}

func TestIssue_AssignsUniqueIDs(t *testing.T) {
	sender := &captureSender{}
	e := New(sender)

	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		if _, err := e.Issue(chatReq(false), nil); err != nil {
			t.Fatalf("Issue failed: %v", err)
		}
		id := sender.lastRequestID(t)
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate request_id %q", id)
		}
		seen[id] = struct{}{}
	}
	if got := e.Pending(); got != 100 {
		t.Errorf("Pending() = %d, want 100", got)
	}
}

func TestStreaming_AccumulatesInOrder(t *testing.T) {
	sender := &captureSender{}
	e := New(sender)

	var deltas []string
	call, err := e.Issue(chatReq(true), func(d string) {
		deltas = append(deltas, d)
	})
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	id := sender.lastRequestID(t)

	e.HandleFrame(chunkFrame(id, "A"))
	e.HandleFrame(chunkFrame(id, ""))  // empty delta: skipped, observer not called
	e.HandleFrame(chunkFrame(id, "B"))
	e.HandleFrame(wire.Frame{Type: wire.FrameTypeStreamComplete, RequestID: id})

	waitSettled(t, call)
	if call.Err() != nil {
		t.Fatalf("unexpected error: %v", call.Err())
	}
	if call.Result() != "AB" {
		t.Errorf("Result() = %q, want %q", call.Result(), "AB")
	}
	if len(deltas) != 2 || deltas[0] != "A" || deltas[1] != "B" {
		t.Errorf("observer saw %v, want [A B]", deltas)
	}
	if e.Pending() != 0 {
		t.Errorf("Pending() = %d after completion, want 0", e.Pending())
	}
}

func TestStreaming_NilObserver(t *testing.T) {
	sender := &captureSender{}
	e := New(sender)

	call, err := e.Issue(chatReq(true), nil)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	id := sender.lastRequestID(t)

	e.HandleFrame(chunkFrame(id, "hello"))
	e.HandleFrame(wire.Frame{Type: wire.FrameTypeStreamComplete, RequestID: id})

	waitSettled(t, call)
	if call.Result() != "hello" {
		t.Errorf("Result() = %q, want %q", call.Result(), "hello")
	}
}

func TestUnary_ResolvesWithMessageContent(t *testing.T) {
	sender := &captureSender{}
	e := New(sender)

	call, err := e.Issue(chatReq(false), nil)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	id := sender.lastRequestID(t)

	e.HandleFrame(completionFrame(id, "4"))

	waitSettled(t, call)
	if call.Err() != nil {
		t.Fatalf("unexpected error: %v", call.Err())
	}
	if call.Result() != "4" {
		t.Errorf("Result() = %q, want %q", call.Result(), "4")
	}
}

func TestUnary_ResolvesWithRawPayloadWhenNoContent(t *testing.T) {
	sender := &captureSender{}
	e := New(sender)

	call, err := e.Issue(chatReq(false), nil)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	id := sender.lastRequestID(t)

	raw := `{"result":"ok","usage":{"total_tokens":7}}`
	e.HandleFrame(wire.Frame{
		Type:      wire.FrameTypeCompletion,
		RequestID: id,
		Data:      json.RawMessage(raw),
	})

	waitSettled(t, call)
	if call.Result() != raw {
		t.Errorf("Result() = %q, want raw payload %q", call.Result(), raw)
	}
}

func TestErrorFrame_RejectsAnyMode(t *testing.T) {
	for _, stream := range []bool{true, false} {
		t.Run(fmt.Sprintf("stream=%v", stream), func(t *testing.T) {
			sender := &captureSender{}
			e := New(sender)

			call, err := e.Issue(chatReq(stream), nil)
			if err != nil {
				t.Fatalf("Issue failed: %v", err)
			}
			id := sender.lastRequestID(t)

			e.HandleFrame(wire.Frame{Type: wire.FrameTypeError, RequestID: id, Error: "model overloaded"})

			waitSettled(t, call)
			var peerErr *PeerError
			if !errors.As(call.Err(), &peerErr) {
				t.Fatalf("Err() = %v, want *PeerError", call.Err())
			}
			if peerErr.Message != "model overloaded" {
				t.Errorf("peer message = %q, want %q", peerErr.Message, "model overloaded")
			}
			if e.Pending() != 0 {
				t.Errorf("Pending() = %d after error, want 0", e.Pending())
			}
		})
	}
}

func TestRouting_FramesReachOnlyMatchingExchange(t *testing.T) {
	sender := &captureSender{}
	e := New(sender)

	var deltasA, deltasB []string
	callA, err := e.Issue(chatReq(true), func(d string) { deltasA = append(deltasA, d) })
	if err != nil {
		t.Fatalf("Issue A failed: %v", err)
	}
	idA := sender.lastRequestID(t)

	callB, err := e.Issue(chatReq(true), func(d string) { deltasB = append(deltasB, d) })
	if err != nil {
		t.Fatalf("Issue B failed: %v", err)
	}
	idB := sender.lastRequestID(t)

	e.HandleFrame(chunkFrame(idA, "a1"))
	e.HandleFrame(chunkFrame(idB, "b1"))
	e.HandleFrame(chunkFrame(idA, "a2"))
	e.HandleFrame(wire.Frame{Type: wire.FrameTypeStreamComplete, RequestID: idA})
	e.HandleFrame(chunkFrame(idB, "b2"))
	e.HandleFrame(wire.Frame{Type: wire.FrameTypeStreamComplete, RequestID: idB})

	waitSettled(t, callA)
	waitSettled(t, callB)
	if callA.Result() != "a1a2" {
		t.Errorf("A resolved %q, want a1a2", callA.Result())
	}
	if callB.Result() != "b1b2" {
		t.Errorf("B resolved %q, want b1b2", callB.Result())
	}
	if len(deltasA) != 2 || len(deltasB) != 2 {
		t.Errorf("observers saw A=%v B=%v, want 2 each", deltasA, deltasB)
	}
}

func TestUnmatchedFrames_AreDropped(t *testing.T) {
	sender := &captureSender{}
	e := New(sender)

	// No exchange at all.
	e.HandleFrame(chunkFrame("no-such-id", "x"))
	e.HandleFrame(wire.Frame{Type: wire.FrameTypePong, RequestID: "no-such-id"})
	e.HandleFrame(wire.Frame{Type: wire.FrameTypeError, RequestID: "", Error: "boom"})

	// A live exchange must be untouched by frames for other ids.
	call, err := e.Issue(chatReq(false), nil)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	e.HandleFrame(completionFrame("some-other-id", "not yours"))

	select {
	case <-call.Done:
		t.Fatal("exchange settled from a frame with a different request_id")
	case <-time.After(50 * time.Millisecond):
	}
	if e.Pending() != 1 {
		t.Errorf("Pending() = %d, want 1", e.Pending())
	}
}

func TestExactlyOnce_FramesAfterTerminalAreDropped(t *testing.T) {
	sender := &captureSender{}
	e := New(sender)

	calls := 0
	call, err := e.Issue(chatReq(true), func(string) { calls++ })
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	id := sender.lastRequestID(t)

	e.HandleFrame(chunkFrame(id, "A"))
	e.HandleFrame(wire.Frame{Type: wire.FrameTypeStreamComplete, RequestID: id})
	waitSettled(t, call)

	// Anything after the terminal frame is unmatched.
	e.HandleFrame(chunkFrame(id, "B"))
	e.HandleFrame(wire.Frame{Type: wire.FrameTypeStreamComplete, RequestID: id})
	e.HandleFrame(wire.Frame{Type: wire.FrameTypeError, RequestID: id, Error: "late"})

	if call.Result() != "A" {
		t.Errorf("Result() = %q, want %q", call.Result(), "A")
	}
	if call.Err() != nil {
		t.Errorf("late error frame mutated a settled exchange: %v", call.Err())
	}
	if calls != 1 {
		t.Errorf("observer called %d times, want 1", calls)
	}
	if e.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", e.Pending())
	}
}

func TestHeartbeat_PongResolvesAndCancelsTimer(t *testing.T) {
	sender := &captureSender{}
	e := New(sender, WithPingTimeout(100*time.Millisecond))

	call, err := e.Heartbeat()
	if err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}
	id := sender.lastRequestID(t)

	e.HandleFrame(wire.Frame{Type: wire.FrameTypePong, RequestID: id})
	waitSettled(t, call)
	if call.Err() != nil {
		t.Fatalf("Err() = %v, want nil", call.Err())
	}

	// Give the canceled timer a chance to fire; the settlement must hold.
	time.Sleep(200 * time.Millisecond)
	if call.Err() != nil {
		t.Errorf("timeout fired after pong: %v", call.Err())
	}
	if e.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", e.Pending())
	}
}

func TestHeartbeat_TimeoutRejectsAndLatePongIsDropped(t *testing.T) {
	sender := &captureSender{}
	e := New(sender, WithPingTimeout(20*time.Millisecond))

	call, err := e.Heartbeat()
	if err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}
	id := sender.lastRequestID(t)

	waitSettled(t, call)
	if !errors.Is(call.Err(), ErrPingTimeout) {
		t.Fatalf("Err() = %v, want ErrPingTimeout", call.Err())
	}
	if e.Pending() != 0 {
		t.Fatalf("Pending() = %d after timeout, want 0", e.Pending())
	}

	// The late pong is unmatched and must not flip the outcome.
	e.HandleFrame(wire.Frame{Type: wire.FrameTypePong, RequestID: id})
	if !errors.Is(call.Err(), ErrPingTimeout) {
		t.Errorf("late pong mutated a settled exchange: %v", call.Err())
	}
}

func TestHeartbeat_SendsPingFrame(t *testing.T) {
	sender := &captureSender{}
	e := New(sender, WithPingTimeout(time.Second))

	if _, err := e.Heartbeat(); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}

	var f wire.Frame
	if err := json.Unmarshal(sender.frames[0], &f); err != nil {
		t.Fatalf("sent ping is not valid JSON: %v", err)
	}
	if f.Type != wire.FrameTypePing {
		t.Errorf("sent frame type = %q, want ping", f.Type)
	}
	if f.RequestID == "" {
		t.Error("ping frame has no request_id")
	}
}

func TestIssue_SendFailureRemovesExchange(t *testing.T) {
	sendErr := errors.New("broken pipe")
	sender := &captureSender{err: sendErr}
	e := New(sender)

	if _, err := e.Issue(chatReq(false), nil); !errors.Is(err, sendErr) {
		t.Fatalf("Issue error = %v, want wrapped %v", err, sendErr)
	}
	if e.Pending() != 0 {
		t.Errorf("Pending() = %d after failed send, want 0", e.Pending())
	}
}

func TestCancel_RejectsLocally(t *testing.T) {
	sender := &captureSender{}
	e := New(sender)

	call, err := e.Issue(chatReq(false), nil)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	id := sender.lastRequestID(t)
	sent := len(sender.frames)

	e.Cancel(call)
	waitSettled(t, call)
	if !errors.Is(call.Err(), ErrCanceled) {
		t.Fatalf("Err() = %v, want ErrCanceled", call.Err())
	}
	if len(sender.frames) != sent {
		t.Error("Cancel notified the peer; it must be local only")
	}

	// The peer's eventual reply is unmatched.
	e.HandleFrame(completionFrame(id, "too late"))
	if !errors.Is(call.Err(), ErrCanceled) {
		t.Errorf("reply after cancel mutated the exchange: %v", call.Err())
	}

	// Canceling twice is a no-op.
	e.Cancel(call)
}

func TestShutdown_RejectsAllPending(t *testing.T) {
	sender := &captureSender{}
	e := New(sender)

	cause := errors.New("unexpected EOF")
	var calls []*Call
	for i := 0; i < 3; i++ {
		call, err := e.Issue(chatReq(i%2 == 0), nil)
		if err != nil {
			t.Fatalf("Issue failed: %v", err)
		}
		calls = append(calls, call)
	}
	hb, err := e.Heartbeat()
	if err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}
	calls = append(calls, hb)

	e.Shutdown(cause)
	for i, call := range calls {
		waitSettled(t, call)
		if !errors.Is(call.Err(), ErrConnectionClosed) {
			t.Errorf("call %d: Err() = %v, want ErrConnectionClosed", i, call.Err())
		}
		if !errors.Is(call.Err(), cause) {
			t.Errorf("call %d: Err() = %v, want it to wrap the cause", i, call.Err())
		}
	}
	if e.Pending() != 0 {
		t.Errorf("Pending() = %d after shutdown, want 0", e.Pending())
	}

	// New work fails fast after shutdown.
	if _, err := e.Issue(chatReq(false), nil); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("Issue after shutdown = %v, want ErrConnectionClosed", err)
	}
	if _, err := e.Heartbeat(); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("Heartbeat after shutdown = %v, want ErrConnectionClosed", err)
	}

	// Idempotent.
	e.Shutdown(nil)
}

func TestShutdown_RaceWithFrames(t *testing.T) {
	sender := &captureSender{}
	e := New(sender)

	var calls []*Call
	ids := make([]string, 0, 50)
	for i := 0; i < 50; i++ {
		call, err := e.Issue(chatReq(false), nil)
		if err != nil {
			t.Fatalf("Issue failed: %v", err)
		}
		calls = append(calls, call)
		ids = append(ids, sender.lastRequestID(t))
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for _, id := range ids {
			e.HandleFrame(completionFrame(id, "done"))
		}
	}()
	go func() {
		defer wg.Done()
		e.Shutdown(errors.New("closing"))
	}()
	wg.Wait()

	// Every call settled exactly once, with either outcome.
	for i, call := range calls {
		waitSettled(t, call)
		settledOK := call.Err() == nil && call.Result() == "done"
		settledClosed := errors.Is(call.Err(), ErrConnectionClosed)
		if !settledOK && !settledClosed {
			t.Errorf("call %d settled with unexpected state: result=%q err=%v",
				i, call.Result(), call.Err())
		}
	}
	if e.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", e.Pending())
	}
}
