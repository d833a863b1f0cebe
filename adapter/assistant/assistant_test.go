package assistant_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sticky-tools/sticky-kerneld/adapter"
	"github.com/sticky-tools/sticky-kerneld/adapter/assistant"
	"github.com/sticky-tools/sticky-kerneld/errs"
	"github.com/sticky-tools/sticky-kerneld/store"
)

// fakeScript is a minimal NDJSON assistant subprocess used to drive the
// adapter's readLoop without depending on a real assistant binary. It
// announces readiness, echoes user messages back as a streamed delta plus a
// completion, and on the text "trigger-tool" emits a tool-call that blocks
// until a tool-decision arrives.
const fakeScript = `
import json
import sys

def send(obj):
    sys.stdout.write(json.dumps(obj) + "\n")
    sys.stdout.flush()

send({"type": "ready"})

for line in sys.stdin:
    line = line.strip()
    if not line:
        continue
    msg = json.loads(line)
    if msg.get("type") == "user-message":
        text = msg.get("text", "")
        if text == "trigger-tool":
            send({"type": "tool-call", "id": "t1", "tool": "write_file", "isEdit": True, "input": {}})
            for reply in sys.stdin:
                reply = reply.strip()
                if not reply:
                    continue
                decision = json.loads(reply)
                if decision.get("type") == "tool-decision" and decision.get("id") == "t1":
                    send({"type": "tool-result", "id": "t1", "result": {"allowed": decision.get("allow")}})
                    break
            continue
        send({"type": "delta", "id": "m1", "delta": text})
        send({"type": "message-complete", "id": "m1"})
    elif msg.get("type") == "configure":
        pass
`

func writeFakeScript(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake_assistant.py")
	require.NoError(t, os.WriteFile(path, []byte(fakeScript), 0o755))
	return path
}

type recordedEvent struct {
	channel store.Channel
	typ     string
	payload json.RawMessage
}

type collector struct {
	ch chan recordedEvent
}

func newCollector() *collector {
	return &collector{ch: make(chan recordedEvent, 256)}
}

func (c *collector) emit(ch store.Channel, typ string, payload json.RawMessage) {
	c.ch <- recordedEvent{ch, typ, payload}
}

func (c *collector) waitFor(t *testing.T, channel store.Channel, typ string, timeout time.Duration) recordedEvent {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-c.ch:
			if ev.channel == channel && ev.typ == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s/%s event", channel, typ)
		}
	}
}

func createFake(t *testing.T, a *assistant.Adapter, mode assistant.PermissionMode) (adapter.Handle, *collector) {
	t.Helper()
	col := newCollector()
	meta, _ := json.Marshal(assistant.Metadata{
		Command:        "python3",
		Args:           []string{writeFakeScript(t)},
		PermissionMode: mode,
	})
	h, err := a.Create(context.Background(), t.TempDir(), meta, adapter.EmitFunc(col.emit))
	require.NoError(t, err)
	return h, col
}

func TestCreateWaitsForReadySignal(t *testing.T) {
	a := assistant.New("python3", 5*time.Second)
	h, _ := createFake(t, a, assistant.ModeDefault)
	defer a.Close(context.Background(), h, "done")
}

func TestCreateTimesOutWhenNoReadySignal(t *testing.T) {
	a := assistant.New("python3", 200*time.Millisecond)
	meta, _ := json.Marshal(assistant.Metadata{Command: "python3", Args: []string{"-c", "import time; time.sleep(5)"}})
	_, err := a.Create(context.Background(), t.TempDir(), meta, adapter.EmitFunc(func(store.Channel, string, json.RawMessage) {}))
	require.True(t, errs.Is(err, errs.SpawnTimeout))
}

func TestCreateFailsWhenSubprocessMissing(t *testing.T) {
	a := assistant.New("no-such-binary-anywhere", 2*time.Second)
	_, err := a.Create(context.Background(), t.TempDir(), nil, adapter.EmitFunc(func(store.Channel, string, json.RawMessage) {}))
	require.True(t, errs.Is(err, errs.SpawnFailed))
}

func TestSendInputProducesDeltaThenComplete(t *testing.T) {
	a := assistant.New("python3", 5*time.Second)
	h, col := createFake(t, a, assistant.ModeDefault)
	defer a.Close(context.Background(), h, "done")

	require.NoError(t, a.SendInput(context.Background(), h, []byte("hello there")))

	delta := col.waitFor(t, store.ChannelAssistantMessage, "delta", 5*time.Second)
	var deltaPayload struct{ Delta string }
	require.NoError(t, json.Unmarshal(delta.payload, &deltaPayload))
	require.Equal(t, "hello there", deltaPayload.Delta)

	complete := col.waitFor(t, store.ChannelAssistantMessage, "complete", 5*time.Second)
	var completePayload struct{ Text string }
	require.NoError(t, json.Unmarshal(complete.payload, &completePayload))
	require.Equal(t, "hello there", completePayload.Text)
}

func TestToolCallDefersToPendingDecisionInDefaultMode(t *testing.T) {
	a := assistant.New("python3", 5*time.Second)
	h, col := createFake(t, a, assistant.ModeDefault)
	defer a.Close(context.Background(), h, "done")

	require.NoError(t, a.SendInput(context.Background(), h, []byte("trigger-tool")))
	col.waitFor(t, store.ChannelToolCall, "requested", 5*time.Second)

	args, _ := json.Marshal(map[string]any{"id": "t1", "allow": true})
	require.NoError(t, a.PerformOperation(context.Background(), h, "tool-decision", args))

	result := col.waitFor(t, store.ChannelToolResult, "completed", 5*time.Second)
	var payload struct {
		Result struct {
			Allowed bool `json:"allowed"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(result.payload, &payload))
	require.True(t, payload.Result.Allowed)
}

func TestBypassPermissionsAutoAllowsEditToolCalls(t *testing.T) {
	a := assistant.New("python3", 5*time.Second)
	h, col := createFake(t, a, assistant.ModeBypassPermissions)
	defer a.Close(context.Background(), h, "done")

	require.NoError(t, a.SendInput(context.Background(), h, []byte("trigger-tool")))
	col.waitFor(t, store.ChannelToolCall, "requested", 5*time.Second)

	result := col.waitFor(t, store.ChannelToolResult, "completed", 5*time.Second)
	var payload struct {
		Result struct {
			Allowed bool `json:"allowed"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(result.payload, &payload))
	require.True(t, payload.Result.Allowed)
}

func TestUnsupportedOperationName(t *testing.T) {
	a := assistant.New("python3", 5*time.Second)
	h, _ := createFake(t, a, assistant.ModeDefault)
	defer a.Close(context.Background(), h, "done")

	err := a.PerformOperation(context.Background(), h, "rewind", nil)
	require.True(t, errs.Is(err, errs.UnsupportedOperation))
}

func TestCloseIsIdempotentAndStopsSink(t *testing.T) {
	a := assistant.New("python3", 5*time.Second)
	h, _ := createFake(t, a, assistant.ModeDefault)

	require.NoError(t, a.Close(context.Background(), h, "first"))
	require.NoError(t, a.Close(context.Background(), h, "second"))

	err := a.SendInput(context.Background(), h, []byte("too late"))
	require.True(t, errs.Is(err, errs.ClosedSink))
}

func TestReplayTranscriptFeedsStoredMessagesBack(t *testing.T) {
	a := assistant.New("python3", 5*time.Second)
	h, _ := createFake(t, a, assistant.ModeDefault)
	defer a.Close(context.Background(), h, "done")

	events := []store.Event{
		{Channel: store.ChannelAssistantMessage, Payload: json.RawMessage(`{"role":"user","text":"earlier"}`)},
		{Channel: store.ChannelStdout, Payload: json.RawMessage(`{"ignored":true}`)},
	}
	require.NoError(t, assistant.ReplayTranscript(h, events))
}

func TestResumeSpawnsFreshSubprocess(t *testing.T) {
	a := assistant.New("python3", 5*time.Second)
	meta, _ := json.Marshal(assistant.Metadata{Command: "python3", Args: []string{writeFakeScript(t)}})
	col := newCollector()
	h, err := a.Resume(context.Background(), t.TempDir(), meta, 0, adapter.EmitFunc(col.emit))
	require.NoError(t, err)
	defer a.Close(context.Background(), h, "done")

	require.NoError(t, a.SendInput(context.Background(), h, []byte("still alive")))
	col.waitFor(t, store.ChannelAssistantMessage, "complete", 5*time.Second)
}
