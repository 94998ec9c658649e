package protocol_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"corebus/pkg/protocol"
)

func TestMessage_KindTaggedEnvelope(t *testing.T) {
	t.Parallel()

	msg := protocol.Message{
		Kind: protocol.MsgResult,
		Result: &protocol.ResultPayload{
			WorkerID: "w1",
			TaskID:   "t1",
			Result:   protocol.ResultDone,
			Data:     json.RawMessage(`{"valid":true}`),
		},
	}
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if string(raw["kind"]) != `"result"` {
		t.Errorf("kind = %s", raw["kind"])
	}
	// Only the payload matching the kind is present.
	for _, key := range []string{"attach", "task", "event", "ack", "token"} {
		if _, ok := raw[key]; ok {
			t.Errorf("unexpected key %q in %s", key, data)
		}
	}
}

func TestSubmitPayload_MaxWait(t *testing.T) {
	t.Parallel()

	p := protocol.SubmitPayload{MaxWaitMS: 1500}
	if p.MaxWait() != 1500*time.Millisecond {
		t.Errorf("MaxWait = %v", p.MaxWait())
	}
	if (protocol.SubmitPayload{}).MaxWait() != 0 {
		t.Error("zero MaxWaitMS should mean no explicit wait")
	}
}

func TestCodec_LinesInOrder(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	msgs := []protocol.Message{
		{Kind: protocol.MsgAttach, Attach: &protocol.AttachPayload{
			WorkerID:     "w1",
			Descriptions: []protocol.TaskDescription{{Name: "tag"}},
		}},
		{Kind: protocol.MsgHeartbeat, Heartbeat: &protocol.HeartbeatPayload{WorkerID: "w1"}},
		{Kind: protocol.MsgListTasks, Token: "s3cret"},
	}
	for _, m := range msgs {
		if err := protocol.WriteMessage(&buf, m); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if n := strings.Count(buf.String(), "\n"); n != len(msgs) {
		t.Fatalf("lines = %d, want %d", n, len(msgs))
	}

	scanner := protocol.NewScanner(&buf)
	first, err := protocol.ReadMessage(scanner)
	if err != nil || first.Kind != protocol.MsgAttach || first.Attach.WorkerID != "w1" {
		t.Fatalf("first = %+v, %v", first, err)
	}
	second, err := protocol.ReadMessage(scanner)
	if err != nil || second.Heartbeat == nil {
		t.Fatalf("second = %+v, %v", second, err)
	}
	third, err := protocol.ReadMessage(scanner)
	if err != nil || third.Token != "s3cret" {
		t.Fatalf("third = %+v, %v", third, err)
	}
	if _, err := protocol.ReadMessage(scanner); !errors.Is(err, io.EOF) {
		t.Fatalf("after last = %v, want io.EOF", err)
	}
}

func TestCodec_Malformed(t *testing.T) {
	t.Parallel()

	scanner := protocol.NewScanner(strings.NewReader("{not json}\n"))
	_, err := protocol.ReadMessage(scanner)
	if err == nil || errors.Is(err, io.EOF) {
		t.Fatalf("err = %v, want decode error", err)
	}
}

func TestCodec_OversizedLine(t *testing.T) {
	t.Parallel()

	line := `{"kind":"submit","submit":{"name":"tag","payload":"` + strings.Repeat("x", protocol.MaxMessageSize) + `"}}` + "\n"
	scanner := protocol.NewScanner(strings.NewReader(line))
	_, err := protocol.ReadMessage(scanner)
	if err == nil || errors.Is(err, io.EOF) {
		t.Fatalf("err = %v, want read error", err)
	}
}
