package msg

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"
)

func sampleTrace() TraceMsg {
	return TraceMsg{
		Timestamp:  time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC),
		ThreadName: "worker-2",
		ThreadID:   17,
		Body:       json.RawMessage(`{"level":"INFO","text":"batch committed"}`),
	}
}

func TestCodecForCoversEveryFormat(t *testing.T) {
	for _, f := range []Format{FormatJSON, FormatCBOR, FormatMsgpack} {
		if got := CodecFor(f).Format(); got != f {
			t.Errorf("CodecFor(%s).Format() = %s", f, got)
		}
	}
}

func TestCodecTraceRoundTrip(t *testing.T) {
	want := sampleTrace()
	for _, f := range []Format{FormatJSON, FormatCBOR, FormatMsgpack} {
		t.Run(f.String(), func(t *testing.T) {
			codec := CodecFor(f)
			data, err := codec.Marshal(want)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			var got TraceMsg
			if err := codec.Unmarshal(data, &got); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if !got.Timestamp.Equal(want.Timestamp) {
				t.Errorf("timestamp: got %v, want %v", got.Timestamp, want.Timestamp)
			}
			if got.ThreadName != want.ThreadName || got.ThreadID != want.ThreadID {
				t.Errorf("thread: got %s/%d, want %s/%d",
					got.ThreadName, got.ThreadID, want.ThreadName, want.ThreadID)
			}
			if len(got.Body) == 0 {
				t.Error("body lost in round trip")
			}
		})
	}
}

func TestCBOREncodingIsDeterministic(t *testing.T) {
	codec := CodecFor(FormatCBOR)
	m := ObserveHello("01HV3ZK8", ClientInfo{
		Hello: Hello{ClientName: "pusher-a"},
		Role:  RolePusher,
	})

	first, err := codec.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	second, err := codec.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Error("same value produced different CBOR bytes")
	}
}

func TestCloseMsgOutcome(t *testing.T) {
	ok := CloseOK(GraceRequested)
	if !ok.IsOK() {
		t.Error("CloseOK not reported as ok")
	}
	if *ok.OK != GraceRequested {
		t.Errorf("grace = %s, want requested", ok.OK)
	}

	errMsg := CloseError(CloseErrBulkPush, "insert failed")
	if errMsg.IsOK() {
		t.Error("CloseError reported as ok")
	}
	if errMsg.Err.Kind != CloseErrBulkPush || errMsg.Err.Text != "insert failed" {
		t.Errorf("unexpected close error: %+v", errMsg.Err)
	}
}
