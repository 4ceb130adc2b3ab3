package protocol

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/atalii/ac-mon/internal/domain"
)

func testNCCodec() NetConnectionCodec {
	return NetConnectionCodec{
		RTMPURL: "rtmps://media.example:443/",
		SWFURL:  "https://meet.example/common/webrtchtml/index.html",
	}
}

func TestNetConnectionEncodeJoin(t *testing.T) {
	ticket := &domain.Ticket{
		Token: "abc123",
		Values: map[string]string{
			domain.ValueOrigin:      "meet-1:443",
			domain.ValueAppInstance: "7/AB12",
		},
	}

	data, err := testNCCodec().EncodeJoin(JoinRequest{RoomID: "R1", Ticket: ticket, Now: time.UnixMilli(1700000000123)})
	if err != nil {
		t.Fatalf("EncodeJoin: %v", err)
	}

	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["type"] != "NCFunc" || got["method"] != "connect" {
		t.Fatalf("unexpected header fields: %s", data)
	}
	if want := "rtmps://media.example:443/?rtmp://meet-1:443/meetingas3app/7/AB12/"; got["url"] != want {
		t.Fatalf("url = %v, want %s", got["url"], want)
	}
	params := got["params"].(map[string]any)
	if params["ticket"] != "abc123" || params["reconnection"] != false || params["Recording"] != false {
		t.Fatalf("unexpected params: %v", params)
	}
	if want := "https://meet.example/common/webrtchtml/index.html?timestamp=1700000000123"; params["swfUrl"] != want {
		t.Fatalf("swfUrl = %v, want %s", params["swfUrl"], want)
	}
}

func TestNetConnectionEncodeJoinNeedsValues(t *testing.T) {
	_, err := testNCCodec().EncodeJoin(JoinRequest{Ticket: &domain.Ticket{Token: "abc123"}})
	if !errors.Is(err, domain.ErrJoinRejected) {
		t.Fatalf("expected ErrJoinRejected, got %v", err)
	}
}

func TestNetConnectionAfterJoinAndLeave(t *testing.T) {
	frames := testNCCodec().AfterJoin()
	if len(frames) != 1 || string(frames[0]) != `{"type":"WSFunc","method":"startHeartbeat","value":true}` {
		t.Fatalf("unexpected post-join frames %q", frames)
	}
	leave, err := testNCCodec().EncodeLeave("R1", 1)
	if err != nil || leave != nil {
		t.Fatalf("leave should be a no-op, got %q, %v", leave, err)
	}
}

func TestNetConnectionDecode(t *testing.T) {
	access := func(f Frame) domain.Access {
		s, ok := f.(StatusUpdate)
		if !ok || s.Access == nil {
			return ""
		}
		return *s.Access
	}

	tests := []struct {
		name  string
		in    string
		check func(f Frame) bool
	}{
		{"connect success", `{"status":{"code":"NetConnection.Connect.Success"}}`,
			func(f Frame) bool { _, ok := f.(JoinAck); return ok }},
		{"connect rejected", `{"status":{"code":"NetConnection.Connect.Rejected"}}`,
			func(f Frame) bool { r, ok := f.(JoinReject); return ok && r.Reason == "NetConnection.Connect.Rejected" }},
		{"connect closed", `{"status":{"code":"NetConnection.Connect.Closed"}}`,
			func(f Frame) bool { _, ok := f.(SessionEnded); return ok }},
		{"other status", `{"status":{"code":"NetStream.Play.Start"}}`,
			func(f Frame) bool { _, ok := f.(Unknown); return ok }},
		{"heartbeat", `{"method":"heartbeat"}`,
			func(f Frame) bool { _, ok := f.(Keepalive); return ok }},
		{"login accepted", `{"method":"onCommand","command":"loginHandler","params":{"arg_0":{"command":"accepted"}}}`,
			func(f Frame) bool { return access(f) == domain.AccessOpen }},
		{"login blocked", `{"method":"onCommand","command":"loginHandler","params":{"arg_0":{"command":"blocked"}}}`,
			func(f Frame) bool { return access(f) == domain.AccessBlocked }},
		{"login waiting", `{"method":"onCommand","command":"loginHandler","params":{"arg_0":{"command":"wait"}}}`,
			func(f Frame) bool { return access(f) == domain.AccessClosed }},
		{"login timed out", `{"method":"onCommand","command":"loginHandler","params":{"arg_0":{"command":"connectionTimedOut"}}}`,
			func(f Frame) bool { _, ok := f.(SessionEnded); return ok }},
		{"other command", `{"method":"onCommand","command":"chatHandler","params":{}}`,
			func(f Frame) bool { _, ok := f.(Unknown); return ok }},
		{"other method", `{"method":"setRoster"}`,
			func(f Frame) bool { _, ok := f.(Unknown); return ok }},
		{"method with string status", `{"method":"setStatus","status":"ok"}`,
			func(f Frame) bool { _, ok := f.(Unknown); return ok }},
		{"status not an object", `{"status":"ok"}`,
			func(f Frame) bool { _, ok := f.(Unknown); return ok }},
		{"numeric command", `{"method":"onCommand","command":42}`,
			func(f Frame) bool { _, ok := f.(Unknown); return ok }},
		{"numeric method", `{"method":7,"params":[1,2]}`,
			func(f Frame) bool { _, ok := f.(Unknown); return ok }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := testNCCodec().Decode([]byte(tt.in))
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if !tt.check(f) {
				t.Fatalf("unexpected frame %#v", f)
			}
		})
	}
}

func TestNetConnectionDecodeErrors(t *testing.T) {
	for _, in := range []string{
		``,
		`{`,
		`{"method":"onCommand","command":"loginHandler"}`,
		`{"method":"onCommand","command":"loginHandler","params":{"arg_0":{}}}`,
	} {
		if _, err := testNCCodec().Decode([]byte(in)); !errors.Is(err, domain.ErrProtocol) {
			t.Fatalf("%q: expected ErrProtocol, got %v", in, err)
		}
	}
}
