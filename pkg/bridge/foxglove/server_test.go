package foxglove

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"

	"taplog/pkg/engine"
	"taplog/pkg/protocol"
)

func TestAdvertiseBundleAndLogChannels(t *testing.T) {
	srv := NewServer(Config{ChannelID: 5, LogChannelID: 5}, nil)
	msg := srv.advertise()
	if len(msg.Channels) != 2 {
		t.Fatalf("expected 2 channels, got %d", len(msg.Channels))
	}
	if msg.Channels[0].ID != 5 || msg.Channels[0].Topic != "/tap/bundle" {
		t.Fatalf("unexpected bundle channel: %+v", msg.Channels[0])
	}
	if msg.Channels[1].ID != 6 || msg.Channels[1].SchemaName != "foxglove.Log" {
		t.Fatalf("log channel must not collide with bundle channel: %+v", msg.Channels[1])
	}
}

func TestBundleMessage(t *testing.T) {
	logTime := time.Unix(1_700_000_000, 250)
	msg := bundleMessage(engine.Event{
		Kind:   engine.EventBundle,
		Device: "TAP-1",
		Bundle: protocol.Bundle{
			ID:      0x03,
			LogTime: logTime,
			Variables: []protocol.Variable{
				{ID: 0x07, Name: "LEDStatus", Raw: []byte{0x01}, Value: uint8(1)},
				{ID: 0x04, Name: "Count", Raw: []byte{0x2A, 0, 0, 0}, Value: uint32(42)},
			},
		},
	})

	if msg.BundleID != "0x03" || msg.Timestamp != (FrameTime{Sec: 1_700_000_000, Nsec: 250}) {
		t.Fatalf("unexpected header: %+v", msg)
	}
	want := map[string]any{"LEDStatus": uint8(1), "Count": uint32(42)}
	if diff := cmp.Diff(want, msg.Values); diff != "" {
		t.Fatalf("unexpected values (-want +got):\n%s", diff)
	}
	if msg.Variables[1].RawHex != "2a000000" {
		t.Fatalf("unexpected raw hex: %s", msg.Variables[1].RawHex)
	}
}

func TestLogMessageForSessionEvents(t *testing.T) {
	srv := NewServer(DefaultConfig(), nil)
	ts := time.Unix(10, 0)

	msg := srv.logMessage(engine.Event{Kind: engine.EventLoggedIn, Device: "TAP-1", Profile: "alice"}, ts)
	if msg.Message != "device TAP-1 logged-in as alice" || msg.Level != logLevelInfo || msg.Name != "tapd" {
		t.Fatalf("unexpected login log: %+v", msg)
	}
	msg = srv.logMessage(engine.Event{Kind: engine.EventDisconnected, Device: "TAP-1"}, ts)
	if msg.Level != logLevelWarning {
		t.Fatalf("disconnect should warn: %+v", msg)
	}
}

func TestClientReceivesSubscribedBundles(t *testing.T) {
	srv := NewServer(DefaultConfig(), nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	dialer := websocket.Dialer{Subprotocols: []string{Subprotocol}}
	conn, _, err := dialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if conn.Subprotocol() != Subprotocol {
		t.Fatalf("unexpected subprotocol %q", conn.Subprotocol())
	}

	var info ServerInfoMsg
	if err := conn.ReadJSON(&info); err != nil || info.Op != OpServerInfo {
		t.Fatalf("server info: %+v %v", info, err)
	}
	var adv AdvertiseMsg
	if err := conn.ReadJSON(&adv); err != nil || len(adv.Channels) != 2 {
		t.Fatalf("advertise: %+v %v", adv, err)
	}

	sub := SubscribeMsg{Op: OpSubscribe, Subscriptions: []Subscription{
		{ID: 8, ChannelID: 99},
		{ID: 7, ChannelID: srv.cfg.ChannelID},
	}}
	if err := conn.WriteJSON(sub); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	waitForSubscription(t, srv, srv.cfg.ChannelID)

	logTime := time.Unix(1_700_000_000, 0)
	srv.Broadcast(engine.Event{Kind: engine.EventLoggedIn, Device: "TAP-1", Profile: "alice"})
	srv.Broadcast(engine.Event{
		Kind:   engine.EventBundle,
		Device: "TAP-1",
		Bundle: protocol.Bundle{ID: 1, LogTime: logTime, Variables: []protocol.Variable{
			{ID: 7, Name: "LEDStatus", Raw: []byte{1}, Value: uint8(1)},
		}},
	})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, data, err := conn.ReadMessage()
	if err != nil || msgType != websocket.TextMessage {
		t.Fatalf("expected status message, got type=%d err=%v", msgType, err)
	}
	var status StatusMsg
	if err := json.Unmarshal(data, &status); err != nil || status.Op != OpStatus || status.Level != StatusWarning {
		t.Fatalf("unexpected status: %s", data)
	}

	msgType, data, err = conn.ReadMessage()
	if err != nil || msgType != websocket.BinaryMessage {
		t.Fatalf("expected binary frame, got type=%d err=%v", msgType, err)
	}
	subID, ns, payload, err := DecodeMessageData(data)
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if subID != 7 || ns != uint64(logTime.UnixNano()) {
		t.Fatalf("unexpected frame header: sub=%d logTime=%d", subID, ns)
	}
	var msg BundleMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		t.Fatalf("unmarshal bundle: %v", err)
	}
	if msg.BundleID != "0x01" || msg.Values["LEDStatus"] != float64(1) {
		t.Fatalf("unexpected bundle message: %+v", msg)
	}
}

func TestDecodeMessageDataRejectsShortFrame(t *testing.T) {
	if _, _, _, err := DecodeMessageData([]byte{BinaryOpMessageData, 0, 0}); err == nil {
		t.Fatalf("expected error")
	}
}

func waitForSubscription(t *testing.T, srv *Server, channelID uint64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, c := range srv.snapshotClients() {
			if len(c.subIDsForChannel(channelID)) > 0 {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("subscription to channel %d not registered", channelID)
}
