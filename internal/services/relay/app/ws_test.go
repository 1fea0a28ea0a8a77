package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/ruru/counselor-relay/internal/services/relay/bus"
	relayhandler "github.com/ruru/counselor-relay/internal/services/relay/handler"
	"github.com/ruru/counselor-relay/internal/services/relay/role"
	"golang.org/x/net/websocket"
)

type testRelay struct {
	srv *httptest.Server
	rt  *relayRuntime
	bus *bus.MemoryBus
}

func newTestRelay(t *testing.T, identity string) testRelay {
	t.Helper()
	memory := bus.NewMemoryBus()
	t.Cleanup(func() { _ = memory.Close() })

	rt, err := newRelayRuntime(context.Background(), runtimeConfig{
		Identity:       identity,
		PublishTimeout: time.Second,
		Bus:            memory,
	})
	if err != nil {
		t.Fatalf("new runtime: %v", err)
	}
	stop, done := rt.startStatusListener(10 * time.Millisecond)
	t.Cleanup(func() {
		stop()
		<-done
	})

	srv := httptest.NewServer(newHandler(rt))
	t.Cleanup(srv.Close)
	return testRelay{srv: srv, rt: rt, bus: memory}
}

func dialSTOMP(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, err := websocket.Dial(wsURL, "", srv.URL)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, f *frame.Frame) {
	t.Helper()
	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		t.Fatalf("encode frame: %v", err)
	}
	if err := websocket.Message.Send(conn, buf.String()); err != nil {
		t.Fatalf("send frame: %v", err)
	}
}

func sendRaw(t *testing.T, conn *websocket.Conn, raw string) {
	t.Helper()
	if err := websocket.Message.Send(conn, raw); err != nil {
		t.Fatalf("send raw: %v", err)
	}
}

func readSTOMPFrame(t *testing.T, conn *websocket.Conn) *frame.Frame {
	t.Helper()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	var data []byte
	if err := websocket.Message.Receive(conn, &data); err != nil {
		t.Fatalf("receive frame: %v", err)
	}
	f, err := frame.NewReader(bytes.NewReader(data)).Read()
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if f == nil {
		t.Fatal("expected frame, got heart-beat")
	}
	return f
}

func expectCommand(t *testing.T, f *frame.Frame, command string) {
	t.Helper()
	if f.Command != command {
		t.Fatalf("frame command = %q, want %q (message=%q)", f.Command, command, f.Header.Get(frame.Message))
	}
}

func connect(t *testing.T, conn *websocket.Conn, roleHeader string) *frame.Frame {
	t.Helper()
	headers := []string{frame.AcceptVersion, "1.2,1.1,1.0", frame.Host, "localhost"}
	if roleHeader != "" {
		headers = append(headers, role.AttributeKey, roleHeader)
	}
	sendFrame(t, conn, frame.New(frame.CONNECT, headers...))
	got := readSTOMPFrame(t, conn)
	expectCommand(t, got, frame.CONNECTED)
	return got
}

func subscribe(t *testing.T, conn *websocket.Conn, id string, destination string) {
	t.Helper()
	sendFrame(t, conn, frame.New(frame.SUBSCRIBE,
		frame.Id, id,
		frame.Destination, destination,
		frame.Receipt, "sub-"+id,
	))
	got := readSTOMPFrame(t, conn)
	expectCommand(t, got, frame.RECEIPT)
	if got.Header.Get(frame.ReceiptId) != "sub-"+id {
		t.Fatalf("receipt-id = %q, want %q", got.Header.Get(frame.ReceiptId), "sub-"+id)
	}
}

func send(t *testing.T, conn *websocket.Conn, destination string, body string) {
	t.Helper()
	f := frame.New(frame.SEND,
		frame.Destination, destination,
		frame.ContentType, "application/json",
	)
	f.Body = []byte(body)
	sendFrame(t, conn, f)
}

func TestConnectReturnsConnected(t *testing.T) {
	relay := newTestRelay(t, "a")
	conn := dialSTOMP(t, relay.srv, CustomerEndpoint)

	got := connect(t, conn, "customer")
	if got.Header.Get(frame.Version) != "1.2" {
		t.Fatalf("version = %q, want 1.2", got.Header.Get(frame.Version))
	}
	if got.Header.Get(frame.Session) == "" {
		t.Fatal("expected session id")
	}
}

func TestStompjsSubprotocolOfferIsAccepted(t *testing.T) {
	relay := newTestRelay(t, "default")

	wsURL := "ws" + strings.TrimPrefix(relay.srv.URL, "http") + CustomerEndpoint
	cfg, err := websocket.NewConfig(wsURL, relay.srv.URL)
	if err != nil {
		t.Fatalf("websocket config: %v", err)
	}
	cfg.Protocol = []string{"v10.stomp", "v11.stomp", "v12.stomp"}
	conn, err := websocket.DialConfig(cfg)
	if err != nil {
		t.Fatalf("dial with stomp subprotocols: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})

	if got := conn.Config().Protocol; len(got) != 1 || got[0] != "v12.stomp" {
		t.Fatalf("expected negotiated subprotocol v12.stomp, got %v", got)
	}
	connect(t, conn, "customer")
}

func TestNegotiateSubprotocol(t *testing.T) {
	tests := []struct {
		offered []string
		want    string
		wantErr bool
	}{
		{offered: nil, want: ""},
		{offered: []string{"v10.stomp", "v11.stomp", "v12.stomp"}, want: "v12.stomp"},
		{offered: []string{"v10.stomp", "v11.stomp"}, want: "v11.stomp"},
		{offered: []string{"V10.STOMP"}, want: "v10.stomp"},
		{offered: []string{"mqtt"}, wantErr: true},
	}
	for _, tt := range tests {
		got, err := negotiateSubprotocol(tt.offered)
		if tt.wantErr {
			if err == nil {
				t.Fatalf("offered %v: expected error", tt.offered)
			}
			continue
		}
		if err != nil {
			t.Fatalf("offered %v: unexpected error: %v", tt.offered, err)
		}
		if got != tt.want {
			t.Fatalf("offered %v: expected %q, got %q", tt.offered, tt.want, got)
		}
	}
}

func TestFrameBeforeConnectIsRejected(t *testing.T) {
	relay := newTestRelay(t, "a")
	conn := dialSTOMP(t, relay.srv, CustomerEndpoint)

	send(t, conn, "/app/chat.send", `{"roomId":"r1"}`)
	got := readSTOMPFrame(t, conn)
	expectCommand(t, got, frame.ERROR)
	if got.Header.Get("code") != "NOT_CONNECTED" {
		t.Fatalf("code = %q, want NOT_CONNECTED", got.Header.Get("code"))
	}

	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	var data []byte
	if err := websocket.Message.Receive(conn, &data); err == nil {
		t.Fatalf("expected connection closed, got %q", data)
	}
}

func TestChatSendReachesRoomSubscriber(t *testing.T) {
	relay := newTestRelay(t, "a")
	counselor := dialSTOMP(t, relay.srv, CounselorEndpoint)
	customer := dialSTOMP(t, relay.srv, CustomerEndpoint)
	connect(t, counselor, "counselor")
	connect(t, customer, "customer")
	subscribe(t, counselor, "sub-0", "/topic/chat/r1")

	body := `{"roomId":"r1","sender":"jane","content":"hello"}`
	send(t, customer, "/app/chat.send", body)

	got := readSTOMPFrame(t, counselor)
	expectCommand(t, got, frame.MESSAGE)
	if got.Header.Get(frame.Destination) != "/topic/chat/r1" {
		t.Fatalf("destination = %q, want /topic/chat/r1", got.Header.Get(frame.Destination))
	}
	if got.Header.Get(frame.Subscription) != "sub-0" {
		t.Fatalf("subscription = %q, want sub-0", got.Header.Get(frame.Subscription))
	}
	if got.Header.Get(frame.MessageId) == "" {
		t.Fatal("expected message-id")
	}
	if string(got.Body) != body {
		t.Fatalf("body = %s, want %s", got.Body, body)
	}
}

func TestQueueRequestReachesWaitingCounselors(t *testing.T) {
	relay := newTestRelay(t, "a")
	counselor := dialSTOMP(t, relay.srv, CounselorEndpoint)
	customer := dialSTOMP(t, relay.srv, CustomerEndpoint)
	connect(t, counselor, "counselor")
	connect(t, customer, "customer")
	subscribe(t, counselor, "waiting", "/topic/counselor/waiting")

	body := `{"customerId":"c1","name":"Jane"}`
	send(t, customer, "/app/customer/request", body)

	got := readSTOMPFrame(t, counselor)
	expectCommand(t, got, frame.MESSAGE)
	if string(got.Body) != body {
		t.Fatalf("body = %s, want %s", got.Body, body)
	}
}

func TestStatusEventFansBackToCounselors(t *testing.T) {
	relay := newTestRelay(t, "a")
	counselor := dialSTOMP(t, relay.srv, CounselorEndpoint)
	customer := dialSTOMP(t, relay.srv, CustomerEndpoint)
	connect(t, counselor, "counselor")
	connect(t, customer, "customer")
	subscribe(t, counselor, "status", "/topic/counselor/status")

	before := time.Now().UTC().Add(-time.Second)
	send(t, customer, "/app/customer/status", `{"customerId":"c1","status":"LEFT","occurredAt":"2001-01-01T00:00:00Z"}`)

	got := readSTOMPFrame(t, counselor)
	expectCommand(t, got, frame.MESSAGE)
	var event relayhandler.StatusEvent
	if err := json.Unmarshal(got.Body, &event); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if event.CustomerID != "c1" || event.Status != relayhandler.StatusLeft {
		t.Fatalf("unexpected event %+v", event)
	}
	if event.OccurredAt.Before(before) {
		t.Fatalf("expected occurredAt stamped by relay, got %v", event.OccurredAt)
	}
}

func TestSendToTopicBroadcastsVerbatim(t *testing.T) {
	relay := newTestRelay(t, "a")
	first := dialSTOMP(t, relay.srv, CustomerEndpoint)
	second := dialSTOMP(t, relay.srv, CustomerEndpoint)
	connect(t, first, "")
	connect(t, second, "")
	subscribe(t, second, "0", "/topic/customer/notice")

	send(t, first, "/topic/customer/notice", "plain text")

	got := readSTOMPFrame(t, second)
	expectCommand(t, got, frame.MESSAGE)
	if string(got.Body) != "plain text" {
		t.Fatalf("body = %q, want %q", got.Body, "plain text")
	}
}

func TestInterceptionEventsReachAuditQueues(t *testing.T) {
	relay := newTestRelay(t, "a")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	preSend, err := relay.bus.Consume(ctx, bus.PreSendQueue)
	if err != nil {
		t.Fatalf("consume presend: %v", err)
	}
	postSend, err := relay.bus.Consume(ctx, bus.PostSendQueue)
	if err != nil {
		t.Fatalf("consume postsend: %v", err)
	}

	conn := dialSTOMP(t, relay.srv, CounselorEndpoint)
	connect(t, conn, "counselor")
	subscribe(t, conn, "0", "/topic/customer/ping")
	send(t, conn, "/topic/customer/ping", `{}`)
	expectCommand(t, readSTOMPFrame(t, conn), frame.MESSAGE)

	pre := receiveEvent(t, preSend)
	if pre.Role != role.Counselor || pre.Phase != role.PhasePreSend {
		t.Fatalf("expected counselor PRESEND, got %s %s", pre.Role, pre.Phase)
	}
	if pre.Destination != "/topic/customer/ping" || pre.Command != "SEND" {
		t.Fatalf("unexpected presend event %+v", pre)
	}

	post := receiveEvent(t, postSend)
	if post.Role != role.Counselor || post.Phase != role.PhasePostSend || post.Command != "MESSAGE" {
		t.Fatalf("unexpected postsend event %+v", post)
	}
	if post.SessionID == "" || post.SessionID != pre.SessionID {
		t.Fatalf("expected same session id, got %q and %q", pre.SessionID, post.SessionID)
	}
}

func receiveEvent(t *testing.T, deliveries <-chan bus.Delivery) role.InterceptionEvent {
	t.Helper()
	select {
	case d := <-deliveries:
		var event role.InterceptionEvent
		if err := json.Unmarshal(d.Body, &event); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for interception event")
	}
	return role.InterceptionEvent{}
}

func TestUnsupportedCommandKeepsConnection(t *testing.T) {
	relay := newTestRelay(t, "a")
	conn := dialSTOMP(t, relay.srv, CustomerEndpoint)
	connect(t, conn, "customer")

	sendFrame(t, conn, frame.New(frame.BEGIN, frame.Transaction, "tx1"))
	got := readSTOMPFrame(t, conn)
	expectCommand(t, got, frame.ERROR)
	if got.Header.Get("code") != "UNSUPPORTED_COMMAND" {
		t.Fatalf("code = %q, want UNSUPPORTED_COMMAND", got.Header.Get("code"))
	}

	subscribe(t, conn, "0", "/topic/chat/r1")
}

func TestSubscribeWithoutIDReturnsError(t *testing.T) {
	relay := newTestRelay(t, "a")
	conn := dialSTOMP(t, relay.srv, CustomerEndpoint)
	connect(t, conn, "customer")

	sendFrame(t, conn, frame.New(frame.SUBSCRIBE, frame.Destination, "/topic/chat/r1"))
	expectCommand(t, readSTOMPFrame(t, conn), frame.ERROR)
}

func TestMalformedFramesCloseConnection(t *testing.T) {
	relay := newTestRelay(t, "a")
	conn := dialSTOMP(t, relay.srv, CustomerEndpoint)
	connect(t, conn, "customer")

	for i := 0; i < maxDecodeErrorsPerConn; i++ {
		sendRaw(t, conn, "SEND\ndestination:/app/chat.send\ncontent-length:50\n\n{}\x00")
		expectCommand(t, readSTOMPFrame(t, conn), frame.ERROR)
	}

	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	var data []byte
	if err := websocket.Message.Receive(conn, &data); err == nil {
		t.Fatalf("expected connection closed, got %q", data)
	}
}

func TestDisconnectSendsReceipt(t *testing.T) {
	relay := newTestRelay(t, "a")
	conn := dialSTOMP(t, relay.srv, CustomerEndpoint)
	connect(t, conn, "customer")

	sendFrame(t, conn, frame.New(frame.DISCONNECT, frame.Receipt, "bye"))
	got := readSTOMPFrame(t, conn)
	expectCommand(t, got, frame.RECEIPT)
	if got.Header.Get(frame.ReceiptId) != "bye" {
		t.Fatalf("receipt-id = %q, want bye", got.Header.Get(frame.ReceiptId))
	}
}

func TestDisconnectDropsSubscriptions(t *testing.T) {
	relay := newTestRelay(t, "a")
	conn := dialSTOMP(t, relay.srv, CounselorEndpoint)
	connect(t, conn, "counselor")
	subscribe(t, conn, "0", "/topic/counselor/status")
	if got := relay.rt.broker.Subscribers("/topic/counselor/status"); got != 1 {
		t.Fatalf("expected 1 subscriber, got %d", got)
	}

	_ = conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for relay.rt.broker.Subscribers("/topic/counselor/status") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected subscription removed after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// stallingPostSendBus never completes publishes to the post-send audit
// queue until released, ignoring ctx.
type stallingPostSendBus struct {
	*bus.MemoryBus
	release chan struct{}
}

func (b *stallingPostSendBus) Publish(ctx context.Context, exchange string, routingKey string, payload any) error {
	if exchange == bus.DefaultExchange && routingKey == bus.PostSendQueue {
		<-b.release
		return nil
	}
	return b.MemoryBus.Publish(ctx, exchange, routingKey, payload)
}

func TestSlowPostDispatchDoesNotStallSender(t *testing.T) {
	memory := bus.NewMemoryBus()
	t.Cleanup(func() { _ = memory.Close() })
	stalled := &stallingPostSendBus{MemoryBus: memory, release: make(chan struct{})}
	t.Cleanup(func() { close(stalled.release) })

	const publishTimeout = 500 * time.Millisecond
	rt, err := newRelayRuntime(context.Background(), runtimeConfig{
		PublishTimeout: publishTimeout,
		Bus:            stalled,
	})
	if err != nil {
		t.Fatalf("new runtime: %v", err)
	}
	srv := httptest.NewServer(newHandler(rt))
	t.Cleanup(srv.Close)

	const destination = "/topic/customer/lobby"
	for i := range 4 {
		conn := dialSTOMP(t, srv, CounselorEndpoint)
		connect(t, conn, "counselor")
		subscribe(t, conn, "sub-"+strconv.Itoa(i), destination)
	}

	sender := dialSTOMP(t, srv, CustomerEndpoint)
	connect(t, sender, "customer")

	start := time.Now()
	f := frame.New(frame.SEND,
		frame.Destination, destination,
		frame.ContentType, "application/json",
		frame.Receipt, "sent",
	)
	f.Body = []byte(`{"note":"back in five"}`)
	sendFrame(t, sender, f)

	got := readSTOMPFrame(t, sender)
	expectCommand(t, got, frame.RECEIPT)
	if elapsed := time.Since(start); elapsed >= publishTimeout {
		t.Fatalf("expected receipt before one publish timeout (%v), took %v", publishTimeout, elapsed)
	}
}
