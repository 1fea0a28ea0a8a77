package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/google/uuid"
	apperrors "github.com/ruru/counselor-relay/internal/platform/errors"
	"github.com/ruru/counselor-relay/internal/services/relay/interceptor"
	"github.com/ruru/counselor-relay/internal/services/relay/pubsub"
	"golang.org/x/net/websocket"
)

const (
	maxFramePayloadBytes   = 64 * 1024
	maxFramesPerSecond     = 40
	maxDecodeErrorsPerConn = 3

	stompVersion    = "1.2"
	serverName      = "counselor-relay"
	contentTypeJSON = "application/json"
	contentTypeText = "text/plain"
	errorCodeHeader = "code"
	appPrefix       = "/app/"
	topicPrefix     = pubsub.TopicPrefix + "/"
)

type stompPeer struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func newSTOMPPeer(conn *websocket.Conn) *stompPeer {
	return &stompPeer{conn: conn}
}

// writeFrame sends f as a single WebSocket text message.
func (p *stompPeer) writeFrame(f *frame.Frame) error {
	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		return fmt.Errorf("encode %s frame: %w", f.Command, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return websocket.Message.Send(p.conn, buf.String())
}

// stompSession is one client connection. The read loop is its only writer
// of connection state; broadcasts reach it through Deliver.
type stompSession struct {
	id        string
	peer      *stompPeer
	attrs     *interceptor.Attributes
	rt        *relayRuntime
	connected bool
}

func newSTOMPSession(id string, peer *stompPeer, rt *relayRuntime) *stompSession {
	return &stompSession{
		id:    id,
		peer:  peer,
		attrs: interceptor.NewAttributes(),
		rt:    rt,
	}
}

// Deliver writes a MESSAGE frame for a subscription, then runs post
// dispatch with the write result. Post dispatch runs on its own goroutine:
// Deliver is called once per subscriber on the sender's read loop, and each
// hook may wait out a full publish timeout.
func (s *stompSession) Deliver(ctx context.Context, msg pubsub.Message) error {
	out := frame.New(frame.MESSAGE,
		frame.Destination, msg.Destination,
		frame.Subscription, msg.SubscriptionID,
		frame.MessageId, uuid.NewString(),
		frame.ContentType, contentTypeJSON,
		frame.ContentLength, strconv.Itoa(len(msg.Body)),
	)
	out.Body = msg.Body
	err := s.peer.writeFrame(out)
	delivered := err == nil
	hookCtx := context.WithoutCancel(ctx)
	go s.rt.interceptor.AfterDispatch(hookCtx, interceptor.Message{
		Command:     interceptor.CommandMessage,
		Destination: msg.Destination,
		SessionID:   s.id,
		Attributes:  s.attrs,
	}, delivered)
	return err
}

func handleWSConn(conn *websocket.Conn, rt *relayRuntime) {
	defer func() {
		_ = conn.Close()
	}()
	conn.MaxPayloadBytes = maxFramePayloadBytes

	ctx := context.Background()
	if request := conn.Request(); request != nil {
		ctx = request.Context()
	}
	session := newSTOMPSession(uuid.NewString(), newSTOMPPeer(conn), rt)
	defer rt.broker.UnsubscribeAll(session)

	windowStart := time.Now()
	framesInWindow := 0
	decodeErrors := 0

	for {
		var data []byte
		if err := websocket.Message.Receive(conn, &data); err != nil {
			if errors.Is(err, websocket.ErrFrameTooLarge) {
				_ = session.writeError("", apperrors.New(apperrors.CodeFrameTooLarge, "frame too large"))
				continue
			}
			if !errors.Is(err, io.EOF) {
				log.Printf("relay: read session=%q: %v", session.id, err)
			}
			return
		}

		frames, err := decodeFrames(data)
		if err != nil {
			decodeErrors++
			relayErr := apperrors.Wrap(apperrors.CodeMalformedFrame, "malformed frame", err)
			log.Printf("relay: session=%q: %v", session.id, relayErr)
			_ = session.writeError("", relayErr)
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0

		for _, f := range frames {
			now := time.Now()
			if now.Sub(windowStart) >= time.Second {
				windowStart = now
				framesInWindow = 0
			}
			framesInWindow++
			if framesInWindow > maxFramesPerSecond {
				_ = session.writeError("", apperrors.New(apperrors.CodeRateLimited, "rate limit exceeded"))
				return
			}
			if !session.handleFrame(ctx, f) {
				return
			}
		}
	}
}

// decodeFrames parses every frame in one WebSocket message. Heart-beats are
// skipped.
func decodeFrames(data []byte) ([]*frame.Frame, error) {
	reader := frame.NewReader(bytes.NewReader(data))
	var frames []*frame.Frame
	for {
		f, err := reader.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
		if f == nil {
			continue
		}
		frames = append(frames, f)
	}
	if len(frames) == 0 && len(bytes.TrimSpace(data)) > 0 {
		return nil, errors.New("incomplete frame")
	}
	return frames, nil
}

// handleFrame processes one client frame and reports whether the
// connection should stay open.
func (s *stompSession) handleFrame(ctx context.Context, f *frame.Frame) bool {
	receipt := f.Header.Get(frame.Receipt)
	isConnect := f.Command == frame.CONNECT || f.Command == frame.STOMP
	if !s.connected && !isConnect {
		relayErr := apperrors.New(apperrors.CodeNotConnected, "expected CONNECT frame")
		_ = s.writeError(receipt, relayErr)
		return !relayErr.Code.ClosesConnection()
	}

	msg := s.rt.interceptor.BeforeDispatch(ctx, interceptor.Message{
		Command:     f.Command,
		Destination: f.Header.Get(frame.Destination),
		SessionID:   s.id,
		Headers:     headerMap(f.Header),
		Attributes:  s.attrs,
	})

	switch f.Command {
	case frame.CONNECT, frame.STOMP:
		if err := s.handleConnect(); err != nil {
			log.Printf("relay: write CONNECTED session=%q: %v", s.id, err)
			return false
		}
	case frame.SUBSCRIBE:
		if err := s.rt.broker.Subscribe(s, f.Header.Get(frame.Id), msg.Destination); err != nil {
			_ = s.writeError(receipt, apperrors.New(apperrors.CodeInvalidArgument, err.Error()))
			return true
		}
	case frame.UNSUBSCRIBE:
		id := f.Header.Get(frame.Id)
		if strings.TrimSpace(id) == "" {
			_ = s.writeError(receipt, apperrors.New(apperrors.CodeMissingHeader, "subscription id is required"))
			return true
		}
		s.rt.broker.Unsubscribe(s, id)
	case frame.SEND:
		if msg.Destination == "" {
			_ = s.writeError(receipt, apperrors.New(apperrors.CodeMissingHeader, "destination is required"))
			return true
		}
		s.route(ctx, msg.Destination, f.Body)
	case frame.DISCONNECT:
		s.writeReceipt(receipt)
		return false
	default:
		_ = s.writeError(receipt, apperrors.New(apperrors.CodeUnsupportedCommand, "unsupported command "+f.Command))
		return true
	}
	s.writeReceipt(receipt)
	return true
}

func (s *stompSession) handleConnect() error {
	s.connected = true
	return s.peer.writeFrame(frame.New(frame.CONNECTED,
		frame.Version, stompVersion,
		frame.HeartBeat, "0,0",
		frame.Server, serverName,
		frame.Session, s.id,
	))
}

func (s *stompSession) route(ctx context.Context, destination string, body []byte) {
	switch {
	case strings.HasPrefix(destination, appPrefix):
		s.rt.relay.Route(ctx, destination, body)
	case strings.HasPrefix(destination, topicPrefix):
		s.rt.broker.PublishRaw(ctx, destination, body)
	default:
		log.Printf("relay: drop SEND to unroutable destination %q session=%q", destination, s.id)
	}
}

func (s *stompSession) writeReceipt(receipt string) {
	if receipt == "" {
		return
	}
	if err := s.peer.writeFrame(frame.New(frame.RECEIPT, frame.ReceiptId, receipt)); err != nil {
		log.Printf("relay: write RECEIPT session=%q: %v", s.id, err)
	}
}

// writeError sends an ERROR frame. The cause stays server side.
func (s *stompSession) writeError(receipt string, relayErr *apperrors.Error) error {
	message := relayErr.Message
	out := frame.New(frame.ERROR,
		frame.Message, message,
		errorCodeHeader, string(relayErr.Code),
		frame.ContentType, contentTypeText,
		frame.ContentLength, strconv.Itoa(len(message)),
	)
	if receipt != "" {
		out.Header.Set(frame.ReceiptId, receipt)
	}
	out.Body = []byte(message)
	return s.peer.writeFrame(out)
}

// headerMap flattens STOMP headers. The first occurrence of a repeated key
// wins.
func headerMap(h *frame.Header) map[string]string {
	if h == nil {
		return nil
	}
	out := make(map[string]string, h.Len())
	for i := 0; i < h.Len(); i++ {
		key, value := h.GetAt(i)
		if _, exists := out[key]; !exists {
			out[key] = value
		}
	}
	return out
}
