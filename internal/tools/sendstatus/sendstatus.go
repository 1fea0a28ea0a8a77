// Package sendstatus publishes one customer status event to a running relay
// the same way a browser client would.
package sendstatus

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"
	entrypoint "github.com/ruru/counselor-relay/internal/platform/cmd"
	relayhandler "github.com/ruru/counselor-relay/internal/services/relay/handler"
	"github.com/ruru/counselor-relay/internal/services/relay/role"
)

const disconnectReceipt = "send-status-disconnect"

// Config holds send-status settings. Env names carry the RURU_RELAY_
// prefix.
type Config struct {
	WSURL      string        `env:"SEND_STATUS_WS_URL"      envDefault:"ws://localhost:8080/customer"`
	CustomerID string        `env:"SEND_STATUS_CUSTOMER_ID" envDefault:"w-1024"`
	Status     string        `env:"SEND_STATUS_STATUS"      envDefault:"LEFT"`
	Role       string        `env:"SEND_STATUS_ROLE"        envDefault:"customer"`
	Timeout    time.Duration `env:"SEND_STATUS_TIMEOUT"     envDefault:"5s"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.WSURL, "url", cfg.WSURL, "relay WebSocket endpoint")
	fs.StringVar(&cfg.CustomerID, "customer", cfg.CustomerID, "customer id")
	fs.StringVar(&cfg.Status, "status", cfg.Status, "status to send (LEFT or RETURNED)")
	fs.StringVar(&cfg.Role, "role", cfg.Role, "role header sent on CONNECT")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "overall exchange timeout")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run connects, sends one status event, and disconnects once the relay
// acknowledges.
func Run(ctx context.Context, cfg Config, out io.Writer) error {
	if out == nil {
		return errors.New("output is required")
	}
	target, err := url.Parse(strings.TrimSpace(cfg.WSURL))
	if err != nil || (target.Scheme != "ws" && target.Scheme != "wss") {
		return fmt.Errorf("invalid websocket url %q", cfg.WSURL)
	}
	if strings.TrimSpace(cfg.CustomerID) == "" {
		return errors.New("customer id is required")
	}
	status := relayhandler.Status(strings.ToUpper(strings.TrimSpace(cfg.Status)))
	if !status.Valid() {
		return fmt.Errorf("unknown status %q", cfg.Status)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: cfg.Timeout}
	origin := "http://" + target.Host
	if target.Scheme == "wss" {
		origin = "https://" + target.Host
	}
	conn, _, err := dialer.DialContext(ctx, target.String(), http.Header{"Origin": []string{origin}})
	if err != nil {
		return fmt.Errorf("dial %s: %w", target, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
		_ = conn.SetWriteDeadline(deadline)
	}

	connectHeaders := []string{frame.AcceptVersion, "1.2", frame.Host, target.Hostname()}
	if r := strings.TrimSpace(cfg.Role); r != "" {
		connectHeaders = append(connectHeaders, role.AttributeKey, r)
	}
	if err := writeFrame(conn, frame.New(frame.CONNECT, connectHeaders...)); err != nil {
		return err
	}
	if _, err := awaitFrame(conn, frame.CONNECTED); err != nil {
		return err
	}

	body, err := json.Marshal(relayhandler.StatusEvent{
		CustomerID: strings.TrimSpace(cfg.CustomerID),
		Status:     status,
		OccurredAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	send := frame.New(frame.SEND,
		frame.Destination, relayhandler.CustomerStatusDestination,
		frame.ContentType, "application/json",
		frame.ContentLength, strconv.Itoa(len(body)),
	)
	send.Body = body
	if err := writeFrame(conn, send); err != nil {
		return err
	}

	if err := writeFrame(conn, frame.New(frame.DISCONNECT, frame.Receipt, disconnectReceipt)); err != nil {
		return err
	}
	if _, err := awaitFrame(conn, frame.RECEIPT); err != nil {
		return err
	}

	_, err = fmt.Fprintf(out, "sent %s for customer %s to %s\n", status, cfg.CustomerID, target)
	return err
}

func writeFrame(conn *websocket.Conn, f *frame.Frame) error {
	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		return fmt.Errorf("encode %s: %w", f.Command, err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, buf.Bytes()); err != nil {
		return fmt.Errorf("write %s: %w", f.Command, err)
	}
	return nil
}

// awaitFrame reads until a frame with command arrives. An ERROR frame ends
// the wait with the server's message.
func awaitFrame(conn *websocket.Conn, command string) (*frame.Frame, error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("await %s: %w", command, err)
		}
		reader := frame.NewReader(bytes.NewReader(data))
		for {
			f, err := reader.Read()
			if err != nil {
				if errors.Is(err, io.EOF) {
					break
				}
				return nil, fmt.Errorf("decode frame: %w", err)
			}
			if f == nil {
				continue
			}
			switch f.Command {
			case command:
				return f, nil
			case frame.ERROR:
				return nil, fmt.Errorf("relay error: %s", f.Header.Get(frame.Message))
			}
		}
	}
}
