package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/pflag"

	"github.com/tracegate/tracegate/internal/msg"
	"github.com/tracegate/tracegate/internal/ws"
)

const (
	// queueDepth bounds the messages produced but not yet written to
	// the socket.
	queueDepth = 4096
	// flushBudget caps how much of that queue is flushed in the final
	// frame at close; the rest is dropped and reported.
	flushBudget = 1024
)

var sampleEvents = []struct {
	level  string
	target string
	text   string
}{
	{"INFO", "app::request", "request handled"},
	{"DEBUG", "app::cache", "cache miss, falling through"},
	{"INFO", "app::worker", "batch committed"},
	{"WARN", "app::upstream", "retrying upstream call"},
	{"ERROR", "app::upstream", "upstream call failed"},
	{"TRACE", "app::codec", "frame decoded"},
}

func main() {
	addr := pflag.String("addr", "127.0.0.1:8192", "server address")
	path := pflag.String("path", "/pusher", "pusher endpoint path")
	token := pflag.String("token", "", "auth token")
	format := pflag.String("format", "json", "wire format: json, cbor or msgpack")
	name := pflag.String("name", "sample-pusher", "client display name")
	interval := pflag.Duration("interval", 500*time.Millisecond, "delay between batches")
	batch := pflag.Int("batch", 3, "messages per batch")
	count := pflag.Int("count", 0, "number of batches to send, 0 for unlimited")
	pflag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	if err := run(*addr, *path, *token, *format, *name, *interval, *batch, *count, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(addr, path, token, format, name string, interval time.Duration, batch, count int, logger *slog.Logger) error {
	f, err := msg.ParseFormat(format)
	if err != nil {
		return err
	}
	codec := msg.CodecFor(f)
	msgType := websocket.TextMessage
	if f.Binary() {
		msgType = websocket.BinaryMessage
	}

	q := url.Values{}
	q.Set("format", format)
	if token != "" {
		q.Set("token", token)
	}
	u := url.URL{Scheme: "ws", Host: addr, Path: path, RawQuery: q.Encode()}

	conn, resp, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %w (status %d)", u.String(), err, resp.StatusCode)
		}
		return fmt.Errorf("dial %s: %w", u.String(), err)
	}
	defer conn.Close()

	send := func(v any) error {
		data, err := codec.Marshal(v)
		if err != nil {
			return err
		}
		return conn.WriteMessage(msgType, data)
	}

	hello := msg.Hello{ClientName: name, ProcEnv: msg.CaptureProcEnv()}
	if err := send(hello); err != nil {
		return fmt.Errorf("sending hello: %w", err)
	}
	logger.Info("connected", "url", u.String(), "name", name)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	// The producer paces generation on the ticker; the sender below
	// pulls from the queue and batches what has accumulated, so a
	// slow socket backs up the queue instead of skewing the pace.
	queue := make(chan msg.TraceMsg, queueDepth)
	stopProd := make(chan struct{})
	prodDone := make(chan struct{})
	go func() {
		defer close(prodDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		produced := 0
		for {
			select {
			case <-stopProd:
				return
			case <-ticker.C:
			}
			for _, m := range makeBatch(batch) {
				select {
				case queue <- m:
				case <-stopProd:
					return
				}
			}
			produced++
			if count > 0 && produced >= count {
				return
			}
		}
	}()

	sent := 0
	for {
		select {
		case <-interrupt:
			close(stopProd)
			<-prodDone
			logger.Info("interrupted", "batches_sent", sent)
			return flushClose(conn, send, queue, logger)
		case <-prodDone:
			logger.Info("done", "batches_sent", sent)
			return flushClose(conn, send, queue, logger)
		case m := <-queue:
			if err := send(ws.PushFrame{Msgs: gather(queue, m, batch)}); err != nil {
				return fmt.Errorf("pushing batch: %w", err)
			}
			sent++
		}
	}
}

// gather starts a frame with first and tops it up, without blocking,
// from whatever the producer has already queued, up to max messages.
func gather(queue chan msg.TraceMsg, first msg.TraceMsg, max int) []msg.TraceMsg {
	msgs := []msg.TraceMsg{first}
	for len(msgs) < max {
		select {
		case m := <-queue:
			msgs = append(msgs, m)
		default:
			return msgs
		}
	}
	return msgs
}

// drainQueue empties the queue for the final flush. At most
// flushBudget messages are kept; the overflow count is returned so
// the close can report the loss.
func drainQueue(queue chan msg.TraceMsg) (flush []msg.TraceMsg, dropped int) {
drain:
	for {
		select {
		case m := <-queue:
			if len(flush) < flushBudget {
				flush = append(flush, m)
			} else {
				dropped++
			}
		default:
			break drain
		}
	}
	return flush, dropped
}

// flushClose pushes what the queue still holds, within the flush
// budget, and closes the connection. Dropped messages turn the close
// into a buffer-full error close.
func flushClose(conn *websocket.Conn, send func(any) error, queue chan msg.TraceMsg, logger *slog.Logger) error {
	flush, dropped := drainQueue(queue)
	if len(flush) > 0 {
		if err := send(ws.PushFrame{Msgs: flush}); err != nil {
			return fmt.Errorf("flushing queue: %w", err)
		}
		logger.Info("flushed queue", "messages", len(flush))
	}
	if dropped > 0 {
		sendClose(conn, websocket.CloseTryAgainLater, msg.CloseErrBufferFull.String())
		return fmt.Errorf("%s: dropped %d queued messages at close", msg.CloseErrBufferFull, dropped)
	}
	return sendClose(conn, websocket.CloseNormalClosure, "")
}

func makeBatch(n int) []msg.TraceMsg {
	msgs := make([]msg.TraceMsg, 0, n)
	for i := 0; i < n; i++ {
		ev := sampleEvents[rand.Intn(len(sampleEvents))]
		body, _ := json.Marshal(map[string]any{
			"level":  ev.level,
			"target": ev.target,
			"text":   ev.text,
			"seq":    rand.Intn(1 << 16),
		})
		msgs = append(msgs, msg.TraceMsg{
			Timestamp:  time.Now(),
			ThreadName: "main",
			ThreadID:   1,
			Body:       body,
		})
	}
	return msgs
}

func sendClose(conn *websocket.Conn, code int, reason string) error {
	deadline := time.Now().Add(time.Second)
	frame := websocket.FormatCloseMessage(code, reason)
	if err := conn.WriteControl(websocket.CloseMessage, frame, deadline); err != nil {
		return err
	}
	// Give the server a moment to register the close.
	conn.SetReadDeadline(deadline)
	conn.ReadMessage()
	return nil
}
