// Package ndt7 is a minimal ndt7 client used as the measurement engine.
package ndt7

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"wifitester/internal/addrutil"
	"wifitester/internal/model"
)

const (
	// Subprotocol is the WebSocket subprotocol negotiated with ndt7 servers.
	Subprotocol = "net.measurementlab.ndt.v7"

	TestDownload = "download"
	TestUpload   = "upload"

	OriginClient = "client"
	OriginServer = "server"

	EventStarting    = "starting"
	EventMeasurement = "measurement"
	EventComplete    = "complete"

	minMessageSize = 1 << 13
	maxMessageSize = 1 << 24
	scaleFactor    = 16
)

// ErrNoMeasurement is returned when a test finished without producing a
// client-side measurement.
var ErrNoMeasurement = errors.New("ndt7: no client measurement")

// Measurement is one ndt7 measurement message.
type Measurement struct {
	AppInfo *model.Measurement `json:"AppInfo,omitempty"`
	Origin  string             `json:"Origin,omitempty"`
	Test    string             `json:"Test,omitempty"`
}

// Event is a progress notification delivered while a test runs.
type Event struct {
	Name        string
	Measurement *Measurement
}

// Client runs ndt7 tests against the ndt7 server co-located with a
// coordinator device.
type Client struct {
	// Port of the ndt7 server on the device.
	Port int
	// Duration of an upload test.
	Duration time.Duration
	// MaxRuntime bounds a whole test.
	MaxRuntime time.Duration
	// Interval between client-side measurements.
	Interval time.Duration

	dialer websocket.Dialer
	log    *zap.Logger
}

// NewClient returns a client with ndt7's default timings.
func NewClient(port int, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		Port:       port,
		Duration:   10 * time.Second,
		MaxRuntime: 15 * time.Second,
		Interval:   250 * time.Millisecond,
		dialer: websocket.Dialer{
			HandshakeTimeout: 7 * time.Second,
			Subprotocols:     []string{Subprotocol},
			ReadBufferSize:   1 << 20,
			WriteBufferSize:  1 << 20,
		},
		log: log,
	}
}

// Run executes test ("download" or "upload") against the device at netloc.
// onEvent may be nil; during uploads it is called from two goroutines. The
// result is the last client-origin measurement.
func (c *Client) Run(ctx context.Context, netloc, test string, onEvent func(Event)) (*model.Measurement, error) {
	if onEvent == nil {
		onEvent = func(Event) {}
	}
	if test != TestDownload && test != TestUpload {
		return nil, fmt.Errorf("ndt7: unknown test %q", test)
	}
	addr, ok := addrutil.NDTAddr(netloc, c.Port)
	if !ok {
		return nil, fmt.Errorf("ndt7: invalid device address %q", netloc)
	}

	ctx, cancel := context.WithTimeout(ctx, c.MaxRuntime)
	defer cancel()

	u := url.URL{Scheme: "ws", Host: addr, Path: "/ndt7/v1/" + test}
	conn, _, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("ndt7: dial %s: %w", u.String(), err)
	}
	defer conn.Close()

	// Unblock reads and writes when the context ends.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
		_ = conn.SetWriteDeadline(time.Now())
	})
	defer stop()

	c.log.Debug("ndt7 test started", zap.String("test", test), zap.String("url", u.String()))
	onEvent(Event{Name: EventStarting})

	rec := &recorder{test: test, onEvent: onEvent}
	if test == TestDownload {
		err = c.download(ctx, conn, rec)
	} else {
		err = c.upload(ctx, conn, rec)
	}
	onEvent(Event{Name: EventComplete})

	last := rec.last()
	if last == nil {
		if err == nil {
			err = ErrNoMeasurement
		}
		return nil, err
	}
	if err != nil {
		c.log.Debug("ndt7 test ended with error", zap.String("test", test), zap.Error(err))
	}
	return last, nil
}

// recorder keeps the last client measurement and forwards events.
type recorder struct {
	test    string
	onEvent func(Event)

	mu     sync.Mutex
	client *model.Measurement
}

func (r *recorder) emit(m Measurement) {
	if m.Origin == OriginClient && m.AppInfo != nil {
		r.mu.Lock()
		info := *m.AppInfo
		r.client = &info
		r.mu.Unlock()
	}
	r.onEvent(Event{Name: EventMeasurement, Measurement: &m})
}

func (r *recorder) clientSample(start time.Time, numBytes int64) {
	r.emit(Measurement{
		AppInfo: &model.Measurement{NumBytes: numBytes, ElapsedTime: time.Since(start).Microseconds()},
		Origin:  OriginClient,
		Test:    r.test,
	})
}

func (r *recorder) last() *model.Measurement {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.client
}

func (c *Client) download(ctx context.Context, conn *websocket.Conn, rec *recorder) error {
	conn.SetReadLimit(maxMessageSize)
	start := time.Now()
	prev := start
	var total int64

	for {
		kind, reader, err := conn.NextReader()
		if err != nil {
			if total > 0 {
				rec.clientSample(start, total)
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		if kind == websocket.TextMessage {
			var m Measurement
			data, err := io.ReadAll(reader)
			total += int64(len(data))
			if err != nil {
				return err
			}
			if err := json.Unmarshal(data, &m); err == nil {
				m.Origin = OriginServer
				m.Test = TestDownload
				rec.emit(m)
			}
		} else {
			n, err := io.Copy(io.Discard, reader)
			total += n
			if err != nil {
				return err
			}
		}

		if now := time.Now(); now.Sub(prev) >= c.Interval {
			prev = now
			rec.clientSample(start, total)
		}
	}
}

func (c *Client) upload(ctx context.Context, conn *websocket.Conn, rec *recorder) error {
	// Server measurements arrive as text messages while we write.
	readErr := make(chan error, 1)
	go func() {
		conn.SetReadLimit(maxMessageSize)
		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			if kind != websocket.TextMessage {
				continue
			}
			var m Measurement
			if err := json.Unmarshal(data, &m); err == nil {
				m.Origin = OriginServer
				m.Test = TestUpload
				rec.emit(m)
			}
		}
	}()

	payload := make([]byte, minMessageSize)
	if _, err := rand.Read(payload); err != nil {
		return err
	}
	prepared, err := websocket.NewPreparedMessage(websocket.BinaryMessage, payload)
	if err != nil {
		return err
	}

	start := time.Now()
	prev := start
	deadline := start.Add(c.Duration)
	var total int64

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			rec.clientSample(start, total)
			return ctx.Err()
		case err := <-readErr:
			rec.clientSample(start, total)
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return err
		default:
		}

		if err := conn.WritePreparedMessage(prepared); err != nil {
			rec.clientSample(start, total)
			return err
		}
		total += int64(len(payload))

		// Grow messages as the transfer grows, as ndt7 clients do.
		if next := len(payload) * 2; next <= maxMessageSize && int64(len(payload)) < total/scaleFactor {
			payload = make([]byte, next)
			if _, err := rand.Read(payload); err != nil {
				return err
			}
			if prepared, err = websocket.NewPreparedMessage(websocket.BinaryMessage, payload); err != nil {
				return err
			}
		}

		if now := time.Now(); now.Sub(prev) >= c.Interval {
			prev = now
			rec.clientSample(start, total)
		}
	}

	rec.clientSample(start, total)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return nil
}
