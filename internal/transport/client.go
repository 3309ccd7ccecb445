// Package transport implements the named-event websocket connection the agent
// uses to talk to the collector. Messages use the primus-emit envelope
// {"emit":[name, payload]} and the primus heartbeat strings.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// 传输层生命周期事件
const (
	EventOpen               = "open"
	EventEnd                = "end"
	EventError              = "error"
	EventTimeout            = "timeout"
	EventClose              = "close"
	EventOffline            = "offline"
	EventOnline             = "online"
	EventReconnect          = "reconnect"
	EventReconnectScheduled = "reconnect scheduled"
	EventReconnected        = "reconnected"
	EventReconnectTimeout   = "reconnect timeout"
	EventReconnectFailed    = "reconnect failed"
	EventData               = "data"
)

const (
	writeWait      = 10 * time.Second
	sendBufferSize = 256

	pingPrefix = "primus::ping::"
	pongPrefix = "primus::pong::"
)

var (
	ErrNotConnected       = errors.New("transport not connected")
	ErrBufferFull         = errors.New("transport send buffer full")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

	errStopped = errors.New("transport stopped")
)

// Event 一次传输层事件；命名事件携带 Data，重连事件携带计数
type Event struct {
	Name      string
	Data      json.RawMessage
	Err       error
	Attempt   int
	Retries   int
	Scheduled time.Duration
	Duration  time.Duration
}

type Options struct {
	URL         string
	Retries     int
	MinDelay    time.Duration
	MaxDelay    time.Duration
	Timeout     time.Duration // 超过该时间收不到任何消息即判定超时
	DialTimeout time.Duration
	Header      http.Header
}

// Client 自动重连的事件连接
type Client struct {
	opts    Options
	dialer  *websocket.Dialer
	deliver func(Event)

	mu        sync.RWMutex
	send      chan []byte
	connected bool

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func NewClient(opts Options) *Client {
	if opts.MinDelay <= 0 {
		opts.MinDelay = 150 * time.Millisecond
	}
	if opts.MaxDelay < opts.MinDelay {
		opts.MaxDelay = opts.MinDelay
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 120 * time.Second
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	return &Client{
		opts: opts,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.DialTimeout,
		},
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start 启动连接循环；deliver 在传输层 goroutine 中同步调用
func (c *Client) Start(ctx context.Context, deliver func(Event)) {
	c.deliver = deliver
	go c.run(ctx)
}

// Emit 发送命名事件，非阻塞
func (c *Client) Emit(event string, payload interface{}) error {
	msg, err := encodeEmit(event, payload)
	if err != nil {
		return err
	}

	c.mu.RLock()
	send, connected := c.send, c.connected
	c.mu.RUnlock()

	if !connected {
		return ErrNotConnected
	}
	select {
	case send <- msg:
		return nil
	default:
		return ErrBufferFull
	}
}

// End 优雅关闭，不再重连
func (c *Client) End() error {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	return nil
}

// Done 连接循环退出后关闭
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)

	attempt := 0
	everConnected := false
	offline := false
	var lostAt time.Time

	for {
		if c.stopped(ctx) {
			return
		}
		if attempt > 0 {
			c.emit(Event{Name: EventReconnect, Attempt: attempt, Retries: c.opts.Retries})
		}

		conn, err := c.dial(ctx)
		if err != nil {
			if c.stopped(ctx) {
				return
			}
			var opErr *net.OpError
			if errors.As(err, &opErr) && !offline {
				offline = true
				c.emit(Event{Name: EventOffline, Err: err})
			}
			if attempt > 0 && errors.Is(err, context.DeadlineExceeded) {
				c.emit(Event{Name: EventReconnectTimeout, Err: err, Attempt: attempt, Retries: c.opts.Retries})
			} else {
				c.emit(Event{Name: EventError, Err: err})
			}
			if !c.scheduleRetry(ctx, &attempt) {
				return
			}
			continue
		}

		if offline {
			offline = false
			c.emit(Event{Name: EventOnline})
		}

		reconnectedAfter := attempt
		reason := c.serve(ctx, conn, func() {
			c.emit(Event{Name: EventOpen})
			if everConnected {
				c.emit(Event{Name: EventReconnected, Attempt: reconnectedAfter, Duration: time.Since(lostAt)})
			}
		})
		everConnected = true
		attempt = 0
		lostAt = time.Now()

		if errors.Is(reason, errStopped) || c.stopped(ctx) {
			c.emit(Event{Name: EventEnd})
			return
		}

		var netErr net.Error
		if errors.As(reason, &netErr) && netErr.Timeout() {
			c.emit(Event{Name: EventTimeout, Err: reason})
		} else {
			c.emit(Event{Name: EventClose, Err: reason})
		}

		if !c.scheduleRetry(ctx, &attempt) {
			return
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	defer cancel()

	conn, resp, err := c.dialer.DialContext(dialCtx, c.opts.URL, c.opts.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", c.opts.URL, err)
	}
	return conn, nil
}

// scheduleRetry 计算并等待下一次重连；超过上限返回 false
func (c *Client) scheduleRetry(ctx context.Context, attempt *int) bool {
	*attempt++
	if *attempt > c.opts.Retries {
		c.emit(Event{
			Name:    EventReconnectFailed,
			Err:     ErrReconnectExhausted,
			Attempt: *attempt - 1,
			Retries: c.opts.Retries,
		})
		return false
	}

	delay := c.backoff(*attempt)
	c.emit(Event{
		Name:      EventReconnectScheduled,
		Attempt:   *attempt,
		Retries:   c.opts.Retries,
		Scheduled: delay,
	})

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-c.stopCh:
		return false
	case <-timer.C:
		return true
	}
}

// backoff 指数退避：min * 2^(attempt-1)，上限 max
func (c *Client) backoff(attempt int) time.Duration {
	delay := c.opts.MinDelay
	for i := 1; i < attempt && delay < c.opts.MaxDelay; i++ {
		delay *= 2
	}
	if delay > c.opts.MaxDelay {
		delay = c.opts.MaxDelay
	}
	return delay
}

// serve 运行一条连接直到断开，返回断开原因
func (c *Client) serve(ctx context.Context, conn *websocket.Conn, opened func()) error {
	send := make(chan []byte, sendBufferSize)

	c.mu.Lock()
	c.send = send
	c.connected = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.connected = false
		c.send = nil
		c.mu.Unlock()
		_ = conn.Close()
	}()

	opened()

	readErr := make(chan error, 1)
	go func() {
		readErr <- c.readPump(conn, send)
	}()

	return c.writePump(ctx, conn, send, readErr)
}

func (c *Client) readPump(conn *websocket.Conn, send chan<- []byte) error {
	_ = conn.SetReadDeadline(time.Now().Add(c.opts.Timeout))
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(c.opts.Timeout))
		c.handleMessage(message, send)
	}
}

func (c *Client) writePump(ctx context.Context, conn *websocket.Conn, send <-chan []byte, readErr <-chan error) error {
	for {
		select {
		case <-ctx.Done():
			c.closeGracefully(conn)
			return errStopped
		case <-c.stopCh:
			c.closeGracefully(conn)
			return errStopped
		case err := <-readErr:
			return err
		case msg := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return err
			}
		}
	}
}

func (c *Client) closeGracefully(conn *websocket.Conn) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// handleMessage 解析心跳或 emit 信封
func (c *Client) handleMessage(message []byte, send chan<- []byte) {
	var text string
	if err := json.Unmarshal(message, &text); err == nil {
		if strings.HasPrefix(text, pingPrefix) {
			pong, _ := json.Marshal(pongPrefix + strings.TrimPrefix(text, pingPrefix))
			select {
			case send <- pong:
			default:
			}
			return
		}
	}

	var envelope struct {
		Emit []json.RawMessage `json:"emit"`
	}
	if err := json.Unmarshal(message, &envelope); err == nil && len(envelope.Emit) > 0 {
		var name string
		if err := json.Unmarshal(envelope.Emit[0], &name); err == nil && name != "" {
			ev := Event{Name: name}
			if len(envelope.Emit) > 1 {
				ev.Data = envelope.Emit[1]
			}
			c.emit(ev)
			return
		}
	}

	c.emit(Event{Name: EventData, Data: json.RawMessage(message)})
}

func (c *Client) emit(ev Event) {
	if c.deliver != nil {
		c.deliver(ev)
	}
}

func (c *Client) stopped(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-c.stopCh:
		return true
	default:
		return false
	}
}

func encodeEmit(event string, payload interface{}) ([]byte, error) {
	args := []interface{}{event}
	if payload != nil {
		args = append(args, payload)
	}
	msg, err := json.Marshal(map[string]interface{}{"emit": args})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", event, err)
	}
	return msg, nil
}
