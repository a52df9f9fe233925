package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/lorrc/portal-sync/internal/core/domain"
	apperrors "github.com/lorrc/portal-sync/internal/core/errors"
	"github.com/lorrc/portal-sync/internal/core/ports"
)

const (
	writeWait = 10 * time.Second

	// The relay pings every 54s; allow one missed ping before giving up.
	pongWait = 60 * time.Second

	maxPollBody = 4 << 20

	// pollPageSize is the page size requested from the relay; a full page
	// means more may follow.
	pollPageSize = 100
)

// Defaults applied by New when the matching Config field is zero.
const (
	DefaultReconnectMin = 500 * time.Millisecond
	DefaultReconnectMax = 30 * time.Second
	DefaultPollInterval = 5 * time.Second
)

// Config configures the real-time channel.
type Config struct {
	URL     string // ws(s)://host/api/v1/ws
	PollURL string // http(s)://host/api/v1/realtime/poll, empty disables the fallback
	Token   string
	Room    string

	ReconnectMin time.Duration
	ReconnectMax time.Duration
	PollInterval time.Duration

	// UpgradeRetry is how long the channel stays on the polling fallback
	// before trying the websocket upgrade again. Defaults to ReconnectMax.
	UpgradeRetry time.Duration
}

// Channel keeps one long-lived connection to the relay, joins the configured
// room and hands every inbound event to the change or email-outcome bus.
type Channel struct {
	cfg    Config
	dialer *websocket.Dialer
	http   *http.Client

	changes ports.ChangeBus
	emails  ports.EmailOutcomeBus

	mu        sync.Mutex
	state     domain.ConnectionState
	listeners map[int]func(domain.ConnectionState)
	nextID    int
	cancel    context.CancelFunc
	done      chan struct{}
	closed    bool

	// cursor is the highest sequence seen, -1 until the relay reported one.
	cursorMu sync.Mutex
	cursor   int64

	logger *slog.Logger
}

var _ ports.ConnectionStatus = (*Channel)(nil)

// New creates a disconnected channel. Call Connect to start it.
func New(cfg Config, changes ports.ChangeBus, emails ports.EmailOutcomeBus, logger *slog.Logger) (*Channel, error) {
	if cfg.URL == "" {
		return nil, errors.New("channel: URL is required")
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("channel: parse URL: %w", err)
	}
	if cfg.Room == "" {
		cfg.Room = domain.DefaultRoom
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = DefaultReconnectMin
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = max(DefaultReconnectMax, cfg.ReconnectMin)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.UpgradeRetry <= 0 {
		cfg.UpgradeRetry = cfg.ReconnectMax
	}

	return &Channel{
		cfg:       cfg,
		dialer:    &websocket.Dialer{HandshakeTimeout: 10 * time.Second, Proxy: http.ProxyFromEnvironment},
		http:      &http.Client{Timeout: 30 * time.Second},
		changes:   changes,
		emails:    emails,
		listeners: make(map[int]func(domain.ConnectionState)),
		cursor:    -1,
		logger:    logger.With("component", "channel", "room", cfg.Room),
	}, nil
}

// Connect starts the background connection loop. Calling it again while the
// loop is running is a no-op.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return apperrors.ErrChannelClosed
	}
	if c.cancel != nil {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(runCtx, c.done)
	return nil
}

// Close stops the connection loop and waits for it to exit.
func (c *Channel) Close() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.closed = true
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// State returns the current connection state.
func (c *Channel) State() domain.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnStateChange registers fn for every connection state transition.
func (c *Channel) OnStateChange(fn func(domain.ConnectionState)) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

func (c *Channel) setState(connected, polling bool) {
	c.mu.Lock()
	if c.state.Connected == connected && c.state.Polling == polling {
		c.mu.Unlock()
		return
	}
	c.state = domain.ConnectionState{Connected: connected, Polling: polling, Since: time.Now()}
	state := c.state
	listeners := make([]func(domain.ConnectionState), 0, len(c.listeners))
	for id := 0; id < c.nextID; id++ {
		if fn, ok := c.listeners[id]; ok {
			listeners = append(listeners, fn)
		}
	}
	c.mu.Unlock()

	c.logger.Info("connection state changed", "state", state.Label(), "polling", polling)
	for _, fn := range listeners {
		fn(state)
	}
}

func (c *Channel) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.ReconnectMin
	b.MaxInterval = c.cfg.ReconnectMax
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (c *Channel) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer c.setState(false, false)

	b := c.newBackOff()
	for {
		connected, err := c.session(ctx)
		if ctx.Err() != nil {
			return
		}
		c.setState(false, false)
		if connected {
			b.Reset()
		}

		wait := b.NextBackOff()
		c.logger.Warn("connection lost, reconnecting", "error", err, "retry_in", wait)

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// session runs one connection attempt. It reports whether the relay was
// reached at all so the caller can reset its backoff.
func (c *Channel) session(ctx context.Context) (bool, error) {
	conn, resp, err := c.dialer.DialContext(ctx, c.wsURL(), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if errors.Is(err, websocket.ErrBadHandshake) && c.cfg.PollURL != "" {
			c.logger.Warn("websocket upgrade refused, falling back to polling", "status", statusOf(resp))
			return c.pollSession(ctx)
		}
		return false, fmt.Errorf("%w: %v", apperrors.ErrTransportUnavailable, err)
	}
	return true, c.serve(ctx, conn)
}

func statusOf(resp *http.Response) int {
	if resp == nil {
		return 0
	}
	return resp.StatusCode
}

func (c *Channel) wsURL() string {
	u, _ := url.Parse(c.cfg.URL)
	if c.cfg.Token != "" {
		q := u.Query()
		q.Set("token", c.cfg.Token)
		u.RawQuery = q.Encode()
	}
	return u.String()
}

type outbound struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

func (c *Channel) serve(ctx context.Context, conn *websocket.Conn) error {
	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-sessCtx.Done()
		_ = conn.Close()
	}()

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(outbound{Type: "join", Payload: map[string]string{"room": c.cfg.Room}}); err != nil {
		return fmt.Errorf("send join: %w", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return err
	}
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	c.setState(true, false)

	for {
		var event domain.Event
		if err := conn.ReadJSON(&event); err != nil {
			if sessCtx.Err() != nil {
				return nil
			}
			var syntaxErr *json.SyntaxError
			if errors.As(err, &syntaxErr) {
				c.logger.Warn("dropping undecodable message", "error", err)
				continue
			}
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		c.handle(sessCtx, event)
	}
}

func (c *Channel) handle(ctx context.Context, event domain.Event) {
	switch event.Type {
	case domain.EventJoined:
		c.resume(ctx, event.Seq)
	case domain.EventPong:
		c.logger.Debug("pong received")
	default:
		c.dispatch(event)
	}
}

// resume reconciles the local cursor with the sequence reported in a join
// acknowledgement and replays whatever was broadcast while disconnected.
// When that cannot be done completely the views are told to reload.
func (c *Channel) resume(ctx context.Context, relaySeq int64) {
	c.cursorMu.Lock()
	cursor := c.cursor
	restarted := false
	switch {
	case cursor < 0:
		c.cursor = relaySeq
	case relaySeq < cursor:
		// Relay restarted; everything it holds is new to us.
		c.cursor = 0
		restarted = true
	}
	after := c.cursor
	c.cursorMu.Unlock()

	c.logger.Info("joined room", "relay_seq", relaySeq, "cursor", after)
	if cursor < 0 {
		return
	}
	if relaySeq <= after {
		if restarted {
			c.resync("relay restarted")
		}
		return
	}
	if c.cfg.PollURL == "" {
		c.logger.Warn("missed events while offline and no poll endpoint", "missed", relaySeq-after)
		c.resync("missed events cannot be replayed")
		return
	}

	_, truncated, err := c.catchUp(ctx, after, relaySeq)
	switch {
	case err != nil:
		c.logger.Warn("failed to replay missed events", "error", err)
		c.resync("replay failed")
	case truncated || restarted:
		c.resync("relay no longer holds every missed event")
	}
}

// catchUp pages through the relay backlog from after until the cursor
// reaches until or a page comes back short. It returns the last cursor and
// whether the relay reported evicted events.
func (c *Channel) catchUp(ctx context.Context, after, until int64) (int64, bool, error) {
	truncated := false
	for {
		batch, err := c.fetch(ctx, after)
		if err != nil {
			return after, truncated, err
		}
		truncated = truncated || batch.Truncated
		for _, e := range batch.Events {
			c.dispatch(e)
		}
		if len(batch.Events) < pollPageSize || batch.Cursor <= after || batch.Cursor >= until {
			return max(after, batch.Cursor), truncated, nil
		}
		after = batch.Cursor
	}
}

// resync asks every view to reload from the API.
func (c *Channel) resync(reason string) {
	c.logger.Warn("requesting view resync", "reason", reason)
	c.changes.Publish(domain.ResyncNotification())
}

func (c *Channel) pollSession(ctx context.Context) (bool, error) {
	reached := false
	deadline := time.Now().Add(c.cfg.UpgradeRetry)
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := c.pollOnce(ctx); err != nil {
			return reached, err
		}
		if !reached {
			reached = true
			c.setState(true, true)
		}
		if time.Now().After(deadline) {
			return true, nil
		}

		select {
		case <-ctx.Done():
			return reached, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Channel) pollOnce(ctx context.Context) error {
	c.cursorMu.Lock()
	after := c.cursor
	c.cursorMu.Unlock()

	if after < 0 {
		// First contact only establishes the cursor.
		resp, err := c.fetch(ctx, after)
		if err != nil {
			return err
		}
		c.advance(resp.Cursor)
		return nil
	}

	cursor, truncated, err := c.catchUp(ctx, after, math.MaxInt64)
	if err != nil {
		return err
	}
	if truncated {
		c.resync("relay no longer holds every missed event")
	}
	c.advance(cursor)
	return nil
}

func (c *Channel) advance(seq int64) {
	c.cursorMu.Lock()
	defer c.cursorMu.Unlock()
	if seq > c.cursor {
		c.cursor = seq
	}
}

func (c *Channel) fetch(ctx context.Context, after int64) (*domain.PollBatch, error) {
	u, err := url.Parse(c.cfg.PollURL)
	if err != nil {
		return nil, fmt.Errorf("parse poll URL: %w", err)
	}
	q := u.Query()
	q.Set("room", c.cfg.Room)
	if after >= 0 {
		q.Set("after", strconv.FormatInt(after, 10))
		q.Set("limit", strconv.Itoa(pollPageSize))
	}
	if c.cfg.Token != "" {
		q.Set("token", c.cfg.Token)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrTransportUnavailable, err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, maxPollBody))
	if err != nil {
		return nil, fmt.Errorf("read poll response: %w", err)
	}
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: poll returned status %d", apperrors.ErrTransportUnavailable, res.StatusCode)
	}

	var out domain.PollBatch
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode poll response: %w", apperrors.ErrMalformedPayload)
	}
	return &out, nil
}

// dispatch hands an event to the matching bus. Events at or below the cursor
// were already delivered and are dropped.
func (c *Channel) dispatch(event domain.Event) {
	if event.Seq > 0 {
		c.cursorMu.Lock()
		if event.Seq <= c.cursor {
			c.cursorMu.Unlock()
			c.logger.Debug("dropping duplicate event", "seq", event.Seq)
			return
		}
		c.cursor = event.Seq
		c.cursorMu.Unlock()
	}

	switch {
	case event.Type == domain.EventChange:
		n, err := domain.DecodeChange(event.Payload)
		if err != nil {
			c.logger.Warn("dropping malformed change", "seq", event.Seq, "error", err)
			return
		}
		c.changes.Publish(n)

	case event.IsEmailOutcome():
		o, err := domain.DecodeEmailOutcome(event)
		if err != nil {
			c.logger.Warn("dropping malformed email outcome", "seq", event.Seq, "error", err)
			return
		}
		c.emails.Publish(o)

	default:
		c.logger.Debug("ignoring event", "type", event.Type)
	}
}
