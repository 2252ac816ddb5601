package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	dialTimeout      = 10 * time.Second
	maxReconnectWait = 30 * time.Second
)

// Config holds hub connection settings.
type Config struct {
	// URL is the hub's base HTTP URL, e.g. http://hub.local:8123.
	URL string
	// Token is the long-lived access token presented during the auth
	// handshake and on REST calls.
	Token string
}

// Client talks to the hub over its JSON websocket API (registries,
// preferences, statistics, live state events) and its REST API (history).
// It maintains the full entity-state map and delivers immutable snapshot
// copies to the registered sink on every state change.
type Client struct {
	cfg      Config
	wsURL    string
	log      *slog.Logger
	httpc    *http.Client
	instance string

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
	nextID  int64
	pending map[int64]chan callResult
	states  map[string]State
	sink    func(Snapshot)
}

type callResult struct {
	result json.RawMessage
	err    error
}

type wsError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type wsMessage struct {
	ID      int64           `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success *bool           `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *wsError        `json:"error,omitempty"`
	Event   json.RawMessage `json:"event,omitempty"`
}

type stateChangedEvent struct {
	EventType string `json:"event_type"`
	Data      struct {
		EntityID string `json:"entity_id"`
		NewState *State `json:"new_state"`
	} `json:"data"`
}

// NewClient creates a hub client. Run must be called before remote calls
// succeed.
func NewClient(cfg Config, log *slog.Logger) (*Client, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse hub url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("unsupported hub url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/websocket"

	return &Client{
		cfg:      cfg,
		wsURL:    u.String(),
		log:      log,
		httpc:    &http.Client{Timeout: 30 * time.Second},
		instance: uuid.NewString(),
		pending:  make(map[int64]chan callResult),
		states:   make(map[string]State),
	}, nil
}

// OnSnapshot registers the snapshot sink. Register before Run; the sink is
// called from the read loop and must not block for long.
func (c *Client) OnSnapshot(fn func(Snapshot)) {
	c.mu.Lock()
	c.sink = fn
	c.mu.Unlock()
}

// Run connects and serves the websocket session, reconnecting with capped
// backoff until ctx is canceled. On every (re)connect it re-subscribes to
// state changes and reseeds the state map.
func (c *Client) Run(ctx context.Context) error {
	wait := time.Second
	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Warn("hub session ended, reconnecting", "instance", c.instance, "error", err, "wait", wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
		if wait > maxReconnectWait {
			wait = maxReconnectWait
		}
	}
}

func (c *Client) session(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.wsURL, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dial hub: %w", err)
	}
	defer conn.Close()

	if err := c.authenticate(conn); err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer c.teardown(conn)

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	if err := c.subscribe(ctx); err != nil {
		return err
	}
	if err := c.seedStates(ctx); err != nil {
		return err
	}

	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("read hub message: %w", err)
		}
		c.dispatch(msg)
	}
}

func (c *Client) authenticate(conn *websocket.Conn) error {
	var hello wsMessage
	if err := conn.ReadJSON(&hello); err != nil {
		return fmt.Errorf("read auth challenge: %w", err)
	}
	if hello.Type != "auth_required" {
		return fmt.Errorf("unexpected hello message %q", hello.Type)
	}
	auth := map[string]string{"type": "auth", "access_token": c.cfg.Token}
	if err := conn.WriteJSON(auth); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}
	var reply wsMessage
	if err := conn.ReadJSON(&reply); err != nil {
		return fmt.Errorf("read auth reply: %w", err)
	}
	if reply.Type != "auth_ok" {
		return fmt.Errorf("hub rejected auth: %s", reply.Type)
	}
	return nil
}

// teardown fails all pending calls so callers don't hang across a
// reconnect.
func (c *Client) teardown(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	for id, ch := range c.pending {
		ch <- callResult{err: fmt.Errorf("hub connection lost")}
		delete(c.pending, id)
	}
	c.mu.Unlock()
}

func (c *Client) subscribe(ctx context.Context) error {
	_, err := c.CallWS(ctx, map[string]interface{}{
		"type":       "subscribe_events",
		"event_type": "state_changed",
	})
	if err != nil {
		return fmt.Errorf("subscribe state events: %w", err)
	}
	return nil
}

func (c *Client) seedStates(ctx context.Context) error {
	raw, err := c.CallWS(ctx, map[string]interface{}{"type": "get_states"})
	if err != nil {
		return fmt.Errorf("seed states: %w", err)
	}
	var list []State
	if err := json.Unmarshal(raw, &list); err != nil {
		return fmt.Errorf("decode states: %w", err)
	}

	c.mu.Lock()
	c.states = make(map[string]State, len(list))
	for _, st := range list {
		if st.EntityID != "" {
			c.states[st.EntityID] = st
		}
	}
	snap, sink := c.snapshotLocked()
	c.mu.Unlock()

	if sink != nil {
		sink(snap)
	}
	return nil
}

func (c *Client) dispatch(msg wsMessage) {
	switch msg.Type {
	case "result":
		c.mu.Lock()
		ch, ok := c.pending[msg.ID]
		if ok {
			delete(c.pending, msg.ID)
		}
		c.mu.Unlock()
		if !ok {
			return
		}
		if msg.Success != nil && !*msg.Success {
			errMsg := "unknown error"
			if msg.Error != nil {
				errMsg = msg.Error.Message
			}
			ch <- callResult{err: fmt.Errorf("hub call failed: %s", errMsg)}
			return
		}
		ch <- callResult{result: msg.Result}

	case "event":
		var ev stateChangedEvent
		if err := json.Unmarshal(msg.Event, &ev); err != nil || ev.EventType != "state_changed" {
			return
		}
		c.applyStateChange(ev)
	}
}

func (c *Client) applyStateChange(ev stateChangedEvent) {
	c.mu.Lock()
	if ev.Data.NewState == nil {
		delete(c.states, ev.Data.EntityID)
	} else {
		c.states[ev.Data.EntityID] = *ev.Data.NewState
	}
	snap, sink := c.snapshotLocked()
	c.mu.Unlock()

	if sink != nil {
		sink(snap)
	}
}

func (c *Client) snapshotLocked() (Snapshot, func(Snapshot)) {
	snap := make(Snapshot, len(c.states))
	for id, st := range c.states {
		snap[id] = st
	}
	return snap, c.sink
}

// CallWS sends one id-correlated command and waits for its result.
func (c *Client) CallWS(ctx context.Context, cmd map[string]interface{}) (json.RawMessage, error) {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("hub not connected")
	}
	c.nextID++
	id := c.nextID
	ch := make(chan callResult, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	cmd["id"] = id
	c.writeMu.Lock()
	err := conn.WriteJSON(cmd)
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("send hub command: %w", err)
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	case res := <-ch:
		return res.result, res.err
	}
}

// ListEntities implements RegistryService.
func (c *Client) ListEntities(ctx context.Context) ([]RegistryEntry, error) {
	raw, err := c.CallWS(ctx, map[string]interface{}{"type": "config/entity_registry/list"})
	if err != nil {
		return nil, err
	}
	var list []RegistryEntry
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("decode entity registry: %w", err)
	}
	return list, nil
}

// ListDevices implements RegistryService.
func (c *Client) ListDevices(ctx context.Context) ([]Device, error) {
	raw, err := c.CallWS(ctx, map[string]interface{}{"type": "config/device_registry/list"})
	if err != nil {
		return nil, err
	}
	var list []Device
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("decode device registry: %w", err)
	}
	return list, nil
}

// EnergyPreferences implements PreferencesService.
func (c *Client) EnergyPreferences(ctx context.Context) (Preferences, error) {
	raw, err := c.CallWS(ctx, map[string]interface{}{"type": "energy/get_prefs"})
	if err != nil {
		return Preferences{}, err
	}
	var prefs Preferences
	if err := json.Unmarshal(raw, &prefs); err != nil {
		return Preferences{}, fmt.Errorf("decode energy preferences: %w", err)
	}
	return prefs, nil
}

// StatisticsDuringPeriod implements StatisticsService.
func (c *Client) StatisticsDuringPeriod(ctx context.Context, statIDs []string, start, end time.Time, period string) (map[string][]StatisticsPoint, error) {
	raw, err := c.CallWS(ctx, map[string]interface{}{
		"type":          "recorder/statistics_during_period",
		"start_time":    start.Format(time.RFC3339),
		"end_time":      end.Format(time.RFC3339),
		"statistic_ids": statIDs,
		"period":        period,
	})
	if err != nil {
		return nil, err
	}
	var series map[string][]StatisticsPoint
	if err := json.Unmarshal(raw, &series); err != nil {
		return nil, fmt.Errorf("decode statistics: %w", err)
	}
	return series, nil
}

// HistoryPeriod implements HistoryService over the hub's REST API, using
// minimal response mode to skip attribute payloads and paging overhead.
func (c *Client) HistoryPeriod(ctx context.Context, entityID string, start, end time.Time) ([]HistoryPoint, error) {
	q := url.Values{}
	q.Set("filter_entity_id", entityID)
	q.Set("end_time", end.Format(time.RFC3339))
	q.Set("minimal_response", "")

	endpoint := fmt.Sprintf("%s/api/history/period/%s?%s",
		strings.TrimRight(c.cfg.URL, "/"), start.Format(time.RFC3339), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build history request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("history request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("history request: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	// One sample series per requested entity; a single entity was asked for.
	var series [][]HistoryPoint
	if err := json.NewDecoder(resp.Body).Decode(&series); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	if len(series) == 0 {
		return nil, nil
	}
	return series[0], nil
}
