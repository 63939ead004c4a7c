// Package stream publishes training steps to websocket clients.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	channerics "github.com/niceyeti/channerics/channels"
	"golang.org/x/sync/errgroup"

	"snakedqn/internal/config"
	"snakedqn/internal/env"
	"snakedqn/internal/train"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = time.Second
	// Maximum message size allowed from peer.
	maxMessageSize = 1024
	// Time allowed to read the next pong message from the peer.
	pongWait = 10 * time.Second
	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{}

// Frame is one message sent to clients
type Frame struct {
	Kind      string    `json:"kind"` // step|episode
	Episode   int       `json:"episode"`
	Step      int       `json:"step"`
	Action    string    `json:"action,omitempty"`
	Reward    float64   `json:"reward"`
	Done      bool      `json:"done"`
	Loss      float64   `json:"loss"`
	Score     int       `json:"score"`
	BestScore int       `json:"best_score"`
	Epsilon   float64   `json:"epsilon"`
	Grid      [][]int   `json:"grid,omitempty"` // cell codes, row major
	QValues   []float64 `json:"q_values,omitempty"`

	// Conv activations per stage, channel, row, column
	FeatureMaps [][][][]float64 `json:"feature_maps,omitempty"`

	Death string `json:"death,omitempty"`
}

type client struct {
	ws   *websocket.Conn
	send chan []byte
}

// Hub is a train.Observer that fans frames out to every connected client at
// a bounded rate. A client whose buffer is full misses frames; training
// never waits on the network.
type Hub struct {
	cfg      config.StreamConfig
	interval time.Duration
	features bool

	mu       sync.Mutex
	clients  map[*client]struct{}
	lastSent time.Time
	dropped  int
	done     chan struct{}
	closed   bool
}

// NewHub creates a hub. With features set, step frames carry conv feature maps.
func NewHub(cfg config.StreamConfig, features bool) *Hub {
	fps := cfg.MaxFPS
	if fps <= 0 {
		fps = 30
	}
	if cfg.ClientBuffer <= 0 {
		cfg.ClientBuffer = 16
	}
	return &Hub{
		cfg:      cfg,
		interval: time.Second / time.Duration(fps),
		features: features,
		clients:  make(map[*client]struct{}),
		done:     make(chan struct{}),
	}
}

// OnStep publishes the step unless the previous frame went out too recently.
// Terminal steps are always published.
func (h *Hub) OnStep(s *train.Session, step train.Step) {
	h.mu.Lock()
	idle := len(h.clients) == 0
	tooSoon := time.Since(h.lastSent) < h.interval
	h.mu.Unlock()
	if idle || (tooSoon && !step.Done) {
		return
	}

	frame := Frame{
		Kind:      "step",
		Episode:   step.Episode,
		Step:      step.Index,
		Action:    step.Action.String(),
		Reward:    step.Reward,
		Done:      step.Done,
		Loss:      step.Loss,
		Score:     s.Game.Score(),
		BestScore: s.BestScore,
		Epsilon:   s.Agent.Epsilon(),
		Grid:      gridCodes(step.Next),
	}
	// Diagnostics are best effort
	if q, err := s.Agent.QValues(step.Next); err == nil {
		frame.QValues = q
	}
	if h.features {
		if maps, err := s.Agent.FeatureMaps(step.Next); err == nil {
			frame.FeatureMaps = maps
		}
	}
	h.Broadcast(frame)
}

// gridCodes converts the snapshot to plain integers so it encodes as nested
// arrays; a []env.Cell row would be sent as base64 bytes
func gridCodes(state env.GridState) [][]int {
	n := state.Size()
	rows := make([][]int, n)
	for y := range rows {
		rows[y] = make([]int, n)
		for x := range rows[y] {
			rows[y][x] = int(state.At(x, y))
		}
	}
	return rows
}

// OnEpisodeEnd publishes the episode summary
func (h *Hub) OnEpisodeEnd(s *train.Session, stats env.EpisodeStats) {
	h.Broadcast(Frame{
		Kind:      "episode",
		Episode:   stats.Episode,
		Step:      stats.Steps,
		Reward:    stats.Reward,
		Done:      true,
		Loss:      stats.Loss,
		Score:     stats.Score,
		BestScore: s.BestScore,
		Epsilon:   s.Agent.Epsilon(),
		Death:     stats.Death.String(),
	})
}

// Broadcast queues the frame on every client without blocking
func (h *Hub) Broadcast(frame Frame) {
	msg, err := json.Marshal(frame)
	if err != nil {
		log.Println("stream: encode frame:", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastSent = time.Now()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.dropped++
		}
	}
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Dropped returns the number of frames skipped for slow clients
func (h *Hub) Dropped() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// Close disconnects every client
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.closed {
		h.closed = true
		close(h.done)
	}
}

// Handler routes /ws and /healthz
func (h *Hub) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/ws", h.serveWebsocket).Methods(http.MethodGet)
	r.HandleFunc("/healthz", h.serveHealth).Methods(http.MethodGet)
	return r
}

// ListenAndServe serves the hub until ctx is done
func (h *Hub) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		<-groupCtx.Done()
		h.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), writeWait)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	group.Go(func() error {
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	return group.Wait()
}

func (h *Hub) serveHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]int{
		"clients": h.Clients(),
		"dropped": h.Dropped(),
	})
}

func (h *Hub) serveWebsocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println("upgrade:", err)
		return
	}
	defer ws.Close()

	c := &client{ws: ws, send: make(chan []byte, h.cfg.ClientBuffer)}
	if !h.register(c) {
		return
	}
	defer h.unregister(c)

	group, ctx := errgroup.WithContext(r.Context())
	group.Go(func() error {
		return c.readMessages()
	})
	group.Go(func() error {
		return c.publish(ctx, h.done)
	})
	group.Go(func() error {
		// Unblocks readMessages once either side is finished
		<-ctx.Done()
		return ws.Close()
	})
	if err := group.Wait(); err != nil && isError(err) {
		log.Println("stream client:", err)
	}
}

// readMessages discards client messages; it keeps the pong handler running
func (c *client) readMessages() error {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			return err
		}
	}
}

func (c *client) publish(ctx context.Context, done <-chan struct{}) error {
	pinger := channerics.NewTicker(ctx.Done(), pingPeriod)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return errClosed
		case msg, ok := <-c.send:
			if !ok {
				return errClosed
			}
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return err
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return err
			}
		case <-pinger:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return err
			}
		}
	}
}

var errClosed = errors.New("hub closed")

func isError(err error) bool {
	return !errors.Is(err, errClosed) && websocket.IsUnexpectedCloseError(
		err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway)
}
