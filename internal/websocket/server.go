package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"fastbook/internal/aggregation"
	"fastbook/internal/exchange"
	"fastbook/internal/metrics"
	"fastbook/internal/orderbook"
	"fastbook/internal/types"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

type MessageType string

const (
	MessageTypeOrderbook MessageType = "orderbook"
	MessageTypeStats     MessageType = "stats"
	MessageTypeError     MessageType = "error"
)

const (
	DefaultPushInterval = 200 * time.Millisecond
	DefaultDepth        = 20

	sendBuffer   = 64
	writeTimeout = 5 * time.Second
)

// ClientMessage represents messages sent from client to server
type ClientMessage struct {
	Type    string   `json:"type"`
	Tick    int      `json:"tick,omitempty"`
	Symbols []string `json:"symbols,omitempty"`
}

type OrderbookMessage struct {
	Type      MessageType  `json:"type"`
	Symbol    string       `json:"symbol"`
	TickSize  string       `json:"tickSize"`
	TickLevel int          `json:"tickLevel"`
	Valid     bool         `json:"valid"`
	Desynced  bool         `json:"desynced"`
	Seq       uint64       `json:"seq"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Timestamp int64        `json:"timestamp"`
}

type StatsMessage struct {
	Type            MessageType `json:"type"`
	Symbol          string      `json:"symbol"`
	BestBid         string      `json:"bestBid"`
	BestAsk         string      `json:"bestAsk"`
	MidPrice        string      `json:"midPrice"`
	Spread          string      `json:"spread"`
	BidLevels       int         `json:"bidLevels"`
	AskLevels       int         `json:"askLevels"`
	LadderSize      int         `json:"ladderSize"`
	EventsProcessed int64       `json:"eventsProcessed"`
	Failures        int64       `json:"failures"`
	FeedDelayMs     int64       `json:"feedDelayMs"`
	LastError       string      `json:"lastError,omitempty"`
	Timestamp       int64       `json:"timestamp"`
}

type ErrorMessage struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

type PriceLevel struct {
	Price      string `json:"price"`
	Quantity   string `json:"quantity"`
	Cumulative string `json:"cumulative"`
}

// HealthReporter is implemented by exchange.Feed.
type HealthReporter interface {
	GetName() exchange.FeedName
	Health() exchange.HealthStatus
}

// Options configures a Server.
type Options struct {
	Addr         string
	PushInterval time.Duration
	Depth        int
	TickLevel    types.TickLevel
	// Registry is served on /metrics when set.
	Registry *prometheus.Registry
	Feeds    []HealthReporter
	Logger   zerolog.Logger
}

// Server streams aggregated books to websocket clients and serves book
// snapshots over HTTP. It receives views as a client subscriber.
type Server struct {
	opts     Options
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	viewsMux sync.RWMutex
	views    map[string]*orderbook.View
	dirty    map[string]bool

	clientsMux sync.RWMutex
	clients    map[string]*conn

	tickMux    sync.RWMutex
	aggregator *aggregation.Aggregator
}

type conn struct {
	id      string
	ws      *websocket.Conn
	send    chan interface{}
	done    chan struct{}
	mu      sync.RWMutex
	symbols map[string]bool // empty means every symbol
}

func (c *conn) wants(symbol string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.symbols) == 0 || c.symbols[symbol]
}

func NewServer(opts Options) *Server {
	if opts.PushInterval <= 0 {
		opts.PushInterval = DefaultPushInterval
	}
	if opts.Depth <= 0 {
		opts.Depth = DefaultDepth
	}
	if !types.IsValidTickLevel(opts.TickLevel) {
		opts.TickLevel = types.Tick1
	}
	return &Server{
		opts:       opts,
		logger:     opts.Logger.With().Str("component", "websocket").Logger(),
		views:      make(map[string]*orderbook.View),
		dirty:      make(map[string]bool),
		clients:    make(map[string]*conn),
		aggregator: aggregation.New(opts.TickLevel),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Name labels the server in notify metrics.
func (s *Server) Name() string { return "websocket" }

// OnBookUpdated stores v for the next push.
func (s *Server) OnBookUpdated(_ context.Context, symbol string, v *orderbook.View) error {
	s.viewsMux.Lock()
	s.views[symbol] = v
	s.dirty[symbol] = true
	s.viewsMux.Unlock()
	return nil
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.handleWebSocket)
	r.HandleFunc("/books", s.handleBooks).Methods(http.MethodGet)
	r.HandleFunc("/books/{symbol}", s.handleBook).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if s.opts.Registry != nil {
		r.Handle("/metrics", metrics.Handler(s.opts.Registry))
	}
	return r
}

// Start serves until ctx ends, then shuts the listener down.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go s.startDataPush(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.opts.Addr).Msg("server starting")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.closeClients()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &conn{
		id:      uuid.NewString(),
		ws:      ws,
		send:    make(chan interface{}, sendBuffer),
		done:    make(chan struct{}),
		symbols: make(map[string]bool),
	}
	s.clientsMux.Lock()
	s.clients[c.id] = c
	s.clientsMux.Unlock()
	metrics.WSClients.Inc()

	log := s.logger.With().Str("client", c.id).Logger()
	log.Info().Str("remote", r.RemoteAddr).Msg("client connected")

	go s.writeLoop(c)

	defer func() {
		s.removeClient(c)
		log.Info().Msg("client disconnected")
	}()

	// New clients get the current state immediately
	for _, msg := range s.snapshotMessages(c) {
		s.enqueue(c, msg)
	}

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			return
		}

		var clientMsg ClientMessage
		if err := json.Unmarshal(message, &clientMsg); err != nil {
			log.Debug().Err(err).Msg("bad client message")
			s.enqueue(c, ErrorMessage{Type: MessageTypeError, Message: "invalid json"})
			continue
		}

		s.handleClientMessage(c, clientMsg)
	}
}

func (s *Server) handleClientMessage(c *conn, msg ClientMessage) {
	switch msg.Type {
	case "set_tick":
		if err := s.setTickLevel(types.TickLevel(msg.Tick)); err != nil {
			s.enqueue(c, ErrorMessage{Type: MessageTypeError, Message: err.Error()})
		}
	case "tick_up", "tick_down":
		s.tickMux.RLock()
		current := s.aggregator.GetTickLevel()
		s.tickMux.RUnlock()
		next := types.GetNextTickLevel(current)
		if msg.Type == "tick_down" {
			next = types.GetPreviousTickLevel(current)
		}
		_ = s.setTickLevel(next)
	case "subscribe":
		c.mu.Lock()
		c.symbols = make(map[string]bool, len(msg.Symbols))
		for _, sym := range msg.Symbols {
			c.symbols[sym] = true
		}
		c.mu.Unlock()
		for _, m := range s.snapshotMessages(c) {
			s.enqueue(c, m)
		}
	default:
		s.enqueue(c, ErrorMessage{Type: MessageTypeError, Message: "unknown message type " + strconv.Quote(msg.Type)})
	}
}

func (s *Server) setTickLevel(tick types.TickLevel) error {
	if !types.IsValidTickLevel(tick) {
		return errors.New("invalid tick level " + strconv.Itoa(int(tick)))
	}

	s.tickMux.Lock()
	s.aggregator.SetTickLevel(tick)
	s.tickMux.Unlock()

	// Regroup every book at the new level on the next push
	s.viewsMux.Lock()
	for sym := range s.views {
		s.dirty[sym] = true
	}
	s.viewsMux.Unlock()

	s.logger.Info().Int("tick", int(tick)).Msg("tick level changed")
	return nil
}

// enqueue hands msg to c's writer; a client that cannot keep up loses messages.
func (s *Server) enqueue(c *conn, msg interface{}) {
	select {
	case c.send <- msg:
	case <-c.done:
	default:
		s.logger.Debug().Str("client", c.id).Msg("client send buffer full, message dropped")
	}
}

func (s *Server) writeLoop(c *conn) {
	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteJSON(msg); err != nil {
				s.logger.Debug().Err(err).Str("client", c.id).Msg("write failed")
				s.removeClient(c)
				return
			}
		case <-c.done:
			return
		}
	}
}

func (s *Server) removeClient(c *conn) {
	s.clientsMux.Lock()
	if _, ok := s.clients[c.id]; !ok {
		s.clientsMux.Unlock()
		return
	}
	delete(s.clients, c.id)
	s.clientsMux.Unlock()

	close(c.done)
	c.ws.Close()
	metrics.WSClients.Dec()
}

func (s *Server) closeClients() {
	s.clientsMux.RLock()
	all := make([]*conn, 0, len(s.clients))
	for _, c := range s.clients {
		all = append(all, c)
	}
	s.clientsMux.RUnlock()
	for _, c := range all {
		s.removeClient(c)
	}
}

func (s *Server) startDataPush(ctx context.Context) {
	ticker := time.NewTicker(s.opts.PushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.push()
		}
	}
}

// push sends every book that changed since the last push to interested clients.
func (s *Server) push() {
	s.clientsMux.RLock()
	clients := make([]*conn, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMux.RUnlock()

	if len(clients) == 0 {
		return
	}

	s.viewsMux.Lock()
	changed := make([]*orderbook.View, 0, len(s.dirty))
	for sym := range s.dirty {
		changed = append(changed, s.views[sym])
	}
	s.dirty = make(map[string]bool)
	s.viewsMux.Unlock()

	if len(changed) == 0 {
		return
	}

	timestamp := time.Now().UnixMilli()
	for _, v := range changed {
		if !v.Initialized {
			continue
		}
		book := s.buildOrderbookMessage(v, s.opts.Depth, timestamp)
		stats := buildStatsMessage(v, timestamp)
		for _, c := range clients {
			if c.wants(v.Symbol) {
				s.enqueue(c, book)
				s.enqueue(c, stats)
			}
		}
	}
}

func (s *Server) snapshotMessages(c *conn) []interface{} {
	timestamp := time.Now().UnixMilli()
	var out []interface{}
	for _, v := range s.sortedViews() {
		if !v.Initialized || !c.wants(v.Symbol) {
			continue
		}
		out = append(out, s.buildOrderbookMessage(v, s.opts.Depth, timestamp), buildStatsMessage(v, timestamp))
	}
	return out
}

func (s *Server) sortedViews() []*orderbook.View {
	s.viewsMux.RLock()
	defer s.viewsMux.RUnlock()
	out := make([]*orderbook.View, 0, len(s.views))
	for _, v := range s.views {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func (s *Server) view(symbol string) (*orderbook.View, bool) {
	s.viewsMux.RLock()
	defer s.viewsMux.RUnlock()
	v, ok := s.views[symbol]
	return v, ok
}

func (s *Server) handleBooks(w http.ResponseWriter, r *http.Request) {
	timestamp := time.Now().UnixMilli()
	views := s.sortedViews()
	out := make([]StatsMessage, 0, len(views))
	for _, v := range views {
		out = append(out, buildStatsMessage(v, timestamp))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleBook(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	v, ok := s.view(symbol)
	if !ok {
		writeJSON(w, http.StatusNotFound, ErrorMessage{Type: MessageTypeError, Message: "unknown symbol " + symbol})
		return
	}

	depth := s.opts.Depth
	if raw := r.URL.Query().Get("depth"); raw != "" {
		d, err := strconv.Atoi(raw)
		if err != nil || d < 0 {
			writeJSON(w, http.StatusBadRequest, ErrorMessage{Type: MessageTypeError, Message: "invalid depth " + raw})
			return
		}
		depth = d
	}
	writeJSON(w, http.StatusOK, s.buildOrderbookMessage(v, depth, time.Now().UnixMilli()))
}

type healthResponse struct {
	Status string                `json:"status"`
	Books  int                   `json:"books"`
	Feeds  map[string]feedHealth `json:"feeds,omitempty"`
}

type feedHealth struct {
	Connected    bool   `json:"connected"`
	MessageCount int64  `json:"messageCount"`
	ErrorCount   int64  `json:"errorCount"`
	LastMessage  string `json:"lastMessage,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.viewsMux.RLock()
	resp := healthResponse{Status: "ok", Books: len(s.views), Feeds: make(map[string]feedHealth)}
	s.viewsMux.RUnlock()

	code := http.StatusOK
	for _, f := range s.opts.Feeds {
		h := f.Health()
		fh := feedHealth{Connected: h.Connected, MessageCount: h.MessageCount, ErrorCount: h.ErrorCount}
		if !h.LastPing.IsZero() {
			fh.LastMessage = h.LastPing.UTC().Format(time.RFC3339Nano)
		}
		resp.Feeds[string(f.GetName())] = fh
		if !h.Connected {
			resp.Status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) buildOrderbookMessage(v *orderbook.View, depth int, timestamp int64) OrderbookMessage {
	s.tickMux.RLock()
	tick := s.aggregator.GetTickLevel()
	aggregatedBids := s.aggregator.Group(v, orderbook.Bid, depth)
	aggregatedAsks := s.aggregator.Group(v, orderbook.Ask, depth)
	s.tickMux.RUnlock()

	return OrderbookMessage{
		Type:      MessageTypeOrderbook,
		Symbol:    v.Symbol,
		TickSize:  decimal.NewFromFloat(v.TickSize).String(),
		TickLevel: int(tick),
		Valid:     v.Valid,
		Desynced:  v.Desynced,
		Seq:       v.Seq,
		Bids:      cumulative(aggregatedBids),
		Asks:      cumulative(aggregatedAsks),
		Timestamp: timestamp,
	}
}

// cumulative converts levels to wire format with running quantity sums
func cumulative(levels []types.PriceLevel) []PriceLevel {
	out := make([]PriceLevel, 0, len(levels))
	sum := decimal.Zero
	for _, l := range levels {
		sum = sum.Add(l.Quantity)
		out = append(out, PriceLevel{
			Price:      l.Price.String(),
			Quantity:   l.Quantity.String(),
			Cumulative: sum.String(),
		})
	}
	return out
}

func buildStatsMessage(v *orderbook.View, timestamp int64) StatsMessage {
	msg := StatsMessage{
		Type:            MessageTypeStats,
		Symbol:          v.Symbol,
		BidLevels:       v.Stats.BidLevels,
		AskLevels:       v.Stats.AskLevels,
		LadderSize:      v.Stats.LadderSize,
		EventsProcessed: v.Stats.EventsProcessed,
		Failures:        v.Stats.Failures,
		FeedDelayMs:     v.FeedDelay.Milliseconds(),
		LastError:       v.Stats.LastError,
		Timestamp:       timestamp,
	}
	bid, okBid := v.BestBid()
	ask, okAsk := v.BestAsk()
	b := aggregation.GridPrice(bid.Price, v.TickSize)
	a := aggregation.GridPrice(ask.Price, v.TickSize)
	if okBid {
		msg.BestBid = b.String()
	}
	if okAsk {
		msg.BestAsk = a.String()
	}
	if okBid && okAsk {
		msg.MidPrice = b.Add(a).Div(decimal.NewFromInt(2)).String()
		msg.Spread = a.Sub(b).String()
	}
	return msg
}
