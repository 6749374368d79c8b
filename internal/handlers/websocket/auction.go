package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/Martin-Hayot/auction-storefront/configs"
	"github.com/Martin-Hayot/auction-storefront/internal/auction"
	"github.com/Martin-Hayot/auction-storefront/internal/events"
	"github.com/Martin-Hayot/auction-storefront/internal/session"
	"github.com/Martin-Hayot/auction-storefront/pkg/errors"
	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// AuctionHandler bridges one storefront session to any number of websocket
// views. Signals are pushed to every view; commands from any view drive the
// shared session.
type AuctionHandler struct {
	session *session.Session
	cfg     configs.WebSocketConfig

	upgrader websocket.Upgrader

	clientLock       sync.Mutex
	connectedClients map[*Client]bool
}

func NewAuctionWebSocketHandler(sess *session.Session, cfg configs.WebSocketConfig, features configs.FeaturesConfig) *AuctionHandler {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 10
	}

	h := &AuctionHandler{
		session:          sess,
		cfg:              cfg,
		connectedClients: make(map[*Client]bool),
	}
	if features.AllowCrossOrigin {
		h.upgrader.CheckOrigin = func(r *http.Request) bool { return true }
	}
	return h
}

// Listen forwards every signal of emitter to the connected views. Signal
// handlers run on the session dispatcher, which is what makes reading st here
// safe. The returned func stops forwarding.
func (h *AuctionHandler) Listen(emitter *events.Emitter, st *auction.State) func() {
	return emitter.OnAll(func(ev events.Event) {
		msg, err := encodeSignal(ev, st)
		if err != nil {
			log.Error("Error encoding signal", "signal", ev.Name, "error", err)
			return
		}
		h.Broadcast(msg)
	})
}

// ServeHTTP upgrades the HTTP request to a WebSocket connection.
func (h *AuctionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client
		log.Infof("Failed to upgrade connection: %v", errors.Fatal(errors.ErrWebSocketUpgrade, err, "upgrade"))
		return
	}
	if h.cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(h.cfg.MaxMessageSize)
	}

	// Initialize a new client
	client := &Client{
		ID:          uuid.NewString(),
		Conn:        conn,
		Send:        make(chan []byte, sendBuffer),
		RateLimiter: rate.NewLimiter(rate.Limit(h.cfg.RatePerSecond), h.cfg.Burst),
	}

	// Registering on the dispatcher orders the snapshot before any signal
	// that follows it.
	if err := h.register(r.Context(), client); err != nil {
		log.Error("Error building snapshot", "client", client.ID, "error", err)
		conn.Close()
		return
	}
	log.Info("Client connected", "client", client.ID, "remote", r.RemoteAddr)

	// Start handling the client
	go func() {
		client.ReadMessages(2*h.cfg.PingInterval, h.HandleMessage)
		client.Disconnect(h)
	}()
	go client.WriteMessages(h.cfg.PingInterval)
}

// Broadcast sends a message to all connected clients. Clients that cannot
// keep up are disconnected.
func (h *AuctionHandler) Broadcast(message []byte) {
	h.clientLock.Lock()
	var slow []*Client
	for client := range h.connectedClients {
		if !client.Deliver(message) {
			slow = append(slow, client)
		}
	}
	h.clientLock.Unlock()

	for _, client := range slow {
		log.Warn("Dropping slow client", "client", client.ID)
		client.Disconnect(h)
	}
}

// Clients returns the number of connected views.
func (h *AuctionHandler) Clients() int {
	h.clientLock.Lock()
	defer h.clientLock.Unlock()
	return len(h.connectedClients)
}

// Close disconnects every view.
func (h *AuctionHandler) Close() {
	h.clientLock.Lock()
	clients := make([]*Client, 0, len(h.connectedClients))
	for client := range h.connectedClients {
		clients = append(clients, client)
	}
	h.clientLock.Unlock()

	for _, client := range clients {
		client.Disconnect(h)
	}
}

func (h *AuctionHandler) removeClient(c *Client) {
	h.clientLock.Lock()
	delete(h.connectedClients, c)
	h.clientLock.Unlock()
}

func (h *AuctionHandler) register(ctx context.Context, client *Client) error {
	var encErr error
	err := h.session.Exec(ctx, func(st *auction.State) {
		var raw []byte
		raw, encErr = encode(TypeSnapshot, newSnapshot(st))
		if encErr != nil {
			return
		}
		client.Deliver(raw)

		h.clientLock.Lock()
		h.connectedClients[client] = true
		h.clientLock.Unlock()
	})
	if err != nil {
		return err
	}
	return encErr
}

func (h *AuctionHandler) basket(ctx context.Context) ([]byte, error) {
	var (
		raw    []byte
		encErr error
	)
	err := h.session.Exec(ctx, func(st *auction.State) {
		raw, encErr = encode(TypeBasket, newBasket(st))
	})
	if err != nil {
		return nil, err
	}
	return raw, encErr
}

func encode(kind string, data any) ([]byte, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Message{Type: kind, Data: payload})
}
