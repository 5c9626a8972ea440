package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sensaura/iothing/internal/collection"
	"github.com/sensaura/iothing/internal/connectivity"
	"github.com/sensaura/iothing/internal/device"
	"github.com/sensaura/iothing/internal/discovery"
	"github.com/sensaura/iothing/internal/logging"
	"github.com/sensaura/iothing/internal/notify"
)

const (
	// DefaultSendBuffer is how many messages may queue for one client before
	// it is considered too slow and disconnected
	DefaultSendBuffer = 64

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxClientMessage = 512
)

// Network is the connectivity source the feed reports on.
// *connectivity.Monitor implements it.
type Network interface {
	State() connectivity.State
	SubscribeFunc(fn func(connectivity.Transition)) *notify.Subscription
	Unsubscribe(s *notify.Subscription)
}

// DiscoveryStatus reports discovery progress. *discovery.Service implements it.
type DiscoveryStatus interface {
	State() discovery.State
	ServiceType() string
	Stats() discovery.Stats
}

// Server serves the device collection over HTTP and streams changes to
// WebSocket clients.
type Server struct {
	devices   *collection.Collection[*device.Device]
	network   Network
	discovery DiscoveryStatus
	log       *zap.Logger

	// SendBuffer is the per-client queue length (default 64)
	SendBuffer int

	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	subs    []func()
}

type client struct {
	conn *websocket.Conn
	addr string
	send chan Message
	once sync.Once
	done chan struct{}
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

// NewServer creates a feed over devices. network and status may be nil.
func NewServer(devices *collection.Collection[*device.Device], network Network, status DiscoveryStatus, log *zap.Logger) *Server {
	s := &Server{
		devices:    devices,
		network:    network,
		discovery:  status,
		log:        logging.OrNamed(log, "feed"),
		SendBuffer: DefaultSendBuffer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		clients: make(map[*client]struct{}),
	}

	devSub := devices.SubscribeFunc(s.onChange)
	s.subs = append(s.subs, func() { devices.Unsubscribe(devSub) })
	if network != nil {
		netSub := network.SubscribeFunc(s.onTransition)
		s.subs = append(s.subs, func() { network.Unsubscribe(netSub) })
	}
	return s
}

// Handler returns the HTTP routes of the feed.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /devices", s.handleDevices)
	mux.HandleFunc("GET /devices/{id}", s.handleDevice)
	mux.HandleFunc("GET /network", s.handleNetwork)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	return mux
}

// ListenAndServe serves on addr until ctx is done, then shuts down.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	s.log.Info("Feed listening", zap.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		s.Close()
		return fmt.Errorf("feed server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("feed shutdown: %w", err)
	}
	return nil
}

// Close unsubscribes from the sources and disconnects every client.
func (s *Server) Close() {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	clients := s.clients
	s.clients = make(map[*client]struct{})
	s.mu.Unlock()

	for _, unsubscribe := range subs {
		unsubscribe()
	}
	for c := range clients {
		c.close()
	}
}

// ClientCount returns the number of connected WebSocket clients
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.devices.Items())
}

func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	d, ok := s.devices.Get(r.PathValue("id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleNetwork(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.networkState())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := Status{
		Network: s.networkState(),
		Devices: s.devices.Len(),
		Clients: s.ClientCount(),
	}
	if s.discovery != nil {
		stats := s.discovery.Stats()
		status.Discovery = &DiscoveryInfo{
			State:       s.discovery.State().String(),
			ServiceType: s.discovery.ServiceType(),
			Stats:       stats,
		}
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) networkState() connectivity.State {
	if s.network == nil {
		return connectivity.State{}
	}
	return s.network.State()
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("Failed to upgrade to WebSocket",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err))
		return
	}

	c := &client{
		conn: conn,
		addr: r.RemoteAddr,
		send: make(chan Message, s.sendBuffer()),
		done: make(chan struct{}),
	}

	if !s.register(c) {
		_ = conn.Close()
		return
	}
	s.log.Info("Feed client connected", zap.String("remote_addr", c.addr))

	go s.readLoop(c)
	s.writeLoop(c)

	s.unregister(c)
	_ = conn.Close()
	s.log.Info("Feed client disconnected", zap.String("remote_addr", c.addr))
}

// register adds c and queues its snapshot. The snapshot is taken after c is
// visible to broadcasts, so a client never misses a change; a change
// committed just before the snapshot may be delivered again.
func (s *Server) register(c *client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs == nil {
		return false
	}
	s.clients[c] = struct{}{}
	c.send <- Message{
		Type:      TypeSnapshot,
		Devices:   s.devices.Items(),
		Network:   ptr(s.networkState()),
		Timestamp: time.Now(),
	}
	return true
}

func (s *Server) unregister(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	c.close()
}

// broadcast queues msg for every client. Clients whose queue is full are
// dropped instead of blocking delivery.
func (s *Server) broadcast(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for c := range s.clients {
		select {
		case c.send <- msg:
		default:
			s.log.Warn("Dropping slow feed client", zap.String("remote_addr", c.addr))
			delete(s.clients, c)
			c.close()
		}
	}
}

func (s *Server) onChange(ch collection.Change[*device.Device]) {
	s.broadcast(Message{
		Type: TypeChange,
		Change: &ChangeEvent{
			Kind:   ch.Kind,
			ID:     ch.ID,
			Device: ch.Item,
		},
		Timestamp: time.Now(),
	})
}

func (s *Server) onTransition(t connectivity.Transition) {
	s.broadcast(Message{
		Type:      TypeNetwork,
		Network:   ptr(t.Current),
		Timestamp: time.Now(),
	})
}

func (s *Server) writeLoop(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(writeWait))
			return
		case msg := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				s.log.Debug("Feed write failed", zap.String("remote_addr", c.addr), zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// readLoop discards client messages and closes c when the peer goes away.
func (s *Server) readLoop(c *client) {
	defer c.close()

	c.conn.SetReadLimit(maxClientMessage)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debug("Feed client closed unexpectedly", zap.String("remote_addr", c.addr), zap.Error(err))
			}
			return
		}
	}
}

func (s *Server) sendBuffer() int {
	if s.SendBuffer <= 0 {
		return DefaultSendBuffer
	}
	return s.SendBuffer
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func ptr[T any](v T) *T {
	return &v
}
