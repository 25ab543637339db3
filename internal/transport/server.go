package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/eventrelay/internal/events"
	"github.com/nugget/eventrelay/internal/relay"
	"github.com/nugget/eventrelay/internal/store"
)

// upgrader configures the WebSocket upgrade. Relay frames (single
// events/filters) are small, so modest buffers are plenty.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  16 * 1024,
	WriteBufferSize: 16 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server is the relay's HTTP front door: it negotiates the capability
// document vs. WebSocket upgrade on the root path and, once upgraded,
// hands the connection to a Connection.
type Server struct {
	address  string
	port     int
	pipeline *relay.Pipeline
	store    QueryStore
	registry *relay.Registry
	logger   *slog.Logger
	bus      *events.Bus
	server   *http.Server

	relayName        string
	relayDescription string
}

// NewServer constructs a Server. bus may be nil to disable telemetry.
func NewServer(address string, port int, pipeline *relay.Pipeline, st *store.Store, registry *relay.Registry, logger *slog.Logger, bus *events.Bus) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:          address,
		port:             port,
		pipeline:         pipeline,
		store:            st,
		registry:         registry,
		logger:           logger,
		bus:              bus,
		relayName:        "eventrelay",
		relayDescription: "signed-event publish/subscribe relay",
	}
}

// Start begins serving HTTP/WebSocket requests. Blocks until the
// server is shut down or fails.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /", s.handleRoot(ctx))

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // long-lived WebSocket connections, no fixed write deadline
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting relay server", "address", addr, "port", s.port)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleRoot(ctx context.Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if wantsCapabilityDocument(r) {
			serveCapabilityDocument(w, s.relayName, s.relayDescription)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Debug("websocket upgrade failed", "error", err)
			return
		}

		c := NewConnection(conn, s.pipeline, s.store, s.registry, s.logger, s.bus)
		go c.Serve(ctx)
	}
}
