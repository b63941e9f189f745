// Package webipc serves the web interface's message queue over a local
// websocket. Each message is binary: a 6-byte little-endian header (u32
// request time, u16 request id) followed by an ASCII command; responses
// echo the header. Bodies longer than one packet are chunked behind a
// count packet, preserving the wire contract the web UI already speaks.
package webipc

import (
	"context"
	"encoding/binary"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shaunagostinho/twcmaster/internal/alloc"
	"github.com/shaunagostinho/twcmaster/internal/carapi"
	"github.com/shaunagostinho/twcmaster/internal/metrics"
	"github.com/shaunagostinho/twcmaster/internal/registry"
	"github.com/shaunagostinho/twcmaster/internal/settings"
	"github.com/shaunagostinho/twcmaster/internal/tasks"
)

// Engine is the slice of the bus engine the IPC commands drive.
type Engine interface {
	QueueRaw(payload []byte)
	LastResponse() []byte
	SetOverrideHeartbeat(data []byte)
	SetDebugLevel(n int)
	DumpState() string
}

const (
	headerLen = 6
	// maxPacketBody is the largest response body one packet carries;
	// longer bodies are split behind a count packet.
	maxPacketBody = 290
)

// Deps are the controller surfaces the IPC commands act on.
type Deps struct {
	Registry *registry.Registry
	State    *alloc.State
	Settings *settings.Store
	Engine   Engine
	Car      *carapi.Client
	Tasks    *tasks.Runner
	Metrics  *metrics.Metrics

	// SyncPolicy pushes freshly persisted settings into the allocator.
	SyncPolicy func()
}

// Server accepts web UI connections.
type Server struct {
	deps     Deps
	addr     string
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

// NewServer creates the IPC server listening on addr.
func NewServer(addr string, deps Deps) *Server {
	return &Server{
		deps: deps,
		addr: addr,
		upgrader: websocket.Upgrader{
			// The listener is bound to localhost; the web server on
			// the same host is the only expected client.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]struct{}),
	}
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ipc", s.handleWS)
	if s.deps.Metrics != nil {
		mux.Handle("/metrics", s.deps.Metrics.Handler())
	}

	srv := &http.Server{Addr: s.addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Printf("[webipc] listening on %s", s.addr)
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[webipc] upgrade error: %v", err)
		return
	}
	s.mu.Lock()
	s.clients[conn] = struct{}{}
	total := len(s.clients)
	s.mu.Unlock()
	log.Printf("[webipc] client connected (%d total)", total)

	defer func() {
		s.mu.Lock()
		delete(s.clients, conn)
		s.mu.Unlock()
		conn.Close()
		log.Printf("[webipc] client disconnected")
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if len(data) < headerLen {
			continue
		}
		reqTime := binary.LittleEndian.Uint32(data[0:4])
		reqID := binary.LittleEndian.Uint16(data[4:6])
		body := s.handleCommand(data[headerLen:])
		if body == "" {
			continue
		}
		for _, packet := range packets(reqTime, reqID, body) {
			if err := conn.WriteMessage(websocket.BinaryMessage, packet); err != nil {
				return
			}
		}
	}
}

// packets splits a response body into wire packets. A body that fits in one
// packet is sent as-is; longer bodies get a leading packet whose single
// body byte is the continuation count.
func packets(reqTime uint32, reqID uint16, body string) [][]byte {
	header := make([]byte, headerLen)
	binary.LittleEndian.PutUint32(header[0:4], reqTime)
	binary.LittleEndian.PutUint16(header[4:6], reqID)

	pack := func(b []byte) []byte {
		return append(append([]byte{}, header...), b...)
	}

	if len(body) <= maxPacketBody {
		return [][]byte{pack([]byte(body))}
	}

	n := (len(body) + maxPacketBody - 1) / maxPacketBody
	out := [][]byte{pack([]byte{byte(n)})}
	for i := 0; i < n; i++ {
		end := (i + 1) * maxPacketBody
		if end > len(body) {
			end = len(body)
		}
		out = append(out, pack([]byte(body[i*maxPacketBody:end])))
	}
	return out
}
