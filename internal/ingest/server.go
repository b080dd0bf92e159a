package ingest

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Server exposes the Ingestor over the tracer's loopback push channel on
// port 7999. Multiple concurrent tracer connections are tolerated, though
// one is typical.
type Server struct {
	ingestor *Ingestor
	http     *http.Server
}

// NewServer builds a push-channel server bound to 127.0.0.1:port.
func NewServer(ingestor *Ingestor, port int) *Server {
	s := &Server{ingestor: ingestor}
	mux := http.NewServeMux()
	mux.HandleFunc("/ingest", s.handleConnection)
	s.http = &http.Server{
		Addr:    net.JoinHostPort("127.0.0.1", strconv.Itoa(port)),
		Handler: mux,
	}
	return s
}

// Serve blocks accepting tracer connections until the server is shut down.
func (s *Server) Serve() error {
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops accepting new connections, honoring ctx's deadline.
// Tracer connections already upgraded to WebSocket are hijacked from the
// http.Server, so Shutdown neither closes nor waits for them.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost", "127.0.0.1"},
	})
	if err != nil {
		slog.Error("ingest.accept_failed", "error", err)
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	for {
		var f Frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			if websocket.CloseStatus(err) != -1 {
				return
			}
			slog.Warn("ingest.frame_read_failed", "error", err)
			return
		}
		// A malformed frame's JSON is rejected by wsjson.Read above; a
		// frame that parses but carries a bad payload shape is handled
		// downstream. Only the Data field is opaque past this point.
		s.ingestor.Submit(f)
	}
}
