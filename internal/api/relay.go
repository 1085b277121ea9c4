package api

import (
	"log"
	"net/http"
	"slices"
	"strings"

	"github.com/gorilla/handlers"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-chatrelay/internal/config"
	"github.com/npezzotti/go-chatrelay/internal/server"
	"github.com/npezzotti/go-chatrelay/internal/types"
)

// RelayApp is the relay's HTTP front end: the websocket endpoint and a
// health check, mounted on the given mux next to /metrics.
type RelayApp struct {
	httpApp
	cs             *server.ChatServer
	allowedOrigins []string
	upgrader       websocket.Upgrader
}

func NewRelayApp(mux *http.ServeMux, logger *log.Logger, cs *server.ChatServer, cfg *config.Config) *RelayApp {
	s := &RelayApp{
		httpApp:        httpApp{log: logger},
		cs:             cs,
		allowedOrigins: cfg.AllowedOrigins,
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}

	mux.HandleFunc("GET /ws", s.serveWs)
	mux.HandleFunc("GET /healthz", s.healthCheck)

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.errorHandler(h)

	s.srv = &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	return s
}

// checkOrigin allows requests without an Origin header, such as those from
// non-browser clients.
func (s *RelayApp) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	return slices.Contains(s.allowedOrigins, origin)
}

func (s *RelayApp) healthCheck(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *RelayApp) serveWs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	identity := types.Identity{
		UserId:      strings.TrimSpace(q.Get("userId")),
		DisplayName: strings.TrimSpace(q.Get("userName")),
		AvatarUrl:   q.Get("userImage"),
	}
	if identity.UserId == "" {
		s.writeError(w, NewValidationError("userId is required"))
		return
	}
	if identity.DisplayName == "" {
		identity.DisplayName = identity.UserId
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Println("error upgrading connection:", err)
		return
	}

	client := server.NewClient(identity, conn, s.cs, s.log)
	if err := s.cs.Register(client); err != nil {
		s.log.Printf("register %s: %v", identity.UserId, err)
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
		conn.Close()
		return
	}

	go client.Write()
	go client.Read()
}
