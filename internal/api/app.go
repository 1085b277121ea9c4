package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
)

// httpApp is the part of an HTTP front end shared by the relay and the
// store.
type httpApp struct {
	log *log.Logger
	srv *http.Server
}

func (s *httpApp) Start() error {
	s.log.Printf("starting server on %s\n", s.srv.Addr)
	return s.srv.ListenAndServe()
}

func (s *httpApp) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down HTTP server...")
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}

// Handler returns the fully wrapped handler, for use with httptest.
func (s *httpApp) Handler() http.Handler {
	return s.srv.Handler
}

func (s *httpApp) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

func (s *httpApp) writeError(w http.ResponseWriter, errResp *ApiError) {
	if errResp.StatusCode >= http.StatusInternalServerError {
		s.log.Printf("%d: %v", errResp.StatusCode, errResp)
	}
	s.writeJson(w, errResp.StatusCode, errResp)
}
