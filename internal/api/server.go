package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/NxtGenIT/nxtfireguard-traffic-guard/internal/pipeline"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

// Server is the admin HTTP surface of a pipeline.
type Server struct {
	p          *pipeline.Pipeline
	authSecret string
	keepalive  time.Duration
	router     *mux.Router
}

// NewServer builds the router. An empty authSecret disables the X_AUTH_KEY check.
func NewServer(p *pipeline.Pipeline, authSecret string, keepalive time.Duration) *Server {
	if keepalive <= 0 {
		keepalive = 30 * time.Second
	}
	s := &Server{p: p, authSecret: authSecret, keepalive: keepalive, router: mux.NewRouter()}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Handle("/metrics", s.p.Metrics().Handler()).Methods(http.MethodGet)

	v1 := s.router.PathPrefix("/api/v1").Subrouter()
	v1.Use(s.authenticate)

	v1.HandleFunc("/rules", s.listRules).Methods(http.MethodGet)
	v1.HandleFunc("/rules", s.addRule).Methods(http.MethodPost)
	v1.HandleFunc("/rules", s.importRules).Methods(http.MethodPut)
	v1.HandleFunc("/rules/{id}", s.getRule).Methods(http.MethodGet)
	v1.HandleFunc("/rules/{id}", s.updateRule).Methods(http.MethodPut)
	v1.HandleFunc("/rules/{id}", s.deleteRule).Methods(http.MethodDelete)

	v1.HandleFunc("/blocked", s.listBlocked).Methods(http.MethodGet)
	v1.HandleFunc("/blocked", s.blockIP).Methods(http.MethodPost)
	v1.HandleFunc("/blocked/{ip}", s.unblockIP).Methods(http.MethodDelete)

	v1.HandleFunc("/whitelist", s.listWhitelist).Methods(http.MethodGet)
	v1.HandleFunc("/whitelist", s.addWhitelist).Methods(http.MethodPost)
	v1.HandleFunc("/whitelist/{entry:.+}", s.removeWhitelist).Methods(http.MethodDelete)

	v1.HandleFunc("/config", s.getConfig).Methods(http.MethodGet)
	v1.HandleFunc("/config", s.patchConfig).Methods(http.MethodPatch)

	v1.HandleFunc("/stats", s.getStats).Methods(http.MethodGet)
	v1.HandleFunc("/stats", s.clearStats).Methods(http.MethodDelete)
	v1.HandleFunc("/connections", s.listConnections).Methods(http.MethodGet)
	v1.HandleFunc("/attacks", s.listAttacks).Methods(http.MethodGet)
	v1.HandleFunc("/report", s.getReport).Methods(http.MethodGet)
	v1.HandleFunc("/packets", s.ingestPackets).Methods(http.MethodPost)
	v1.HandleFunc("/events", s.streamEvents).Methods(http.MethodGet)
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.authSecret != "" {
			key := r.Header.Get("X_AUTH_KEY")
			if subtle.ConstantTimeCompare([]byte(key), []byte(s.authSecret)) != 1 {
				writeError(w, http.StatusUnauthorized, errors.New("missing or invalid X_AUTH_KEY"))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Run serves on addr until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		zap.L().Info("Admin API listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zap.L().Warn("Admin API forced to shut down", zap.Error(err))
		return err
	}
	zap.L().Info("Admin API stopped")
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("Failed to write response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
