// Package api exposes the gateway over HTTP. Every route except /health
// requires the configured API key in the X-API-Key header.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"ibgate/config"
	"ibgate/gateway"
	"ibgate/logger"
	"ibgate/models"
)

// Server wraps the HTTP listener around the gateway facade.
type Server struct {
	cfg     *config.Config
	gateway *gateway.Gateway
	log     *logger.Log
	httpSrv *http.Server
}

// NewServer builds the router and the underlying http.Server.
func NewServer(cfg *config.Config, gw *gateway.Gateway) *Server {
	s := &Server{
		cfg:     cfg,
		gateway: gw,
		log:     logger.GetLogger(),
	}

	router := mux.NewRouter()
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	authed := router.NewRoute().Subrouter()
	authed.Use(s.authMiddleware)
	authed.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	authed.HandleFunc("/connect", s.handleConnect).Methods(http.MethodPost)
	authed.HandleFunc("/disconnect", s.handleDisconnect).Methods(http.MethodPost)
	authed.HandleFunc("/accounts", s.handleAccounts).Methods(http.MethodGet)
	authed.HandleFunc("/positions", s.handlePositions).Methods(http.MethodGet)
	authed.HandleFunc("/orders", s.handlePlaceOrder).Methods(http.MethodPost)
	authed.HandleFunc("/orders", s.handleListOrders).Methods(http.MethodGet)
	authed.HandleFunc("/orders/{id}", s.handleGetOrder).Methods(http.MethodGet)
	authed.HandleFunc("/orders/{id}", s.handleCancelOrder).Methods(http.MethodDelete)
	authed.HandleFunc("/marketdata/{symbol}", s.handleMarketData).Methods(http.MethodGet)

	c := cors.New(cors.Options{
		AllowedOrigins: cfg.Server.CORSAllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "X-API-Key"},
	})

	readTimeout := cfg.Server.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 15 * time.Second
	}
	writeTimeout := cfg.Server.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 15 * time.Second
	}

	s.httpSrv = &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      c.Handler(router),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}
	return s
}

// Handler exposes the configured handler chain, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Run blocks serving HTTP until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	s.log.WithComponent("api").WithFields(logger.Fields{"addr": s.httpSrv.Addr}).Info("http server listening")
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// authMiddleware rejects requests whose X-API-Key header does not match the
// configured key.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Server.APIKey == "" || r.Header.Get("X-API-Key") != s.cfg.Server.APIKey {
			s.respondError(w, r, models.ErrUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"service":      s.cfg.Gateway.Name,
		"version":      s.cfg.Gateway.Version,
		"ib_connected": s.gateway.Connected(),
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.gateway.Status()
	resp := map[string]any{
		"state":     string(snap.State),
		"connected": snap.Connected(),
	}
	if snap.TerminalVersion != "" {
		resp["terminal_version"] = snap.TerminalVersion
	}
	if snap.ConnectedAt != nil {
		resp["connected_at"] = snap.ConnectedAt.UTC().Format(time.RFC3339)
	}
	if snap.LastError != "" {
		resp["last_error"] = snap.LastError
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	snap, err := s.gateway.Connect(r.Context())
	if err != nil {
		s.log.WithComponent("api").WithError(err).Warn("connect request failed")
		s.respondJSON(w, http.StatusBadGateway, map[string]any{
			"state": string(snap.State),
			"error": err.Error(),
		})
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"state":            string(snap.State),
		"connected":        snap.Connected(),
		"terminal_version": snap.TerminalVersion,
	})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.gateway.Disconnect(); err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"state": string(s.gateway.Status().State)})
}

func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	summary, err := s.gateway.Account()
	if err != nil {
		if errors.Is(err, models.ErrNotAvailable) {
			s.respondJSON(w, http.StatusOK, map[string]any{"accounts": []models.AccountSummary{}})
			return
		}
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"accounts": []models.AccountSummary{summary}})
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.gateway.Positions()
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if positions == nil {
		positions = []models.Position{}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"positions": positions})
}

func (s *Server) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req models.OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, r, models.ErrValidation)
		return
	}
	order, err := s.gateway.PlaceOrder(r.Context(), req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, order)
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	orders := s.gateway.Orders()
	if orders == nil {
		orders = []models.Order{}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id, err := parseOrderID(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	order, ok := s.gateway.Order(id)
	if !ok {
		s.respondError(w, r, models.ErrNotFound)
		return
	}
	s.respondJSON(w, http.StatusOK, order)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	id, err := parseOrderID(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if err := s.gateway.CancelOrder(r.Context(), id); err != nil {
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"orderId": id, "cancelRequested": true})
}

func (s *Server) handleMarketData(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	tick, err := s.gateway.MarketData(r.Context(), symbol)
	if err != nil {
		if errors.Is(err, models.ErrNotAvailable) {
			// Subscribed but no tick has arrived yet.
			s.respondJSON(w, http.StatusAccepted, map[string]any{
				"symbol":  symbol,
				"message": "subscription active, awaiting first tick",
			})
			return
		}
		s.respondError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, tick)
}

func parseOrderID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		return 0, models.ErrValidation
	}
	return id, nil
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.WithComponent("api").WithError(err).Error("failed to encode response")
	}
}

// respondError maps the gateway's error taxonomy onto HTTP status codes.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, models.ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, models.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrServiceUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		s.log.WithComponent("api").WithError(err).WithFields(logger.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
		}).Error("request failed")
	}
	s.respondJSON(w, status, map[string]any{"error": err.Error()})
}
