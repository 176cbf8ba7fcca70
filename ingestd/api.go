package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sellerpulse/sellerpulse/ingestd/credentials"
	"github.com/sellerpulse/sellerpulse/ingestd/dispatcher"
	"github.com/sellerpulse/sellerpulse/ingestd/domain"
	"github.com/sellerpulse/sellerpulse/ingestd/events"
	"github.com/sellerpulse/sellerpulse/ingestd/ingest"
	"github.com/sellerpulse/sellerpulse/ingestd/loader"
	"github.com/sellerpulse/sellerpulse/ingestd/log"
	"github.com/sellerpulse/sellerpulse/ingestd/orchestrator"
	"github.com/sellerpulse/sellerpulse/ingestd/state"
	"github.com/sellerpulse/sellerpulse/ingestd/tasks"
)

// OLTPStore is the persistence surface the facade needs. Implemented by
// the Postgres store; interface-typed so handlers test against fakes.
type OLTPStore interface {
	CreateShop(ctx context.Context, shop *domain.Shop) (int64, error)
	GetShop(ctx context.Context, shopID int64) (*domain.Shop, error)
	DeleteShop(ctx context.Context, shopID int64) error
	ListEvents(ctx context.Context, shopID int64, limit int) ([]events.Event, error)
	UpsertProxy(ctx context.Context, p *domain.Proxy) error
}

// ProxyRefresher reloads the lease pool after admin changes.
type ProxyRefresher interface {
	Refresh(ctx context.Context) error
}

// API is the operator-facing REST facade.
type API struct {
	oltp     OLTPStore
	olap     *loader.Conn
	state    *state.Store
	creds    *credentials.Store
	orch     *orchestrator.Orchestrator
	broker   *tasks.Broker
	registry *tasks.Registry
	hub      *EventsHub
	proxies  ProxyRefresher
	logger   *log.Logger

	upgrader websocket.Upgrader
}

// NewAPI wires the facade.
func NewAPI(oltp OLTPStore, olap *loader.Conn, st *state.Store, creds *credentials.Store, orch *orchestrator.Orchestrator, broker *tasks.Broker, registry *tasks.Registry, hub *EventsHub, proxies ProxyRefresher, logger *log.Logger) *API {
	return &API{
		oltp:     oltp,
		olap:     olap,
		state:    st,
		creds:    creds,
		orch:     orch,
		broker:   broker,
		registry: registry,
		hub:      hub,
		proxies:  proxies,
		logger:   logger.Named("api"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Routes builds the HTTP mux.
func (a *API) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /shops", a.handleCreateShop)
	mux.HandleFunc("GET /shops/{id}/sync-status", a.handleSyncStatus)
	mux.HandleFunc("PUT /shops/{id}/credentials", a.handleSetCredentials)
	mux.HandleFunc("DELETE /shops/{id}", a.handleDeleteShop)
	mux.HandleFunc("GET /shops/{id}/events", a.handleListEvents)
	mux.HandleFunc("POST /proxies", a.handleUpsertProxy)
	mux.HandleFunc("GET /ws", a.handleWS)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return mux
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Warn("response encode failed", zap.Error(err))
	}
}

func (a *API) writeError(w http.ResponseWriter, status int, message string) {
	a.writeJSON(w, status, map[string]string{"error": message})
}

func shopIDFromPath(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	return id, err == nil && id > 0
}

type createShopRequest struct {
	OwnerID     int64  `json:"owner_id"`
	Name        string `json:"name"`
	Marketplace string `json:"marketplace"`

	Token            string `json:"token"`
	OzonClientID     string `json:"ozon_client_id,omitempty"`
	PerfClientID     string `json:"perf_client_id,omitempty"`
	PerfClientSecret string `json:"perf_client_secret,omitempty"`
}

// handleCreateShop registers a shop, validates and stores its
// credentials and schedules the initial backfill.
func (a *API) handleCreateShop(w http.ResponseWriter, r *http.Request) {
	var req createShopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	mp := domain.Marketplace(strings.ToLower(req.Marketplace))
	if !mp.Valid() {
		a.writeError(w, http.StatusBadRequest, "unknown marketplace")
		return
	}
	if req.Name == "" || req.Token == "" {
		a.writeError(w, http.StatusBadRequest, "name and token are required")
		return
	}

	shopID, err := a.oltp.CreateShop(r.Context(), &domain.Shop{
		OwnerID:     req.OwnerID,
		Name:        req.Name,
		Marketplace: mp,
		Status:      domain.ShopPaused,
	})
	if err != nil {
		a.logger.Error("create shop failed", zap.Error(err))
		a.writeError(w, http.StatusInternalServerError, "create shop failed")
		return
	}

	warnings, err := a.creds.Set(r.Context(), shopID, mp, &domain.Credentials{
		Token:            req.Token,
		OzonClientID:     req.OzonClientID,
		PerfClientID:     req.PerfClientID,
		PerfClientSecret: req.PerfClientSecret,
	})
	if err != nil {
		// The shop row stays; the owner can retry with working
		// credentials via PUT.
		a.writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"id":       shopID,
			"error":    "credential validation failed: " + err.Error(),
			"warnings": warnings,
		})
		return
	}

	if _, err := a.broker.Apply(r.Context(), a.registry, ingest.TaskBackfill, dispatcher.ShopArgs{ShopID: shopID}); err != nil {
		a.logger.Error("backfill enqueue failed", zap.Int64("shop_id", shopID), zap.Error(err))
		a.writeError(w, http.StatusInternalServerError, "backfill enqueue failed")
		return
	}
	a.writeJSON(w, http.StatusCreated, map[string]any{"id": shopID, "warnings": warnings})
}

// handleSyncStatus reports the shop lifecycle status and the last
// backfill progress record.
func (a *API) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	shopID, ok := shopIDFromPath(r)
	if !ok {
		a.writeError(w, http.StatusBadRequest, "invalid shop id")
		return
	}
	shop, err := a.oltp.GetShop(r.Context(), shopID)
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, "shop lookup failed")
		return
	}
	if shop == nil {
		a.writeError(w, http.StatusNotFound, "shop not found")
		return
	}
	progress, err := a.orch.GetProgress(r.Context(), shopID)
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, "progress lookup failed")
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{
		"shop_id":        shop.ID,
		"status":         shop.Status,
		"status_message": shop.StatusMessage,
		"sync":           progress,
	})
}

// handleSetCredentials replaces a shop's credentials.
func (a *API) handleSetCredentials(w http.ResponseWriter, r *http.Request) {
	shopID, ok := shopIDFromPath(r)
	if !ok {
		a.writeError(w, http.StatusBadRequest, "invalid shop id")
		return
	}
	shop, err := a.oltp.GetShop(r.Context(), shopID)
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, "shop lookup failed")
		return
	}
	if shop == nil {
		a.writeError(w, http.StatusNotFound, "shop not found")
		return
	}

	var req createShopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	warnings, err := a.creds.Set(r.Context(), shopID, shop.Marketplace, &domain.Credentials{
		Token:            req.Token,
		OzonClientID:     req.OzonClientID,
		PerfClientID:     req.PerfClientID,
		PerfClientSecret: req.PerfClientSecret,
	})
	if err != nil {
		a.writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":    err.Error(),
			"warnings": warnings,
		})
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"warnings": warnings})
}

// handleDeleteShop removes the shop everywhere: OLTP rows, Redis keys
// and OLAP facts.
func (a *API) handleDeleteShop(w http.ResponseWriter, r *http.Request) {
	shopID, ok := shopIDFromPath(r)
	if !ok {
		a.writeError(w, http.StatusBadRequest, "invalid shop id")
		return
	}
	shop, err := a.oltp.GetShop(r.Context(), shopID)
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, "shop lookup failed")
		return
	}
	if shop == nil {
		a.writeError(w, http.StatusNotFound, "shop not found")
		return
	}

	if err := a.oltp.DeleteShop(r.Context(), shopID); err != nil {
		a.logger.Error("shop delete failed", zap.Int64("shop_id", shopID), zap.Error(err))
		a.writeError(w, http.StatusInternalServerError, "delete failed")
		return
	}
	if err := a.state.PurgeShop(r.Context(), shopID); err != nil {
		a.logger.Warn("redis purge failed", zap.Int64("shop_id", shopID), zap.Error(err))
	}
	if a.olap != nil {
		if err := a.olap.PurgeShop(r.Context(), shopID); err != nil {
			a.logger.Warn("olap purge failed", zap.Int64("shop_id", shopID), zap.Error(err))
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListEvents serves the shop's recent event feed.
func (a *API) handleListEvents(w http.ResponseWriter, r *http.Request) {
	shopID, ok := shopIDFromPath(r)
	if !ok {
		a.writeError(w, http.StatusBadRequest, "invalid shop id")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	list, err := a.oltp.ListEvents(r.Context(), shopID, limit)
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, "event lookup failed")
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"events": list})
}

type upsertProxyRequest struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Protocol string `json:"protocol"`
	Kind     string `json:"kind"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Status   string `json:"status,omitempty"`
}

// handleUpsertProxy registers or updates a proxy record and reloads the
// lease pool so the change takes effect without a restart.
func (a *API) handleUpsertProxy(w http.ResponseWriter, r *http.Request) {
	var req upsertProxyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Host == "" || req.Port <= 0 || req.Port > 65535 {
		a.writeError(w, http.StatusBadRequest, "host and port are required")
		return
	}
	protocol := domain.ProxyProtocol(strings.ToLower(req.Protocol))
	if protocol != domain.ProxyHTTP && protocol != domain.ProxySOCKS5 {
		a.writeError(w, http.StatusBadRequest, "unknown protocol")
		return
	}
	kind := domain.ProxyKind(strings.ToLower(req.Kind))
	switch kind {
	case domain.ProxyDatacenter, domain.ProxyResidential, domain.ProxyMobile:
	default:
		a.writeError(w, http.StatusBadRequest, "unknown kind")
		return
	}
	status := domain.ProxyStatus(strings.ToLower(req.Status))
	if status == "" {
		status = domain.ProxyActive
	}
	switch status {
	case domain.ProxyActive, domain.ProxyInactive, domain.ProxyBanned, domain.ProxyTesting:
	default:
		a.writeError(w, http.StatusBadRequest, "unknown status")
		return
	}

	if err := a.oltp.UpsertProxy(r.Context(), &domain.Proxy{
		Host:     req.Host,
		Port:     req.Port,
		Protocol: protocol,
		Kind:     kind,
		Username: req.Username,
		Password: req.Password,
		Status:   status,
	}); err != nil {
		a.logger.Error("proxy upsert failed", zap.String("host", req.Host), zap.Error(err))
		a.writeError(w, http.StatusInternalServerError, "proxy upsert failed")
		return
	}
	if err := a.proxies.Refresh(r.Context()); err != nil {
		a.logger.Warn("proxy pool refresh failed", zap.Error(err))
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleWS upgrades to a websocket event subscription. An optional
// shop_id query filters to one shop.
func (a *API) handleWS(w http.ResponseWriter, r *http.Request) {
	var shopID int64
	if raw := r.URL.Query().Get("shop_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			a.writeError(w, http.StatusBadRequest, "invalid shop_id")
			return
		}
		shopID = id
	}

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Debug("ws upgrade failed", zap.Error(err))
		return
	}
	a.hub.Register(conn, shopID)

	// Read pump: discard client frames, detect disconnect.
	go func() {
		defer a.hub.Unregister(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					a.logger.Debug("ws read closed", zap.Error(err))
				}
				return
			}
		}
	}()
}
