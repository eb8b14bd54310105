package handlers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"cryptowatch/internal/logger"
	"cryptowatch/internal/models"
	"cryptowatch/internal/notify"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// browseTTL is how long browse responses stay in the response cache
const browseTTL = 30 * time.Second

type Response struct {
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// AlertStore persists price alerts
type AlertStore interface {
	CreateAlert(ctx context.Context, alert *models.PriceAlert) error
	GetAlert(ctx context.Context, id string) (*models.PriceAlert, error)
	ListAlerts(ctx context.Context) ([]models.PriceAlert, error)
	ListAlertsByUser(ctx context.Context, userID string) ([]models.PriceAlert, error)
	ListAlertsByCoin(ctx context.Context, coinID string) ([]models.PriceAlert, error)
	UpdateAlert(ctx context.Context, alert *models.PriceAlert) error
	DeleteAlert(ctx context.Context, id string) error
}

// HoldingStore persists holdings
type HoldingStore interface {
	CreateHolding(ctx context.Context, h *models.Holding) error
	GetHolding(ctx context.Context, id string) (*models.Holding, error)
	ListHoldings(ctx context.Context) ([]models.Holding, error)
	ListHoldingsByUser(ctx context.Context, userID string) ([]models.Holding, error)
	UpdateHolding(ctx context.Context, h *models.Holding) error
	DeleteHolding(ctx context.Context, id string) error
}

// SnapshotStore reads portfolio snapshots
type SnapshotStore interface {
	ListSnapshots(ctx context.Context, userID string, limit int) ([]models.PortfolioSnapshot, error)
}

// Portfolio runs a manual valuation cycle for one user
type Portfolio interface {
	RunForUser(ctx context.Context, userID string) (models.PortfolioValue, error)
}

// ResponseCache caches serialized browse responses. Get returns "" on a miss.
type ResponseCache interface {
	Get(ctx context.Context, key, endpoint string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	InvalidateByPrefix(ctx context.Context, prefix, endpoint string)
}

// Pinger reports backend health
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators of the API
type Deps struct {
	Alerts    AlertStore
	Holdings  HoldingStore
	Snapshots SnapshotStore
	Portfolio Portfolio
	Cache     ResponseCache // optional
	Hub       *Hub          // optional
	Health    Pinger        // optional
}

// API serves the holdings, alerts and portfolio endpoints
type API struct {
	alerts    AlertStore
	holdings  HoldingStore
	snapshots SnapshotStore
	portfolio Portfolio
	cache     ResponseCache
	hub       *Hub
	health    Pinger
	log       *zap.Logger
	now       func() time.Time
}

// NewAPI creates the HTTP API
func NewAPI(deps Deps) *API {
	a := &API{
		alerts:    deps.Alerts,
		holdings:  deps.Holdings,
		snapshots: deps.Snapshots,
		portfolio: deps.Portfolio,
		cache:     deps.Cache,
		hub:       deps.Hub,
		health:    deps.Health,
		log:       logger.Log.Named("api"),
		now:       time.Now,
	}
	if a.hub != nil {
		// Fired alerts are committed by the evaluator, outside this API
		a.hub.OnAlert(func(notify.AlertMessage) {
			a.invalidate(context.Background(), alertsCachePrefix, "/alerts")
		})
	}
	return a
}

// Routes registers every endpoint on a new ServeMux
func (a *API) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	if a.hub != nil {
		// SSE Endpoint for real-time alerts
		mux.HandleFunc("/alerts/stream", a.hub.StreamAlertsHandler)
	}
	mux.HandleFunc("/alerts", a.AlertsHandler)
	mux.HandleFunc("/alerts/", a.AlertsHandler)
	mux.HandleFunc("/holdings", a.HoldingsHandler)
	mux.HandleFunc("/holdings/", a.HoldingsHandler)
	mux.HandleFunc("/portfolio/", a.PortfolioHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", a.HealthHandler)
	return mux
}

// HealthHandler reports whether the backing store is reachable
func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if a.health != nil {
		if err := a.health.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, Response{Message: "unhealthy"})
			return
		}
	}
	writeJSON(w, http.StatusOK, Response{Message: "ok"})
}

// pathID returns the path segment after the collection name, e.g. the id
// in /alerts/{id}
func pathID(path string) (string, []string) {
	pathParts := strings.Split(strings.Trim(path, "/"), "/")
	if len(pathParts) < 2 || pathParts[1] == "" {
		return "", nil
	}
	return pathParts[1], pathParts[2:]
}

// cachedBrowse serves key from the response cache, or builds, caches and
// serves it on a miss.
func (a *API) cachedBrowse(w http.ResponseWriter, r *http.Request, traceID, key, endpoint string, build func() (Response, error)) {
	ctx := r.Context()
	if a.cache != nil {
		cached, err := a.cache.Get(ctx, key, endpoint)
		if err == nil && cached != "" {
			a.log.Info("Cache hit",
				zap.String("endpoint", endpoint),
				zap.String("trace_id", traceID),
				zap.String("cache_key", key),
			)
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(cached))
			return
		}
	}

	response, err := build()
	if err != nil {
		a.log.Error("Failed to browse",
			zap.String("endpoint", endpoint),
			zap.String("trace_id", traceID),
			zap.Error(err),
		)
		http.Error(w, "Failed to fetch "+strings.TrimPrefix(endpoint, "/"), http.StatusInternalServerError)
		return
	}

	respBytes, err := json.Marshal(response)
	if err != nil {
		a.log.Error("Failed to encode JSON response", zap.String("trace_id", traceID), zap.Error(err))
		http.Error(w, "Failed to encode JSON response", http.StatusInternalServerError)
		return
	}

	if a.cache != nil {
		if cacheErr := a.cache.Set(ctx, key, string(respBytes), browseTTL); cacheErr != nil {
			a.log.Warn("Failed to store response in cache",
				zap.String("trace_id", traceID),
				zap.String("cache_key", key),
				zap.Error(cacheErr),
			)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(respBytes)
}

func (a *API) invalidate(ctx context.Context, prefix, endpoint string) {
	if a.cache != nil {
		a.cache.InvalidateByPrefix(ctx, prefix, endpoint)
	}
}

func writeJSON(w http.ResponseWriter, status int, response Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(response)
}

func generateCacheKey(r *http.Request, prefix string) string {
	queryParams := r.URL.Query()
	var keys []string
	for k := range queryParams {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var queryString []string
	for _, k := range keys {
		queryString = append(queryString, fmt.Sprintf("%s=%s", k, strings.Join(queryParams[k], ",")))
	}
	joinedParams := strings.Join(queryString, "&")

	hash := sha256.Sum256([]byte(joinedParams))
	return prefix + hex.EncodeToString(hash[:8])
}
