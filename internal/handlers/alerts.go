package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"cryptowatch/internal/database"
	"cryptowatch/internal/models"
	"cryptowatch/internal/tracing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const alertsCachePrefix = "browse_alerts_"

type CreateAlertRequest struct {
	UserID      string          `json:"user_id"`
	CoinID      string          `json:"coin_id"`
	Condition   string          `json:"condition"`
	TargetPrice decimal.Decimal `json:"target_price"`
}

type UpdateAlertRequest struct {
	Condition   *string          `json:"condition,omitempty"`
	TargetPrice *decimal.Decimal `json:"target_price,omitempty"`
	IsActive    *bool            `json:"is_active,omitempty"`
}

// AlertsHandler handles all alert operations based on the HTTP method
func (a *API) AlertsHandler(w http.ResponseWriter, r *http.Request) {
	// URL pattern: /alerts/{id}
	alertID, _ := pathID(r.URL.Path)

	// Root alerts endpoint
	if alertID == "" {
		switch r.Method {
		case http.MethodGet:
			a.BrowseAlertsHandler(w, r)
		case http.MethodPost:
			a.CreateAlertHandler(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
		return
	}

	// Handle single alert endpoints
	switch r.Method {
	case http.MethodGet:
		a.GetAlertHandler(w, r, alertID)
	case http.MethodPut, http.MethodPatch:
		a.UpdateAlertHandler(w, r, alertID)
	case http.MethodDelete:
		a.DeleteAlertHandler(w, r, alertID)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// BrowseAlertsHandler lists all alerts, optionally filtered by user_id or coin_id
func (a *API) BrowseAlertsHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.Tracer().Start(r.Context(), "BrowseAlertsHandler")
	defer span.End()
	r = r.WithContext(ctx)

	traceID := span.SpanContext().TraceID().String()
	cacheKey := generateCacheKey(r, alertsCachePrefix)

	a.cachedBrowse(w, r, traceID, cacheKey, "/alerts", func() (Response, error) {
		userID := r.URL.Query().Get("user_id")
		coinID := models.NormalizeCoinID(r.URL.Query().Get("coin_id"))

		var alerts []models.PriceAlert
		var err error
		switch {
		case userID != "":
			alerts, err = a.alerts.ListAlertsByUser(ctx, userID)
		case coinID != "":
			alerts, err = a.alerts.ListAlertsByCoin(ctx, coinID)
		default:
			alerts, err = a.alerts.ListAlerts(ctx)
		}
		if err != nil {
			return Response{}, err
		}
		if alerts == nil {
			alerts = []models.PriceAlert{}
		}
		return Response{Message: "Alerts retrieved successfully", Data: alerts}, nil
	})
}

// CreateAlertHandler handles creating a new alert
func (a *API) CreateAlertHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.Tracer().Start(r.Context(), "CreateAlertHandler")
	defer span.End()

	traceID := span.SpanContext().TraceID().String()

	var req CreateAlertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.log.Error("Failed to parse request body", zap.String("trace_id", traceID), zap.Error(err))
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	now := a.now().UTC()
	alert := &models.PriceAlert{
		ID:          uuid.New().String(),
		UserID:      req.UserID,
		CoinID:      models.NormalizeCoinID(req.CoinID),
		Condition:   models.Condition(req.Condition),
		TargetPrice: req.TargetPrice,
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if cond, err := models.ParseCondition(req.Condition); err == nil {
		alert.Condition = cond
	}

	// Validation
	if err := models.ValidateAlert(*alert); err != nil {
		a.log.Warn("Rejected alert", zap.String("trace_id", traceID), zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := a.alerts.CreateAlert(ctx, alert); err != nil {
		a.log.Error("Failed to create alert", zap.String("trace_id", traceID), zap.Error(err))
		http.Error(w, "Failed to create alert", http.StatusInternalServerError)
		return
	}

	// Invalidate cache for browse alerts
	a.invalidate(ctx, alertsCachePrefix, "/alerts")

	writeJSON(w, http.StatusCreated, Response{Message: "Alert created successfully", Data: alert})
}

// GetAlertHandler retrieves a specific alert by ID
func (a *API) GetAlertHandler(w http.ResponseWriter, r *http.Request, alertID string) {
	ctx, span := tracing.Tracer().Start(r.Context(), "GetAlertHandler")
	defer span.End()

	traceID := span.SpanContext().TraceID().String()

	alert, err := a.alerts.GetAlert(ctx, alertID)
	if err != nil {
		a.storeError(w, err, "alert", alertID, traceID)
		return
	}

	writeJSON(w, http.StatusOK, Response{Message: "Alert retrieved successfully", Data: alert})
}

// UpdateAlertHandler updates condition, target or activation of an alert.
// Re-activating a triggered alert re-arms it at its current target and
// clears the trigger metadata; deactivating leaves the metadata untouched.
func (a *API) UpdateAlertHandler(w http.ResponseWriter, r *http.Request, alertID string) {
	ctx, span := tracing.Tracer().Start(r.Context(), "UpdateAlertHandler")
	defer span.End()

	traceID := span.SpanContext().TraceID().String()

	// Get the existing alert
	existingAlert, err := a.alerts.GetAlert(ctx, alertID)
	if err != nil {
		a.storeError(w, err, "alert", alertID, traceID)
		return
	}

	// Parse the update request
	var req UpdateAlertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.log.Error("Failed to parse request body", zap.String("trace_id", traceID), zap.Error(err))
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	// Update fields if provided
	if req.Condition != nil {
		cond, err := models.ParseCondition(*req.Condition)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		existingAlert.Condition = cond
	}
	if req.TargetPrice != nil {
		existingAlert.TargetPrice = *req.TargetPrice
	}
	if req.IsActive != nil {
		switch {
		case *req.IsActive && !existingAlert.IsActive:
			existingAlert.Rearm()
		case !*req.IsActive:
			existingAlert.IsActive = false
		}
	}

	if err := models.ValidateAlert(*existingAlert); err != nil {
		a.log.Warn("Rejected alert update", zap.String("trace_id", traceID), zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	existingAlert.UpdatedAt = a.now().UTC()

	// Save the updated alert
	if err := a.alerts.UpdateAlert(ctx, existingAlert); err != nil {
		a.storeError(w, err, "alert", alertID, traceID)
		return
	}

	// Invalidate cache for browse alerts
	a.invalidate(ctx, alertsCachePrefix, "/alerts")

	writeJSON(w, http.StatusOK, Response{Message: "Alert updated successfully", Data: existingAlert})
}

// DeleteAlertHandler deletes an alert
func (a *API) DeleteAlertHandler(w http.ResponseWriter, r *http.Request, alertID string) {
	ctx, span := tracing.Tracer().Start(r.Context(), "DeleteAlertHandler")
	defer span.End()

	traceID := span.SpanContext().TraceID().String()

	if err := a.alerts.DeleteAlert(ctx, alertID); err != nil {
		a.storeError(w, err, "alert", alertID, traceID)
		return
	}

	// Invalidate cache for browse alerts
	a.invalidate(ctx, alertsCachePrefix, "/alerts")

	writeJSON(w, http.StatusOK, Response{Message: "Alert deleted successfully"})
}

// storeError maps repository errors to HTTP statuses
func (a *API) storeError(w http.ResponseWriter, err error, kind, id, traceID string) {
	switch {
	case errors.Is(err, database.ErrNotFound):
		http.Error(w, kind+" not found", http.StatusNotFound)
	case errors.Is(err, database.ErrDuplicateHolding):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		a.log.Error("Store operation failed",
			zap.String("trace_id", traceID),
			zap.String(kind+"_id", id),
			zap.Error(err),
		)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}
