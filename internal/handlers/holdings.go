package handlers

import (
	"encoding/json"
	"net/http"

	"cryptowatch/internal/models"
	"cryptowatch/internal/tracing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const holdingsCachePrefix = "browse_holdings_"

type CreateHoldingRequest struct {
	UserID          string           `json:"user_id"`
	CoinID          string           `json:"coin_id"`
	Quantity        decimal.Decimal  `json:"quantity"`
	AverageBuyPrice *decimal.Decimal `json:"average_buy_price,omitempty"`
	Note            *string          `json:"note,omitempty"`
}

type UpdateHoldingRequest struct {
	Quantity        *decimal.Decimal `json:"quantity,omitempty"`
	AverageBuyPrice *decimal.Decimal `json:"average_buy_price,omitempty"`
	Note            *string          `json:"note,omitempty"`
}

// HoldingsHandler handles all holding operations based on the HTTP method
func (a *API) HoldingsHandler(w http.ResponseWriter, r *http.Request) {
	// URL pattern: /holdings/{id}
	holdingID, _ := pathID(r.URL.Path)

	if holdingID == "" {
		switch r.Method {
		case http.MethodGet:
			a.BrowseHoldingsHandler(w, r)
		case http.MethodPost:
			a.CreateHoldingHandler(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
		return
	}

	switch r.Method {
	case http.MethodGet:
		a.GetHoldingHandler(w, r, holdingID)
	case http.MethodPut, http.MethodPatch:
		a.UpdateHoldingHandler(w, r, holdingID)
	case http.MethodDelete:
		a.DeleteHoldingHandler(w, r, holdingID)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// BrowseHoldingsHandler lists holdings, optionally filtered by user_id
func (a *API) BrowseHoldingsHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.Tracer().Start(r.Context(), "BrowseHoldingsHandler")
	defer span.End()
	r = r.WithContext(ctx)

	traceID := span.SpanContext().TraceID().String()
	cacheKey := generateCacheKey(r, holdingsCachePrefix)

	a.cachedBrowse(w, r, traceID, cacheKey, "/holdings", func() (Response, error) {
		var holdings []models.Holding
		var err error
		if userID := r.URL.Query().Get("user_id"); userID != "" {
			holdings, err = a.holdings.ListHoldingsByUser(ctx, userID)
		} else {
			holdings, err = a.holdings.ListHoldings(ctx)
		}
		if err != nil {
			return Response{}, err
		}
		if holdings == nil {
			holdings = []models.Holding{}
		}
		return Response{Message: "Holdings retrieved successfully", Data: holdings}, nil
	})
}

// CreateHoldingHandler records a new holding. A user holds each coin once.
func (a *API) CreateHoldingHandler(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.Tracer().Start(r.Context(), "CreateHoldingHandler")
	defer span.End()

	traceID := span.SpanContext().TraceID().String()

	var req CreateHoldingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.log.Error("Failed to parse request body", zap.String("trace_id", traceID), zap.Error(err))
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	now := a.now().UTC()
	holding := &models.Holding{
		ID:              uuid.New().String(),
		UserID:          req.UserID,
		CoinID:          models.NormalizeCoinID(req.CoinID),
		Quantity:        req.Quantity,
		AverageBuyPrice: req.AverageBuyPrice,
		Note:            req.Note,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := models.ValidateHolding(*holding); err != nil {
		a.log.Warn("Rejected holding", zap.String("trace_id", traceID), zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := a.holdings.CreateHolding(ctx, holding); err != nil {
		a.storeError(w, err, "holding", holding.ID, traceID)
		return
	}

	a.invalidate(ctx, holdingsCachePrefix, "/holdings")

	writeJSON(w, http.StatusCreated, Response{Message: "Holding created successfully", Data: holding})
}

// GetHoldingHandler retrieves a specific holding by ID
func (a *API) GetHoldingHandler(w http.ResponseWriter, r *http.Request, holdingID string) {
	ctx, span := tracing.Tracer().Start(r.Context(), "GetHoldingHandler")
	defer span.End()

	holding, err := a.holdings.GetHolding(ctx, holdingID)
	if err != nil {
		a.storeError(w, err, "holding", holdingID, span.SpanContext().TraceID().String())
		return
	}

	writeJSON(w, http.StatusOK, Response{Message: "Holding retrieved successfully", Data: holding})
}

// UpdateHoldingHandler edits quantity, average buy price or note
func (a *API) UpdateHoldingHandler(w http.ResponseWriter, r *http.Request, holdingID string) {
	ctx, span := tracing.Tracer().Start(r.Context(), "UpdateHoldingHandler")
	defer span.End()

	traceID := span.SpanContext().TraceID().String()

	existing, err := a.holdings.GetHolding(ctx, holdingID)
	if err != nil {
		a.storeError(w, err, "holding", holdingID, traceID)
		return
	}

	var req UpdateHoldingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.log.Error("Failed to parse request body", zap.String("trace_id", traceID), zap.Error(err))
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if req.Quantity != nil {
		existing.Quantity = *req.Quantity
	}
	if req.AverageBuyPrice != nil {
		existing.AverageBuyPrice = req.AverageBuyPrice
	}
	if req.Note != nil {
		existing.Note = req.Note
	}

	if err := models.ValidateHolding(*existing); err != nil {
		a.log.Warn("Rejected holding update", zap.String("trace_id", traceID), zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	existing.UpdatedAt = a.now().UTC()
	if err := a.holdings.UpdateHolding(ctx, existing); err != nil {
		a.storeError(w, err, "holding", holdingID, traceID)
		return
	}

	a.invalidate(ctx, holdingsCachePrefix, "/holdings")

	writeJSON(w, http.StatusOK, Response{Message: "Holding updated successfully", Data: existing})
}

// DeleteHoldingHandler deletes a holding
func (a *API) DeleteHoldingHandler(w http.ResponseWriter, r *http.Request, holdingID string) {
	ctx, span := tracing.Tracer().Start(r.Context(), "DeleteHoldingHandler")
	defer span.End()

	if err := a.holdings.DeleteHolding(ctx, holdingID); err != nil {
		a.storeError(w, err, "holding", holdingID, span.SpanContext().TraceID().String())
		return
	}

	a.invalidate(ctx, holdingsCachePrefix, "/holdings")

	writeJSON(w, http.StatusOK, Response{Message: "Holding deleted successfully"})
}
