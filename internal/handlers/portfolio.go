package handlers

import (
	"net/http"
	"strconv"

	"cryptowatch/internal/tracing"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const defaultSnapshotLimit = 50

// PortfolioHandler serves /portfolio/{user_id} and /portfolio/{user_id}/snapshots
func (a *API) PortfolioHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	userID, rest := pathID(r.URL.Path)
	switch {
	case userID == "":
		http.Error(w, "Missing user id", http.StatusBadRequest)
	case len(rest) == 0:
		a.ValuePortfolioHandler(w, r, userID)
	case len(rest) == 1 && rest[0] == "snapshots":
		a.ListSnapshotsHandler(w, r, userID)
	default:
		http.NotFound(w, r)
	}
}

// ValuePortfolioHandler runs a manual cycle for the user and returns the
// fresh valuation. Holdings without a price are flagged, not dropped.
func (a *API) ValuePortfolioHandler(w http.ResponseWriter, r *http.Request, userID string) {
	ctx, span := tracing.Tracer().Start(r.Context(), "ValuePortfolioHandler")
	defer span.End()
	span.SetAttributes(attribute.String("user_id", userID))

	value, err := a.portfolio.RunForUser(ctx, userID)
	// The manual cycle may have fired alerts even when it failed later on
	a.invalidate(ctx, alertsCachePrefix, "/alerts")
	if err != nil {
		a.log.Error("Failed to value portfolio",
			zap.String("trace_id", span.SpanContext().TraceID().String()),
			zap.String("user_id", userID),
			zap.Error(err),
		)
		http.Error(w, "Failed to value portfolio", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, Response{Message: "Portfolio valued successfully", Data: value})
}

// ListSnapshotsHandler returns the user's most recent snapshots
func (a *API) ListSnapshotsHandler(w http.ResponseWriter, r *http.Request, userID string) {
	ctx, span := tracing.Tracer().Start(r.Context(), "ListSnapshotsHandler")
	defer span.End()

	limit := defaultSnapshotLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	snapshots, err := a.snapshots.ListSnapshots(ctx, userID, limit)
	if err != nil {
		a.storeError(w, err, "user", userID, span.SpanContext().TraceID().String())
		return
	}
	if snapshots == nil {
		writeJSON(w, http.StatusOK, Response{Message: "Snapshots retrieved successfully", Data: []struct{}{}})
		return
	}

	writeJSON(w, http.StatusOK, Response{Message: "Snapshots retrieved successfully", Data: snapshots})
}
