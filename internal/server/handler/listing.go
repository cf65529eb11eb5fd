package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/iotmart/internal/domain"
	"github.com/alanyoungcy/iotmart/internal/service"
)

// ListingService defines the methods that the listing handler requires from
// the service layer.
type ListingService interface {
	Listings() *service.Snapshot
	Listing(id string) (domain.Listing, error)
	Refresh(ctx context.Context) (*service.Snapshot, error)
	CreateListing(ctx context.Context, form service.ListingForm) service.Result
	VerifyListing(ctx context.Context, id string) service.Result
}

// ListingHandler serves the listing endpoints and drives both workflows.
type ListingHandler struct {
	listings ListingService
	logger   *slog.Logger
}

// NewListingHandler creates a ListingHandler with the given service and logger.
func NewListingHandler(listings ListingService, logger *slog.Logger) *ListingHandler {
	return &ListingHandler{
		listings: listings,
		logger:   logHandler(logger, "listing"),
	}
}

// listingView is the wire form of a listing. ClearValue is only present once
// the ledger reports the listing as verified.
type listingView struct {
	ID                   string    `json:"id"`
	Name                 string    `json:"name"`
	Description          string    `json:"description"`
	SensorType           string    `json:"sensor_type"`
	EncryptedValueHandle string    `json:"encrypted_value_handle"`
	Price                uint64    `json:"price"`
	SecondaryValue       uint64    `json:"secondary_value"`
	Creator              string    `json:"creator"`
	CreatedAt            time.Time `json:"created_at"`
	IsVerified           bool      `json:"is_verified"`
	Status               string    `json:"status"`
	ClearValue           *uint64   `json:"clear_value,omitempty"`
}

func newListingView(l domain.Listing) listingView {
	v := listingView{
		ID:                   l.ID,
		Name:                 l.Name,
		Description:          l.Description,
		SensorType:           l.SensorType,
		EncryptedValueHandle: l.EncryptedValueHandle,
		Price:                l.PublicPrice,
		SecondaryValue:       l.PublicSecondaryValue,
		Creator:              l.Creator,
		CreatedAt:            l.CreatedAt,
		IsVerified:           l.IsVerified,
		Status:               string(l.Status),
	}
	if cv, ok := l.ClearValue(); ok {
		v.ClearValue = &cv
	}
	return v
}

type listingsResponse struct {
	Listings  []listingView `json:"listings"`
	Skipped   []string      `json:"skipped,omitempty"`
	Total     int           `json:"total"`
	FetchedAt *time.Time    `json:"fetched_at,omitempty"`
}

func newListingsResponse(snap *service.Snapshot) listingsResponse {
	resp := listingsResponse{Listings: []listingView{}}
	if snap == nil {
		return resp
	}
	for _, l := range snap.Listings {
		resp.Listings = append(resp.Listings, newListingView(l))
	}
	resp.Skipped = snap.Skipped
	resp.Total = snap.Len()
	if !snap.FetchedAt.IsZero() {
		at := snap.FetchedAt
		resp.FetchedAt = &at
	}
	return resp
}

// resultResponse is the wire form of a workflow result.
type resultResponse struct {
	Outcome    string  `json:"outcome"`
	State      string  `json:"state"`
	ListingID  string  `json:"listing_id,omitempty"`
	TxHash     string  `json:"tx_hash,omitempty"`
	ClearValue *uint64 `json:"clear_value,omitempty"`
	Error      string  `json:"error,omitempty"`
}

func writeResult(w http.ResponseWriter, res service.Result, okStatus int) {
	resp := resultResponse{
		Outcome:   string(res.Outcome),
		State:     string(res.State),
		ListingID: res.ListingID,
		TxHash:    res.TxHash,
	}
	if res.ValueConfirmed {
		v := res.ClearValue
		resp.ClearValue = &v
	}
	if res.Err != nil {
		resp.Error = res.Err.Error()
	}

	status := okStatus
	switch res.Outcome {
	case service.OutcomeAlreadyVerified:
		status = http.StatusOK
	case service.OutcomeUserDeclined:
		status = http.StatusConflict
	case service.OutcomePending:
		status = http.StatusAccepted
	case service.OutcomeFailed:
		status = errorStatus(res.Err)
	}
	writeJSON(w, status, resp)
}

// ListListings returns the current listing snapshot.
// GET /api/listings
func (h *ListingHandler) ListListings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, newListingsResponse(h.listings.Listings()))
}

// GetListing returns one listing from the current snapshot.
// GET /api/listings/{id}
func (h *ListingHandler) GetListing(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing listing id")
		return
	}
	l, err := h.listings.Listing(id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "listing not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "get listing failed",
			slog.String("listing_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get listing")
		return
	}
	writeJSON(w, http.StatusOK, newListingView(l))
}

// Refresh re-reads every listing from the ledger.
// POST /api/listings/refresh
func (h *ListingHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	snap, err := h.listings.Refresh(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "refresh failed", slog.String("error", err.Error()))
		writeError(w, http.StatusBadGateway, "failed to refresh listings")
		return
	}
	writeJSON(w, http.StatusOK, newListingsResponse(snap))
}

// CreateListing runs the creation workflow for the posted form.
// POST /api/listings
func (h *ListingHandler) CreateListing(w http.ResponseWriter, r *http.Request) {
	var form service.ListingForm
	if err := decodeJSON(w, r, &form); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res := h.listings.CreateListing(r.Context(), form)
	if res.Outcome == service.OutcomeFailed {
		h.logger.WarnContext(r.Context(), "create listing failed",
			slog.String("listing_id", res.ListingID),
			slog.String("error", res.Err.Error()),
		)
	}
	writeResult(w, res, http.StatusCreated)
}

// VerifyListing runs the verification workflow for a listing.
// POST /api/listings/{id}/verify
func (h *ListingHandler) VerifyListing(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing listing id")
		return
	}
	res := h.listings.VerifyListing(r.Context(), id)
	if res.Outcome == service.OutcomeFailed {
		h.logger.WarnContext(r.Context(), "verify listing failed",
			slog.String("listing_id", id),
			slog.String("error", res.Err.Error()),
		)
	}
	writeResult(w, res, http.StatusOK)
}
