package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/iotmart/internal/domain"
	"github.com/alanyoungcy/iotmart/internal/service"
)

// MarketService exposes marketplace-wide read models.
type MarketService interface {
	Stats() domain.Stats
	Notice() (service.Notice, bool)
	ContractAvailable(ctx context.Context) (bool, error)
}

// MarketHandler serves stats, notices and contract availability.
type MarketHandler struct {
	market   MarketService
	contract string
	logger   *slog.Logger
}

// NewMarketHandler creates a MarketHandler. contract is the marketplace
// contract address reported by the availability endpoint.
func NewMarketHandler(market MarketService, contract string, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{
		market:   market,
		contract: contract,
		logger:   logHandler(logger, "market"),
	}
}

// GetStats returns the statistics of the current listing snapshot.
// GET /api/stats
func (h *MarketHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.market.Stats())
}

// GetNotice returns the visible status notice or 204 when there is none.
// GET /api/notice
func (h *MarketHandler) GetNotice(w http.ResponseWriter, r *http.Request) {
	n, ok := h.market.Notice()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

// GetAvailability reports whether the marketplace contract answers.
// GET /api/contract/availability
func (h *MarketHandler) GetAvailability(w http.ResponseWriter, r *http.Request) {
	ok, err := h.market.ContractAvailable(r.Context())
	resp := map[string]any{
		"contract":  h.contract,
		"available": ok,
	}
	if err != nil {
		h.logger.WarnContext(r.Context(), "availability check failed", slog.String("error", err.Error()))
		resp["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}
