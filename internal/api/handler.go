package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"ms-reservation/internal/logger"
	"ms-reservation/internal/models"
	"ms-reservation/internal/utils"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

// HoldService is the reservation arbiter as seen by HTTP callers.
type HoldService interface {
	PlaceHold(ctx context.Context, unitID, holderRef string) (*models.Hold, error)
	ReleaseHold(ctx context.Context, holdID string) error
	ConsumeHold(ctx context.Context, holdID string) error
	GetHold(ctx context.Context, holdID string) (*models.Hold, error)
	GetUnit(ctx context.Context, unitID string) (*models.Unit, error)
	SetUnitHot(ctx context.Context, unitID string, hot bool) error
	LoadUnits(ctx context.Context, units []models.Unit) error
}

type AvailabilityReader interface {
	GetAvailability(ctx context.Context, eventID string) (*models.AvailabilitySnapshot, error)
}

type Handler struct {
	Holds        HoldService
	Availability AvailabilityReader
	Logger       *logger.Logger
}

func NewHandler(holds HoldService, availability AvailabilityReader, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.NewNop()
	}
	return &Handler{Holds: holds, Availability: availability, Logger: log}
}

type placeHoldRequest struct {
	UnitID    string `json:"unit_id"`
	HolderRef string `json:"holder_ref"`
}

type loadUnitsRequest struct {
	Units []unitRequest `json:"units"`
}

type unitRequest struct {
	ID       string          `json:"id"`
	EventID  string          `json:"event_id"`
	Category string          `json:"category"`
	Block    string          `json:"block"`
	Price    decimal.Decimal `json:"price"`
	Hot      bool            `json:"hot"`
}

type hotRequest struct {
	Hot bool `json:"hot"`
}

type unitResponse struct {
	ID            string            `json:"id"`
	EventID       string            `json:"event_id"`
	Category      string            `json:"category"`
	Block         string            `json:"block"`
	Price         decimal.Decimal   `json:"price"`
	Status        models.UnitStatus `json:"status"`
	HoldID        *string           `json:"hold_id,omitempty"`
	HoldExpiresAt *time.Time        `json:"hold_expires_at,omitempty"`
	Version       int64             `json:"version"`
	Hot           bool              `json:"hot"`
}

func newUnitResponse(u *models.Unit) unitResponse {
	return unitResponse{
		ID:            u.ID,
		EventID:       u.EventID,
		Category:      u.Category,
		Block:         u.Block,
		Price:         u.Price(),
		Status:        u.Status,
		HoldID:        u.HoldID,
		HoldExpiresAt: u.HoldExpiresAt,
		Version:       u.Version,
		Hot:           u.Hot,
	}
}

// ---------------- HOLDS ----------------

func (h *Handler) PlaceHold(w http.ResponseWriter, r *http.Request) {
	var req placeHoldRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.badRequest(w, "Invalid request body", err.Error())
		return
	}
	req.UnitID = strings.TrimSpace(req.UnitID)
	req.HolderRef = strings.TrimSpace(req.HolderRef)
	if req.UnitID == "" || req.HolderRef == "" {
		h.badRequest(w, "Invalid request", "unit_id and holder_ref are required")
		return
	}

	hold, err := h.Holds.PlaceHold(r.Context(), req.UnitID, req.HolderRef)
	if err != nil {
		h.writeError(w, "Could not place hold", err)
		return
	}
	_ = utils.WriteJSON(w, http.StatusCreated, utils.SuccessResponse("Hold placed", hold))
}

func (h *Handler) GetHold(w http.ResponseWriter, r *http.Request) {
	hold, err := h.Holds.GetHold(r.Context(), chi.URLParam(r, "holdId"))
	if err != nil {
		h.writeError(w, "Could not load hold", err)
		return
	}
	_ = utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Hold", hold))
}

func (h *Handler) ReleaseHold(w http.ResponseWriter, r *http.Request) {
	if err := h.Holds.ReleaseHold(r.Context(), chi.URLParam(r, "holdId")); err != nil {
		h.writeError(w, "Could not release hold", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ConsumeHold(w http.ResponseWriter, r *http.Request) {
	holdID := chi.URLParam(r, "holdId")
	if err := h.Holds.ConsumeHold(r.Context(), holdID); err != nil {
		h.writeError(w, "Could not consume hold", err)
		return
	}
	hold, err := h.Holds.GetHold(r.Context(), holdID)
	if err != nil {
		h.writeError(w, "Hold consumed but could not be reloaded", err)
		return
	}
	_ = utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Hold consumed", hold))
}

// ---------------- AVAILABILITY ----------------

func (h *Handler) GetAvailability(w http.ResponseWriter, r *http.Request) {
	snap, err := h.Availability.GetAvailability(r.Context(), chi.URLParam(r, "eventId"))
	if err != nil {
		h.writeError(w, "Could not compute availability", err)
		return
	}
	_ = utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Availability", snap))
}

// ---------------- UNITS ----------------

func (h *Handler) GetUnit(w http.ResponseWriter, r *http.Request) {
	unit, err := h.Holds.GetUnit(r.Context(), chi.URLParam(r, "unitId"))
	if err != nil {
		h.writeError(w, "Could not load unit", err)
		return
	}
	_ = utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("Unit", newUnitResponse(unit)))
}

func (h *Handler) LoadUnits(w http.ResponseWriter, r *http.Request) {
	var req loadUnitsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.badRequest(w, "Invalid request body", err.Error())
		return
	}
	if len(req.Units) == 0 {
		h.badRequest(w, "Invalid request", "units must not be empty")
		return
	}

	units := make([]models.Unit, 0, len(req.Units))
	for i, u := range req.Units {
		cents := u.Price.Shift(2)
		if u.Price.IsNegative() || !cents.Equal(cents.Truncate(0)) {
			h.badRequest(w, "Invalid request", fmt.Sprintf("unit %d: price must be a non-negative amount with at most two decimals", i))
			return
		}
		units = append(units, models.Unit{
			ID:         u.ID,
			EventID:    u.EventID,
			Category:   u.Category,
			Block:      u.Block,
			PriceCents: cents.IntPart(),
			Hot:        u.Hot,
		})
	}

	if err := h.Holds.LoadUnits(r.Context(), units); err != nil {
		h.writeError(w, "Could not load units", err)
		return
	}
	_ = utils.WriteJSON(w, http.StatusCreated, utils.SuccessResponse(fmt.Sprintf("Loaded %d units", len(units)), nil))
}

func (h *Handler) SetUnitHot(w http.ResponseWriter, r *http.Request) {
	var req hotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.badRequest(w, "Invalid request body", err.Error())
		return
	}
	unitID := chi.URLParam(r, "unitId")
	if err := h.Holds.SetUnitHot(r.Context(), unitID, req.Hot); err != nil {
		h.writeError(w, "Could not update unit", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---------------- ERRORS ----------------

func (h *Handler) badRequest(w http.ResponseWriter, message, detail string) {
	_ = utils.WriteJSON(w, http.StatusBadRequest, utils.ErrorResponse(message+": "+detail, "BAD_REQUEST"))
}

// writeError maps domain errors to HTTP statuses.
func (h *Handler) writeError(w http.ResponseWriter, message string, err error) {
	status, code := StatusFor(err)
	if status >= http.StatusInternalServerError {
		h.Logger.Error("API", fmt.Sprintf("%s: %v", message, err))
		_ = utils.WriteJSON(w, status, utils.ErrorResponse(message, code))
		return
	}
	_ = utils.WriteJSON(w, status, utils.ErrorResponse(fmt.Sprintf("%s: %v", message, err), code))
}

// StatusFor returns the HTTP status and error code for an arbiter error.
func StatusFor(err error) (int, string) {
	switch {
	case errors.Is(err, models.ErrUnitNotFound):
		return http.StatusNotFound, "UNIT_NOT_FOUND"
	case errors.Is(err, models.ErrHoldNotFound):
		return http.StatusNotFound, "HOLD_NOT_FOUND"
	case errors.Is(err, models.ErrEventNotFound):
		return http.StatusNotFound, "EVENT_NOT_FOUND"
	case errors.Is(err, models.ErrUnitNotAvailable), errors.Is(err, models.ErrConcurrencyConflict):
		return http.StatusConflict, "UNIT_NOT_AVAILABLE"
	case errors.Is(err, models.ErrUnitExists):
		return http.StatusConflict, "UNIT_EXISTS"
	case errors.Is(err, models.ErrHoldNotActive):
		return http.StatusConflict, "HOLD_NOT_ACTIVE"
	case errors.Is(err, models.ErrHoldExpired):
		return http.StatusGone, "HOLD_EXPIRED"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "UNAVAILABLE"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}
