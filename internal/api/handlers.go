package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/example/parking-es/internal/api/middleware"
	"github.com/example/parking-es/internal/command"
	"github.com/example/parking-es/internal/domain/reservation"
	"github.com/example/parking-es/internal/domain/slot"
	"github.com/example/parking-es/internal/domain/user"
	"github.com/example/parking-es/internal/query"
)

type Handlers struct {
	reservations *reservation.Service
	slots        *slot.Service
	users        *user.Service
	queryHandler *query.Handler
}

func NewHandlers(reservations *reservation.Service, slots *slot.Service, users *user.Service, queryHandler *query.Handler) *Handlers {
	return &Handlers{
		reservations: reservations,
		slots:        slots,
		users:        users,
		queryHandler: queryHandler,
	}
}

// CommandResponse is the body of every successful command.
type CommandResponse struct {
	AggregateID string `json:"aggregate_id"`
	Version     int    `json:"version"`
	State       any    `json:"state,omitempty"`
}

func commandResponse(res command.Result) CommandResponse {
	return CommandResponse{AggregateID: res.AggregateID, Version: res.Version, State: res.State}
}

// Slot Handlers

func (h *Handlers) CreateSlot(c *gin.Context) {
	var cmd command.CreateSlot
	if !bindJSON(c, &cmd) {
		return
	}
	res, err := h.slots.Create(c.Request.Context(), cmd)
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, commandResponse(res))
}

func (h *Handlers) OccupySlot(c *gin.Context) {
	var req struct {
		ReservationID string `json:"reservation_id"`
	}
	if !bindJSON(c, &req) {
		return
	}
	res, err := h.slots.Occupy(c.Request.Context(), command.OccupySlot{SlotID: c.Param("id"), ReservationID: req.ReservationID})
	if err != nil {
		RespondError(c, err)
		return
	}
	RespondOK(c, commandResponse(res))
}

func (h *Handlers) ReleaseSlot(c *gin.Context) {
	res, err := h.slots.Release(c.Request.Context(), command.ReleaseSlot{SlotID: c.Param("id")})
	if err != nil {
		RespondError(c, err)
		return
	}
	RespondOK(c, commandResponse(res))
}

func (h *Handlers) GetSlots(c *gin.Context) {
	slots, err := h.queryHandler.ListSlots(c.Request.Context(), c.Query("status"))
	if err != nil {
		RespondError(c, err)
		return
	}
	RespondOK(c, slots)
}

// Reservation Handlers

type createReservationRequest struct {
	ReservationID string    `json:"reservation_id"`
	SlotID        string    `json:"slot_id" binding:"required"`
	StartTime     time.Time `json:"start_time" binding:"required"`
	EndTime       time.Time `json:"end_time" binding:"required"`
}

func (h *Handlers) CreateReservation(c *gin.Context) {
	var req createReservationRequest
	if !bindJSON(c, &req) {
		return
	}
	res, err := h.reservations.Create(c.Request.Context(), command.CreateReservation{
		ReservationID: req.ReservationID,
		UserID:        middleware.GetUserID(c),
		SlotID:        req.SlotID,
		StartTime:     req.StartTime,
		EndTime:       req.EndTime,
	})
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, commandResponse(res))
}

func (h *Handlers) UpdateReservationStatus(c *gin.Context) {
	var req struct {
		Status string `json:"status" binding:"required"`
	}
	if !bindJSON(c, &req) {
		return
	}
	id := c.Param("id")
	if !h.ownsReservation(c, id) {
		return
	}
	res, err := h.reservations.UpdateStatus(c.Request.Context(), command.UpdateReservationStatus{ReservationID: id, Status: req.Status})
	if err != nil {
		RespondError(c, err)
		return
	}
	RespondOK(c, commandResponse(res))
}

// GetReservation reads the projected reservation. A reservation created a
// moment ago may not be visible yet.
func (h *Handlers) GetReservation(c *gin.Context) {
	r, err := h.queryHandler.GetReservation(c.Request.Context(), c.Param("id"))
	if err != nil {
		RespondError(c, err)
		return
	}
	if !isAdmin(c) && r.UserID != middleware.GetUserID(c) {
		RespondStatus(c, http.StatusNotFound, "not_found", "reservation not found")
		return
	}
	RespondOK(c, r)
}

func (h *Handlers) GetReservations(c *gin.Context) {
	userID := middleware.GetUserID(c)
	if isAdmin(c) && c.Query("all") == "true" {
		userID = ""
	}
	rows, err := h.queryHandler.ListReservationsByUser(c.Request.Context(), userID, queryInt(c, "limit"))
	if err != nil {
		RespondError(c, err)
		return
	}
	RespondOK(c, rows)
}

// ownsReservation checks on the write side, so a fresh reservation is
// visible to its owner at once.
func (h *Handlers) ownsReservation(c *gin.Context, id string) bool {
	if isAdmin(c) {
		return true
	}
	r, err := h.reservations.Get(c.Request.Context(), id)
	if err != nil {
		RespondError(c, err)
		return false
	}
	if r.UserID != middleware.GetUserID(c) {
		RespondStatus(c, http.StatusNotFound, "not_found", "reservation not found")
		return false
	}
	return true
}

// Activity Handlers

func (h *Handlers) GetActivity(c *gin.Context) {
	userID := middleware.GetUserID(c)
	if isAdmin(c) {
		userID = c.Query("user_id")
	}
	rows, err := h.queryHandler.ListActivity(c.Request.Context(), c.Query("aggregate_id"), userID, queryInt(c, "limit"))
	if err != nil {
		RespondError(c, err)
		return
	}
	RespondOK(c, rows)
}

// Helper functions

func queryInt(c *gin.Context, key string) int {
	n, err := strconv.Atoi(c.Query(key))
	if err != nil {
		return 0
	}
	return n
}

// isAdmin checks if the current user has admin role
func isAdmin(c *gin.Context) bool {
	claims, ok := middleware.GetUserFromContext(c)
	if !ok {
		return false
	}
	return claims.Role == user.RoleAdmin
}
