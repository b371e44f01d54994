package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/taskhive/backend/internal/services"
)

type DispatchHandler struct {
	service   *services.DispatchService
	validator *services.ValidationHelper
}

func NewDispatchHandler(service *services.DispatchService) *DispatchHandler {
	return &DispatchHandler{
		service:   service,
		validator: services.NewValidationHelper(),
	}
}

// BroadcastRequest creates an instant request for a set of candidates
// @Summary Broadcast an instant request
// @Description Create a time-boxed instant request with one pending response per candidate
// @Tags dispatch
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{requester_id=string,candidate_ids=[]string} true "Broadcast request"
// @Success 201 {object} models.InstantRequest
// @Failure 400 {object} services.ErrorResponse
// @Router /dispatch/requests [post]
func (h *DispatchHandler) BroadcastRequest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RequesterID  string   `json:"requester_id" validate:"required"`
		CandidateIDs []string `json:"candidate_ids" validate:"required,min=1,max=50,dive,required"`
	}

	if !h.decode(w, r, &req) {
		return
	}

	request, err := h.service.Broadcast(r.Context(), req.RequesterID, req.CandidateIDs)
	if err != nil {
		log.Printf("[DISPATCH] Broadcast failed for requester %s: %v", req.RequesterID, err)
		services.SendErrorResponse(w, "Failed to broadcast request", http.StatusServiceUnavailable, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(request)
}

// AcceptRequest binds the first accepting candidate to a request
// @Summary Accept an instant request
// @Description First accept wins; losers receive a 409 lost-race response
// @Tags dispatch
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{request_id=string,candidate_id=string,eta_minutes=int} true "Accept request"
// @Success 200 {object} object{assignment=models.Assignment}
// @Failure 404 {object} services.ErrorResponse
// @Failure 409 {object} services.ErrorResponse
// @Router /dispatch/accept [post]
func (h *DispatchHandler) AcceptRequest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RequestID   string `json:"request_id" validate:"required,uuid4"`
		CandidateID string `json:"candidate_id" validate:"required"`
		ETAMinutes  int    `json:"eta_minutes" validate:"required,gt=0,lte=480"`
	}

	if !h.decode(w, r, &req) {
		return
	}

	assignment, err := h.service.Accept(r.Context(), req.RequestID, req.CandidateID, req.ETAMinutes)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrLostRace):
			// Expected outcome under contention, not a fault.
			services.SendErrorResponse(w, "Request already taken", http.StatusConflict, nil)
		case errors.Is(err, services.ErrNotFound):
			services.SendErrorResponse(w, "Request or response not found", http.StatusNotFound, nil)
		default:
			log.Printf("[DISPATCH] Accept failed for request %s: %v", req.RequestID, err)
			services.SendErrorResponse(w, "Failed to accept request", http.StatusServiceUnavailable, nil)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"assignment": assignment,
	})
}

// DeclineRequest records a candidate's decline
// @Summary Decline an instant request
// @Description Mark the candidate's own response declined; the request keeps searching
// @Tags dispatch
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{request_id=string,candidate_id=string} true "Decline request"
// @Success 200 {object} object{}
// @Failure 404 {object} services.ErrorResponse
// @Router /dispatch/decline [post]
func (h *DispatchHandler) DeclineRequest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RequestID   string `json:"request_id" validate:"required,uuid4"`
		CandidateID string `json:"candidate_id" validate:"required"`
	}

	if !h.decode(w, r, &req) {
		return
	}

	if err := h.service.Decline(r.Context(), req.RequestID, req.CandidateID); err != nil {
		if errors.Is(err, services.ErrNotFound) {
			services.SendErrorResponse(w, "No pending response for this candidate", http.StatusNotFound, nil)
		} else {
			log.Printf("[DISPATCH] Decline failed for request %s: %v", req.RequestID, err)
			services.SendErrorResponse(w, "Failed to decline request", http.StatusServiceUnavailable, nil)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{})
}

func (h *DispatchHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return false
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return false
	}

	if err := h.validator.ValidateStruct(dst); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return false
	}

	return true
}
