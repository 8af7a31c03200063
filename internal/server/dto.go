package server

import (
	"encoding/json"

	"shiftline/internal/domain"
	"shiftline/internal/engine"
)

// Request payloads

type CreateShiftRequest struct {
	ID            *string `json:"id,omitempty"`
	Title         string  `json:"title"`
	Description   *string `json:"description,omitempty"`
	Location      *string `json:"location,omitempty"`
	PayAmount     int64   `json:"pay_amount"`
	PayCurrency   string  `json:"pay_currency" example:"USD"`
	StartsAt      string  `json:"starts_at" format:"date-time"`
	EndsAt        string  `json:"ends_at" format:"date-time"`
	RequiredCount int     `json:"required_count" minimum:"1"`
	Publish       bool    `json:"publish,omitempty"`
}

type CancelShiftRequest struct {
	Reason string `json:"reason,omitempty"`
}

type SubmitApplicationRequest struct {
	ID      *string `json:"id,omitempty"`
	Message string  `json:"message,omitempty"`
}

type AdmissionRequest struct {
	ApplicationID string `json:"application_id"`
	Approved      bool   `json:"approved"`
}

type CompletionRequest struct {
	CallerRole string `json:"caller_role" enum:"requester,fulfiller"`
}

type RatingRequest struct {
	RatedPartyID string `json:"rated_party_id"`
	Score        int    `json:"score"`
	Comment      string `json:"comment,omitempty"`
}

// Response payloads

type AdmissionResponse struct {
	ApplicationID string `json:"application_id"`
	Status        string `json:"status" enum:"accepted,rejected"`
	ShiftStatus   string `json:"shift_status"`
	AdmittedCount int    `json:"admitted_count"`
	RequiredCount int    `json:"required_count"`
}

type CompletionResponse struct {
	UserCompleted bool   `json:"user_completed"`
	BothCompleted bool   `json:"both_completed"`
	State         string `json:"state" enum:"awaiting_both,awaiting_other_party,completed"`
	Message       string `json:"message"`
	RecordID      string `json:"record_id,omitempty"`
}

type RatingResponse struct {
	Accepted        bool                  `json:"accepted"`
	Rating          domain.Rating         `json:"rating"`
	Reputation      domain.UserReputation `json:"reputation"`
	ReputationStale bool                  `json:"reputation_stale,omitempty"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type NotificationResponse struct {
	ID          int64          `json:"id"`
	Kind        string         `json:"kind"`
	CreatedAt   string         `json:"created_at" format:"date-time"`
	Delivered   bool           `json:"delivered"`
	Attempts    int            `json:"attempts"`
	Payload     map[string]any `json:"payload,omitempty"`
	DeliveredAt *string        `json:"delivered_at,omitempty" format:"date-time"`
}

type WhoAmIResponse struct {
	ActorID string `json:"actor_id"`
	Source  string `json:"source" enum:"jwt,legacy_header"`
}

type paginatedShifts struct {
	Items      []domain.Shift `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func admissionResponse(r engine.AdmissionResult) AdmissionResponse {
	return AdmissionResponse{
		ApplicationID: r.ApplicationID,
		Status:        r.ApplicationStatus,
		ShiftStatus:   r.ShiftStatus,
		AdmittedCount: r.AdmittedCount,
		RequiredCount: r.RequiredCount,
	}
}

func completionResponse(r engine.ConfirmResult) CompletionResponse {
	return CompletionResponse{
		UserCompleted: r.UserCompleted,
		BothCompleted: r.BothCompleted,
		State:         r.State,
		Message:       r.Message,
		RecordID:      r.RecordID,
	}
}

func ratingResponse(r engine.RatingResult) RatingResponse {
	return RatingResponse(r)
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func notificationResponse(n domain.Notification) NotificationResponse {
	return NotificationResponse{
		ID:          n.ID,
		Kind:        n.Kind,
		CreatedAt:   n.CreatedAt,
		Delivered:   n.DeliveredAt != nil,
		Attempts:    n.Attempts,
		Payload:     decodeJSONMap(n.Payload),
		DeliveredAt: n.DeliveredAt,
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil
	}
	return obj
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
