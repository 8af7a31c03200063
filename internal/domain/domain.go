package domain

// Shift statuses.
const (
	ShiftDraft      = "draft"
	ShiftOpen       = "open"
	ShiftInProgress = "in_progress"
	ShiftCompleted  = "completed"
	ShiftCancelled  = "cancelled"
)

// Application statuses.
const (
	ApplicationPending  = "pending"
	ApplicationAccepted = "accepted"
	ApplicationRejected = "rejected"
)

// Party roles on a shift.
const (
	RoleRequester = "requester"
	RoleFulfiller = "fulfiller"
)

// RequiredConfirmations is the number of independent party signals (requester side and
// fulfiller side) needed before a shift may complete.
const RequiredConfirmations = 2

type Shift struct {
	ID                    string   `json:"id"`
	RequesterID           string   `json:"requester_id"`
	Title                 string   `json:"title"`
	Description           string   `json:"description,omitempty"`
	Location              string   `json:"location,omitempty"`
	PayAmount             int64    `json:"pay_amount"`
	PayCurrency           string   `json:"pay_currency"`
	StartsAt              string   `json:"starts_at" format:"date-time"`
	EndsAt                string   `json:"ends_at" format:"date-time"`
	RequiredCount         int      `json:"required_count"`
	AdmittedCount         int      `json:"admitted_count"`
	AdmittedFulfillerIDs  []string `json:"admitted_fulfiller_ids"`
	Status                string   `json:"status" enum:"draft,open,in_progress,completed,cancelled"`
	RequesterCompleted    bool     `json:"requester_completed"`
	RequesterCompletedAt  *string  `json:"requester_completed_at,omitempty" format:"date-time"`
	FulfillerCompleted    bool     `json:"fulfiller_completed"`
	FulfillerCompletedAt  *string  `json:"fulfiller_completed_at,omitempty" format:"date-time"`
	FulfillerCompletedBy  *string  `json:"fulfiller_completed_by,omitempty"`
	ConfirmationCount     int      `json:"confirmation_count"`
	RequiredConfirmations int      `json:"required_confirmations"`
	Version               int64    `json:"version"`
	CreatedAt             string   `json:"created_at" format:"date-time"`
	UpdatedAt             string   `json:"updated_at" format:"date-time"`
	CompletedAt           *string  `json:"completed_at,omitempty" format:"date-time"`
	CancelledAt           *string  `json:"cancelled_at,omitempty" format:"date-time"`
}

// IsAdmitted reports whether userID is one of the shift's admitted fulfillers.
func (s Shift) IsAdmitted(userID string) bool {
	for _, id := range s.AdmittedFulfillerIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// Terms is the snapshot of what was agreed for a shift.
type Terms struct {
	Title       string `json:"title"`
	Location    string `json:"location,omitempty"`
	PayAmount   int64  `json:"pay_amount"`
	PayCurrency string `json:"pay_currency"`
	StartsAt    string `json:"starts_at" format:"date-time"`
	EndsAt      string `json:"ends_at" format:"date-time"`
}

func (s Shift) Terms() Terms {
	return Terms{
		Title:       s.Title,
		Location:    s.Location,
		PayAmount:   s.PayAmount,
		PayCurrency: s.PayCurrency,
		StartsAt:    s.StartsAt,
		EndsAt:      s.EndsAt,
	}
}

type Application struct {
	ID          string  `json:"id"`
	ShiftID     string  `json:"shift_id"`
	CandidateID string  `json:"candidate_id"`
	Status      string  `json:"status" enum:"pending,accepted,rejected"`
	Message     string  `json:"message,omitempty"`
	Reason      string  `json:"reason,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	DecidedAt   *string `json:"decided_at,omitempty" format:"date-time"`
}

// CompletionRecord is the immutable act issued when both parties confirm a shift.
type CompletionRecord struct {
	ID                   string   `json:"id"`
	ShiftID              string   `json:"shift_id"`
	Terms                Terms    `json:"terms"`
	RequesterID          string   `json:"requester_id"`
	FulfillerIDs         []string `json:"fulfiller_ids"`
	FulfillerConfirmedBy string   `json:"fulfiller_confirmed_by"`
	RequesterConfirmedAt string   `json:"requester_confirmed_at" format:"date-time"`
	FulfillerConfirmedAt string   `json:"fulfiller_confirmed_at" format:"date-time"`
	IssuedAt             string   `json:"issued_at" format:"date-time"`
}

type Rating struct {
	ID        string `json:"id"`
	ShiftID   string `json:"shift_id"`
	RaterID   string `json:"rater_id"`
	RatedID   string `json:"rated_id"`
	Score     int    `json:"score"`
	Comment   string `json:"comment,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type UserReputation struct {
	UserID    string  `json:"user_id"`
	Average   float64 `json:"average"`
	Count     int     `json:"count"`
	UpdatedAt string  `json:"updated_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// Notification is an outbox row announcing a state change to one user.
type Notification struct {
	ID          int64   `json:"id"`
	UserID      string  `json:"user_id"`
	Kind        string  `json:"kind"`
	Payload     string  `json:"payload_json"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	Attempts    int     `json:"attempts"`
	LastError   string  `json:"last_error,omitempty"`
	DeliveredAt *string `json:"delivered_at,omitempty" format:"date-time"`
}
