package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"shiftline/internal/domain"
	"shiftline/internal/repo"
)

// Writer records audit events and notification intents inside the caller's transaction,
// so both commit or roll back together with the state change they describe.
type Writer struct {
	Repo repo.Repo
	Now  func() time.Time
}

type EventPayload map[string]any

func (w Writer) ts() string {
	if w.Now == nil {
		return time.Now().UTC().Format(time.RFC3339)
	}
	return w.Now().UTC().Format(time.RFC3339)
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	data, err := marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	return w.Repo.AppendEvent(ctx, tx, domain.Event{
		TS:         w.ts(),
		Type:       evtType,
		EntityKind: entityKind,
		EntityID:   entityID,
		ActorID:    actorID,
		Payload:    data,
	})
}

// Notify queues an outbox row for userID. Delivery happens after commit.
func (w Writer) Notify(ctx context.Context, tx *sql.Tx, userID, kind string, payload EventPayload) error {
	if userID == "" {
		return nil
	}
	data, err := marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal notification payload: %w", err)
	}
	return w.Repo.InsertNotificationTx(ctx, tx, domain.Notification{
		UserID:    userID,
		Kind:      kind,
		Payload:   data,
		CreatedAt: w.ts(),
	})
}

func marshal(payload EventPayload) (string, error) {
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
