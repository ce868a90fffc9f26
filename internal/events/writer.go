package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"a2aflow/internal/domain"
)

const (
	TypeTaskCreated      = "task.created"
	TypeTaskTransition   = "task.transition"
	TypeArtifactAppended = "task.artifact"
)

type EventPayload map[string]any

type Event struct {
	ID      int64        `json:"id"`
	TS      string       `json:"ts" format:"date-time"`
	Type    string       `json:"type"`
	TaskID  string       `json:"task_id"`
	State   domain.State `json:"state"`
	Payload EventPayload `json:"payload"`
}

// Append records an event inside the caller's transaction, stamped with the
// same ts as the task row so the log never disagrees with it.
func Append(ctx context.Context, tx *sql.Tx, ts, evtType, taskID string, state domain.State, payload EventPayload) error {
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO task_events(ts,type,task_id,state,payload_json) VALUES (?,?,?,?,?)`,
		ts, evtType, taskID, string(state), string(data))
	return err
}

// ForTask returns the event log of one task in insertion order.
func ForTask(ctx context.Context, q interface {
	QueryContext(context.Context, string, ...any) (*sql.Rows, error)
}, taskID string) ([]Event, error) {
	rows, err := q.QueryContext(ctx, `SELECT id,ts,type,task_id,state,payload_json FROM task_events WHERE task_id=? ORDER BY id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Event
	for rows.Next() {
		var e Event
		var payload string
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.TaskID, &e.State, &payload); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
			return nil, fmt.Errorf("decode event %d: %w", e.ID, err)
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
