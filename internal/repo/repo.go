// Package repo is the SQLite-backed task store.
package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"a2aflow/internal/domain"
	"a2aflow/internal/events"
	"a2aflow/internal/store"
)

// Repo implements store.Store on a migrated database.
type Repo struct {
	*store.Hub
	DB    *sql.DB
	Now   func() time.Time
	NewID func() string
}

var _ store.Store = Repo{}

func New(db *sql.DB) Repo {
	return Repo{
		Hub:   store.NewHub(),
		DB:    db,
		Now:   time.Now,
		NewID: func() string { return uuid.New().String() },
	}
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) now() string {
	if r.Now != nil {
		return r.Now().UTC().Format(domain.TimeFormat)
	}
	return time.Now().UTC().Format(domain.TimeFormat)
}

func (r Repo) Create(ctx context.Context, capability string, input []domain.Message) (domain.Task, error) {
	now := r.now()
	id := uuid.New().String()
	if r.NewID != nil {
		id = r.NewID()
	}
	t := domain.Task{
		ID:         id,
		Capability: capability,
		State:      domain.StateSubmitted,
		Input:      append([]domain.Message(nil), input...),
		History:    []domain.StatusChange{{State: domain.StateSubmitted, At: now}},
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	inputJSON, err := json.Marshal(t.Input)
	if err != nil {
		return domain.Task{}, fmt.Errorf("marshal input: %w", err)
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT INTO tasks(id,capability,state,input_json,created_at,updated_at) VALUES (?,?,?,?,?,?)`,
		t.ID, t.Capability, string(t.State), string(inputJSON), t.CreatedAt, t.UpdatedAt); err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	if err := events.Append(ctx, tx, now, events.TypeTaskCreated, t.ID, t.State, events.EventPayload{"capability": capability}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	r.Publish(t)
	return t.Clone(), nil
}

func (r Repo) Get(ctx context.Context, id string) (domain.Task, error) {
	return loadTask(ctx, r.DB, id)
}

func (r Repo) Transition(ctx context.Context, id string, to domain.State, opts store.TransitionOptions) (domain.Task, error) {
	return r.mutate(ctx, id, func(t *domain.Task, now string) (string, events.EventPayload, error) {
		from := t.State
		if err := store.Apply(t, to, opts, now); err != nil {
			return "", nil, err
		}
		payload := events.EventPayload{"from": string(from), "to": string(to)}
		if t.Error != nil {
			payload["error_code"] = t.Error.Code
			payload["error"] = t.Error.Message
		}
		if n := len(opts.Artifacts); n > 0 {
			payload["artifacts"] = n
		}
		return events.TypeTaskTransition, payload, nil
	})
}

func (r Repo) AppendArtifact(ctx context.Context, id string, artifact domain.Artifact) (domain.Task, error) {
	return r.mutate(ctx, id, func(t *domain.Task, now string) (string, events.EventPayload, error) {
		if err := store.ApplyArtifact(t, artifact, now); err != nil {
			return "", nil, err
		}
		last := t.Artifacts[len(t.Artifacts)-1]
		return events.TypeArtifactAppended, events.EventPayload{"index": last.Index, "name": last.Name}, nil
	})
}

// mutate loads, changes and writes back one task in a single transaction.
// The UPDATE is conditional on the state read so a concurrent writer that
// slipped in between is detected instead of overwritten.
func (r Repo) mutate(ctx context.Context, id string, fn func(*domain.Task, string) (string, events.EventPayload, error)) (domain.Task, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	current, err := loadTask(ctx, tx, id)
	if err != nil {
		return domain.Task{}, err
	}
	next := current.Clone()
	now := r.now()
	evtType, payload, err := fn(&next, now)
	if err != nil {
		return current, err
	}
	var code, msg any
	if next.Error != nil {
		code, msg = next.Error.Code, next.Error.Message
	}
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET state=?, error_code=?, error_msg=?, updated_at=? WHERE id=? AND state=?`,
		string(next.State), code, msg, next.UpdatedAt, id, string(current.State))
	if err != nil {
		return domain.Task{}, fmt.Errorf("update task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return current, &store.TransitionError{ID: id, From: current.State, To: next.State}
	}
	for _, a := range next.Artifacts[len(current.Artifacts):] {
		if _, err := tx.ExecContext(ctx, `INSERT INTO artifacts(task_id,idx,name,kind,content) VALUES (?,?,?,?,?)`,
			id, a.Index, a.Name, a.Kind, a.Content); err != nil {
			return domain.Task{}, fmt.Errorf("insert artifact: %w", err)
		}
	}
	if err := events.Append(ctx, tx, now, evtType, id, next.State, payload); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	r.Publish(next)
	return next.Clone(), nil
}

func (r Repo) List(ctx context.Context, f store.Filter) ([]domain.Task, error) {
	var (
		clauses []string
		args    []any
	)
	if f.Capability != "" {
		clauses = append(clauses, "capability=?")
		args = append(args, f.Capability)
	}
	if f.State != "" {
		clauses = append(clauses, "state=?")
		args = append(args, string(f.State))
	}
	query := `SELECT id FROM tasks`
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	res := make([]domain.Task, 0, len(ids))
	for _, id := range ids {
		t, err := loadTask(ctx, r.DB, id)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, nil
}

// TaskEvents returns the persisted event log of one task.
func (r Repo) TaskEvents(ctx context.Context, id string) ([]events.Event, error) {
	if _, err := loadTask(ctx, r.DB, id); err != nil {
		return nil, err
	}
	return events.ForTask(ctx, r.DB, id)
}

func loadTask(ctx context.Context, q querier, id string) (domain.Task, error) {
	var (
		t         domain.Task
		state     string
		inputJSON string
		code, msg sql.NullString
	)
	err := q.QueryRowContext(ctx, `SELECT id,capability,state,input_json,error_code,error_msg,created_at,updated_at FROM tasks WHERE id=?`, id).
		Scan(&t.ID, &t.Capability, &state, &inputJSON, &code, &msg, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, store.ErrNotFound
	}
	if err != nil {
		return domain.Task{}, err
	}
	t.State = domain.State(state)
	if err := json.Unmarshal([]byte(inputJSON), &t.Input); err != nil {
		return domain.Task{}, fmt.Errorf("decode input of %s: %w", id, err)
	}
	if code.Valid {
		t.Error = &domain.TaskError{Code: code.String, Message: msg.String}
	}
	if t.Artifacts, err = loadArtifacts(ctx, q, id); err != nil {
		return domain.Task{}, err
	}
	if t.History, err = loadHistory(ctx, q, id); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

func loadArtifacts(ctx context.Context, q querier, id string) ([]domain.Artifact, error) {
	rows, err := q.QueryContext(ctx, `SELECT idx,name,kind,content FROM artifacts WHERE task_id=? ORDER BY idx`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Artifact
	for rows.Next() {
		var a domain.Artifact
		if err := rows.Scan(&a.Index, &a.Name, &a.Kind, &a.Content); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func loadHistory(ctx context.Context, q querier, id string) ([]domain.StatusChange, error) {
	rows, err := q.QueryContext(ctx, `SELECT state,ts FROM task_events WHERE task_id=? AND type IN (?,?) ORDER BY id`,
		id, events.TypeTaskCreated, events.TypeTaskTransition)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StatusChange
	for rows.Next() {
		var c domain.StatusChange
		var state string
		if err := rows.Scan(&state, &c.At); err != nil {
			return nil, err
		}
		c.State = domain.State(state)
		res = append(res, c)
	}
	return res, rows.Err()
}
