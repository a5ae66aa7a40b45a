package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"safeline/internal/db"
	"safeline/internal/domain"
	"safeline/internal/lifecycle"
	"safeline/internal/telemetry"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict means a snapshot no longer matches the stored operation.
	ErrConflict = errors.New("stored operation changed")
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) q(tx *sql.Tx) execer {
	if tx != nil {
		return tx
	}
	return r.DB
}

const operationColumns = `id,service,operation_type,state,metadata_json,created_by,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOperation(row rowScanner) (domain.Operation, error) {
	var (
		op   domain.Operation
		meta string
	)
	err := row.Scan(&op.ID, &op.Service, &op.Type, &op.State, &meta, &op.CreatedBy, &op.CreatedAt, &op.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return op, ErrNotFound
	}
	if err != nil {
		return op, err
	}
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &op.Metadata); err != nil {
			return op, fmt.Errorf("operation %s metadata: %w", op.ID, err)
		}
	}
	return op, nil
}

// InsertOperation stores a new operation row. Its transitions are written by SaveSnapshot.
func (r Repo) InsertOperation(ctx context.Context, tx *sql.Tx, op domain.Operation) error {
	meta, err := marshalMetadata(op.Metadata)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO operations(`+operationColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		op.ID, op.Service, op.Type, op.State, meta, op.CreatedBy, op.CreatedAt, op.UpdatedAt)
	return err
}

// SaveSnapshot writes the aggregate's current state and metadata and appends any
// transitions not yet stored. History is append-only, so stored rows are never rewritten.
// The write only lands if the stored state is the one the unsaved transitions start
// from; otherwise the snapshot is stale and ErrConflict is returned.
func (r Repo) SaveSnapshot(ctx context.Context, tx *sql.Tx, snap lifecycle.Snapshot, updatedAt time.Time) error {
	q := r.q(tx)
	meta, err := marshalMetadata(snap.Metadata)
	if err != nil {
		return err
	}
	var current string
	err = q.QueryRowContext(ctx, `SELECT state FROM operations WHERE id=?`, snap.ID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	var stored int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM operation_transitions WHERE operation_id=?`, snap.ID).Scan(&stored); err != nil {
		return err
	}
	if stored > len(snap.History) {
		return fmt.Errorf("%w: operation %s has %d stored transitions, snapshot has %d", ErrConflict, snap.ID, stored, len(snap.History))
	}
	expect := snap.State
	if stored < len(snap.History) {
		expect = snap.History[stored].From
	}
	if current != string(expect) {
		return fmt.Errorf("%w: operation %s is %s, snapshot expects %s", ErrConflict, snap.ID, current, expect)
	}
	res, err := q.ExecContext(ctx, `UPDATE operations SET state=?, metadata_json=?, updated_at=? WHERE id=? AND state=?`,
		string(snap.State), meta, db.FormatTime(updatedAt), snap.ID, current)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: operation %s changed while saving", ErrConflict, snap.ID)
	}
	for i := stored; i < len(snap.History); i++ {
		t := snap.History[i]
		if _, err := q.ExecContext(ctx, `INSERT INTO operation_transitions(operation_id,seq,from_state,to_state,trigger_name,actor_id,ts) VALUES (?,?,?,?,?,?,?)`,
			snap.ID, i+1, string(t.From), string(t.To), t.Trigger, t.Actor, db.FormatTime(t.At)); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) GetOperation(ctx context.Context, id string) (domain.Operation, error) {
	return scanOperation(r.DB.QueryRowContext(ctx, `SELECT `+operationColumns+` FROM operations WHERE id=?`, id))
}

// LoadSnapshot rebuilds the lifecycle view of a stored operation.
func (r Repo) LoadSnapshot(ctx context.Context, id string) (lifecycle.Snapshot, error) {
	op, err := r.GetOperation(ctx, id)
	if err != nil {
		return lifecycle.Snapshot{}, err
	}
	state, err := lifecycle.ParseState(op.State)
	if err != nil {
		return lifecycle.Snapshot{}, fmt.Errorf("operation %s: %w", id, err)
	}
	rows, err := r.ListTransitions(ctx, id)
	if err != nil {
		return lifecycle.Snapshot{}, err
	}
	history := make([]lifecycle.Transition, 0, len(rows))
	for _, t := range rows {
		at, err := db.ParseTime(t.TS)
		if err != nil {
			return lifecycle.Snapshot{}, err
		}
		history = append(history, lifecycle.Transition{
			From:    lifecycle.State(t.FromState),
			To:      lifecycle.State(t.ToState),
			Trigger: t.Trigger,
			Actor:   t.ActorID,
			At:      at,
		})
	}
	return lifecycle.Snapshot{ID: op.ID, State: state, History: history, Metadata: op.Metadata}, nil
}

func (r Repo) ListTransitions(ctx context.Context, operationID string) ([]domain.Transition, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT seq,from_state,to_state,trigger_name,actor_id,ts FROM operation_transitions WHERE operation_id=? ORDER BY seq ASC`, operationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Transition
	for rows.Next() {
		var t domain.Transition
		if err := rows.Scan(&t.Seq, &t.FromState, &t.ToState, &t.Trigger, &t.ActorID, &t.TS); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

type OperationFilters struct {
	Service string
	Type    string
	States  []string
	Limit   int
	// Cursor pages backwards through (updated_at, id) pairs.
	CursorUpdatedAt string
	CursorID        string
}

// ListOperations returns operations most recently updated first.
func (r Repo) ListOperations(ctx context.Context, f OperationFilters) ([]domain.Operation, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Service != "" {
		clauses = append(clauses, "service=?")
		args = append(args, f.Service)
	}
	if f.Type != "" {
		clauses = append(clauses, "operation_type=?")
		args = append(args, f.Type)
	}
	if len(f.States) > 0 {
		clauses = append(clauses, "state IN ("+placeholders(len(f.States))+")")
		for _, s := range f.States {
			args = append(args, s)
		}
	}
	if f.CursorUpdatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(updated_at < ? OR (updated_at = ? AND id < ?))")
		args = append(args, f.CursorUpdatedAt, f.CursorUpdatedAt, f.CursorID)
	}
	query := `SELECT ` + operationColumns + ` FROM operations WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY updated_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, op)
	}
	return res, rows.Err()
}

// PausedSince returns operations that entered paused_for_human_review at or before
// cutoff and are still paused.
func (r Repo) PausedSince(ctx context.Context, cutoff time.Time) ([]domain.Operation, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+prefixed("o", operationColumns)+`
		FROM operations o
		WHERE o.state = ?
		  AND (SELECT MAX(t.ts) FROM operation_transitions t WHERE t.operation_id = o.id AND t.to_state = ?) <= ?
		ORDER BY o.updated_at ASC, o.id ASC`,
		string(lifecycle.StatePausedForHumanReview), string(lifecycle.StatePausedForHumanReview), db.FormatTime(cutoff))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, op)
	}
	return res, rows.Err()
}

// LastTransitionAt finds the newest transition matching f across all operations.
func (r Repo) LastTransitionAt(ctx context.Context, f telemetry.TransitionFilter) (time.Time, bool, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Service != "" {
		clauses = append(clauses, "o.service=?")
		args = append(args, f.Service)
	}
	if f.OperationType != "" {
		clauses = append(clauses, "o.operation_type=?")
		args = append(args, f.OperationType)
	}
	if f.ToState != "" {
		clauses = append(clauses, "t.to_state=?")
		args = append(args, f.ToState)
	}
	if f.Trigger != "" {
		clauses = append(clauses, "t.trigger_name=?")
		args = append(args, f.Trigger)
	}
	var ts sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT MAX(t.ts) FROM operation_transitions t JOIN operations o ON o.id = t.operation_id WHERE `+
		strings.Join(clauses, " AND "), args...).Scan(&ts)
	if err != nil {
		return time.Time{}, false, err
	}
	if !ts.Valid || ts.String == "" {
		return time.Time{}, false, nil
	}
	at, err := db.ParseTime(ts.String)
	if err != nil {
		return time.Time{}, false, err
	}
	return at, true, nil
}

// CountByState returns operation counts per state.
func (r Repo) CountByState(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT state, COUNT(*) FROM operations GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		res[state] = n
	}
	return res, rows.Err()
}

func marshalMetadata(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	return string(data), nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func prefixed(alias, columns string) string {
	cols := strings.Split(columns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + c
	}
	return strings.Join(cols, ",")
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
