// Package audit keeps a tamper-evident, hash-chained record of everything the
// orchestrator did to an operation.
package audit

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"safeline/internal/db"
	"safeline/internal/domain"
)

// Genesis is the prev_hash of the first entry.
const Genesis = "GENESIS"

// Event types written by the orchestrator.
const (
	TypeOperationCreated   = "operation.created"
	TypeTransition         = "operation.transition"
	TypeOperationEscalated = "operation.escalated"
	TypeLockAcquired       = "lock.acquired"
	TypeLockReleased       = "lock.released"
	TypeLockFailed         = "lock.failed"
	TypeGatesEvaluated     = "gates.evaluated"
	TypeNotificationSent   = "notification.sent"
)

type Payload map[string]any

// Entry is one fact to append.
type Entry struct {
	Type        string
	OperationID string
	Service     string
	ActorID     string
	Payload     Payload
}

// Logger appends to and reads from the events table.
type Logger struct {
	DB  *sql.DB
	Now func() time.Time
}

// hashed is the canonical form covered by the chain.
type hashed struct {
	TS          string          `json:"ts"`
	Type        string          `json:"type"`
	OperationID string          `json:"operation_id"`
	Service     string          `json:"service"`
	ActorID     string          `json:"actor_id"`
	Payload     json.RawMessage `json:"payload"`
}

func chainHash(prev string, h hashed) (string, error) {
	data, err := json.Marshal(h)
	if err != nil {
		return "", err
	}
	sum := sha256.New()
	sum.Write([]byte(prev))
	sum.Write(data)
	return hex.EncodeToString(sum.Sum(nil)), nil
}

// Record appends e in its own transaction.
func (l Logger) Record(ctx context.Context, e Entry) (domain.Event, error) {
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Event{}, err
	}
	defer tx.Rollback()
	evt, err := l.RecordTx(ctx, tx, e)
	if err != nil {
		return domain.Event{}, err
	}
	return evt, tx.Commit()
}

// RecordTx appends e inside tx, chaining it to the latest stored entry.
func (l Logger) RecordTx(ctx context.Context, tx *sql.Tx, e Entry) (domain.Event, error) {
	if e.Type == "" {
		return domain.Event{}, errors.New("audit entry type required")
	}
	if l.Now == nil {
		l.Now = time.Now
	}
	if e.Payload == nil {
		e.Payload = Payload{}
	}
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return domain.Event{}, fmt.Errorf("marshal audit payload: %w", err)
	}
	prev := Genesis
	err = tx.QueryRowContext(ctx, `SELECT hash FROM events ORDER BY id DESC LIMIT 1`).Scan(&prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return domain.Event{}, fmt.Errorf("read chain head: %w", err)
	}
	evt := domain.Event{
		TS:          db.FormatTime(l.Now()),
		Type:        e.Type,
		OperationID: e.OperationID,
		Service:     e.Service,
		ActorID:     e.ActorID,
		Payload:     string(payload),
		PrevHash:    prev,
	}
	evt.Hash, err = chainHash(prev, canonical(evt))
	if err != nil {
		return domain.Event{}, err
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO events(ts,type,operation_id,service,actor_id,payload_json,prev_hash,hash) VALUES (?,?,?,?,?,?,?,?)`,
		evt.TS, evt.Type, nullable(evt.OperationID), nullable(evt.Service), evt.ActorID, evt.Payload, evt.PrevHash, evt.Hash)
	if err != nil {
		return domain.Event{}, err
	}
	evt.ID, _ = res.LastInsertId()
	return evt, nil
}

func canonical(e domain.Event) hashed {
	return hashed{
		TS:          e.TS,
		Type:        e.Type,
		OperationID: e.OperationID,
		Service:     e.Service,
		ActorID:     e.ActorID,
		Payload:     json.RawMessage(e.Payload),
	}
}

// Report is the result of walking the chain.
type Report struct {
	Checked  int    `json:"checked"`
	Valid    bool   `json:"valid"`
	BrokenAt int64  `json:"broken_at,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Head     string `json:"head,omitempty"`
}

// Verify walks every entry in order and reports the first broken link.
func (l Logger) Verify(ctx context.Context) (Report, error) {
	rows, err := l.DB.QueryContext(ctx, `SELECT `+eventColumns+` FROM events ORDER BY id ASC`)
	if err != nil {
		return Report{}, err
	}
	defer rows.Close()
	rep := Report{Valid: true}
	prev := Genesis
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return Report{}, err
		}
		rep.Checked++
		if evt.PrevHash != prev {
			return broken(rep, evt.ID, "prev_hash does not match previous entry"), nil
		}
		want, err := chainHash(prev, canonical(evt))
		if err != nil {
			return broken(rep, evt.ID, "payload is not valid JSON"), nil
		}
		if want != evt.Hash {
			return broken(rep, evt.ID, "hash mismatch"), nil
		}
		prev = evt.Hash
	}
	if err := rows.Err(); err != nil {
		return Report{}, err
	}
	if rep.Checked > 0 {
		rep.Head = prev
	}
	return rep, nil
}

func broken(rep Report, id int64, reason string) Report {
	rep.Valid = false
	rep.BrokenAt = id
	rep.Reason = reason
	return rep
}

// Filter narrows Tail. Before pages backwards by id; After streams forwards.
type Filter struct {
	OperationID string
	Type        string
	Limit       int
	Before      int64
	After       int64
}

// Tail returns matching entries, newest first unless After is set.
func (l Logger) Tail(ctx context.Context, f Filter) ([]domain.Event, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if f.OperationID != "" {
		clauses = append(clauses, "operation_id=?")
		args = append(args, f.OperationID)
	}
	if f.Type != "" {
		if strings.HasSuffix(f.Type, ".") {
			clauses = append(clauses, "type LIKE ?")
			args = append(args, f.Type+"%")
		} else {
			clauses = append(clauses, "type=?")
			args = append(args, f.Type)
		}
	}
	order := "DESC"
	if f.After > 0 {
		clauses = append(clauses, "id>?")
		args = append(args, f.After)
		order = "ASC"
	} else if f.Before > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Before)
	}
	query := fmt.Sprintf(`SELECT %s FROM events WHERE %s ORDER BY id %s LIMIT ?`, eventColumns, strings.Join(clauses, " AND "), order)
	args = append(args, f.Limit)
	rows, err := l.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, evt)
	}
	return res, rows.Err()
}

const eventColumns = `id,ts,type,COALESCE(operation_id,''),COALESCE(service,''),actor_id,payload_json,prev_hash,hash`

func scanEvent(rows *sql.Rows) (domain.Event, error) {
	var e domain.Event
	err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.OperationID, &e.Service, &e.ActorID, &e.Payload, &e.PrevHash, &e.Hash)
	return e, err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
