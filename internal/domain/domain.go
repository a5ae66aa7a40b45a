package domain

// Operation is the persisted and API view of one remediation operation.
type Operation struct {
	ID        string         `json:"id"`
	Service   string         `json:"service"`
	Type      string         `json:"operation_type"`
	State     string         `json:"state" enum:"init,locked,safety_check,in_progress,paused_for_human_review,completed,failed,rolled_back,cancelled"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedBy string         `json:"created_by"`
	CreatedAt string         `json:"created_at" format:"date-time"`
	UpdatedAt string         `json:"updated_at" format:"date-time"`
}

type Transition struct {
	Seq       int    `json:"seq"`
	FromState string `json:"from_state"`
	ToState   string `json:"to_state"`
	Trigger   string `json:"trigger"`
	ActorID   string `json:"actor"`
	TS        string `json:"timestamp" format:"date-time"`
}

type Event struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts" format:"date-time"`
	Type        string `json:"type"`
	OperationID string `json:"operation_id,omitempty"`
	Service     string `json:"service,omitempty"`
	ActorID     string `json:"actor_id"`
	Payload     string `json:"payload"`
	PrevHash    string `json:"prev_hash"`
	Hash        string `json:"hash"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
