package domain

import "time"

// PendingRecord is the stored form of an operation awaiting execution.
// Records are never mutated once inserted.
type PendingRecord struct {
	ID          string    `json:"id"           db:"id"`
	OperationID string    `json:"operation_id" db:"operation_id"`
	Payload     []byte    `json:"payload"      db:"payload"`
	CreatedAt   time.Time `json:"created_at"   db:"created_at"`
}

// Clone returns a deep copy of r.
func (r *PendingRecord) Clone() *PendingRecord {
	c := *r
	c.Payload = append([]byte(nil), r.Payload...)
	return &c
}
