package domain

import "time"

// BatchRecord accumulates encoded data items under one operation id until the
// batch is completed.
type BatchRecord struct {
	ID          string    `json:"id"`
	OperationID string    `json:"operation_id"`
	Items       [][]byte  `json:"items"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Clone returns a deep copy of b.
func (b *BatchRecord) Clone() *BatchRecord {
	c := *b
	c.Items = make([][]byte, len(b.Items))
	for i, item := range b.Items {
		c.Items[i] = append([]byte(nil), item...)
	}
	return &c
}
