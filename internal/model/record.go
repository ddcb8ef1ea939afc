// internal/model/record.go
package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Record — неизменяемая единица принятых данных провайдера.
// Пара (Provider, SourceKind) выбирает маршрут доставки.
type Record struct {
	Provider   string          `json:"provider"`
	SourceKind string          `json:"source_kind"`
	Symbol     string          `json:"symbol,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt time.Time       `json:"received_at"`
}

// RouteKey is the routing key of a record.
type RouteKey struct {
	Provider   string
	SourceKind string
}

func (k RouteKey) String() string { return k.Provider + "/" + k.SourceKind }

// Key returns the routing key of the record.
func (r Record) Key() RouteKey {
	return RouteKey{Provider: r.Provider, SourceKind: r.SourceKind}
}

// Batch — упорядоченная группа записей, атомарно извлечённая из буфера.
type Batch struct {
	ID        string
	Records   []Record
	CreatedAt time.Time
}

// NewBatch wraps records into a batch with a fresh ID.
func NewBatch(records []Record) Batch {
	return Batch{
		ID:        uuid.NewString(),
		Records:   records,
		CreatedAt: time.Now(),
	}
}

// Len returns the number of records.
func (b Batch) Len() int { return len(b.Records) }

// Empty reports whether the batch carries no records.
func (b Batch) Empty() bool { return len(b.Records) == 0 }

// Tail returns a batch with the same ID holding records[from:].
func (b Batch) Tail(from int) Batch {
	if from <= 0 {
		return b
	}
	if from >= len(b.Records) {
		return Batch{ID: b.ID, CreatedAt: b.CreatedAt}
	}
	return Batch{ID: b.ID, Records: b.Records[from:], CreatedAt: b.CreatedAt}
}

// GroupBy splits the batch by key, keeping the batch order inside every group.
// Keys are returned in order of first appearance.
func GroupBy[K comparable](b Batch, key func(Record) K) ([]K, map[K][]Record) {
	groups := make(map[K][]Record)
	var order []K
	for _, r := range b.Records {
		k := key(r)
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], r)
	}
	return order, groups
}
