// internal/model/confirmation.go
package model

import "fmt"

// Status — итог доставки батча.
type Status int

const (
	// StatusAccepted — цель подтвердила все маршрутизируемые записи.
	StatusAccepted Status = iota
	// StatusPartial — часть записей принята, остаток в Pending.
	StatusPartial
	// StatusRejected — ни одна запись не подтверждена.
	StatusRejected
)

func (s Status) String() string {
	switch s {
	case StatusAccepted:
		return "accepted"
	case StatusPartial:
		return "partial"
	case StatusRejected:
		return "rejected"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Confirmation describes whether a batch was durably accepted.
// Failures are reported here rather than returned as errors so the
// caller can apply one retry policy to every sink variant.
type Confirmation struct {
	BatchID   string
	Sink      string
	Status    Status
	Total     int
	Committed int // records durably accepted
	Skipped   int // unroutable or malformed records, never retried
	// Pending holds records that still need delivery. For a rejected
	// confirmation a nil Pending means "the whole batch".
	Pending []Record
	Err     error
}

// Accepted builds a successful confirmation.
func Accepted(b Batch, sink string, committed, skipped int) Confirmation {
	return Confirmation{
		BatchID:   b.ID,
		Sink:      sink,
		Status:    StatusAccepted,
		Total:     b.Len(),
		Committed: committed,
		Skipped:   skipped,
	}
}

// Rejected builds a confirmation for a batch none of which was accepted.
func Rejected(b Batch, sink string, err error) Confirmation {
	return Confirmation{
		BatchID: b.ID,
		Sink:    sink,
		Status:  StatusRejected,
		Total:   b.Len(),
		Err:     err,
	}
}

// Partial builds a confirmation where only committed records were accepted.
func Partial(b Batch, sink string, committed, skipped int, pending []Record, err error) Confirmation {
	if committed == 0 {
		c := Rejected(b, sink, err)
		c.Skipped = skipped
		c.Pending = pending
		return c
	}
	return Confirmation{
		BatchID:   b.ID,
		Sink:      sink,
		Status:    StatusPartial,
		Total:     b.Len(),
		Committed: committed,
		Skipped:   skipped,
		Pending:   pending,
		Err:       err,
	}
}

// OK reports whether the batch is fully retired.
func (c Confirmation) OK() bool { return c.Status == StatusAccepted }

// Remaining returns the part of b that still has to be delivered.
func (c Confirmation) Remaining(b Batch) Batch {
	switch {
	case c.Status == StatusAccepted:
		return Batch{ID: b.ID, CreatedAt: b.CreatedAt}
	case c.Status == StatusRejected && c.Pending == nil:
		return b
	default:
		return Batch{ID: b.ID, Records: c.Pending, CreatedAt: b.CreatedAt}
	}
}

func (c Confirmation) String() string {
	return fmt.Sprintf("batch=%s sink=%s status=%s total=%d committed=%d skipped=%d",
		c.BatchID, c.Sink, c.Status, c.Total, c.Committed, c.Skipped)
}
