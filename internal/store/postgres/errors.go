package postgres

import (
	"errors"

	"github.com/lib/pq"

	"github.com/orderforge/workorder/internal/store"
)

// uniqueViolation is the Postgres SQLSTATE for a unique-constraint violation.
const uniqueViolation = "23505"

// wrapWriteErr classifies a write error, mapping a unique-constraint
// violation onto store.ErrConflict (idempotency-key races; part rows are
// upserted with ON CONFLICT and do not raise one) and leaving everything
// else as-is.
func wrapWriteErr(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return store.ErrConflict
	}
	return err
}
