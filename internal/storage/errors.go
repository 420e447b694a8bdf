package storage

import (
	"errors"

	"github.com/jackc/pgx/v5"
)

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrVersionConflict is returned when an append's expected_version no
	// longer matches the event log. The caller must re-fold and retry.
	ErrVersionConflict = errors.New("storage: version conflict")

	// ErrDuplicateMessage is returned when an inbound message id has
	// already produced events for this exception. The redelivery must be
	// short-circuited to a no-op.
	ErrDuplicateMessage = errors.New("storage: message already processed")

	// ErrTicketAlreadyDecided is returned when resolving an approval
	// ticket that has left the CREATED state.
	ErrTicketAlreadyDecided = errors.New("storage: ticket already decided")
)

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
