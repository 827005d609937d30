package store

import (
	"context"
	"errors"
	"net"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrCollectionMissing means the tier's backing table does not exist.
	ErrCollectionMissing = errors.New("collection missing")
	// ErrDimensionMismatch means the supplied embedding does not match the
	// collection's configured dimension.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	// ErrTransientIO wraps retryable storage failures.
	ErrTransientIO = errors.New("transient storage io")
)

// classify maps driver errors onto the gateway error kinds. Anything not
// recognised is returned unchanged and treated as a hard storage failure.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errors.Join(ErrTransientIO, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return errors.Join(ErrTransientIO, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "42P01": // undefined_table
			return errors.Join(ErrCollectionMissing, err)
		case "22000", "22023": // pgvector raises data_exception on bad dims
			return errors.Join(ErrDimensionMismatch, err)
		case "40001", "40P01", // serialization failure, deadlock
			"53300", "57P03", "08000", "08003", "08006": // resource/connection
			return errors.Join(ErrTransientIO, err)
		}
	}
	if pgconn.SafeToRetry(err) {
		return errors.Join(ErrTransientIO, err)
	}
	return err
}
