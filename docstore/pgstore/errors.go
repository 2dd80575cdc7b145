package pgstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/godamri/helix-activity/docstore"
)

// MapError translates driver errors into docstore sentinels. The driver
// error stays wrapped.
func MapError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, sql.ErrNoRows) || errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %w", docstore.ErrNotFound, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected:
			return fmt.Errorf("%w: retry transaction: %w", docstore.ErrAborted, err)
		case pgerrcode.QueryCanceled:
			return fmt.Errorf("%w: query timeout: %w", context.DeadlineExceeded, err)
		case pgerrcode.AdminShutdown, pgerrcode.CannotConnectNow, pgerrcode.TooManyConnections:
			return fmt.Errorf("%w: %w", docstore.ErrUnavailable, err)
		}
	}

	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return fmt.Errorf("%w: %w", docstore.ErrUnavailable, err)
	}

	return fmt.Errorf("pgstore: %w", err)
}

func IsNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows) || errors.Is(err, pgx.ErrNoRows)
}
