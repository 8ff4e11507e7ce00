// Package repository provides data access layer implementations.
package repository

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/jackc/pgx/v5/pgconn"

	"leaderboard-engine/internal/model"
)

// Common errors for repository operations. Each wraps a model error kind.
var (
	ErrScopeNotFound     = fmt.Errorf("%w: scope", model.ErrNotFound)
	ErrScopeExists       = fmt.Errorf("%w: scope already exists", model.ErrValidation)
	ErrDuplicateEvent    = fmt.Errorf("%w: duplicate score event for user, scope and timestamp", model.ErrValidation)
	ErrAggregateNotFound = fmt.Errorf("%w: aggregate", model.ErrNotFound)
	ErrEntryNotFound     = fmt.Errorf("%w: leaderboard entry", model.ErrNotFound)
	ErrVersionConflict   = fmt.Errorf("%w: version changed since read", model.ErrConflict)
)

// PostgreSQL error codes the repositories branch on.
const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
)

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// isUnavailable reports whether err means the database could not serve the
// request at all, as opposed to rejecting it.
func isUnavailable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) {
		return true
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code[:2] {
		case "08", "53", "57": // connection exception, insufficient resources, operator intervention
			return true
		}
	}
	return false
}

// wrapErr annotates a driver error with the failed operation and marks
// connectivity failures as model.ErrStoreUnavailable.
func wrapErr(op string, err error) error {
	if isUnavailable(err) {
		return fmt.Errorf("failed to %s: %w: %w", op, model.ErrStoreUnavailable, err)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}
