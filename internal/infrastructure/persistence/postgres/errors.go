package postgres

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	apperrors "theodore-ai-api/pkg/errors"
)

// mapError 按 SQLSTATE 将数据库错误归入统一的错误类别
func mapError(err error, index string) error {
	if err == nil || apperrors.IsAppError(err) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		// 连接层错误
		return apperrors.Wrap(err, apperrors.CodeDatabaseError, "postgres unavailable")
	}

	switch {
	case pgErr.Code == "42P01":
		return apperrors.Wrap(err, apperrors.CodeIndexNotFound, "index "+index+" not found")
	case pgErr.Code == "23505", pgErr.Code == "42P07":
		return apperrors.Wrap(err, apperrors.CodeIndexAlreadyExists, "index "+index+" already exists")
	case strings.Contains(pgErr.Message, "dimensions"):
		return apperrors.Wrap(err, apperrors.CodeDimensionMismatch, "postgres rejected vector dimension")
	case strings.HasPrefix(pgErr.Code, "22"):
		return apperrors.Wrap(err, apperrors.CodeInvalidParam, "postgres rejected the request")
	}
	if len(pgErr.Code) == 5 {
		switch pgErr.Code[:2] {
		case "08", "53", "57", "40":
			return apperrors.Wrap(err, apperrors.CodeDatabaseError, "postgres unavailable")
		}
	}
	return apperrors.Wrap(err, apperrors.CodeInternalError, "postgres query failed")
}
