package qdrant

import (
	"context"
	"errors"
	"strings"

	qd "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	apperrors "theodore-ai-api/pkg/errors"
)

// mapError 将 Qdrant 错误归入统一的错误类别
func mapError(err error, index string) error {
	if err == nil || apperrors.IsAppError(err) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var exhausted *qd.QdrantResourceExhaustedError
	if errors.As(err, &exhausted) {
		return apperrors.Wrap(err, apperrors.CodeVectorDBError, "qdrant rate limited")
	}

	msg := strings.ToLower(err.Error())
	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.NotFound:
			return apperrors.Wrap(err, apperrors.CodeIndexNotFound, "index "+index+" not found")
		case codes.InvalidArgument, codes.FailedPrecondition, codes.OutOfRange:
			if strings.Contains(msg, "dimension") {
				return apperrors.Wrap(err, apperrors.CodeDimensionMismatch, "qdrant rejected vector dimension")
			}
			if strings.Contains(msg, "already exists") {
				return apperrors.Wrap(err, apperrors.CodeIndexAlreadyExists, "index "+index+" already exists")
			}
			if strings.Contains(msg, "not found") || strings.Contains(msg, "doesn't exist") {
				return apperrors.Wrap(err, apperrors.CodeIndexNotFound, "index "+index+" not found")
			}
			return apperrors.Wrap(err, apperrors.CodeInvalidParam, "qdrant rejected the request")
		case codes.AlreadyExists:
			return apperrors.Wrap(err, apperrors.CodeIndexAlreadyExists, "index "+index+" already exists")
		case codes.Unauthenticated, codes.PermissionDenied, codes.Unimplemented:
			return apperrors.Wrap(err, apperrors.CodeInternalError, "qdrant call not permitted")
		case codes.OK, codes.Unknown:
		default:
			return apperrors.Wrap(err, apperrors.CodeVectorDBError, "qdrant unavailable")
		}
	}

	if strings.Contains(msg, "not found") || strings.Contains(msg, "doesn't exist") {
		return apperrors.Wrap(err, apperrors.CodeIndexNotFound, "index "+index+" not found")
	}
	return apperrors.Wrap(err, apperrors.CodeVectorDBError, "qdrant call failed")
}
