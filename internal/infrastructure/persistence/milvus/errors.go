package milvus

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	apperrors "theodore-ai-api/pkg/errors"
)

// mapError 将 Milvus 错误归入统一的错误类别
func mapError(err error, index string) error {
	if err == nil || apperrors.IsAppError(err) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.NotFound:
			return apperrors.Wrap(err, apperrors.CodeIndexNotFound, "index "+index+" not found")
		case codes.InvalidArgument, codes.FailedPrecondition, codes.OutOfRange:
			return apperrors.Wrap(err, apperrors.CodeInvalidParam, "milvus rejected the request")
		case codes.AlreadyExists:
			return apperrors.Wrap(err, apperrors.CodeIndexAlreadyExists, "index "+index+" already exists")
		case codes.Unauthenticated, codes.PermissionDenied, codes.Unimplemented:
			return apperrors.Wrap(err, apperrors.CodeInternalError, "milvus call not permitted")
		case codes.OK:
		default:
			return apperrors.Wrap(err, apperrors.CodeVectorDBError, "milvus unavailable")
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "collection not found"), strings.Contains(msg, "can't find collection"):
		return apperrors.Wrap(err, apperrors.CodeIndexNotFound, "index "+index+" not found")
	case strings.Contains(msg, "dimension"):
		return apperrors.Wrap(err, apperrors.CodeDimensionMismatch, "milvus rejected vector dimension")
	}
	return apperrors.Wrap(err, apperrors.CodeVectorDBError, "milvus call failed")
}
