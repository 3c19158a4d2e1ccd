// Package errors 提供统一的错误定义与错误分类
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode 错误码类型
type ErrorCode string

// 预定义错误码
const (
	// 通用错误 (1xxx)
	CodeSuccess            ErrorCode = "0"
	CodeUnknown            ErrorCode = "1000"
	CodeInvalidParam       ErrorCode = "1001"
	CodeNotFound           ErrorCode = "1004"
	CodeConflict           ErrorCode = "1005"
	CodeTooManyRequests    ErrorCode = "1006"
	CodeInternalError      ErrorCode = "1007"
	CodeServiceUnavailable ErrorCode = "1008"
	CodeDeadlineExceeded   ErrorCode = "1009"

	// 资源错误 (3xxx)
	CodeIndexNotFound      ErrorCode = "3001"
	CodeRecordNotFound     ErrorCode = "3002"
	CodeIndexAlreadyExists ErrorCode = "3003"

	// 校验错误 (4xxx)
	CodeInvalidDimension  ErrorCode = "4001"
	CodeDimensionMismatch ErrorCode = "4002"
	CodeInvalidFilter     ErrorCode = "4003"
	CodeSchemaViolation   ErrorCode = "4004"

	// 外部服务错误 (5xxx)
	CodeDatabaseError ErrorCode = "5001"
	CodeCacheError    ErrorCode = "5002"
	CodeVectorDBError ErrorCode = "5003"
	CodeStorageError  ErrorCode = "5004"
	CodeCircuitOpen   ErrorCode = "5006"
)

// Category 错误类别，决定重试与熔断行为
type Category int

const (
	// CategoryPermanent 永久错误，不可重试
	CategoryPermanent Category = iota
	// CategoryTransient 瞬时错误，可重试
	CategoryTransient
	// CategoryDeadline 调用方截止时间已到
	CategoryDeadline
)

// AppError 应用错误
type AppError struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	Detail     string    `json:"detail,omitempty"`
	HTTPStatus int       `json:"-"`
	Err        error     `json:"-"`
}

// Error 实现 error 接口
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 返回底层错误
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is 按错误码比较，使 errors.Is(err, ErrIndexNotFound) 可用
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithDetail 返回带详细信息的副本
func (e *AppError) WithDetail(detail string) *AppError {
	cp := *e
	cp.Detail = detail
	return &cp
}

// WithError 返回带底层错误的副本
func (e *AppError) WithError(err error) *AppError {
	cp := *e
	cp.Err = err
	return &cp
}

// New 创建新的应用错误
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: codeToHTTPStatus(code),
	}
}

// Newf 使用格式化消息创建应用错误
func Newf(code ErrorCode, format string, args ...any) *AppError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap 包装错误
func Wrap(err error, code ErrorCode, message string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: codeToHTTPStatus(code),
		Err:        err,
	}
}

// codeToHTTPStatus 错误码转 HTTP 状态码
func codeToHTTPStatus(code ErrorCode) int {
	switch code {
	case CodeSuccess:
		return http.StatusOK
	case CodeInvalidParam, CodeInvalidDimension, CodeDimensionMismatch, CodeInvalidFilter, CodeSchemaViolation:
		return http.StatusBadRequest
	case CodeNotFound, CodeIndexNotFound, CodeRecordNotFound:
		return http.StatusNotFound
	case CodeConflict, CodeIndexAlreadyExists:
		return http.StatusConflict
	case CodeTooManyRequests:
		return http.StatusTooManyRequests
	case CodeServiceUnavailable, CodeVectorDBError, CodeCircuitOpen:
		return http.StatusServiceUnavailable
	case CodeDeadlineExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// codeCategory 错误码对应的类别
func codeCategory(code ErrorCode) Category {
	switch code {
	case CodeServiceUnavailable, CodeTooManyRequests, CodeVectorDBError, CodeCircuitOpen,
		CodeDatabaseError, CodeStorageError, CodeCacheError:
		return CategoryTransient
	case CodeDeadlineExceeded:
		return CategoryDeadline
	default:
		return CategoryPermanent
	}
}

// 预定义错误，仅用于 errors.Is 比较
var (
	ErrInvalidParam       = New(CodeInvalidParam, "invalid parameter")
	ErrNotFound           = New(CodeNotFound, "resource not found")
	ErrConflict           = New(CodeConflict, "resource conflict")
	ErrTooManyRequests    = New(CodeTooManyRequests, "too many requests")
	ErrInternalError      = New(CodeInternalError, "internal server error")
	ErrServiceUnavailable = New(CodeServiceUnavailable, "service unavailable")
	ErrDeadlineExceeded   = New(CodeDeadlineExceeded, "deadline exceeded")

	ErrIndexNotFound      = New(CodeIndexNotFound, "index not found")
	ErrRecordNotFound     = New(CodeRecordNotFound, "record not found")
	ErrIndexAlreadyExists = New(CodeIndexAlreadyExists, "index already exists")

	ErrInvalidDimension  = New(CodeInvalidDimension, "invalid dimension")
	ErrDimensionMismatch = New(CodeDimensionMismatch, "dimension mismatch")
	ErrInvalidFilter     = New(CodeInvalidFilter, "invalid filter")
	ErrSchemaViolation   = New(CodeSchemaViolation, "metadata schema violation")

	ErrVectorDBError = New(CodeVectorDBError, "vector database error")
	ErrCircuitOpen   = New(CodeCircuitOpen, "circuit breaker open")
	ErrDatabaseError = New(CodeDatabaseError, "database error")
)

// IsAppError 检查是否为 AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return stderrors.As(err, &appErr)
}

// AsAppError 将错误转换为 AppError
func AsAppError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return Wrap(err, CodeUnknown, "unknown error")
}

// Is 代理标准库 errors.Is
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As 代理标准库 errors.As
func As(err error, target any) bool {
	return stderrors.As(err, target)
}

// CategoryOf 返回错误类别；非 AppError 视为瞬时错误
func CategoryOf(err error) Category {
	if err == nil {
		return CategoryPermanent
	}
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return codeCategory(appErr.Code)
	}
	return CategoryTransient
}

// IsTransient 是否为可重试错误
func IsTransient(err error) bool {
	return err != nil && CategoryOf(err) == CategoryTransient
}

// IsPermanent 是否为不可重试错误
func IsPermanent(err error) bool {
	return err != nil && CategoryOf(err) == CategoryPermanent
}
