package errors

import (
	"fmt"
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("AppError", func() {
	It("matches sentinels by code through wrapping", func() {
		err := fmt.Errorf("lookup: %w", Newf(CodeIndexNotFound, "index %q not found", "companies"))
		Expect(Is(err, ErrIndexNotFound)).To(BeTrue())
		Expect(Is(err, ErrRecordNotFound)).To(BeFalse())
	})

	It("maps codes to HTTP statuses", func() {
		Expect(New(CodeDimensionMismatch, "x").HTTPStatus).To(Equal(http.StatusBadRequest))
		Expect(New(CodeRecordNotFound, "x").HTTPStatus).To(Equal(http.StatusNotFound))
		Expect(New(CodeIndexAlreadyExists, "x").HTTPStatus).To(Equal(http.StatusConflict))
		Expect(New(CodeCircuitOpen, "x").HTTPStatus).To(Equal(http.StatusServiceUnavailable))
		Expect(New(CodeDeadlineExceeded, "x").HTTPStatus).To(Equal(http.StatusGatewayTimeout))
		Expect(New(CodeUnknown, "x").HTTPStatus).To(Equal(http.StatusInternalServerError))
	})

	It("keeps the cause reachable", func() {
		cause := fmt.Errorf("connection reset")
		err := Wrap(cause, CodeVectorDBError, "milvus unavailable")
		Expect(err.Unwrap()).To(Equal(cause))
		Expect(err.Error()).To(ContainSubstring("connection reset"))
	})

	Describe("WithDetail", func() {
		It("returns a copy", func() {
			d := ErrInvalidParam.WithDetail("top_k")
			Expect(d.Detail).To(Equal("top_k"))
			Expect(ErrInvalidParam.Detail).To(BeEmpty())
		})
	})

	Describe("AsAppError", func() {
		It("wraps foreign errors as unknown", func() {
			appErr := AsAppError(fmt.Errorf("boom"))
			Expect(appErr).NotTo(BeNil())
			Expect(appErr.Code).To(Equal(CodeUnknown))
		})

		It("returns the embedded app error", func() {
			appErr := AsAppError(fmt.Errorf("ctx: %w", ErrSchemaViolation))
			Expect(appErr.Code).To(Equal(CodeSchemaViolation))
		})
	})

	Describe("categories", func() {
		It("classifies backend failures as transient", func() {
			Expect(IsTransient(New(CodeVectorDBError, "x"))).To(BeTrue())
			Expect(IsTransient(New(CodeCircuitOpen, "x"))).To(BeTrue())
			Expect(IsTransient(fmt.Errorf("network"))).To(BeTrue())
		})

		It("classifies validation failures as permanent", func() {
			Expect(IsPermanent(New(CodeDimensionMismatch, "x"))).To(BeTrue())
			Expect(IsPermanent(New(CodeIndexNotFound, "x"))).To(BeTrue())
			Expect(IsTransient(New(CodeInvalidFilter, "x"))).To(BeFalse())
		})

		It("separates deadlines", func() {
			Expect(CategoryOf(New(CodeDeadlineExceeded, "x"))).To(Equal(CategoryDeadline))
			Expect(IsTransient(nil)).To(BeFalse())
			Expect(IsPermanent(nil)).To(BeFalse())
		})
	})
})
