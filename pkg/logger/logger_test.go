package logger_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"theodore-ai-api/pkg/logger"
)

var _ = Describe("Logger", func() {
	var buf *bytes.Buffer

	BeforeEach(func() {
		buf = &bytes.Buffer{}
		logger.InitWithWriter(buf, "debug", "json")
		DeferCleanup(func() { logger.Init("info", "json") })
	})

	decode := func() map[string]any {
		var line map[string]any
		Expect(json.Unmarshal(buf.Bytes(), &line)).To(Succeed())
		return line
	}

	It("attaches known context fields", func() {
		ctx := logger.WithContext(context.Background(), logger.RequestIDKey, "req-1")
		ctx = logger.WithContext(ctx, logger.IndexKey, "companies")
		logger.Info(ctx, "search served", "top_k", 5)

		line := decode()
		Expect(line["msg"]).To(Equal("search served"))
		Expect(line["request_id"]).To(Equal("req-1"))
		Expect(line["index"]).To(Equal("companies"))
		Expect(line["top_k"]).To(BeNumerically("==", 5))
		Expect(line).NotTo(HaveKey("trace_id"))
	})

	It("records the error text", func() {
		logger.Error(context.Background(), "upsert failed", errors.New("boom"))
		Expect(decode()["error"]).To(Equal("boom"))
	})

	It("logs vectors by dimension only", func() {
		logger.Debug(context.Background(), "query", "vector", []float32{0.1, 0.2, 0.3})
		Expect(decode()["vector"]).To(Equal("vector(dim=3)"))
	})

	It("filters by level", func() {
		logger.InitWithWriter(buf, "warn", "text")
		logger.Info(context.Background(), "hidden")
		Expect(buf.Len()).To(BeZero())
		logger.Warn(context.Background(), "shown")
		Expect(buf.String()).To(ContainSubstring("shown"))
	})
})
