package tracer

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

var _ = Describe("Tracer", func() {
	It("returns a no-op shutdown when disabled", func() {
		shutdown, err := Init(context.Background(), Config{Enabled: false})
		Expect(err).NotTo(HaveOccurred())
		Expect(shutdown(context.Background())).To(Succeed())
	})

	It("reports no trace id outside a recorded span", func() {
		Expect(TraceID(context.Background())).To(BeEmpty())
	})

	It("reports the trace id of a recorded span", func() {
		tp := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.AlwaysSample()))
		DeferCleanup(func() { _ = tp.Shutdown(context.Background()) })

		ctx, span := tp.Tracer("test").Start(context.Background(), "search")
		defer span.End()
		Expect(TraceID(ctx)).To(HaveLen(32))
		Expect(TraceID(ctx)).To(Equal(span.SpanContext().TraceID().String()))
	})

	DescribeTable("picks the root sampler from the rate",
		func(rate float64, want string) {
			Expect(samplerFor(rate).Description()).To(HavePrefix(want))
		},
		Entry("always", 1.0, "AlwaysOnSampler"),
		Entry("never", 0.0, "AlwaysOffSampler"),
		Entry("ratio", 0.25, "TraceIDRatioBased"),
	)
})
