package messaging

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"
)

var _ = Describe("Consumer lifecycle", func() {
	var consumer *Consumer

	BeforeEach(func() {
		client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
		DeferCleanup(client.Close)
		consumer = NewConsumer(client, ConsumerConfig{Stream: Stream("test:lifecycle"), Group: ConsumerGroup("cg-test")})
	})

	It("stops the dead letter monitor and rearms for the next run", func() {
		first := consumer.done()
		returned := make(chan struct{})
		go func() {
			defer close(returned)
			consumer.MonitorDLQ(context.Background(), 10)
		}()

		consumer.Stop()
		Eventually(returned).WithTimeout(time.Second).Should(BeClosed())
		Expect(first).To(BeClosed())

		next := consumer.done()
		Expect(next).NotTo(BeClosed())
		Expect(stopped(context.Background(), next)).To(BeFalse())
		Expect(stopped(context.Background(), first)).To(BeTrue())
	})

	It("tolerates repeated stops", func() {
		consumer.Stop()
		Expect(func() { consumer.Stop() }).NotTo(Panic())
		Expect(consumer.done()).NotTo(BeClosed())
	})
})
