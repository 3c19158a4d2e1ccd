package messaging

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"

	"theodore-ai-api/internal/domain/entity"
	apperrors "theodore-ai-api/pkg/errors"
)

var _ = Describe("Redis stream round trip", Ordered, func() {
	var (
		client *redis.Client
		stream Stream
	)

	BeforeAll(func() {
		addr := os.Getenv("REDIS_ADDR")
		if addr == "" {
			Skip("REDIS_ADDR not set")
		}
		client = redis.NewClient(&redis.Options{Addr: addr})
		Expect(client.Ping(context.Background()).Err()).To(Succeed())
		stream = Stream("test:stream:" + uuid.NewString())
		DeferCleanup(func() {
			ctx := context.Background()
			client.Del(ctx, string(stream), stream.DLQStream())
			_ = client.Close()
		})
	})

	It("delivers published batches to the registered handler", func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		var (
			mu  sync.Mutex
			got []string
		)
		consumer := NewConsumer(client, ConsumerConfig{
			Stream:       stream,
			Group:        ConsumerGroup("cg-test"),
			ConsumerName: "test-consumer",
			BlockTimeout: 100 * time.Millisecond,
		})
		consumer.RegisterHandler(TypeDeleteVectors, func(ctx context.Context, msg *Message) error {
			var payload DeleteVectorsMessage
			if err := msg.UnmarshalPayload(&payload); err != nil {
				return err
			}
			mu.Lock()
			got = append(got, payload.IDs...)
			mu.Unlock()
			return nil
		})
		Expect(consumer.Start(ctx)).To(Succeed())
		defer consumer.Stop()
		Expect(consumer.Start(ctx)).NotTo(Succeed())

		producer := NewProducer(client, 0)
		msg, err := NewMessage(uuid.NewString(), TypeDeleteVectors, "companies", DeleteVectorsMessage{Index: "companies", IDs: []string{"a", "b"}})
		Expect(err).NotTo(HaveOccurred())
		_, err = producer.Publish(ctx, stream, msg)
		Expect(err).NotTo(HaveOccurred())

		Eventually(func() []string {
			mu.Lock()
			defer mu.Unlock()
			return append([]string(nil), got...)
		}).WithTimeout(5 * time.Second).Should(Equal([]string{"a", "b"}))
	})

	It("consumes again after a stop and restart", func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		restartStream := Stream(string(stream) + ":restart")
		DeferCleanup(func() { client.Del(context.Background(), string(restartStream), restartStream.DLQStream()) })

		var calls atomic.Int32
		consumer := NewConsumer(client, ConsumerConfig{
			Stream:       restartStream,
			Group:        ConsumerGroup("cg-test"),
			ConsumerName: "test-consumer",
			BlockTimeout: 100 * time.Millisecond,
		})
		consumer.RegisterHandler(TypeDeleteVectors, func(context.Context, *Message) error {
			calls.Add(1)
			return nil
		})
		Expect(consumer.Start(ctx)).To(Succeed())
		consumer.Stop()
		Expect(consumer.Start(ctx)).To(Succeed())
		defer consumer.Stop()

		msg, err := NewMessage(uuid.NewString(), TypeDeleteVectors, "companies", DeleteVectorsMessage{Index: "companies", IDs: []string{"x"}})
		Expect(err).NotTo(HaveOccurred())
		_, err = NewProducer(client, 0).Publish(ctx, restartStream, msg)
		Expect(err).NotTo(HaveOccurred())

		Eventually(calls.Load).WithTimeout(5 * time.Second).Should(Equal(int32(1)))
	})

	It("writes dead letters with their failed items", func() {
		ctx := context.Background()
		producer := NewProducer(client, 0)
		msg, err := NewMessage("m-dlq", TypeUpsertVectors, "companies", UpsertVectorsMessage{
			Index:   "companies",
			Records: []*entity.VectorRecord{entity.NewVectorRecord("bad", []float32{1}, nil)},
		})
		Expect(err).NotTo(HaveOccurred())

		before, err := client.XLen(ctx, stream.DLQStream()).Result()
		Expect(err).NotTo(HaveOccurred())
		Expect(producer.DeadLetter(ctx, stream, msg, []DeadLetterItem{{ID: "bad", Code: "4002", Error: "dimension mismatch"}})).To(Succeed())
		n, err := client.XLen(ctx, stream.DLQStream()).Result()
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(before + 1))

		entries, err := client.XRevRangeN(ctx, stream.DLQStream(), "+", "-", 1).Result()
		Expect(err).NotTo(HaveOccurred())
		var dl DeadLetter
		Expect(json.Unmarshal([]byte(entries[0].Values["data"].(string)), &dl)).To(Succeed())
		Expect(dl.OriginalStream).To(Equal(string(stream)))
		Expect(dl.Message.ID).To(Equal("m-dlq"))
		Expect(dl.Items).To(HaveLen(1))
	})

	It("dead-letters permanent handler failures without retrying", func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		permStream := Stream(string(stream) + ":perm")
		DeferCleanup(func() { client.Del(context.Background(), string(permStream), permStream.DLQStream()) })

		var calls atomic.Int32
		consumer := NewConsumer(client, ConsumerConfig{
			Stream:       permStream,
			Group:        ConsumerGroup("cg-test"),
			ConsumerName: "test-consumer",
			BlockTimeout: 100 * time.Millisecond,
		})
		consumer.RegisterHandler(TypeDeleteVectors, func(context.Context, *Message) error {
			calls.Add(1)
			return apperrors.ErrIndexNotFound
		})
		Expect(consumer.Start(ctx)).To(Succeed())
		defer consumer.Stop()

		msg, err := NewMessage(uuid.NewString(), TypeDeleteVectors, "missing", DeleteVectorsMessage{Index: "missing", IDs: []string{"x"}})
		Expect(err).NotTo(HaveOccurred())
		_, err = NewProducer(client, 0).Publish(ctx, permStream, msg)
		Expect(err).NotTo(HaveOccurred())

		Eventually(func() int64 {
			n, _ := client.XLen(ctx, permStream.DLQStream()).Result()
			return n
		}).WithTimeout(5 * time.Second).Should(Equal(int64(1)))
		Consistently(calls.Load).WithTimeout(300 * time.Millisecond).Should(Equal(int32(1)))
	})
})
