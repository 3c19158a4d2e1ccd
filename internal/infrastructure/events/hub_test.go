package events

import (
	"context"
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Hub", func() {
	var (
		ctx context.Context
		hub *Hub
	)

	BeforeEach(func() {
		ctx = context.Background()
		hub = NewHub(nil)
		DeferCleanup(hub.Close)
	})

	It("delivers events only to subscribers of the same index", func() {
		a, err := hub.Subscribe(ctx, "companies", 4)
		Expect(err).NotTo(HaveOccurred())
		b, err := hub.Subscribe(ctx, "people", 4)
		Expect(err).NotTo(HaveOccurred())

		hub.Publish(IndexEvent{Type: EventUpserted, Index: "companies", IDs: []string{"acme"}})

		Eventually(a.Events()).Should(Receive(HaveField("IDs", ConsistOf("acme"))))
		Consistently(b.Events()).ShouldNot(Receive())
	})

	It("drops events for slow subscribers instead of blocking", func() {
		sub, err := hub.Subscribe(ctx, "companies", 1)
		Expect(err).NotTo(HaveOccurred())

		hub.Publish(IndexEvent{Type: EventUpserted, Index: "companies"})
		hub.Publish(IndexEvent{Type: EventDeleted, Index: "companies"})

		Expect(hub.Dropped()).To(Equal(int64(1)))
		Expect(sub.Events()).To(Receive(HaveField("Type", EventUpserted)))
	})

	It("closes subscriptions when the index goes away", func() {
		sub, err := hub.Subscribe(ctx, "companies", 1)
		Expect(err).NotTo(HaveOccurred())
		Expect(hub.Subscribers("companies")).To(Equal(1))

		hub.CloseIndex("companies")
		Eventually(sub.Events()).Should(BeClosed())
		Expect(hub.Subscribers("companies")).To(BeZero())

		sub.Close()
	})

	It("removes a subscription on close", func() {
		sub, err := hub.Subscribe(ctx, "companies", 1)
		Expect(err).NotTo(HaveOccurred())
		sub.Close()
		sub.Close()

		Expect(hub.Subscribers("companies")).To(BeZero())
		Expect(sub.Events()).To(BeClosed())
		hub.Publish(IndexEvent{Type: EventUpserted, Index: "companies"})
	})

	It("rejects subscriptions the checker refuses", func() {
		missing := errors.New("index not found")
		hub.SetChecker(func(ctx context.Context, index string) error {
			if index == "missing" {
				return missing
			}
			return nil
		})

		_, err := hub.Subscribe(ctx, "missing", 1)
		Expect(err).To(MatchError(missing))
		sub, err := hub.Subscribe(ctx, "companies", 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(cap(sub.Events())).To(Equal(16))
	})
})
