package session

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/capitalize-ai/conversation-delivery/internal/model"
)

var _ = Describe("outbox", func() {
	var o *outbox

	event := func(seq uint64) *model.Event {
		return &model.Event{ConversationID: "c1", Sequence: seq, Previous: seq - 1, Type: model.EventTypeMessageSent}
	}

	BeforeEach(func() {
		o = newOutbox(1)
		o.begin("c1", 0)
		o.end("c1")
	})

	It("should accept the next event and ignore a repeat", func() {
		Expect(o.offer(event(1))).To(Succeed())
		Expect(o.offer(event(1))).To(Succeed())
		Expect(o.queue).To(HaveLen(1))
	})

	It("should report a full queue and fall behind", func() {
		Expect(o.offer(event(1))).To(Succeed())

		Expect(o.offer(event(2))).To(MatchError(model.ErrDeliveryQueueFull))
		Expect(o.takeLagging()).To(HaveKeyWithValue("c1", uint64(1)))
	})

	It("should refuse a gap while catching up", func() {
		Expect(o.offer(event(3))).To(MatchError(model.ErrSubscriberLagging))

		o.begin("c1", 0)
		Expect(o.offer(event(1))).To(MatchError(model.ErrSubscriberLagging))
	})

	It("should drop ephemeral events on a full queue", func() {
		Expect(o.offer(event(1))).To(Succeed())

		typing := &model.Event{ConversationID: "c1", Type: model.EventTypeTypingStart}
		Expect(o.offer(typing)).To(MatchError(model.ErrDeliveryQueueFull))
	})

	It("should refuse pushes once closed", func() {
		o.close()

		Expect(o.offer(event(1))).To(MatchError(model.ErrSessionClosed))
	})
})
