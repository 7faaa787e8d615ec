package session_test

import (
	"encoding/json"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/capitalize-ai/conversation-delivery/internal/model"
	"github.com/capitalize-ai/conversation-delivery/internal/session"
)

var _ = Describe("Session", func() {
	var h *harness

	BeforeEach(func() {
		h = newHarness(harnessConfig{})
	})

	AfterEach(func() {
		Expect(h.mgr.Shutdown(h.ctx)).To(Succeed())
	})

	Describe("handshake", func() {
		It("should close with 4001 when authentication fails", func() {
			conn, done := h.open(model.ClientFrame{Token: "forged"})

			Eventually(done).Should(Receive(MatchError(model.ErrAuthenticationFailed)))
			Expect(conn.CloseCode()).To(Equal(model.CloseAuthenticationFailed))
			Expect(h.mgr.Sessions()).To(BeZero())
		})

		It("should close with 4002 when the first frame is not hello", func() {
			conn := newFakeConn()
			conn.send(model.ClientFrame{Op: model.OpPing})

			err := h.mgr.Serve(h.ctx, conn, "tok-bob")

			Expect(err).To(MatchError(model.ErrInvalidFrame))
			Expect(conn.CloseCode()).To(Equal(model.CloseProtocolViolation))
		})

		It("should accept the credential from the upgrade request", func() {
			conn := newFakeConn()
			conn.send(model.ClientFrame{Op: model.OpHello})
			go func() {
				defer GinkgoRecover()
				_ = h.mgr.Serve(h.ctx, conn, "tok-bob")
			}()

			Eventually(func() []model.ServerFrame {
				return conn.OfType(model.PushWelcome)
			}).Should(HaveLen(1))
			Expect(conn.OfType(model.PushWelcome)[0].UserID).To(Equal("bob"))
		})
	})

	Describe("basic delivery", func() {
		It("should deliver a sent message to every subscriber with its sequence", func() {
			alice := h.connect("tok-alice", nil)
			bob := h.connect("tok-bob", nil)

			alice.send(model.ClientFrame{
				ID:             "m1",
				Op:             model.OpSend,
				ConversationID: "c1",
				Type:           model.EventTypeMessageSent,
				Payload:        json.RawMessage(`{"content":"hello"}`),
			})

			Eventually(func() bool {
				_, ok := alice.Reply("m1")
				return ok
			}).Should(BeTrue())
			reply, _ := alice.Reply("m1")
			Expect(reply.Type).To(Equal(model.PushReply))
			Expect(reply.Sequence).To(Equal(uint64(1)))

			Eventually(func() []uint64 { return bob.Durable("c1") }).Should(Equal([]uint64{1}))
			Eventually(func() []uint64 { return alice.Durable("c1") }).Should(Equal([]uint64{1}))
		})

		It("should keep delivery ordered and gap-free under concurrent senders", func() {
			bob := h.connect("tok-bob", nil)

			done := make(chan struct{})
			for _, user := range []string{"alice", "bob"} {
				go func(u string) {
					defer GinkgoRecover()
					for i := 0; i < 20; i++ {
						h.sendMessage(u, "x")
					}
					done <- struct{}{}
				}(user)
			}
			<-done
			<-done

			Eventually(func() []uint64 { return bob.Durable("c1") }).Should(Equal(sequence(1, 40)))
		})

		It("should answer ping with pong", func() {
			bob := h.connect("tok-bob", nil)

			bob.send(model.ClientFrame{ID: "p", Op: model.OpPing})

			Eventually(func() []model.ServerFrame { return bob.OfType(model.PushPong) }).Should(HaveLen(1))
		})

		It("should notify others when a user comes online", func() {
			alice := h.connect("tok-alice", nil)
			h.connect("tok-bob", nil)

			Eventually(func() []string {
				var users []string
				for _, f := range alice.OfType(model.PushPresence) {
					if f.Status == model.PresenceOnline {
						users = append(users, f.UserID)
					}
				}
				return users
			}).Should(ContainElement("bob"))
		})
	})

	Describe("subscriptions", func() {
		It("should not deliver anything twice on repeated subscribes", func() {
			bob := h.connect("tok-bob", nil)
			h.sendMessage("alice", "one")
			h.sendMessage("alice", "two")
			Eventually(func() []uint64 { return bob.Durable("c1") }).Should(Equal([]uint64{1, 2}))

			bob.send(model.ClientFrame{ID: "s1", Op: model.OpSubscribe, ConversationID: "c1"})
			bob.send(model.ClientFrame{ID: "s2", Op: model.OpSubscribe, ConversationID: "c1", LastSeenSequence: 1})
			Eventually(func() bool { _, ok := bob.Reply("s2"); return ok }).Should(BeTrue())

			reply, _ := bob.Reply("s1")
			Expect(reply.HighWater).To(Equal(uint64(2)))
			Consistently(func() []uint64 { return bob.Durable("c1") }, 200*time.Millisecond).Should(Equal([]uint64{1, 2}))

			h.sendMessage("alice", "three")
			Eventually(func() []uint64 { return bob.Durable("c1") }).Should(Equal([]uint64{1, 2, 3}))
		})

		It("should replay the same events a live subscriber received", func() {
			live := h.connect("tok-bob", nil)

			h.sendMessage("alice", "hello")
			h.sendEvent("bob", model.EventTypeMessageSent, model.MessagePayload{Content: "hi there"})
			h.sendEvent("alice", model.EventTypeMessageEdited, model.EditPayload{Target: 1, Content: "hello!"})
			h.sendEvent("bob", model.EventTypeReactionAdded, model.ReactionPayload{Target: 3, Emoji: "+1"})
			h.sendEvent("alice", model.EventTypeMessageDeleted, model.DeletePayload{Target: 2})
			Eventually(func() []uint64 { return live.Durable("c1") }).Should(Equal(sequence(1, 5)))

			replayed := h.connect("tok-bob", map[string]uint64{"c1": 0})

			Eventually(func() []record { return replayed.Records("c1") }).Should(Equal(live.Records("c1")))
			Expect(live.Records("c1")[2]).To(Equal(record{
				Sequence: 3,
				Type:     model.EventTypeMessageEdited,
				UserID:   "alice",
				Payload:  `{"target_sequence":1,"content":"hello!"}`,
			}))
		})
	})

	Describe("typing then message", func() {
		It("should show typing and clear it silently when the message lands", func() {
			alice := h.connect("tok-alice", nil)
			bob := h.connect("tok-bob", nil)

			alice.send(model.ClientFrame{Op: model.OpTyping, ConversationID: "c1", Started: true})
			Eventually(func() []model.ServerFrame {
				return bob.EventsOfType(model.EventTypeTypingStart)
			}).Should(HaveLen(1))

			alice.send(model.ClientFrame{
				ID:             "m1",
				Op:             model.OpSend,
				ConversationID: "c1",
				Type:           model.EventTypeMessageSent,
				Payload:        json.RawMessage(`{"content":"done typing"}`),
			})
			Eventually(func() []uint64 { return bob.Durable("c1") }).Should(Equal([]uint64{1}))

			Expect(h.tracker.IsTyping("alice", "c1")).To(BeFalse())
			Consistently(func() []model.ServerFrame {
				return bob.EventsOfType(model.EventTypeTypingStop)
			}, 500*time.Millisecond, 50*time.Millisecond).Should(BeEmpty())
		})

		It("should stop typing when the typing session closes", func() {
			alice := h.connect("tok-alice", nil)
			bob := h.connect("tok-bob", nil)

			alice.send(model.ClientFrame{Op: model.OpTyping, ConversationID: "c1", Started: true})
			Eventually(func() []model.ServerFrame {
				return bob.EventsOfType(model.EventTypeTypingStart)
			}).Should(HaveLen(1))

			alice.hangUp()

			Eventually(func() []model.ServerFrame {
				return bob.EventsOfType(model.EventTypeTypingStop)
			}).Should(HaveLen(1))
		})
	})

	Describe("offline catch-up", func() {
		It("should stream missed events from the pending marker on connect", func() {
			h.sendMessage("alice", "one")
			bob := h.connect("tok-bob", nil)
			bob.hangUp()
			Eventually(h.mgr.Sessions).Should(BeZero())

			h.sendMessage("alice", "two")
			h.sendMessage("alice", "three")
			h.sendMessage("alice", "four")

			pending, _ := h.st.Pending(h.ctx, "bob")
			Expect(pending).To(HaveKeyWithValue("c1", uint64(2)))

			bob = h.connect("tok-bob", nil)

			Eventually(func() []uint64 { return bob.Durable("c1") }).Should(Equal(sequence(2, 4)))
			pending, _ = h.st.Pending(h.ctx, "bob")
			Expect(pending).To(BeEmpty())
		})

		It("should resume from the cursor sent in hello", func() {
			for i := 0; i < 5; i++ {
				h.sendMessage("alice", "m")
			}

			bob := h.connect("tok-bob", map[string]uint64{"c1": 3})

			Eventually(func() []uint64 { return bob.Durable("c1") }).Should(Equal([]uint64{4, 5}))
		})

		It("should start at the high-water mark without a cursor or marker", func() {
			h.sendMessage("alice", "old")
			h.st.Clear(h.ctx, "c1", "bob")

			bob := h.connect("tok-bob", nil)
			h.sendMessage("alice", "new")

			Eventually(func() []uint64 { return bob.Durable("c1") }).Should(Equal([]uint64{2}))
		})

		It("should ask for a snapshot when the gap is too large", func() {
			h = newHarness(harnessConfig{maxGap: 5})
			for i := 0; i < 8; i++ {
				h.sendMessage("alice", "m")
			}

			bob := h.connect("tok-bob", map[string]uint64{"c1": 0})

			Eventually(func() []model.ServerFrame {
				return bob.OfType(model.PushSnapshotRequired)
			}).Should(HaveLen(1))
			Expect(bob.OfType(model.PushSnapshotRequired)[0].HighWater).To(Equal(uint64(8)))
			Expect(bob.Durable("c1")).To(BeEmpty())

			h.sendMessage("alice", "after")
			Eventually(func() []uint64 { return bob.Durable("c1") }).Should(Equal([]uint64{9}))
		})
	})

	Describe("slow consumer", func() {
		It("should catch up on 100 messages in order without loss or duplicates", func() {
			h = newHarness(harnessConfig{queue: 8})
			bob := h.connect("tok-bob", nil)
			bob.block()

			for i := 0; i < 100; i++ {
				h.sendMessage("alice", "burst")
			}
			bob.unblock()

			Eventually(func() []uint64 {
				return bob.Durable("c1")
			}, 5*time.Second).Should(Equal(sequence(1, 100)))
			Consistently(func() []uint64 {
				return bob.Durable("c1")
			}, 200*time.Millisecond).Should(HaveLen(100))
		})
	})

	Describe("per-operation errors", func() {
		It("should reject a subscription to a foreign conversation and stay open", func() {
			bob := h.connect("tok-bob", nil)

			bob.send(model.ClientFrame{ID: "s1", Op: model.OpSubscribe, ConversationID: "c2"})

			Eventually(func() bool { _, ok := bob.Reply("s1"); return ok }).Should(BeTrue())
			reply, _ := bob.Reply("s1")
			Expect(reply.Type).To(Equal(model.PushError))
			Expect(reply.Code).To(Equal(model.CodeNotAuthorized))

			bob.send(model.ClientFrame{ID: "p", Op: model.OpPing})
			Eventually(func() []model.ServerFrame { return bob.OfType(model.PushPong) }).Should(HaveLen(1))
			Expect(bob.CloseCode()).To(Equal(-1))
		})

		It("should reject sends to conversations the session left", func() {
			bob := h.connect("tok-bob", nil)
			bob.send(model.ClientFrame{ID: "u", Op: model.OpUnsubscribe, ConversationID: "c1"})
			bob.send(model.ClientFrame{
				ID:             "m",
				Op:             model.OpSend,
				ConversationID: "c1",
				Type:           model.EventTypeMessageSent,
				Payload:        json.RawMessage(`{"content":"x"}`),
			})

			Eventually(func() bool { _, ok := bob.Reply("m"); return ok }).Should(BeTrue())
			reply, _ := bob.Reply("m")
			Expect(reply.Code).To(Equal(model.CodeNotSubscribed))
		})

		It("should resubscribe and replay from the given cursor", func() {
			bob := h.connect("tok-bob", nil)
			bob.send(model.ClientFrame{ID: "u", Op: model.OpUnsubscribe, ConversationID: "c1"})
			Eventually(func() bool { _, ok := bob.Reply("u"); return ok }).Should(BeTrue())

			h.sendMessage("alice", "while away")
			bob.send(model.ClientFrame{ID: "s", Op: model.OpSubscribe, ConversationID: "c1", LastSeenSequence: 0})

			Eventually(func() bool { _, ok := bob.Reply("s"); return ok }).Should(BeTrue())
			reply, _ := bob.Reply("s")
			Expect(reply.HighWater).To(Equal(uint64(1)))
			Expect(bob.Durable("c1")).To(Equal([]uint64{1}))
		})

		It("should report an invalid payload without a sequence", func() {
			bob := h.connect("tok-bob", nil)
			bob.send(model.ClientFrame{
				ID:             "m",
				Op:             model.OpSend,
				ConversationID: "c1",
				Type:           model.EventTypeMessageSent,
				Payload:        json.RawMessage(`{"content":""}`),
			})

			Eventually(func() bool { _, ok := bob.Reply("m"); return ok }).Should(BeTrue())
			reply, _ := bob.Reply("m")
			Expect(reply.Code).To(Equal(model.CodeInvalidPayload))
			Expect(reply.Sequence).To(BeZero())
		})

		It("should flag an ack beyond the high-water mark and replay", func() {
			h.sendMessage("alice", "one")
			bob := h.connect("tok-bob", map[string]uint64{"c1": 1})

			bob.send(model.ClientFrame{ID: "a", Op: model.OpAck, ConversationID: "c1", Sequence: 42})

			Eventually(func() bool { _, ok := bob.Reply("a"); return ok }).Should(BeTrue())
			reply, _ := bob.Reply("a")
			Expect(reply.Code).To(Equal(model.CodeAnomalousAck))
			Eventually(func() []uint64 { return bob.Durable("c1") }).Should(Equal([]uint64{1}))
		})

		It("should record valid acks", func() {
			h.sendMessage("alice", "one")
			bob := h.connect("tok-bob", map[string]uint64{"c1": 0})
			bob.send(model.ClientFrame{Op: model.OpAck, ConversationID: "c1", Sequence: 1})
			bob.send(model.ClientFrame{ID: "p", Op: model.OpPing})
			Eventually(func() []model.ServerFrame { return bob.OfType(model.PushPong) }).Should(HaveLen(1))

			id := bob.OfType(model.PushWelcome)[0].SessionID
			s, ok := h.dir.Get(id)
			Expect(ok).To(BeTrue())
			Expect(s.LastAcked("c1")).To(Equal(uint64(1)))
		})

		It("should commit read receipts", func() {
			h.sendMessage("alice", "one")
			bob := h.connect("tok-bob", nil)

			bob.send(model.ClientFrame{ID: "r", Op: model.OpRead, ConversationID: "c1", Sequence: 1})

			Eventually(func() bool { _, ok := bob.Reply("r"); return ok }).Should(BeTrue())
			reply, _ := bob.Reply("r")
			Expect(reply.Sequence).To(Equal(uint64(2)))
			participants, _ := h.st.ReadParticipants(h.ctx, "c1")
			for _, p := range participants {
				if p.UserID == "bob" {
					Expect(p.LastReadSequence).To(Equal(uint64(1)))
				}
			}
		})
	})

	Describe("termination", func() {
		It("should close with 4002 on an unparseable frame", func() {
			bob := h.connect("tok-bob", nil)

			bob.sendRaw("{not json")

			Eventually(bob.CloseCode).Should(Equal(model.CloseProtocolViolation))
		})

		It("should close with 4002 on an unknown op", func() {
			bob := h.connect("tok-bob", nil)

			bob.send(model.ClientFrame{Op: "teleport"})

			Eventually(bob.CloseCode).Should(Equal(model.CloseProtocolViolation))
		})

		It("should close idle sessions with 4003", func() {
			h = newHarness(harnessConfig{heartbeat: 200 * time.Millisecond})
			bob := h.connect("tok-bob", nil)

			Eventually(bob.CloseCode).Should(Equal(model.CloseIdleTimeout))
			Eventually(h.mgr.Sessions).Should(BeZero())
		})

		It("should keep sessions alive while pings arrive", func() {
			h = newHarness(harnessConfig{heartbeat: 300 * time.Millisecond})
			bob := h.connect("tok-bob", nil)

			for i := 0; i < 5; i++ {
				bob.send(model.ClientFrame{Op: model.OpPing})
				time.Sleep(100 * time.Millisecond)
			}

			Expect(bob.CloseCode()).To(Equal(-1))
		})

		It("should drain every session with 1001 on shutdown", func() {
			alice := h.connect("tok-alice", nil)
			bob := h.connect("tok-bob", nil)

			Expect(h.mgr.Shutdown(h.ctx)).To(Succeed())

			Expect(alice.CloseCode()).To(Equal(model.CloseServerShutdown))
			Expect(bob.CloseCode()).To(Equal(model.CloseServerShutdown))
			Expect(h.mgr.Sessions()).To(BeZero())
			Expect(h.reg.Len()).To(BeZero())

			late, done := h.open(model.ClientFrame{Token: "tok-bob"})
			Eventually(done).Should(Receive(MatchError(model.ErrSessionClosed)))
			Expect(late.CloseCode()).To(Equal(model.CloseServerShutdown))
		})

		It("should mark the user offline once the last session closes", func() {
			bob := h.connect("tok-bob", nil)
			Expect(h.tracker.Status("bob").Status).To(Equal(model.PresenceOnline))

			bob.hangUp()

			Eventually(func() model.PresenceStatus {
				return h.tracker.Status("bob").Status
			}).Should(Equal(model.PresenceOffline))
			Eventually(func() int { return h.reg.Len() }).Should(BeZero())
		})

		It("should report session state transitions", func() {
			Expect(session.StateDraining.String()).To(Equal("draining"))
		})
	})
})
