package presence_test

import (
	"context"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/capitalize-ai/conversation-delivery/internal/model"
	"github.com/capitalize-ai/conversation-delivery/internal/presence"
	"github.com/capitalize-ai/conversation-delivery/pkg/logger"
)

type published struct {
	conv   string
	typ    model.EventType
	user   string
	status model.PresenceStatus
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []published
}

func (p *recordingPublisher) Publish(_ context.Context, ev *model.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec := published{conv: ev.ConversationID, typ: ev.Type, user: ev.UserID}
	if ev.Type == model.EventTypePresenceChange {
		rec.status = model.EventFrame(ev).Status
	}
	p.events = append(p.events, rec)
	return nil
}

func (p *recordingPublisher) Events() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.events...)
}

func (p *recordingPublisher) OfType(typ model.EventType) []published {
	var out []published
	for _, e := range p.Events() {
		if e.typ == typ {
			out = append(out, e)
		}
	}
	return out
}

type staticLister map[string][]string

func (l staticLister) ListConversations(_ context.Context, userID string) ([]string, error) {
	return l[userID], nil
}

type fakeMirror struct {
	mu     sync.Mutex
	states []model.PresenceState
	err    error
	// before runs ahead of each write, outside the lock.
	before func(model.PresenceState)
}

func (m *fakeMirror) SetPresence(_ context.Context, s model.PresenceState) error {
	if m.before != nil {
		m.before(s)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states = append(m.states, s)
	return m.err
}

func (m *fakeMirror) Last() model.PresenceStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.states) == 0 {
		return ""
	}
	return m.states[len(m.states)-1].Status
}

// lastStatus returns the most recent presence status published to a conversation.
func (p *recordingPublisher) lastStatus(conv string) model.PresenceStatus {
	var st model.PresenceStatus
	for _, e := range p.OfType(model.EventTypePresenceChange) {
		if e.conv == conv {
			st = e.status
		}
	}
	return st
}

var _ = Describe("Tracker", func() {
	var (
		ctx     context.Context
		pub     *recordingPublisher
		mirror  *fakeMirror
		tracker *presence.Tracker
		cfg     presence.Config
	)

	newTracker := func() {
		tracker = presence.NewTracker(
			staticLister{"alice": {"c1", "c2"}},
			pub, mirror, cfg, logger.NewNop(),
		)
	}

	BeforeEach(func() {
		ctx = context.Background()
		pub = &recordingPublisher{}
		mirror = &fakeMirror{}
		cfg = presence.Config{
			ReconnectGrace: 50 * time.Millisecond,
			AwayAfter:      time.Minute,
			TypingExpiry:   50 * time.Millisecond,
		}
		newTracker()
	})

	Describe("sessions", func() {
		It("should go online on the first session and notify every conversation", func() {
			tracker.OnSessionOpen(ctx, "alice", "s1")

			Expect(tracker.Status("alice").Status).To(Equal(model.PresenceOnline))
			Expect(pub.OfType(model.EventTypePresenceChange)).To(ConsistOf(
				published{conv: "c1", typ: model.EventTypePresenceChange, user: "alice", status: model.PresenceOnline},
				published{conv: "c2", typ: model.EventTypePresenceChange, user: "alice", status: model.PresenceOnline},
			))
			Expect(mirror.states).To(HaveLen(1))
		})

		It("should not emit again for a second session", func() {
			tracker.OnSessionOpen(ctx, "alice", "s1")
			tracker.OnSessionOpen(ctx, "alice", "s2")

			Expect(pub.OfType(model.EventTypePresenceChange)).To(HaveLen(2))
			Expect(tracker.Status("alice").Sessions).To(Equal(2))
		})

		It("should stay online while another session is live", func() {
			tracker.OnSessionOpen(ctx, "alice", "s1")
			tracker.OnSessionOpen(ctx, "alice", "s2")
			tracker.OnSessionClose(ctx, "alice", "s1")

			Consistently(func() model.PresenceStatus {
				return tracker.Status("alice").Status
			}, 120*time.Millisecond, 10*time.Millisecond).Should(Equal(model.PresenceOnline))
		})

		It("should go offline after the reconnect grace", func() {
			tracker.OnSessionOpen(ctx, "alice", "s1")
			tracker.OnSessionClose(ctx, "alice", "s1")

			Expect(tracker.Status("alice").Status).To(Equal(model.PresenceOnline))
			Eventually(func() model.PresenceStatus {
				return tracker.Status("alice").Status
			}).Should(Equal(model.PresenceOffline))
			Eventually(func() []published {
				return pub.OfType(model.EventTypePresenceChange)
			}).Should(HaveLen(4))
		})

		It("should not flap when the user reconnects within the grace", func() {
			cfg.ReconnectGrace = 100 * time.Millisecond
			newTracker()

			tracker.OnSessionOpen(ctx, "alice", "s1")
			tracker.OnSessionClose(ctx, "alice", "s1")
			tracker.OnSessionOpen(ctx, "alice", "s2")

			Consistently(func() []published {
				return pub.OfType(model.EventTypePresenceChange)
			}, 200*time.Millisecond, 20*time.Millisecond).Should(HaveLen(2))
			Expect(tracker.Status("alice").Status).To(Equal(model.PresenceOnline))
		})

		It("should publish a slow offline before a reconnect that overtakes it", func() {
			cfg.ReconnectGrace = 10 * time.Millisecond
			mirror.before = func(s model.PresenceState) {
				if s.Status == model.PresenceOffline {
					time.Sleep(100 * time.Millisecond)
				}
			}
			newTracker()

			tracker.OnSessionOpen(ctx, "alice", "s1")
			tracker.OnSessionClose(ctx, "alice", "s1")
			time.Sleep(30 * time.Millisecond)
			tracker.OnSessionOpen(ctx, "alice", "s2")

			Expect(tracker.Status("alice").Status).To(Equal(model.PresenceOnline))
			Eventually(mirror.Last).Should(Equal(model.PresenceOnline))
			Consistently(mirror.Last, 150*time.Millisecond).Should(Equal(model.PresenceOnline))
			Expect(pub.lastStatus("c1")).To(Equal(model.PresenceOnline))
			Expect(pub.lastStatus("c2")).To(Equal(model.PresenceOnline))
		})

		It("should go offline immediately without a grace", func() {
			cfg.ReconnectGrace = 0
			newTracker()

			tracker.OnSessionOpen(ctx, "alice", "s1")
			tracker.OnSessionClose(ctx, "alice", "s1")

			Expect(tracker.Status("alice").Status).To(Equal(model.PresenceOffline))
		})

		It("should report unknown users as offline", func() {
			Expect(tracker.Status("nobody").Status).To(Equal(model.PresenceOffline))
		})

		It("should keep going when the mirror fails", func() {
			mirror.err = errors.New("redis down")

			tracker.OnSessionOpen(ctx, "alice", "s1")

			Expect(pub.OfType(model.EventTypePresenceChange)).To(HaveLen(2))
		})
	})

	Describe("idle", func() {
		It("should mark idle users away and bring them back on activity", func() {
			tracker.OnSessionOpen(ctx, "alice", "s1")

			tracker.Sweep(ctx, time.Now().Add(2*time.Minute))
			Expect(tracker.Status("alice").Status).To(Equal(model.PresenceAway))

			tracker.OnActivity(ctx, "alice")
			Expect(tracker.Status("alice").Status).To(Equal(model.PresenceOnline))
			Expect(pub.OfType(model.EventTypePresenceChange)).To(HaveLen(6))
		})

		It("should leave recently active users online", func() {
			tracker.OnSessionOpen(ctx, "alice", "s1")

			tracker.Sweep(ctx, time.Now().Add(10*time.Second))

			Expect(tracker.Status("alice").Status).To(Equal(model.PresenceOnline))
		})

		It("should refresh the mirror for connected users without publishing", func() {
			tracker.OnSessionOpen(ctx, "alice", "s1")

			tracker.Sweep(ctx, time.Now().Add(10*time.Second))

			Expect(mirror.states).To(HaveLen(2))
			Expect(mirror.states[1].Status).To(Equal(model.PresenceOnline))
			Expect(pub.OfType(model.EventTypePresenceChange)).To(HaveLen(2))
		})
	})

	Describe("typing", func() {
		It("should emit start once and stop after the expiry", func() {
			tracker.OnTyping(ctx, "alice", "s1", "c1", true)
			tracker.OnTyping(ctx, "alice", "s1", "c1", true)

			Expect(pub.OfType(model.EventTypeTypingStart)).To(HaveLen(1))
			Eventually(func() []published {
				return pub.OfType(model.EventTypeTypingStop)
			}).Should(HaveLen(1))
			Expect(tracker.IsTyping("alice", "c1")).To(BeFalse())
		})

		It("should extend the expiry on a repeated start", func() {
			cfg.TypingExpiry = 80 * time.Millisecond
			newTracker()

			tracker.OnTyping(ctx, "alice", "s1", "c1", true)
			time.Sleep(50 * time.Millisecond)
			tracker.OnTyping(ctx, "alice", "s1", "c1", true)
			time.Sleep(50 * time.Millisecond)

			Expect(tracker.IsTyping("alice", "c1")).To(BeTrue())
			Expect(pub.OfType(model.EventTypeTypingStop)).To(BeEmpty())
		})

		It("should emit stop on an explicit stop and not again on expiry", func() {
			tracker.OnTyping(ctx, "alice", "s1", "c1", true)
			tracker.OnTyping(ctx, "alice", "s1", "c1", false)

			Expect(pub.OfType(model.EventTypeTypingStop)).To(HaveLen(1))
			Consistently(func() []published {
				return pub.OfType(model.EventTypeTypingStop)
			}, 120*time.Millisecond, 10*time.Millisecond).Should(HaveLen(1))
		})

		It("should ignore a stop without a start", func() {
			tracker.OnTyping(ctx, "alice", "s1", "c1", false)

			Expect(pub.Events()).To(BeEmpty())
		})

		It("should clear silently once a message is committed", func() {
			tracker.OnTyping(ctx, "alice", "s1", "c1", true)
			tracker.ClearTyping("alice", "c1")

			Expect(tracker.IsTyping("alice", "c1")).To(BeFalse())
			Consistently(func() []published {
				return pub.OfType(model.EventTypeTypingStop)
			}, 120*time.Millisecond, 10*time.Millisecond).Should(BeEmpty())
		})

		It("should stop typing owned by a closing session", func() {
			tracker.OnSessionOpen(ctx, "alice", "s1")
			tracker.OnTyping(ctx, "alice", "s1", "c1", true)
			tracker.OnTyping(ctx, "alice", "s1", "c2", true)

			tracker.OnSessionClose(ctx, "alice", "s1")

			stops := pub.OfType(model.EventTypeTypingStop)
			Expect(stops).To(HaveLen(2))
			Expect(tracker.IsTyping("alice", "c1")).To(BeFalse())
		})
	})
})
