package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/capitalize-ai/conversation-delivery/internal/auth"
	"github.com/capitalize-ai/conversation-delivery/internal/backlog"
	"github.com/capitalize-ai/conversation-delivery/internal/fanout"
	"github.com/capitalize-ai/conversation-delivery/internal/handler"
	"github.com/capitalize-ai/conversation-delivery/internal/model"
	"github.com/capitalize-ai/conversation-delivery/internal/presence"
	"github.com/capitalize-ai/conversation-delivery/internal/registry"
	"github.com/capitalize-ai/conversation-delivery/internal/sequencer"
	"github.com/capitalize-ai/conversation-delivery/internal/service"
	"github.com/capitalize-ai/conversation-delivery/internal/session"
	"github.com/capitalize-ai/conversation-delivery/internal/store/memory"
	"github.com/capitalize-ai/conversation-delivery/pkg/logger"
)

var _ = Describe("HTTP surface", func() {
	var (
		st       *memory.Store
		verifier *auth.Verifier
		mgr      *session.Manager
		router   http.Handler
		ready    error
	)

	BeforeEach(func() {
		log := logger.NewNop()
		ready = nil

		st = memory.New()
		st.AddParticipant("c1", "alice", model.RoleOwner)
		st.AddParticipant("c1", "bob", model.RoleMember)

		seq := sequencer.New(st, sequencer.Config{}, log)
		reg := registry.New()
		dir := session.NewDirectory()
		engine := fanout.New(reg, dir, st, st, log)
		tracker := presence.NewTracker(st, service.NewBroadcaster(seq, engine), nil, presence.Config{}, log)
		convs := service.NewConversationService(st, st, seq, tracker, nil, log)
		messages := service.NewMessageService(seq, st, st, engine, convs, tracker, log)
		verifier = auth.NewVerifier("secret")

		mgr = session.NewManager(session.Dependencies{
			Directory:     dir,
			Registry:      reg,
			Authenticator: verifier,
			Authorizer:    convs,
			Sender:        messages,
			Presence:      tracker,
			Reconciler:    backlog.New(seq, st, st, backlog.Config{}, log),
			HighWater:     seq,
			Participants:  st,
			Pending:       st,
		}, session.Config{HeartbeatTimeout: 5 * time.Second, DrainGrace: 200 * time.Millisecond}, log)

		router = handler.NewRouter(handler.RouterConfig{
			Health: handler.NewHealthHandler(map[string]handler.Check{
				"store": func(context.Context) error { return ready },
			}, mgr.Sessions),
			Events:            handler.NewEventHandler(messages, convs, log),
			Conversations:     handler.NewConversationHandler(convs, log),
			Stream:            handler.NewStreamHandler(mgr, 5*time.Second, log),
			Verifier:          verifier,
			Logger:            log,
			AllowedOrigins:    []string{"*"},
			RateLimitRequests: 1000,
			RateLimitWindow:   time.Minute,
		})
	})

	AfterEach(func() {
		Expect(mgr.Shutdown(context.Background())).To(Succeed())
	})

	do := func(method, path, user string, body interface{}) *httptest.ResponseRecorder {
		var buf bytes.Buffer
		if body != nil {
			Expect(json.NewEncoder(&buf).Encode(body)).To(Succeed())
		}
		req := httptest.NewRequest(method, path, &buf)
		if user != "" {
			token, err := verifier.Sign(user, time.Minute)
			Expect(err).NotTo(HaveOccurred())
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	send := func(user, content string) *httptest.ResponseRecorder {
		payload, _ := json.Marshal(model.MessagePayload{Content: content})
		return do(http.MethodPost, "/api/v1/conversations/c1/events", user, model.SendEventRequest{
			Type:    model.EventTypeMessageSent,
			Payload: payload,
		})
	}

	Describe("health", func() {
		It("should report healthy with the session count", func() {
			rec := do(http.MethodGet, "/health", "", nil)

			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Body.String()).To(ContainSubstring(`"sessions":0`))
		})

		It("should report failing dependencies", func() {
			Expect(do(http.MethodGet, "/ready", "", nil).Code).To(Equal(http.StatusOK))

			ready = errors.New("nats down")
			rec := do(http.MethodGet, "/ready", "", nil)

			Expect(rec.Code).To(Equal(http.StatusServiceUnavailable))
			Expect(rec.Body.String()).To(ContainSubstring("nats down"))
		})
	})

	Describe("events", func() {
		It("should require authentication", func() {
			Expect(do(http.MethodGet, "/api/v1/conversations/c1/events", "", nil).Code).To(Equal(http.StatusUnauthorized))
		})

		It("should commit an event and return its sequence", func() {
			rec := send("alice", "hello")

			Expect(rec.Code).To(Equal(http.StatusCreated))
			var resp model.SendEventResponse
			Expect(json.Unmarshal(rec.Body.Bytes(), &resp)).To(Succeed())
			Expect(resp.Sequence).To(Equal(uint64(1)))
			Expect(resp.Event.UserID).To(Equal("alice"))
		})

		It("should refuse non-participants", func() {
			rec := send("mallory", "hello")

			Expect(rec.Code).To(Equal(http.StatusForbidden))
			Expect(rec.Body.String()).To(ContainSubstring(model.CodeNotAuthorized))
		})

		It("should reject invalid payloads", func() {
			rec := send("alice", "")

			Expect(rec.Code).To(Equal(http.StatusBadRequest))
			Expect(rec.Body.String()).To(ContainSubstring(model.CodeInvalidPayload))
		})

		It("should report persist failures as retryable", func() {
			st.PersistErr = func(*model.Event) error { return errors.New("disk full") }

			rec := send("alice", "hello")

			Expect(rec.Code).To(Equal(http.StatusServiceUnavailable))
			Expect(rec.Body.String()).To(ContainSubstring(`"retryable":true`))
		})

		It("should page through the log", func() {
			for i := 0; i < 3; i++ {
				Expect(send("alice", "m").Code).To(Equal(http.StatusCreated))
			}

			rec := do(http.MethodGet, "/api/v1/conversations/c1/events?after_sequence=1&limit=1", "bob", nil)

			Expect(rec.Code).To(Equal(http.StatusOK))
			var page model.ListEventsResponse
			Expect(json.Unmarshal(rec.Body.Bytes(), &page)).To(Succeed())
			Expect(page.Events).To(HaveLen(1))
			Expect(page.Events[0].Sequence).To(Equal(uint64(2)))
			Expect(page.HasMore).To(BeTrue())
			Expect(page.HighWater).To(Equal(uint64(3)))
		})

		It("should reject bad query parameters", func() {
			Expect(do(http.MethodGet, "/api/v1/conversations/c1/events?limit=0", "bob", nil).Code).To(Equal(http.StatusBadRequest))
			Expect(do(http.MethodGet, "/api/v1/conversations/c1/events?after_sequence=x", "bob", nil).Code).To(Equal(http.StatusBadRequest))
			Expect(do(http.MethodGet, "/api/v1/conversations/c.1/events", "bob", nil).Code).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("participants and presence", func() {
		It("should list participants for members", func() {
			rec := do(http.MethodGet, "/api/v1/conversations/c1/participants", "bob", nil)

			Expect(rec.Code).To(Equal(http.StatusOK))
			var resp model.ListParticipantsResponse
			Expect(json.Unmarshal(rec.Body.Bytes(), &resp)).To(Succeed())
			Expect(resp.Participants).To(HaveLen(2))
		})

		It("should report offline users", func() {
			rec := do(http.MethodGet, "/api/v1/presence/bob", "alice", nil)

			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Body.String()).To(ContainSubstring(`"status":"offline"`))
		})
	})

	Describe("websocket", func() {
		var server *httptest.Server

		BeforeEach(func() {
			server = httptest.NewServer(router)
		})

		AfterEach(func() {
			Expect(mgr.Shutdown(context.Background())).To(Succeed())
			server.Close()
		})

		dial := func(token string) *websocket.Conn {
			url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
			conn, _, err := websocket.DefaultDialer.Dial(url, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(conn.WriteJSON(model.ClientFrame{Op: model.OpHello, Token: token})).To(Succeed())
			return conn
		}

		next := func(conn *websocket.Conn, want model.PushType) model.ServerFrame {
			Expect(conn.SetReadDeadline(time.Now().Add(2 * time.Second))).To(Succeed())
			for {
				var f model.ServerFrame
				Expect(conn.ReadJSON(&f)).To(Succeed())
				if f.Type == want {
					return f
				}
			}
		}

		It("should welcome the user and push committed events", func() {
			token, _ := verifier.Sign("bob", time.Minute)
			conn := dial(token)
			defer conn.Close()

			welcome := next(conn, model.PushWelcome)
			Expect(welcome.UserID).To(Equal("bob"))
			Eventually(mgr.Sessions).Should(Equal(1))
			Eventually(func() model.PresenceStatus {
				var state model.PresenceState
				_ = json.Unmarshal(do(http.MethodGet, "/api/v1/presence/bob", "alice", nil).Body.Bytes(), &state)
				return state.Status
			}).Should(Equal(model.PresenceOnline))

			Expect(send("alice", "hi bob").Code).To(Equal(http.StatusCreated))

			ev := next(conn, model.PushEvent)
			Expect(ev.ConversationID).To(Equal("c1"))
			Expect(ev.Sequence).To(Equal(uint64(1)))
			Expect(ev.UserID).To(Equal("alice"))
		})

		It("should close with 4001 on a bad token", func() {
			conn := dial("not-a-token")
			defer conn.Close()

			Expect(conn.SetReadDeadline(time.Now().Add(2 * time.Second))).To(Succeed())
			_, _, err := conn.ReadMessage()

			var closeErr *websocket.CloseError
			Expect(errors.As(err, &closeErr)).To(BeTrue())
			Expect(closeErr.Code).To(Equal(model.CloseAuthenticationFailed))
		})

		It("should close with 1001 on shutdown", func() {
			token, _ := verifier.Sign("bob", time.Minute)
			conn := dial(token)
			defer conn.Close()
			next(conn, model.PushWelcome)
			Eventually(mgr.Sessions).Should(Equal(1))

			Expect(mgr.Shutdown(context.Background())).To(Succeed())

			Expect(conn.SetReadDeadline(time.Now().Add(2 * time.Second))).To(Succeed())
			var err error
			for err == nil {
				_, _, err = conn.ReadMessage()
			}
			var closeErr *websocket.CloseError
			Expect(errors.As(err, &closeErr)).To(BeTrue())
			Expect(closeErr.Code).To(Equal(model.CloseServerShutdown))
		})
	})
})
