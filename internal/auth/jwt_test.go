package auth_test

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/capitalize-ai/conversation-delivery/internal/auth"
)

var _ = Describe("Verifier", func() {
	var v *auth.Verifier

	BeforeEach(func() {
		v = auth.NewVerifier("test-secret")
	})

	It("should resolve a signed token to its subject", func() {
		token, err := v.Sign("alice", time.Minute)
		Expect(err).NotTo(HaveOccurred())

		user, err := v.VerifyIdentity(token)

		Expect(err).NotTo(HaveOccurred())
		Expect(user).To(Equal("alice"))
	})

	It("should accept a bearer prefix", func() {
		token, _ := v.Sign("alice", time.Minute)

		user, err := v.VerifyIdentity("Bearer " + token)

		Expect(err).NotTo(HaveOccurred())
		Expect(user).To(Equal("alice"))
	})

	It("should carry scopes", func() {
		token, _ := v.Sign("alice", time.Minute, "events:write")

		claims, err := v.Parse(token)

		Expect(err).NotTo(HaveOccurred())
		Expect(claims.Scopes).To(ConsistOf("events:write"))
	})

	It("should reject expired tokens", func() {
		token, _ := v.Sign("alice", -time.Minute)

		_, err := v.VerifyIdentity(token)

		Expect(err).To(HaveOccurred())
	})

	It("should reject tokens signed with another secret", func() {
		token, _ := auth.NewVerifier("other").Sign("alice", time.Minute)

		_, err := v.VerifyIdentity(token)

		Expect(err).To(HaveOccurred())
	})

	It("should reject tokens without a subject", func() {
		token, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		}).SignedString([]byte("test-secret"))

		_, err := v.VerifyIdentity(token)

		Expect(err).To(MatchError(auth.ErrMissingSubject))
	})

	It("should reject an empty credential", func() {
		_, err := v.VerifyIdentity("")

		Expect(err).To(HaveOccurred())
	})
})
