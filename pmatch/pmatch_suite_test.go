package pmatch_test

import (
	"testing"

	"github.com/muscleserver/muscle/message"
	"github.com/muscleserver/muscle/pmatch"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func TestPathMatcherSuite(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "pmatch")
}

var _ = Describe("Matcher query filters", func() {
	It("matches only when the filter predicate is true", func() {
		m := pmatch.New()
		filter := pmatch.QueryFilterFunc(func(msg *message.Message) bool {
			v, ok := msg.FindInt32("level", 0)
			return ok && v > 5
		})
		Expect(m.Put("alerts/*", filter)).To(Succeed())

		hot := message.New(1)
		hot.AddInt32("level", 9)
		Expect(m.MatchesPath("alerts/cpu", hot)).To(BeTrue())

		cold := message.New(1)
		cold.AddInt32("level", 1)
		Expect(m.MatchesPath("alerts/cpu", cold)).To(BeFalse())
	})

	It("tracks NumFilters as filters are added and cleared", func() {
		m := pmatch.New()
		Expect(m.Put("a", pmatch.QueryFilterFunc(func(*message.Message) bool { return true }))).To(Succeed())
		Expect(m.NumFilters()).To(Equal(1))
		Expect(m.SetFilter("a", nil)).To(BeTrue())
		Expect(m.NumFilters()).To(Equal(0))
	})
})
