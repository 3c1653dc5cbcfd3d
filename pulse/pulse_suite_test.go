package pulse_test

import (
	"testing"

	"github.com/muscleserver/muscle/pulse"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func TestPulseSuite(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "pulse")
}

var _ = Describe("pulse tree reparenting", func() {
	It("moves a child between parents, detaching it from the first", func() {
		rootA := pulse.NewNode(nil)
		rootB := pulse.NewNode(nil)
		child := pulse.NewNode(&fixedNode{next: 42})

		rootA.AddChild(child)
		rootB.AddChild(child) // should detach from rootA first

		Expect(rootA.RemoveChild(child)).To(BeFalse(), "child should no longer belong to rootA")
		Expect(rootB.RemoveChild(child)).To(BeTrue())
	})
})
