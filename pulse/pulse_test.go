package pulse_test

import (
	"testing"

	"github.com/muscleserver/muscle/pulse"
)

type fixedNode struct {
	next  int64
	fired []int64
}

func (n *fixedNode) GetPulseTime(_ int64, _ int64) int64 { return n.next }
func (n *fixedNode) Pulse(now int64, scheduled int64) {
	n.fired = append(n.fired, now)
	n.next = pulse.Never
}

func TestSchedulerFiresDueChild(t *testing.T) {
	sched := pulse.NewScheduler(nil)
	child := &fixedNode{next: 100}
	node := pulse.NewNode(child)
	sched.Root.AddChild(node)

	next := sched.Tick(50)
	if next != 100 {
		t.Fatalf("expected next deadline 100, got %d", next)
	}
	if len(child.fired) != 0 {
		t.Fatalf("child should not have fired yet: %v", child.fired)
	}

	next = sched.Tick(100)
	if len(child.fired) != 1 || child.fired[0] != 100 {
		t.Fatalf("expected child to fire once at 100, got %v", child.fired)
	}
	if next != pulse.Never {
		t.Fatalf("expected no further deadline, got %d", next)
	}
}

func TestSchedulerOrdersMultipleChildrenByTime(t *testing.T) {
	sched := pulse.NewScheduler(nil)
	a := &fixedNode{next: 300}
	b := &fixedNode{next: 100}
	c := &fixedNode{next: 200}
	for _, n := range []*fixedNode{a, b, c} {
		sched.Root.AddChild(pulse.NewNode(n))
	}

	next := sched.Tick(0)
	if next != 100 {
		t.Fatalf("expected earliest deadline 100, got %d", next)
	}

	sched.Tick(250)
	if len(a.fired) != 0 {
		t.Fatalf("a should not have fired yet at t=250")
	}
	if len(b.fired) != 1 || len(c.fired) != 1 {
		t.Fatalf("b and c should have fired by t=250: b=%v c=%v", b.fired, c.fired)
	}
}

func TestInvalidatePulseTimeForcesRecalc(t *testing.T) {
	sched := pulse.NewScheduler(nil)
	n := &fixedNode{next: 500}
	node := pulse.NewNode(n)
	sched.Root.AddChild(node)

	if next := sched.Tick(0); next != 500 {
		t.Fatalf("expected 500, got %d", next)
	}

	n.next = 10
	node.InvalidatePulseTime(true)
	if next := sched.Tick(0); next != 10 {
		t.Fatalf("expected invalidated schedule to recompute to 10, got %d", next)
	}
}

func TestRemoveChildDetaches(t *testing.T) {
	sched := pulse.NewScheduler(nil)
	n := &fixedNode{next: 10}
	node := pulse.NewNode(n)
	sched.Root.AddChild(node)
	if !sched.Root.RemoveChild(node) {
		t.Fatal("expected RemoveChild to succeed")
	}
	if next := sched.Tick(1000); next != pulse.Never {
		t.Fatalf("expected no scheduled work after removal, got %d", next)
	}
}
