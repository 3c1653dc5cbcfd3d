package datatree_test

import (
	"testing"

	"github.com/muscleserver/muscle/datatree"
	"github.com/muscleserver/muscle/message"
)

func TestSetDataCreatesIntermediateNodes(t *testing.T) {
	tr := datatree.New()
	m := message.New(1)
	m.AddString("v", "x")
	tr.SetData("a/b/c", m)

	n, ok := tr.GetNode("a/b/c")
	if !ok {
		t.Fatal("expected node to exist")
	}
	if v, _ := n.Payload().FindString("v", 0); v != "x" {
		t.Fatalf("unexpected payload: %v", v)
	}
	if _, ok := tr.GetNode("a/b"); !ok {
		t.Fatal("expected intermediate node a/b to exist")
	}
}

func TestRemoveDataDropsSubtree(t *testing.T) {
	tr := datatree.New()
	tr.SetData("a/b/c", message.New(1))
	if !tr.RemoveData("a/b") {
		t.Fatal("expected RemoveData to succeed")
	}
	if _, ok := tr.GetNode("a/b/c"); ok {
		t.Fatal("expected subtree to be gone")
	}
}

func TestSubscribersInterned(t *testing.T) {
	tr := datatree.New()
	tr.SetData("x", message.New(1))
	tr.SetData("y", message.New(1))
	x, _ := tr.GetNode("x")
	y, _ := tr.GetNode("y")

	tr.AddSubscriber(x, 5)
	tr.AddSubscriber(y, 5)
	if len(x.Subscribers()) != 1 || x.Subscribers()[0] != 5 {
		t.Fatalf("unexpected subscribers on x: %v", x.Subscribers())
	}
	if len(y.Subscribers()) != 1 || y.Subscribers()[0] != 5 {
		t.Fatalf("unexpected subscribers on y: %v", y.Subscribers())
	}

	tr.RemoveSubscriber(x, 5)
	if len(x.Subscribers()) != 0 {
		t.Fatalf("expected x to have no subscribers, got %v", x.Subscribers())
	}
	if len(y.Subscribers()) != 1 {
		t.Fatalf("expected y to keep its subscriber, got %v", y.Subscribers())
	}
}

func TestOrderedDataInsertAndReorder(t *testing.T) {
	tr := datatree.New()
	if _, err := tr.InsertOrderedData("list", "first", 0, message.New(1)); err != nil {
		t.Fatalf("insert first: %v", err)
	}
	if _, err := tr.InsertOrderedData("list", "second", 1, message.New(1)); err != nil {
		t.Fatalf("insert second: %v", err)
	}
	if _, err := tr.InsertOrderedData("list", "zeroth", 0, message.New(1)); err != nil {
		t.Fatalf("insert zeroth: %v", err)
	}

	parent, _ := tr.GetNode("list")
	want := []string{"zeroth", "first", "second"}
	for i, w := range want {
		got, ok := parent.IndexEntry(i)
		if !ok || got != w {
			t.Fatalf("index %d: got %q want %q", i, got, w)
		}
	}

	if err := tr.ReorderData("list", "second", 0); err != nil {
		t.Fatalf("reorder: %v", err)
	}
	got0, _ := parent.IndexEntry(0)
	if got0 != "second" {
		t.Fatalf("expected second to move to index 0, got %q", got0)
	}
}

func TestInsertOrderedDataRenamesOnCollision(t *testing.T) {
	tr := datatree.New()
	if _, err := tr.InsertOrderedData("list", "I0", 0, message.New(1)); err != nil {
		t.Fatalf("insert I0: %v", err)
	}
	child, err := tr.InsertOrderedData("list", "I0", 1, message.New(1))
	if err != nil {
		t.Fatalf("insert colliding name: %v", err)
	}
	if child.Name == "I0" {
		t.Fatal("expected a colliding name to be renamed, not rejected")
	}
	if _, ok := tr.GetNode("list/" + child.Name); !ok {
		t.Fatalf("expected renamed child %q to exist", child.Name)
	}
}

func TestSubscribeMatchesExistingAndFutureNodes(t *testing.T) {
	tr := datatree.New()
	tr.SetData("room/one", message.New(1))
	if err := tr.Subscribe("room/*", 9); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if ids := tr.SubscribersAt("room/one"); len(ids) != 1 || ids[0] != 9 {
		t.Fatalf("expected existing node to pick up subscriber, got %v", ids)
	}

	tr.SetData("room/two", message.New(1))
	if ids := tr.SubscribersAt("room/two"); len(ids) != 1 || ids[0] != 9 {
		t.Fatalf("expected node created after Subscribe to pick it up, got %v", ids)
	}

	tr.Unsubscribe("room/*", 9)
	if ids := tr.SubscribersAt("room/one"); len(ids) != 0 {
		t.Fatalf("expected Unsubscribe to clear subscriber, got %v", ids)
	}
}

func TestMatchNodesExpandsGlob(t *testing.T) {
	tr := datatree.New()
	tr.SetData("room/a", message.New(1))
	tr.SetData("room/b", message.New(1))
	tr.SetData("other/c", message.New(1))

	nodes, err := tr.MatchNodes("room/*")
	if err != nil {
		t.Fatalf("MatchNodes: %v", err)
	}
	if len(nodes) != 2 || nodes[0].Path != "room/a" || nodes[1].Path != "room/b" {
		t.Fatalf("unexpected match set: %v", nodes)
	}
}

func TestSaveRestoreAndCloneSubtree(t *testing.T) {
	tr := datatree.New()
	a := message.New(1)
	a.AddString("v", "a")
	b := message.New(1)
	b.AddString("v", "b")
	tr.SetData("src/a", a)
	tr.SetData("src/b", b)

	snapshot := message.New(0)
	if err := tr.SaveNodeTreeToMessage(snapshot, "src", nil); err != nil {
		t.Fatalf("SaveNodeTreeToMessage: %v", err)
	}

	if err := tr.RestoreNodeTreeFromMessage(snapshot, "restored", nil); err != nil {
		t.Fatalf("RestoreNodeTreeFromMessage: %v", err)
	}
	n, ok := tr.GetNode("restored/a")
	if !ok {
		t.Fatal("expected restored/a to exist")
	}
	if v, _ := n.Payload().FindString("v", 0); v != "a" {
		t.Fatalf("unexpected restored payload: %v", v)
	}

	if err := tr.CloneDataNodeSubtree("src", "cloned", nil); err != nil {
		t.Fatalf("CloneDataNodeSubtree: %v", err)
	}
	cloned, ok := tr.GetNode("cloned/b")
	if !ok {
		t.Fatal("expected cloned/b to exist")
	}
	if v, _ := cloned.Payload().FindString("v", 0); v != "b" {
		t.Fatalf("unexpected cloned payload: %v", v)
	}
}

func TestMoveIndexEntries(t *testing.T) {
	tr := datatree.New()
	for i, name := range []string{"a", "b", "c", "d"} {
		if _, err := tr.InsertOrderedData("list", name, i, message.New(1)); err != nil {
			t.Fatalf("insert %s: %v", name, err)
		}
	}
	if err := tr.MoveIndexEntries("list", 1, 3, 2); err != nil {
		t.Fatalf("MoveIndexEntries: %v", err)
	}
	parent, _ := tr.GetNode("list")
	want := []string{"a", "d", "b", "c"}
	for i, w := range want {
		got, ok := parent.IndexEntry(i)
		if !ok || got != w {
			t.Fatalf("index %d: got %q want %q", i, got, w)
		}
	}
}

func TestChildrenSortedOrder(t *testing.T) {
	tr := datatree.New()
	tr.SetData("b", message.New(1))
	tr.SetData("a", message.New(1))
	tr.SetData("c", message.New(1))
	root := tr.Root()
	kids := tr.Children(root)
	if len(kids) != 3 || kids[0].Name != "a" || kids[1].Name != "b" || kids[2].Name != "c" {
		t.Fatalf("unexpected child order: %v", kids)
	}
}
