package storagereflect_test

import (
	"net"
	"testing"
	"time"

	"github.com/muscleserver/muscle/datatree"
	"github.com/muscleserver/muscle/gateway"
	"github.com/muscleserver/muscle/message"
	"github.com/muscleserver/muscle/storagereflect"
)

type fakeServer struct {
	published   []string
	publishedTo [][]uint32
	removed     []uint32
}

func (f *fakeServer) Publish(path string, result *message.Message) { f.published = append(f.published, path) }
func (f *fakeServer) PublishToIDs(ids []uint32, result *message.Message) {
	f.publishedTo = append(f.publishedTo, ids)
}
func (f *fakeServer) RemoveSession(id uint32) { f.removed = append(f.removed, id) }

func newTestSession(t *testing.T, tree *datatree.Tree) (*storagereflect.Session, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })
	gw := gateway.NewFramedGateway(server, nil, 0)
	s := storagereflect.New(server, gw, tree, 0)
	s.SetHome("host/1")
	return s, client
}

func TestSetDataStoresUnderHomeAndPublishes(t *testing.T) {
	tree := datatree.New()
	s, _ := newTestSession(t, tree)
	srv := &fakeServer{}
	if err := s.AttachedToServer(srv); err != nil {
		t.Fatalf("AttachedToServer: %v", err)
	}

	payload := message.New(1)
	payload.AddString("v", "hi")
	setMsg := message.New(storagereflect.CommandSetData)
	setMsg.AddString(storagereflect.FieldPath, "foo/bar")
	setMsg.AddMessage(storagereflect.FieldData, payload)

	if err := s.MessageReceived(setMsg); err != nil {
		t.Fatalf("SETDATA: %v", err)
	}
	if len(srv.published) != 1 || srv.published[0] != "host/1/foo/bar" {
		t.Fatalf("expected a publish to host/1/foo/bar, got %v", srv.published)
	}
	node, ok := tree.GetNode("host/1/foo/bar")
	if !ok {
		t.Fatal("expected node to exist after SETDATA")
	}
	if v, _ := node.Payload().FindString("v", 0); v != "hi" {
		t.Fatalf("unexpected stored payload: %v", v)
	}
}

func TestSubscribeParameterControlsMatching(t *testing.T) {
	tree := datatree.New()
	s, _ := newTestSession(t, tree)

	// An absolute pattern (leading "/") bypasses the "*/*/" prefix given to
	// relative subscriptions, so it can be checked directly against
	// top-level paths.
	setParams := message.New(storagereflect.CommandSetParameters)
	setParams.AddBool("subscribe:/foo/*", true)
	if err := s.MessageReceived(setParams); err != nil {
		t.Fatalf("SETPARAMETERS: %v", err)
	}

	tree.SetData("foo/bar", message.New(0))
	if ids := tree.SubscribersAt("foo/bar"); len(ids) != 1 || ids[0] != s.ID() {
		t.Fatalf("expected subscription foo/* to match foo/bar, got %v", ids)
	}

	tree.SetData("baz/bar", message.New(0))
	if ids := tree.SubscribersAt("baz/bar"); len(ids) != 0 {
		t.Fatalf("did not expect foo/* to match baz/bar, got %v", ids)
	}
}

func TestBannedPathRejectsSetData(t *testing.T) {
	tree := datatree.New()
	s, _ := newTestSession(t, tree)

	bans := message.New(storagereflect.CommandAddBans)
	bans.AddString(storagereflect.FieldBanPatterns, "secret/*")
	if err := s.MessageReceived(bans); err != nil {
		t.Fatalf("ADDBANS: %v", err)
	}

	setMsg := message.New(storagereflect.CommandSetData)
	setMsg.AddString(storagereflect.FieldPath, "/secret/key") // absolute: bypasses this session's home prefix
	setMsg.AddMessage(storagereflect.FieldData, message.New(1))
	if err := s.MessageReceived(setMsg); err == nil {
		t.Fatal("expected banned path to be rejected")
	}
}

func TestJettisonClearsPendingNotifications(t *testing.T) {
	tree := datatree.New()
	s, _ := newTestSession(t, tree)

	result := message.New(storagereflect.ResultDataItems)
	result.AddMessage("foo/bar", message.New(1))
	s.Notify(result)

	jettison := message.New(storagereflect.CommandJettison)
	if err := s.MessageReceived(jettison); err != nil {
		t.Fatalf("JETTISON: %v", err)
	}
	s.FlushPending()
	if s.Gateway().HasBytesToOutput() {
		t.Fatal("expected JETTISON with no pattern to drop the queued notification")
	}
}

func TestJettisonWithPatternFiltersMatchingEntries(t *testing.T) {
	tree := datatree.New()
	s, _ := newTestSession(t, tree)

	result := message.New(storagereflect.ResultDataItems)
	result.AddMessage("foo/bar", message.New(1))
	result.AddMessage("baz/qux", message.New(1))
	s.Notify(result)

	jettison := message.New(storagereflect.CommandJettison)
	jettison.AddString(storagereflect.FieldJettisonPattern, "foo/*")
	if err := s.MessageReceived(jettison); err != nil {
		t.Fatalf("JETTISON: %v", err)
	}
	s.FlushPending()
	if !s.Gateway().HasBytesToOutput() {
		t.Fatal("expected the non-matching entry to still be queued")
	}
}

func TestMaxNodesPerSessionCap(t *testing.T) {
	tree := datatree.New()
	tree.SetData("host/1", message.New(0))
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })
	gw := gateway.NewFramedGateway(server, nil, 0)
	s := storagereflect.New(server, gw, tree, 1)
	s.SetHome("host/1")

	setMsg := message.New(storagereflect.CommandSetData)
	setMsg.AddString(storagereflect.FieldPath, "x")
	setMsg.AddMessage(storagereflect.FieldData, message.New(1))
	if err := s.MessageReceived(setMsg); err == nil {
		t.Fatal("expected the per-session node cap to reject a brand-new node")
	}
}

func TestPingPong(t *testing.T) {
	tree := datatree.New()
	s, client := newTestSession(t, tree)

	ping := message.New(storagereflect.CommandPing)
	ping.AddInt64(storagereflect.FieldPingValue, 42)

	if err := s.MessageReceived(ping); err != nil {
		t.Fatalf("PING: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		for s.Gateway().HasBytesToOutput() {
			if _, err := s.Gateway().DoOutput(); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	buf := make([]byte, 256)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := client.Read(buf)
	if err != nil || n == 0 {
		t.Fatalf("expected pong bytes on the wire: n=%d err=%v", n, err)
	}
	if err := <-done; err != nil {
		t.Fatalf("DoOutput: %v", err)
	}
}
