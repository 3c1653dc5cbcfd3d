package gateway_test

import (
	"net"
	"testing"
	"time"

	"github.com/muscleserver/muscle/gateway"
	"github.com/muscleserver/muscle/message"
)

func TestFramedGatewayRoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	var received []*message.Message
	serverGW := gateway.NewFramedGateway(server, func(m *message.Message) error {
		received = append(received, m)
		return nil
	}, 0)
	clientGW := gateway.NewFramedGateway(client, nil, 0)

	msg := message.New(42)
	msg.AddString("greeting", "hello")
	if err := clientGW.QueueMessage(msg); err != nil {
		t.Fatalf("QueueMessage: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for clientGW.HasBytesToOutput() {
			if _, err := clientGW.DoOutput(); err != nil {
				t.Errorf("DoOutput: %v", err)
				return
			}
		}
	}()

	deadline := time.Now().Add(2 * time.Second)
	for len(received) == 0 && time.Now().Before(deadline) {
		server.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
		if _, err := serverGW.DoInput(); err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
		}
	}
	<-done

	if len(received) != 1 {
		t.Fatalf("expected 1 received message, got %d", len(received))
	}
	if v, ok := received[0].FindString("greeting", 0); !ok || v != "hello" {
		t.Fatalf("unexpected payload: %v %v", v, ok)
	}
}

func TestPlainTextGatewaySplitsLines(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	var lines []string
	serverGW := gateway.NewPlainTextGateway(server, func(m *message.Message) error {
		v, _ := m.FindString(gateway.TextLineField, 0)
		lines = append(lines, v)
		return nil
	})

	go func() {
		client.Write([]byte("hello\nworld\n"))
	}()

	for i := 0; i < 2 && len(lines) < 2; i++ {
		server.SetReadDeadline(time.Now().Add(time.Second))
		if _, err := serverGW.DoInput(); err != nil {
			break
		}
	}
	if len(lines) != 2 || lines[0] != "hello" || lines[1] != "world" {
		t.Fatalf("unexpected lines: %v", lines)
	}
}
