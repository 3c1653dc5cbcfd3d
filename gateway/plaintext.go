package gateway

import (
	"bufio"
	"bytes"
	"net"

	"github.com/muscleserver/muscle/message"
)

// Text-gateway wire constants: a line read from or written to a
// plain-text connection is wrapped in a Message carrying exactly one
// string field, so the rest of the server (session, reflect) can treat
// plain-text and framed connections identically.
const (
	TextMessageWhat message.What = 0x50544558 // 'PTEX'
	TextLineField                = "line"
)

// PlainTextGateway implements spec.md §4.3's line-oriented gateway for
// telnet-style clients: input is split on '\n' into one Message per
// line, output Messages are rendered back to their line field.
type PlainTextGateway struct {
	conn      net.Conn
	onMessage MessageReceivedFunc
	reader    *bufio.Reader
	readBuf   []byte
	pending   []byte // bytes after the last newline, kept for the next read
	outBuf    bytes.Buffer
}

// NewPlainTextGateway wraps conn for line-oriented text exchange.
func NewPlainTextGateway(conn net.Conn, onMessage MessageReceivedFunc) *PlainTextGateway {
	return &PlainTextGateway{
		conn:      conn,
		onMessage: onMessage,
		reader:    bufio.NewReader(conn),
		readBuf:   make([]byte, 4096),
	}
}

// DoInput reads whatever text is available and dispatches one Message
// per complete line.
func (g *PlainTextGateway) DoInput() (int64, error) {
	n, err := g.conn.Read(g.readBuf)
	if n == 0 {
		return 0, err
	}
	chunk := append(g.pending, g.readBuf[:n]...)
	g.pending = nil
	start := 0
	for i, b := range chunk {
		if b == '\n' {
			line := string(bytes.TrimRight(chunk[start:i], "\r"))
			if g.onMessage != nil {
				msg := message.New(TextMessageWhat)
				msg.AddString(TextLineField, line)
				if err := g.onMessage(msg); err != nil {
					return int64(n), err
				}
			}
			start = i + 1
		}
	}
	g.pending = append([]byte(nil), chunk[start:]...)
	return int64(n), err
}

// QueueMessage renders msg's text line field (if present) followed by a
// newline into the outgoing buffer; other fields are ignored.
func (g *PlainTextGateway) QueueMessage(msg *message.Message) error {
	line, _ := msg.FindString(TextLineField, 0)
	g.outBuf.WriteString(line)
	g.outBuf.WriteByte('\n')
	return nil
}

// HasBytesToOutput reports whether anything is queued to send.
func (g *PlainTextGateway) HasBytesToOutput() bool { return g.outBuf.Len() > 0 }

// DoOutput flushes the pending text buffer to the connection.
func (g *PlainTextGateway) DoOutput() (int64, error) {
	if g.outBuf.Len() == 0 {
		return 0, nil
	}
	n, err := g.conn.Write(g.outBuf.Bytes())
	if n > 0 {
		g.outBuf.Next(n)
	}
	return int64(n), err
}

var _ Gateway = (*PlainTextGateway)(nil)
