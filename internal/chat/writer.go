package chat

import (
	"bufio"
	"time"

	"github.com/andy6609/multiroom-chat-server/internal/protocol"
)

// WriteTimeout bounds a single flush to the peer.
const WriteTimeout = 5 * time.Second

// StartOutboundWriter drains c.Out onto the socket. When Out is closed the
// remaining lines are flushed and the connection is closed, which also
// unblocks the handler's read loop.
func StartOutboundWriter(c *Client) {
	go func() {
		defer c.Conn.Close()
		w := bufio.NewWriter(c.Conn)
		for msg := range c.Out {
			_ = c.Conn.SetWriteDeadline(time.Now().Add(WriteTimeout))
			if _, err := w.WriteString(protocol.Reply(msg).Encode()); err != nil {
				return
			}
			if err := w.Flush(); err != nil {
				return
			}
		}
	}()
}
