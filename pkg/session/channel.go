package session

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harunnryd/sttrelay/pkg/adapters/stt"
)

const closeWriteWait = time.Second

var ErrChannelClosed = errors.New("channel closed")

// Channel is the session's handle on one side's connection. The session owns
// its lifecycle, not its buffers. Writes are serialized; a closed channel
// rejects further writes.
type Channel struct {
	name   string
	conn   stt.Conn
	wmu    sync.Mutex
	closed atomic.Bool
}

func newChannel(name string, conn stt.Conn) *Channel {
	return &Channel{name: name, conn: conn}
}

func (c *Channel) Name() string { return c.name }

// Open reports whether the channel still accepts writes.
func (c *Channel) Open() bool {
	return c != nil && !c.closed.Load()
}

func (c *Channel) Write(messageType int, data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.closed.Load() {
		return ErrChannelClosed
	}
	return c.conn.WriteMessage(messageType, data)
}

// Close sends a close frame with code and reason, then releases the
// connection. Only the first call has any effect. It does not wait for an
// in-flight Write; closing the connection unblocks it.
func (c *Channel) Close(code int, reason string) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	msg := websocket.FormatCloseMessage(code, reason)
	werr := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWriteWait))
	cerr := c.conn.Close()
	if werr != nil && !errors.Is(werr, websocket.ErrCloseSent) {
		return werr
	}
	return cerr
}

// release drops the connection without a close frame.
func (c *Channel) release() {
	if c.closed.CompareAndSwap(false, true) {
		_ = c.conn.Close()
	}
}

// sendableCloseCode reports whether code may appear in a close frame.
func sendableCloseCode(code int) bool {
	switch {
	case code >= 1000 && code <= 1003:
		return true
	case code >= 1007 && code <= 1014:
		return true
	case code >= 3000 && code <= 4999:
		return true
	default:
		return false
	}
}
