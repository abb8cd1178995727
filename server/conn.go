package server

import (
	"net"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"cim/protocol"
)

type connState int

const (
	stateUnbound connState = iota
	stateBound
	statePeer
	stateClosing
)

func (s connState) String() string {
	switch s {
	case stateUnbound:
		return "unbound"
	case stateBound:
		return "bound"
	case statePeer:
		return "peer"
	default:
		return "closing"
	}
}

const (
	writeTimeout  = 10 * time.Second
	outboundQueue = 256
)

var noDeadline time.Time

// conn owns one accepted socket. Only the reader goroutine decodes from it;
// every write goes through out and is performed by writeLoop.
type conn struct {
	nc     net.Conn
	reader *protocol.Reader
	out    chan []byte
	done   chan struct{}
	log    logr.Logger

	closeOnce sync.Once
	flush     bool // guarded by closeOnce

	mu            sync.Mutex
	state         connState
	userID        int64
	peerID        int64
	lastHeartbeat time.Time
}

func newConn(nc net.Conn, maxFrame int, log logr.Logger) *conn {
	return &conn{
		nc:     nc,
		reader: protocol.NewReader(nc, maxFrame),
		out:    make(chan []byte, outboundQueue),
		done:   make(chan struct{}),
		log:    log.WithValues("remote", nc.RemoteAddr().String()),
	}
}

func (c *conn) getState() connState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *conn) user() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *conn) touch(now time.Time) {
	c.mu.Lock()
	c.lastHeartbeat = now
	c.mu.Unlock()
}

func (c *conn) idleSince() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHeartbeat
}

// send queues an encoded frame. It waits up to writeTimeout for room and
// closes the connection when the peer does not drain it.
func (c *conn) send(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.out <- frame:
		return true
	case <-c.done:
		return false
	default:
	}

	timer := time.NewTimer(writeTimeout)
	defer timer.Stop()
	select {
	case c.out <- frame:
		return true
	case <-c.done:
		return false
	case <-timer.C:
		c.log.Info("outbound queue full, dropping connection", "userId", c.user())
		c.close(false)
		return false
	}
}

func (c *conn) sendRequest(r protocol.Request) bool {
	return c.send(protocol.EncodeRequest(r))
}

func (c *conn) sendResponse(r protocol.Response) bool {
	return c.send(protocol.EncodeResponse(r))
}

func (c *conn) ack(id int64, code int, detail string) bool {
	return c.sendResponse(protocol.Response{ResponseID: id, ResMsg: protocol.AckMessage(code, detail), Type: protocol.Ack})
}

// close moves the connection to closing. With flush set, frames already
// queued are written before the socket is closed; otherwise they are dropped.
func (c *conn) close(flush bool) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = stateClosing
		c.mu.Unlock()
		c.flush = flush
		close(c.done)
	})
}

func (c *conn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *conn) writeLoop() {
	defer c.nc.Close()
	for {
		select {
		case frame := <-c.out:
			if !c.write(frame) {
				c.close(false)
				return
			}
		case <-c.done:
			if !c.flush {
				return
			}
		drain:
			for {
				select {
				case frame := <-c.out:
					if !c.write(frame) {
						return
					}
				default:
					break drain
				}
			}
			return
		}
	}
}

func (c *conn) write(frame []byte) bool {
	c.nc.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := c.nc.Write(frame); err != nil {
		c.log.V(1).Info("write failed", "error", err.Error())
		return false
	}
	return true
}
