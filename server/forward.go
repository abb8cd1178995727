package server

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"cim/errs"
	"cim/models"
	"cim/protocol"
)

const (
	peerConnectTimeout = 30 * time.Second
	peerReadTimeout    = 10 * time.Second
)

// peerLink is an outbound connection to another relay, authenticated with a
// peer token. Forwarded frames are MSG requests whose requestId is the
// original sender and whose payload is "<receiverId>;;<text>".
type peerLink struct {
	node models.ServerNode
	nc   net.Conn

	mu   sync.Mutex
	w    *protocol.Writer
	done chan struct{}
	once sync.Once
}

func (l *peerLink) close() {
	l.once.Do(func() {
		close(l.done)
		l.nc.Close()
	})
}

func (l *peerLink) closed() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

func (l *peerLink) send(r protocol.Request) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nc.SetWriteDeadline(time.Now().Add(writeTimeout))
	return l.w.WriteRequest(r)
}

type peerCache struct {
	s     *Server
	cache *lru.Cache[int64, *peerLink]
	dials singleflight.Group
}

func newPeerCache(s *Server, size int) *peerCache {
	cache, err := lru.NewWithEvict[int64, *peerLink](size, func(_ int64, l *peerLink) {
		l.close()
	})
	if err != nil {
		panic(err)
	}
	return &peerCache{s: s, cache: cache}
}

func (p *peerCache) Len() int {
	return p.cache.Len()
}

// Purge closes every link.
func (p *peerCache) Purge() {
	p.cache.Purge()
	peerLinks.Set(0)
}

func (p *peerCache) forward(node models.ServerNode, sender, receiver int64, text string) error {
	link, err := p.get(node)
	if err != nil {
		return err
	}
	req := protocol.Request{RequestID: sender, ReqMsg: protocol.FormatP2P(receiver, text), Type: protocol.Msg}
	if err := link.send(req); err != nil {
		p.remove(node.ID, link)
		return linkError(node, err)
	}
	return nil
}

func (p *peerCache) get(node models.ServerNode) (*peerLink, error) {
	if l, ok := p.cache.Get(node.ID); ok {
		if !l.closed() && l.node.Addr() == node.Addr() {
			return l, nil
		}
		p.remove(node.ID, l)
	}

	v, err, _ := p.dials.Do(strconv.FormatInt(node.ID, 10), func() (interface{}, error) {
		if l, ok := p.cache.Peek(node.ID); ok && !l.closed() {
			return l, nil
		}
		l, err := p.dial(node)
		if err != nil {
			return nil, err
		}
		p.cache.Add(node.ID, l)
		peerLinks.Set(float64(p.cache.Len()))
		return l, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*peerLink), nil
}

func (p *peerCache) remove(id int64, l *peerLink) {
	if cur, ok := p.cache.Peek(id); ok && cur == l {
		p.cache.Remove(id)
	}
	l.close()
	peerLinks.Set(float64(p.cache.Len()))
}

func (p *peerCache) dial(node models.ServerNode) (*peerLink, error) {
	nc, err := net.DialTimeout("tcp", node.Addr(), peerConnectTimeout)
	if err != nil {
		return nil, linkError(node, err)
	}

	token, err := p.s.tokens.IssuePeer(p.s.ID())
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("%w: peer token: %v", errs.ErrInternal, err)
	}

	nc.SetDeadline(time.Now().Add(peerReadTimeout))
	w := protocol.NewWriter(nc)
	r := protocol.NewReader(nc, p.s.config.MaxFrameSize)
	if err := w.WriteRequest(protocol.Request{RequestID: p.s.ID(), ReqMsg: token, Type: protocol.Login}); err != nil {
		nc.Close()
		return nil, linkError(node, err)
	}
	resp, err := r.ReadResponse()
	if err != nil {
		nc.Close()
		return nil, linkError(node, err)
	}
	if resp.Type != protocol.Ack {
		nc.Close()
		return nil, fmt.Errorf("%w: relay %d answered login with %s", errs.ErrInternal, node.ID, resp.Type)
	}
	if err := protocol.AckError(resp.ResMsg); err != nil {
		nc.Close()
		return nil, fmt.Errorf("link to relay %d: %w", node.ID, err)
	}
	nc.SetDeadline(noDeadline)

	l := &peerLink{node: node, nc: nc, w: w, done: make(chan struct{})}
	go p.readLoop(l, r)
	p.s.log.Info("Linked to peer relay", "server", node.String())
	return l, nil
}

// readLoop drains what the remote relay sends back on a link and drops the
// link once it closes.
func (p *peerCache) readLoop(l *peerLink, r *protocol.Reader) {
	defer p.remove(l.node.ID, l)
	for {
		resp, err := r.ReadResponse()
		if err != nil {
			if !l.closed() {
				p.s.log.V(1).Info("Peer link closed", "server", l.node.String(), "error", err.Error())
			}
			return
		}
		if resp.Type == protocol.Close {
			return
		}
	}
}

func linkError(node models.ServerNode, err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: relay %d: %v", errs.ErrUpstreamTimeout, node.ID, err)
	}
	return fmt.Errorf("%w: relay %d: %v", errs.ErrInternal, node.ID, err)
}
