package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"cim/errs"
	"cim/models"
	"cim/protocol"
)

// handleFrame dispatches one decoded frame. It returns false once the
// connection is closing.
func (s *Server) handleFrame(c *conn, req protocol.Request) bool {
	switch c.getState() {
	case stateUnbound:
		if req.Type != protocol.Login {
			c.ack(req.RequestID, errs.CodeLoginRejected, "login required")
			c.close(true)
			return false
		}
		return s.handleLogin(c, req)
	case statePeer:
		return s.handlePeerFrame(c, req)
	case stateBound:
	default:
		return false
	}

	switch req.Type {
	case protocol.Ping:
		s.handlePing(c, req)
	case protocol.Msg, protocol.P2P:
		s.handleMessage(c, req)
	case protocol.Group:
		s.handleGroup(c, req)
	case protocol.Close:
		c.log.V(1).Info("Client closed session", "userId", c.user())
		c.close(true)
		return false
	case protocol.Login:
		c.ack(req.RequestID, errs.CodeLoginRejected, "already logged in")
	case protocol.Ack, protocol.Pong:
		// acknowledgements from clients carry nothing to act on
	}
	return true
}

func (s *Server) handleLogin(c *conn, req protocol.Request) bool {
	claims, err := s.tokens.Verify(req.ReqMsg, req.RequestID)
	if err != nil {
		c.log.Info("Login failed", "requestId", req.RequestID, "error", err.Error())
		c.ack(req.RequestID, errs.CodeAuthFailed, "")
		c.close(true)
		return false
	}

	if claims.Peer {
		if err := s.verifyPeer(c, claims.ServerID); err != nil {
			c.log.Info("Peer link refused", "serverId", claims.ServerID, "error", err.Error())
			c.ack(req.RequestID, errs.CodeAuthFailed, "")
			c.close(true)
			return false
		}
		c.mu.Lock()
		c.state = statePeer
		c.peerID = claims.ServerID
		c.mu.Unlock()
		c.nc.SetReadDeadline(noDeadline)
		c.ack(req.RequestID, errs.CodeOK, "")
		c.log.Info("Peer relay linked", "serverId", claims.ServerID)
		return true
	}

	uid := claims.UserID
	if s.isClosing() {
		c.ack(uid, errs.CodeLoginRejected, "relay shutting down")
		c.close(true)
		return false
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.config.LookupTimeout)
	node, err := s.router.Lookup(ctx, uid)
	cancel()
	if err != nil || node.ID != s.ID() {
		code, detail := errs.CodeLoginRejected, "route entry names another relay"
		switch {
		case errors.Is(err, errs.ErrNotFound):
			detail = "no route entry"
		case err != nil:
			code, detail = errs.Code(err), err.Error()
		}
		loginsRejected.Inc()
		c.log.Info("Login rejected", "userId", uid, "reason", detail)
		c.ack(uid, code, detail)
		c.close(true)
		return false
	}

	c.mu.Lock()
	c.state = stateBound
	c.userID = uid
	c.lastHeartbeat = s.clock.Now()
	c.mu.Unlock()
	c.nc.SetReadDeadline(noDeadline)

	// the ACK is queued before the session becomes visible to senders
	c.ack(uid, errs.CodeOK, "")
	s.bind(uid, c)
	c.log.Info("Client logged in", "userId", uid)
	return true
}

// verifyPeer checks an unsigned peer claim against the registry: serverID
// must be a registered relay announced at the address the link comes from.
// Signed claims need no lookup.
func (s *Server) verifyPeer(c *conn, serverID int64) error {
	if s.tokens.Signed() {
		return nil
	}
	remote, _, err := net.SplitHostPort(c.nc.RemoteAddr().String())
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrAuthFailed, err)
	}
	ip := net.ParseIP(remote)

	ctx, cancel := context.WithTimeout(s.ctx, s.config.LookupTimeout)
	defer cancel()
	nodes, err := s.router.Servers(ctx)
	if err != nil {
		return err
	}
	for _, n := range nodes {
		if n.ID != serverID {
			continue
		}
		addrs, err := net.DefaultResolver.LookupHost(ctx, n.Host)
		if err != nil {
			return fmt.Errorf("%w: resolve relay %d: %v", errs.ErrAuthFailed, serverID, err)
		}
		for _, a := range addrs {
			if ip != nil && ip.Equal(net.ParseIP(a)) {
				return nil
			}
		}
		return fmt.Errorf("%w: relay %d is announced at %s, link comes from %s", errs.ErrAuthFailed, serverID, n.Host, remote)
	}
	return fmt.Errorf("%w: relay %d is not registered", errs.ErrAuthFailed, serverID)
}

func (s *Server) handlePing(c *conn, req protocol.Request) {
	c.touch(s.clock.Now())
	c.sendResponse(protocol.Response{ResponseID: c.user(), ResMsg: "pong", Type: protocol.Pong})
}

func (s *Server) handleMessage(c *conn, req protocol.Request) {
	sender := c.user()
	receiver, text, err := protocol.ParseP2P(req.ReqMsg)
	if err != nil {
		c.ack(sender, errs.CodeMalformedFrame, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.config.LookupTimeout)
	defer cancel()
	if err := s.deliver(ctx, sender, receiver, text); err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			messagesOffline.Inc()
			c.ack(sender, errs.CodeNotFound, "user offline")
			return
		}
		c.log.Error(err, "Delivery failed", "receiver", receiver)
		c.ack(sender, errs.Code(err), err.Error())
		return
	}
	c.ack(sender, errs.CodeOK, "")
}

// deliver hands text from sender to receiver: directly when the receiver is
// bound here, otherwise through the relay the registry names.
func (s *Server) deliver(ctx context.Context, sender, receiver int64, text string) error {
	if s.deliverLocal(sender, receiver, text) {
		return nil
	}
	node, err := s.router.Lookup(ctx, receiver)
	if err != nil {
		return err
	}
	return s.deliverTo(node, sender, receiver, text)
}

func (s *Server) deliverLocal(sender, receiver int64, text string) bool {
	target, ok := s.session(receiver)
	if !ok {
		return false
	}
	if !target.sendRequest(protocol.Request{RequestID: sender, ReqMsg: text, Type: protocol.Msg}) {
		return false
	}
	messagesDelivered.WithLabelValues("local").Inc()
	return true
}

func (s *Server) deliverTo(node models.ServerNode, sender, receiver int64, text string) error {
	if node.ID == s.ID() {
		// assigned here but not bound (yet, or any more)
		if s.deliverLocal(sender, receiver, text) {
			return nil
		}
		return fmt.Errorf("%w: user %d not bound", errs.ErrNotFound, receiver)
	}
	if err := s.peers.forward(node, sender, receiver, text); err != nil {
		return err
	}
	messagesDelivered.WithLabelValues("forwarded").Inc()
	return nil
}

type groupTarget struct {
	node models.ServerNode
	err  error
}

func (s *Server) handleGroup(c *conn, req protocol.Request) {
	sender := c.user()
	groupID, text, err := protocol.ParseGroup(req.ReqMsg)
	if err != nil {
		c.ack(sender, errs.CodeMalformedFrame, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.config.LookupTimeout)
	defer cancel()
	members, err := s.router.GroupMembers(ctx, groupID)
	if err != nil {
		c.log.Info("Group lookup failed", "groupId", groupID, "error", err.Error())
		c.ack(sender, errs.Code(err), err.Error())
		return
	}

	summary := s.fanOut(ctx, c, sender, members, text)
	c.log.V(1).Info("Group message", "groupId", groupID, "delivered", summary.Delivered, "offline", summary.Offline)
	c.ack(sender, errs.CodeOK, summary.String())
}

// fanOut resolves members that are not bound here in parallel on the pool,
// then delivers in member order so each recipient sees the sender's
// messages in order.
func (s *Server) fanOut(ctx context.Context, c *conn, sender int64, members []int64, text string) protocol.GroupSummary {
	targets := make([]groupTarget, len(members))
	local := make([]bool, len(members))

	var wg sync.WaitGroup
	for i, uid := range members {
		if uid == sender {
			continue
		}
		if _, ok := s.session(uid); ok {
			local[i] = true
			continue
		}
		i, uid := i, uid
		wg.Add(1)
		err := s.pool.Submit(ctx, func() {
			defer wg.Done()
			targets[i].node, targets[i].err = s.router.Lookup(ctx, uid)
		})
		if err != nil {
			wg.Done()
			targets[i].err = err
		}
	}
	wg.Wait()

	var summary protocol.GroupSummary
	for i, uid := range members {
		if uid == sender {
			continue
		}
		var err error
		switch {
		case local[i]:
			if !s.deliverLocal(sender, uid, text) {
				err = fmt.Errorf("%w: user %d left", errs.ErrNotFound, uid)
			}
		case targets[i].err != nil:
			err = targets[i].err
		default:
			err = s.deliverTo(targets[i].node, sender, uid, text)
		}

		if err != nil {
			summary.Offline++
			messagesOffline.Inc()
			if !errors.Is(err, errs.ErrNotFound) {
				c.log.Info("Group delivery failed", "receiver", uid, "error", err.Error())
			}
			continue
		}
		summary.Delivered++
	}
	return summary
}

// handlePeerFrame serves a link from another relay. Forwarded MSG frames are
// delivered to local sessions only.
func (s *Server) handlePeerFrame(c *conn, req protocol.Request) bool {
	switch req.Type {
	case protocol.Msg, protocol.P2P:
		receiver, text, err := protocol.ParseP2P(req.ReqMsg)
		if err != nil {
			c.log.Info("Bad forwarded frame", "error", err.Error())
			return true
		}
		if !s.deliverLocal(req.RequestID, receiver, text) {
			messagesOffline.Inc()
			c.log.V(1).Info("Forwarded message for user not bound here", "receiver", receiver)
		}
	case protocol.Ping:
		c.sendResponse(protocol.Response{ResMsg: "pong", Type: protocol.Pong})
	case protocol.Close:
		c.close(true)
		return false
	}
	return true
}
