package server

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"cim/errs"
	"cim/protocol"
	"cim/route"
)

func (s *Server) register(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.LookupTimeout+peerConnectTimeout)
	defer cancel()
	id, err := s.router.RegisterServer(ctx, s.config.Host, s.config.Port, s.ID())
	if err != nil {
		return err
	}
	if old := atomic.SwapInt64(&s.id, id); old != 0 && old != id {
		s.log.Info("Registry assigned a new serverId", "old", old, "new", id)
	}
	return nil
}

func (s *Server) heartbeatLoop(ctx context.Context) error {
	ticker := s.clock.Ticker(s.config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.heartbeat(ctx); err != nil && ctx.Err() == nil {
				s.log.Error(err, "Registry heartbeat failed")
			}
		}
	}
}

// heartbeat reports the bound users to the registry. Assignments that never
// turned into a session within the login grace are released, and sessions
// whose entry now names another relay are closed.
func (s *Server) heartbeat(ctx context.Context) error {
	users := s.BoundUsers()
	hctx, cancel := context.WithTimeout(ctx, s.config.LookupTimeout)
	rep, err := s.router.Heartbeat(hctx, route.HeartbeatRequest{ServerID: s.ID(), Load: len(users), Users: users})
	cancel()
	if errors.Is(err, errs.ErrNotFound) {
		// evicted, or the registry restarted
		s.log.Info("Registry does not know this relay, registering again", "serverId", s.ID())
		if err := s.register(ctx); err != nil {
			return err
		}
		hctx, cancel := context.WithTimeout(ctx, s.config.LookupTimeout)
		defer cancel()
		rep, err = s.router.Heartbeat(hctx, route.HeartbeatRequest{ServerID: s.ID(), Load: len(users), Users: users})
	}
	if err != nil {
		return err
	}

	grace := s.config.LoginGrace.Milliseconds()
	for _, p := range rep.Pending {
		if p.AgeMs < grace {
			continue
		}
		if _, ok := s.session(p.UserID); ok {
			continue
		}
		s.log.Info("Releasing assignment without login", "userId", p.UserID, "age", time.Duration(p.AgeMs)*time.Millisecond)
		if err := s.offline(p.UserID); err != nil {
			s.log.V(1).Info("Release refused", "userId", p.UserID, "error", err.Error())
		}
	}

	for _, uid := range rep.Revoked {
		if c, ok := s.session(uid); ok {
			s.evict(c, protocol.CloseRevoked)
		}
	}
	return nil
}
