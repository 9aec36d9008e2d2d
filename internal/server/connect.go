package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hcodes/tunnel/internal/domain"
	"github.com/hcodes/tunnel/internal/metrics"
	"github.com/hcodes/tunnel/internal/tunnelproto"
)

// handleConnect authenticates an agent before upgrading, so a bad token never
// opens a control connection.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	principal, err := s.tokens.Authenticate(r)
	if err != nil {
		metrics.HandshakeFailures.Inc()
		s.log.Debug("agent handshake rejected", "remote_addr", r.RemoteAddr, "err", err)
		writeJSON(w, http.StatusUnauthorized, domain.ErrorResponse{
			Error:     err.Error(),
			ErrorCode: domain.ErrorCode(err),
		})
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("websocket upgrade failed", "err", err)
		return
	}

	sess := newSession(uuid.NewString(), conn, principal)
	readLimit := s.cfg.MaxBodyBytes * 2
	if readLimit < minWSReadLimit {
		readLimit = minWSReadLimit
	}
	conn.SetReadLimit(readLimit)
	conn.SetPongHandler(func(string) error {
		sess.touch(time.Now())
		return nil
	})
	s.hub.attach(sess)
	s.log.Info("agent connected", "session_id", sess.id, "user_id", principal.ID)

	s.agents.Add(1)
	go func() {
		defer s.agents.Done()
		s.readLoop(sess)
	}()
}

func (s *Server) readLoop(sess *session) {
	defer s.dropSession(sess)

	for {
		_, r, err := sess.conn.NextReader()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.log.Warn("agent read error", "session_id", sess.id, "err", err)
			}
			return
		}
		sess.touch(time.Now())

		var msg tunnelproto.Message
		if err := json.NewDecoder(r).Decode(&msg); err != nil {
			s.log.Debug("ignoring malformed agent message", "session_id", sess.id, "err", err)
			continue
		}

		switch msg.Kind {
		case tunnelproto.KindRegister:
			var name string
			if msg.Register != nil {
				name = msg.Register.Name
			}
			s.handleRegister(sess, name)
		case tunnelproto.KindResponse:
			if msg.Response == nil {
				continue
			}
			s.pending.resolve(sess, msg.Response)
		case tunnelproto.KindPing:
			_ = sess.writeJSON(tunnelproto.Message{Kind: tunnelproto.KindPong})
		case tunnelproto.KindPong:
		default:
			s.log.Debug("ignoring unknown agent message", "session_id", sess.id, "kind", msg.Kind)
		}
	}
}

// handleRegister runs admission for one register message and answers with
// registered, optionally preceded by register_warning, or register_error.
// Errors leave the connection open so the agent may retry.
func (s *Server) handleRegister(sess *session, requested string) {
	if sess.tunnelName() != "" {
		s.sendRegisterError(sess, domain.ErrAlreadyRegistered)
		return
	}
	if !s.regLimiter.allow(strconv.FormatInt(sess.principal.ID, 10)) {
		s.sendRegisterError(sess, domain.ErrRateLimited)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), registerTimeout)
	defer cancel()
	var prev *session
	reg, err := s.admission.RegisterBound(ctx, sess.principal.ID, requested, func(name string) {
		sess.setTunnelName(name)
		prev = s.hub.bind(name, sess)
	})
	if err != nil {
		s.sendRegisterError(sess, err)
		return
	}
	metrics.RecordRegistration("ok")

	if prev != nil {
		metrics.TunnelTakeovers.Inc()
		s.log.Info("tunnel taken over by new connection", "tunnel", reg.Name, "session_id", sess.id, "previous_session_id", prev.id)
		prev.close()
	}
	s.hosts.forget(reg.Name)
	s.log.Info("tunnel registered", "tunnel", reg.Name, "user_id", sess.principal.ID, "plan", reg.Plan, "session_id", sess.id)

	if len(reg.Warnings) > 0 {
		_ = sess.writeJSON(tunnelproto.Message{
			Kind:            tunnelproto.KindRegisterWarning,
			RegisterWarning: &tunnelproto.RegisterWarning{Warnings: reg.Warnings},
		})
	}
	if err := sess.writeJSON(tunnelproto.Message{
		Kind: tunnelproto.KindRegistered,
		Registered: &tunnelproto.Registered{
			Assigned: reg.Name,
			URL:      reg.URL,
			Plan:     string(reg.Plan),
		},
	}); err != nil {
		s.log.Warn("failed to confirm registration", "tunnel", reg.Name, "err", err)
	}
}

func (s *Server) sendRegisterError(sess *session, err error) {
	code := domain.ErrorCode(err)
	metrics.RecordRegistration(code)
	message := err.Error()
	if code == domain.CodeInternal {
		s.log.Error("tunnel registration failed", "user_id", sess.principal.ID, "session_id", sess.id, "err", err)
		message = "registration failed"
	} else {
		s.log.Info("tunnel registration rejected", "user_id", sess.principal.ID, "session_id", sess.id, "reason", err)
	}
	_ = sess.writeJSON(tunnelproto.Message{
		Kind:          tunnelproto.KindRegisterError,
		RegisterError: &tunnelproto.RegisterError{Message: message, Code: code},
	})
}

// dropSession tears down a closed control connection. The tunnel record is
// deactivated only when sess still owned the name; a superseded session
// leaves its replacement untouched. Requests still pending on sess are left
// to their own timeout.
func (s *Server) dropSession(sess *session) {
	sess.close()
	s.hub.detach(sess)

	name := sess.tunnelName()
	if name == "" {
		s.log.Info("agent disconnected", "session_id", sess.id)
		return
	}
	if !s.hub.unbind(name, sess) {
		s.log.Info("superseded agent disconnected", "tunnel", name, "session_id", sess.id)
		return
	}
	s.releaseTunnel(name, sess)
}

// releaseTunnel deactivates name after sess gave it up, unless a newer
// registration has bound it again in the meantime.
func (s *Server) releaseTunnel(name string, sess *session) {
	s.hosts.forget(name)

	ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
	defer cancel()
	deactivated, err := s.admission.DeactivateUnless(ctx, name, func() bool {
		return s.hub.lookup(name) != nil
	})
	if err != nil && !errors.Is(err, domain.ErrTunnelNotFound) {
		s.log.Error("failed to deactivate tunnel", "tunnel", name, "err", err)
	}
	if !deactivated {
		s.log.Info("agent disconnected after tunnel was rebound", "tunnel", name, "session_id", sess.id)
		return
	}
	s.log.Info("tunnel disconnected", "tunnel", name, "session_id", sess.id)
}
