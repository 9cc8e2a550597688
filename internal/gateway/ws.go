package gateway

import (
	"errors"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/ocmt/backend/internal/errdefs"
	"github.com/ocmt/backend/internal/vault"
)

// Websocket actions the unlock channel accepts. The control plane bridge
// splices an operator onto this socket; password material therefore only
// ever travels operator -> bridge -> gateway, never through a relay.
const (
	ActionStatus         = "status"
	ActionInitialize     = "initialize"
	ActionUnlock         = "unlock"
	ActionLock           = "lock"
	ActionExtend         = "extend"
	ActionRotatePassword = "rotate-password"
)

// wsCommand is one operator request frame.
type wsCommand struct {
	Action      string `json:"action"`
	Password    string `json:"password,omitempty"`
	NewPassword string `json:"newPassword,omitempty"`
}

// wsReply answers every command frame. Kind carries the errdefs kind so the
// operator UI can distinguish a wrong password from a locked vault.
type wsReply struct {
	Action string        `json:"action"`
	OK     bool          `json:"ok"`
	Status *vault.Status `json:"status,omitempty"`
	Error  string        `json:"error,omitempty"`
	Kind   string        `json:"kind,omitempty"`
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	conn.SetReadLimit(s.maxBody)

	for {
		var cmd wsCommand
		if err := conn.ReadJSON(&cmd); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("unlock socket closed", "error", err)
			}
			return
		}
		reply := s.dispatch(cmd)
		if err := conn.WriteJSON(reply); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(cmd wsCommand) wsReply {
	var err error
	switch cmd.Action {
	case ActionStatus:
	case ActionInitialize:
		if err = s.vault.Initialize(cmd.Password); err == nil && s.onUnlock != nil {
			s.onUnlock()
		}
	case ActionUnlock:
		if err = s.vault.Unlock(cmd.Password); err == nil && s.onUnlock != nil {
			s.onUnlock()
		}
	case ActionLock:
		s.vault.Lock()
	case ActionExtend:
		err = s.vault.Extend()
	case ActionRotatePassword:
		err = s.vault.RotateVaultKey(cmd.Password, cmd.NewPassword)
	default:
		err = errdefs.Newf(errdefs.KindInvalidInput, "unknown action %q", cmd.Action)
	}

	reply := wsReply{Action: cmd.Action, OK: err == nil}
	if err != nil {
		reply.Error = err.Error()
		reply.Kind = string(errdefs.KindOf(err))
		var classified *errdefs.Error
		if errors.As(err, &classified) {
			reply.Error = classified.Message
		}
		return reply
	}
	st := s.vault.Status()
	reply.Status = &st
	return reply
}
