package api

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/symgrid/iot-cloud-apps/internal/action"
	"github.com/symgrid/iot-cloud-apps/internal/directory"
	"github.com/symgrid/iot-cloud-apps/internal/protocol"
)

// requestTimeout bounds the directory and store calls of one request.
const requestTimeout = 10 * time.Second

// Reply messages.
const (
	msgNotLoggedIn   = "Not logged in"
	msgNotPermitted  = "Not permitted to operation on this device"
	msgInvalidDevice = "Invalid device id"
)

// actionTarget is the part of an action payload the session inspects.
type actionTarget struct {
	Device string `json:"device"`
}

// handleFrame answers one inbound frame.
func (s *Session) handleFrame(ctx context.Context, frame []byte) {
	req, err := protocol.ParseRequest(frame)
	if err != nil {
		s.logger.Debug("malformed request", "error", err)
		s.reply(protocol.ErrorReply(req.ID, err.Error()))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	switch req.Code {
	case protocol.CodePing:
		s.reply(protocol.Reply(req, nil))
	case protocol.CodeLogin:
		s.handleLogin(ctx, req)
	case protocol.CodeProxy:
		s.handleProxy(ctx, req)
	case protocol.CodeDeviceData:
		s.handleDeviceData(ctx, req)
	case protocol.CodeDeviceSub:
		s.handleDeviceSub(ctx, req)
	case protocol.CodeDeviceUnsub:
		s.handleDeviceUnsub(req)
	case protocol.CodeSendOutput, protocol.CodeSendCommand:
		s.handleAction(ctx, req)
	}
}

func (s *Session) reply(env protocol.Envelope) {
	if err := s.Send(env); err != nil {
		s.logger.Debug("reply dropped", "code", env.Code, "error", err)
	}
}

func (s *Session) deny(req protocol.Request, message string) {
	s.reply(protocol.Reply(req, req.Code.Denied(message)))
}

func (s *Session) handleLogin(ctx context.Context, req protocol.Request) {
	var token string
	if err := json.Unmarshal(req.Data, &token); err != nil || token == "" {
		s.deny(req, "Invalid auth code")
		return
	}

	user, err := s.server.dir.GetUser(ctx, token)
	if err != nil {
		s.logger.Info("login rejected", "error", err)
		s.deny(req, "Login failed")
		return
	}

	s.auth = token
	s.logger.Info("login succeeded")
	s.reply(protocol.Reply(req, user))
}

func (s *Session) handleProxy(ctx context.Context, req protocol.Request) {
	var preq directory.ProxyRequest
	if err := json.Unmarshal(req.Data, &preq); err != nil {
		s.reply(protocol.ErrorReply(req.ID, "invalid proxy request"))
		return
	}
	if s.auth == "" && preq.Auth == "" && preq.AuthHeader == "" {
		s.deny(req, msgNotLoggedIn)
		return
	}

	resp, err := s.server.dir.Proxy(ctx, s.auth, preq)
	if err != nil {
		s.logger.Warn("proxy request failed", "url", preq.URL, "error", err)
		s.deny(req, err.Error())
		return
	}
	s.reply(protocol.Reply(req, resp))
}

// permitted reports whether the logged-in user may access device.
func (s *Session) permitted(ctx context.Context, device string) bool {
	if s.auth == "" || device == "" {
		return false
	}
	ok, err := s.server.dir.AccessDevice(ctx, s.auth, device)
	if err != nil {
		s.logger.Warn("device access check failed", "device", device, "error", err)
		return false
	}
	return ok
}

func deviceArg(req protocol.Request) string {
	var device string
	if err := json.Unmarshal(req.Data, &device); err != nil {
		return ""
	}
	return device
}

// snapshot replies with the current live values of device, or 0.
// snapshot replies with device's current live values. It reports whether
// the query succeeded.
func (s *Session) snapshot(ctx context.Context, req protocol.Request, device string) bool {
	values, err := s.server.state.Query(ctx, device)
	if err != nil {
		s.logger.Warn("device query failed", "device", device, "error", err)
		s.deny(req, err.Error())
		return false
	}
	s.reply(protocol.Reply(req, values))
	return true
}

func (s *Session) handleDeviceData(ctx context.Context, req protocol.Request) {
	device := deviceArg(req)
	if !s.permitted(ctx, device) {
		s.deny(req, msgNotPermitted)
		return
	}
	s.snapshot(ctx, req, device)
}

func (s *Session) handleDeviceSub(ctx context.Context, req protocol.Request) {
	device := deviceArg(req)
	if !s.permitted(ctx, device) {
		s.deny(req, msgNotPermitted)
		return
	}
	// The snapshot goes out before any push for the device can.
	if !s.snapshot(ctx, protocol.Request{ID: req.ID, Code: protocol.CodeDeviceData}, device) {
		return
	}
	if err := s.server.subs.Subscribe(s, device); err != nil {
		s.logger.Warn("device subscribe failed", "device", device, "error", err)
		s.deny(req, err.Error())
		return
	}
	s.reply(protocol.Reply(req, 1))
}

func (s *Session) handleDeviceUnsub(req protocol.Request) {
	if device := deviceArg(req); device != "" {
		s.server.subs.Unsubscribe(s, device)
	}
	s.reply(protocol.Reply(req, 1))
}

func (s *Session) handleAction(ctx context.Context, req protocol.Request) {
	kind, _ := action.KindForCode(req.Code)
	if s.auth == "" {
		s.deny(req, msgNotLoggedIn)
		return
	}

	var target actionTarget
	if err := json.Unmarshal(req.Data, &target); err != nil || target.Device == "" {
		s.deny(req, msgInvalidDevice)
		return
	}
	if !s.permitted(ctx, target.Device) {
		s.deny(req, msgNotPermitted)
		return
	}

	_, err := s.server.actions.Submit(ctx, action.Request{
		Kind:    kind,
		Auth:    s.auth,
		Payload: req.Data,
		ReplyID: req.ID,
		Client:  s,
	})
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.logger.Warn("action submit failed", "device", target.Device, "error", err)
		}
		return
	}
	s.reply(protocol.Reply(req, protocol.Result{Message: kind.Acknowledgement(), Result: true}))
}
