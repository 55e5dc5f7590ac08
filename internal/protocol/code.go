package protocol

// Code names the purpose of an envelope.
type Code string

// Inbound request codes. Each is answered with an envelope of the same code.
const (
	CodePing        Code = "ping"
	CodeLogin       Code = "login"
	CodeProxy       Code = "proxy"
	CodeDeviceData  Code = "device_data"
	CodeDeviceSub   Code = "device_sub"
	CodeDeviceUnsub Code = "device_unsub"
	CodeSendOutput  Code = "send_output"
	CodeSendCommand Code = "send_command"
)

// Outbound-only codes.
const (
	CodeWelcome       Code = "welcome"
	CodeError         Code = "error"
	CodeData          Code = "data"
	CodeDevice        Code = "device"
	CodeDeviceStatus  Code = "device_status"
	CodeDeviceEvent   Code = "device_event"
	CodeOutputResult  Code = "output_result"
	CodeCommandResult Code = "command_result"
)

var inboundCodes = []Code{
	CodePing,
	CodeLogin,
	CodeProxy,
	CodeDeviceData,
	CodeDeviceSub,
	CodeDeviceUnsub,
	CodeSendOutput,
	CodeSendCommand,
}

// InboundCodes returns every request code a client may send.
func InboundCodes() []Code {
	out := make([]Code, len(inboundCodes))
	copy(out, inboundCodes)
	return out
}

// Inbound reports whether c is a request code.
func (c Code) Inbound() bool {
	for _, in := range inboundCodes {
		if c == in {
			return true
		}
	}
	return false
}

// Denied is the payload replied when a request is refused: 0 for device
// and login requests, a failed Result for actions.
func (c Code) Denied(message string) any {
	switch c {
	case CodeSendOutput, CodeSendCommand, CodeOutputResult, CodeCommandResult:
		return Result{Message: message, Result: false}
	case CodeProxy, CodeError:
		return Result{Message: message}
	default:
		return 0
	}
}
