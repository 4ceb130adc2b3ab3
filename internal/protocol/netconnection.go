package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/atalii/ac-mon/internal/domain"
)

const DialectNetConnection = "netconnection"

// NetConnection status codes and methods observed on the platform socket.
const (
	codeConnectSuccess = "NetConnection.Connect.Success"
	codeConnectClosed  = "NetConnection.Connect.Closed"
	codeConnectPrefix  = "NetConnection.Connect."

	methodHeartbeat = "heartbeat"
	methodOnCommand = "onCommand"
	commandLogin    = "loginHandler"

	loginAccepted  = "accepted"
	loginBlocked   = "blocked"
	loginTimedOut  = "connectionTimedOut"
	startHeartbeat = `{"type":"WSFunc","method":"startHeartbeat","value":true}`
)

// NetConnectionCodec speaks the platform's browser-client RPC: an NCFunc
// connect call carrying the ticket, then onCommand pushes.
type NetConnectionCodec struct {
	RTMPURL string
	SWFURL  string
}

type ncConnect struct {
	Type   string       `json:"type"`
	Method string       `json:"method"`
	URL    string       `json:"url"`
	Params ncConnParams `json:"params"`
}

type ncConnParams struct {
	Ticket       string `json:"ticket"`
	Reconnection bool   `json:"reconnection"`
	SWFURL       string `json:"swfUrl"`
	Recording    bool   `json:"Recording"`
}

// ncInbound keeps every field raw; each is decoded only once the message
// is one we handle.
type ncInbound struct {
	Method  json.RawMessage `json:"method"`
	Command json.RawMessage `json:"command"`
	Params  json.RawMessage `json:"params"`
	Status  json.RawMessage `json:"status"`
}

type ncStatus struct {
	Code string `json:"code"`
}

type ncLoginParams struct {
	Arg0 *struct {
		Command *string `json:"command"`
	} `json:"arg_0"`
}

func (NetConnectionCodec) Dialect() string { return DialectNetConnection }

func (c NetConnectionCodec) EncodeJoin(req JoinRequest) ([]byte, error) {
	if req.Ticket == nil || req.Ticket.Token == "" {
		return nil, fmt.Errorf("%w: empty ticket", domain.ErrJoinRejected)
	}
	origin := req.Ticket.Value(domain.ValueOrigin)
	app := req.Ticket.Value(domain.ValueAppInstance)
	if origin == "" || app == "" {
		return nil, fmt.Errorf("%w: ticket lacks origin or app instance", domain.ErrJoinRejected)
	}

	msg := ncConnect{
		Type:   "NCFunc",
		Method: "connect",
		URL:    fmt.Sprintf("%s?rtmp://%s/meetingas3app/%s/", c.RTMPURL, origin, app),
		Params: ncConnParams{
			Ticket:       req.Ticket.Token,
			Reconnection: false,
			SWFURL:       fmt.Sprintf("%s?timestamp=%d", c.SWFURL, req.Now.UnixMilli()),
			Recording:    false,
		},
	}
	return json.Marshal(msg)
}

func (NetConnectionCodec) AfterJoin() [][]byte {
	return [][]byte{[]byte(startHeartbeat)}
}

// EncodeLeave returns nil: the browser client leaves by closing the socket.
func (NetConnectionCodec) EncodeLeave(string, uint64) ([]byte, error) {
	return nil, nil
}

func (NetConnectionCodec) Decode(data []byte) (Frame, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, fmt.Errorf("%w: empty message", domain.ErrProtocol)
	}

	var in ncInbound
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("%w: invalid rpc: %v", domain.ErrProtocol, err)
	}

	method, ok := rawString(in.Method)
	if !ok {
		return Unknown{Type: "method:" + string(in.Method), Raw: data}, nil
	}

	if len(in.Status) > 0 && method == "" {
		var status ncStatus
		if err := json.Unmarshal(in.Status, &status); err != nil {
			return Unknown{Type: "status", Raw: data}, nil
		}
		switch code := status.Code; {
		case code == codeConnectSuccess:
			return JoinAck{}, nil
		case code == codeConnectClosed:
			return SessionEnded{Reason: code}, nil
		case strings.HasPrefix(code, codeConnectPrefix):
			return JoinReject{Reason: code}, nil
		default:
			return Unknown{Type: "status:" + code, Raw: data}, nil
		}
	}

	switch method {
	case methodHeartbeat:
		return Keepalive{}, nil
	case methodOnCommand:
		command, ok := rawString(in.Command)
		if !ok || command != commandLogin {
			return Unknown{Type: "command:" + string(in.Command), Raw: data}, nil
		}
		return decodeLogin(in.Params)
	default:
		return Unknown{Type: "method:" + method, Raw: data}, nil
	}
}

// rawString decodes an optional JSON string. Absent and null read as "".
func rawString(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

func decodeLogin(raw json.RawMessage) (Frame, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: loginHandler without params", domain.ErrProtocol)
	}
	var p ncLoginParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: invalid loginHandler params: %v", domain.ErrProtocol, err)
	}
	if p.Arg0 == nil || p.Arg0.Command == nil {
		return nil, fmt.Errorf("%w: loginHandler without arg_0.command", domain.ErrProtocol)
	}

	var access domain.Access
	switch *p.Arg0.Command {
	case loginTimedOut:
		return SessionEnded{Reason: loginTimedOut}, nil
	case loginAccepted:
		access = domain.AccessOpen
	case loginBlocked:
		access = domain.AccessBlocked
	default:
		access = domain.AccessClosed
	}
	return StatusUpdate{Access: &access}, nil
}
