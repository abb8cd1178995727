// Package protocol implements the CIM wire protocol: command codes, the
// request and response envelopes, their protobuf encoding and the
// varint32 length-prefixed framing used on every TCP connection.
package protocol

import (
	"fmt"
	"strconv"
	"strings"

	"cim/errs"
)

// Command is the envelope type code.
type Command int32

const (
	Login Command = iota + 1
	Ping
	Pong
	Msg
	Group
	P2P
	Ack
	Close
)

// DefaultMaxFrameSize caps the length prefix of an incoming frame.
const DefaultMaxFrameSize = 1 << 20

// PingMessage is the reqMsg carried by heartbeats.
const PingMessage = "ping"

// Reasons carried by the CLOSE frames a relay sends.
const (
	CloseTimeout  = "timeout"
	CloseReplaced = "replaced"
	CloseRevoked  = "revoked"
	CloseShutdown = "shutdown"
)

var commandNames = map[Command]string{
	Login: "LOGIN",
	Ping:  "PING",
	Pong:  "PONG",
	Msg:   "MSG",
	Group: "GROUP",
	P2P:   "P2P",
	Ack:   "ACK",
	Close: "CLOSE",
}

func (c Command) Valid() bool {
	return c >= Login && c <= Close
}

func (c Command) String() string {
	if name, ok := commandNames[c]; ok {
		return name
	}
	return "UNKNOWN(" + strconv.Itoa(int(c)) + ")"
}

// Request is sent by clients, and by relays when they push MSG frames or
// forward to another relay. RequestID carries the origin userId.
type Request struct {
	RequestID int64
	ReqMsg    string
	Type      Command
}

// Response is sent by relays: PONG, ACK and CLOSE.
type Response struct {
	ResponseID int64
	ResMsg     string
	Type       Command
}

func (r Request) String() string {
	return fmt.Sprintf("%s(id=%d, msg=%q)", r.Type, r.RequestID, r.ReqMsg)
}

func (r Response) String() string {
	return fmt.Sprintf("%s(id=%d, msg=%q)", r.Type, r.ResponseID, r.ResMsg)
}

// Request and Response share field numbers, so one can stand in for the other.
func (r Request) AsResponse() Response {
	return Response{ResponseID: r.RequestID, ResMsg: r.ReqMsg, Type: r.Type}
}

func (r Response) AsRequest() Request {
	return Request{RequestID: r.ResponseID, ReqMsg: r.ResMsg, Type: r.Type}
}

const (
	p2pSeparator   = ";;"
	groupSeparator = ":"
)

// FormatP2P builds the "<receiverId>;;<text>" payload.
func FormatP2P(receiverID int64, text string) string {
	return strconv.FormatInt(receiverID, 10) + p2pSeparator + text
}

// ParseP2P splits a "<receiverId>;;<text>" payload.
func ParseP2P(payload string) (receiverID int64, text string, err error) {
	parts := strings.SplitN(payload, p2pSeparator, 2)
	if len(parts) != 2 {
		return 0, "", fmt.Errorf("p2p payload %q: missing %q", payload, p2pSeparator)
	}
	receiverID, err = strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("p2p payload %q: bad receiver id: %v", payload, err)
	}
	return receiverID, parts[1], nil
}

// IsP2P reports whether a line of user input addresses a single receiver.
func IsP2P(line string) bool {
	_, _, err := ParseP2P(line)
	return err == nil
}

// FormatGroup builds the "<groupId>:<text>" payload.
func FormatGroup(groupID int64, text string) string {
	return strconv.FormatInt(groupID, 10) + groupSeparator + text
}

// ParseGroup splits a "<groupId>:<text>" payload.
func ParseGroup(payload string) (groupID int64, text string, err error) {
	parts := strings.SplitN(payload, groupSeparator, 2)
	if len(parts) != 2 {
		return 0, "", fmt.Errorf("group payload %q: missing %q", payload, groupSeparator)
	}
	groupID, err = strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("group payload %q: bad group id: %v", payload, err)
	}
	return groupID, parts[1], nil
}

// AckMessage formats the resMsg of an ACK: "<code>" or "<code>:<detail>".
func AckMessage(code int, detail string) string {
	if detail == "" {
		return strconv.Itoa(code)
	}
	return strconv.Itoa(code) + ":" + detail
}

// ParseAck is the inverse of AckMessage.
func ParseAck(msg string) (code int, detail string, err error) {
	head, detail, _ := strings.Cut(msg, ":")
	code, err = strconv.Atoi(head)
	if err != nil {
		return 0, "", fmt.Errorf("%w: ack %q", errs.ErrMalformedFrame, msg)
	}
	return code, detail, nil
}

// AckError turns an ACK resMsg into nil or the matching error kind.
func AckError(msg string) error {
	code, detail, err := ParseAck(msg)
	if err != nil {
		return err
	}
	return errs.FromCode(code, detail)
}

// GroupSummary is the detail of a GROUP acknowledgement.
type GroupSummary struct {
	Delivered int
	Offline   int
}

func (s GroupSummary) String() string {
	return fmt.Sprintf("delivered=%d,offline=%d", s.Delivered, s.Offline)
}

func ParseGroupSummary(detail string) (GroupSummary, error) {
	var s GroupSummary
	if _, err := fmt.Sscanf(detail, "delivered=%d,offline=%d", &s.Delivered, &s.Offline); err != nil {
		return s, fmt.Errorf("group summary %q: %v", detail, err)
	}
	return s, nil
}
