// Package signal implements the peer-facing signaling protocol: a duplex
// correlated request/response channel over websocket and the handlers that
// translate requests into venue/client operations.
package signal

import "encoding/json"

// Frame is one raw wire frame.
type Frame []byte

// Subject names one kind of message or request. The sets below are closed;
// a new subject means a new constant and a new arm in the dispatch switch.
type Subject string

// Request subjects (peer → server).
const (
	SubGetClientState           Subject = "getClientState"
	SubSetRTPCapabilities       Subject = "setRtpCapabilities"
	SubSetName                  Subject = "setName"
	SubCreateGathering          Subject = "createGathering"
	SubJoinGathering            Subject = "joinGathering"
	SubFindGatheringByName      Subject = "findGatheringByName"
	SubGetGatheringState        Subject = "getGatheringState"
	SubCreateRoom               Subject = "createRoom"
	SubJoinRoom                 Subject = "joinRoom"
	SubLeaveRoom                Subject = "leaveRoom"
	SubFindRoomByName           Subject = "findRoomByName"
	SubGetRouterRTPCapabilities Subject = "getRouterRtpCapabilities"
	SubCreateSendTransport      Subject = "createSendTransport"
	SubCreateReceiveTransport   Subject = "createReceiveTransport"
	SubConnectTransport         Subject = "connectTransport"
	SubCreateProducer           Subject = "createProducer"
	SubCreateConsumer           Subject = "createConsumer"
	SubNotifyPauseResume        Subject = "notifyPauseResume"
	SubNotifyCloseEvent         Subject = "notifyCloseEvent"
	SubAssignMainProducerToRoom Subject = "assignMainProducerToRoom"
	SubUpdateTransform          Subject = "updateTransform"
)

// Message subjects (server → peer notifications).
const (
	MsgNotifyCloseEvent      Subject = "notifyCloseEvent"
	MsgNotifyPauseResume     Subject = "notifyPauseResume"
	MsgClientStateUpdated    Subject = "clientStateUpdated"
	MsgGatheringStateUpdated Subject = "gatheringStateUpdated"
	MsgClientAddedOrRemoved  Subject = "clientAddedOrRemoved"
	MsgGatheringWasUnloaded  Subject = "gatheringWasUnloaded"
	MsgClientTransforms      Subject = "clientTransforms"
)

// Message is fire-and-forget: no id, no reply expected.
type Message struct {
	Subject Subject         `json:"subject"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Request carries a caller-assigned correlation id, unique per outstanding
// request on the channel.
type Request struct {
	ID      int64           `json:"id"`
	Subject Subject         `json:"subject"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Response echoes the originating request id. WasSuccess false is a
// domain-level failure with Message set; it is not a transport failure.
type Response struct {
	ID         int64           `json:"id"`
	IsResponse bool            `json:"isResponse"`
	WasSuccess bool            `json:"wasSuccess"`
	Data       json.RawMessage `json:"data,omitempty"`
	Message    string          `json:"message,omitempty"`
}

// envelope is the superset shape used to classify inbound frames.
type envelope struct {
	ID         *int64          `json:"id,omitempty"`
	IsResponse bool            `json:"isResponse,omitempty"`
	WasSuccess bool            `json:"wasSuccess,omitempty"`
	Subject    Subject         `json:"subject,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	Message    string          `json:"message,omitempty"`
}
