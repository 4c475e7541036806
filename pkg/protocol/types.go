package protocol

import "encoding/json"

const (
	EventSubscribe = "subscribe"

	// Upstream message types
	MessageTypeData      = "A"
	MessageTypeHeartbeat = "H"
	MessageTypeInfo      = "I"
	MessageTypeError     = "E"

	ServiceCrypto = "crypto_data"
)

// Handshake is sent once per upstream connection, as soon as it opens.
type Handshake struct {
	EventName     string        `json:"eventName"`
	Authorization string        `json:"authorization"`
	EventData     HandshakeData `json:"eventData"`
}

// HandshakeData carries the detail level; lower values request more granular events.
type HandshakeData struct {
	ThresholdLevel int `json:"thresholdLevel"`
}

func NewHandshake(token string, thresholdLevel int) Handshake {
	return Handshake{
		EventName:     EventSubscribe,
		Authorization: token,
		EventData:     HandshakeData{ThresholdLevel: thresholdLevel},
	}
}

// TradeFrame is the upstream envelope. Data stays raw so the decoder can
// validate it against a schema instead of trusting positions blindly.
type TradeFrame struct {
	Service     string          `json:"service,omitempty"`
	MessageType string          `json:"messageType"`
	Data        json.RawMessage `json:"data,omitempty"`
	Response    *FrameResponse  `json:"response,omitempty"`
}

// FrameResponse accompanies info and error frames.
type FrameResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}
