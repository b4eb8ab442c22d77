package broker

import "time"

// FrameType names a gateway frame.
type FrameType string

const (
	FramePublish           FrameType = "publish"
	FrameAck               FrameType = "ack"
	FrameSubscribe         FrameType = "subscribe"
	FrameSubscribed        FrameType = "subscribed"
	FrameMessage           FrameType = "message"
	FrameUnsubscribe       FrameType = "unsubscribe"
	FrameUnsubscribed      FrameType = "unsubscribed"
	FrameRegisterResponder FrameType = "registerResponder"
	FrameKeyRequest        FrameType = "keyRequest"
	FrameKeyResponse       FrameType = "keyResponse"
	FrameError             FrameType = "error"
)

// Frame is the JSON unit exchanged over a gateway connection. Requests carry a
// RequestID that the reply echoes. Subscription traffic is tagged with Ref, a
// name the client picks when subscribing.
type Frame struct {
	Type        FrameType    `json:"type"`
	RequestID   string       `json:"requestId,omitempty"`
	Ref         string       `json:"ref,omitempty"`
	StreamID    string       `json:"streamId,omitempty"`
	Subscriber  string       `json:"subscriber,omitempty"`
	Publisher   string       `json:"publisher,omitempty"`
	Resend      *Resend      `json:"resend,omitempty"`
	Envelope    *Envelope    `json:"envelope,omitempty"`
	KeyRequest  *KeyRequest  `json:"keyRequest,omitempty"`
	KeyResponse *KeyResponse `json:"keyResponse,omitempty"`
	Since       *time.Time   `json:"since,omitempty"`
	Error       string       `json:"error,omitempty"`
}
