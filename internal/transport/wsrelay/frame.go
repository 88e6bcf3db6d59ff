package wsrelay

type FrameType string

const (
	FramePublish   FrameType = "publish"
	FrameSubscribe FrameType = "subscribe"
	FrameHistory   FrameType = "history"
	FrameEvent     FrameType = "event"
	FrameEOSE      FrameType = "eose" // end of stored events for a history request
	FrameOK        FrameType = "ok"
	FrameError     FrameType = "error"
)

// Frame is the single JSON message shape spoken between peers and relays.
// Envelope stays opaque bytes (base64 on the wire).
type Frame struct {
	Type     FrameType `json:"type"`
	Room     string    `json:"room,omitempty"`
	SubID    string    `json:"sub_id,omitempty"`
	Envelope []byte    `json:"envelope,omitempty"`
	Error    string    `json:"error,omitempty"`
}
