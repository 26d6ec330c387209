package protocol

import "encoding/json"

// Protocol version spoken over the backend link.
const Version = 3

// Message types exchanged as JSON text frames.
const (
	TypeHello  = "hello"
	TypeListen = "listen"
	TypeSTT    = "stt"
	TypeTTS    = "tts"
	TypeMCP    = "mcp"
	TypeAbort  = "abort"
)

// Listen states.
const (
	ListenDetect = "detect"
	ListenStart  = "start"
	ListenStop   = "stop"
)

// TTS states.
const (
	TTSStart         = "start"
	TTSSentenceStart = "sentence_start"
	TTSStop          = "stop"
)

// ctrlMarker prefixes TTS sentence chunks that are backend control signals
// rather than answer text (emoji cues, stage directions). They are never
// surfaced to consumers.
const ctrlMarker = "%"

// AudioParams describes the uplink audio format advertised in the hello
// handshake.
type AudioParams struct {
	Format        string `json:"format"`
	SampleRate    int    `json:"sample_rate"`
	Channels      int    `json:"channels"`
	FrameDuration int    `json:"frame_duration"`
}

// Features advertises optional capabilities in the hello handshake.
type Features struct {
	MCP bool `json:"mcp"`
}

// Hello is the handshake message, sent by the client after every connect and
// answered by the server with its own hello carrying the session id.
type Hello struct {
	Type        string      `json:"type"`
	Version     int         `json:"version"`
	Transport   string      `json:"transport"`
	Features    Features    `json:"features"`
	AudioParams AudioParams `json:"audio_params"`
	SessionID   string      `json:"session_id,omitempty"`
}

// Listen starts, stops, or short-circuits a recognition turn. A detect
// message with Source "text" submits already-recognized text directly.
type Listen struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	State     string `json:"state"`
	Mode      string `json:"mode,omitempty"`
	Text      string `json:"text,omitempty"`
	Source    string `json:"source,omitempty"`
	Language  string `json:"language,omitempty"`
}

// Abort asks the server to cancel in-flight synthesis.
type Abort struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Envelope is the decoded shape of any inbound text frame. Only the fields
// relevant to the frame's type are set.
type Envelope struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	State     string          `json:"state,omitempty"`
	Text      string          `json:"text,omitempty"`
	Transport string          `json:"transport,omitempty"`
	Version   int             `json:"version,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// MCPEnvelope wraps one JSON-RPC message for the multiplexed tool framing.
type MCPEnvelope struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}
