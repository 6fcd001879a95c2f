package telephony

// MediaEventType identifies a frame on a provider media stream.
type MediaEventType string

const (
	MediaStart MediaEventType = "start"
	MediaAudio MediaEventType = "media"
	MediaStop  MediaEventType = "stop"
	MediaDTMF  MediaEventType = "dtmf"
	MediaClear MediaEventType = "clear"
)

// MediaFormat declares the encoding of a media stream's audio payloads.
type MediaFormat struct {
	// Encoding is the vendor's declared codec, e.g. "audio/x-mulaw".
	Encoding   string
	SampleRate int
	Channels   int
}

// MediaFrame is one normalized message on a provider media stream. Adapters
// translate their vendor's wire format (Twilio Media Streams JSON, Telnyx
// streaming JSON) into this shape before it reaches the audio bridge.
type MediaFrame struct {
	Type MediaEventType

	// StreamID is the vendor's media stream identifier.
	StreamID string

	// ProviderCallID links the stream to its call. Set on start frames;
	// adapters carry it on subsequent frames for convenience.
	ProviderCallID string

	// Format is set on start frames.
	Format MediaFormat

	// Track identifies the audio direction on media frames: "inbound" is
	// callee speech, "outbound" is audio we sent (echoed by some vendors).
	Track string

	// Payload is raw audio bytes in the declared encoding (already
	// base64-decoded by the adapter).
	Payload []byte

	// Digit is set on dtmf frames.
	Digit string

	// Params carries custom parameters echoed from Initiate metadata.
	Params map[string]string
}

// MediaStream is the bidirectional media connection for one answered call.
// The audio bridge reads inbound frames and writes outbound audio through it;
// the adapter owns the underlying WebSocket and its wire format.
type MediaStream interface {
	// Read blocks until the next frame arrives. It returns an error when the
	// stream is closed or the transport fails; the bridge treats any read
	// error as stream end.
	Read() (MediaFrame, error)

	// WriteAudio sends one frame of audio to the vendor in the stream's
	// declared encoding.
	WriteAudio(payload []byte) error

	// Clear instructs the vendor to drop any audio it has buffered but not
	// yet played to the callee.
	Clear() error

	// Format returns the negotiated media format. Valid after the start
	// frame has been read.
	Format() MediaFormat

	// Close tears down the stream. Safe to call more than once.
	Close() error
}
