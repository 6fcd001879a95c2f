package telephony

// RecordingStatus is the processing state of a call recording at the vendor.
type RecordingStatus string

const (
	RecordingProcessing RecordingStatus = "processing"
	RecordingReady      RecordingStatus = "ready"
	RecordingFailed     RecordingStatus = "failed"
	RecordingExpired    RecordingStatus = "expired"
)

// AuthMethod describes how a recording URL must be authenticated when fetched.
type AuthMethod string

const (
	AuthNone   AuthMethod = "none"
	AuthBasic  AuthMethod = "basic"
	AuthBearer AuthMethod = "bearer"
)

// Recording is the normalized view of a vendor call recording. Adapters must
// be able to build one from either a raw recording webhook payload or a
// previously stored URL string, so that a Recording survives a round trip
// through persistence.
type Recording struct {
	ID           string
	CallID       string
	URL          string
	Format       string
	DurationSecs int
	SizeBytes    int64
	Status       RecordingStatus
	Provider     string

	// RequiresAuth indicates the URL is not publicly fetchable.
	RequiresAuth bool
	AuthMethod   AuthMethod
}
