package protocol

// ErrorTag is a member of the closed error taxonomy from spec §6. Every
// ERROR frame carries exactly one.
type ErrorTag string

const (
	ErrInvalidAPIKey         ErrorTag = "INVALID_API_KEY"
	ErrRateLimitExceeded     ErrorTag = "RATE_LIMIT_EXCEEDED"
	ErrSessionExpired        ErrorTag = "SESSION_EXPIRED"
	ErrInvalidToken          ErrorTag = "INVALID_TOKEN"
	ErrNotAuthenticated      ErrorTag = "NOT_AUTHENTICATED"
	ErrAuthError             ErrorTag = "AUTH_ERROR"
	ErrInvalidMessage        ErrorTag = "INVALID_MESSAGE"
	ErrInvalidMessageType    ErrorTag = "INVALID_MESSAGE_TYPE"
	ErrMessageTooLarge       ErrorTag = "MESSAGE_TOO_LARGE"
	ErrQueueFull             ErrorTag = "QUEUE_FULL"
	ErrProcessingError       ErrorTag = "PROCESSING_ERROR"
	ErrConnectionLimitReached ErrorTag = "CONNECTION_LIMIT_REACHED"
	ErrConnectionClosed      ErrorTag = "CONNECTION_CLOSED"
	ErrConnectionError       ErrorTag = "CONNECTION_ERROR"
	ErrScanAlreadyActive     ErrorTag = "SCAN_ALREADY_ACTIVE"
	ErrScanNotActive         ErrorTag = "SCAN_NOT_ACTIVE"
	ErrDeviceNotFound        ErrorTag = "DEVICE_NOT_FOUND"
	ErrAlreadyConnected      ErrorTag = "ALREADY_CONNECTED"
	ErrNotConnected          ErrorTag = "NOT_CONNECTED"
	ErrInvalidParams         ErrorTag = "INVALID_PARAMS"
	ErrOperationFailed       ErrorTag = "OPERATION_FAILED"
	ErrBLENotAvailable       ErrorTag = "BLE_NOT_AVAILABLE"
)

// ErrorBand classifies an ErrorTag into one of the four propagation bands
// from spec §7, used by the ingress pipeline to decide whether a session
// survives the error and whether a guarded CircuitBreaker should observe it.
type ErrorBand int

const (
	BandAdmission ErrorBand = iota
	BandProtocol
	BandAuth
	BandOperational
)

var bandByTag = map[ErrorTag]ErrorBand{
	ErrConnectionLimitReached: BandAdmission,
	ErrMessageTooLarge:        BandAdmission,
	ErrRateLimitExceeded:      BandAdmission,

	ErrInvalidMessage:     BandProtocol,
	ErrInvalidMessageType: BandProtocol,
	ErrInvalidParams:      BandProtocol,

	ErrInvalidAPIKey:    BandAuth,
	ErrInvalidToken:     BandAuth,
	ErrSessionExpired:   BandAuth,
	ErrNotAuthenticated: BandAuth,
	ErrAuthError:        BandAuth,

	ErrProcessingError: BandOperational,
	ErrOperationFailed: BandOperational,
	ErrConnectionError: BandOperational,
	ErrBLENotAvailable: BandOperational,
}

// Band returns the propagation band for tag, defaulting to BandOperational
// for the remaining device-domain tags (SCAN_*, DEVICE_NOT_FOUND,
// ALREADY_CONNECTED, NOT_CONNECTED, QUEUE_FULL, CONNECTION_CLOSED) which are
// all produced by guarded, opaque-sink handler paths.
func (t ErrorTag) Band() ErrorBand {
	if b, ok := bandByTag[t]; ok {
		return b
	}
	return BandOperational
}

// ErrorPayload is the Data shape of an ERROR frame.
type ErrorPayload struct {
	Message string `json:"message,omitempty"`
}

// NewError builds an ERROR Message. message is informational only per
// spec §9 (the "message field is sometimes empty" open question); clients
// must key off Code, never Data.Message.
func NewError(code ErrorTag, message string) *Message {
	m, _ := New(TagError, ErrorPayload{Message: message})
	m.Code = code
	return m
}
