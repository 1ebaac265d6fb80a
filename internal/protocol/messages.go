package protocol

import "time"

// RegisterRequest creates a new account without a voiceprint.
type RegisterRequest struct {
	RequestID string `json:"request_id,omitempty"`
	Username  string `json:"username"`
	FullName  string `json:"full_name,omitempty"`
	Email     string `json:"email,omitempty"`
	Password  string `json:"password"`
}

// EnrollRequest carries a WAV recording to turn into the account's voiceprint.
type EnrollRequest struct {
	RequestID string `json:"request_id,omitempty"`
	Username  string `json:"username"`
	Audio     []byte `json:"audio"`
}

// CheckEnrollmentRequest asks whether a usable voiceprint exists.
type CheckEnrollmentRequest struct {
	RequestID string `json:"request_id,omitempty"`
	Username  string `json:"username"`
}

// VerifyRequest carries a live WAV recording to compare against the stored voiceprint.
type VerifyRequest struct {
	RequestID string `json:"request_id,omitempty"`
	Username  string `json:"username"`
	Audio     []byte `json:"audio"`
}

// StatusResponse is the generic reply for operations without a payload.
type StatusResponse struct {
	RequestID string    `json:"request_id,omitempty"`
	OK        bool      `json:"ok"`
	Code      string    `json:"code,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// CheckEnrollmentResponse reports enrollment state; a missing account is a
// normal negative result, not an error. Code distinguishes a failed lookup
// (malformed request, storage failure) from an honest "not enrolled".
type CheckEnrollmentResponse struct {
	RequestID string    `json:"request_id,omitempty"`
	Enrolled  bool      `json:"enrolled"`
	Code      string    `json:"code,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// VerifyResponse reports the accept/reject decision plus the similarity score
// for observability.
type VerifyResponse struct {
	RequestID string    `json:"request_id,omitempty"`
	Accepted  bool      `json:"accepted"`
	Score     float64   `json:"score"`
	Code      string    `json:"code,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Error codes carried in StatusResponse.Code / VerifyResponse.Code.
const (
	CodeInvalidInput       = "invalid_input"
	CodeConflict           = "conflict"
	CodeNotFound           = "not_found"
	CodeUnprocessableAudio = "unprocessable_audio"
	CodeTooQuiet           = "too_quiet"
	CodeBackendUnavailable = "backend_unavailable"
	CodeStorageError       = "storage_error"
	CodeInternal           = "internal"
)

const (
	SubjectRegister        = "voiceauth.register"
	SubjectEnroll          = "voiceauth.enroll"
	SubjectCheckEnrollment = "voiceauth.check_enrollment"
	SubjectVerify          = "voiceauth.verify"
)
