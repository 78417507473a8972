package domain

import "fmt"

// FailureKind groups failures by remediation path.
type FailureKind string

const (
	// FailureAcquisition: camera/mic/screen could not be obtained. Needs user action.
	FailureAcquisition FailureKind = "acquisition"
	// FailureNegotiation: missing or malformed offer/answer, incompatible peer.
	FailureNegotiation FailureKind = "negotiation"
	// FailureConnectivity: ICE could not (re)establish a path within budget.
	FailureConnectivity FailureKind = "connectivity"
	// FailureSignaling: the relay transport was lost and did not come back.
	FailureSignaling FailureKind = "signaling"
)

// Failure codes
const (
	CodePermissionDenied = "permission_denied"
	CodeDeviceNotFound   = "device_not_found"
	CodeDeviceBusy       = "device_busy"
	CodeUnknown          = "unknown"
	CodeTimeout          = "timeout"
	CodeNoAnswer         = "no_answer"
	CodeNoOffer          = "no_offer"
	CodeBadDescription   = "bad_description"
	CodeICEFailed        = "ice_failed"
	CodeRetryExhausted   = "retry_exhausted"
	CodeChannelLost      = "channel_lost"
	CodeJoinFailed       = "join_failed"
	CodeConnection       = "connection_setup"
)

// Failure is the structured reason attached to a Failed call.
type Failure struct {
	Kind    FailureKind `json:"kind"`
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Err     error       `json:"-"`
}

// NewFailure builds a failure, using err's text as the message when none is given.
func NewFailure(kind FailureKind, code string, err error) *Failure {
	f := &Failure{Kind: kind, Code: code, Err: err}
	if err != nil {
		f.Message = err.Error()
	}
	return f
}

func (f *Failure) Error() string {
	if f.Message == "" {
		return fmt.Sprintf("%s failure (%s)", f.Kind, f.Code)
	}
	return fmt.Sprintf("%s failure (%s): %s", f.Kind, f.Code, f.Message)
}

func (f *Failure) Unwrap() error {
	return f.Err
}
