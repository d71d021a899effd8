// Package schema defines the canonical data model for the outgoing-message pipeline.
package schema

// SendState tracks an outgoing event's progress through the delivery pipeline.
type SendState string

const (
	// SendStateUnsent marks a freshly created or reset local echo.
	SendStateUnsent SendState = "UNSENT"
	// SendStateEncrypting marks an echo whose content is being encrypted.
	SendStateEncrypting SendState = "ENCRYPTING"
	// SendStateSending marks an echo whose network send is queued or in flight.
	SendStateSending SendState = "SENDING"
	// SendStateSent marks an echo acknowledged by the server but not yet seen via sync.
	SendStateSent SendState = "SENT"
	// SendStateSynced marks an echo confirmed by the sync stream.
	SendStateSynced SendState = "SYNCED"
	// SendStateUndelivered marks a terminal delivery failure.
	SendStateUndelivered SendState = "UNDELIVERED"
	// SendStateFailedUnknownDevices marks a terminal encryption failure caused by unverified devices.
	SendStateFailedUnknownDevices SendState = "FAILED_UNKNOWN_DEVICES"
)

// Valid reports whether s is a known send state.
func (s SendState) Valid() bool {
	switch s {
	case SendStateUnsent, SendStateEncrypting, SendStateSending, SendStateSent,
		SendStateSynced, SendStateUndelivered, SendStateFailedUnknownDevices:
		return true
	default:
		return false
	}
}

// IsInProgress reports whether the echo is still moving through the pipeline.
func (s SendState) IsInProgress() bool {
	switch s {
	case SendStateUnsent, SendStateEncrypting, SendStateSending:
		return true
	default:
		return false
	}
}

// HasFailed reports whether the echo reached a terminal failure state.
func (s SendState) HasFailed() bool {
	return s == SendStateUndelivered || s == SendStateFailedUnknownDevices
}

// IsConfirmed reports whether the server acknowledged the event.
func (s SendState) IsConfirmed() bool {
	return s == SendStateSent || s == SendStateSynced
}

// FailureStates lists the terminal failure states used by bulk resend/cancel queries.
func FailureStates() []SendState {
	return []SendState{SendStateUndelivered, SendStateFailedUnknownDevices}
}

// PendingStates lists the in-progress states counted by the room sending summary.
func PendingStates() []SendState {
	return []SendState{SendStateUnsent, SendStateEncrypting, SendStateSending}
}
