// ABOUTME: Session lifecycle status enum and classification helpers.
// ABOUTME: Status strings are part of the webhook payload contract.

package session

// Status is a session's lifecycle state. The string values appear verbatim
// in session.status event payloads and persisted snapshots.
type Status string

const (
	StatusCreated      Status = "CREATED"
	StatusStarting     Status = "STARTING"
	StatusScanQRCode   Status = "SCAN_QR_CODE"
	StatusConnected    Status = "CONNECTED"
	StatusReconnecting Status = "RECONNECTING"
	StatusFailed       Status = "FAILED"
	StatusStopped      Status = "STOPPED"
)

// startable reports whether Start is valid from this state.
func (s Status) startable() bool {
	return s == StatusCreated || s == StatusStopped
}

// live reports whether a transport may be associated with this state.
func (s Status) live() bool {
	switch s {
	case StatusStarting, StatusScanQRCode, StatusConnected, StatusReconnecting:
		return true
	default:
		return false
	}
}
