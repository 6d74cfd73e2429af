package workout

// Origin tags every mutation of the session tree with its cause. Animation
// and persistence decisions branch on it.
type Origin int

const (
	// OriginLocalGesture is a completion or undo performed on this device.
	OriginLocalGesture Origin = iota + 1
	// OriginRemoteSync is a change received from the change feed.
	OriginRemoteSync
	// OriginRestore is state installed from a full fetch.
	OriginRestore
	// OriginUserNavigation is a focus change the user asked for.
	OriginUserNavigation
	// OriginAutoAdvance is a focus change following a local completion.
	OriginAutoAdvance
)

func (o Origin) String() string {
	switch o {
	case OriginLocalGesture:
		return "local_gesture"
	case OriginRemoteSync:
		return "remote_sync"
	case OriginRestore:
		return "restore"
	case OriginUserNavigation:
		return "user_navigation"
	case OriginAutoAdvance:
		return "auto_advance"
	default:
		return "unknown"
	}
}

// persistsFocus reports whether a focus change with this origin is written
// back to last_focus_ref. Restored and remote focus never is, which keeps
// devices from echoing focus at each other.
func (o Origin) persistsFocus() bool {
	return o == OriginUserNavigation || o == OriginAutoAdvance
}

// triggersAdvance reports whether an exercise completion with this origin
// moves focus on this device. Remote completions are advanced by the device
// that made them and arrive here as a focus update.
func (o Origin) triggersAdvance() bool {
	return o == OriginLocalGesture
}
