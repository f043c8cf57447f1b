package mailbox

// CounterState tells whether a counter still matches the server.
type CounterState int

const (
	// CounterFresh counters come from a server snapshot.
	CounterFresh CounterState = iota
	// CounterStale counters carry optimistic deltas not yet confirmed by an event.
	CounterStale
)

func (s CounterState) String() string {
	if s == CounterStale {
		return "stale"
	}
	return "fresh"
}

// Counter is the per label aggregate for one view mode.
type Counter struct {
	LabelID LabelID      `json:"label_id"`
	Kind    ItemKind     `json:"kind"`
	Total   int          `json:"total"`
	Unread  int          `json:"unread"`
	State   CounterState `json:"state"`
}

// CounterDelta is a provisional adjustment produced by a local mutation.
type CounterDelta struct {
	LabelID LabelID
	Kind    ItemKind
	Total   int
	Unread  int
}

// IsZero reports whether applying d changes nothing.
func (d CounterDelta) IsZero() bool {
	return d.Total == 0 && d.Unread == 0
}

// Inverse returns the delta that undoes d.
func (d CounterDelta) Inverse() CounterDelta {
	return CounterDelta{LabelID: d.LabelID, Kind: d.Kind, Total: -d.Total, Unread: -d.Unread}
}
