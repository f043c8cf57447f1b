package mailbox

// LabelID identifies a label or folder on the server.
type LabelID string

// System label IDs as issued by the mail server.
const (
	LabelInbox         LabelID = "0"
	LabelAllDrafts     LabelID = "1"
	LabelAllSent       LabelID = "2"
	LabelTrash         LabelID = "3"
	LabelSpam          LabelID = "4"
	LabelAllMail       LabelID = "5"
	LabelArchive       LabelID = "6"
	LabelSent          LabelID = "7"
	LabelDrafts        LabelID = "8"
	LabelOutbox        LabelID = "9"
	LabelStarred       LabelID = "10"
	LabelScheduled     LabelID = "12"
	LabelAlmostAllMail LabelID = "15"
	LabelSnoozed       LabelID = "16"
)

// LabelType distinguishes folders from additive labels.
type LabelType int

const (
	LabelTypeLabel  LabelType = 1
	LabelTypeGroup  LabelType = 2
	LabelTypeFolder LabelType = 3
	LabelTypeSystem LabelType = 4
)

// Label is a user or system label known to the local store.
type Label struct {
	ID    LabelID   `json:"id" db:"id"`
	Name  string    `json:"name" db:"name"`
	Type  LabelType `json:"type" db:"type"`
	Color string    `json:"color,omitempty" db:"color"`
	Order int       `json:"order" db:"sort_order"`
}

var systemNames = map[LabelID]string{
	LabelInbox:         "Inbox",
	LabelAllDrafts:     "All Drafts",
	LabelAllSent:       "All Sent",
	LabelTrash:         "Trash",
	LabelSpam:          "Spam",
	LabelAllMail:       "All Mail",
	LabelArchive:       "Archive",
	LabelSent:          "Sent",
	LabelDrafts:        "Drafts",
	LabelOutbox:        "Outbox",
	LabelStarred:       "Starred",
	LabelScheduled:     "Scheduled",
	LabelAlmostAllMail: "Almost All Mail",
	LabelSnoozed:       "Snoozed",
}

// exclusive system locations; an item sits in at most one of these (or one user folder).
var systemLocations = map[LabelID]bool{
	LabelInbox:     true,
	LabelDrafts:    true,
	LabelSent:      true,
	LabelTrash:     true,
	LabelSpam:      true,
	LabelArchive:   true,
	LabelScheduled: true,
	LabelSnoozed:   true,
}

// aggregate labels maintained by the server only.
var protectedLabels = map[LabelID]bool{
	LabelAllDrafts:     true,
	LabelAllSent:       true,
	LabelAllMail:       true,
	LabelAlmostAllMail: true,
}

// IsSystem reports whether id is one of the server-defined labels.
func (id LabelID) IsSystem() bool {
	_, ok := systemNames[id]
	return ok
}

// IsSystemLocation reports whether id is an exclusive system folder.
func (id LabelID) IsSystemLocation() bool {
	return systemLocations[id]
}

// IsProtected reports whether id can never be added or removed by a user action.
func (id LabelID) IsProtected() bool {
	return protectedLabels[id]
}

// IsMoveDestination reports whether a user may move items into id.
// User folders are checked by the caller since their type lives in the store.
func (id LabelID) IsMoveDestination() bool {
	switch id {
	case LabelInbox, LabelTrash, LabelSpam, LabelArchive:
		return true
	}
	return !id.IsSystem()
}

// SystemName returns the display name for a system label, or "" for user labels.
func (id LabelID) SystemName() string {
	return systemNames[id]
}

// Exclusive reports whether the label behaves as a folder.
func (l Label) Exclusive() bool {
	if l.ID.IsSystem() {
		return l.ID.IsSystemLocation()
	}
	return l.Type == LabelTypeFolder
}

// SystemLabels returns the built-in labels seeded into a fresh store.
func SystemLabels() []Label {
	labels := make([]Label, 0, len(systemNames))
	for id, name := range systemNames {
		labels = append(labels, Label{ID: id, Name: name, Type: LabelTypeSystem})
	}
	return labels
}
