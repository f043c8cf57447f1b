package mailbox

// SwipeAllowedIn reports whether a swipe action is offered inside location.
// Bulk actions from a selection are not subject to these rules.
func SwipeAllowedIn(location LabelID, kind ActionKind) bool {
	switch location {
	case LabelAllMail, LabelAlmostAllMail:
		return false
	case LabelInbox, LabelTrash:
		return true
	case LabelArchive:
		return kind != ActionArchive
	case LabelStarred:
		return kind != ActionStar
	case LabelSpam:
		return kind != ActionSpam
	case LabelDrafts, LabelAllDrafts:
		return kind != ActionSpam && kind != ActionArchive
	case LabelSent, LabelAllSent:
		return kind != ActionSpam
	}
	return true
}

// SwipeAllowedOn reports whether a swipe action would change it.
func SwipeAllowedOn(it Item, kind ActionKind) bool {
	switch kind {
	case ActionRead:
		return it.IsUnread()
	case ActionUnread:
		return !it.IsUnread()
	case ActionStar:
		return !HasLabel(it, LabelStarred)
	case ActionUnstar:
		return HasLabel(it, LabelStarred)
	}
	return true
}
