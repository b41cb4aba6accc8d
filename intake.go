package burstwatch

import (
	"github.com/fsnotify/fsnotify"
)

// Unknown marks a notification whose operation is not one of the counted kinds.
const Unknown EventKind = -1

// Notification is a filesystem change as delivered by the event source.
type Notification struct {
	Kind EventKind
	Path string
	// DestPath is the destination of a move when the source reports it.
	DestPath string
}

// AlertPath is the path reported on an alert: the source path, or the
// destination when the source path is empty.
func (n Notification) AlertPath() string {
	if n.Path != "" {
		return n.Path
	}
	return n.DestPath
}

// KindFromOp maps an fsnotify operation to an event kind. Chmod and empty
// operations map to Unknown.
//
// fsnotify reports a rename as Rename on the old name followed by Create on the
// new one when the new name is inside a watched directory. Watcher pairs the
// two into a single Moved notification; a move into the tree from outside
// arrives as Created only.
func KindFromOp(op fsnotify.Op) EventKind {
	switch {
	case op.Has(fsnotify.Create):
		return Created
	case op.Has(fsnotify.Write):
		return Modified
	case op.Has(fsnotify.Remove):
		return Deleted
	case op.Has(fsnotify.Rename):
		return Moved
	}
	return Unknown
}

// NotificationFromEvent converts a raw fsnotify event.
func NotificationFromEvent(ev fsnotify.Event) Notification {
	return Notification{Kind: KindFromOp(ev.Op), Path: ev.Name}
}
