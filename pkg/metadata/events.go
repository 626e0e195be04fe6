package metadata

// EventType identifies a metadata change notification.
type EventType int

const (
	// Created is sent after an id is allocated and its first record written.
	Created EventType = iota + 1
	// Updated is sent after a mutation is persisted or queued.
	Updated
	// Deleted is sent after a record is removed.
	Deleted
	// Loaded is sent for every record read during the initial load.
	Loaded
	// The location events mirror the File location mutators and carry the
	// location id.
	LocationAddedEvent
	LocationUnlinkedEvent
	LocationRemovedEvent
	// SizeChanged carries the logical size delta of a file.
	SizeChanged
)

// String returns the event name.
func (e EventType) String() string {
	switch e {
	case Created:
		return "created"
	case Updated:
		return "updated"
	case Deleted:
		return "deleted"
	case Loaded:
		return "loaded"
	case LocationAddedEvent:
		return "location_added"
	case LocationUnlinkedEvent:
		return "location_unlinked"
	case LocationRemovedEvent:
		return "location_removed"
	case SizeChanged:
		return "size_changed"
	default:
		return "unknown"
	}
}

// FileEvent describes a change to a file. File may be nil when only the
// id is known.
type FileEvent struct {
	Type      EventType
	ID        uint64
	File      *File
	Location  uint32
	SizeDelta int64
}

// ContainerEvent describes a change to a container.
type ContainerEvent struct {
	Type      EventType
	ID        uint64
	Container *Container
}

// FileListener receives file change notifications. Implementations must not
// call back into the service that notifies them.
type FileListener interface {
	FileChanged(FileEvent)
}

// FileListenerFunc adapts a function to FileListener.
type FileListenerFunc func(FileEvent)

// FileChanged calls fn(e).
func (fn FileListenerFunc) FileChanged(e FileEvent) { fn(e) }

// ContainerListener receives container change notifications.
type ContainerListener interface {
	ContainerChanged(ContainerEvent)
}

// ContainerListenerFunc adapts a function to ContainerListener.
type ContainerListenerFunc func(ContainerEvent)

// ContainerChanged calls fn(e).
func (fn ContainerListenerFunc) ContainerChanged(e ContainerEvent) { fn(e) }

// FileEventsFor expands the pending changes of a mutation into events, in
// the order location events, size change, then the mutation itself.
func FileEventsFor(typ EventType, f *File, changes []LocationChange, sizeDelta int64) []FileEvent {
	events := make([]FileEvent, 0, len(changes)+2)
	for _, ch := range changes {
		ev := FileEvent{ID: f.ID, File: f, Location: ch.Location}
		switch ch.Kind {
		case LocationAdded:
			ev.Type = LocationAddedEvent
		case LocationUnlinked:
			ev.Type = LocationUnlinkedEvent
		case LocationRemoved:
			ev.Type = LocationRemovedEvent
		}
		events = append(events, ev)
	}
	if sizeDelta != 0 {
		events = append(events, FileEvent{Type: SizeChanged, ID: f.ID, File: f, SizeDelta: sizeDelta})
	}
	return append(events, FileEvent{Type: typ, ID: f.ID, File: f})
}
