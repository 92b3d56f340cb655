package remote

// Stream identifies which remote output stream a chunk came from.
type Stream string

// Output streams.
const (
	StreamOut Stream = "out"
	StreamErr Stream = "err"
)

// EventKind tags an Event.
type EventKind int

// Event kinds. A session emits any number of chunks followed by exactly one
// Completed or Failed event.
const (
	EventChunk EventKind = iota
	EventCompleted
	EventFailed
)

func (k EventKind) String() string {
	switch k {
	case EventChunk:
		return "chunk"
	case EventCompleted:
		return "completed"
	case EventFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Event is one item of a session's output sequence.
type Event struct {
	Kind    EventKind
	Stream  Stream
	Data    []byte
	Message string
	Err     error
}

// Terminal reports whether e ends the sequence.
func (e Event) Terminal() bool {
	return e.Kind == EventCompleted || e.Kind == EventFailed
}

// Chunk builds a chunk event.
func Chunk(stream Stream, data []byte) Event {
	return Event{Kind: EventChunk, Stream: stream, Data: data}
}
