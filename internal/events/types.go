package events

import "time"

// Event type constants for kelindar/event.
const (
	TypeStateChanged uint32 = iota + 1
	TypeFrameProcessed
	TypeStatus
	TypeCatalogUpdated
)

// Event interface required by kelindar/event.
type Event interface {
	Type() uint32
}

// StateChangedEvent is published on every controller state transition.
// Message is the status text for the display; empty means a frame should be
// shown instead.
type StateChangedEvent struct {
	Generation uint64    `json:"generation"`
	State      string    `json:"state"`
	Source     string    `json:"source,omitempty"`
	Message    string    `json:"message,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

func (e StateChangedEvent) Type() uint32 { return TypeStateChanged }

// Detection is the wire form of one accepted detection.
type Detection struct {
	Label      string    `json:"label"`
	Confidence float32   `json:"confidence"`
	Box        []float32 `json:"box"`
}

// FrameProcessedEvent is published after each annotated frame reaches the
// mailbox. It carries detections only, never pixels.
type FrameProcessedEvent struct {
	Source     string        `json:"source"`
	Generation uint64        `json:"generation"`
	Seq        uint64        `json:"seq"`
	Width      int           `json:"width"`
	Height     int           `json:"height"`
	Detections []Detection   `json:"detections"`
	Failure    string        `json:"failure,omitempty"`
	Latency    time.Duration `json:"latency_ns"`
	Timestamp  time.Time     `json:"timestamp"`
}

func (e FrameProcessedEvent) Type() uint32 { return TypeFrameProcessed }

// StatusEvent carries status text that is not tied to a state transition,
// such as a rejected file.
type StatusEvent struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

func (e StatusEvent) Type() uint32 { return TypeStatus }

// CatalogUpdatedEvent lists the selectable source names after a reload.
type CatalogUpdatedEvent struct {
	Names     []string  `json:"names"`
	Timestamp time.Time `json:"timestamp"`
}

func (e CatalogUpdatedEvent) Type() uint32 { return TypeCatalogUpdated }
