package wire

import (
	"encoding/json"
	"fmt"
)

// BundleVersion is the only bundle version this package understands.
const BundleVersion = 1

// Kind distinguishes full snapshots from incremental batches.
type Kind string

const (
	KindSnapshot Kind = "snapshot"
	KindMutation Kind = "mutation"
)

// Reasons a bundle was produced.
const (
	ReasonInitial   = "initial"   // nothing was sent yet
	ReasonOverflow  = "overflow"  // raw mutation queue hit its cap
	ReasonCompact   = "compact"   // compaction exceeded its budget
	ReasonMutation  = "mutation"  // ordinary incremental batch
	ReasonDocument  = "document"  // document replaced
	ReasonRequested = "requested" // explicit snapshot request
)

// Snapshot is a full serialised tree up to a bounded depth.
type Snapshot struct {
	Root           *Descriptor `json:"root"`
	SelectedNodeID int64       `json:"selectedNodeId,omitempty"`
	SelectedPath   []int64     `json:"selectedPath,omitempty"`
	Depth          int         `json:"depth,omitempty"`
}

// Bundle is the versioned envelope carrying either a snapshot or a batch of
// compacted mutation events.
type Bundle struct {
	Version   int       `json:"version"`
	Kind      Kind      `json:"kind"`
	Reason    string    `json:"reason"`
	ID        string    `json:"id,omitempty"`        // UUIDv7
	Seq       uint64    `json:"seq,omitempty"`       // per agent, gap detection
	Timestamp int64     `json:"timestamp,omitempty"` // epoch milliseconds
	Snapshot  *Snapshot `json:"snapshot,omitempty"`
	Events    []Event   `json:"events,omitempty"`
}

// Validate checks the envelope shape. It does not decode individual events.
func (b *Bundle) Validate() error {
	if b.Version != BundleVersion {
		return fmt.Errorf("wire: unsupported bundle version %d", b.Version)
	}
	switch b.Kind {
	case KindSnapshot:
		if b.Snapshot == nil || b.Snapshot.Root == nil {
			return fmt.Errorf("wire: snapshot bundle without root")
		}
	case KindMutation:
		if len(b.Events) == 0 {
			return fmt.Errorf("wire: mutation bundle without events")
		}
	default:
		return fmt.Errorf("wire: unknown bundle kind %q", b.Kind)
	}
	return nil
}

// ChunkEvents splits events into slices of at most per items, preserving
// order.
func ChunkEvents(events []Event, per int) [][]Event {
	if len(events) == 0 {
		return nil
	}
	if per <= 0 || len(events) <= per {
		return [][]Event{events}
	}
	chunks := make([][]Event, 0, (len(events)+per-1)/per)
	for start := 0; start < len(events); start += per {
		end := min(start+per, len(events))
		chunks = append(chunks, events[start:end])
	}
	return chunks
}

// MarshalBundle serialises a Bundle to JSON.
func MarshalBundle(b *Bundle) ([]byte, error) {
	return json.Marshal(b)
}

// UnmarshalBundle deserialises and validates a Bundle, accepting the same
// nested-string encoding as responses.
func UnmarshalBundle(data []byte) (*Bundle, error) {
	var b Bundle
	if err := json.Unmarshal(Unnest(data), &b); err != nil {
		return nil, fmt.Errorf("wire: decode bundle: %w", err)
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return &b, nil
}
