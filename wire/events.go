package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Command methods (inspector → capture).
const (
	MethodGetDocument         = "DOM.getDocument"
	MethodDescribeNode        = "DOM.describeNode"
	MethodRequestChildNodes   = "DOM.requestChildNodes"
	MethodEnableAutoUpdates   = "DOMMirror.enableAutoUpdates"
	MethodDisableAutoUpdates  = "DOMMirror.disableAutoUpdates"
	MethodSetPendingSelection = "DOMMirror.setPendingSelection"
)

// Event methods (capture → inspector). MethodBundle wraps a Bundle; the DOM.*
// methods only appear inside bundle event lists.
const (
	MethodBundle                = "DOMMirror.bundle"
	MethodChildNodeInserted     = "DOM.childNodeInserted"
	MethodChildNodeRemoved      = "DOM.childNodeRemoved"
	MethodAttributeModified     = "DOM.attributeModified"
	MethodAttributeRemoved      = "DOM.attributeRemoved"
	MethodCharacterDataModified = "DOM.characterDataModified"
	MethodChildNodeCountUpdated = "DOM.childNodeCountUpdated"
	MethodLayoutUpdated         = "DOM.layoutUpdated"
	MethodDocumentUpdated       = "DOM.documentUpdated"
)

var (
	// ErrUnknownEvent marks an event whose method is not part of the contract.
	ErrUnknownEvent = errors.New("wire: unknown event")
	// ErrMalformedEvent marks a known event whose params do not validate.
	ErrMalformedEvent = errors.New("wire: malformed event")
)

// Event is one entry of a mutation bundle.
type Event struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// NewEvent marshals params into an Event.
func NewEvent(method string, params any) (Event, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return Event{}, err
	}
	return Event{Method: method, Params: raw}, nil
}

// MustEvent is NewEvent for params that always marshal (the typed variants).
func MustEvent(method string, params any) Event {
	ev, err := NewEvent(method, params)
	if err != nil {
		panic(err)
	}
	return ev
}

// Mutation is the closed set of decoded bundle events.
type Mutation interface {
	mutation()
}

type ChildNodeInserted struct {
	ParentNodeID   int64       `json:"parentNodeId"`
	PreviousNodeID int64       `json:"previousNodeId"`
	Node           *Descriptor `json:"node"`
}

type ChildNodeRemoved struct {
	ParentNodeID int64 `json:"parentNodeId"`
	NodeID       int64 `json:"nodeId"`
}

type AttributeModified struct {
	NodeID int64  `json:"nodeId"`
	Name   string `json:"name"`
	Value  string `json:"value"`
}

type AttributeRemoved struct {
	NodeID int64  `json:"nodeId"`
	Name   string `json:"name"`
}

type CharacterDataModified struct {
	NodeID        int64  `json:"nodeId"`
	CharacterData string `json:"characterData"`
}

type ChildNodeCountUpdated struct {
	NodeID         int64 `json:"nodeId"`
	ChildNodeCount int   `json:"childNodeCount"`
}

// LayoutUpdated carries a new self-rendered flag for a node.
type LayoutUpdated struct {
	NodeID   int64 `json:"nodeId"`
	Rendered bool  `json:"rendered"`
}

// DocumentUpdated signals that the whole document was replaced.
type DocumentUpdated struct{}

func (ChildNodeInserted) mutation()     {}
func (ChildNodeRemoved) mutation()      {}
func (AttributeModified) mutation()     {}
func (AttributeRemoved) mutation()      {}
func (CharacterDataModified) mutation() {}
func (ChildNodeCountUpdated) mutation() {}
func (LayoutUpdated) mutation()         {}
func (DocumentUpdated) mutation()       {}

// DecodeEvent classifies a bundle event. Unknown methods are rejected with
// ErrUnknownEvent and shapes that do not validate with ErrMalformedEvent;
// nothing is guessed.
func DecodeEvent(ev Event) (Mutation, error) {
	params := bytes.TrimSpace(ev.Params)
	if len(params) == 0 {
		params = []byte(`{}`)
	}

	switch ev.Method {
	case MethodChildNodeInserted:
		var m ChildNodeInserted
		if err := decodeParams(ev.Method, params, &m); err != nil {
			return nil, err
		}
		if _, ok := m.Node.Identity(); !ok || m.ParentNodeID <= 0 {
			return nil, malformed(ev.Method, "parent or node id missing")
		}
		return m, nil

	case MethodChildNodeRemoved:
		var m ChildNodeRemoved
		if err := decodeParams(ev.Method, params, &m); err != nil {
			return nil, err
		}
		if m.NodeID <= 0 || m.ParentNodeID <= 0 {
			return nil, malformed(ev.Method, "parent or node id missing")
		}
		return m, nil

	case MethodAttributeModified:
		var m AttributeModified
		if err := decodeParams(ev.Method, params, &m); err != nil {
			return nil, err
		}
		if m.NodeID <= 0 || m.Name == "" {
			return nil, malformed(ev.Method, "node id or name missing")
		}
		return m, nil

	case MethodAttributeRemoved:
		var m AttributeRemoved
		if err := decodeParams(ev.Method, params, &m); err != nil {
			return nil, err
		}
		if m.NodeID <= 0 || m.Name == "" {
			return nil, malformed(ev.Method, "node id or name missing")
		}
		return m, nil

	case MethodCharacterDataModified:
		var m CharacterDataModified
		if err := decodeParams(ev.Method, params, &m); err != nil {
			return nil, err
		}
		if m.NodeID <= 0 {
			return nil, malformed(ev.Method, "node id missing")
		}
		return m, nil

	case MethodChildNodeCountUpdated:
		var m ChildNodeCountUpdated
		if err := decodeParams(ev.Method, params, &m); err != nil {
			return nil, err
		}
		if m.NodeID <= 0 || m.ChildNodeCount < 0 {
			return nil, malformed(ev.Method, "node id or count invalid")
		}
		return m, nil

	case MethodLayoutUpdated:
		var m LayoutUpdated
		if err := decodeParams(ev.Method, params, &m); err != nil {
			return nil, err
		}
		if m.NodeID <= 0 {
			return nil, malformed(ev.Method, "node id missing")
		}
		return m, nil

	case MethodDocumentUpdated:
		return DocumentUpdated{}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, ev.Method)
	}
}

func decodeParams(method string, params []byte, v any) error {
	if err := json.Unmarshal(params, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedEvent, method, err)
	}
	return nil
}

func malformed(method, why string) error {
	return fmt.Errorf("%w: %s: %s", ErrMalformedEvent, method, why)
}

// Command parameter and result shapes.

type GetDocumentParams struct {
	Depth int `json:"depth,omitempty"`
}

type DescribeNodeParams struct {
	NodeID int64 `json:"nodeId"`
	Depth  int   `json:"depth,omitempty"`
}

type RequestChildNodesParams struct {
	NodeID int64 `json:"nodeId"`
	Depth  int   `json:"depth,omitempty"`
}

// ChildNodes is the result of DOM.requestChildNodes.
type ChildNodes struct {
	ParentID int64         `json:"parentId"`
	Nodes    []*Descriptor `json:"nodes"`
}

type EnableAutoUpdatesParams struct {
	DebounceMs int `json:"debounceMs,omitempty"`
	MaxDepth   int `json:"maxDepth,omitempty"`
}

// PendingSelectionParams names a node by its child-index path from the
// document root, the way the host reports a page selection.
type PendingSelectionParams struct {
	Path []int `json:"path"`
}
