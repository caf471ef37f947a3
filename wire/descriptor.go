// Package wire defines the messages exchanged between the capture agent and
// the inspector mirror. These types are the public contract: a capture side
// written in any language only has to produce these shapes.
package wire

// DOM node types, as reported by the live document.
const (
	ElementNode  = 1
	AttrNode     = 2
	TextNode     = 3
	CDATANode    = 4
	CommentNode  = 8
	DocumentNode = 9
	DoctypeNode  = 10
	FragmentNode = 11
)

// Descriptor is the serialised form of one live node and, up to a bounded
// depth, its children.
type Descriptor struct {
	// ID is the stable node id assigned by the capture side. Older agents
	// send it as nodeId; Identity accepts both.
	ID     int64 `json:"id,omitempty"`
	NodeID int64 `json:"nodeId,omitempty"`

	NodeType  int    `json:"nodeType"`
	NodeName  string `json:"nodeName,omitempty"`
	LocalName string `json:"localName,omitempty"`
	NodeValue string `json:"nodeValue,omitempty"`

	// Attributes is a flat name/value/name/value... array.
	Attributes []string `json:"attributes,omitempty"`

	// ChildNodeCount is the number of live children, which may exceed
	// len(Children) when the walk was truncated.
	ChildNodeCount int           `json:"childNodeCount"`
	Children       []*Descriptor `json:"children,omitempty"`

	DocumentURL string `json:"documentURL,omitempty"` // document
	PublicID    string `json:"publicId,omitempty"`    // doctype
	SystemID    string `json:"systemId,omitempty"`    // doctype
	Name        string `json:"name,omitempty"`        // attribute
	Value       string `json:"value,omitempty"`       // attribute

	Layout *Layout `json:"layout,omitempty"`
}

// Layout is the rendered summary computed by the capture side.
type Layout struct {
	Rendered bool    `json:"rendered"`
	Width    float64 `json:"width,omitempty"`
	Height   float64 `json:"height,omitempty"`
	Position string  `json:"position,omitempty"`
}

// Identity returns the node id, preferring the id field over the historical
// nodeId field. ok is false when neither carries a positive id.
func (d *Descriptor) Identity() (id int64, ok bool) {
	if d == nil {
		return 0, false
	}
	if d.ID > 0 {
		return d.ID, true
	}
	if d.NodeID > 0 {
		return d.NodeID, true
	}
	return 0, false
}

// Rendered reports the self-rendered flag. A descriptor without layout
// information is treated as rendered.
func (d *Descriptor) Rendered() bool {
	if d == nil || d.Layout == nil {
		return true
	}
	return d.Layout.Rendered
}
