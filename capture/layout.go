// CLAUDE:SUMMARY Layout probe, rendered-state checks and compact layout descriptors for captured elements.
package capture

import (
	"strconv"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/hazyhaar/domirror/livedom"
	"github.com/hazyhaar/domirror/wire"
)

// Box is the geometry of one element.
type Box struct {
	Width    float64
	Height   float64
	Position string // static, relative, absolute, fixed, sticky
}

// LayoutProbe answers live geometry queries. Each call may be expensive
// (a round trip to a browser), so the agent bounds how many it makes.
type LayoutProbe interface {
	Box(n *html.Node) (Box, bool)
}

// LayoutProbeFunc adapts a function to LayoutProbe.
type LayoutProbeFunc func(n *html.Node) (Box, bool)

func (f LayoutProbeFunc) Box(n *html.Node) (Box, bool) { return f(n) }

// Elements that never render a box.
var unrendered = map[atom.Atom]bool{
	atom.Head:     true,
	atom.Script:   true,
	atom.Style:    true,
	atom.Meta:     true,
	atom.Link:     true,
	atom.Title:    true,
	atom.Template: true,
	atom.Noscript: true,
	atom.Base:     true,
}

// Graphics content whose intrinsic box counts even when layout reports
// zero geometry.
var graphics = map[atom.Atom]bool{
	atom.Svg:    true,
	atom.Canvas: true,
	atom.Img:    true,
	atom.Video:  true,
}

func (a *Agent) layout(n *html.Node) *wire.Layout {
	rendered, box, probed := a.visible(n)
	l := &wire.Layout{Rendered: rendered}
	if probed {
		l.Width, l.Height, l.Position = box.Width, box.Height, box.Position
	}
	return l
}

// visible is the rendered heuristic: connected, not display:none, and
// either non-zero geometry, fixed/sticky positioning or a non-zero
// intrinsic box for graphics. Without a probe (or once the per-capture
// lookup budget is spent) geometry is assumed present.
func (a *Agent) visible(n *html.Node) (ok bool, box Box, probed bool) {
	if !a.doc.Contains(n) {
		return false, box, false
	}
	if n.Type != html.ElementNode {
		return true, box, false
	}
	if unrendered[n.DataAtom] {
		return false, box, false
	}
	if _, hidden := livedom.Attr(n, "hidden"); hidden {
		return false, box, false
	}
	style := compactStyle(n)
	if strings.Contains(style, "display:none") {
		return false, box, false
	}
	if strings.Contains(style, "position:fixed") || strings.Contains(style, "position:sticky") {
		return true, box, false
	}

	if a.cfg.Probe != nil && a.layoutBudget > 0 {
		a.layoutBudget--
		if b, found := a.cfg.Probe.Box(n); found {
			switch {
			case b.Position == "fixed" || b.Position == "sticky":
				return true, b, true
			case b.Width > 0 && b.Height > 0:
				return true, b, true
			case graphics[n.DataAtom]:
				return intrinsic(n), b, true
			}
			return false, b, true
		}
	}

	if graphics[n.DataAtom] {
		return intrinsic(n), box, false
	}
	return true, box, false
}

// intrinsic reports whether graphics content declares a non-zero size.
// Missing dimensions count as non-zero.
func intrinsic(n *html.Node) bool {
	for _, dim := range []string{"width", "height"} {
		v, ok := livedom.Attr(n, dim)
		if !ok {
			continue
		}
		if f, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(v), "px"), 64); err == nil && f <= 0 {
			return false
		}
	}
	return true
}

func compactStyle(n *html.Node) string {
	s, _ := livedom.Attr(n, "style")
	return strings.ToLower(strings.Join(strings.Fields(s), ""))
}

// affectsLayout reports whether an attribute change may flip rendering.
func affectsLayout(name string) bool {
	switch name {
	case "style", "class", "hidden", "width", "height":
		return true
	}
	return false
}
