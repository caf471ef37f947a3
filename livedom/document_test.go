package livedom

import (
	"slices"
	"testing"
)

func mustParse(t *testing.T, s string) *Document {
	t.Helper()
	d, err := ParseString(s, "https://example.test/")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return d
}

func TestDocument_RecordsChildList(t *testing.T) {
	d := mustParse(t, `<html><body><ul id="l"><li>a</li><li>b</li></ul></body></html>`)
	var recs []Record
	cancel := d.Observe(func(r Record) { recs = append(recs, r) })

	ul := d.FindByID("l")
	first := ul.FirstChild
	li := NewElement("li")
	d.InsertBefore(ul, li, first.NextSibling)
	d.RemoveChild(ul, first)
	cancel()
	d.AppendChild(ul, NewElement("li"))

	if len(recs) != 2 {
		t.Fatalf("records: got %d, want 2", len(recs))
	}
	if recs[0].Type != ChildList || recs[0].Added[0] != li || recs[0].PreviousSibling != first {
		t.Errorf("insert record: %+v", recs[0])
	}
	if recs[1].Removed[0] != first || recs[1].PreviousSibling != nil {
		t.Errorf("remove record: %+v", recs[1])
	}
}

func TestDocument_MoveEmitsRemoveThenAdd(t *testing.T) {
	d := mustParse(t, `<div id="a"><p id="p">x</p></div><div id="b"></div>`)
	var types []string
	d.Observe(func(r Record) {
		if len(r.Removed) > 0 {
			types = append(types, "remove")
		}
		if len(r.Added) > 0 {
			types = append(types, "add")
		}
	})
	d.AppendChild(d.FindByID("b"), d.FindByID("p"))
	if !slices.Equal(types, []string{"remove", "add"}) {
		t.Errorf("got %v", types)
	}
}

func TestDocument_AttributesAndText(t *testing.T) {
	d := mustParse(t, `<p id="p" class="x">hi</p>`)
	var recs []Record
	d.Observe(func(r Record) { recs = append(recs, r) })
	p := d.FindByID("p")

	d.SetAttr(p, "class", "x") // unchanged, no record
	d.SetAttr(p, "class", "y")
	d.RemoveAttr(p, "class")
	d.RemoveAttr(p, "class") // absent, no record
	d.SetText(p.FirstChild, "bye")

	if len(recs) != 3 {
		t.Fatalf("records: got %d, want 3", len(recs))
	}
	if recs[0].OldValue != "x" || !recs[0].HadValue {
		t.Errorf("set record: %+v", recs[0])
	}
	if _, ok := Attr(p, "class"); ok {
		t.Error("class still present")
	}
	if recs[2].Type != CharacterData || recs[2].OldValue != "hi" {
		t.Errorf("text record: %+v", recs[2])
	}
}

func TestDocument_PathResolveSkipsBlank(t *testing.T) {
	d := mustParse(t, "<html><body>\n  <div>one</div>\n  <div id=\"t\">two</div>\n</body></html>")
	target := d.FindByID("t")
	path := d.Path(target)
	if got := d.Resolve(path); got != target {
		t.Fatalf("resolve(%v) did not return target", path)
	}
	if path[len(path)-1] != 1 {
		t.Errorf("last index: got %d, want 1 (blank text skipped)", path[len(path)-1])
	}
}

func TestDocument_ReplaceBumpsGeneration(t *testing.T) {
	d := mustParse(t, `<p>a</p>`)
	gen := d.Generation()
	got := false
	d.Observe(func(r Record) { got = r.Type == DocumentReplaced })

	other := mustParse(t, `<p>b</p>`)
	d.Replace(other.Root(), "https://example.test/2")
	if d.Generation() == gen || !got {
		t.Errorf("generation=%d record=%v", d.Generation(), got)
	}
	if d.URL() != "https://example.test/2" {
		t.Errorf("url: %q", d.URL())
	}
}
