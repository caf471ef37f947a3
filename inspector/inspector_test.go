package inspector

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/domirror/capture"
	"github.com/hazyhaar/domirror/dbopen"
	"github.com/hazyhaar/domirror/host"
	"github.com/hazyhaar/domirror/journal"
	"github.com/hazyhaar/domirror/livedom"
	"github.com/hazyhaar/domirror/model"
	"github.com/hazyhaar/domirror/protocol"
	"github.com/hazyhaar/domirror/sink"
)

const page = `<html><body><ul id="list"><li>A</li><li>B</li></ul><p id="p">hi</p></body></html>`

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func startHost(t *testing.T, ctx context.Context, markup string, cfg host.Config) *host.Host {
	t.Helper()
	doc, err := livedom.ParseString(markup, "https://example.test/")
	if err != nil {
		t.Fatal(err)
	}
	h := host.New(doc, cfg)
	go h.Run(ctx)
	return h
}

// connected returns a started inspector mirroring a fresh host over a pipe.
func connected(t *testing.T, cfg Config) (*host.Host, *Inspector, context.Context) {
	t.Helper()
	return connectedTo(t, page, host.Config{}, cfg)
}

func connectedTo(t *testing.T, markup string, hcfg host.Config, cfg Config) (*host.Host, *Inspector, context.Context) {
	t.Helper()
	ctx := testContext(t)
	h := startHost(t, ctx, markup, hcfg)
	left, right := protocol.Pipe(0)
	go h.Serve(ctx, right)

	if cfg.Debounce == 0 {
		cfg.Debounce = 5 * time.Millisecond
	}
	in := New(left, cfg)
	go in.Run(ctx)
	t.Cleanup(func() { in.Close() })
	if err := in.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	return h, in, ctx
}

// find returns the id of the first mirrored node matching fn.
func find(t *testing.T, ctx context.Context, in *Inspector, fn func(*model.Node) bool) int64 {
	t.Helper()
	var id int64
	in.loop.Do(ctx, func() {
		in.store.Walk(in.store.RootID(), func(n *model.Node) bool {
			if id == 0 && fn(n) {
				id = n.ID
			}
			return id == 0
		})
	})
	if id == 0 {
		t.Fatal("node not found in mirror")
	}
	return id
}

func byAttr(name, value string) func(*model.Node) bool {
	return func(n *model.Node) bool {
		v, ok := n.Attr(name)
		return ok && v == value
	}
}

func byName(name string) func(*model.Node) bool {
	return func(n *model.Node) bool { return n.Kind == model.KindElement && n.DisplayName == name }
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func attrOf(ctx context.Context, in *Inspector, id int64, name string) string {
	v, err := in.Node(ctx, id)
	if err != nil {
		return ""
	}
	s, _ := v.Attr(name)
	return s
}

func TestInspector_SelectRevealsNode(t *testing.T) {
	_, in, ctx := connected(t, Config{SnapshotDepth: -1})

	tree, err := in.Tree(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(tree, "#document https://example.test/") || !strings.Contains(tree, "<html>") {
		t.Fatalf("initial tree:\n%s", tree)
	}
	if strings.Contains(tree, `<p id="p">`) {
		t.Fatalf("collapsed body shows its children:\n%s", tree)
	}

	p := find(t, ctx, in, byAttr("id", "p"))
	if err := in.Select(ctx, p); err != nil {
		t.Fatal(err)
	}
	tree, _ = in.Tree(ctx)
	if !strings.Contains(tree, `> `) || !strings.Contains(tree, `<p id="p">`) {
		t.Fatalf("selected node not shown:\n%s", tree)
	}
	for _, line := range strings.Split(tree, "\n") {
		if strings.HasPrefix(line, "> ") && !strings.Contains(line, `<p id="p">`) {
			t.Fatalf("wrong line marked: %q", line)
		}
	}
	v, err := in.Node(ctx, p)
	if err != nil || !v.Selected {
		t.Fatalf("node view: %+v, %v", v, err)
	}

	if err := in.Select(ctx, 999999); !errors.Is(err, ErrUnknownNode) {
		t.Fatalf("select unknown: %v", err)
	}
}

func TestInspector_LiveUpdates(t *testing.T) {
	h, in, ctx := connected(t, Config{SnapshotDepth: -1})
	p := find(t, ctx, in, byAttr("id", "p"))

	err := h.Do(ctx, func(doc *livedom.Document) {
		n := doc.FindByID("p")
		doc.SetAttr(n, "class", "hot")
		doc.AppendChild(n, livedom.NewElement("em", "id", "added"))
	})
	if err != nil {
		t.Fatal(err)
	}
	eventually(t, "attribute change", func() bool { return attrOf(ctx, in, p, "class") == "hot" })
	eventually(t, "inserted child", func() bool {
		v, err := in.Node(ctx, p)
		return err == nil && len(v.Children) == 2
	})

	st, err := in.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Reconcile.Bundles == 0 || st.Reconcile.Applied == 0 || st.Reconcile.Reloads != 0 {
		t.Fatalf("stats: %+v", st.Reconcile)
	}
}

func TestInspector_ExpandFetchesChildren(t *testing.T) {
	_, in, ctx := connected(t, Config{SnapshotDepth: 1})
	html := find(t, ctx, in, byName("html"))

	v, _ := in.Node(ctx, html)
	if len(v.Children) != 1 || v.Children[0] >= 0 {
		t.Fatalf("shallow snapshot should leave a placeholder: children=%v", v.Children)
	}
	if err := in.Expand(ctx, html, true); err != nil {
		t.Fatal(err)
	}
	tree, _ := in.Tree(ctx)
	if !strings.Contains(tree, "<body>") {
		t.Fatalf("expanded tree:\n%s", tree)
	}

	if err := in.Expand(ctx, html, false); err != nil {
		t.Fatal(err)
	}
	tree, _ = in.Tree(ctx)
	if strings.Contains(tree, "<body>") {
		t.Fatalf("collapsed tree still shows body:\n%s", tree)
	}
	if err := in.Expand(ctx, 999999, true); !errors.Is(err, ErrUnknownNode) {
		t.Fatalf("expand unknown: %v", err)
	}
}

func TestInspector_ExpandKeepsLoadedDescendants(t *testing.T) {
	var b strings.Builder
	b.WriteString(`<html><body><ul id="list">`)
	for i := range 6 {
		b.WriteString(`<li><b id="deep` + strconv.Itoa(i) + `">x</b></li>`)
	}
	b.WriteString(`</ul></body></html>`)
	_, in, ctx := connectedTo(t, b.String(),
		host.Config{Capture: capture.Config{ChildLimit: 4}},
		Config{SnapshotDepth: -1})

	list := find(t, ctx, in, byAttr("id", "list"))
	deep := find(t, ctx, in, byAttr("id", "deep0"))
	if err := in.Select(ctx, deep); err != nil {
		t.Fatal(err)
	}
	v, _ := in.Node(ctx, list)
	if len(v.Children) != 5 || v.Children[4] >= 0 {
		t.Fatalf("truncated list should end in a placeholder: children=%v", v.Children)
	}

	if err := in.Expand(ctx, list, true); err != nil {
		t.Fatal(err)
	}
	v, _ = in.Node(ctx, list)
	if len(v.Children) != 6 {
		t.Fatalf("expanded list children = %v, want 6 items", v.Children)
	}
	for _, c := range v.Children {
		if c < 0 {
			t.Fatalf("placeholder left after expand: %v", v.Children)
		}
	}
	if _, err := in.Node(ctx, deep); err != nil {
		t.Fatalf("loaded descendant dropped by expand: %v", err)
	}
	st, _ := in.Stats(ctx)
	if st.Selected != deep {
		t.Fatalf("selected = %d, want %d", st.Selected, deep)
	}
	tree, _ := in.Tree(ctx)
	if !strings.Contains(tree, `<b id="deep0">`) {
		t.Fatalf("selected descendant hidden:\n%s", tree)
	}
}

func TestInspector_RefreshDescribesSubtree(t *testing.T) {
	h, in, ctx := connected(t, Config{SnapshotDepth: -1})
	p := find(t, ctx, in, byAttr("id", "p"))
	if err := in.Select(ctx, p); err != nil {
		t.Fatal(err)
	}

	// With auto updates off only a refresh can bring these changes over.
	err := h.Do(ctx, func(doc *livedom.Document) {
		h.Agent().DisableAutoUpdates()
		n := doc.FindByID("p")
		doc.SetAttr(n, "class", "cold")
		doc.AppendChild(n, livedom.NewElement("em", "id", "late"))
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := attrOf(ctx, in, p, "class"); got != "" {
		t.Fatalf("class = %q before refresh", got)
	}

	if err := in.Refresh(ctx, p); err != nil {
		t.Fatal(err)
	}
	if got := attrOf(ctx, in, p, "class"); got != "cold" {
		t.Fatalf("class after refresh = %q, want cold", got)
	}
	v, _ := in.Node(ctx, p)
	if len(v.Children) != 2 || v.Children[1] < 0 {
		t.Fatalf("children after refresh = %v", v.Children)
	}
	find(t, ctx, in, byAttr("id", "late"))
	st, _ := in.Stats(ctx)
	if st.Selected != p {
		t.Fatalf("selected = %d, want %d", st.Selected, p)
	}

	if err := in.Refresh(ctx, 999999); !errors.Is(err, ErrUnknownNode) {
		t.Fatalf("refresh unknown: %v", err)
	}
}

func TestInspector_Filter(t *testing.T) {
	_, in, ctx := connected(t, Config{SnapshotDepth: -1})

	if err := in.SetFilter(ctx, "HI"); err != nil {
		t.Fatal(err)
	}
	tree, _ := in.Tree(ctx)
	if !strings.Contains(tree, `"hi"`) || !strings.Contains(tree, `<p id="p">`) {
		t.Fatalf("filtered tree misses the match:\n%s", tree)
	}
	if strings.Contains(tree, "<ul") {
		t.Fatalf("filtered tree shows a non-matching branch:\n%s", tree)
	}

	in.SetFilter(ctx, "")
	tree, _ = in.Tree(ctx)
	if strings.Contains(tree, `"hi"`) {
		t.Fatalf("cleared filter still shows collapsed content:\n%s", tree)
	}
}

func TestInspector_Reload(t *testing.T) {
	_, in, ctx := connected(t, Config{SnapshotDepth: -1})
	p := find(t, ctx, in, byAttr("id", "p"))
	in.Select(ctx, p)

	if err := in.Reload(ctx); err != nil {
		t.Fatal(err)
	}
	eventually(t, "reload", func() bool {
		st, err := in.Stats(ctx)
		return err == nil && st.Reconcile.Snapshots == 2
	})
	st, _ := in.Stats(ctx)
	if st.Reconcile.Reloads != 1 || st.Selected != p {
		t.Fatalf("after reload: reloads=%d selected=%d, want 1 and %d", st.Reconcile.Reloads, st.Selected, p)
	}
}

func TestInspector_HTTP(t *testing.T) {
	_, in, ctx := connected(t, Config{SnapshotDepth: -1})
	srv := httptest.NewServer(in.Handler())
	defer srv.Close()
	p := find(t, ctx, in, byAttr("id", "p"))

	resp, err := http.Get(srv.URL + "/api/tree")
	if err != nil {
		t.Fatal(err)
	}
	var tr TreeResponse
	json.NewDecoder(resp.Body).Decode(&tr)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || tr.Root == 0 || tr.Tree == "" {
		t.Fatalf("tree: %d %+v", resp.StatusCode, tr)
	}

	resp, err = http.Post(srv.URL+"/api/select/"+strconv.FormatInt(p, 10), "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	var nv struct {
		ID       int64 `json:"id"`
		Selected bool  `json:"selected"`
	}
	json.NewDecoder(resp.Body).Decode(&nv)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || nv.ID != p || !nv.Selected {
		t.Fatalf("select: %d %+v", resp.StatusCode, nv)
	}

	resp, err = http.Post(srv.URL+"/api/refresh/"+strconv.FormatInt(p, 10), "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("refresh: %d", resp.StatusCode)
	}

	for path, want := range map[string]int{
		"/api/nodes/999999": http.StatusNotFound,
		"/api/nodes/abc":    http.StatusBadRequest,
		"/health":           http.StatusOK,
	} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != want {
			t.Errorf("GET %s = %d, want %d", path, resp.StatusCode, want)
		}
	}
}

func mcpSession(t *testing.T, in *Inspector) *mcp.ClientSession {
	t.Helper()
	impl := &mcp.Implementation{Name: "inspector-test", Version: "0.1.0"}
	srv := mcp.NewServer(impl, nil)
	in.RegisterMCP(srv)

	serverT, clientT := mcp.NewInMemoryTransports()
	ctx := context.Background()
	go func() { _ = srv.Run(ctx, serverT) }()

	session, err := mcp.NewClient(impl, nil).Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return session
}

func callTool(t *testing.T, session *mcp.ClientSession, name string, args any) (string, bool) {
	t.Helper()
	res, err := session.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	if len(res.Content) == 0 {
		t.Fatalf("CallTool(%s): empty content", name)
	}
	tc, ok := res.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("CallTool(%s): content %T", name, res.Content[0])
	}
	return tc.Text, res.IsError
}

func TestInspector_MCP(t *testing.T) {
	_, in, ctx := connected(t, Config{SnapshotDepth: -1})
	session := mcpSession(t, in)
	p := find(t, ctx, in, byAttr("id", "p"))

	text, isErr := callTool(t, session, "mirror_select", map[string]any{"id": p})
	if isErr || !strings.Contains(text, `"selected":true`) {
		t.Fatalf("mirror_select: %s", text)
	}

	text, isErr = callTool(t, session, "mirror_tree", map[string]any{})
	var tr TreeResponse
	if isErr || json.Unmarshal([]byte(text), &tr) != nil || tr.Selected != p {
		t.Fatalf("mirror_tree: %s", text)
	}

	text, isErr = callTool(t, session, "mirror_stats", nil)
	var st Stats
	if isErr || json.Unmarshal([]byte(text), &st) != nil || st.Store.Nodes == 0 {
		t.Fatalf("mirror_stats: %s", text)
	}

	if text, isErr = callTool(t, session, "mirror_node", map[string]any{"id": 999999}); !isErr {
		t.Fatalf("mirror_node on unknown id: %s", text)
	}
	if text, isErr = callTool(t, session, "mirror_refresh", map[string]any{"id": p}); isErr || !strings.Contains(text, `"selected":true`) {
		t.Fatalf("mirror_refresh: %s", text)
	}
	if text, isErr = callTool(t, session, "mirror_filter", map[string]any{"filter": "list"}); isErr || !strings.Contains(text, `id=\"list\"`) {
		t.Fatalf("mirror_filter: %s", text)
	}
}

func TestInspector_FromJournal(t *testing.T) {
	ctx := testContext(t)
	j, err := journal.New(dbopen.OpenMemory(t))
	if err != nil {
		t.Fatal(err)
	}
	h := startHost(t, ctx, page, host.Config{Sinks: []sink.Sink{j}})
	if err := h.EnableAutoUpdates(ctx); err != nil {
		t.Fatal(err)
	}
	eventually(t, "initial snapshot in journal", func() bool {
		head, err := j.Head(ctx)
		return err == nil && head >= 1
	})

	in := NewFromJournal(j, Config{PollInterval: 10 * time.Millisecond})
	go in.Run(ctx)
	if err := in.Start(ctx); err != nil {
		t.Fatal(err)
	}
	// The initial snapshot uses the capture default depth, which reaches p.
	p := find(t, ctx, in, byAttr("id", "p"))

	h.Do(ctx, func(doc *livedom.Document) { doc.SetAttr(doc.FindByID("p"), "class", "tailed") })
	eventually(t, "tailed attribute", func() bool { return attrOf(ctx, in, p, "class") == "tailed" })

	st, _ := in.Stats(ctx)
	if st.Cursor < 2 {
		t.Fatalf("cursor = %d", st.Cursor)
	}
}
