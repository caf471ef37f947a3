package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/hazyhaar/domirror/wire"
)

// capture records every message the router transmits.
type capture struct {
	mu   sync.Mutex
	sent []*wire.Message
	fail error
}

func (c *capture) Send(_ context.Context, data []byte) error {
	if c.fail != nil {
		return c.fail
	}
	m, err := wire.ParseMessage(data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.sent = append(c.sent, m)
	c.mu.Unlock()
	return nil
}

func (c *capture) last() *wire.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent[len(c.sent)-1]
}

func TestRouter_ResolvesByID(t *testing.T) {
	tr := &capture{}
	r := NewRouter(tr)
	ctx := context.Background()

	c1 := r.SendCommand(ctx, "A.one", nil)
	c2 := r.SendCommand(ctx, "A.two", map[string]int{"x": 1})
	if c1.ID == c2.ID {
		t.Fatal("ids reused")
	}
	if r.Pending() != 2 {
		t.Fatalf("pending: %d", r.Pending())
	}

	r.Dispatch(ctx, `{"id":2,"result":{"ok":true}}`)
	var out struct{ OK bool }
	select {
	case <-c2.Done():
	default:
		t.Fatal("c2 not settled")
	}
	if err := c2.Decode(&out); err != nil || !out.OK {
		t.Errorf("decode: %v %+v", err, out)
	}
	select {
	case <-c1.Done():
		t.Fatal("c1 settled by c2's response")
	default:
	}

	// A second response for the same id is ignored.
	r.Dispatch(ctx, `{"id":2,"error":"late"}`)
	if c2.Err() != nil {
		t.Errorf("settled twice: %v", c2.Err())
	}
}

func TestRouter_RejectsWithError(t *testing.T) {
	r := NewRouter(&capture{})
	ctx := context.Background()
	c := r.SendCommand(ctx, "A.fail", nil)
	r.Dispatch(ctx, []byte(`{"id":1,"error":{"code":-32000,"message":"nope"}}`))

	var rpcErr *wire.RPCError
	if !errors.As(c.Err(), &rpcErr) || rpcErr.Message != "nope" {
		t.Errorf("err: %v", c.Err())
	}
}

func TestRouter_NestedStringResult(t *testing.T) {
	r := NewRouter(&capture{})
	ctx := context.Background()
	c := r.SendCommand(ctx, "A.nested", nil)
	r.Dispatch(ctx, `{"id":1,"result":"{\"n\":7}"}`)

	var out struct{ N int }
	if err := c.Decode(&out); err != nil || out.N != 7 {
		t.Errorf("decode: %v %+v", err, out)
	}
}

func TestRouter_ChildNodesCallbackBeforeSettle(t *testing.T) {
	r := NewRouter(&capture{})
	ctx := context.Background()
	var order []string
	r.OnChildNodes(func(cn *wire.ChildNodes) {
		order = append(order, "callback")
		if cn.ParentID != 5 || len(cn.Nodes) != 1 {
			t.Errorf("child nodes: %+v", cn)
		}
	})
	c := r.SendCommand(ctx, wire.MethodRequestChildNodes, wire.RequestChildNodesParams{NodeID: 5})
	c.Then(func(*Call) { order = append(order, "settled") })

	r.Dispatch(ctx, `{"id":1,"result":{"parentId":5,"nodes":[{"id":6,"nodeType":1,"nodeName":"LI"}]}}`)
	if len(order) != 2 || order[0] != "callback" || order[1] != "settled" {
		t.Errorf("order: %v", order)
	}
}

func TestRouter_EventFanOutSurvivesListenerFailure(t *testing.T) {
	r := NewRouter(&capture{})
	ctx := context.Background()
	var got []string
	r.On("X.ev", func(json.RawMessage) error { panic("boom") })
	r.On("X.ev", func(json.RawMessage) error { return errors.New("bad") })
	off := r.On("X.ev", func(p json.RawMessage) error {
		got = append(got, string(p))
		return nil
	})

	r.Dispatch(ctx, `{"method":"X.ev","params":{"a":1}}`)
	if len(got) != 1 || got[0] != `{"a":1}` {
		t.Fatalf("got %v", got)
	}
	off()
	r.Dispatch(ctx, `{"method":"X.ev","params":{}}`)
	if len(got) != 1 {
		t.Errorf("listener still registered: %v", got)
	}
}

func TestRouter_DropsMalformed(t *testing.T) {
	r := NewRouter(&capture{})
	ctx := context.Background()
	c := r.SendCommand(ctx, "A.x", nil)
	for _, m := range []any{"", "not json", `{"foo":1}`, 42, `{"id":"abc"}`} {
		r.Dispatch(ctx, m)
	}
	select {
	case <-c.Done():
		t.Fatal("malformed message settled a call")
	default:
	}
}

func TestRouter_ServesCommands(t *testing.T) {
	tr := &capture{}
	r := NewRouter(tr, WithCommandHandler(func(_ context.Context, method string, _ json.RawMessage) (any, error) {
		if method == "ok" {
			return map[string]int{"v": 1}, nil
		}
		return nil, errors.New("unsupported")
	}))
	ctx := context.Background()

	r.Dispatch(ctx, `{"id":9,"method":"ok","params":{}}`)
	if m := tr.last(); *m.ID != 9 || m.Error != nil || string(m.Result) != `{"v":1}` {
		t.Errorf("ok response: %+v", m)
	}
	r.Dispatch(ctx, `{"id":10,"method":"nope"}`)
	if m := tr.last(); *m.ID != 10 || m.Error == nil || m.Error.Message != "unsupported" {
		t.Errorf("error response: %+v", m)
	}
}

func TestRouter_SendFailureAndClose(t *testing.T) {
	ctx := context.Background()
	r := NewRouter(&capture{fail: errors.New("down")})
	if c := r.SendCommand(ctx, "A.x", nil); c.Err() == nil || r.Pending() != 0 {
		t.Errorf("send failure: err=%v pending=%d", c.Err(), r.Pending())
	}

	r2 := NewRouter(&capture{})
	c := r2.SendCommand(ctx, "A.y", nil)
	r2.Close()
	if !errors.Is(c.Err(), ErrClosed) {
		t.Errorf("close: %v", c.Err())
	}
	if c := r2.SendCommand(ctx, "A.z", nil); !errors.Is(c.Err(), ErrClosed) {
		t.Errorf("after close: %v", c.Err())
	}
}
