package inspector

import (
	"context"

	"github.com/hazyhaar/domirror/idgen"
	"github.com/hazyhaar/domirror/kit"
)

// Request shapes shared by the HTTP API and the MCP tools.

type nodeRequest struct {
	ID int64 `json:"id"`
}

type filterRequest struct {
	Filter string `json:"filter"`
}

type expandRequest struct {
	ID       int64 `json:"id"`
	Collapse bool  `json:"collapse,omitempty"`
}

// TreeResponse carries the rendered tree.
type TreeResponse struct {
	Root     int64  `json:"root"`
	Selected int64  `json:"selected,omitempty"`
	Tree     string `json:"tree"`
}

type endpoints struct {
	tree, node, sel, filter, expand, refresh, stats, reload kit.Endpoint
}

func (in *Inspector) endpoints() *endpoints {
	reqIDs := idgen.Prefixed("req_", idgen.NanoID(12))
	wrap := func(op string, e kit.Endpoint) kit.Endpoint {
		return kit.Chain(kit.RequestID(reqIDs), kit.Logging(in.logger, op))(e)
	}
	return &endpoints{
		tree: wrap("tree", func(ctx context.Context, _ any) (any, error) {
			return in.treeResponse(ctx)
		}),
		node: wrap("node", func(ctx context.Context, req any) (any, error) {
			return in.Node(ctx, req.(*nodeRequest).ID)
		}),
		sel: wrap("select", func(ctx context.Context, req any) (any, error) {
			id := req.(*nodeRequest).ID
			if err := in.Select(ctx, id); err != nil {
				return nil, err
			}
			return in.Node(ctx, id)
		}),
		filter: wrap("filter", func(ctx context.Context, req any) (any, error) {
			if err := in.SetFilter(ctx, req.(*filterRequest).Filter); err != nil {
				return nil, err
			}
			return in.treeResponse(ctx)
		}),
		expand: wrap("expand", func(ctx context.Context, req any) (any, error) {
			r := req.(*expandRequest)
			if err := in.Expand(ctx, r.ID, !r.Collapse); err != nil {
				return nil, err
			}
			return in.treeResponse(ctx)
		}),
		refresh: wrap("refresh", func(ctx context.Context, req any) (any, error) {
			id := req.(*nodeRequest).ID
			if err := in.Refresh(ctx, id); err != nil {
				return nil, err
			}
			return in.Node(ctx, id)
		}),
		stats: wrap("stats", func(ctx context.Context, _ any) (any, error) {
			return in.Stats(ctx)
		}),
		reload: wrap("reload", func(ctx context.Context, _ any) (any, error) {
			if err := in.Reload(ctx); err != nil {
				return nil, err
			}
			return map[string]string{"status": "reloading"}, nil
		}),
	}
}

func (in *Inspector) treeResponse(ctx context.Context) (*TreeResponse, error) {
	var resp TreeResponse
	err := in.loop.Do(ctx, func() {
		in.render.FlushAll()
		resp = TreeResponse{
			Root:     in.store.RootID(),
			Selected: in.store.Selected(),
			Tree:     in.text.String(),
		}
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}
