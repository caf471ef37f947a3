// CLAUDE:SUMMARY Registers the mirror_* MCP tools over the inspector endpoints.
package inspector

import (
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/domirror/kit"
)

// RegisterMCP registers the mirror tools on an MCP server.
func (in *Inspector) RegisterMCP(srv *mcp.Server) {
	ep := in.endpoints()
	idProp := map[string]any{"type": "integer", "description": "Node id as shown by mirror_tree"}

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "mirror_tree",
		Description: "Render the mirrored DOM as an indented tree. Collapsed nodes hide their children; the selected node is marked with '>'.",
		InputSchema: inputSchema(nil, nil),
	}, ep.tree, kit.DecodeArgs[struct{}])

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "mirror_node",
		Description: "Return one mirrored node with its attributes, child ids and view state.",
		InputSchema: inputSchema(map[string]any{"id": idProp}, []string{"id"}),
	}, ep.node, kit.DecodeArgs[nodeRequest])

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "mirror_select",
		Description: "Select a node, expanding its ancestors so it is visible.",
		InputSchema: inputSchema(map[string]any{"id": idProp}, []string{"id"}),
	}, ep.sel, kit.DecodeArgs[nodeRequest])

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "mirror_filter",
		Description: "Show only nodes whose name, attributes or text contain the filter (case-insensitive), plus their ancestors. An empty filter clears it.",
		InputSchema: inputSchema(map[string]any{
			"filter": map[string]any{"type": "string", "description": "Text to match"},
		}, nil),
	}, ep.filter, kit.DecodeArgs[filterRequest])

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "mirror_expand",
		Description: "Expand a node, fetching children the mirror has not loaded yet, or collapse it.",
		InputSchema: inputSchema(map[string]any{
			"id":       idProp,
			"collapse": map[string]any{"type": "boolean", "description": "Collapse instead of expanding"},
		}, []string{"id"}),
	}, ep.expand, kit.DecodeArgs[expandRequest])

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "mirror_refresh",
		Description: "Fetch a node's subtree again from the page and merge it, keeping what is already loaded below it.",
		InputSchema: inputSchema(map[string]any{"id": idProp}, []string{"id"}),
	}, ep.refresh, kit.DecodeArgs[nodeRequest])

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "mirror_stats",
		Description: "Reconciler, render and store counters.",
		InputSchema: inputSchema(nil, nil),
	}, ep.stats, kit.DecodeArgs[struct{}])

	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "mirror_reload",
		Description: "Replace the mirror with a fresh snapshot, keeping expansion and selection where the nodes still exist.",
		InputSchema: inputSchema(nil, nil),
	}, ep.reload, kit.DecodeArgs[struct{}])
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	if properties == nil {
		properties = map[string]any{}
	}
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}
