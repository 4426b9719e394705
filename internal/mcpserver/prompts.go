package mcpserver

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// registerPrompts registers the three MCP prompts spec.md §6 names. Like
// registerResources, this call shape has no grounding anywhere in the
// retrieval pack (see the comment on registerResources) and is written
// from general knowledge of the SDK's prompt convention.
func (s *Server) registerPrompts() {
	s.mcp.AddPrompt(&mcp.Prompt{
		Name:        "find_by_exact_tags",
		Description: "Guide the caller through an exact tag-match search",
		Arguments: []*mcp.PromptArgument{
			{Name: "tags", Description: "Comma-separated key:value pairs to match exactly", Required: true},
		},
	}, s.promptFindByExactTags)

	s.mcp.AddPrompt(&mcp.Prompt{
		Name:        "find_by_semantic_search",
		Description: "Guide the caller through a natural-language semantic search",
		Arguments: []*mcp.PromptArgument{
			{Name: "question", Description: "What the caller wants to find", Required: true},
		},
	}, s.promptFindBySemanticSearch)

	s.mcp.AddPrompt(&mcp.Prompt{
		Name:        "help_me_search",
		Description: "Recommend which search tool/mode fits a caller's described need",
		Arguments: []*mcp.PromptArgument{
			{Name: "description", Description: "Free-form description of what the caller is looking for", Required: true},
		},
	}, s.promptHelpMeSearch)
}

func (s *Server) promptFindByExactTags(ctx context.Context, req *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	tags := req.Params.Arguments["tags"]
	return &mcp.GetPromptResult{
		Description: "Exact tag-match search",
		Messages: []*mcp.PromptMessage{
			{
				Role: "user",
				Content: &mcp.TextContent{Text: fmt.Sprintf(
					"Call search_by_tags with the following key:value pairs parsed from %q, "+
						"then present the matching vCon UUIDs.", tags)},
			},
		},
	}, nil
}

func (s *Server) promptFindBySemanticSearch(ctx context.Context, req *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	question := req.Params.Arguments["question"]
	return &mcp.GetPromptResult{
		Description: "Semantic search",
		Messages: []*mcp.PromptMessage{
			{
				Role: "user",
				Content: &mcp.TextContent{Text: fmt.Sprintf(
					"Call search_vcons_semantic with query=%q and a reasonable threshold, "+
						"then summarize the top matches.", question)},
			},
		},
	}, nil
}

func (s *Server) promptHelpMeSearch(ctx context.Context, req *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	description := req.Params.Arguments["description"]
	return &mcp.GetPromptResult{
		Description: "Search mode recommendation",
		Messages: []*mcp.PromptMessage{
			{
				Role: "user",
				Content: &mcp.TextContent{Text: fmt.Sprintf(
					"Given this need: %q — decide whether search_vcons (keyword), "+
						"search_vcons_semantic, search_vcons_hybrid, or search_by_tags "+
						"fits best, explain why, then call it.", description)},
			},
		},
	}, nil
}
