package catalog

import (
	"github.com/systempromptio/systemprompt-mcp-server/internal/mcp"
	"github.com/systempromptio/systemprompt-mcp-server/internal/registry"
)

// Prompts builds the prompt catalog. Templates pull the guideline resources
// in through {{resource_*}} placeholders at render time.
func Prompts(resources registry.ResourceRegistry) *registry.StaticPrompts {
	return registry.NewStaticPrompts(resources,
		registry.PromptTemplate{
			Name:        "analyze_subreddit",
			Description: "Builds a research briefing for one subreddit.",
			Arguments: []mcp.PromptArgument{
				{Name: "subreddit", Description: "Subreddit name without the r/ prefix", Required: true},
				{Name: "focus", Description: "Optional angle to concentrate on"},
			},
			Messages: []registry.PromptMessageTemplate{
				{Role: mcp.RoleUser, Text: "Research r/{{subreddit}} with the available Reddit tools: " +
					"list the hot posts, read the ones that matter, and check the subreddit's about document.\n" +
					"Focus: {{focus}}\n\n" +
					"{{resource_guidelines}}"},
			},
			Resources: map[string]string{"guidelines": ResearchGuidelinesURI},
		},
		registry.PromptTemplate{
			Name:        "draft_reply",
			Description: "Drafts a reply to a Reddit post in the house voice.",
			Arguments: []mcp.PromptArgument{
				{Name: "post_title", Description: "Title of the post being answered", Required: true},
				{Name: "post_body", Description: "Body of the post being answered"},
				{Name: "tone", Description: "Optional tone adjustment such as formal or playful"},
			},
			Messages: []registry.PromptMessageTemplate{
				{Role: mcp.RoleUser, Text: "Draft a reply to this Reddit post.\n\n" +
					"Title: {{post_title}}\n" +
					"Body: {{post_body}}\n" +
					"Tone: {{tone}}\n\n" +
					"{{resource_voice}}"},
			},
			Resources: map[string]string{"voice": ReplyVoiceURI},
		},
	)
}
