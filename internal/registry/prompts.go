package registry

import (
	"context"
	"sort"
	"strings"

	"github.com/systempromptio/systemprompt-mcp-server/internal/mcp"
)

// PromptTemplate is one renderable prompt. Message text may carry two kinds
// of placeholders: `{{<arg>}}` for each declared argument and
// `{{resource_<key>}}` for each entry of Resources, which maps the key to a
// resource URI whose body is injected at render time.
type PromptTemplate struct {
	Name        string
	Description string
	Arguments   []mcp.PromptArgument
	Messages    []PromptMessageTemplate
	// Resources maps placeholder keys to resource URIs. Injection is
	// best-effort: an unreadable resource renders as an empty string.
	Resources map[string]string
}

// PromptMessageTemplate is one message of a template.
type PromptMessageTemplate struct {
	Role mcp.Role
	Text string
}

// StaticPrompts is a fixed prompt catalog rendering against a resource
// registry.
type StaticPrompts struct {
	prompts   map[string]PromptTemplate
	resources ResourceRegistry
}

// NewStaticPrompts builds the catalog. resources may be nil when no template
// references one.
func NewStaticPrompts(resources ResourceRegistry, prompts ...PromptTemplate) *StaticPrompts {
	m := make(map[string]PromptTemplate, len(prompts))
	for _, p := range prompts {
		m[p.Name] = p
	}
	return &StaticPrompts{prompts: m, resources: resources}
}

func (sp *StaticPrompts) ListPrompts(ctx context.Context) []mcp.Prompt {
	out := make([]mcp.Prompt, 0, len(sp.prompts))
	for _, p := range sp.prompts {
		out = append(out, mcp.Prompt{
			Name:        p.Name,
			Description: p.Description,
			Arguments:   p.Arguments,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (sp *StaticPrompts) GetPrompt(ctx context.Context, hc *HandlerContext, name string, args map[string]string) (*mcp.GetPromptResult, error) {
	tpl, ok := sp.prompts[name]
	if !ok {
		return nil, ErrNotFound
	}

	var missing []string
	for _, arg := range tpl.Arguments {
		if !arg.Required {
			continue
		}
		if v, ok := args[arg.Name]; !ok || v == "" {
			missing = append(missing, arg.Name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, &MissingArgumentsError{Paths: missing}
	}

	replacements := make([]string, 0, 2*(len(tpl.Arguments)+len(tpl.Resources)))
	for _, arg := range tpl.Arguments {
		replacements = append(replacements, "{{"+arg.Name+"}}", args[arg.Name])
	}
	for key, uri := range tpl.Resources {
		replacements = append(replacements, "{{resource_"+key+"}}", sp.resourceBody(ctx, hc, uri))
	}
	replacer := strings.NewReplacer(replacements...)

	messages := make([]mcp.PromptMessage, 0, len(tpl.Messages))
	for _, m := range tpl.Messages {
		messages = append(messages, mcp.PromptMessage{
			Role:    m.Role,
			Content: mcp.TextBlock(replacer.Replace(m.Text)),
		})
	}
	return &mcp.GetPromptResult{
		Description: tpl.Description,
		Messages:    messages,
	}, nil
}

// resourceBody reads a referenced resource, returning "" when it cannot:
// injection never fails a render.
func (sp *StaticPrompts) resourceBody(ctx context.Context, hc *HandlerContext, uri string) string {
	if sp.resources == nil {
		return ""
	}
	contents, err := sp.resources.ReadResource(ctx, hc, uri)
	if err != nil || len(contents) == 0 {
		return ""
	}
	var b strings.Builder
	for _, c := range contents {
		if c.Text != "" {
			b.WriteString(c.Text)
		}
	}
	return b.String()
}
