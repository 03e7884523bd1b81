package catalog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/systempromptio/systemprompt-mcp-server/internal/mcp"
	"github.com/systempromptio/systemprompt-mcp-server/internal/registry"
)

// Resource URIs the prompt templates and clients address.
const (
	ResearchGuidelinesURI = "systemprompt://guidelines/research"
	ReplyVoiceURI         = "systemprompt://guidelines/voice"
	IdentityResourceURI   = "reddit://me"
)

const researchGuidelines = `# Reddit research guidelines

- Ground every claim in posts or comments you actually fetched; cite the
  permalink next to the claim.
- Report scores and comment counts as observed at fetch time and say so.
- Separate what the community says from what you conclude about it.
- Skip deleted and removed content; note when a thread is marked NSFW.
- Prefer recent threads unless the request asks for history.
`

const replyVoice = `# Reply voice

- Plain, direct sentences. No marketing tone.
- Answer the question asked before adding context.
- Quote the relevant part of the parent post when it keeps the reply short.
- Disagree with the argument, never the person.
- Link sources instead of restating them at length.
`

// Resources builds the resource catalog: the fixed guideline documents plus
// the credential-gated identity document.
func Resources(api UpstreamAPI) *registry.StaticResources {
	return registry.NewStaticResources(
		registry.TextResource(ResearchGuidelinesURI, "research-guidelines",
			"House rules for summarizing Reddit content.", "text/markdown", researchGuidelines),
		registry.TextResource(ReplyVoiceURI, "reply-voice",
			"Style guide for drafted replies.", "text/markdown", replyVoice),
		identityResource(api),
	)
}

// identityResource reads /api/v1/me through the session's upstream token, so
// it requires credentials the way the authenticated tools do.
func identityResource(api UpstreamAPI) registry.StaticResource {
	return registry.StaticResource{
		Descriptor: mcp.Resource{
			URI:         IdentityResourceURI,
			Name:        "reddit-identity",
			Description: "The Reddit account this session is authenticated as.",
			MimeType:    "application/json",
		},
		RequiresAuth: true,
		Read: func(ctx context.Context, hc *registry.HandlerContext) ([]mcp.ResourceContents, error) {
			ident, err := api.Me(ctx, hc.Credentials.UpstreamAccessToken)
			if err != nil {
				return nil, err
			}
			b, err := json.MarshalIndent(identityViewFrom(ident), "", "  ")
			if err != nil {
				return nil, fmt.Errorf("encode identity: %w", err)
			}
			return []mcp.ResourceContents{{
				URI:      IdentityResourceURI,
				MimeType: "application/json",
				Text:     string(b),
			}}, nil
		},
	}
}
