package registry

import (
	"context"
	"errors"
	"sort"

	"github.com/systempromptio/systemprompt-mcp-server/internal/mcp"
)

// ResourceReadFunc produces the contents of one resource.
type ResourceReadFunc func(ctx context.Context, hc *HandlerContext) ([]mcp.ResourceContents, error)

// StaticResource pairs a resource descriptor with its reader.
type StaticResource struct {
	Descriptor mcp.Resource
	// RequiresAuth gates reads on the session holding upstream credentials.
	RequiresAuth bool
	Read         ResourceReadFunc
}

// TextResource builds a fixed-body text resource.
func TextResource(uri, name, description, mimeType, text string) StaticResource {
	if mimeType == "" {
		mimeType = "text/plain"
	}
	desc := mcp.Resource{URI: uri, Name: name, Description: description, MimeType: mimeType}
	body := []mcp.ResourceContents{{URI: uri, MimeType: mimeType, Text: text}}
	return StaticResource{
		Descriptor: desc,
		Read: func(ctx context.Context, hc *HandlerContext) ([]mcp.ResourceContents, error) {
			return body, nil
		},
	}
}

// StaticResources is a fixed, flat resource catalog.
type StaticResources struct {
	resources map[string]StaticResource
}

// NewStaticResources builds the catalog. Duplicate URIs: last write wins.
func NewStaticResources(defs ...StaticResource) *StaticResources {
	m := make(map[string]StaticResource, len(defs))
	for _, d := range defs {
		m[d.Descriptor.URI] = d
	}
	return &StaticResources{resources: m}
}

func (sr *StaticResources) ListResources(ctx context.Context) []mcp.Resource {
	out := make([]mcp.Resource, 0, len(sr.resources))
	for _, d := range sr.resources {
		out = append(out, d.Descriptor)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URI < out[j].URI })
	return out
}

func (sr *StaticResources) ReadResource(ctx context.Context, hc *HandlerContext, uri string) ([]mcp.ResourceContents, error) {
	d, ok := sr.resources[uri]
	if !ok {
		return nil, ErrNotFound
	}
	if d.RequiresAuth && (hc == nil || !hc.Credentials.Valid()) {
		return nil, ErrAuthRequired
	}
	return d.Read(ctx, hc)
}

// MultiResources merges catalogs. Listing concatenates and re-sorts; reads
// try each catalog in order until one claims the URI.
type MultiResources []ResourceRegistry

func (mr MultiResources) ListResources(ctx context.Context) []mcp.Resource {
	var out []mcp.Resource
	for _, r := range mr {
		out = append(out, r.ListResources(ctx)...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URI < out[j].URI })
	return out
}

func (mr MultiResources) ReadResource(ctx context.Context, hc *HandlerContext, uri string) ([]mcp.ResourceContents, error) {
	for _, r := range mr {
		contents, err := r.ReadResource(ctx, hc, uri)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		return contents, err
	}
	return nil, ErrNotFound
}

// Subscriber merges the change streams of every member catalog that has one.
func (mr MultiResources) Subscriber() <-chan struct{} {
	out := make(chan struct{}, 1)
	for _, r := range mr {
		sub, ok := r.(ChangeSubscriber)
		if !ok {
			continue
		}
		ch := sub.Subscriber()
		go func() {
			for range ch {
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}()
	}
	return out
}
