package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/rakunlabs/vcon-mcp/internal/registry"
	"github.com/rakunlabs/vcon-mcp/internal/store"
	"github.com/rakunlabs/vcon-mcp/internal/vcon"
)

// registerResources registers the five MCP resources spec.md §6 names.
//
// No example repo in the retrieval pack registers a resource against the
// official modelcontextprotocol/go-sdk: the only AddResource/AddPrompt
// call sites found anywhere in the pack belong to the unrelated
// mark3labs/mcp-go server package (and one repo had its own integration
// commented out entirely). This registration shape is therefore inferred
// from the SDK's general request/handler convention the same AddTool
// calls follow elsewhere in this package, not grounded on a retrieved
// call site — flagged here as a documented assumption.
func (s *Server) registerResources() {
	s.mcp.AddResource(&mcp.Resource{
		URI:         "vcon://recent",
		Name:        "recent-vcons",
		Description: "The most recently created vCons, full body",
		MIMEType:    "application/json",
	}, s.readRecentVCons)

	s.mcp.AddResource(&mcp.Resource{
		URI:         "vcon://recent/ids",
		Name:        "recent-vcon-ids",
		Description: "UUIDs of the most recently created vCons",
		MIMEType:    "application/json",
	}, s.readRecentVConIDs)

	s.mcp.AddResource(&mcp.Resource{
		URI:         "vcon://list/ids",
		Name:        "all-vcon-ids",
		Description: "UUIDs of up to 1000 vCons, newest first",
		MIMEType:    "application/json",
	}, s.readAllVConIDs)

	s.mcp.AddResourceTemplate(&mcp.ResourceTemplate{
		URITemplate: "vcon://uuid/{uuid}",
		Name:        "vcon-by-uuid",
		Description: "A single vCon, full body",
		MIMEType:    "application/json",
	}, s.readVConByUUID)

	s.mcp.AddResourceTemplate(&mcp.ResourceTemplate{
		URITemplate: "vcon://uuid/{uuid}/metadata",
		Name:        "vcon-metadata-by-uuid",
		Description: "A single vCon's metadata only (no dialog/analysis bodies)",
		MIMEType:    "application/json",
	}, s.readVConMetadataByUUID)
}

func (s *Server) readRecentVCons(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	vcs, err := s.dispatcher.List(ctx, store.ListFilter{Limit: 20})
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(vcs)
	if err != nil {
		return nil, err
	}
	return jsonResourceResult(req.Params.URI, body), nil
}

func (s *Server) readRecentVConIDs(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	vcs, err := s.dispatcher.List(ctx, store.ListFilter{Limit: 20})
	if err != nil {
		return nil, err
	}
	return jsonResourceResult(req.Params.URI, uuidsJSON(vcs)), nil
}

func (s *Server) readAllVConIDs(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	vcs, err := s.dispatcher.List(ctx, store.ListFilter{Limit: 1000})
	if err != nil {
		return nil, err
	}
	return jsonResourceResult(req.Params.URI, uuidsJSON(vcs)), nil
}

func (s *Server) readVConByUUID(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	uuid, ok := req.Params.URITemplateArguments["uuid"]
	if !ok {
		return nil, fmt.Errorf("missing uuid path argument")
	}
	vc, err := s.dispatcher.GetVCon(ctx, uuid, registry.RequestContext{Purpose: "resource_read"})
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(vc)
	if err != nil {
		return nil, err
	}
	return jsonResourceResult(req.Params.URI, body), nil
}

func (s *Server) readVConMetadataByUUID(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	uuid, ok := req.Params.URITemplateArguments["uuid"]
	if !ok {
		return nil, fmt.Errorf("missing uuid path argument")
	}
	vc, err := s.dispatcher.GetVCon(ctx, uuid, registry.RequestContext{Purpose: "resource_read"})
	if err != nil {
		return nil, err
	}
	meta := struct {
		UUID      string `json:"uuid"`
		Subject   string `json:"subject,omitempty"`
		CreatedAt string `json:"created_at"`
		UpdatedAt string `json:"updated_at"`
	}{UUID: vc.UUID, Subject: vc.Subject, CreatedAt: vc.CreatedAt.Format("2006-01-02T15:04:05Z07:00"), UpdatedAt: vc.UpdatedAt.Format("2006-01-02T15:04:05Z07:00")}
	body, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	return jsonResourceResult(req.Params.URI, body), nil
}

func uuidsJSON(vcs []*vcon.VCon) []byte {
	uuids := make([]string, len(vcs))
	for i, vc := range vcs {
		uuids[i] = vc.UUID
	}
	body, _ := json.Marshal(uuids)
	return body
}

func jsonResourceResult(uri string, body []byte) *mcp.ReadResourceResult {
	return &mcp.ReadResourceResult{
		Contents: []*mcp.ResourceContents{
			{URI: uri, MIMEType: "application/json", Text: string(body)},
		},
	}
}
