package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/rakunlabs/vcon-mcp/internal/registry"
	"github.com/rakunlabs/vcon-mcp/internal/search"
	"github.com/rakunlabs/vcon-mcp/internal/tenant"
	"github.com/rakunlabs/vcon-mcp/internal/vcon"
)

func (s *Server) registerTools() {
	s.registerCRUDTools()
	s.registerChildTools()
	s.registerSearchTools()
	s.registerTagTools()
	s.registerIntrospectionTools()
}

func reqContext(userID, purpose string) registry.RequestContext {
	return registry.RequestContext{UserID: userID, Purpose: purpose}
}

// ===== CRUD TOOLS =====

type createVConInput struct {
	VConJSON string `json:"vcon_json" jsonschema:"required,Full vCon document as JSON"`
	UserID   string `json:"user_id,omitempty" jsonschema:"Caller identity, threaded through hooks"`
}

type vconOutput struct {
	VConJSON string `json:"vcon_json" jsonschema:"The resulting vCon document as JSON"`
}

func (s *Server) registerCRUDTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "create_vcon",
		Description: "Create a new vCon conversation document",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args createVConInput) (*mcp.CallToolResult, vconOutput, error) {
		if err := vcon.ValidateRawSchema([]byte(args.VConJSON)); err != nil {
			return nil, vconOutput{}, err
		}
		var vc vcon.VCon
		if err := json.Unmarshal([]byte(args.VConJSON), &vc); err != nil {
			return nil, vconOutput{}, fmt.Errorf("invalid vcon_json: %w", err)
		}

		created, err := s.dispatcher.CreateVCon(ctx, &vc, reqContext(args.UserID, "create_vcon"))
		if err != nil {
			return nil, vconOutput{}, err
		}

		out, err := json.Marshal(created)
		if err != nil {
			return nil, vconOutput{}, err
		}
		return textResult(fmt.Sprintf("created vCon %s", created.UUID)), vconOutput{VConJSON: string(out)}, nil
	})

	type getVConInput struct {
		UUID   string `json:"uuid" jsonschema:"required,vCon UUID"`
		UserID string `json:"user_id,omitempty" jsonschema:"Caller identity, threaded through hooks"`
	}
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "get_vcon",
		Description: "Fetch a vCon by UUID",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args getVConInput) (*mcp.CallToolResult, vconOutput, error) {
		vc, err := s.dispatcher.GetVCon(ctx, args.UUID, reqContext(args.UserID, "get_vcon"))
		if err != nil {
			return nil, vconOutput{}, err
		}
		out, err := json.Marshal(vc)
		if err != nil {
			return nil, vconOutput{}, err
		}
		return textResult(fmt.Sprintf("fetched vCon %s", vc.UUID)), vconOutput{VConJSON: string(out)}, nil
	})

	type updateVConInput struct {
		UUID     string `json:"uuid" jsonschema:"required,vCon UUID to update"`
		VConJSON string `json:"vcon_json" jsonschema:"required,Replacement vCon document as JSON"`
		UserID   string `json:"user_id,omitempty" jsonschema:"Caller identity, threaded through hooks"`
	}
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "update_vcon",
		Description: "Replace a vCon's mutable fields and children",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args updateVConInput) (*mcp.CallToolResult, vconOutput, error) {
		if err := vcon.ValidateRawSchema([]byte(args.VConJSON)); err != nil {
			return nil, vconOutput{}, err
		}
		var patch vcon.VCon
		if err := json.Unmarshal([]byte(args.VConJSON), &patch); err != nil {
			return nil, vconOutput{}, fmt.Errorf("invalid vcon_json: %w", err)
		}

		updated, err := s.dispatcher.UpdateVCon(ctx, args.UUID, &patch, reqContext(args.UserID, "update_vcon"))
		if err != nil {
			return nil, vconOutput{}, err
		}

		out, err := json.Marshal(updated)
		if err != nil {
			return nil, vconOutput{}, err
		}
		return textResult(fmt.Sprintf("updated vCon %s", updated.UUID)), vconOutput{VConJSON: string(out)}, nil
	})

	type deleteVConInput struct {
		UUID   string `json:"uuid" jsonschema:"required,vCon UUID to delete"`
		UserID string `json:"user_id,omitempty" jsonschema:"Caller identity, threaded through hooks"`
	}
	type deleteVConOutput struct {
		Deleted bool `json:"deleted"`
	}
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "delete_vcon",
		Description: "Delete a vCon by UUID",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args deleteVConInput) (*mcp.CallToolResult, deleteVConOutput, error) {
		if err := s.dispatcher.DeleteVCon(ctx, args.UUID, reqContext(args.UserID, "delete_vcon")); err != nil {
			return nil, deleteVConOutput{}, err
		}
		return textResult(fmt.Sprintf("deleted vCon %s", args.UUID)), deleteVConOutput{Deleted: true}, nil
	})
}

// ===== CHILD APPEND TOOLS =====

func (s *Server) registerChildTools() {
	type appendPartyInput struct {
		UUID      string `json:"uuid" jsonschema:"required,vCon UUID"`
		PartyJSON string `json:"party_json" jsonschema:"required,Party object as JSON"`
	}
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "append_party",
		Description: "Append a party to a vCon",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args appendPartyInput) (*mcp.CallToolResult, vconOutput, error) {
		var p vcon.Party
		if err := json.Unmarshal([]byte(args.PartyJSON), &p); err != nil {
			return nil, vconOutput{}, fmt.Errorf("invalid party_json: %w", err)
		}
		updated, err := s.dispatcher.AppendParty(ctx, args.UUID, p, reqContext("", "append_party"))
		if err != nil {
			return nil, vconOutput{}, err
		}
		out, err := json.Marshal(updated)
		if err != nil {
			return nil, vconOutput{}, err
		}
		return textResult(fmt.Sprintf("appended party to vCon %s", args.UUID)), vconOutput{VConJSON: string(out)}, nil
	})

	type appendDialogInput struct {
		UUID       string `json:"uuid" jsonschema:"required,vCon UUID"`
		DialogJSON string `json:"dialog_json" jsonschema:"required,Dialog object as JSON"`
	}
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "append_dialog",
		Description: "Append a dialog segment to a vCon",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args appendDialogInput) (*mcp.CallToolResult, vconOutput, error) {
		var d vcon.Dialog
		if err := json.Unmarshal([]byte(args.DialogJSON), &d); err != nil {
			return nil, vconOutput{}, fmt.Errorf("invalid dialog_json: %w", err)
		}
		updated, err := s.dispatcher.AppendDialog(ctx, args.UUID, d, reqContext("", "append_dialog"))
		if err != nil {
			return nil, vconOutput{}, err
		}
		out, err := json.Marshal(updated)
		if err != nil {
			return nil, vconOutput{}, err
		}
		return textResult(fmt.Sprintf("appended dialog to vCon %s", args.UUID)), vconOutput{VConJSON: string(out)}, nil
	})

	type appendAnalysisInput struct {
		UUID         string `json:"uuid" jsonschema:"required,vCon UUID"`
		AnalysisJSON string `json:"analysis_json" jsonschema:"required,Analysis object as JSON"`
	}
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "append_analysis",
		Description: "Append an analysis artifact to a vCon",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args appendAnalysisInput) (*mcp.CallToolResult, vconOutput, error) {
		if err := vcon.ValidateRawAnalysisSchema([]byte(args.AnalysisJSON)); err != nil {
			return nil, vconOutput{}, err
		}
		var a vcon.Analysis
		if err := json.Unmarshal([]byte(args.AnalysisJSON), &a); err != nil {
			return nil, vconOutput{}, fmt.Errorf("invalid analysis_json: %w", err)
		}
		updated, err := s.dispatcher.AppendAnalysis(ctx, args.UUID, a, reqContext("", "append_analysis"))
		if err != nil {
			return nil, vconOutput{}, err
		}
		out, err := json.Marshal(updated)
		if err != nil {
			return nil, vconOutput{}, err
		}
		return textResult(fmt.Sprintf("appended analysis to vCon %s", args.UUID)), vconOutput{VConJSON: string(out)}, nil
	})

	type appendAttachmentInput struct {
		UUID           string `json:"uuid" jsonschema:"required,vCon UUID"`
		AttachmentJSON string `json:"attachment_json" jsonschema:"required,Attachment object as JSON"`
	}
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "append_attachment",
		Description: "Append an attachment to a vCon",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args appendAttachmentInput) (*mcp.CallToolResult, vconOutput, error) {
		var at vcon.Attachment
		if err := json.Unmarshal([]byte(args.AttachmentJSON), &at); err != nil {
			return nil, vconOutput{}, fmt.Errorf("invalid attachment_json: %w", err)
		}
		updated, err := s.dispatcher.AppendAttachment(ctx, args.UUID, at, reqContext("", "append_attachment"))
		if err != nil {
			return nil, vconOutput{}, err
		}
		out, err := json.Marshal(updated)
		if err != nil {
			return nil, vconOutput{}, err
		}
		return textResult(fmt.Sprintf("appended attachment to vCon %s", args.UUID)), vconOutput{VConJSON: string(out)}, nil
	})

	type appendGroupInput struct {
		UUID      string `json:"uuid" jsonschema:"required,vCon UUID"`
		GroupJSON string `json:"group_json" jsonschema:"required,Group reference as JSON"`
	}
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "append_group",
		Description: "Append a group reference to a vCon",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args appendGroupInput) (*mcp.CallToolResult, vconOutput, error) {
		var g vcon.Group
		if err := json.Unmarshal([]byte(args.GroupJSON), &g); err != nil {
			return nil, vconOutput{}, fmt.Errorf("invalid group_json: %w", err)
		}
		updated, err := s.dispatcher.AppendGroup(ctx, args.UUID, g, reqContext("", "append_group"))
		if err != nil {
			return nil, vconOutput{}, err
		}
		out, err := json.Marshal(updated)
		if err != nil {
			return nil, vconOutput{}, err
		}
		return textResult(fmt.Sprintf("appended group to vCon %s", args.UUID)), vconOutput{VConJSON: string(out)}, nil
	})
}

// ===== SEARCH TOOLS =====

type searchResultOutput struct {
	VConUUID      string  `json:"vcon_uuid"`
	CombinedScore float64 `json:"combined_score"`
	SemanticScore float64 `json:"semantic_score,omitempty"`
	KeywordScore  float64 `json:"keyword_score,omitempty"`
	VConJSON      string  `json:"vcon_json,omitempty"`
}

type searchOutput struct {
	Results []searchResultOutput `json:"results"`
}

func toSearchOutput(results []search.Result) searchOutput {
	out := make([]searchResultOutput, len(results))
	for i, r := range results {
		out[i] = searchResultOutput{
			VConUUID:      r.VConUUID,
			CombinedScore: r.CombinedScore,
			SemanticScore: r.SemanticScore,
			KeywordScore:  r.KeywordScore,
		}
		if r.VCon != nil {
			if b, err := json.Marshal(r.VCon); err == nil {
				out[i].VConJSON = string(b)
			}
		}
	}
	return searchOutput{Results: out}
}

func (s *Server) registerSearchTools() {
	type keywordSearchInput struct {
		Query          string `json:"query" jsonschema:"required,Keyword/full-text query"`
		TenantID       string `json:"tenant_id,omitempty" jsonschema:"Tenant scope, when multi-tenant"`
		Limit          int    `json:"limit,omitempty" jsonschema:"Max results, default 50"`
		ResponseFormat string `json:"response_format,omitempty" jsonschema:"full, metadata, or ids_only"`
	}
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "search_vcons",
		Description: "Keyword/full-text search across vCon subjects, dialog, and analysis bodies",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args keywordSearchInput) (*mcp.CallToolResult, searchOutput, error) {
		results, err := s.dispatcher.Search(ctx, search.Request{
			Mode: search.ModeKeyword, Query: args.Query, TenantID: args.TenantID,
			Limit: args.Limit, ResponseFormat: search.ResponseFormat(args.ResponseFormat),
		}, reqContext("", "search_vcons"))
		if err != nil {
			return nil, searchOutput{}, err
		}
		return textResult(fmt.Sprintf("found %d vCons", len(results))), toSearchOutput(results), nil
	})

	type semanticSearchInput struct {
		Query          string  `json:"query" jsonschema:"required,Natural-language query to embed"`
		TenantID       string  `json:"tenant_id,omitempty" jsonschema:"Tenant scope, when multi-tenant"`
		Threshold      float64 `json:"threshold,omitempty" jsonschema:"Minimum cosine similarity, default 0.7"`
		Limit          int     `json:"limit,omitempty" jsonschema:"Max results, default 50"`
		ResponseFormat string  `json:"response_format,omitempty" jsonschema:"full, metadata, or ids_only"`
	}
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "search_vcons_semantic",
		Description: "Semantic/vector search over vCon content",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args semanticSearchInput) (*mcp.CallToolResult, searchOutput, error) {
		results, err := s.dispatcher.Search(ctx, search.Request{
			Mode: search.ModeSemantic, Query: args.Query, TenantID: args.TenantID,
			Threshold: args.Threshold, Limit: args.Limit,
			ResponseFormat: search.ResponseFormat(args.ResponseFormat),
		}, reqContext("", "search_vcons_semantic"))
		if err != nil {
			return nil, searchOutput{}, err
		}
		return textResult(fmt.Sprintf("found %d vCons", len(results))), toSearchOutput(results), nil
	})

	type hybridSearchInput struct {
		Query          string  `json:"query" jsonschema:"required,Query text used for both keyword and semantic scoring"`
		TenantID       string  `json:"tenant_id,omitempty" jsonschema:"Tenant scope, when multi-tenant"`
		Weight         float64 `json:"weight,omitempty" jsonschema:"Semantic weight in [0,1], default 0.6"`
		Limit          int     `json:"limit,omitempty" jsonschema:"Max results, default 50"`
		ResponseFormat string  `json:"response_format,omitempty" jsonschema:"full, metadata, or ids_only"`
	}
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "search_vcons_hybrid",
		Description: "Combined keyword + semantic search, weighted by 'weight'",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args hybridSearchInput) (*mcp.CallToolResult, searchOutput, error) {
		results, err := s.dispatcher.Search(ctx, search.Request{
			Mode: search.ModeHybrid, Query: args.Query, TenantID: args.TenantID,
			Weight: args.Weight, Limit: args.Limit,
			ResponseFormat: search.ResponseFormat(args.ResponseFormat),
		}, reqContext("", "search_vcons_hybrid"))
		if err != nil {
			return nil, searchOutput{}, err
		}
		return textResult(fmt.Sprintf("found %d vCons", len(results))), toSearchOutput(results), nil
	})
}

// ===== TAG TOOLS =====

func (s *Server) registerTagTools() {
	type manageTagInput struct {
		UUID      string `json:"uuid" jsonschema:"required,vCon UUID"`
		Action    string `json:"action" jsonschema:"required,set or remove"`
		Key       string `json:"key" jsonschema:"required,Tag key"`
		Value     string `json:"value,omitempty" jsonschema:"Tag value, required when action is set"`
		Overwrite bool   `json:"overwrite,omitempty" jsonschema:"For action=set: when false, fails with a conflict if key already exists"`
	}
	type manageTagOutput struct {
		Tags map[string]string `json:"tags"`
	}
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "manage_tag",
		Description: "Set or remove a single tag on a vCon",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args manageTagInput) (*mcp.CallToolResult, manageTagOutput, error) {
		tags, err := s.dispatcher.ManageTag(ctx, args.UUID, registry.TagAction(args.Action), args.Key, args.Value, args.Overwrite)
		if err != nil {
			return nil, manageTagOutput{}, err
		}
		return textResult(fmt.Sprintf("%s tag %s on vCon %s", args.Action, args.Key, args.UUID)), manageTagOutput{Tags: tags}, nil
	})

	type updateTagsInput struct {
		UUID  string            `json:"uuid" jsonschema:"required,vCon UUID"`
		Tags  map[string]string `json:"tags" jsonschema:"required,Tag key/value pairs to apply"`
		Merge bool              `json:"merge,omitempty" jsonschema:"true merges into existing tags, false replaces the entire tag set"`
	}
	type updateTagsOutput struct {
		Tags map[string]string `json:"tags"`
	}
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "update_tags",
		Description: "Bulk-update a vCon's tags, merging or replacing the whole set",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args updateTagsInput) (*mcp.CallToolResult, updateTagsOutput, error) {
		tags, err := s.dispatcher.UpdateTags(ctx, args.UUID, args.Tags, args.Merge)
		if err != nil {
			return nil, updateTagsOutput{}, err
		}
		return textResult(fmt.Sprintf("updated %d tags on vCon %s", len(tags), args.UUID)), updateTagsOutput{Tags: tags}, nil
	})

	type getTagsInput struct {
		UUID string `json:"uuid" jsonschema:"required,vCon UUID"`
	}
	type getTagsOutput struct {
		Tags map[string]string `json:"tags"`
	}
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "get_tags",
		Description: "Get every tag on a vCon",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args getTagsInput) (*mcp.CallToolResult, getTagsOutput, error) {
		tags, err := s.dispatcher.GetTags(ctx, args.UUID)
		if err != nil {
			return nil, getTagsOutput{}, err
		}
		return textResult(fmt.Sprintf("%d tags on vCon %s", len(tags), args.UUID)), getTagsOutput{Tags: tags}, nil
	})

	type removeAllTagsInput struct {
		UUID string `json:"uuid" jsonschema:"required,vCon UUID"`
	}
	type removeAllTagsOutput struct {
		OK bool `json:"ok"`
	}
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "remove_all_tags",
		Description: "Remove the tags attachment entirely from a vCon",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args removeAllTagsInput) (*mcp.CallToolResult, removeAllTagsOutput, error) {
		if err := s.dispatcher.RemoveAllTags(ctx, args.UUID); err != nil {
			return nil, removeAllTagsOutput{}, err
		}
		return textResult(fmt.Sprintf("removed all tags from vCon %s", args.UUID)), removeAllTagsOutput{OK: true}, nil
	})

	type searchByTagsInput struct {
		TenantID string            `json:"tenant_id,omitempty" jsonschema:"Tenant scope, when multi-tenant"`
		Tags     map[string]string `json:"tags" jsonschema:"required,Tag key/value pairs every match must contain"`
		Limit    int               `json:"limit,omitempty" jsonschema:"Max results, default 50"`
	}
	type searchByTagsOutput struct {
		VConUUIDs []string `json:"vcon_uuids"`
	}
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "search_by_tags",
		Description: "Find vCons whose tags are a superset of the given key/value pairs",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args searchByTagsInput) (*mcp.CallToolResult, searchByTagsOutput, error) {
		uuids, err := s.dispatcher.SearchByTags(ctx, args.TenantID, args.Tags, args.Limit)
		if err != nil {
			return nil, searchByTagsOutput{}, err
		}
		return textResult(fmt.Sprintf("found %d vCons", len(uuids))), searchByTagsOutput{VConUUIDs: uuids}, nil
	})

	type getUniqueTagsInput struct {
		TenantID string `json:"tenant_id,omitempty" jsonschema:"Tenant scope, when multi-tenant"`
	}
	type getUniqueTagsOutput struct {
		Keys []string `json:"keys"`
	}
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "get_unique_tags",
		Description: "List every distinct tag key currently in use",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args getUniqueTagsInput) (*mcp.CallToolResult, getUniqueTagsOutput, error) {
		keys, err := s.dispatcher.GetUniqueTags(ctx, args.TenantID)
		if err != nil {
			return nil, getUniqueTagsOutput{}, err
		}
		return textResult(fmt.Sprintf("%d unique tag keys", len(keys))), getUniqueTagsOutput{Keys: keys}, nil
	})
}

// ===== INTROSPECTION TOOLS =====

func (s *Server) registerIntrospectionTools() {
	type emptyInput struct{}

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "get_database_shape",
		Description: "Describe the vCon entity/table layout",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args emptyInput) (*mcp.CallToolResult, registry.DatabaseShape, error) {
		shape := s.dispatcher.GetDatabaseShape(ctx)
		return textResult("database shape"), shape, nil
	})

	type getStatsInput struct {
		TenantID string `json:"tenant_id,omitempty" jsonschema:"Tenant scope, when multi-tenant"`
	}
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "get_database_stats",
		Description: "Summarize vCon row counts",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args getStatsInput) (*mcp.CallToolResult, registry.DatabaseStats, error) {
		stats, err := s.dispatcher.GetDatabaseStats(ctx, args.TenantID)
		if err != nil {
			return nil, registry.DatabaseStats{}, err
		}
		return textResult(fmt.Sprintf("%d total vCons", stats.TotalVCons)), stats, nil
	})

	type verifyTenantContextInput struct {
		TenantID string `json:"tenant_id,omitempty" jsonschema:"Tenant to verify; defaults to the caller's resolved tenant"`
	}
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "verify_tenant_context",
		Description: "Diagnose whether the RLS session variable matches the expected tenant",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args verifyTenantContextInput) (*mcp.CallToolResult, tenant.VerifyResult, error) {
		rc := reqContext("", "verify_tenant_context")
		rc.TenantID = args.TenantID
		result, err := s.dispatcher.VerifyTenantContext(ctx, rc)
		if err != nil {
			return nil, tenant.VerifyResult{}, err
		}
		return textResult(fmt.Sprintf("expected=%q actual=%q match=%v", result.Expected, result.Actual, result.Match)), result, nil
	})
}
