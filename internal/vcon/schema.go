package vcon

import (
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rakunlabs/vcon-mcp/internal/vconerr"
)

//go:embed schema/vcon.schema.json
var rawSchema []byte

const schemaID = "https://github.com/rakunlabs/vcon-mcp/internal/vcon/schema/vcon.schema.json"

var (
	compiledSchema         *jsonschema.Schema
	compiledAnalysisSchema *jsonschema.Schema
)

func init() {
	var doc any
	if err := json.Unmarshal(rawSchema, &doc); err != nil {
		panic(fmt.Errorf("vcon: embedded schema is not valid JSON: %w", err))
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemaID, doc); err != nil {
		panic(fmt.Errorf("vcon: failed to load embedded schema: %w", err))
	}
	sch, err := c.Compile(schemaID)
	if err != nil {
		panic(fmt.Errorf("vcon: failed to compile embedded schema: %w", err))
	}
	compiledSchema = sch

	// Compiled separately so append_analysis can validate a standalone
	// Analysis object against the same additionalProperties:false rules
	// the root document's analysis array entries follow, without needing
	// a full vCon document to wrap it in.
	analysisSch, err := c.Compile(schemaID + "#/properties/analysis/items")
	if err != nil {
		panic(fmt.Errorf("vcon: failed to compile embedded analysis schema: %w", err))
	}
	compiledAnalysisSchema = analysisSch
}

// ValidateSchema runs the JSON-Schema structural pass over v, ahead of the
// hand-written cross-field checks in Validate. It catches shape errors
// (missing required fields, wrong enum members) before indexes and
// references are reasoned about.
//
// It validates the re-marshaled Go struct, so fields the struct doesn't
// know about are already gone by this point. Callers that need to reject
// unknown fields in a caller-supplied payload (e.g. schema_version instead
// of schema) must call ValidateRawSchema on the original bytes first.
func (v *VCon) ValidateSchema() error {
	data, err := toSchemaDoc(v)
	if err != nil {
		return vconerr.Storage(err, false)
	}
	return validateDoc(data)
}

// ValidateRawSchema runs the JSON-Schema pass directly over the caller's
// original JSON bytes, before they are ever unmarshaled into a typed Go
// struct. Unlike ValidateSchema, it sees fields the struct would silently
// drop, so additionalProperties:false in the embedded schema actually
// rejects things like an Analysis carrying schema_version instead of
// schema.
func ValidateRawSchema(raw []byte) error {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return vconerr.Validation("", fmt.Sprintf("invalid JSON: %v", err))
	}
	return validateAgainst(compiledSchema, doc)
}

// ValidateRawAnalysisSchema validates a standalone Analysis object, as sent
// to append_analysis, against the embedded schema's analysis item rules
// (including additionalProperties:false) before it is unmarshaled into the
// Go struct and loses any field the struct doesn't recognize.
func ValidateRawAnalysisSchema(raw []byte) error {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return vconerr.Validation("", fmt.Sprintf("invalid JSON: %v", err))
	}
	return validateAgainst(compiledAnalysisSchema, doc)
}

func validateDoc(data any) error {
	return validateAgainst(compiledSchema, data)
}

func validateAgainst(sch *jsonschema.Schema, data any) error {
	if err := sch.Validate(data); err != nil {
		if ve, ok := err.(*jsonschema.ValidationError); ok {
			return vconerr.Validation(schemaFieldPath(ve), ve.Error())
		}
		return vconerr.Validation("", err.Error())
	}
	return nil
}

func toSchemaDoc(v *VCon) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func schemaFieldPath(ve *jsonschema.ValidationError) string {
	if len(ve.InstanceLocation) == 0 {
		return ""
	}
	path := ve.InstanceLocation[0]
	for _, seg := range ve.InstanceLocation[1:] {
		path += "." + seg
	}
	return path
}
