package vcon

import (
	"testing"

	"github.com/rakunlabs/vcon-mcp/internal/vconerr"
)

func validBase() *VCon {
	v := New()
	return v
}

func TestValidate_EmptyIsValid(t *testing.T) {
	v := validBase()
	if err := v.Validate(false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_RejectsBadUUID(t *testing.T) {
	v := validBase()
	v.UUID = "not-a-uuid"
	err := v.Validate(false)
	if !vconerr.IsKind(err, vconerr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestValidate_DialogTypeEnum(t *testing.T) {
	v := validBase()
	v.AddDialog(Dialog{Type: "bogus", StartTime: v.CreatedAt})
	if err := v.Validate(false); err == nil {
		t.Fatal("expected error for invalid dialog type")
	}
}

func TestValidate_DialogEncodingEnum(t *testing.T) {
	v := validBase()
	bad := Encoding("gzip")
	v.AddDialog(Dialog{Type: DialogText, StartTime: v.CreatedAt, Encoding: &bad})
	if err := v.Validate(false); err == nil {
		t.Fatal("expected error for invalid dialog encoding")
	}
}

func TestValidate_AnalysisRequiresVendor(t *testing.T) {
	v := validBase()
	v.AddAnalysis(Analysis{Type: "summary", Vendor: ""})
	err := v.Validate(false)
	if err == nil {
		t.Fatal("expected error for missing vendor")
	}
	var verr *vconerr.Error
	if !vconerr.IsKind(err, vconerr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	_ = verr
}

func TestValidate_AnalysisDialogReferenceMustExist(t *testing.T) {
	v := validBase()
	v.AddAnalysis(Analysis{Type: "summary", Vendor: "acme", DialogIndices: []int{0}})
	if err := v.Validate(false); err == nil {
		t.Fatal("expected error for dangling dialog reference")
	}
	// the same document validates under append semantics, where forward
	// references to not-yet-created dialogs are tolerated.
	if err := v.Validate(true); err != nil {
		t.Fatalf("unexpected error under append semantics: %v", err)
	}
}

func TestValidate_PartyIndexMustBeDense(t *testing.T) {
	v := validBase()
	v.Parties = []Party{{Index: 1, Name: "skip zero"}}
	if err := v.Validate(false); err == nil {
		t.Fatal("expected error for non-dense party index")
	}
}

func TestValidate_TagsAttachmentHappyPath(t *testing.T) {
	v := validBase()
	enc := EncodingJSON
	v.AddAttachment(Attachment{
		Type:     DistinguishedTags,
		Encoding: &enc,
		Body:     `["priority:high","region:us-east"]`,
	})
	if err := v.Validate(false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_TagsAttachmentRejectsDuplicateKeys(t *testing.T) {
	v := validBase()
	enc := EncodingJSON
	v.AddAttachment(Attachment{
		Type:     DistinguishedTags,
		Encoding: &enc,
		Body:     `["priority:high","priority:low"]`,
	})
	if err := v.Validate(false); err == nil {
		t.Fatal("expected error for duplicate tag key")
	}
}

func TestValidate_TagsAttachmentRequiresJSONEncoding(t *testing.T) {
	v := validBase()
	enc := EncodingNone
	v.AddAttachment(Attachment{
		Type:     DistinguishedTags,
		Encoding: &enc,
		Body:     `["priority:high"]`,
	})
	if err := v.Validate(false); err == nil {
		t.Fatal("expected error for non-json tags encoding")
	}
}

func TestValidate_GroupRequiresJSONEncodingWhenBodySet(t *testing.T) {
	v := validBase()
	v.AddGroup(Group{UUID: v.UUID, Body: "{}", Encoding: EncodingNone})
	if err := v.Validate(false); err == nil {
		t.Fatal("expected error for group body without json encoding")
	}
}

func TestIsTextual(t *testing.T) {
	none := EncodingNone
	b64 := EncodingBase64URL
	j := EncodingJSON

	if !IsTextual(nil) {
		t.Error("nil encoding should be textual")
	}
	if !IsTextual(&none) {
		t.Error("none encoding should be textual")
	}
	if IsTextual(&b64) {
		t.Error("base64url encoding should not be textual")
	}
	if IsTextual(&j) {
		t.Error("json encoding should not be textual")
	}
}

func TestParseTagsAndEncodeTagsRoundTrip(t *testing.T) {
	body := `["priority:high","region:us-east"]`
	entries, err := ParseTags(body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	m := TagsToMap(entries)
	if m["priority"] != "high" || m["region"] != "us-east" {
		t.Fatalf("unexpected map: %v", m)
	}

	out, err := EncodeTags(entries)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	roundTripped, err := ParseTags(out)
	if err != nil {
		t.Fatalf("unexpected error re-parsing encoded tags: %v", err)
	}
	if len(roundTripped) != len(entries) {
		t.Fatalf("round trip lost entries: %v vs %v", roundTripped, entries)
	}
}
