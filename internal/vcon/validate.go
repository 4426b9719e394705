package vcon

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/rakunlabs/vcon-mcp/internal/vconerr"
)

var uuidV4Pattern = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)

// IsUUIDv4 reports whether s is an RFC 4122 v4-shaped UUID string.
func IsUUIDv4(s string) bool {
	if _, err := uuid.Parse(s); err != nil {
		return false
	}
	return uuidV4Pattern.MatchString(strings.ToLower(s))
}

var validEncodings = map[Encoding]bool{
	EncodingBase64URL: true,
	EncodingJSON:      true,
	EncodingNone:      true,
}

var validDialogTypes = map[DialogType]bool{
	DialogRecording:  true,
	DialogText:       true,
	DialogTransfer:   true,
	DialogIncomplete: true,
}

var validDispositions = map[Disposition]bool{
	DispositionNoAnswer:  true,
	DispositionBusy:      true,
	DispositionCancel:    true,
	DispositionDecline:   true,
	DispositionHangup:    true,
	DispositionVoicemail: true,
}

var validPartyEvents = map[PartyEvent]bool{
	PartyJoin:   true,
	PartyDrop:   true,
	PartyHold:   true,
	PartyUnhold: true,
	PartyMute:   true,
	PartyUnmute: true,
}

// Validate applies the structural, enumerative, and cross-field invariants
// from the data model (§3 invariants 2-8) to v. append controls whether
// forward references (an index not yet present in v, reachable only via a
// subsequent append call) are tolerated; create/replace operations pass
// false and require every reference to resolve within v itself.
func (v *VCon) Validate(append bool) error {
	if err := v.ValidateSchema(); err != nil {
		return err
	}

	if v.UUID == "" {
		return vconerr.Validation("uuid", "must not be empty")
	}
	if !IsUUIDv4(v.UUID) {
		return vconerr.Validation("uuid", "must be an RFC 4122 v4 UUID")
	}

	partyIdx := make(map[int]bool, len(v.Parties))
	for i, p := range v.Parties {
		if p.Index != i {
			return vconerr.Validation("parties", "party_index must be dense from zero")
		}
		partyIdx[p.Index] = true
	}

	dialogIdx := make(map[int]bool, len(v.Dialog))
	for i, d := range v.Dialog {
		if d.Index != i {
			return vconerr.Validation("dialog", "dialog_index must be dense from zero")
		}
		dialogIdx[d.Index] = true

		if !validDialogTypes[d.Type] {
			return vconerr.Validation("dialog.type", "must be one of recording, text, transfer, incomplete")
		}
		if d.Encoding != nil && !validEncodings[*d.Encoding] {
			return vconerr.Validation("dialog.encoding", "must be one of base64url, json, none when present")
		}
		if d.Disposition != nil && !validDispositions[*d.Disposition] {
			return vconerr.Validation("dialog.disposition", "must be one of the six recognized values when present")
		}
		for _, pi := range d.Parties {
			if !append && !partyIdx[pi] {
				return vconerr.Validation("dialog.parties", "references a party index not present in this vCon")
			}
		}
		if d.Originator != nil && !append && !partyIdx[*d.Originator] {
			return vconerr.Validation("dialog.originator", "references a party index not present in this vCon")
		}
		for _, ph := range d.PartyHistory {
			if !append && !partyIdx[ph.PartyIndex] {
				return vconerr.Validation("dialog.party_history", "references a party index not present in this vCon")
			}
			if !validPartyEvents[ph.Event] {
				return vconerr.Validation("dialog.party_history.event", "must be one of join, drop, hold, unhold, mute, unmute")
			}
		}
	}

	for i, a := range v.Analysis {
		if a.Index != i {
			return vconerr.Validation("analysis", "analysis_index must be dense from zero")
		}
		if strings.TrimSpace(a.Vendor) == "" {
			return vconerr.Validation("analysis.vendor", "must not be empty")
		}
		if a.Encoding != nil && !validEncodings[*a.Encoding] {
			return vconerr.Validation("analysis.encoding", "must be one of base64url, json, none when present")
		}
		for _, di := range a.DialogIndices {
			if !append && !dialogIdx[di] {
				return vconerr.Validation("analysis.dialog", "references a dialog index not present in this vCon")
			}
		}
	}

	for i, at := range v.Attachments {
		if at.Index != i {
			return vconerr.Validation("attachments", "attachment_index must be dense from zero")
		}
		if at.Encoding != nil && !validEncodings[*at.Encoding] {
			return vconerr.Validation("attachment.encoding", "must be one of base64url, json, none when present")
		}
		if at.Party != nil && !append && !partyIdx[*at.Party] {
			return vconerr.Validation("attachment.party", "references a party index not present in this vCon")
		}
		if at.Dialog != nil && !append && !dialogIdx[*at.Dialog] {
			return vconerr.Validation("attachment.dialog", "references a dialog index not present in this vCon")
		}
		if at.Type == DistinguishedTags {
			if err := validateTagsAttachment(at); err != nil {
				return err
			}
		}
	}

	for i, g := range v.Groups {
		if g.Index != i {
			return vconerr.Validation("group", "group_index must be dense from zero")
		}
		if !IsUUIDv4(g.UUID) {
			return vconerr.Validation("group.uuid", "must be an RFC 4122 v4 UUID")
		}
		if g.Body != "" && g.Encoding != EncodingJSON {
			return vconerr.Validation("group.encoding", `must be "json" when body is set`)
		}
	}

	return nil
}

// validateTagsAttachment enforces invariant 6: a tags attachment is
// encoding=json, and its body parses to a JSON array of "key:value" strings
// with unique keys.
func validateTagsAttachment(at Attachment) error {
	if at.Encoding == nil || *at.Encoding != EncodingJSON {
		return vconerr.Validation("attachment.encoding", `tags attachment must have encoding "json"`)
	}
	var entries []string
	if err := json.Unmarshal([]byte(at.Body), &entries); err != nil {
		return vconerr.Validation("attachment.body", "tags body must be a JSON array of \"key:value\" strings")
	}
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		key, _, ok := strings.Cut(e, ":")
		if !ok || key == "" {
			return vconerr.Validation("attachment.body", `each tag entry must be of the form "key:value"`)
		}
		if seen[key] {
			return vconerr.Validation("attachment.body", "duplicate tag key: "+key)
		}
		seen[key] = true
	}
	return nil
}

// ParseTags decodes a tags attachment body into an ordered key/value slice,
// preserving entry order; duplicate keys are kept as they appear. Callers
// that need a map should use TagsToMap.
func ParseTags(body string) ([][2]string, error) {
	var entries []string
	if err := json.Unmarshal([]byte(body), &entries); err != nil {
		return nil, vconerr.Validation("body", "tags body must be a JSON array of \"key:value\" strings")
	}
	out := make([][2]string, 0, len(entries))
	for _, e := range entries {
		key, value, ok := strings.Cut(e, ":")
		if !ok {
			return nil, vconerr.Validation("body", `each tag entry must be of the form "key:value"`)
		}
		out = append(out, [2]string{key, value})
	}
	return out, nil
}

// TagsToMap collapses ParseTags output to a map, last-write-wins on
// duplicate keys (callers validating for uniqueness should use
// validateTagsAttachment / Validate instead).
func TagsToMap(entries [][2]string) map[string]string {
	m := make(map[string]string, len(entries))
	for _, e := range entries {
		m[e[0]] = e[1]
	}
	return m
}

// EncodeTags serializes key/value pairs back into the "key:value" JSON array
// body format.
func EncodeTags(entries [][2]string) (string, error) {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e[0]+":"+e[1])
	}
	b, err := json.Marshal(out)
	if err != nil {
		return "", vconerr.Storage(err, false)
	}
	return string(b), nil
}
