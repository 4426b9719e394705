// Package vcon provides the in-memory representation of an IETF vCon
// (Virtual Conversation) document and structural/cross-field validation
// applied on every ingress. The Store (internal/store) is responsible for
// mapping these types to and from the normalized relational schema; this
// package never talks to a database.
package vcon

import (
	"time"

	"github.com/google/uuid"
)

// Encoding is the allowed set of body encodings on Dialog, Analysis, and
// Attachment. There is no default: absence of this field carries meaning
// (unspecified), and it must never be inferred from content.
type Encoding string

const (
	EncodingBase64URL Encoding = "base64url"
	EncodingJSON      Encoding = "json"
	EncodingNone      Encoding = "none"
)

// DialogType enumerates the four conversation segment kinds.
type DialogType string

const (
	DialogRecording  DialogType = "recording"
	DialogText       DialogType = "text"
	DialogTransfer   DialogType = "transfer"
	DialogIncomplete DialogType = "incomplete"
)

// Disposition enumerates Dialog.disposition, when set.
type Disposition string

const (
	DispositionNoAnswer  Disposition = "no-answer"
	DispositionBusy      Disposition = "busy"
	DispositionCancel    Disposition = "cancel"
	DispositionDecline   Disposition = "decline"
	DispositionHangup    Disposition = "hangup"
	DispositionVoicemail Disposition = "voicemail-no-message"
)

// PartyEvent enumerates PartyHistory.event.
type PartyEvent string

const (
	PartyJoin   PartyEvent = "join"
	PartyDrop   PartyEvent = "drop"
	PartyHold   PartyEvent = "hold"
	PartyUnhold PartyEvent = "unhold"
	PartyMute   PartyEvent = "mute"
	PartyUnmute PartyEvent = "unmute"
)

// DistinguishedTags is the reserved Attachment.Type the tag subsystem owns.
// The tenant attachment type is configurable (TENANT_ATTACHMENT_TYPE) and so
// is not a fixed constant here; see internal/tenant.
const DistinguishedTags = "tags"

// CurrentVersion is the vCon spec version stamped on newly created
// documents that don't specify one.
const CurrentVersion = "0.3.0"

// VCon is the top-level conversation container. UUID is externally chosen
// (New generates one) and is distinct from any internal surrogate row id
// the Store assigns to its children. Create does not generate a missing
// UUID: validation rejects a vCon whose UUID is empty.
type VCon struct {
	UUID        string     `json:"uuid"`
	Version     string     `json:"vcon"`
	Subject     string     `json:"subject,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	Extensions  []string   `json:"extensions,omitempty"`
	MustSupport []string   `json:"must_support,omitempty"`
	Redacted    []byte     `json:"redacted,omitempty"` // raw JSON, opaque to the core
	Appended    []byte     `json:"appended,omitempty"` // raw JSON, opaque to the core
	TenantID    *string    `json:"tenant_id,omitempty"`

	Parties     []Party      `json:"parties,omitempty"`
	Dialog      []Dialog     `json:"dialog,omitempty"`
	Analysis    []Analysis   `json:"analysis,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Groups      []Group      `json:"group,omitempty"`
}

// Party is a conversation participant, addressed by one or more of the
// identifier fields below.
type Party struct {
	Index        int     `json:"-"` // party_index, assigned by the Store on write
	Tel          string  `json:"tel,omitempty"`
	SIP          string  `json:"sip,omitempty"`
	STIR         string  `json:"stir,omitempty"`
	Mailto       string  `json:"mailto,omitempty"`
	Name         string  `json:"name,omitempty"`
	DID          string  `json:"did,omitempty"`
	UUID         string  `json:"uuid,omitempty"`
	JCard        []byte  `json:"jcard,omitempty"` // raw JSON
	CivicAddress []byte  `json:"civicaddress,omitempty"`
	Timezone     string  `json:"timezone,omitempty"`
}

// Dialog is a single conversation segment.
type Dialog struct {
	Index           int         `json:"-"` // dialog_index
	Type            DialogType  `json:"type"`
	StartTime       time.Time   `json:"start_time"`
	DurationSeconds float64     `json:"duration_seconds,omitempty"`
	Parties         []int       `json:"parties,omitempty"`
	Originator      *int        `json:"originator,omitempty"`
	MediaType       string      `json:"mediatype,omitempty"`
	Body            string      `json:"body,omitempty"`
	Encoding        *Encoding   `json:"encoding,omitempty"`
	URL             string      `json:"url,omitempty"`
	ContentHash     string      `json:"content_hash,omitempty"`
	Filename        string      `json:"filename,omitempty"`
	Disposition     *Disposition `json:"disposition,omitempty"`
	SessionID       string      `json:"session_id,omitempty"`
	Application     string      `json:"application,omitempty"`
	MessageID       string      `json:"message_id,omitempty"`

	PartyHistory []PartyHistory `json:"party_history,omitempty"`
}

// PartyHistory records a join/drop/hold/mute transition for a party within
// a Dialog.
type PartyHistory struct {
	PartyIndex int        `json:"party"`
	Time       time.Time  `json:"time"`
	Event      PartyEvent `json:"event"`
}

// Analysis is a derived artifact produced by a named vendor about one or
// more Dialog entries.
type Analysis struct {
	Index         int       `json:"-"` // analysis_index
	Type          string    `json:"type"`
	DialogIndices []int     `json:"dialog,omitempty"`
	Vendor        string    `json:"vendor"` // required, non-empty
	Product       string    `json:"product,omitempty"`
	Schema        string    `json:"schema,omitempty"` // NOT schema_version
	Body          string    `json:"body,omitempty"`
	Encoding      *Encoding `json:"encoding,omitempty"`
	URL           string    `json:"url,omitempty"`
	ContentHash   string    `json:"content_hash,omitempty"`
}

// Attachment is an auxiliary payload bound to the vCon. Type "tags" and
// "tenant" are distinguished: see internal/tags and internal/tenant.
type Attachment struct {
	Index       int       `json:"-"` // attachment_index
	Type        string    `json:"type,omitempty"`
	Party       *int      `json:"party,omitempty"`
	Dialog      *int      `json:"dialog,omitempty"`
	MimeType    string    `json:"mimetype,omitempty"`
	Body        string    `json:"body,omitempty"`
	Encoding    *Encoding `json:"encoding,omitempty"`
	URL         string    `json:"url,omitempty"`
	ContentHash string    `json:"content_hash,omitempty"`
	StartTime   *time.Time `json:"start_time,omitempty"`
}

// Group references another vCon by UUID, optionally inlining its body.
// Hydration resolves Group references lazily, one hop, and never
// recursively follows groups during get.
type Group struct {
	Index    int       `json:"-"` // group_index
	UUID     string    `json:"uuid"`
	Body     string    `json:"body,omitempty"`
	Encoding Encoding  `json:"encoding,omitempty"` // always "json" when body is set
	URL      string    `json:"url,omitempty"`
}

// New creates an empty vCon with a generated UUID and CurrentVersion,
// ready to be populated via the Add* helpers and then persisted.
func New() *VCon {
	now := time.Now().UTC()
	return &VCon{
		UUID:      uuid.New().String(),
		Version:   CurrentVersion,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// AddParty appends p, stamping its index, and returns that index.
func (v *VCon) AddParty(p Party) int {
	p.Index = len(v.Parties)
	v.Parties = append(v.Parties, p)
	return p.Index
}

// AddDialog appends d, stamping its index, and returns that index.
func (v *VCon) AddDialog(d Dialog) int {
	d.Index = len(v.Dialog)
	v.Dialog = append(v.Dialog, d)
	return d.Index
}

// AddAnalysis appends a, stamping its index, and returns that index.
func (v *VCon) AddAnalysis(a Analysis) int {
	a.Index = len(v.Analysis)
	v.Analysis = append(v.Analysis, a)
	return a.Index
}

// AddAttachment appends at, stamping its index, and returns that index.
func (v *VCon) AddAttachment(at Attachment) int {
	at.Index = len(v.Attachments)
	v.Attachments = append(v.Attachments, at)
	return at.Index
}

// AddGroup appends g, stamping its index, and returns that index.
func (v *VCon) AddGroup(g Group) int {
	g.Index = len(v.Groups)
	v.Groups = append(v.Groups, g)
	return g.Index
}

// IsTextual reports whether a body is eligible for text indexing/embedding:
// encoding is absent or "none". base64url and json bodies are excluded from
// semantic indexing (invariant 8).
func IsTextual(enc *Encoding) bool {
	return enc == nil || *enc == EncodingNone
}
