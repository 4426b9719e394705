package tenant

import (
	"testing"

	"github.com/go-jose/go-jose/v4"

	"github.com/rakunlabs/vcon-mcp/internal/config"
	"github.com/rakunlabs/vcon-mcp/internal/vcon"
)

func TestResolver_FromAttachment_Found(t *testing.T) {
	r := New(config.Tenant{AttachmentType: "tenant", JSONPath: "id"})
	vc := &vcon.VCon{Attachments: []vcon.Attachment{
		{Type: "tenant", Body: `{"id":"acme-corp"}`},
	}}

	got, err := r.FromAttachment(vc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "acme-corp" {
		t.Fatalf("expected acme-corp, got %q", got)
	}
}

func TestResolver_FromAttachment_NestedPath(t *testing.T) {
	r := New(config.Tenant{AttachmentType: "tenant", JSONPath: "org.id"})
	vc := &vcon.VCon{Attachments: []vcon.Attachment{
		{Type: "tenant", Body: `{"org":{"id":"acme-corp"}}`},
	}}

	got, err := r.FromAttachment(vc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "acme-corp" {
		t.Fatalf("expected acme-corp, got %q", got)
	}
}

func TestResolver_FromAttachment_NoAttachmentIsEmptyNotError(t *testing.T) {
	r := New(config.Tenant{})
	vc := &vcon.VCon{}

	got, err := r.FromAttachment(vc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "" {
		t.Fatalf("expected empty tenant id, got %q", got)
	}
}

func TestResolver_FromJWT_VerifiesAndExtractsClaim(t *testing.T) {
	signingKey := "test-signing-key-0123456789"
	r := New(config.Tenant{JWTSigningKey: signingKey})

	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: []byte(signingKey)}, nil)
	if err != nil {
		t.Fatalf("build signer: %v", err)
	}
	obj, err := signer.Sign([]byte(`{"tenant":"acme-corp"}`))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	token, err := obj.CompactSerialize()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}

	got, err := r.FromJWT(token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "acme-corp" {
		t.Fatalf("expected acme-corp, got %q", got)
	}
}

func TestResolver_FromJWT_RejectsBadSignature(t *testing.T) {
	r := New(config.Tenant{JWTSigningKey: "correct-key"})

	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: []byte("wrong-key")}, nil)
	if err != nil {
		t.Fatalf("build signer: %v", err)
	}
	obj, err := signer.Sign([]byte(`{"tenant":"acme-corp"}`))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	token, err := obj.CompactSerialize()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}

	if _, err := r.FromJWT(token); err == nil {
		t.Fatal("expected signature verification to fail")
	}
}

func TestResolver_FromJWT_NoSigningKeyConfigured(t *testing.T) {
	r := New(config.Tenant{})
	if _, err := r.FromJWT("anything"); err == nil {
		t.Fatal("expected error when no signing key is configured")
	}
}
