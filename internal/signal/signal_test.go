package signal

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestParse_Join(t *testing.T) {
	e, err := Parse([]byte(`{"type":"join","room":"r1","identity":"a@x.com"}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if e.Type != TypeJoin || e.Room != "r1" || e.Identity != "a@x.com" {
		t.Fatalf("unexpected envelope: %+v", e)
	}
}

func TestParse_CallOffer(t *testing.T) {
	e, err := Parse([]byte(`{"type":"call-offer","to":"peer-1","sdp":{"type":"offer","sdp":"v=0"}}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	d, err := e.Description()
	if err != nil {
		t.Fatalf("Description: %v", err)
	}
	if d.Type != RoleOffer || d.SDP != "v=0" {
		t.Fatalf("unexpected description: %+v", d)
	}
}

func TestParse_Rejects(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string
	}{
		{"unknown type", `{"type":"ring"}`, "unknown envelope type"},
		{"unknown field", `{"type":"join","room":"r","identity":"a","bogus":1}`, "bogus"},
		{"join missing room", `{"type":"join","identity":"a"}`, "missing room"},
		{"join missing identity", `{"type":"join","room":"r"}`, "missing identity"},
		{"offer missing to", `{"type":"call-offer","sdp":{"type":"offer","sdp":"x"}}`, "missing to"},
		{"offer missing sdp", `{"type":"call-offer","to":"p"}`, "missing sdp"},
		{"offer with from", `{"type":"call-offer","to":"p","from":"q","sdp":{"type":"offer","sdp":"x"}}`, "must not set from"},
		{"server-only type", `{"type":"peer-joined","peer":{"handle":"h","identity":"a"}}`, "not client-originated"},
		{"auth without credentials", `{"type":"auth"}`, "missing apiKey/token"},
		{"trailing data", `{"type":"join","room":"r","identity":"a"}{}`, "trailing data"},
		{"join with sdp", `{"type":"join","room":"r","identity":"a","sdp":{"type":"offer","sdp":"x"}}`, "unexpected fields"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.raw))
			if err == nil {
				t.Fatalf("Parse accepted %s", tc.raw)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err=%q, want substring %q", err, tc.want)
			}
		})
	}
}

func TestDescription_RoleMismatch(t *testing.T) {
	e, err := Parse([]byte(`{"type":"call-answer","to":"p","sdp":{"type":"offer","sdp":"x"}}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, err := e.Description(); err == nil {
		t.Fatalf("expected role mismatch error")
	}
}

func TestNewDescriptionEnvelope_RoundTrip(t *testing.T) {
	env, err := NewDescriptionEnvelope(TypeRenegotiationOffer, "peer-2", Description{Type: RoleOffer, SDP: "v=0 reneg"})
	if err != nil {
		t.Fatalf("NewDescriptionEnvelope: %v", err)
	}
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	parsed, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	d, err := parsed.Description()
	if err != nil {
		t.Fatalf("Description: %v", err)
	}
	if d.SDP != "v=0 reneg" {
		t.Fatalf("sdp=%q, want %q", d.SDP, "v=0 reneg")
	}
}

func TestNewDescriptionEnvelope_RejectsNonDescriptionType(t *testing.T) {
	if _, err := NewDescriptionEnvelope(TypeJoin, "p", Description{Type: RoleOffer, SDP: "x"}); err == nil {
		t.Fatalf("expected error for join type")
	}
}

func TestDescription_PionConversion(t *testing.T) {
	d := Description{Type: RoleOffer, SDP: "v=0"}
	pd, err := d.ToPion()
	if err != nil {
		t.Fatalf("ToPion: %v", err)
	}
	back := DescriptionFromPion(pd)
	if back != d {
		t.Fatalf("round trip mismatch: %+v != %+v", back, d)
	}

	if _, err := (Description{Type: "rollback", SDP: ""}).ToPion(); err == nil {
		t.Fatalf("expected error for unsupported type")
	}
}
