package store

import (
	"testing"
)

func TestDedupeIdentityRecords(t *testing.T) {
	t.Parallel()

	in := []IdentityRecord{
		{IdpID: "u1", Email: "a@example.com", Name: "First"},
		{IdpID: "u2", Email: "b@example.com"},
		{IdpID: "u1", Email: "a2@example.com", Name: "Last"},
		{IdpID: "", Email: "c@example.com"},
		{IdpID: "u3", Email: ""},
	}

	out := DedupeIdentityRecords(in)
	if len(out) != 2 {
		t.Fatalf("len(out) = %d, want 2", len(out))
	}
	if out[0].IdpID != "u2" {
		t.Fatalf("out[0].IdpID = %q, want %q", out[0].IdpID, "u2")
	}
	if out[1].IdpID != "u1" || out[1].Name != "Last" {
		t.Fatalf("out[1] = %+v, want last occurrence of u1", out[1])
	}
}

func TestDedupeIdentityRecords_Empty(t *testing.T) {
	t.Parallel()

	if out := DedupeIdentityRecords(nil); len(out) != 0 {
		t.Fatalf("len(out) = %d, want 0", len(out))
	}
}

func TestDedupeGroupRecords(t *testing.T) {
	t.Parallel()

	in := []GroupRecord{
		{IdpID: "g1", Name: "old"},
		{IdpID: "g2", Name: "keep"},
		{IdpID: "g1", Name: "new"},
		{IdpID: "", Name: "skip"},
	}

	out := DedupeGroupRecords(in)
	if len(out) != 2 {
		t.Fatalf("len(out) = %d, want 2", len(out))
	}
	if out[1].IdpID != "g1" || out[1].Name != "new" {
		t.Fatalf("out[1] = %+v, want last occurrence of g1", out[1])
	}
}
