package relay

import (
	"testing"
)

func TestCanonicalBytesNilTagsSerializeAsEmptyArray(t *testing.T) {
	e := &Event{PubKey: "pk", CreatedAt: 1000, Kind: 1, Content: "hello"}
	b, err := e.CanonicalBytes()
	if err != nil {
		t.Fatalf("CanonicalBytes: %v", err)
	}
	want := `[0,"pk",1000,1,[],"hello"]`
	if string(b) != want {
		t.Errorf("got %s, want %s", b, want)
	}
}

func TestCanonicalBytesPreservesTagOrder(t *testing.T) {
	e := &Event{
		PubKey:    "pk",
		CreatedAt: 1,
		Kind:      1,
		Tags:      [][]string{{"e", "abc"}, {"p", "def"}},
		Content:   "",
	}
	b, err := e.CanonicalBytes()
	if err != nil {
		t.Fatalf("CanonicalBytes: %v", err)
	}
	want := `[0,"pk",1,1,[["e","abc"],["p","def"]],""]`
	if string(b) != want {
		t.Errorf("got %s, want %s", b, want)
	}
}

func TestComputeIDDeterministic(t *testing.T) {
	e := &Event{PubKey: "pk", CreatedAt: 1, Kind: 1, Content: "x"}
	id1, err := e.ComputeID()
	if err != nil {
		t.Fatalf("ComputeID: %v", err)
	}
	id2, _ := e.ComputeID()
	if id1 != id2 {
		t.Errorf("ComputeID not deterministic: %s != %s", id1, id2)
	}
	if len(id1) != 64 {
		t.Errorf("id length = %d, want 64", len(id1))
	}
}

func TestComputeIDChangesWithContent(t *testing.T) {
	e1 := &Event{PubKey: "pk", CreatedAt: 1, Kind: 1, Content: "x"}
	e2 := &Event{PubKey: "pk", CreatedAt: 1, Kind: 1, Content: "y"}
	id1, _ := e1.ComputeID()
	id2, _ := e2.ComputeID()
	if id1 == id2 {
		t.Errorf("expected different ids for different content")
	}
}

func TestFirstTagAndDTagValue(t *testing.T) {
	e := &Event{Tags: [][]string{{"d", "profile"}, {"e", "abc"}}}
	v, ok := e.FirstTag("d")
	if !ok || v != "profile" {
		t.Errorf("FirstTag(d) = %q, %v, want profile, true", v, ok)
	}
	if e.DTagValue() != "profile" {
		t.Errorf("DTagValue = %q, want profile", e.DTagValue())
	}

	absent := &Event{Tags: [][]string{{"e", "abc"}}}
	if absent.DTagValue() != "" {
		t.Errorf("DTagValue on event with no d tag = %q, want empty", absent.DTagValue())
	}
}

func TestIndexableTagEntries(t *testing.T) {
	e := &Event{Tags: [][]string{
		{"e", "abc"},
		{"p"},                // too short, skipped
		{"pp", "xyz"},        // multi-char name, skipped
		{"1", "nope"},        // non-letter name, skipped
		{"K", "30001"},       // uppercase letter is indexable
	}}
	got := e.IndexableTagEntries()
	want := [][2]string{{"e", "abc"}, {"K", "30001"}}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("entry %d: got %v, want %v", i, got[i], want[i])
		}
	}
}

func TestParseRevision(t *testing.T) {
	cases := []struct {
		raw  string
		want Revision
	}{
		{"3-abcdef", Revision{Generation: 3, Hash: "abcdef"}},
		{"0-abcdef", Revision{Generation: 0, Hash: "0-abcdef"}}, // gen must be > 0
		{"notanumber-abcdef", Revision{Generation: 0, Hash: "notanumber-abcdef"}},
		{"noseparator", Revision{Generation: 0, Hash: "noseparator"}},
		{"", Revision{Generation: 0, Hash: ""}},
	}
	for _, c := range cases {
		got := ParseRevision(c.raw)
		if got != c.want {
			t.Errorf("ParseRevision(%q) = %+v, want %+v", c.raw, got, c.want)
		}
	}
}
