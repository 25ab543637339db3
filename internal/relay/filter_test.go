package relay

import (
	"encoding/json"
	"testing"
)

func TestFilterMatchesConjunction(t *testing.T) {
	since := int64(100)
	until := int64(200)
	f := &Filter{
		Authors: []string{"alice"},
		Kinds:   []int{1},
		Since:   &since,
		Until:   &until,
		Tags:    map[string][]string{"e": {"abc"}},
	}

	match := &Event{PubKey: "alice", Kind: 1, CreatedAt: 150, Tags: [][]string{{"e", "abc"}}}
	if !f.Matches(match) {
		t.Errorf("expected match")
	}

	wrongAuthor := &Event{PubKey: "bob", Kind: 1, CreatedAt: 150, Tags: [][]string{{"e", "abc"}}}
	if f.Matches(wrongAuthor) {
		t.Errorf("expected no match on wrong author")
	}

	outsideWindow := &Event{PubKey: "alice", Kind: 1, CreatedAt: 250, Tags: [][]string{{"e", "abc"}}}
	if f.Matches(outsideWindow) {
		t.Errorf("expected no match outside since/until window")
	}

	missingTag := &Event{PubKey: "alice", Kind: 1, CreatedAt: 150}
	if f.Matches(missingTag) {
		t.Errorf("expected no match when required tag absent")
	}
}

func TestMatchesDisjunctionAcrossFilters(t *testing.T) {
	filters := []Filter{
		{Authors: []string{"alice"}},
		{Authors: []string{"bob"}},
	}
	e := &Event{PubKey: "bob"}
	if !Matches(e, filters) {
		t.Errorf("expected disjunctive match on second filter")
	}
	other := &Event{PubKey: "carol"}
	if Matches(other, filters) {
		t.Errorf("expected no match for author in neither filter")
	}
}

func TestFilterEmptyMatchesEverything(t *testing.T) {
	f := &Filter{}
	e := &Event{PubKey: "anyone", Kind: 999, CreatedAt: 0}
	if !f.Matches(e) {
		t.Errorf("expected empty filter to match any event")
	}
}

func TestFilterValidateShape(t *testing.T) {
	if err := (&Filter{Limit: -1}).ValidateShape(); err == nil {
		t.Errorf("expected error for negative limit")
	}
	if err := (&Filter{Tags: map[string][]string{"ee": {"x"}}}).ValidateShape(); err == nil {
		t.Errorf("expected error for multi-letter tag key")
	}
	if err := (&Filter{Limit: 10, Tags: map[string][]string{"e": {"x"}}}).ValidateShape(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestFilterJSONRoundTripsTagPredicates(t *testing.T) {
	raw := `{"authors":["alice"],"kinds":[1],"#e":["abc","def"],"limit":10}`
	var f Filter
	if err := json.Unmarshal([]byte(raw), &f); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(f.Authors) != 1 || f.Authors[0] != "alice" {
		t.Errorf("Authors = %v", f.Authors)
	}
	if len(f.Tags["e"]) != 2 {
		t.Errorf("Tags[e] = %v", f.Tags["e"])
	}

	out, err := json.Marshal(f)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var roundTripped Filter
	if err := json.Unmarshal(out, &roundTripped); err != nil {
		t.Fatalf("Unmarshal round-trip: %v", err)
	}
	if len(roundTripped.Tags["e"]) != 2 {
		t.Errorf("round-tripped Tags[e] = %v", roundTripped.Tags["e"])
	}
}
