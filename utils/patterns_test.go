package utils

import "testing"

func TestShouldInclude(t *testing.T) {
	matcher := NewPatternMatcher("", nil, nil)
	if !matcher.ShouldInclude("file.txt") {
		t.Fatal("expected include by default")
	}
	matcher = NewPatternMatcher("json", nil, nil)
	if matcher.ShouldInclude("/data/timeslots/file.txt") {
		t.Fatal("should not include other extensions")
	}
	if !matcher.ShouldInclude("/data/timeslots/slot_1.JSON") {
		t.Fatal("extension match should ignore case")
	}
	if matcher.ShouldInclude("/data/timeslots/.slot_1.json") {
		t.Fatal("hidden temp files should be skipped")
	}
	matcher = NewPatternMatcher(".json", []string{"slot_*"}, nil)
	if matcher.ShouldInclude("other.json") {
		t.Fatal("should not include unmatched include pattern")
	}
	if !matcher.ShouldInclude("slot_42.json") {
		t.Fatal("should include matching include pattern")
	}
	matcher = NewPatternMatcher(".json", nil, []string{"*.partial.json"})
	if matcher.ShouldInclude("slot.partial.json") {
		t.Fatal("should exclude matching exclude pattern")
	}
	if !matcher.ShouldInclude("slot.json") {
		t.Fatal("should include when exclude does not match")
	}
	matcher = NewPatternMatcher(".json", []string{".*/timeslots/[^/]+\\.json$"}, nil)
	if !matcher.ShouldInclude("/data/timeslots/slot.json") {
		t.Fatal("should match regex include pattern")
	}
}

func TestNormalizeExtension(t *testing.T) {
	cases := map[string]string{"json": ".json", ".JSON": ".json", " ": "", "": ""}
	for in, want := range cases {
		if got := NormalizeExtension(in); got != want {
			t.Fatalf("NormalizeExtension(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNilMatcherIncludesEverything(t *testing.T) {
	var matcher *PatternMatcher
	if !matcher.ShouldInclude("anything") {
		t.Fatal("nil matcher should include everything")
	}
}
