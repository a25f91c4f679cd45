package dialect

import (
	"encoding/json"
	"testing"

	gateway "github.com/eugener/shadowfax/internal"
)

func TestParseMarkersBasic(t *testing.T) {
	t.Parallel()
	text := `Let me check. [Called get_weather (toolu_abc) with args: {"city":"SF"}] Done.`
	rest, calls := ParseMarkers(text)
	if len(calls) != 1 {
		t.Fatalf("calls = %+v", calls)
	}
	if calls[0].Name != "get_weather" || calls[0].ID != "toolu_abc" || calls[0].Input != `{"city":"SF"}` {
		t.Errorf("call = %+v", calls[0])
	}
	if rest != "Let me check.  Done." {
		t.Errorf("rest = %q", rest)
	}
}

func TestParseMarkersNoID(t *testing.T) {
	t.Parallel()
	_, calls := ParseMarkers(`[Called search with args: {"q":"go"}]`)
	if len(calls) != 1 || calls[0].Name != "search" || calls[0].ID != "" {
		t.Fatalf("calls = %+v", calls)
	}
}

func TestParseMarkersBracketInString(t *testing.T) {
	t.Parallel()
	// A "]" inside the JSON string must not close the marker.
	_, calls := ParseMarkers(`[Called X with args: {"k":"]"}]`)
	if len(calls) != 1 {
		t.Fatalf("calls = %+v, want exactly one", calls)
	}
	if calls[0].Input != `{"k":"]"}` {
		t.Errorf("input = %q", calls[0].Input)
	}
}

func TestParseMarkersMultiple(t *testing.T) {
	t.Parallel()
	text := `[Called a with args: {"n":1}] and [Called b with args: {"n":2}]`
	rest, calls := ParseMarkers(text)
	if len(calls) != 2 || calls[0].Name != "a" || calls[1].Name != "b" {
		t.Fatalf("calls = %+v", calls)
	}
	if rest != "and" {
		t.Errorf("rest = %q", rest)
	}
}

func TestParseMarkersMalformedKeptAsText(t *testing.T) {
	t.Parallel()
	text := `[Called broken with no args here] plain text`
	rest, calls := ParseMarkers(text)
	if len(calls) != 0 {
		t.Fatalf("calls = %+v, want none", calls)
	}
	if rest != text {
		t.Errorf("rest = %q, want original text", rest)
	}
}

func TestParseMarkersRepairsJSON(t *testing.T) {
	t.Parallel()
	_, calls := ParseMarkers(`[Called f with args: {city: "SF", tags: ["a",],}]`)
	if len(calls) != 1 {
		t.Fatalf("calls = %+v", calls)
	}
	if !json.Valid([]byte(calls[0].Input)) {
		t.Fatalf("input not repaired: %q", calls[0].Input)
	}
	var got struct {
		City string   `json:"city"`
		Tags []string `json:"tags"`
	}
	if err := json.Unmarshal([]byte(calls[0].Input), &got); err != nil {
		t.Fatal(err)
	}
	if got.City != "SF" || len(got.Tags) != 1 {
		t.Errorf("parsed = %+v", got)
	}
}

func TestRepairJSON(t *testing.T) {
	t.Parallel()
	cases := []struct{ in, want string }{
		{`{"a":1,}`, `{"a":1}`},
		{`[1,2,]`, `[1,2]`},
		{`{key: "v"}`, `{"key": "v"}`},
		{`{a: 1, b: {c: 2,}}`, `{"a": 1, "b": {"c": 2}}`},
		{`{"s":"keep, this,]"}`, `{"s":"keep, this,]"}`}, // strings untouched
		{`{"ok":true}`, `{"ok":true}`},
	}
	for _, tc := range cases {
		if got := RepairJSON(tc.in); got != tc.want {
			t.Errorf("RepairJSON(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestNormalizeToolID(t *testing.T) {
	t.Parallel()
	keep := "toolu_abcdefghij0123456789klmn"
	if got := NormalizeToolID(keep); got != keep {
		t.Errorf("canonical id rewritten: %q", got)
	}
	for _, bad := range []string{"", "tu-1", "toolu_short", "toolu_abcdefghij0123456789klm-"} {
		got := NormalizeToolID(bad)
		if !isCanonicalToolID(got) {
			t.Errorf("NormalizeToolID(%q) = %q, not canonical", bad, got)
		}
	}
	if NewToolID() == NewToolID() {
		t.Error("ids should be unique")
	}
}

func TestMergeToolCallsDedup(t *testing.T) {
	t.Parallel()
	codec := []gateway.ToolCall{{ID: "tu-1", Name: "f", Input: `{"a":1}`}}
	markers := []gateway.ToolCall{
		{Name: "f", Input: `{"a":1}`},  // duplicate of codec call
		{Name: "f", Input: `{"a":2}`},  // distinct input
		{Name: "g", Input: `{"a":1}`},  // distinct name
	}
	merged := MergeToolCalls(codec, markers)
	if len(merged) != 3 {
		t.Fatalf("merged = %+v, want 3", merged)
	}
	for _, call := range merged {
		if !isCanonicalToolID(call.ID) {
			t.Errorf("id %q not normalized", call.ID)
		}
	}
}
