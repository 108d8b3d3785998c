package scope

import (
	"errors"
	"net/url"
	"testing"
)

func TestParseSelectorCommaAndRepeat(t *testing.T) {
	query := url.Values{}
	query.Add("projects", "p1,p2")
	query.Add("projects", "p3")
	query.Add("threads", "t1")

	sel, err := ParseSelector(query)
	if err != nil {
		t.Fatalf("ParseSelector: %v", err)
	}
	if len(sel.Projects) != 3 {
		t.Fatalf("projects = %d, want 3", len(sel.Projects))
	}
	if len(sel.Sessions) != 0 {
		t.Fatalf("sessions should be unfiltered, got %d entries", len(sel.Sessions))
	}
	if len(sel.Threads) != 1 {
		t.Fatalf("threads = %d, want 1", len(sel.Threads))
	}
}

func TestParseSelectorRejectsEmptyIdentifier(t *testing.T) {
	for _, raw := range []string{"p1,,p2", ",", " "} {
		query := url.Values{"projects": []string{raw}}
		if _, err := ParseSelector(query); !errors.Is(err, ErrMalformedSelector) {
			t.Fatalf("projects=%q: err = %v, want ErrMalformedSelector", raw, err)
		}
	}
}

func TestParseSelectorRejectsOversizedList(t *testing.T) {
	query := url.Values{}
	for i := 0; i <= MaxSelectorIDs; i++ {
		query.Add("threads", "t"+string(rune('a'+i%26))+string(rune('0'+i%10))+string(rune('0'+i/10)))
	}
	if _, err := ParseSelector(query); !errors.Is(err, ErrMalformedSelector) {
		t.Fatalf("err = %v, want ErrMalformedSelector", err)
	}
}

func TestSelectorMatches(t *testing.T) {
	query := url.Values{
		"projects": []string{"p1"},
		"threads":  []string{"t1,t2"},
	}
	sel, err := ParseSelector(query)
	if err != nil {
		t.Fatalf("ParseSelector: %v", err)
	}

	cases := []struct {
		scope Scope
		want  bool
	}{
		{Scope{"p1", "s1", "t1"}, true},
		{Scope{"p1", "s9", "t2"}, true},
		{Scope{"p2", "s1", "t1"}, false},
		{Scope{"p1", "s1", "t3"}, false},
	}
	for _, tc := range cases {
		if got := sel.Matches(tc.scope); got != tc.want {
			t.Fatalf("Matches(%v) = %v, want %v", tc.scope, got, tc.want)
		}
	}
}

func TestEmptySelectorMatchesAll(t *testing.T) {
	sel, err := ParseSelector(url.Values{})
	if err != nil {
		t.Fatalf("ParseSelector: %v", err)
	}
	if !sel.IsEmpty() {
		t.Fatalf("expected empty selector")
	}
	if !sel.Matches(Scope{"p", "s", "t"}) {
		t.Fatalf("empty selector should match any scope")
	}
}

func TestScopeValidate(t *testing.T) {
	if _, err := New("p", "s", "t"); err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, s := range []Scope{{"", "s", "t"}, {"p", "", "t"}, {"p", "s", ""}} {
		if err := s.Validate(); !errors.Is(err, ErrMalformedSelector) {
			t.Fatalf("Validate(%v) = %v, want ErrMalformedSelector", s, err)
		}
	}
}
