package scope

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrMalformedSelector indicates stream selector parameters that cannot be parsed.
var ErrMalformedSelector = errors.New("malformed scope selector")

// MaxSelectorIDs bounds how many identifiers a single selector dimension may carry.
const MaxSelectorIDs = 64

// Scope identifies one conversation lane. It is immutable once assigned and is
// the routing key for every event and subscription.
type Scope struct {
	ProjectID string `json:"project_id"`
	SessionID string `json:"session_id"`
	ThreadID  string `json:"thread_id"`
}

// New creates a Scope. All three identifiers are required.
func New(projectID, sessionID, threadID string) (Scope, error) {
	s := Scope{ProjectID: projectID, SessionID: sessionID, ThreadID: threadID}
	if err := s.Validate(); err != nil {
		return Scope{}, err
	}
	return s, nil
}

// Validate checks that every identifier is present.
func (s Scope) Validate() error {
	if s.ProjectID == "" {
		return fmt.Errorf("%w: project_id is required", ErrMalformedSelector)
	}
	if s.SessionID == "" {
		return fmt.Errorf("%w: session_id is required", ErrMalformedSelector)
	}
	if s.ThreadID == "" {
		return fmt.Errorf("%w: thread_id is required", ErrMalformedSelector)
	}
	return nil
}

func (s Scope) String() string {
	return s.ProjectID + "/" + s.SessionID + "/" + s.ThreadID
}

// Selector is a set filter over scopes. An empty dimension matches every
// identifier in that dimension, so the zero Selector matches all scopes.
type Selector struct {
	Projects map[string]struct{}
	Sessions map[string]struct{}
	Threads  map[string]struct{}
}

// ParseSelector builds a Selector from stream query parameters. Each dimension
// accepts repeated parameters and comma-separated lists interchangeably.
func ParseSelector(query url.Values) (Selector, error) {
	sel := Selector{}

	projects, err := parseIDList(query, "projects")
	if err != nil {
		return Selector{}, err
	}
	sessions, err := parseIDList(query, "sessions")
	if err != nil {
		return Selector{}, err
	}
	threads, err := parseIDList(query, "threads")
	if err != nil {
		return Selector{}, err
	}

	sel.Projects = projects
	sel.Sessions = sessions
	sel.Threads = threads
	return sel, nil
}

// Matches reports whether the scope passes every dimension filter.
func (sel Selector) Matches(s Scope) bool {
	if !matchDim(sel.Projects, s.ProjectID) {
		return false
	}
	if !matchDim(sel.Sessions, s.SessionID) {
		return false
	}
	return matchDim(sel.Threads, s.ThreadID)
}

// IsEmpty reports whether the selector carries no filters at all.
func (sel Selector) IsEmpty() bool {
	return len(sel.Projects) == 0 && len(sel.Sessions) == 0 && len(sel.Threads) == 0
}

func matchDim(set map[string]struct{}, id string) bool {
	if len(set) == 0 {
		return true
	}
	_, ok := set[id]
	return ok
}

func parseIDList(query url.Values, key string) (map[string]struct{}, error) {
	values, present := query[key]
	if !present {
		return nil, nil
	}

	ids := make(map[string]struct{})
	for _, raw := range values {
		for _, part := range strings.Split(raw, ",") {
			id := strings.TrimSpace(part)
			if id == "" {
				return nil, fmt.Errorf("%w: empty identifier in %q", ErrMalformedSelector, key)
			}
			ids[id] = struct{}{}
		}
	}
	if len(ids) > MaxSelectorIDs {
		return nil, fmt.Errorf("%w: %q lists %d identifiers (max %d)", ErrMalformedSelector, key, len(ids), MaxSelectorIDs)
	}
	return ids, nil
}
