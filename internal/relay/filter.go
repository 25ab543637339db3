package relay

// Filter is a conjunctive predicate over an event's fields and tags.
// Absent/empty fields impose no constraint. Within a Filter, predicates
// combine by conjunction; across filters passed to Matches, results
// combine by disjunction.
type Filter struct {
	IDs     []string            `json:"ids,omitempty"`
	Authors []string            `json:"authors,omitempty"`
	Kinds   []int               `json:"kinds,omitempty"`
	Since   *int64              `json:"since,omitempty"`
	Until   *int64              `json:"until,omitempty"`
	Limit   int                 `json:"limit,omitempty"`
	Tags    map[string][]string `json:"-"`
}

// Matches reports whether f alone is satisfied by e. Limit is not
// applied here: the matcher is used for unbounded broadcast as well as
// bounded queries, and bounding is the caller's job.
func (f *Filter) Matches(e *Event) bool {
	if len(f.IDs) > 0 && !containsString(f.IDs, e.ID) {
		return false
	}
	if len(f.Authors) > 0 && !containsString(f.Authors, e.PubKey) {
		return false
	}
	if len(f.Kinds) > 0 && !containsInt(f.Kinds, e.Kind) {
		return false
	}
	if f.Since != nil && e.CreatedAt < *f.Since {
		return false
	}
	if f.Until != nil && e.CreatedAt > *f.Until {
		return false
	}
	for letter, values := range f.Tags {
		if len(values) == 0 {
			continue
		}
		if !eventHasTag(e, letter, values) {
			return false
		}
	}
	return true
}

// Matches reports whether e satisfies any of filters (disjunction
// across filters).
func Matches(e *Event, filters []Filter) bool {
	for i := range filters {
		if filters[i].Matches(e) {
			return true
		}
	}
	return false
}

func eventHasTag(e *Event, letter string, values []string) bool {
	for _, t := range e.Tags {
		if len(t) < 2 {
			continue
		}
		if t[0] != letter {
			continue
		}
		if containsString(values, t[1]) {
			return true
		}
	}
	return false
}

func containsString(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func containsInt(set []int, v int) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// ValidateShape checks a filter for structural sanity (used by REQ
// handling before registering a subscription). Negative limits and
// multi-character tag predicate keys are rejected.
func (f *Filter) ValidateShape() error {
	if f.Limit < 0 {
		return invalidf("filter limit must be non-negative")
	}
	for letter := range f.Tags {
		if len(letter) != 1 {
			return invalidf("tag filter key %q must be a single letter", letter)
		}
	}
	return nil
}
