package scanner

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/3leaps/goflock/pkg/tracker"
)

// DefaultBranchPatterns are the branch naming conventions that link a
// change request to a work item. {id} is replaced by the item id.
var DefaultBranchPatterns = []string{
	"feature/issue-{id}",
	"**/issue-{id}",
	"**/issue-{id}-*",
}

// bodyRefPattern matches closing and reference keywords in a change
// request body: "Closes #12", "fixes #12", "refs #12".
var bodyRefPattern = regexp.MustCompile(`(?i)\b(?:close[sd]?|fix(?:e[sd])?|resolve[sd]?|refs?)\s*:?\s+#(\d+)\b`)

// referencedItems returns the item ids referenced from a change request
// body.
func referencedItems(body string) []int {
	var ids []int
	for _, m := range bodyRefPattern.FindAllStringSubmatch(body, -1) {
		id, err := strconv.Atoi(m[1])
		if err == nil && id > 0 {
			ids = append(ids, id)
		}
	}
	return ids
}

// matcher links work items to change requests. It is built once per scan
// from the full change request list.
type matcher struct {
	byBody   map[int][]int
	requests []tracker.ChangeRequest
	patterns []string
}

func validatePatterns(patterns []string) error {
	for _, p := range patterns {
		if !strings.Contains(p, "{id}") {
			return fmt.Errorf("branch pattern %q has no {id} placeholder", p)
		}
		if !doublestar.ValidatePattern(strings.ReplaceAll(p, "{id}", "1")) {
			return fmt.Errorf("invalid branch pattern %q", p)
		}
	}
	return nil
}

func newMatcher(requests []tracker.ChangeRequest, patterns []string) *matcher {
	m := &matcher{byBody: map[int][]int{}, requests: requests, patterns: patterns}
	for _, cr := range requests {
		for _, id := range referencedItems(cr.Body) {
			m.byBody[id] = appendUnique(m.byBody[id], cr.Number)
		}
	}
	return m
}

// match returns the numbers of change requests linked to item id.
func (m *matcher) match(id int) []int {
	out := append([]int(nil), m.byBody[id]...)
	sid := strconv.Itoa(id)
	for _, cr := range m.requests {
		if cr.Branch == "" {
			continue
		}
		for _, p := range m.patterns {
			ok, err := doublestar.Match(strings.ReplaceAll(p, "{id}", sid), cr.Branch)
			if err == nil && ok {
				out = appendUnique(out, cr.Number)
				break
			}
		}
	}
	return out
}

func appendUnique(s []int, v int) []int {
	for _, x := range s {
		if x == v {
			return s
		}
	}
	return append(s, v)
}
