// Package tracker defines the narrow view of an external issue tracker the
// scanner needs: list work items by label, swap labels, leave a note, and
// list open change requests.
package tracker

import "context"

// WorkItem is an open tracker item.
type WorkItem struct {
	ID     int      `json:"id"`
	Title  string   `json:"title"`
	Labels []string `json:"labels"`

	// UpdatedAt is the tracker's last-activity timestamp, verbatim. It is
	// parsed by the consumer so a malformed value affects one item only.
	UpdatedAt string `json:"updated_at"`
	URL       string `json:"url,omitempty"`
}

// HasLabel reports whether the item carries label.
func (w WorkItem) HasLabel(label string) bool {
	for _, l := range w.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// ChangeRequest is an open pull/merge request.
type ChangeRequest struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	Body   string `json:"body"`
	Branch string `json:"branch"`
	URL    string `json:"url,omitempty"`
}

// Tracker reads and mutates work items.
type Tracker interface {
	// ListByLabel returns open work items carrying label. Change requests
	// are never returned.
	ListByLabel(ctx context.Context, label string) ([]WorkItem, error)

	// SwapLabel adds add and removes remove. Removing a label the item
	// does not carry is not an error.
	SwapLabel(ctx context.Context, id int, remove, add string) error

	// Comment posts a note on the item.
	Comment(ctx context.Context, id int, body string) error
}

// ChangeRequestLister lists open change requests.
type ChangeRequestLister interface {
	ListOpenChangeRequests(ctx context.Context) ([]ChangeRequest, error)
}
