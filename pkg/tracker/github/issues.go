package github

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"github.com/3leaps/goflock/pkg/tracker"
)

type label struct {
	Name string `json:"name"`
}

type issue struct {
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	HTMLURL   string    `json:"html_url"`
	UpdatedAt string    `json:"updated_at"`
	Labels    []label   `json:"labels"`
	PR        *struct{} `json:"pull_request,omitempty"`
}

// ListByLabel implements tracker.Tracker. The issues endpoint also returns
// pull requests; those are dropped.
func (c *Client) ListByLabel(ctx context.Context, name string) ([]tracker.WorkItem, error) {
	q := url.Values{}
	q.Set("state", "open")
	q.Set("labels", name)
	q.Set("per_page", fmt.Sprint(perPage))

	issues, err := listAll[issue](ctx, c, c.repoPath("/issues?%s", q.Encode()))
	if err != nil {
		return nil, err
	}

	items := make([]tracker.WorkItem, 0, len(issues))
	for _, is := range issues {
		if is.PR != nil {
			continue
		}
		labels := make([]string, 0, len(is.Labels))
		for _, l := range is.Labels {
			labels = append(labels, l.Name)
		}
		items = append(items, tracker.WorkItem{
			ID:        is.Number,
			Title:     is.Title,
			Labels:    labels,
			UpdatedAt: is.UpdatedAt,
			URL:       is.HTMLURL,
		})
	}
	return items, nil
}

// SwapLabel implements tracker.Tracker. The new label is added before the
// old one is removed so the item is never left without either.
func (c *Client) SwapLabel(ctx context.Context, id int, remove, add string) error {
	if add != "" {
		body := map[string][]string{"labels": {add}}
		if _, err := c.do(ctx, http.MethodPost, c.repoPath("/issues/%d/labels", id), body); err != nil {
			return fmt.Errorf("add label %q to #%d: %w", add, id, err)
		}
	}
	if remove != "" {
		_, err := c.do(ctx, http.MethodDelete, c.repoPath("/issues/%d/labels/%s", id, url.PathEscape(remove)), nil)
		if err != nil && !IsNotFound(err) {
			return fmt.Errorf("remove label %q from #%d: %w", remove, id, err)
		}
	}
	c.log.Debug("Swapped label", zap.Int("issue", id), zap.String("removed", remove), zap.String("added", add))
	return nil
}

// Comment implements tracker.Tracker.
func (c *Client) Comment(ctx context.Context, id int, body string) error {
	if _, err := c.do(ctx, http.MethodPost, c.repoPath("/issues/%d/comments", id), map[string]string{"body": body}); err != nil {
		return fmt.Errorf("comment on #%d: %w", id, err)
	}
	return nil
}
