package github

import (
	"context"
	"fmt"
	"net/url"

	"github.com/3leaps/goflock/pkg/tracker"
)

type pullRequest struct {
	Number  int    `json:"number"`
	Title   string `json:"title"`
	Body    string `json:"body"`
	HTMLURL string `json:"html_url"`
	Head    struct {
		Ref string `json:"ref"`
	} `json:"head"`
}

// ListOpenChangeRequests implements tracker.ChangeRequestLister.
func (c *Client) ListOpenChangeRequests(ctx context.Context) ([]tracker.ChangeRequest, error) {
	q := url.Values{}
	q.Set("state", "open")
	q.Set("per_page", fmt.Sprint(perPage))

	pulls, err := listAll[pullRequest](ctx, c, c.repoPath("/pulls?%s", q.Encode()))
	if err != nil {
		return nil, err
	}
	out := make([]tracker.ChangeRequest, 0, len(pulls))
	for _, pr := range pulls {
		out = append(out, tracker.ChangeRequest{
			Number: pr.Number,
			Title:  pr.Title,
			Body:   pr.Body,
			Branch: pr.Head.Ref,
			URL:    pr.HTMLURL,
		})
	}
	return out, nil
}
