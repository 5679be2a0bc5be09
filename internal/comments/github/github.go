// Package github looks up listing discussion activity through the GitHub
// GraphQL API.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/JakeFAU/listing-archiver/internal/crawler"
)

// DefaultEndpoint is the public GraphQL endpoint.
const DefaultEndpoint = "https://api.github.com/graphql"

const discussionQuery = `query($q: String!) {
  search(type: DISCUSSION, last: 1, query: $q) {
    nodes {
      ... on Discussion {
        comments { totalCount }
        title
      }
    }
  }
}`

// Config configures the Source.
type Config struct {
	Endpoint string
	Token    string
	Owner    string
	Repo     string
	Timeout  time.Duration
}

// Source implements crawler.CommentSource.
type Source struct {
	cfg    Config
	client *http.Client
}

var _ crawler.CommentSource = (*Source)(nil)

// New returns a Source; a nil client gets a default with cfg.Timeout.
func New(cfg Config, client *http.Client) *Source {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Source{cfg: cfg, client: client}
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type graphQLResponse struct {
	Data struct {
		Search struct {
			Nodes []struct {
				Title    string `json:"title"`
				Comments struct {
					TotalCount int `json:"totalCount"`
				} `json:"comments"`
			} `json:"nodes"`
		} `json:"search"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// Comments returns the discussion summary for listingID, or nil when no
// discussion exists.
func (s *Source) Comments(ctx context.Context, listingID string) (*crawler.CommentSummary, error) {
	body, err := json.Marshal(graphQLRequest{
		Query: discussionQuery,
		Variables: map[string]any{
			"q": fmt.Sprintf("repo:%s/%s in:id:%s", s.cfg.Owner, s.cfg.Repo, listingID),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("encode query: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.Token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("query discussions: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("query discussions: unexpected status %d", resp.StatusCode)
	}

	var out graphQLResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode discussions: %w", err)
	}
	if len(out.Errors) > 0 {
		return nil, errors.New("query discussions: " + out.Errors[0].Message)
	}
	if len(out.Data.Search.Nodes) == 0 {
		return nil, nil
	}
	node := out.Data.Search.Nodes[0]
	return &crawler.CommentSummary{Title: node.Title, TotalCount: node.Comments.TotalCount}, nil
}
