package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"strings"

	"github.com/terra-clan/ctf-conductor/internal/models"
)

type challengeSummary struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

type challengeDetail struct {
	ID          int      `json:"id"`
	Name        string   `json:"name"`
	Category    string   `json:"category"`
	Value       int      `json:"value"`
	Description string   `json:"description"`
	Tags        tagList  `json:"tags"`
	Files       []string `json:"files"`
}

// tagList accepts both plain strings and {"value": ...} objects
type tagList []string

func (t *tagList) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	tags := make([]string, 0, len(raw))
	for _, r := range raw {
		var s string
		if err := json.Unmarshal(r, &s); err == nil {
			tags = append(tags, s)
			continue
		}
		var obj struct {
			Value string `json:"value"`
		}
		if err := json.Unmarshal(r, &obj); err != nil {
			return fmt.Errorf("invalid tag: %w", err)
		}
		tags = append(tags, obj.Value)
	}

	*t = tags
	return nil
}

// ListTasks logs in and yields every published challenge. The sequence is
// finite and single-use; the first error ends it.
func (c *Client) ListTasks(ctx context.Context, baseURL, username, password string) iter.Seq2[models.TaskDescriptor, error] {
	return func(yield func(models.TaskDescriptor, error) bool) {
		s, err := c.newSession(baseURL)
		if err != nil {
			yield(models.TaskDescriptor{}, err)
			return
		}

		if err := s.login(ctx, username, password); err != nil {
			yield(models.TaskDescriptor{}, err)
			return
		}

		page := 1
		for {
			list, err := getAPI[[]challengeSummary](ctx, s, fmt.Sprintf("/api/v1/challenges?page=%d", page))
			if err != nil {
				yield(models.TaskDescriptor{}, err)
				return
			}

			for _, summary := range list.Data {
				if summary.Type == "hidden" {
					continue
				}

				detail, err := getAPI[challengeDetail](ctx, s, fmt.Sprintf("/api/v1/challenges/%d", summary.ID))
				if err != nil {
					yield(models.TaskDescriptor{}, err)
					return
				}

				if !yield(s.descriptor(detail.Data), nil) {
					return
				}
			}

			next := list.Meta.Pagination.Next
			if next == nil || *next <= page {
				return
			}
			page = *next
		}
	}
}

func (s *session) descriptor(d challengeDetail) models.TaskDescriptor {
	files := make([]string, 0, len(d.Files))
	for _, f := range d.Files {
		if strings.HasPrefix(f, "http://") || strings.HasPrefix(f, "https://") {
			files = append(files, f)
			continue
		}
		if !strings.HasPrefix(f, "/") {
			f = "/" + f
		}
		files = append(files, s.base.String()+f)
	}

	return models.TaskDescriptor{
		ExternalID:  fmt.Sprintf("%d", d.ID),
		Name:        d.Name,
		Category:    d.Category,
		Value:       d.Value,
		Description: d.Description,
		Tags:        []string(d.Tags),
		Files:       files,
	}
}
