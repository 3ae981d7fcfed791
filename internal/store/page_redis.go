package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/local/contractocr/internal/document"
)

// PageReport is what the pipeline decided and did for one logical page.
type PageReport struct {
	Label       string                `json:"label"`
	Index       int                   `json:"index"`
	Sub         int                   `json:"sub"`
	Assessed    bool                  `json:"assessed"`
	Flags       document.Flags        `json:"flags"`
	History     []document.Correction `json:"history,omitempty"`
	Annotations []string              `json:"annotations,omitempty"`
	Failures    []document.Failure    `json:"failures,omitempty"`
}

// ReportFor snapshots p.
func ReportFor(p *document.Page) PageReport {
	return PageReport{
		Label:       p.Label(),
		Index:       p.Index,
		Sub:         p.Sub,
		Assessed:    p.Assessed,
		Flags:       p.Flags,
		History:     p.History(),
		Annotations: p.Annotations,
		Failures:    p.Failures,
	}
}

type PageStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewPageStore shares an existing client.
func NewPageStore(c *redis.Client) *PageStore {
	return &PageStore{client: c, ttl: 7 * 24 * time.Hour}
}

func (s *PageStore) pagesKey(jobID string) string {
	return fmt.Sprintf("job:%s:pages", jobID)
}

// Save stores reports keyed by page label, replacing any previous attempt.
func (s *PageStore) Save(ctx context.Context, jobID string, reports []PageReport) error {
	if len(reports) == 0 {
		return nil
	}
	m := make(map[string]any, len(reports))
	for _, r := range reports {
		b, err := json.Marshal(r)
		if err != nil {
			return err
		}
		m[r.Label] = string(b)
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.pagesKey(jobID))
	pipe.HSet(ctx, s.pagesKey(jobID), m)
	pipe.Expire(ctx, s.pagesKey(jobID), s.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// List returns reports in page order.
func (s *PageStore) List(ctx context.Context, jobID string) ([]PageReport, error) {
	res, err := s.client.HGetAll(ctx, s.pagesKey(jobID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]PageReport, 0, len(res))
	for label, raw := range res {
		var r PageReport
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return nil, fmt.Errorf("page %s: %w", label, err)
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Index != out[j].Index {
			return out[i].Index < out[j].Index
		}
		return out[i].Sub < out[j].Sub
	})
	return out, nil
}
