package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/wenwu/saas-platform/voucher-service/internal/apperr"
	"github.com/wenwu/saas-platform/voucher-service/internal/models"
)

// ErrPlanNotFound is returned when the catalog has no plan with the given id.
var ErrPlanNotFound = apperr.NotFound("plan not found")

// PlanCatalogClient reads plans from the plan catalog service.
// Plans are read-only, so successful lookups are cached for cacheTTL.
type PlanCatalogClient struct {
	baseURL     string
	internalKey string
	httpClient  *http.Client
	cacheTTL    time.Duration

	mu    sync.Mutex
	cache map[string]cachedPlan
}

type cachedPlan struct {
	plan    *models.Plan
	fetched time.Time
}

// planResponse is the catalog's wire format
type planResponse struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	PriceCents      int64     `json:"priceCents"`
	DurationMinutes *int      `json:"durationMinutes"`
	DataCapMB       *int64    `json:"dataCapMb"`
	DownKbps        *int      `json:"downKbps"`
	UpKbps          *int      `json:"upKbps"`
	Archived        bool      `json:"archived"`
	CreatedAt       time.Time `json:"createdAt"`
}

// NewPlanCatalogClient creates a new plan catalog client
func NewPlanCatalogClient(baseURL, internalKey string, timeout time.Duration) *PlanCatalogClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &PlanCatalogClient{
		baseURL:     baseURL,
		internalKey: internalKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		cacheTTL: time.Minute,
		cache:    make(map[string]cachedPlan),
	}
}

// GetByID fetches one plan
func (c *PlanCatalogClient) GetByID(ctx context.Context, id string) (*models.Plan, error) {
	if p, ok := c.cached(id); ok {
		return p, nil
	}

	endpoint := fmt.Sprintf("%s/api/internal/plans/%s", c.baseURL, url.PathEscape(id))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Internal-Secret", c.internalKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrPlanNotFound
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("plan catalog returned status %d", resp.StatusCode)
	}

	var result planResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	plan := result.toPlan()
	c.store(id, plan)

	cp := *plan
	return &cp, nil
}

// ListActive fetches every non-archived plan, most expensive first.
// The listing is not cached; each plan it returns warms the per-id cache.
func (c *PlanCatalogClient) ListActive(ctx context.Context) ([]*models.Plan, error) {
	endpoint := fmt.Sprintf("%s/api/internal/plans", c.baseURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Internal-Secret", c.internalKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("plan catalog returned status %d", resp.StatusCode)
	}

	var result struct {
		Plans []planResponse `json:"plans"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	plans := make([]*models.Plan, 0, len(result.Plans))
	for _, r := range result.Plans {
		if r.Archived {
			continue
		}
		p := r.toPlan()
		c.store(p.ID, p)
		cp := *p
		plans = append(plans, &cp)
	}
	sort.SliceStable(plans, func(i, j int) bool {
		if plans[i].PriceCents != plans[j].PriceCents {
			return plans[i].PriceCents > plans[j].PriceCents
		}
		return plans[i].ID < plans[j].ID
	})
	return plans, nil
}

func (r planResponse) toPlan() *models.Plan {
	return &models.Plan{
		ID:              r.ID,
		Name:            r.Name,
		PriceCents:      r.PriceCents,
		DurationMinutes: r.DurationMinutes,
		DataCapMB:       r.DataCapMB,
		DownKbps:        r.DownKbps,
		UpKbps:          r.UpKbps,
		Archived:        r.Archived,
		CreatedAt:       r.CreatedAt,
	}
}

func (c *PlanCatalogClient) cached(id string) (*models.Plan, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ent, ok := c.cache[id]
	if !ok || time.Since(ent.fetched) > c.cacheTTL {
		return nil, false
	}
	cp := *ent.plan
	return &cp, true
}

func (c *PlanCatalogClient) store(id string, p *models.Plan) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[id] = cachedPlan{plan: p, fetched: time.Now()}
}
