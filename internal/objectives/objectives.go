// Package objectives serves the tenant goals that steer the agent: they seed
// the desk queue and are rendered into the system prompt ahead of the tool
// catalog.
package objectives

import (
	"context"
	"fmt"
)

// Objective is one tenant goal surfaced to the agent.
type Objective struct {
	ObjectiveID string `json:"objective_id"`
	Title       string `json:"title"`
	Metric      string `json:"metric"`
	Target      string `json:"target"`
	Horizon     string `json:"horizon"`
	Summary     string `json:"summary"`
}

// PromptLine renders the objective as one bullet of the system prompt.
func (o Objective) PromptLine() string {
	return fmt.Sprintf("- %s (metric: %s, target: %s, horizon: %s)", o.Title, o.Metric, o.Target, o.Horizon)
}

// ToQueueItem renders the objective as a desk queue seed item.
func (o Objective) ToQueueItem() map[string]interface{} {
	return map[string]interface{}{
		"id":       o.ObjectiveID,
		"title":    o.Title,
		"status":   "pending",
		"evidence": []string{o.Summary},
	}
}

// Service serves the objectives for a tenant.
type Service interface {
	List(ctx context.Context, tenantID string) ([]Objective, error)
}

// DefaultObjectives returns the demo objective set.
func DefaultObjectives() []Objective {
	return []Objective{
		{
			ObjectiveID: "obj-increase-renewals",
			Title:       "Increase renewal rate",
			Metric:      "renewal_rate",
			Target:      "+5% QoQ",
			Horizon:     "Q4",
			Summary:     "Partner with CSMs to contact at-risk customers before renewal milestones.",
		},
		{
			ObjectiveID: "obj-improve-sla",
			Title:       "Improve support SLA",
			Metric:      "sla_achieved",
			Target:      ">= 95%",
			Horizon:     "Monthly",
			Summary:     "Ensure all priority incidents receive responses under 30 minutes.",
		},
	}
}

// MemoryService serves a static per-tenant objective map. Used by tests and
// the demo wiring.
type MemoryService struct {
	byTenant map[string][]Objective
}

var _ Service = (*MemoryService)(nil)

func NewMemoryService(byTenant map[string][]Objective) *MemoryService {
	copied := make(map[string][]Objective, len(byTenant))
	for tenant, objectives := range byTenant {
		copied[tenant] = append([]Objective(nil), objectives...)
	}
	return &MemoryService{byTenant: copied}
}

// NewDemoService serves the default objectives for a single tenant.
func NewDemoService(tenantID string) *MemoryService {
	return NewMemoryService(map[string][]Objective{tenantID: DefaultObjectives()})
}

func (s *MemoryService) List(_ context.Context, tenantID string) ([]Objective, error) {
	return append([]Objective(nil), s.byTenant[tenantID]...), nil
}
