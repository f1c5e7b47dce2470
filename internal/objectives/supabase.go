package objectives

import (
	"context"

	"github.com/supabase-community/postgrest-go"

	"github.com/generativebots/acp-backend/internal/database"
)

// objectiveRow is the objectives table shape.
type objectiveRow struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Metric  string `json:"metric"`
	Target  string `json:"target"`
	Horizon string `json:"horizon"`
	Summary string `json:"summary"`
}

// SupabaseService reads tenant objectives from the objectives table.
type SupabaseService struct {
	db *database.Client
}

var _ Service = (*SupabaseService)(nil)

func NewSupabaseService(db *database.Client) *SupabaseService {
	return &SupabaseService{db: db}
}

func (s *SupabaseService) List(_ context.Context, tenantID string) ([]Objective, error) {
	var rows []objectiveRow
	_, err := s.db.From(database.TableObjectives).
		Select("id, title, metric, target, horizon, summary", "", false).
		Eq("tenant_id", tenantID).
		Order("created_at", &postgrest.OrderOpts{Ascending: false}).
		ExecuteTo(&rows)
	if err != nil {
		return nil, err
	}

	objectives := make([]Objective, 0, len(rows))
	for _, row := range rows {
		objectives = append(objectives, Objective{
			ObjectiveID: row.ID,
			Title:       row.Title,
			Metric:      row.Metric,
			Target:      row.Target,
			Horizon:     row.Horizon,
			Summary:     row.Summary,
		})
	}
	return objectives, nil
}
