package daemon

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/clipflow/clipflow/pkg/orchestrator"
)

// briefPlanner is the default plan source: it captures the user's request as
// a brief artifact in the workspace and then inventories what the workspace
// holds. Domain planners that map a request onto media tools are supplied by
// the embedding application through the orchestrator's Planner interface.
type briefPlanner struct{}

func newBriefPlanner() *briefPlanner {
	return &briefPlanner{}
}

func (p *briefPlanner) Plan(_ context.Context, userPrompt string) ([]orchestrator.PlannedStep, error) {
	brief := fmt.Sprintf("briefs/%s.md", uuid.NewString())
	return []orchestrator.PlannedStep{
		{
			ID:          "capture_brief",
			Tool:        "save_artifact",
			Description: "Record the request brief in the workspace",
			Args: map[string]interface{}{
				"name":    brief,
				"content": userPrompt,
			},
			MaxRetries: 2,
		},
		{
			ID:          "inventory_workspace",
			Tool:        "list_artifacts",
			Description: "Inventory workspace artifacts",
			Args:        map[string]interface{}{},
			MaxRetries:  1,
		},
	}, nil
}
