package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/veritide-labs/veritide-go/internal/domain"
	"github.com/veritide-labs/veritide-go/internal/repo"
)

type WorkflowStore struct {
	db DB
}

const (
	selectWorkflowColumns = `workflow_def_id, workflow_id, name, version, active, halt_policy, steps, published_at, published_by`

	selectWorkflowByIDQuery = `SELECT ` + selectWorkflowColumns + `
	 FROM workflow_definitions
	 WHERE workflow_def_id = $1`

	selectActiveWorkflowQuery = `SELECT ` + selectWorkflowColumns + `
	 FROM workflow_definitions
	 WHERE workflow_id = $1 AND active = TRUE`
)

func NewWorkflowStore(db DB) *WorkflowStore {
	if db == nil {
		return nil
	}
	return &WorkflowStore{db: db}
}

// CreateDefinition publishes a new immutable version and deactivates prior
// versions of the same workflow in one transaction-free pass: the insert is
// ordered after the deactivate so a concurrent reader never sees two active
// versions of one workflow.
func (s *WorkflowStore) CreateDefinition(ctx context.Context, def domain.WorkflowDefinition) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("workflow store not initialized")
	}
	if err := def.Validate(); err != nil {
		return err
	}
	stepsJSON, err := json.Marshal(def.Steps)
	if err != nil {
		return fmt.Errorf("encode steps: %w", err)
	}
	if def.Active {
		_, err = s.db.ExecContext(
			ctx,
			`UPDATE workflow_definitions SET active = FALSE WHERE workflow_id = $1 AND active = TRUE`,
			strings.TrimSpace(def.WorkflowID),
		)
		if err != nil {
			return fmt.Errorf("deactivate prior versions: %w", err)
		}
	}
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO workflow_definitions (
			workflow_def_id,
			workflow_id,
			name,
			version,
			active,
			halt_policy,
			steps,
			published_at,
			published_by
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		strings.TrimSpace(def.ID),
		strings.TrimSpace(def.WorkflowID),
		strings.TrimSpace(def.Name),
		def.Version,
		def.Active,
		def.HaltPolicy,
		stepsJSON,
		normalizeTime(def.PublishedAt),
		strings.TrimSpace(def.PublishedBy),
	)
	if err != nil {
		return fmt.Errorf("insert workflow definition: %w", err)
	}
	return nil
}

func (s *WorkflowStore) GetDefinition(ctx context.Context, id string) (domain.WorkflowDefinition, error) {
	if s == nil || s.db == nil {
		return domain.WorkflowDefinition{}, fmt.Errorf("workflow store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.WorkflowDefinition{}, fmt.Errorf("workflow definition id is required")
	}
	row := s.db.QueryRowContext(ctx, selectWorkflowByIDQuery, id)
	return scanWorkflowDefinition(row)
}

func (s *WorkflowStore) GetActiveDefinition(ctx context.Context, workflowID string) (domain.WorkflowDefinition, error) {
	if s == nil || s.db == nil {
		return domain.WorkflowDefinition{}, fmt.Errorf("workflow store not initialized")
	}
	workflowID = strings.TrimSpace(workflowID)
	if workflowID == "" {
		return domain.WorkflowDefinition{}, fmt.Errorf("workflow id is required")
	}
	row := s.db.QueryRowContext(ctx, selectActiveWorkflowQuery, workflowID)
	return scanWorkflowDefinition(row)
}

func (s *WorkflowStore) ListDefinitions(ctx context.Context, filter repo.WorkflowFilter) ([]domain.WorkflowDefinition, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("workflow store not initialized")
	}
	limit := filter.Limit
	if limit < 1 || limit > 500 {
		limit = 100
	}
	query := `SELECT ` + selectWorkflowColumns + ` FROM workflow_definitions`
	conds := make([]string, 0, 2)
	args := make([]any, 0, 3)
	if workflowID := strings.TrimSpace(filter.WorkflowID); workflowID != "" {
		args = append(args, workflowID)
		conds = append(conds, fmt.Sprintf("workflow_id = $%d", len(args)))
	}
	if filter.ActiveOnly {
		conds = append(conds, "active = TRUE")
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY workflow_id ASC, version DESC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list workflow definitions: %w", err)
	}
	defer rows.Close()

	out := make([]domain.WorkflowDefinition, 0)
	for rows.Next() {
		def, err := scanWorkflowDefinition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list workflow definitions: %w", err)
	}
	return out, nil
}

func (s *WorkflowStore) NextVersion(ctx context.Context, workflowID string) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("workflow store not initialized")
	}
	workflowID = strings.TrimSpace(workflowID)
	if workflowID == "" {
		return 0, fmt.Errorf("workflow id is required")
	}
	var next int
	err := s.db.QueryRowContext(
		ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM workflow_definitions WHERE workflow_id = $1`,
		workflowID,
	).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("next workflow version: %w", err)
	}
	return next, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflowDefinition(scanner rowScanner) (domain.WorkflowDefinition, error) {
	var def domain.WorkflowDefinition
	var stepsJSON []byte
	var publishedBy sql.NullString
	if err := scanner.Scan(
		&def.ID,
		&def.WorkflowID,
		&def.Name,
		&def.Version,
		&def.Active,
		&def.HaltPolicy,
		&stepsJSON,
		&def.PublishedAt,
		&publishedBy,
	); err != nil {
		return domain.WorkflowDefinition{}, handleNotFound(err)
	}
	if len(stepsJSON) > 0 {
		if err := json.Unmarshal(stepsJSON, &def.Steps); err != nil {
			return domain.WorkflowDefinition{}, fmt.Errorf("decode steps: %w", err)
		}
	}
	def.PublishedAt = def.PublishedAt.UTC()
	def.PublishedBy = strings.TrimSpace(publishedBy.String)
	return def, nil
}
