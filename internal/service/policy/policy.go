package policy

import (
	"context"
	"fmt"
	"strings"

	"github.com/vladislavdragonenkov/billing/internal/domain"
)

// WriteRequest описывает принципала запроса, пришедшего от шлюза.
type WriteRequest struct {
	WorkspaceID string
	UserID      string
}

// Service разрешает billable entity и право на запись в биллинг.
type Service struct{}

// NewService создает сервис политик.
func NewService() *Service {
	return &Service{}
}

// ResolveBillableEntityForWriteRequest возвращает billable entity workspace,
// если пользователь owner или admin.
func (s *Service) ResolveBillableEntityForWriteRequest(ctx context.Context, tx domain.BillingTx, req WriteRequest) (domain.BillableEntity, error) {
	workspaceID := strings.TrimSpace(req.WorkspaceID)
	userID := strings.TrimSpace(req.UserID)
	if workspaceID == "" || userID == "" {
		return domain.BillableEntity{}, domain.NewBillingError(domain.ErrorCodeForbidden, "workspace and user are required")
	}

	role, err := tx.FindWorkspaceRole(ctx, workspaceID, userID)
	if err != nil {
		if domain.IsNotFound(err) {
			return domain.BillableEntity{}, domain.NewBillingError(domain.ErrorCodeForbidden, "user is not a member of the workspace")
		}
		return domain.BillableEntity{}, fmt.Errorf("find workspace role: %w", err)
	}
	if !role.CanManageBilling() {
		return domain.BillableEntity{}, domain.NewBillingError(domain.ErrorCodeForbidden, "billing requires owner or admin role").
			WithDetails(map[string]any{"role": string(role)})
	}

	entity, err := tx.FindBillableEntityByWorkspace(ctx, workspaceID)
	if err != nil {
		if domain.IsNotFound(err) {
			return domain.BillableEntity{}, domain.NewBillingError(domain.ErrorCodeBillableEntityNotFound, "workspace has no billable entity")
		}
		return domain.BillableEntity{}, fmt.Errorf("find billable entity: %w", err)
	}
	return entity, nil
}
