package policy

import (
	"context"
	"testing"

	"github.com/vladislavdragonenkov/billing/internal/domain"
	"github.com/vladislavdragonenkov/billing/internal/storage/memory"
)

func TestResolveBillableEntityForWriteRequest(t *testing.T) {
	repo := memory.NewBillingRepository()
	repo.SeedBillableEntity(domain.BillableEntity{ID: "be-1", WorkspaceID: "ws-1"})
	repo.SeedWorkspaceMember("ws-1", "owner", domain.WorkspaceRoleOwner)
	repo.SeedWorkspaceMember("ws-1", "admin", domain.WorkspaceRoleAdmin)
	repo.SeedWorkspaceMember("ws-1", "member", domain.WorkspaceRoleMember)
	repo.SeedWorkspaceMember("ws-2", "owner", domain.WorkspaceRoleOwner)

	tests := []struct {
		name     string
		req      WriteRequest
		wantCode domain.ErrorCode
	}{
		{name: "owner", req: WriteRequest{WorkspaceID: "ws-1", UserID: "owner"}},
		{name: "admin", req: WriteRequest{WorkspaceID: "ws-1", UserID: "admin"}},
		{name: "member", req: WriteRequest{WorkspaceID: "ws-1", UserID: "member"}, wantCode: domain.ErrorCodeForbidden},
		{name: "stranger", req: WriteRequest{WorkspaceID: "ws-1", UserID: "nobody"}, wantCode: domain.ErrorCodeForbidden},
		{name: "anonymous", req: WriteRequest{WorkspaceID: "ws-1"}, wantCode: domain.ErrorCodeForbidden},
		{name: "no entity", req: WriteRequest{WorkspaceID: "ws-2", UserID: "owner"}, wantCode: domain.ErrorCodeBillableEntityNotFound},
	}

	svc := NewService()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var entity domain.BillableEntity
			err := repo.WithinTx(context.Background(), func(ctx context.Context, tx domain.BillingTx) error {
				var err error
				entity, err = svc.ResolveBillableEntityForWriteRequest(ctx, tx, tt.req)
				return err
			})
			if tt.wantCode == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if entity.ID != "be-1" {
					t.Fatalf("unexpected entity: %+v", entity)
				}
				return
			}
			if !domain.HasCode(err, tt.wantCode) {
				t.Fatalf("expected %s, got %v", tt.wantCode, err)
			}
		})
	}
}
