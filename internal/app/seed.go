package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/vladislavdragonenkov/billing/internal/domain"
)

// Seeder — служебные операции наполнения хранилища (memory и postgres).
type Seeder interface {
	UpsertBillableEntity(ctx context.Context, entity domain.BillableEntity) error
	UpsertWorkspaceMember(ctx context.Context, workspaceID, userID string, role domain.WorkspaceRole) error
	UpsertPlan(ctx context.Context, plan domain.Plan) error
}

// SeedData — содержимое seed-файла: billable entities, участники workspace и каталог планов.
type SeedData struct {
	Entities []SeedEntity `json:"entities"`
	Members  []SeedMember `json:"members"`
	Plans    []SeedPlan   `json:"plans"`
}

type SeedEntity struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspaceId"`
}

type SeedMember struct {
	WorkspaceID string               `json:"workspaceId"`
	UserID      string               `json:"userId"`
	Role        domain.WorkspaceRole `json:"role"`
}

type SeedPlan struct {
	Code    string             `json:"code"`
	Version int                `json:"version"`
	Name    string             `json:"name"`
	Active  bool               `json:"active"`
	Prices  []domain.PlanPrice `json:"prices"`
}

// LoadSeedFile читает seed-файл. Неизвестные поля считаются ошибкой.
func LoadSeedFile(path string) (SeedData, error) {
	f, err := os.Open(path)
	if err != nil {
		return SeedData{}, fmt.Errorf("open seed file: %w", err)
	}
	defer func() { _ = f.Close() }()

	var data SeedData
	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&data); err != nil {
		return SeedData{}, fmt.Errorf("decode seed file %s: %w", path, err)
	}
	return data, nil
}

// ApplySeed записывает данные через seeder. Повторное применение идемпотентно.
func ApplySeed(ctx context.Context, seeder Seeder, data SeedData) error {
	for _, e := range data.Entities {
		if strings.TrimSpace(e.ID) == "" || strings.TrimSpace(e.WorkspaceID) == "" {
			return fmt.Errorf("seed entity requires id and workspaceId: %+v", e)
		}
		if err := seeder.UpsertBillableEntity(ctx, domain.BillableEntity{ID: e.ID, WorkspaceID: e.WorkspaceID}); err != nil {
			return fmt.Errorf("seed entity %s: %w", e.ID, err)
		}
	}
	for _, m := range data.Members {
		switch m.Role {
		case domain.WorkspaceRoleOwner, domain.WorkspaceRoleAdmin, domain.WorkspaceRoleMember:
		default:
			return fmt.Errorf("seed member %s/%s: unknown role %q", m.WorkspaceID, m.UserID, m.Role)
		}
		if err := seeder.UpsertWorkspaceMember(ctx, m.WorkspaceID, m.UserID, m.Role); err != nil {
			return fmt.Errorf("seed member %s/%s: %w", m.WorkspaceID, m.UserID, err)
		}
	}
	for _, p := range data.Plans {
		if strings.TrimSpace(p.Code) == "" {
			return fmt.Errorf("seed plan requires code")
		}
		version := p.Version
		if version <= 0 {
			version = 1
		}
		plan := domain.Plan{Code: p.Code, Version: version, Name: p.Name, Active: p.Active}
		for _, price := range p.Prices {
			price.PlanCode = p.Code
			price.PlanVersion = version
			if price.Quantity <= 0 {
				price.Quantity = 1
			}
			plan.Prices = append(plan.Prices, price)
		}
		if err := seeder.UpsertPlan(ctx, plan); err != nil {
			return fmt.Errorf("seed plan %s: %w", p.Code, err)
		}
	}
	return nil
}
