package authorization

import (
	"context"
	"strings"

	"github.com/smallbiznis/railtab/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("authorization",
	fx.Provide(NewEnforcer),
	fx.Provide(NewService),
	fx.Invoke(bootstrapOwner),
)

// bootstrapOwner grants the configured user the owner role everywhere so a
// fresh install has someone able to assign roles.
func bootstrapOwner(cfg config.Config, svc Service) error {
	userID := strings.TrimSpace(cfg.Authz.BootstrapOwner)
	if !cfg.Authz.Enabled || userID == "" {
		return nil
	}
	return svc.AssignRole(context.Background(), AllOrganizations, userID, RoleOwner)
}
