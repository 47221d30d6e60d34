package authorization

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	auditdomain "github.com/smallbiznis/railtab/internal/audit/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed model.conf
var modelText string

const (
	ObjectBillingGroup = "billing_group"
	ObjectPayment      = "payment"
	ObjectAuditLog     = "audit_log"
)

const (
	ActionBillingGroupValidateDeletion = "billing_group.validate_deletion"
	ActionBillingGroupDelete           = "billing_group.delete"
	ActionBillingGroupForceDelete      = "billing_group.force_delete"
	ActionBillingGroupCreateDefault    = "billing_group.create_default"

	ActionPaymentAllocate = "payment.allocate"
	ActionPaymentReverse  = "payment.reverse"

	ActionAuditLogView = "audit_log.view"
)

var roles = map[string]struct{}{
	RoleOwner:  {},
	RoleAdmin:  {},
	RoleMember: {},
	RoleSystem: {},
}

type Params struct {
	fx.In

	Log      *zap.Logger
	Enforcer *casbin.SyncedEnforcer
	AuditSvc auditdomain.Service `optional:"true"`
}

type ServiceImpl struct {
	log      *zap.Logger
	enforcer *casbin.SyncedEnforcer
	auditSvc auditdomain.Service
}

// NewEnforcer loads policies and role assignments from the casbin_rule table
// and seeds the built-in role permissions.
func NewEnforcer(db *gorm.DB) (*casbin.SyncedEnforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, err
	}
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, err
	}
	enforcer.EnableAutoSave(true)
	enforcer.EnableAutoBuildRoleLinks(true)
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, err
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	if err := enforcer.BuildRoleLinks(); err != nil {
		return nil, err
	}
	return enforcer, nil
}

func NewService(p Params) Service {
	return &ServiceImpl{
		log:      p.Log.Named("authorization.service"),
		enforcer: p.Enforcer,
		auditSvc: p.AuditSvc,
	}
}

func (s *ServiceImpl) Authorize(ctx context.Context, actor string, orgID string, object string, action string) error {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return ErrInvalidActor
	}
	orgID = strings.TrimSpace(orgID)
	if orgID == "" {
		return ErrInvalidOrganization
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return ErrInvalidObject
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return ErrInvalidAction
	}

	actorType, actorID, err := parseActor(actor)
	if err != nil {
		return err
	}

	subject := actor
	if actorType == "system" {
		subject = roleName(RoleSystem)
	}
	allowed, err := s.enforcer.Enforce(subject, orgDomain(orgID), object, action)
	if err != nil {
		return err
	}
	if !allowed {
		s.log.Info("authorization denied",
			zap.String("actor", actor),
			zap.String("organization_id", orgID),
			zap.String("action", action),
		)
		s.auditDecision(ctx, auditdomain.ActionAuthorizationDenied, actorType, actorID, orgID, object, action)
		return ErrForbidden
	}

	if shouldAuditGrant(action) {
		s.auditDecision(ctx, auditdomain.ActionAuthorizationGranted, actorType, actorID, orgID, object, action)
	}
	return nil
}

// AssignRole replaces the roles of userID in orgID with role. orgID may be
// AllOrganizations.
func (s *ServiceImpl) AssignRole(ctx context.Context, orgID string, userID string, role string) error {
	orgID, userID = strings.TrimSpace(orgID), strings.TrimSpace(userID)
	role = strings.ToLower(strings.TrimSpace(role))
	if _, ok := roles[role]; !ok || role == RoleSystem {
		return ErrInvalidRole
	}
	if userID == "" {
		return ErrInvalidActor
	}
	if orgID == "" {
		return ErrInvalidOrganization
	}

	subject, domain := "user:"+userID, orgDomain(orgID)
	if err := s.RevokeRoles(ctx, orgID, userID); err != nil {
		return err
	}
	if _, err := s.enforcer.AddGroupingPolicy(subject, roleName(role), domain); err != nil {
		return err
	}
	s.log.Info("role assigned",
		zap.String("user_id", userID),
		zap.String("organization_id", orgID),
		zap.String("role", role),
	)
	return nil
}

func (s *ServiceImpl) RevokeRoles(ctx context.Context, orgID string, userID string) error {
	existing, err := s.enforcer.GetFilteredGroupingPolicy(0, "user:"+strings.TrimSpace(userID), "", orgDomain(strings.TrimSpace(orgID)))
	if err != nil {
		return err
	}
	for _, rule := range existing {
		params := make([]interface{}, 0, len(rule))
		for _, value := range rule {
			params = append(params, value)
		}
		if _, err := s.enforcer.RemoveGroupingPolicy(params...); err != nil {
			return err
		}
	}
	return nil
}

func parseActor(actor string) (string, *string, error) {
	if actor == "system" {
		return "system", nil, nil
	}
	if userID, ok := strings.CutPrefix(actor, "user:"); ok {
		userID = strings.TrimSpace(userID)
		if userID == "" {
			return "", nil, ErrInvalidActor
		}
		return "user", &userID, nil
	}
	return "", nil, ErrInvalidActor
}

func orgDomain(orgID string) string {
	if orgID == AllOrganizations {
		return AllOrganizations
	}
	return fmt.Sprintf("org:%s", orgID)
}

func roleName(role string) string {
	return "role:" + role
}

func (s *ServiceImpl) auditDecision(ctx context.Context, auditAction string, actorType string, actorID *string, orgID string, object string, action string) {
	if s.auditSvc == nil {
		return
	}
	parsedOrgID, err := snowflake.ParseString(orgID)
	if err != nil || parsedOrgID == 0 {
		return
	}
	targetID := "capability"
	err = s.auditSvc.AuditLog(ctx, &parsedOrgID, actorType, actorID, auditAction, "authorization", &targetID, map[string]any{
		"object": object,
		"action": action,
	})
	if err != nil {
		s.log.Warn("failed to write audit log", zap.String("action", auditAction), zap.Error(err))
	}
}

func shouldAuditGrant(action string) bool {
	return action == ActionBillingGroupForceDelete
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	policies := [][]string{
		// Member permissions (read-only)
		{"role:member", ObjectBillingGroup, ActionBillingGroupValidateDeletion},

		// Admin permissions
		{"role:admin", ObjectBillingGroup, ActionBillingGroupValidateDeletion},
		{"role:admin", ObjectBillingGroup, ActionBillingGroupDelete},
		{"role:admin", ObjectBillingGroup, ActionBillingGroupCreateDefault},
		{"role:admin", ObjectPayment, ActionPaymentAllocate},
		{"role:admin", ObjectPayment, ActionPaymentReverse},
		{"role:admin", ObjectAuditLog, ActionAuditLogView},

		// Owner permissions
		{"role:owner", ObjectBillingGroup, ActionBillingGroupValidateDeletion},
		{"role:owner", ObjectBillingGroup, ActionBillingGroupDelete},
		{"role:owner", ObjectBillingGroup, ActionBillingGroupForceDelete},
		{"role:owner", ObjectBillingGroup, ActionBillingGroupCreateDefault},
		{"role:owner", ObjectPayment, ActionPaymentAllocate},
		{"role:owner", ObjectPayment, ActionPaymentReverse},
		{"role:owner", ObjectAuditLog, ActionAuditLogView},

		// System permissions (webhooks and background jobs)
		{"role:system", ObjectBillingGroup, ActionBillingGroupCreateDefault},
		{"role:system", ObjectPayment, ActionPaymentAllocate},
		{"role:system", ObjectPayment, ActionPaymentReverse},
	}

	for _, policy := range policies {
		has, err := enforcer.HasPolicy(policy)
		if err != nil {
			return err
		}
		if has {
			continue
		}
		if _, err := enforcer.AddPolicy(policy); err != nil {
			return err
		}
	}
	return nil
}
