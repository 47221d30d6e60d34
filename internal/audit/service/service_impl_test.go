package service_test

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	auditdomain "github.com/smallbiznis/railtab/internal/audit/domain"
	auditrepo "github.com/smallbiznis/railtab/internal/audit/repository"
	"github.com/smallbiznis/railtab/internal/audit/service"
	"github.com/smallbiznis/railtab/internal/clock"
	obscontext "github.com/smallbiznis/railtab/internal/observability/context"
	"github.com/smallbiznis/railtab/internal/orgcontext"
	"github.com/smallbiznis/railtab/pkg/telemetry/correlation"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newAuditService(t *testing.T) (auditdomain.Service, *clock.FakeClock, *gorm.DB) {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&auditdomain.AuditLog{}))

	node, err := snowflake.NewNode(3)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC))

	svc := service.NewService(service.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clk,
		Repo:  auditrepo.Provide(),
	})
	return svc, clk, db
}

func TestAuditLogResolvesActorAndOrgFromContext(t *testing.T) {
	svc, _, db := newAuditService(t)

	orgID := snowflake.ID(42)
	ctx := orgcontext.WithOrgID(context.Background(), orgID)
	ctx = obscontext.WithActor(ctx, "user", "u-7")
	ctx = obscontext.WithRequestID(ctx, "req-1")
	ctx = obscontext.WithClient(ctx, "10.0.0.1", "curl/8")
	ctx = correlation.ContextWithCorrelationID(ctx, "corr-1")

	target := " 99 "
	require.NoError(t, svc.AuditLog(ctx, nil, "", nil, auditdomain.ActionBillingGroupDeleted,
		auditdomain.TargetTypeBillingGroup, &target, map[string]any{"forced": true}))

	var entry auditdomain.AuditLog
	require.NoError(t, db.Take(&entry).Error)
	require.NotNil(t, entry.OrgID)
	require.Equal(t, orgID, *entry.OrgID)
	require.Equal(t, "user", entry.ActorType)
	require.Equal(t, "u-7", *entry.ActorID)
	require.Equal(t, "99", *entry.TargetID)
	require.Equal(t, "10.0.0.1", *entry.IPAddress)
	require.Equal(t, "curl/8", *entry.UserAgent)
	require.Equal(t, "req-1", entry.Metadata["request_id"])
	require.Equal(t, "corr-1", entry.Metadata["correlation_id"])
	require.Equal(t, true, entry.Metadata["forced"])
}

func TestAuditLogDefaults(t *testing.T) {
	svc, _, db := newAuditService(t)

	require.ErrorIs(t, svc.AuditLog(context.Background(), nil, "", nil, "  ", "", nil, nil), auditdomain.ErrInvalidAction)

	require.NoError(t, svc.AuditLog(context.Background(), nil, "", nil, auditdomain.ActionPaymentStatusChanged, "", nil, nil))

	var entry auditdomain.AuditLog
	require.NoError(t, db.Take(&entry).Error)
	require.Nil(t, entry.OrgID)
	require.Equal(t, string(auditdomain.ActorTypeSystem), entry.ActorType)
	require.Equal(t, "unknown", entry.TargetType)
	require.Nil(t, entry.TargetID)
}

func TestListPagesWithinOrganization(t *testing.T) {
	svc, clk, _ := newAuditService(t)

	orgA := snowflake.ID(1)
	orgB := snowflake.ID(2)
	for i := 0; i < 3; i++ {
		require.NoError(t, svc.AuditLog(context.Background(), &orgA, "system", nil,
			auditdomain.ActionBillingGroupAllocated, auditdomain.TargetTypePayment, nil, nil))
		clk.Advance(time.Minute)
	}
	require.NoError(t, svc.AuditLog(context.Background(), &orgB, "system", nil,
		auditdomain.ActionBillingGroupAllocated, auditdomain.TargetTypePayment, nil, nil))

	_, err := svc.List(context.Background(), auditdomain.ListAuditLogRequest{})
	require.ErrorIs(t, err, auditdomain.ErrInvalidOrganization)

	ctx := orgcontext.WithOrgID(context.Background(), orgA)
	req := auditdomain.ListAuditLogRequest{}
	req.PageSize = 2

	first, err := svc.List(ctx, req)
	require.NoError(t, err)
	require.Len(t, first.AuditLogs, 2)
	require.True(t, first.HasMore)
	require.True(t, first.AuditLogs[0].CreatedAt.After(first.AuditLogs[1].CreatedAt))

	req.PageToken = first.NextPageToken
	second, err := svc.List(ctx, req)
	require.NoError(t, err)
	require.Len(t, second.AuditLogs, 1)
	require.False(t, second.HasMore)

	req.PageToken = "not-a-token"
	_, err = svc.List(ctx, req)
	require.ErrorIs(t, err, auditdomain.ErrInvalidPageToken)

	start := clk.Now()
	end := start.Add(-time.Hour)
	_, err = svc.List(ctx, auditdomain.ListAuditLogRequest{StartAt: &start, EndAt: &end})
	require.ErrorIs(t, err, auditdomain.ErrInvalidTimeRange)
}

func TestListFiltersByActionFamily(t *testing.T) {
	svc, clk, _ := newAuditService(t)

	orgID := snowflake.ID(5)
	for _, action := range []string{
		auditdomain.ActionBillingGroupAllocated,
		auditdomain.ActionBillingGroupDeleted,
		auditdomain.ActionPaymentStatusChanged,
		"billing_groupx.renamed",
	} {
		require.NoError(t, svc.AuditLog(context.Background(), &orgID, "system", nil,
			action, auditdomain.TargetTypeBillingGroup, auditdomain.Target(snowflake.ID(77)), nil))
		clk.Advance(time.Second)
	}

	ctx := orgcontext.WithOrgID(context.Background(), orgID)
	resp, err := svc.List(ctx, auditdomain.ListAuditLogRequest{Action: "billing_group.*"})
	require.NoError(t, err)
	require.Len(t, resp.AuditLogs, 2)
	require.Equal(t, auditdomain.ActionBillingGroupDeleted, resp.AuditLogs[0].Action)
	require.Equal(t, auditdomain.ActionBillingGroupAllocated, resp.AuditLogs[1].Action)
	require.Equal(t, "77", *resp.AuditLogs[0].TargetID)

	resp, err = svc.List(ctx, auditdomain.ListAuditLogRequest{Action: auditdomain.ActionPaymentStatusChanged})
	require.NoError(t, err)
	require.Len(t, resp.AuditLogs, 1)
}

func TestActionFamily(t *testing.T) {
	prefix, ok := auditdomain.ActionFamily(" payment.* ")
	require.True(t, ok)
	require.Equal(t, "payment.", prefix)

	for _, action := range []string{"payment.status_changed", ".*", "a.b.*", "*"} {
		_, ok := auditdomain.ActionFamily(action)
		require.False(t, ok, action)
	}
}
