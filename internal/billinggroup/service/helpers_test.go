package service_test

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	auditdomain "github.com/smallbiznis/railtab/internal/audit/domain"
	auditrepo "github.com/smallbiznis/railtab/internal/audit/repository"
	auditservice "github.com/smallbiznis/railtab/internal/audit/service"
	"github.com/smallbiznis/railtab/internal/billinggroup/domain"
	"github.com/smallbiznis/railtab/internal/billinggroup/repository"
	"github.com/smallbiznis/railtab/internal/billinggroup/service"
	"github.com/smallbiznis/railtab/internal/clock"
	"github.com/smallbiznis/railtab/internal/config"
	obsmetrics "github.com/smallbiznis/railtab/internal/observability/metrics"
	"github.com/smallbiznis/railtab/pkg/money"
	"github.com/smallbiznis/railtab/pkg/rls"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var errInjected = errors.New("injected failure")

type fixture struct {
	t          *testing.T
	db         *gorm.DB
	node       *snowflake.Node
	clock      *clock.FakeClock
	registry   *prometheus.Registry
	allocation domain.AllocationService
	deletion   domain.DeletionService
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWithConfig(t, config.DefaultAllocationConfig())
}

func newFixtureWithConfig(t *testing.T, cfg config.AllocationConfig) *fixture {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(
		&domain.Tab{},
		&domain.BillingGroup{},
		&domain.LineItem{},
		&domain.Payment{},
		&domain.Invoice{},
		&domain.InvoiceLineItem{},
		&domain.PaymentAllocation{},
		&auditdomain.AuditLog{},
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS ux_billing_groups_default_tab
		ON billing_groups (tab_id) WHERE group_type = 'default'`).Error; err != nil {
		t.Fatalf("default group index: %v", err)
	}

	node, err := snowflake.NewNode(7)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	registry := prometheus.NewRegistry()
	billingMetrics := obsmetrics.NewBillingMetrics(registry, obsmetrics.Config{ServiceName: "railtab-test"})

	auditSvc := auditservice.NewService(auditservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clk,
		Repo:  auditrepo.Provide(),
	})
	params := service.Params{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		Clock:    clk,
		Repo:     repository.Provide(),
		Config:   config.NewStaticAllocationConfig(cfg),
		AuditSvc: auditSvc,
		Metrics:  billingMetrics,
	}

	return &fixture{
		t:          t,
		db:         db,
		node:       node,
		clock:      clk,
		registry:   registry,
		allocation: service.NewAllocationService(params),
		deletion:   service.NewDeletionService(params),
	}
}

func (f *fixture) create(value any) {
	f.t.Helper()
	if err := f.db.Create(value).Error; err != nil {
		f.t.Fatalf("seed %T: %v", value, err)
	}
}

func (f *fixture) seedTab(orgID snowflake.ID) domain.Tab {
	now := f.clock.Now()
	tab := domain.Tab{
		ID:        f.node.Generate(),
		OrgID:     orgID,
		Name:      "Table 12",
		Status:    domain.TabStatusOpen,
		Currency:  "USD",
		CreatedAt: now,
		UpdatedAt: now,
	}
	f.create(&tab)
	return tab
}

func (f *fixture) seedGroup(tab domain.Tab, name string, balance string) domain.BillingGroup {
	now := f.clock.Now()
	tabID := tab.ID
	group := domain.BillingGroup{
		ID:             f.node.Generate(),
		OrgID:          tab.OrgID,
		TabID:          &tabID,
		Name:           name,
		GroupType:      domain.GroupTypeStandard,
		Status:         domain.GroupStatusActive,
		CurrentBalance: money.MustParse(balance),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	f.create(&group)
	return group
}

func (f *fixture) seedInvoiceGroup(tab domain.Tab, status domain.InvoiceStatus, total, paid string) (domain.BillingGroup, domain.Invoice) {
	now := f.clock.Now()
	tabID := tab.ID
	invoice := domain.Invoice{
		ID:          f.node.Generate(),
		OrgID:       tab.OrgID,
		TabID:       &tabID,
		Status:      status,
		TotalAmount: money.MustParse(total),
		PaidAmount:  money.MustParse(paid),
		Currency:    "USD",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	f.create(&invoice)
	f.create(&domain.InvoiceLineItem{
		ID:          f.node.Generate(),
		InvoiceID:   invoice.ID,
		Description: "Dinner",
		Amount:      invoice.TotalAmount,
		CreatedAt:   now,
	})

	invoiceID := invoice.ID
	group := f.seedGroup(tab, "Invoice group", total)
	group.InvoiceID = &invoiceID
	if err := f.db.Model(&domain.BillingGroup{}).Where("id = ?", group.ID).Update("invoice_id", invoiceID).Error; err != nil {
		f.t.Fatalf("link invoice: %v", err)
	}
	return group, invoice
}

func (f *fixture) seedLineItem(tab domain.Tab, group *domain.BillingGroup, total string) domain.LineItem {
	now := f.clock.Now()
	item := domain.LineItem{
		ID:        f.node.Generate(),
		OrgID:     tab.OrgID,
		TabID:     tab.ID,
		Quantity:  1,
		UnitPrice: money.MustParse(total),
		Total:     money.MustParse(total),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if group != nil {
		groupID := group.ID
		item.BillingGroupID = &groupID
	}
	f.create(&item)
	return item
}

func (f *fixture) seedPayment(tab domain.Tab, amount string, status domain.PaymentStatus, groupID *snowflake.ID) domain.Payment {
	now := f.clock.Now()
	payment := domain.Payment{
		ID:                 f.node.Generate(),
		OrgID:              tab.OrgID,
		TabID:              tab.ID,
		BillingGroupID:     groupID,
		Amount:             money.MustParse(amount),
		Currency:           "USD",
		Status:             status,
		Processor:          "stripe",
		ProcessorPaymentID: "pi_" + f.node.Generate().String(),
		Metadata:           datatypes.JSONMap{},
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	f.create(&payment)
	return payment
}

func (f *fixture) balance(id snowflake.ID) string {
	f.t.Helper()
	var group domain.BillingGroup
	if err := f.db.Where("id = ?", id).Take(&group).Error; err != nil {
		f.t.Fatalf("load group %s: %v", id, err)
	}
	return group.CurrentBalance.String()
}

func (f *fixture) payment(id snowflake.ID) domain.Payment {
	f.t.Helper()
	var payment domain.Payment
	if err := f.db.Where("id = ?", id).Take(&payment).Error; err != nil {
		f.t.Fatalf("load payment %s: %v", id, err)
	}
	return payment
}

func (f *fixture) count(query string, args ...any) int64 {
	f.t.Helper()
	var n int64
	if err := f.db.Raw(query, args...).Scan(&n).Error; err != nil {
		f.t.Fatalf("count %q: %v", query, err)
	}
	return n
}

// failOn makes every statement of kind against table fail.
func (f *fixture) failOn(kind, table string) {
	f.t.Helper()
	fail := func(tx *gorm.DB) {
		if tx.Statement.Table == table {
			_ = tx.AddError(errInjected)
		}
	}
	var err error
	switch kind {
	case "create":
		err = f.db.Callback().Create().Before("gorm:create").Register("test:fail_"+table, fail)
	case "update":
		err = f.db.Callback().Update().Before("gorm:update").Register("test:fail_"+table, fail)
	case "delete":
		err = f.db.Callback().Delete().Before("gorm:delete").Register("test:fail_"+table, fail)
	default:
		f.t.Fatalf("unknown callback kind %q", kind)
	}
	if err != nil {
		f.t.Fatalf("register callback: %v", err)
	}
}

// enforceTenantPolicy hides rows of other organizations from queries run in a
// transaction scoped with rls.WithTenant, the way the postgres policy does.
func (f *fixture) enforceTenantPolicy() {
	f.t.Helper()
	err := f.db.Callback().Query().Before("gorm:query").Register("test:tenant_policy", func(tx *gorm.DB) {
		orgID, ok := rls.TenantOf(tx)
		if !ok {
			return
		}
		switch tx.Statement.Table {
		case "tabs", "billing_groups", "line_items", "payments", "invoices":
			tx.Statement.AddClause(clause.Where{Exprs: []clause.Expression{
				clause.Eq{Column: clause.Column{Table: tx.Statement.Table, Name: "org_id"}, Value: orgID},
			}})
		}
	})
	if err != nil {
		f.t.Fatalf("register tenant policy: %v", err)
	}
}
