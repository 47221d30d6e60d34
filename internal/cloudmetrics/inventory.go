package cloudmetrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	bgdomain "github.com/smallbiznis/railtab/internal/billinggroup/domain"
	paymentdomain "github.com/smallbiznis/railtab/internal/payment/domain"
	"gorm.io/gorm"
)

// Inventory exposes point-in-time counts of billing state as gauges.
type Inventory struct {
	db *gorm.DB

	openTabs        prometheus.Gauge
	billingGroups   *prometheus.GaugeVec
	pendingWebhooks prometheus.Gauge
}

func NewInventory(registerer prometheus.Registerer, db *gorm.DB) *Inventory {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	inv := &Inventory{
		db: db,
		openTabs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "railtab_open_tabs",
			Help: "Tabs currently open across all organizations.",
		}),
		billingGroups: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "railtab_billing_groups",
			Help: "Billing groups by status.",
		}, []string{"status"}),
		pendingWebhooks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "railtab_webhook_events_unprocessed",
			Help: "Received processor events not yet applied.",
		}),
	}
	registerer.MustRegister(inv.openTabs, inv.billingGroups, inv.pendingWebhooks)
	return inv
}

// Refresh recounts every gauge. Counting runs outside tenant scope.
func (i *Inventory) Refresh(ctx context.Context) error {
	if i == nil || i.db == nil {
		return nil
	}
	db := i.db.WithContext(ctx)

	var open int64
	if err := db.Model(&bgdomain.Tab{}).Where("status = ?", bgdomain.TabStatusOpen).Count(&open).Error; err != nil {
		return err
	}
	i.openTabs.Set(float64(open))

	var rows []struct {
		Status string
		Total  int64
	}
	if err := db.Model(&bgdomain.BillingGroup{}).
		Select("status, COUNT(*) AS total").
		Group("status").
		Scan(&rows).Error; err != nil {
		return err
	}
	i.billingGroups.Reset()
	for _, row := range rows {
		i.billingGroups.WithLabelValues(row.Status).Set(float64(row.Total))
	}

	var pending int64
	if err := db.Model(&paymentdomain.EventRecord{}).Where("processed_at IS NULL").Count(&pending).Error; err != nil {
		return err
	}
	i.pendingWebhooks.Set(float64(pending))
	return nil
}
