package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/warung/internal/clock"
	obsmetrics "github.com/smallbiznis/warung/internal/observability/metrics"
	saledomain "github.com/smallbiznis/warung/internal/sale/domain"
	"github.com/smallbiznis/warung/internal/settlement"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) saledomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("sale.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) Record(ctx context.Context, sales []saledomain.Sale) (int, error) {
	if len(sales) == 0 {
		return 0, nil
	}
	normalized := make([]saledomain.Sale, 0, len(sales))
	for _, sale := range sales {
		if err := s.normalize(&sale); err != nil {
			return 0, err
		}
		normalized = append(normalized, sale)
	}

	var inserted []saledomain.Sale
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inserted = inserted[:0]
		now := s.clock.Now().UTC()
		for _, sale := range normalized {
			sale.CreatedAt = now
			result := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "order_id"}, {Name: "account_id"}},
				DoNothing: true,
			}).Create(&sale)
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected > 0 {
				inserted = append(inserted, sale)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, sale := range inserted {
		s.obsMetrics.RecordSale(ctx, sale.Method, sale.Amount)
	}
	if skipped := len(normalized) - len(inserted); skipped > 0 {
		s.log.Info("sale.record.duplicate",
			zap.String("order_id", normalized[0].OrderID.String()),
			zap.Int("skipped", skipped),
		)
	}
	return len(inserted), nil
}

func (s *Service) ListByOrder(ctx context.Context, orderID snowflake.ID) ([]saledomain.Sale, error) {
	if orderID == 0 {
		return nil, saledomain.ErrInvalidOrder
	}
	var sales []saledomain.Sale
	err := s.db.WithContext(ctx).Raw(
		`SELECT id, business_id, order_id, account_id, table_id, label, method, currency,
			amount, tendered, change_amount, change_breakdown, occurred_at, created_at
		FROM sales
		WHERE order_id = ?
		ORDER BY account_id ASC`,
		orderID,
	).Scan(&sales).Error
	if err != nil {
		return nil, err
	}
	return sales, nil
}

func (s *Service) normalize(sale *saledomain.Sale) error {
	if sale.BusinessID == 0 {
		return saledomain.ErrInvalidBusiness
	}
	if sale.OrderID == 0 {
		return saledomain.ErrInvalidOrder
	}
	if sale.AccountID < 1 {
		return saledomain.ErrInvalidAccount
	}
	sale.Label = strings.TrimSpace(sale.Label)
	if sale.Label == "" {
		return saledomain.ErrInvalidLabel
	}
	if !settlement.PaymentMethod(sale.Method).Valid() {
		return saledomain.ErrInvalidMethod
	}
	if sale.Amount < 0 || sale.Tendered < 0 || sale.ChangeAmount < 0 {
		return saledomain.ErrInvalidAmount
	}
	sale.Currency = strings.ToUpper(strings.TrimSpace(sale.Currency))
	if sale.Currency == "" {
		return saledomain.ErrInvalidCurrency
	}
	if sale.ID == 0 {
		sale.ID = s.genID.Generate()
	}
	if sale.OccurredAt.IsZero() {
		sale.OccurredAt = s.clock.Now()
	}
	sale.OccurredAt = sale.OccurredAt.UTC().Truncate(time.Microsecond)
	return nil
}
