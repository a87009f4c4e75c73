package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/craftlane/fulfillment/internal/platform/config"
	"github.com/craftlane/fulfillment/internal/repositories"
	"github.com/craftlane/fulfillment/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon. Concrete implementations
// are assembled via dependency injection in NewContainer.
type Services struct {
	Orders  services.OrderService
	Refunds services.RefundService
	Stock   services.StockService
	Audit   services.AuditLogService
	System  services.SystemService
}

// RuntimeDeps carries collaborators constructed outside the repository registry,
// such as the Pub/Sub publisher and the payment-provider gateway.
type RuntimeDeps struct {
	Events  services.EventPublisher
	Gateway services.RefundGateway
	Build   services.BuildInfo
	Logger  *zap.Logger
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
}

// NewContainer constructs the runtime dependencies. Production wiring provides real
// implementations, while tests can supply in-memory registries.
func NewContainer(ctx context.Context, cfg config.Config, reg repositories.Registry, deps RuntimeDeps) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}

	svc, err := buildServices(ctx, reg, cfg, deps)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: reg,
		Services:     svc,
	}, nil
}

// Close releases resources such as repository clients, background workers, or caches.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func buildServices(_ context.Context, reg repositories.Registry, cfg config.Config, deps RuntimeDeps) (Services, error) {
	var svc Services
	if reg == nil {
		return svc, nil
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	if auditRepo := reg.AuditLogs(); auditRepo != nil {
		auditSvc, err := services.NewAuditLogService(services.AuditLogServiceDeps{
			Repository: auditRepo,
			Clock:      time.Now,
			Logger:     logger.Named("audit").Sugar(),
		})
		if err != nil {
			return Services{}, fmt.Errorf("build audit log service: %w", err)
		}
		svc.Audit = auditSvc
	}

	if stockRepo := reg.Stock(); stockRepo != nil {
		stockSvc, err := services.NewStockService(services.StockServiceDeps{
			Stock:   stockRepo,
			Orders:  reg.Orders(),
			Refunds: reg.RefundRequests(),
			Events:  deps.Events,
			Clock:   time.Now,
			Logger:  serviceLogger(logger.Named("stock")),
		})
		if err != nil {
			return Services{}, fmt.Errorf("build stock service: %w", err)
		}
		svc.Stock = stockSvc
	}

	if healthRepo := reg.Health(); healthRepo != nil {
		build := deps.Build
		if build.Environment == "" {
			build.Environment = cfg.Environment
		}
		if build.StartedAt.IsZero() {
			build.StartedAt = time.Now().UTC()
		}
		systemSvc, err := services.NewSystemService(services.SystemServiceDeps{
			HealthRepository: healthRepo,
			Counters:         reg.Counters(),
			Clock:            time.Now,
			Build:            build,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build system service: %w", err)
		}
		svc.System = systemSvc
	}

	ordersRepo := reg.Orders()
	countersRepo := reg.Counters()
	if ordersRepo != nil && countersRepo != nil {
		orderSvc, err := services.NewOrderService(services.OrderServiceDeps{
			Orders:     ordersRepo,
			Payments:   reg.Payments(),
			Refunds:    reg.RefundRequests(),
			Counters:   countersRepo,
			Stock:      svc.Stock,
			UnitOfWork: reg,
			Clock:      time.Now,
			Events:     deps.Events,
			Logger:     serviceLogger(logger.Named("orders")),
		})
		if err != nil {
			return Services{}, fmt.Errorf("build order service: %w", err)
		}
		svc.Orders = orderSvc
	}

	if refundsRepo := reg.RefundRequests(); refundsRepo != nil && ordersRepo != nil {
		refundSvc, err := services.NewRefundService(services.RefundServiceDeps{
			Refunds:           refundsRepo,
			Orders:            ordersRepo,
			Payments:          reg.Payments(),
			Stock:             svc.Stock,
			Gateway:           deps.Gateway,
			Audit:             svc.Audit,
			UnitOfWork:        reg,
			Clock:             time.Now,
			Events:            deps.Events,
			Logger:            serviceLogger(logger.Named("refunds")),
			EligibilityWindow: time.Duration(cfg.Refunds.EligibilityWindowDays) * 24 * time.Hour,
			GatewayTimeout:    cfg.Refunds.GatewayTimeout,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build refund service: %w", err)
		}
		svc.Refunds = refundSvc
	}

	return svc, nil
}

// serviceLogger adapts a zap logger to the structured event callback services expect.
func serviceLogger(logger *zap.Logger) func(context.Context, string, map[string]any) {
	return func(_ context.Context, event string, fields map[string]any) {
		zFields := make([]zap.Field, 0, len(fields))
		for k, v := range fields {
			zFields = append(zFields, zap.Any(k, v))
		}
		logger.Info(event, zFields...)
	}
}
