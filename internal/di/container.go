package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	domain "github.com/eventgate/api/internal/domain"
	"github.com/eventgate/api/internal/payments"
	"github.com/eventgate/api/internal/platform/config"
	"github.com/eventgate/api/internal/repositories"
	"github.com/eventgate/api/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon. Concrete implementations
// are assembled via dependency injection in NewContainer.
type Services struct {
	Validator *services.OrderValidator
	Ledger    services.OrderLedger
	Issuer    services.Issuer
	Tickets   services.TicketValidator
	System    services.SystemService
}

// Container wires repositories, services, and payment infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Gateway      payments.Gateway
	Services     Services
}

// Option customises optional container collaborators.
type Option func(*containerOptions)

type containerOptions struct {
	gateway payments.Gateway
	jobs    services.TicketJobPublisher
	signer  services.PassSigner
	build   services.BuildInfo
	logger  func(ctx context.Context, event string, fields map[string]any)
	clock   func() time.Time
}

// WithGateway supplies the payment provider gateway.
func WithGateway(gateway payments.Gateway) Option {
	return func(o *containerOptions) {
		o.gateway = gateway
	}
}

// WithTicketJobPublisher supplies the post-issuance job publisher.
func WithTicketJobPublisher(publisher services.TicketJobPublisher) Option {
	return func(o *containerOptions) {
		o.jobs = publisher
	}
}

// WithPassSigner supplies the signed URL minter for ticket pass downloads.
func WithPassSigner(signer services.PassSigner) Option {
	return func(o *containerOptions) {
		o.signer = signer
	}
}

// WithBuildInfo records build metadata surfaced through health endpoints.
func WithBuildInfo(build services.BuildInfo) Option {
	return func(o *containerOptions) {
		o.build = build
	}
}

// WithServiceLogger forwards structured service events to the given sink.
func WithServiceLogger(logger func(ctx context.Context, event string, fields map[string]any)) Option {
	return func(o *containerOptions) {
		o.logger = logger
	}
}

// WithClock overrides the container clock, useful in tests.
func WithClock(clock func() time.Time) Option {
	return func(o *containerOptions) {
		o.clock = clock
	}
}

// NewContainer constructs the runtime dependencies. Production wiring provides real
// implementations, while tests can supply in-memory registries.
func NewContainer(ctx context.Context, cfg config.Config, reg repositories.Registry, opts ...Option) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}

	options := containerOptions{
		clock: time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	svc, err := buildServices(ctx, reg, cfg, options)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: reg,
		Gateway:      options.gateway,
		Services:     svc,
	}, nil
}

// Close releases resources such as repository clients or pub/sub connections.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func buildServices(_ context.Context, reg repositories.Registry, cfg config.Config, options containerOptions) (Services, error) {
	var svc Services

	engine, err := services.NewPricingEngine(services.PricingEngineDeps{
		TaxRate:            cfg.Pricing.TaxRate,
		TransactionFeeRate: cfg.Pricing.TransactionFeeRate,
		FlatTransactionFee: cfg.Pricing.FlatTransactionFee,
		MinorUnitScale:     cfg.Pricing.MinorUnitScale,
		Currency:           cfg.Pricing.Currency,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build pricing engine: %w", err)
	}

	validator, err := services.NewOrderValidator(services.OrderValidatorDeps{
		Prices:    catalogPriceAuthority{catalog: reg.Catalog()},
		Engine:    engine,
		MinAmount: cfg.Pricing.MinAmount,
		MaxAmount: cfg.Pricing.MaxAmount,
		Logger:    options.logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order validator: %w", err)
	}
	svc.Validator = validator

	issuer, err := services.NewFulfillmentIssuer(services.FulfillmentIssuerDeps{
		Tickets: reg.Tickets(),
		Catalog: reg.Catalog(),
		Jobs:    options.jobs,
		Clock:   options.clock,
		Logger:  options.logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build fulfillment issuer: %w", err)
	}
	svc.Issuer = issuer

	ledger, err := services.NewOrderLedger(services.OrderLedgerDeps{
		Orders: reg.Orders(),
		Issuer: issuer,
		Clock:  options.clock,
		Logger: options.logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order ledger: %w", err)
	}
	svc.Ledger = ledger

	tickets, err := services.NewTicketValidator(services.TicketValidatorDeps{
		Tickets:    reg.Tickets(),
		Scans:      reg.Scans(),
		Catalog:    reg.Catalog(),
		Signer:     options.signer,
		PassBucket: cfg.Storage.PassesBucket,
		Clock:      options.clock,
		Logger:     options.logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build ticket validator: %w", err)
	}
	svc.Tickets = tickets

	if healthRepo := reg.Health(); healthRepo != nil {
		system, err := services.NewSystemService(services.SystemServiceDeps{
			HealthRepository: healthRepo,
			Clock:            options.clock,
			Build:            options.build,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build system service: %w", err)
		}
		svc.System = system
	}

	return svc, nil
}

// catalogPriceAuthority adapts the catalog repository to the validator's
// price lookup contract.
type catalogPriceAuthority struct {
	catalog repositories.CatalogRepository
}

func (a catalogPriceAuthority) LookupProduct(ctx context.Context, productID string) (domain.CatalogProduct, error) {
	if a.catalog == nil {
		return domain.CatalogProduct{}, errors.New("catalog repository not configured")
	}
	return a.catalog.GetProduct(ctx, productID)
}
