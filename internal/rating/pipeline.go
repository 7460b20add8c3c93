// Package rating composes weight classification, service determination,
// pricing and tax into one rating of an order.
package rating

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/railrate/internal/cache"
	"github.com/opensource-finance/railrate/internal/domain"
	"github.com/opensource-finance/railrate/internal/pricing"
	"github.com/opensource-finance/railrate/internal/rules"
	"github.com/opensource-finance/railrate/internal/tables"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

// EngineVersion is stamped on every rating.
const EngineVersion = "railrate-1.0"

// ErrInvalidContext wraps RatingContext validation failures.
var ErrInvalidContext = errors.New("invalid rating context")

// Pipeline rates orders against the live table snapshot. All stages of one
// rating read the same snapshot.
type Pipeline struct {
	repo       *tables.Repository
	classifier *rules.WeightClassifier
	determiner *rules.ServiceDeterminer
	tax        *rules.TaxResolver
	taxPolicy  taxPolicy

	cache    domain.Cache
	cacheTTL time.Duration
	flight   singleflight.Group

	tracer trace.Tracer
	now    func() time.Time
}

// NewPipeline creates a pipeline. derivations and c may be nil.
func NewPipeline(repo *tables.Repository, cfg *domain.Config, derivations *rules.Engine, c domain.Cache) *Pipeline {
	return &Pipeline{
		repo:       repo,
		classifier: rules.NewWeightClassifier(cfg.Rating.DefaultPriceGrid),
		determiner: rules.NewServiceDeterminer(derivations),
		tax:        rules.NewTaxResolver(cfg.Tax),
		taxPolicy:  newTaxPolicy(cfg.Tax),
		cache:      c,
		cacheTTL:   cfg.Cache.RatingTTL,
		tracer:     otel.Tracer("railrate-rating"),
		now:        time.Now,
	}
}

// Rate prices the main transport and every determined service. Tax is left
// to the caller.
func (p *Pipeline) Rate(ctx context.Context, rc *domain.RatingContext) (*domain.RatingResult, error) {
	return p.rate(ctx, rc, false)
}

// RateWithTax rates the order and applies the tax outcome to the subtotal.
func (p *Pipeline) RateWithTax(ctx context.Context, rc *domain.RatingContext) (*domain.RatingResult, error) {
	return p.rate(ctx, rc, true)
}

func (p *Pipeline) rate(ctx context.Context, in *domain.RatingContext, withTax bool) (*domain.RatingResult, error) {
	start := p.now()

	if err := in.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidContext, err)
	}
	snap, err := p.repo.Snapshot()
	if err != nil {
		return nil, err
	}
	rc := p.normalize(in)

	ctx, span := p.tracer.Start(ctx, "rating.Rate", trace.WithAttributes(
		attribute.String("rating.container_length", rc.ContainerLength),
		attribute.Float64("rating.gross_weight_kg", rc.GrossWeightKg),
		attribute.String("rating.snapshot_revision", snap.Revision),
		attribute.Bool("rating.with_tax", withTax),
	))
	defer span.End()

	key := cache.RatingKey(snap.Revision, requestDigest(rc, withTax))
	if p.cache != nil {
		if cached, err := p.cache.GetRating(ctx, key); err != nil {
			slog.Warn("rating cache read failed", "error", err)
		} else if cached != nil {
			cached.Metadata.Cached = true
			span.SetAttributes(attribute.Bool("rating.cached", true))
			return cached, nil
		}
	}

	// identical concurrent requests share one evaluation
	v, err, shared := p.flight.Do(key, func() (any, error) {
		return p.evaluate(ctx, snap, rc, withTax, key, start)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	out := *v.(*domain.RatingResult)
	if shared {
		span.SetAttributes(attribute.Bool("rating.shared", true))
	}
	if sc := span.SpanContext(); sc.HasTraceID() {
		out.Metadata.TraceID = sc.TraceID().String()
	}

	span.SetAttributes(
		attribute.String("rating.weight_class", out.WeightClass),
		attribute.Int("rating.lines", len(out.Lines)),
		attribute.Int("rating.warnings", len(out.Warnings)),
	)
	return &out, nil
}

func (p *Pipeline) evaluate(ctx context.Context, snap *tables.Snapshot, rc *domain.RatingContext, withTax bool, key string, start time.Time) (*domain.RatingResult, error) {
	result := &domain.RatingResult{
		ID:    uuid.New().String(),
		Lines: []domain.LineItem{},
	}

	if err := p.priceMain(snap, rc, result); err != nil {
		return nil, err
	}
	if err := p.priceServices(snap, rc, result); err != nil {
		return nil, err
	}

	subtotal := decimal.Zero
	for _, line := range result.Lines {
		subtotal = subtotal.Add(line.Amount)
	}
	result.Subtotal = subtotal.Round(2)

	if withTax {
		if err := p.applyTax(snap, rc, result); err != nil {
			return nil, err
		}
	}

	result.Metadata = domain.RatingMetadata{
		SnapshotRevision: snap.Revision,
		Generation:       snap.Generation,
		Timestamp:        p.now().UTC(),
		TotalMs:          p.now().Sub(start).Milliseconds(),
		EngineVersion:    EngineVersion,
	}

	if p.cache != nil {
		if err := p.cache.SetRating(ctx, key, result, p.cacheTTL); err != nil {
			slog.Warn("rating cache write failed", "error", err)
		}
	}

	slog.Debug("order rated",
		"rating_id", result.ID,
		"weight_class", result.WeightClass,
		"lines", len(result.Lines),
		"subtotal", result.Subtotal.String(),
		"revision", snap.Revision,
	)
	return result, nil
}

// normalize copies the context and fills caller defaults.
func (p *Pipeline) normalize(in *domain.RatingContext) *domain.RatingContext {
	rc := *in
	if rc.ServiceDate.IsZero() {
		now := p.now().UTC()
		rc.ServiceDate = domain.NewDate(time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC))
	}
	return &rc
}

func (p *Pipeline) priceMain(snap *tables.Snapshot, rc *domain.RatingContext, result *domain.RatingResult) error {
	class, err := p.classifier.Classify(snap, rc.PriceGrid, rc.ContainerLength, rc.GrossWeightKg)
	if errors.Is(err, rules.ErrNoMatchingRule) {
		result.Warnings = append(result.Warnings, fmt.Sprintf("no weight class for container length %s and %g kg", rc.ContainerLength, rc.GrossWeightKg))
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to classify weight: %w", err)
	}
	result.WeightClass = class.WeightClass

	table, err := snap.Price(tables.MainPrices)
	if err != nil {
		return err
	}
	line, warning, err := priceLine(table, domain.LineMain, class.WeightClass, rc, decimal.NewFromInt(1))
	if err != nil {
		return err
	}
	if warning != "" {
		result.Warnings = append(result.Warnings, warning)
	}
	result.Lines = append(result.Lines, line)
	return nil
}

func (p *Pipeline) priceServices(snap *tables.Snapshot, rc *domain.RatingContext, result *domain.RatingResult) error {
	set, err := p.determiner.Determine(snap, rc)
	if err != nil {
		return fmt.Errorf("failed to determine services: %w", err)
	}
	result.Services = set.Services
	result.Warnings = append(result.Warnings, set.Warnings...)

	if len(set.Services) == 0 {
		return nil
	}
	table, err := snap.Price(tables.AdditionalPrices)
	if err != nil {
		return err
	}

	for _, svc := range set.Services {
		line, warning, err := priceLine(table, domain.LineAdditional, svc.Code, rc, svc.Quantity)
		if err != nil {
			return err
		}
		if line.Description == "" {
			line.Description = svc.Name
		}
		if warning != "" {
			result.Warnings = append(result.Warnings, warning)
		}
		result.Lines = append(result.Lines, line)
	}
	return nil
}

// priceLine resolves one line. A missing price yields an unpriced zero line
// and a warning.
func priceLine(table *tables.PriceTable, kind domain.LineKind, key string, rc *domain.RatingContext, qty decimal.Decimal) (domain.LineItem, string, error) {
	priced, err := pricing.ResolvePrice(table, key, rc, qty)
	if errors.Is(err, pricing.ErrNoMatch) {
		line := domain.LineItem{
			Kind:      kind,
			Code:      key,
			Quantity:  qty,
			UnitPrice: decimal.Zero,
			Amount:    decimal.Zero,
			RowIndex:  -1,
		}
		return line, fmt.Sprintf("%s %s determined but not priced", kind, key), nil
	}
	if err != nil {
		return domain.LineItem{}, "", fmt.Errorf("failed to price %s: %w", key, err)
	}

	return domain.LineItem{
		Kind:        kind,
		Code:        key,
		Description: priced.Description,
		Quantity:    qty,
		UnitPrice:   priced.UnitPrice,
		Amount:      priced.Amount,
		PriceBasis:  priced.Basis,
		Priced:      true,
		RowIndex:    priced.RowIndex,
		Score:       priced.Score,
	}, "", nil
}

func (p *Pipeline) applyTax(snap *tables.Snapshot, rc *domain.RatingContext, result *domain.RatingResult) error {
	outcome, matched, err := p.resolveTax(snap, rc)
	if err != nil {
		return fmt.Errorf("failed to resolve tax: %w", err)
	}
	if !matched {
		result.Warnings = append(result.Warnings, fmt.Sprintf("no tax rule matched, using default %q", outcome.TaxCase))
	}

	taxAmount := result.Subtotal.Mul(outcome.Rate).Round(2)
	total := result.Subtotal.Add(taxAmount)
	result.Tax = outcome
	result.TaxAmount = &taxAmount
	result.Total = &total
	return nil
}

// resolveTax evaluates the tax table and falls back to the configured
// default for the direction when no rule matches.
func (p *Pipeline) resolveTax(snap *tables.Snapshot, rc *domain.RatingContext) (*domain.TaxOutcome, bool, error) {
	outcome, err := p.tax.Resolve(snap, rc)
	if errors.Is(err, rules.ErrNoMatchingRule) {
		slog.Debug("no tax rule matched, applying default", "direction", rc.Direction, "error", err)
		return p.taxPolicy.fallback(rc.Direction), false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return outcome, true, nil
}

// requestDigest identifies a normalized request for caching.
func requestDigest(rc *domain.RatingContext, withTax bool) string {
	data, _ := json.Marshal(struct {
		Context *domain.RatingContext `json:"c"`
		WithTax bool                  `json:"t"`
	}{rc, withTax})
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Classify resolves the weight class against the live snapshot.
func (p *Pipeline) Classify(ctx context.Context, priceGrid, containerLength string, grossWeightKg float64) (*rules.Classification, error) {
	snap, err := p.repo.Snapshot()
	if err != nil {
		return nil, err
	}
	return p.classifier.Classify(snap, priceGrid, containerLength, grossWeightKg)
}

// Determine returns the services for rc against the live snapshot.
func (p *Pipeline) Determine(ctx context.Context, rc *domain.RatingContext) (*rules.ServiceSet, error) {
	snap, err := p.repo.Snapshot()
	if err != nil {
		return nil, err
	}
	return p.determiner.Determine(snap, p.normalize(rc))
}

// ResolvePrice prices one match key in a price table of the live snapshot.
func (p *Pipeline) ResolvePrice(ctx context.Context, table, matchKey string, rc *domain.RatingContext, qty decimal.Decimal) (*pricing.PricedAmount, error) {
	snap, err := p.repo.Snapshot()
	if err != nil {
		return nil, err
	}
	pt, err := snap.Price(table)
	if err != nil {
		return nil, err
	}
	return pricing.ResolvePrice(pt, matchKey, p.normalize(rc), qty)
}

// ResolveTax returns the tax outcome for rc against the live snapshot. The
// second result is false when the direction default was applied.
func (p *Pipeline) ResolveTax(ctx context.Context, rc *domain.RatingContext) (*domain.TaxOutcome, bool, error) {
	snap, err := p.repo.Snapshot()
	if err != nil {
		return nil, false, err
	}
	return p.resolveTax(snap, p.normalize(rc))
}
