package rules

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/opensource-finance/railrate/internal/domain"
	"github.com/opensource-finance/railrate/internal/tables"
	"github.com/shopspring/decimal"
)

// ServiceSet is the deduplicated result of service determination, in
// first-seen order.
type ServiceSet struct {
	Services []domain.Service
	Warnings []string

	index    map[string]int
	explicit map[string]bool
}

func newServiceSet() *ServiceSet {
	return &ServiceSet{index: make(map[string]int), explicit: make(map[string]bool)}
}

// Codes returns the service codes in order.
func (s *ServiceSet) Codes() []string {
	codes := make([]string, len(s.Services))
	for i, svc := range s.Services {
		codes[i] = svc.Code
	}
	return codes
}

// Has reports whether code is in the set.
func (s *ServiceSet) Has(code string) bool {
	_, ok := s.index[code]
	return ok
}

// add merges one pathway into the set. Requested quantities win over
// derived ones, which win over the default of one.
func (s *ServiceSet) add(code, name string, src domain.ServiceSource, row int, qty decimal.Decimal) *domain.Service {
	code = strings.TrimSpace(code)
	i, ok := s.index[code]
	if !ok {
		s.Services = append(s.Services, domain.Service{Code: code, Quantity: decimal.NewFromInt(1)})
		i = len(s.Services) - 1
		s.index[code] = i
	}
	svc := &s.Services[i]

	if svc.Name == "" {
		svc.Name = name
	}
	if !containsSource(svc.Sources, src) {
		svc.Sources = append(svc.Sources, src)
	}
	if row >= 0 {
		svc.Rows = append(svc.Rows, row)
	}

	switch src {
	case domain.SourceRequested:
		if qty.IsPositive() {
			svc.Quantity = qty
			s.explicit[code] = true
		}
	case domain.SourceDerived:
		if !s.explicit[code] && qty.IsPositive() {
			svc.Quantity = qty
		}
	}
	return svc
}

func containsSource(sources []domain.ServiceSource, src domain.ServiceSource) bool {
	for _, s := range sources {
		if s == src {
			return true
		}
	}
	return false
}

// ServiceDeterminer combines the COLLECT table, trucking codes, requested
// services and CEL derivations into one service set.
type ServiceDeterminer struct {
	derivations *Engine
}

// NewServiceDeterminer creates a determiner. derivations may be nil.
func NewServiceDeterminer(derivations *Engine) *ServiceDeterminer {
	return &ServiceDeterminer{derivations: derivations}
}

// Determine returns every service that applies to rc.
func (d *ServiceDeterminer) Determine(snap *tables.Snapshot, rc *domain.RatingContext) (*ServiceSet, error) {
	t, err := snap.Decision(tables.ServiceDetermination)
	if err != nil {
		return nil, err
	}

	set := newServiceSet()
	for _, rule := range Evaluate(t, ContextFacts(rc)) {
		set.add(rule.Outputs[tables.FieldServiceCode], rule.Outputs[tables.FieldServiceName],
			domain.SourceRule, rule.Index, decimal.Zero)
	}

	d.addTrucking(snap, rc, set)

	for _, req := range rc.RequestedServices {
		if strings.TrimSpace(req.Code) == "" {
			continue
		}
		set.add(req.Code, "", domain.SourceRequested, -1, req.Quantity)
	}

	if err := d.addDerived(rc, set); err != nil {
		return nil, err
	}

	slog.Debug("services determined",
		"services", set.Codes(),
		"revision", t.Revision,
	)
	return set, nil
}

func (d *ServiceDeterminer) addTrucking(snap *tables.Snapshot, rc *domain.RatingContext, set *ServiceSet) {
	if len(rc.TruckingCodes) == 0 {
		return
	}
	if _, err := snap.Decision(tables.TripType); err != nil {
		set.Warnings = append(set.Warnings, "trip type table not loaded, trucking codes ignored")
		return
	}

	for _, tc := range rc.TruckingCodes {
		if strings.TrimSpace(tc) == "" {
			continue
		}
		out, err := ResolveTripType(snap, tc)
		if err != nil {
			if errors.Is(err, ErrNoMatchingRule) {
				set.Warnings = append(set.Warnings, fmt.Sprintf("no trip type for trucking code %s", tc))
				continue
			}
			set.Warnings = append(set.Warnings, err.Error())
			continue
		}
		if out.ServiceCode == "" {
			continue
		}
		svc := set.add(out.ServiceCode, "", domain.SourceTrucking, -1, decimal.Zero)
		if svc.TripType == "" {
			svc.TripType = out.TripType
		}
	}
}

func (d *ServiceDeterminer) addDerived(rc *domain.RatingContext, set *ServiceSet) error {
	if d.derivations == nil || d.derivations.Count() == 0 {
		return nil
	}

	quantities := make(map[string]float64, len(set.Services))
	for _, svc := range set.Services {
		quantities[svc.Code] = svc.Quantity.InexactFloat64()
	}
	input := &DeriveInput{
		Services:         set.Codes(),
		Quantities:       quantities,
		Direction:        tables.NormalizeDirection(rc.Direction),
		LoadingStatus:    rc.LoadingStatus,
		TransportForm:    rc.TransportForm,
		DangerousGoods:   rc.DangerousGoods != nil && *rc.DangerousGoods,
		CustomsProcedure: strings.ToUpper(rc.CustomsProcedure),
		ContainerLength:  rc.ContainerLength,
		GrossWeightKg:    rc.GrossWeightKg,
	}

	derived, err := d.derivations.Derive(input)
	if err != nil {
		return fmt.Errorf("failed to derive services: %w", err)
	}
	for _, dv := range derived {
		set.add(dv.Code, "", domain.SourceDerived, -1, dv.Quantity)
	}
	return nil
}
