package rules

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/diegoholiveira/jsonlogic/v3"
	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/opensource-finance/railrate/internal/domain"
	"github.com/shopspring/decimal"
)

// Engine evaluates service derivations over a determined service set.
// Conditions are CEL expressions or JSON Logic rules.
type Engine struct {
	mu       sync.RWMutex
	env      *cel.Env
	compiled []*CompiledDerivation
}

// CompiledDerivation holds the pre-compiled programs of one derivation.
type CompiledDerivation struct {
	Config   *domain.DerivationConfig
	When     cel.Program // nil when Logic is set
	Logic    []byte      // encoded JSON Logic rule
	Quantity cel.Program // nil means one
}

// NewEngine creates a derivation engine with no derivations loaded.
func NewEngine() (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("services", cel.ListType(cel.StringType)),
		cel.Variable("quantities", cel.MapType(cel.StringType, cel.DoubleType)),
		cel.Variable("direction", cel.StringType),
		cel.Variable("loading_status", cel.StringType),
		cel.Variable("transport_form", cel.StringType),
		cel.Variable("dangerous_goods", cel.BoolType),
		cel.Variable("customs_procedure", cel.StringType),
		cel.Variable("container_length", cel.StringType),
		cel.Variable("gross_weight_kg", cel.DoubleType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{env: env}, nil
}

// ValidateDerivation compiles a derivation without loading it.
func (e *Engine) ValidateDerivation(cfg *domain.DerivationConfig) error {
	if cfg == nil {
		return fmt.Errorf("derivation config is required")
	}
	_, err := e.compile(cfg)
	return err
}

// ReloadDerivations replaces every loaded derivation. Disabled entries are
// skipped. On error the previous set stays loaded.
func (e *Engine) ReloadDerivations(configs []domain.DerivationConfig) error {
	next := make([]*CompiledDerivation, 0, len(configs))
	for i := range configs {
		cfg := configs[i]
		if !cfg.Enabled {
			continue
		}
		c, err := e.compile(&cfg)
		if err != nil {
			return err
		}
		next = append(next, c)
	}

	e.mu.Lock()
	e.compiled = next
	e.mu.Unlock()
	return nil
}

// Count returns the number of loaded derivations.
func (e *Engine) Count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiled)
}

// Loaded returns the loaded derivation configurations in evaluation order.
func (e *Engine) Loaded() []*domain.DerivationConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]*domain.DerivationConfig, len(e.compiled))
	for i, c := range e.compiled {
		out[i] = c.Config
	}
	return out
}

// DeriveInput is the order state a derivation can see.
type DeriveInput struct {
	Services         []string
	Quantities       map[string]float64
	Direction        string
	LoadingStatus    string
	TransportForm    string
	DangerousGoods   bool
	CustomsProcedure string
	ContainerLength  string
	GrossWeightKg    float64
}

// Derived is a service added by a derivation.
type Derived struct {
	ID       string
	Code     string
	Quantity decimal.Decimal
}

// Derive evaluates every loaded derivation in order against one input. All
// derivations see the same input; derived codes do not trigger further
// derivations.
func (e *Engine) Derive(input *DeriveInput) ([]Derived, error) {
	e.mu.RLock()
	compiled := e.compiled
	e.mu.RUnlock()

	if len(compiled) == 0 {
		return nil, nil
	}

	quantities := input.Quantities
	if quantities == nil {
		quantities = map[string]float64{}
	}
	services := input.Services
	if services == nil {
		services = []string{}
	}

	activation := map[string]any{
		"services":          services,
		"quantities":        quantities,
		"direction":         input.Direction,
		"loading_status":    input.LoadingStatus,
		"transport_form":    input.TransportForm,
		"dangerous_goods":   input.DangerousGoods,
		"customs_procedure": input.CustomsProcedure,
		"container_length":  input.ContainerLength,
		"gross_weight_kg":   input.GrossWeightKg,
	}

	var out []Derived
	for _, c := range compiled {
		hit, err := c.holds(activation)
		if err != nil {
			return nil, fmt.Errorf("derivation %s: %w", c.Config.ID, err)
		}
		if !hit {
			continue
		}

		qty := decimal.NewFromInt(1)
		if c.Quantity != nil {
			qv, _, err := c.Quantity.Eval(activation)
			if err != nil {
				return nil, fmt.Errorf("derivation %s quantity: %w", c.Config.ID, err)
			}
			qty = toDecimal(qv)
		}
		if !qty.IsPositive() {
			continue
		}

		out = append(out, Derived{ID: c.Config.ID, Code: c.Config.Code, Quantity: qty})
	}
	return out, nil
}

func (c *CompiledDerivation) holds(activation map[string]any) (bool, error) {
	if c.When != nil {
		val, _, err := c.When.Eval(activation)
		if err != nil {
			return false, err
		}
		hit, ok := val.(types.Bool)
		return ok && bool(hit), nil
	}

	data, err := json.Marshal(activation)
	if err != nil {
		return false, err
	}
	var buf bytes.Buffer
	if err := jsonlogic.Apply(bytes.NewReader(c.Logic), bytes.NewReader(data), &buf); err != nil {
		return false, err
	}
	var result any
	if err := json.Unmarshal(buf.Bytes(), &result); err != nil {
		return false, fmt.Errorf("logic result: %w", err)
	}
	hit, ok := result.(bool)
	return ok && hit, nil
}

// toDecimal converts a numeric CEL value.
func toDecimal(val ref.Val) decimal.Decimal {
	switch v := val.(type) {
	case types.Int:
		return decimal.NewFromInt(int64(v))
	case types.Uint:
		return decimal.NewFromInt(int64(v))
	case types.Double:
		return decimal.NewFromFloat(float64(v))
	default:
		return decimal.Zero
	}
}

func (e *Engine) compile(cfg *domain.DerivationConfig) (*CompiledDerivation, error) {
	if cfg.Code == "" {
		return nil, fmt.Errorf("derivation %s: code is required", cfg.ID)
	}

	c := &CompiledDerivation{Config: cfg}
	var err error
	switch {
	case cfg.When != "" && cfg.Logic != nil:
		return nil, fmt.Errorf("derivation %s: when and logic are mutually exclusive", cfg.ID)
	case cfg.Logic != nil:
		rule, err := json.Marshal(cfg.Logic)
		if err != nil {
			return nil, fmt.Errorf("derivation %s: encode logic: %w", cfg.ID, err)
		}
		if !jsonlogic.IsValid(bytes.NewReader(rule)) {
			return nil, fmt.Errorf("derivation %s: logic is not a valid JSON Logic rule", cfg.ID)
		}
		c.Logic = rule
	default:
		ast, issues := e.env.Compile(cfg.When)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("failed to compile derivation %s: %w", cfg.ID, issues.Err())
		}
		if ast.OutputType() != cel.BoolType {
			return nil, fmt.Errorf("derivation %s: when must return bool, got %s", cfg.ID, ast.OutputType())
		}
		if c.When, err = e.env.Program(ast); err != nil {
			return nil, fmt.Errorf("failed to create program for derivation %s: %w", cfg.ID, err)
		}
	}

	if cfg.Quantity == "" {
		return c, nil
	}

	qast, issues := e.env.Compile(cfg.Quantity)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile quantity of derivation %s: %w", cfg.ID, issues.Err())
	}
	if out := qast.OutputType(); out != cel.IntType && out != cel.DoubleType && out != cel.UintType {
		return nil, fmt.Errorf("derivation %s: quantity must return int or double, got %s", cfg.ID, out)
	}
	if c.Quantity, err = e.env.Program(qast); err != nil {
		return nil, fmt.Errorf("failed to create quantity program for derivation %s: %w", cfg.ID, err)
	}
	return c, nil
}
