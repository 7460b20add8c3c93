package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/opensource-finance/railrate/internal/domain"
)

// New returns the event bus selected by cfg.Type. An empty type selects the
// in-process channel bus, which only reaches subscribers of this instance.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "", "channel":
		return NewChannelBus(cfg.ChannelBufferSize), nil
	case "nats":
		return NewNATSBus(cfg)
	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}

// TablesReloaded is published on domain.TopicTablesReloaded after a table
// snapshot swap.
type TablesReloaded struct {
	Revision         string   `json:"revision"`
	Generation       uint64   `json:"generation"`
	Tables           []string `json:"tables"`
	PreviousRevision string   `json:"previousRevision,omitempty"`
}

// PublishJSON encodes v and publishes it on topic.
func PublishJSON(ctx context.Context, b domain.EventBus, topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", topic, err)
	}
	return b.Publish(ctx, topic, payload)
}
