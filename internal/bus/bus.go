package bus

import (
	"fmt"

	"github.com/opensource-finance/merlin/internal/domain"
)

// New builds the event bus for the configured tier: an in-process
// channel bus for Community, NATS for Pro deployments where decisions
// and alerts fan out to other services.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel":
		return NewChannelBus(cfg.ChannelBufferSize), nil
	case "nats":
		return NewNATSBus(cfg)
	default:
		return nil, fmt.Errorf("unknown event bus type %q (want channel or nats)", cfg.Type)
	}
}
