package events

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/clinicflow/dental-scheduling/internal/config"
)

// NewFromConfig returns the publisher selected by EVENTS_BROKER.
func NewFromConfig(cfg config.Config, log zerolog.Logger) (Publisher, error) {
	switch cfg.EventsBroker {
	case "kafka":
		return NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, log)
	case "rabbitmq":
		return NewRabbitPublisher(cfg.RabbitMQURL, cfg.RabbitMQQueue)
	case "log", "":
		return NewLogPublisher(log), nil
	default:
		return nil, fmt.Errorf("unknown events broker %q", cfg.EventsBroker)
	}
}
