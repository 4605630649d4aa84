package redpanda

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// Topic names used by the reminder engine
const (
	TopicAppointmentEvents     = "appointment.events"
	TopicReminderAudit         = "reminder.audit"
	TopicNotificationsOutbound = "notifications.outbound"
	TopicDeadLetter            = "reminder.dead-letter"
)

// TopicConfig holds configuration for a Kafka topic
type TopicConfig struct {
	Name              string
	Partitions        int32
	ReplicationFactor int16
	Configs           map[string]*string
}

// DefaultTopicConfigs returns the topics the relay and the notification gateway write to.
// Records are keyed by appointment id, so partitions preserve per-appointment order.
func DefaultTopicConfigs(replicationFactor int16) []TopicConfig {
	ptr := func(s string) *string { return &s }
	if replicationFactor < 1 {
		replicationFactor = 1
	}

	return []TopicConfig{
		{
			Name:              TopicAppointmentEvents,
			Partitions:        6,
			ReplicationFactor: replicationFactor,
			Configs: map[string]*string{
				"retention.ms":     ptr("604800000"), // 7 days
				"cleanup.policy":   ptr("delete"),
				"compression.type": ptr("lz4"),
			},
		},
		{
			Name:              TopicReminderAudit,
			Partitions:        3,
			ReplicationFactor: replicationFactor,
			Configs: map[string]*string{
				"retention.ms":     ptr("2592000000"), // 30 days
				"cleanup.policy":   ptr("delete"),
				"compression.type": ptr("lz4"),
			},
		},
		{
			Name:              TopicNotificationsOutbound,
			Partitions:        6,
			ReplicationFactor: replicationFactor,
			Configs: map[string]*string{
				"retention.ms":     ptr("86400000"), // 1 day
				"cleanup.policy":   ptr("delete"),
				"compression.type": ptr("lz4"),
			},
		},
		{
			Name:              TopicDeadLetter,
			Partitions:        1,
			ReplicationFactor: replicationFactor,
			Configs: map[string]*string{
				"retention.ms":   ptr("1209600000"), // 14 days
				"cleanup.policy": ptr("delete"),
			},
		},
	}
}

// Admin provides administrative operations for Redpanda
type Admin struct {
	client *kadm.Client
	logger *zap.Logger
}

// NewAdmin creates a new admin client
func NewAdmin(brokers []string, logger *zap.Logger) (*Admin, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	kgoClient, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	return &Admin{
		client: kadm.NewClient(kgoClient),
		logger: logger,
	}, nil
}

// CreateTopics creates the given topics. Topics that already exist are left as they are.
func (a *Admin) CreateTopics(ctx context.Context, configs []TopicConfig) ([]string, error) {
	var created []string
	for _, cfg := range configs {
		resp, err := a.client.CreateTopics(ctx, cfg.Partitions, cfg.ReplicationFactor, cfg.Configs, cfg.Name)
		if err != nil {
			return created, fmt.Errorf("failed to create topic %s: %w", cfg.Name, err)
		}

		for _, r := range resp {
			if errors.Is(r.Err, kerr.TopicAlreadyExists) {
				a.logger.Info("topic already exists", zap.String("topic", r.Topic))
				continue
			}
			if r.Err != nil {
				return created, fmt.Errorf("failed to create topic %s: %w", r.Topic, r.Err)
			}
			created = append(created, r.Topic)
			a.logger.Info("topic created",
				zap.String("topic", r.Topic),
				zap.Int32("partitions", cfg.Partitions))
		}
	}
	return created, nil
}

// EnsureTopics creates every topic of DefaultTopicConfigs and returns the ones it created.
func (a *Admin) EnsureTopics(ctx context.Context, replicationFactor int16) ([]string, error) {
	return a.CreateTopics(ctx, DefaultTopicConfigs(replicationFactor))
}

// ListTopics returns the names of all topics, sorted
func (a *Admin) ListTopics(ctx context.Context) ([]string, error) {
	topics, err := a.client.ListTopics(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list topics: %w", err)
	}

	names := topics.Names()
	sort.Strings(names)
	return names, nil
}

// Close closes the admin client
func (a *Admin) Close() {
	a.client.Close()
}

// HealthCheck verifies Redpanda connectivity
func HealthCheck(ctx context.Context, brokers []string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	client, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	defer client.Close()

	if err := client.Ping(ctx); err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}

	return nil
}
