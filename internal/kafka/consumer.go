package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"github.com/warlog-ledger/internal/config"
	"github.com/warlog-ledger/internal/domain"
	"github.com/warlog-ledger/internal/leaderboard"
	"github.com/warlog-ledger/internal/tracker"
)

const processTimeout = 10 * time.Second

// Ingestor applies decoded observations
type Ingestor interface {
	ApplyTerritorySnapshot(ctx context.Context, owners map[string]string, observedAt time.Time) ([]domain.TerritoryChangeEvent, error)
	ApplyWarServers(ctx context.Context, servers map[string][]domain.RosterEntry, observedAt time.Time) (*tracker.WarServerResult, error)
	ApplyGuildSnapshot(ctx context.Context, entries []domain.GuildSnapshotEntry, observedAt time.Time) (*leaderboard.RefreshResult, error)
}

// Consumer consumes ingestion messages from Kafka
type Consumer struct {
	config        *config.KafkaConfig
	ingestor      Ingestor
	logger        *slog.Logger
	consumerGroup sarama.ConsumerGroup
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	ready         chan struct{}
	readyOnce     sync.Once
}

// NewConsumer creates a new Kafka consumer
func NewConsumer(cfg *config.KafkaConfig, ingestor Ingestor, logger *slog.Logger) (*Consumer, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V3_0_0_0
	saramaConfig.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	saramaConfig.Consumer.Offsets.Initial = sarama.OffsetNewest
	saramaConfig.Consumer.Return.Errors = true

	consumerGroup, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("creating consumer group: %w", err)
	}

	return newConsumer(cfg, ingestor, consumerGroup, logger), nil
}

func newConsumer(cfg *config.KafkaConfig, ingestor Ingestor, group sarama.ConsumerGroup, logger *slog.Logger) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		config:        cfg,
		ingestor:      ingestor,
		logger:        logger,
		consumerGroup: group,
		ctx:           ctx,
		cancel:        cancel,
		ready:         make(chan struct{}),
	}
}

// Start begins consuming messages and waits until the first session is set up or ctx ends
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("starting Kafka consumer",
		"brokers", c.config.Brokers,
		"topic", c.config.Topic,
		"group_id", c.config.GroupID,
	)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		handler := &consumerGroupHandler{consumer: c}
		for {
			if err := c.consumerGroup.Consume(c.ctx, []string{c.config.Topic}, handler); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				c.logger.Error("error from consumer", "error", err)
			}

			// rebalance or error; rejoin unless stopping
			if c.ctx.Err() != nil {
				return
			}
		}
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-c.ctx.Done():
				return
			case err, ok := <-c.consumerGroup.Errors():
				if !ok {
					return
				}
				c.logger.Error("consumer group error", "error", err)
			}
		}
	}()

	select {
	case <-c.ready:
		c.logger.Info("Kafka consumer ready")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop gracefully stops the consumer
func (c *Consumer) Stop() error {
	c.logger.Info("stopping Kafka consumer")
	c.cancel()
	c.wg.Wait()
	return c.consumerGroup.Close()
}

// handleMessage decodes one message and hands it to the ingestor
func (c *Consumer) handleMessage(ctx context.Context, value []byte) error {
	msg, err := DecodeMessage(value)
	if err != nil {
		return err
	}

	logger := c.logger.With("message_id", msg.ID, "kind", msg.Kind)
	switch msg.Kind {
	case KindTerritorySnapshot:
		events, err := c.ingestor.ApplyTerritorySnapshot(ctx, msg.Owners, msg.ObservedAt)
		if err != nil {
			return err
		}
		logger.Debug("territory snapshot applied", "changes", len(events))
	case KindWarServers:
		res, err := c.ingestor.ApplyWarServers(ctx, msg.Servers, msg.ObservedAt)
		if res != nil {
			logger.Debug("war servers applied",
				"opened", len(res.Opened),
				"updated", len(res.Updated),
				"closed", len(res.Closed),
			)
		}
		return err
	case KindGuildSnapshot:
		res, err := c.ingestor.ApplyGuildSnapshot(ctx, msg.Guilds, msg.ObservedAt)
		if err != nil {
			return err
		}
		logger.Debug("guild snapshot applied", "skipped", res.Skipped, "guilds", res.Guilds)
	}
	return nil
}

// consumerGroupHandler implements sarama.ConsumerGroupHandler
type consumerGroupHandler struct {
	consumer *Consumer
}

// Setup is called at the beginning of a new session
func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	h.consumer.readyOnce.Do(func() { close(h.consumer.ready) })
	return nil
}

// Cleanup is called at the end of a session
func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim processes messages from a topic partition one at a time. Every message is
// marked, failed ones included.
func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	c := h.consumer
	for {
		select {
		case <-session.Context().Done():
			return nil

		case message, ok := <-claim.Messages():
			if !ok {
				return nil
			}

			ctx, cancel := context.WithTimeout(session.Context(), processTimeout)
			err := c.handleMessage(ctx, message.Value)
			cancel()

			if err != nil {
				attrs := []any{
					"error", err,
					"offset", message.Offset,
					"partition", message.Partition,
				}
				switch {
				case domain.IsTransient(err):
					c.logger.Warn("ingestion failed, dropping message", attrs...)
				case errors.Is(err, domain.ErrInvalidRequest):
					c.logger.Warn("invalid ingestion message", attrs...)
				default:
					c.logger.Error("failed to process message", attrs...)
				}
			}
			session.MarkMessage(message, "")
		}
	}
}
