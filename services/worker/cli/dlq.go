package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ramiqadoumi/go-task-submit/internal/kafka"
	"github.com/ramiqadoumi/go-task-submit/internal/settings"
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Tail the dead-letter topic",
	Long: `Consume ` + kafka.TopicDLQ + ` and print one JSON line per FAILED task.
Requires --kafka-brokers. Without --group-id the topic is only peeked at and no
offsets are committed.`,
	RunE: runDLQ,
}

func init() {
	dlqCmd.Flags().String("group-id", "", "consumer group to join and commit offsets in (default: peek without committing)")
	dlqCmd.Flags().Int("partition", 0, "partition to peek at when no group is set")
	dlqCmd.Flags().Bool("follow", false, "start at the end of the topic and wait for new dead letters")
	dlqCmd.Flags().Int("limit", 0, "exit after printing this many dead letters (0 = no limit)")
}

func runDLQ(cmd *cobra.Command, _ []string) error {
	core := settings.LoadCore(viper.GetViper())
	brokers := core.Brokers()
	if len(brokers) == 0 {
		return fmt.Errorf("--kafka-brokers is required")
	}
	logger := buildLogger(core.LogLevel, "worker-dlq")

	var opts []kafka.ConsumerOption
	if groupID, _ := cmd.Flags().GetString("group-id"); groupID != "" {
		opts = append(opts, kafka.WithGroup(groupID))
	}
	if partition, _ := cmd.Flags().GetInt("partition"); partition > 0 {
		opts = append(opts, kafka.WithPartition(partition))
	}
	if follow, _ := cmd.Flags().GetBool("follow"); follow {
		opts = append(opts, kafka.WithLatest())
	}
	if limit, _ := cmd.Flags().GetInt("limit"); limit > 0 {
		opts = append(opts, kafka.WithLimit(limit))
	}

	consumer := kafka.NewConsumer(brokers, kafka.TopicDLQ, logger, opts...)
	defer func() { _ = consumer.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	enc := json.NewEncoder(cmd.OutOrStdout())
	err := consumer.Subscribe(ctx, func(_ context.Context, msg kafka.Message) error {
		dl, err := kafka.DecodeDeadLetter(msg)
		if err != nil {
			logger.Warn("skipping malformed dead letter",
				slog.Int64("offset", msg.Offset),
				slog.String("error", err.Error()),
			)
			return nil
		}
		return enc.Encode(dl)
	})
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
