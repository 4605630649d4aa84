package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/careremind/reminder-engine/internal/app"
	"github.com/careremind/reminder-engine/internal/infrastructure/redpanda"
	"github.com/careremind/reminder-engine/internal/notify"
)

func newSweeper(a *app.App) (*notify.Sweeper, error) {
	return notify.NewSweeper(a.Service, app.SweeperConfig(a.Config), a.Metrics, a.Logger)
}

func topicsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topics",
		Short: "Manage the Redpanda topics of the engine",
	}

	ensure := &cobra.Command{
		Use:   "ensure",
		Short: "Create missing topics",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv()
			if err != nil {
				return err
			}
			admin, err := redpanda.NewAdmin(e.cfg.Brokers(), e.logger)
			if err != nil {
				return err
			}
			defer admin.Close()

			created, err := admin.EnsureTopics(cmd.Context(), e.cfg.KafkaReplication)
			if err != nil {
				return err
			}
			if len(created) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "all topics present")
				return nil
			}
			for _, t := range created {
				fmt.Fprintln(cmd.OutOrStdout(), "created", t)
			}
			return nil
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List topics on the cluster",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv()
			if err != nil {
				return err
			}
			admin, err := redpanda.NewAdmin(e.cfg.Brokers(), e.logger)
			if err != nil {
				return err
			}
			defer admin.Close()

			names, err := admin.ListTopics(cmd.Context())
			if err != nil {
				return err
			}
			for _, n := range names {
				fmt.Fprintln(cmd.OutOrStdout(), n)
			}
			return nil
		},
	}

	cmd.AddCommand(ensure, list)
	return cmd
}

func tailCmd() *cobra.Command {
	var fromStart bool
	cmd := &cobra.Command{
		Use:   "tail [topic...]",
		Short: "Print records from the engine's topics until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv()
			if err != nil {
				return err
			}

			topics := args
			if len(topics) == 0 {
				topics = []string{redpanda.TopicAppointmentEvents, redpanda.TopicReminderAudit}
			}
			ccfg := redpanda.DefaultConsumerConfig()
			ccfg.Brokers = e.cfg.Brokers()
			ccfg.Topics = topics
			if fromStart {
				ccfg.StartOffset = "earliest"
			}

			out := cmd.OutOrStdout()
			consumer, err := redpanda.NewConsumer(ccfg, func(_ context.Context, msg *redpanda.ConsumedMessage) error {
				_, err := fmt.Fprintf(out, "%s/%d/%d %s %s %s\n",
					msg.Topic, msg.Partition, msg.Offset, msg.Timestamp.Format("2006-01-02T15:04:05Z07:00"),
					msg.Key, strings.TrimSpace(string(msg.Value)))
				return err
			}, e.logger)
			if err != nil {
				return err
			}

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			consumer.Start()
			<-ctx.Done()
			return consumer.Stop()
		},
	}
	cmd.Flags().BoolVar(&fromStart, "from-start", false, "read each topic from the earliest offset")
	return cmd
}
