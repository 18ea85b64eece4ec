package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Lllllllleong/clinicaldocumentflow/internal/messaging"
)

var recoverCmd = &cobra.Command{
	Use:   "recover <log-id>",
	Short: "Recover the step recorded by a failed log",
	Long:  "Replays recovery for one failed operation log, subject to the tenant's retry settings and the retry counter.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, done, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer done()

		resp, err := a.Recover(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd, resp)
	},
}

var recoveryCmd = &cobra.Command{
	Use:   "recovery",
	Short: "Recovery topic consumers",
}

var recoveryConsumeCmd = &cobra.Command{
	Use:   "consume",
	Short: "Consume the recovery topic from Kafka",
	Long:  "Runs a Kafka consumer group on the recovery topic and recovers every failed log it receives until interrupted.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, done, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer done()

		groupID, _ := cmd.Flags().GetString("group")
		if groupID == "" {
			groupID = cfg.Messaging.KafkaGroupID
		}
		return messaging.Consume(ctx, messaging.ConsumerConfig{
			Brokers: cfg.Messaging.KafkaBrokers,
			Topic:   a.RecoveryTopic(),
			GroupID: groupID,
		}, a.HandleRecoveryMessage)
	},
}

func init() {
	recoveryConsumeCmd.Flags().String("group", "", "consumer group id (default messaging.kafka_group_id)")
	recoveryCmd.AddCommand(recoveryConsumeCmd)
	rootCmd.AddCommand(recoverCmd, recoveryCmd)
}
