package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/casualjim/courier/broker"
	"github.com/casualjim/courier/messages"
	"github.com/fogfish/opts"
	"github.com/google/uuid"
	"github.com/k0kubun/pp/v3"
	"github.com/spf13/cobra"
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func rootCmd() *cobra.Command {
	var redisURL string

	cmd := &cobra.Command{
		Use:           "courier",
		Short:         "Inspect and exercise a running courier message broker",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&redisURL, "redis-url",
		envOr("REDIS_URL", "redis://localhost:6379"), "redis connection URL")

	cmd.AddCommand(
		healthCmd(&redisURL),
		statsCmd(&redisURL),
		queueLenCmd(&redisURL),
		historyCmd(&redisURL),
		sendCmd(&redisURL),
		taskCmd(&redisURL),
		pingCmd(&redisURL),
	)
	return cmd
}

func healthCmd(redisURL *string) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check whether the backing store is reachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := broker.Connect(cmd.Context(), *redisURL)
			if err != nil {
				return err
			}
			defer b.Close()
			if !b.HealthCheck(cmd.Context()) {
				return fmt.Errorf("broker is unhealthy")
			}
			fmt.Println("ok")
			return nil
		},
	}
}

func statsCmd(redisURL *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print broker statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := broker.Connect(cmd.Context(), *redisURL)
			if err != nil {
				return err
			}
			defer b.Close()
			_, err = pp.Println(b.Stats(cmd.Context()))
			return err
		},
	}
}

func queueLenCmd(redisURL *string) *cobra.Command {
	return &cobra.Command{
		Use:   "queue-len <name>",
		Short: "Report how many entries a durable queue holds",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := broker.Connect(cmd.Context(), *redisURL)
			if err != nil {
				return err
			}
			defer b.Close()
			fmt.Println(b.QueueLength(cmd.Context(), args[0]))
			return nil
		},
	}
}

func historyCmd(redisURL *string) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <agent-id>",
		Short: "Print an agent's recent messages, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := broker.Connect(cmd.Context(), *redisURL)
			if err != nil {
				return err
			}
			defer b.Close()
			for _, rec := range b.History(cmd.Context(), args[0], limit) {
				if _, err := pp.Println(rec); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of entries")
	return cmd
}

func messageOptions(priority int, correlationID string, ttl time.Duration) []opts.Option[messages.Message] {
	options := []opts.Option[messages.Message]{messages.WithPriority(priority)}
	if correlationID != "" {
		options = append(options, messages.WithCorrelationID(correlationID))
	}
	if ttl > 0 {
		options = append(options, messages.WithTTL(ttl))
	}
	return options
}

func sendCmd(redisURL *string) *cobra.Command {
	var (
		payload       string
		priority      int
		correlationID string
		ttl           time.Duration
	)
	cmd := &cobra.Command{
		Use:   "send <from> <to> <type>",
		Short: "Publish a direct message to an agent",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := messages.PayloadFromJSON([]byte(payload))
			if err != nil {
				return fmt.Errorf("invalid payload: %w", err)
			}
			msg, err := messages.New(args[0], args[1], args[2], p,
				messageOptions(priority, correlationID, ttl)...)
			if err != nil {
				return err
			}
			b, err := broker.Connect(cmd.Context(), *redisURL)
			if err != nil {
				return err
			}
			defer b.Close()
			if !b.SendToAgent(cmd.Context(), args[1], msg) {
				return fmt.Errorf("message %s was not durably delivered", msg.ID)
			}
			fmt.Println(msg.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&payload, "payload", "{}", "message payload as a JSON object")
	cmd.Flags().IntVar(&priority, "priority", messages.DefaultPriority, "priority, 1 (urgent) to 10")
	cmd.Flags().StringVar(&correlationID, "correlation-id", "", "correlation id for request/response")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "drop the message from durable storage after this long")
	return cmd
}

func taskCmd(redisURL *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Work with named task queues",
	}

	var (
		payload  string
		priority int
	)
	add := &cobra.Command{
		Use:   "add <queue>",
		Short: "Enqueue a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			task, err := messages.PayloadFromJSON([]byte(payload))
			if err != nil {
				return fmt.Errorf("invalid payload: %w", err)
			}
			b, err := broker.Connect(cmd.Context(), *redisURL)
			if err != nil {
				return err
			}
			defer b.Close()
			if err := b.CreateTaskQueue(cmd.Context(), args[0]); err != nil {
				return err
			}
			if !b.AddTask(cmd.Context(), args[0], task, priority) {
				return fmt.Errorf("task was not enqueued")
			}
			return nil
		},
	}
	add.Flags().StringVar(&payload, "payload", "{}", "task payload as a JSON object")
	add.Flags().IntVar(&priority, "priority", messages.DefaultPriority, "priority, 1 (urgent) to 10")

	var timeout time.Duration
	get := &cobra.Command{
		Use:   "get <queue>",
		Short: "Pop the most urgent task, waiting up to the timeout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := broker.Connect(cmd.Context(), *redisURL)
			if err != nil {
				return err
			}
			defer b.Close()
			task, ok := b.GetTask(cmd.Context(), args[0], timeout)
			if !ok {
				fmt.Println("no task available")
				return nil
			}
			_, err = pp.Println(task)
			return err
		},
	}
	get.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "how long to wait for a task")

	cmd.AddCommand(add, get)
	return cmd
}

func pingCmd(redisURL *string) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "ping <from> <to>",
		Short: "Round-trip a ping through another agent's default handler",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			from, to := args[0], args[1]
			b, err := broker.Connect(cmd.Context(), *redisURL)
			if err != nil {
				return err
			}
			defer b.Close()

			correlationID := uuid.Must(uuid.NewV7()).String()
			replies := make(chan *messages.Message, 1)
			sub, err := b.Subscribe(cmd.Context(), messages.AgentChannel(from), func(ctx context.Context, msg *messages.Message) {
				if msg.MessageType == "pong" && msg.CorrelationID == correlationID {
					select {
					case replies <- msg:
					default:
					}
				}
			})
			if err != nil {
				return err
			}
			defer sub.Unsubscribe()

			go func() { _ = b.StartListening(cmd.Context()) }()
			defer b.StopListening()
			// Give the listener a beat to register with redis before sending.
			time.Sleep(200 * time.Millisecond)

			msg, err := messages.New(from, to, "ping",
				messages.Payload{"sent_at": time.Now().UTC().Format(time.RFC3339)},
				messages.WithCorrelationID(correlationID))
			if err != nil {
				return err
			}
			started := time.Now()
			if !b.SendToAgent(cmd.Context(), to, msg) {
				return fmt.Errorf("ping was not durably delivered")
			}

			select {
			case reply := <-replies:
				fmt.Printf("pong from %s in %s\n", reply.FromAgent, time.Since(started).Round(time.Millisecond))
				_, err := pp.Println(reply.Payload)
				return err
			case <-time.After(timeout):
				return fmt.Errorf("no pong from %s within %s", to, timeout)
			case <-cmd.Context().Done():
				return cmd.Context().Err()
			}
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "how long to wait for the pong")
	return cmd
}
