package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/BTreeMap/PeerMatch/internal/models"
	"github.com/BTreeMap/PeerMatch/internal/transport"
	"github.com/BTreeMap/PeerMatch/internal/util"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// defaultWait covers the server's request timeout plus delivery slack.
const defaultWait = 40 * time.Second

// clientTransport is what matchctl needs from the broker.
type clientTransport interface {
	transport.Transport
	transport.ReplyWaiter
}

// dialTransport connects to the broker. Tests replace it.
var dialTransport = func(brokers []string, queues transport.Queues) (clientTransport, error) {
	return transport.NewKafkaTransport(transport.KafkaConfig{Brokers: brokers, Queues: queues})
}

type rootOptions struct {
	brokers   string
	requests  string
	cancels   string
	replies   string
	requester string
	wait      time.Duration
}

func (o *rootOptions) queues() transport.Queues {
	return transport.Queues{Requests: o.requests, Cancellations: o.cancels, Replies: o.replies}
}

func (o *rootOptions) replyTo() string {
	return transport.ReplyAddress(o.replies, o.requester)
}

func (o *rootOptions) dial() (clientTransport, error) {
	var brokers []string
	for _, b := range strings.Split(o.brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return dialTransport(brokers, o.queues())
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	defaults := transport.DefaultQueues()

	rootCmd := &cobra.Command{
		Use:           "matchctl",
		Short:         "Submit and cancel PeerMatch practice-partner requests",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(opts.requester) == "" {
				return errors.New("--requester is required")
			}
			return nil
		},
	}
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&opts.brokers, "brokers", strings.Join(util.ParseListEnv("PEERMATCH_KAFKA_BROKERS", []string{"localhost:9092"}), ","), "comma separated Kafka brokers")
	pf.StringVar(&opts.requests, "request-queue", defaults.Requests, "intake queue")
	pf.StringVar(&opts.cancels, "cancel-queue", defaults.Cancellations, "cancellation queue")
	pf.StringVar(&opts.replies, "reply-queue", defaults.Replies, "reply topic")
	pf.StringVarP(&opts.requester, "requester", "r", "", "requester id")
	pf.DurationVar(&opts.wait, "wait", defaultWait, "how long to wait for the outcome (0 to not wait)")

	rootCmd.AddCommand(newSubmitCmd(opts), newCancelCmd(opts))
	return rootCmd
}

func newSubmitCmd(opts *rootOptions) *cobra.Command {
	var difficulty int
	var category string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Ask for a practice partner and wait for the outcome",
		RunE: func(cmd *cobra.Command, args []string) error {
			msg := models.SubmitMessage{
				RequesterID: opts.requester,
				Difficulty:  &difficulty,
				Category:    category,
				RequestID:   uuid.NewString(),
				ReplyTo:     opts.replyTo(),
			}
			if err := msg.Validate(); err != nil {
				return err
			}
			return publishAndAwait(cmd.Context(), cmd.OutOrStdout(), opts, opts.requests, msg.RequestID, msg)
		},
	}
	cmd.Flags().IntVarP(&difficulty, "difficulty", "d", 0, "difficulty level (0-5)")
	cmd.Flags().StringVarP(&category, "category", "c", "", "topic category")
	_ = cmd.MarkFlagRequired("difficulty")
	_ = cmd.MarkFlagRequired("category")
	return cmd
}

func newCancelCmd(opts *rootOptions) *cobra.Command {
	var difficulty int
	var category string
	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Withdraw a pending request",
		RunE: func(cmd *cobra.Command, args []string) error {
			msg := models.CancelMessage{
				RequesterID: opts.requester,
				Difficulty:  &difficulty,
				Category:    category,
			}
			if err := msg.Validate(); err != nil {
				return err
			}
			return publishAndAwait(cmd.Context(), cmd.OutOrStdout(), opts, opts.cancels, uuid.NewString(), msg)
		},
	}
	cmd.Flags().IntVarP(&difficulty, "difficulty", "d", 0, "difficulty level of the pending request")
	cmd.Flags().StringVarP(&category, "category", "c", "", "category of the pending request")
	_ = cmd.MarkFlagRequired("difficulty")
	_ = cmd.MarkFlagRequired("category")
	return cmd
}

// publishAndAwait sends payload to queue and prints the first outcome that
// arrives on the requester's reply address.
func publishAndAwait(ctx context.Context, out io.Writer, opts *rootOptions, queue, id string, payload interface{}) error {
	if ctx == nil {
		ctx = context.Background()
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	tr, err := opts.dial()
	if err != nil {
		return err
	}
	defer tr.Close()

	since := time.Now()
	msg := transport.Message{ID: id, Key: opts.requester, ReplyTo: opts.replyTo(), Body: body}
	if err := tr.Publish(ctx, queue, msg); err != nil {
		return fmt.Errorf("publish to %s: %w", queue, err)
	}
	fmt.Fprintf(out, "sent %s to %s\n", id, queue)
	if opts.wait <= 0 {
		return nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, opts.wait)
	defer cancel()
	reply, err := tr.Await(waitCtx, opts.replyTo(), since)
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("no outcome within %s", opts.wait)
	}
	if err != nil {
		return err
	}
	outcome, err := models.DecodeOutcome(reply.Body)
	if err != nil {
		return err
	}
	pretty, err := json.MarshalIndent(outcome, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(out, string(pretty))
	return nil
}
