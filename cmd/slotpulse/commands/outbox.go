package commands

import (
	"context"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/slotpulse/display"
	"github.com/teranos/slotpulse/logger"
	"github.com/teranos/slotpulse/outbox"
	"github.com/teranos/slotpulse/sender"
)

// OutboxCmd is the operator view of the notification outbox
var OutboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Inspect and repair the notification outbox",
	Long: `Inspect and repair the notification outbox.

Examples:
  slotpulse outbox stats              # Messages per state
  slotpulse outbox dead               # Dead-lettered messages
  slotpulse outbox attempts <id>      # Delivery history of one message
  slotpulse outbox requeue <id>       # Retry a dead letter with a fresh budget
  slotpulse outbox drain              # Deliver everything due once, then exit`,
}

var outboxStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Count messages per state",
	Args:  cobra.NoArgs,
	RunE:  runOutboxStats,
}

var outboxDeadCmd = &cobra.Command{
	Use:   "dead",
	Short: "List dead-lettered messages",
	Args:  cobra.NoArgs,
	RunE:  runOutboxDead,
}

var outboxAttemptsCmd = &cobra.Command{
	Use:   "attempts <message-id>",
	Short: "Show the delivery history of a message",
	Args:  cobra.ExactArgs(1),
	RunE:  runOutboxAttempts,
}

var outboxRequeueCmd = &cobra.Command{
	Use:   "requeue <message-id>",
	Short: "Move a dead letter back to pending",
	Args:  cobra.ExactArgs(1),
	RunE:  runOutboxRequeue,
}

var outboxDrainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Deliver every due message once through the configured sender",
	Args:  cobra.NoArgs,
	RunE:  runOutboxDrain,
}

var outboxLimitFlag int

func init() {
	outboxDeadCmd.Flags().IntVar(&outboxLimitFlag, "limit", 50, "Maximum messages to list")

	OutboxCmd.AddCommand(outboxStatsCmd)
	OutboxCmd.AddCommand(outboxDeadCmd)
	OutboxCmd.AddCommand(outboxAttemptsCmd)
	OutboxCmd.AddCommand(outboxRequeueCmd)
	OutboxCmd.AddCommand(outboxDrainCmd)
}

func messageTable(msgs []*outbox.Message) pterm.TableData {
	data := pterm.TableData{{"ID", "Kind", "Recipient", "State", "Attempts", "Last error"}}
	for _, m := range msgs {
		data = append(data, []string{
			m.ID,
			string(m.Kind),
			m.RecipientRef,
			string(m.State),
			strconv.Itoa(m.AttemptCount),
			m.LastError,
		})
	}
	return data
}

func runOutboxStats(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.db.Close()

	stats, err := outbox.NewStore(a.db).Stats(context.Background())
	if err != nil {
		return err
	}
	if display.ShouldOutputJSON(cmd) {
		return display.OutputJSON(cmd.OutOrStdout(), stats)
	}
	data := pterm.TableData{{"State", "Messages"}}
	for _, st := range []outbox.State{outbox.StatePending, outbox.StateFailed, outbox.StateSent, outbox.StateDeadLetter, outbox.StateSuperseded} {
		data = append(data, []string{string(st), strconv.Itoa(stats[st])})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func runOutboxDead(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.db.Close()

	var inspector outbox.Inspector = outbox.NewStore(a.db)
	msgs, err := inspector.ListDeadLetters(context.Background(), outboxLimitFlag)
	if err != nil {
		return err
	}
	if display.ShouldOutputJSON(cmd) {
		return display.OutputJSON(cmd.OutOrStdout(), msgs)
	}
	if len(msgs) == 0 {
		pterm.Success.Println("No dead letters")
		return nil
	}
	return pterm.DefaultTable.WithHasHeader().WithData(messageTable(msgs)).Render()
}

func runOutboxAttempts(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.db.Close()
	ctx := context.Background()

	var inspector outbox.Inspector = outbox.NewStore(a.db)
	msg, err := inspector.Get(ctx, args[0])
	if err != nil {
		return err
	}
	attempts, err := inspector.Attempts(ctx, msg.ID)
	if err != nil {
		return err
	}
	if display.ShouldOutputJSON(cmd) {
		return display.OutputJSON(cmd.OutOrStdout(), map[string]interface{}{
			"message":  msg,
			"attempts": attempts,
		})
	}

	pterm.Info.Printf("%s to %s: %s after %d attempt(s)\n", msg.Kind, msg.RecipientRef, msg.State, msg.AttemptCount)
	if len(attempts) == 0 {
		return nil
	}
	data := pterm.TableData{{"#", "At", "Outcome", "Error"}}
	for _, at := range attempts {
		data = append(data, []string{
			strconv.Itoa(at.Attempt),
			at.AttemptedAt.Format(time.RFC3339),
			string(at.Outcome),
			at.Error,
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func runOutboxRequeue(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.db.Close()

	if err := outbox.NewStore(a.db).Requeue(context.Background(), args[0], a.clock.Now()); err != nil {
		return err
	}
	pterm.Success.Printf("Requeued %s; the running daemon delivers it on its next drain\n", args[0])
	return nil
}

func runOutboxDrain(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.db.Close()
	ctx := context.Background()

	s, closeSender, err := sender.New(a.cfg.Sender, logger.ComponentLogger("sender"))
	if err != nil {
		return err
	}
	defer closeSender()

	worker := a.newWorker(s, logger.ComponentLogger("delivery"))
	defer worker.ReleaseClaims(ctx)

	res, err := worker.Drain(ctx)
	if err != nil {
		return err
	}
	if display.ShouldOutputJSON(cmd) {
		return display.OutputJSON(cmd.OutOrStdout(), res)
	}
	pterm.Success.Printf("Sent %d, retrying %d, dead-lettered %d\n", res.Sent, res.Retried, res.DeadLettered)
	return nil
}
