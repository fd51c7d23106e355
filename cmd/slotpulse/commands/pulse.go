package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/slotpulse/am"
	"github.com/teranos/slotpulse/errors"
	"github.com/teranos/slotpulse/leader"
	"github.com/teranos/slotpulse/logger"
	"github.com/teranos/slotpulse/pulse"
	"github.com/teranos/slotpulse/sender"
	"github.com/teranos/slotpulse/server"
)

// Pulse task names
const (
	taskSweep  = "sweep"
	taskRemind = "remind"
	taskDrain  = "drain"
)

// PulseCmd groups the daemon commands
var PulseCmd = &cobra.Command{
	Use:   "pulse",
	Short: "Run the slotpulse daemon",
	Long: `Run the slotpulse daemon.

The daemon runs three periodic tasks from one loop:
- sweep:  return slots whose reservation lapsed to free (leader only)
- remind: fire due 6h/3h/2h reminders into the outbox (leader only)
- drain:  deliver outbox notifications through the configured sender

Every committed booking action nudges the drain so notifications go out
without waiting for the next tick. The remind task is armed for the earliest
scheduled reminder after each scan and each commit, with scan_interval as
the upper bound between scans.

Example:
  slotpulse pulse start              # Daemon plus HTTP API
  slotpulse pulse start --no-server  # Daemon only`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// PulseStartCmd starts the daemon in the foreground
var PulseStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the daemon in the foreground",
	RunE:  runPulseStart,
}

var (
	pulsePortFlag     int
	pulseNoServerFlag bool
)

func init() {
	PulseStartCmd.Flags().IntVar(&pulsePortFlag, "port", 0, "HTTP API port (default: server.port)")
	PulseStartCmd.Flags().BoolVar(&pulseNoServerFlag, "no-server", false, "Do not serve the HTTP API")
	PulseCmd.AddCommand(PulseStartCmd)
}

// newLease returns the Redis lease when leader.redis_addr is set, otherwise
// a lease this process always holds
func newLease(ctx context.Context, cfg am.LeaderConfig) (leader.Lease, func() error, error) {
	if cfg.RedisAddr == "" {
		return leader.Local{}, func() error { return nil }, nil
	}
	client, err := leader.Dial(ctx, cfg.RedisAddr, cfg.Password, cfg.DB)
	if err != nil {
		return nil, nil, errors.WithHint(err, "check leader.redis_addr or leave it empty to run a single node")
	}
	return leader.NewRedisLease(client, cfg.Key, cfg.TTL, logger.ComponentLogger("leader")), client.Close, nil
}

// armReminders pulls the remind task forward to the earliest scheduled job
func armReminders(ctx context.Context, loop *pulse.Loop, next pulse.NextFunc) {
	at, err := next(ctx)
	if err != nil {
		logger.Debugw("Next reminder unavailable", logger.FieldError, err.Error())
		return
	}
	if at != nil {
		loop.Arm(taskRemind, *at)
	}
}

func runPulseStart(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.db.Close()
	cfg := a.cfg

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, closeSender, err := sender.New(cfg.Sender, logger.ComponentLogger("sender"))
	if err != nil {
		return err
	}
	defer closeSender()

	lease, closeLease, err := newLease(ctx, cfg.Leader)
	if err != nil {
		return err
	}
	defer closeLease()

	worker := a.newWorker(s, logger.ComponentLogger("delivery"))
	// Leases left by a previous run of this process would block its recipients
	if err := worker.ReleaseClaims(ctx); err != nil {
		return err
	}

	loop := pulse.NewLoop(a.clock, lease, logger.ComponentLogger("pulse"))
	tasks := []pulse.Task{
		{Name: taskSweep, Interval: cfg.Pulse.SweepInterval, Singleton: true, Run: func(ctx context.Context) error {
			_, err := a.sweeper.Sweep(ctx)
			return err
		}},
		{Name: taskRemind, Interval: cfg.Pulse.ScanInterval, Singleton: true, Next: a.scheduler.Next, Run: func(ctx context.Context) error {
			_, err := a.scheduler.FireDue(ctx)
			return err
		}},
		{Name: taskDrain, Interval: cfg.Pulse.DrainInterval, Run: func(ctx context.Context) error {
			_, err := worker.Drain(ctx)
			return err
		}},
	}
	for _, t := range tasks {
		if err := loop.Add(t); err != nil {
			return err
		}
	}
	a.machine.OnCommit(func(string) {
		loop.Nudge(taskDrain)
		armReminders(ctx, loop, a.scheduler.Next)
	})
	loop.Start(ctx)

	var srv *server.Server
	serverErr := make(chan error, 1)
	if !pulseNoServerFlag {
		port := pulsePortFlag
		if port == 0 {
			port = cfg.GetServerPort()
		}
		srv = server.New(a.db, a.machine, a.clock, logger.ComponentLogger("server"))
		srv.OnRequeue(func(string) { loop.Nudge(taskDrain) })
		go func() { serverErr <- srv.Start(port) }()
		pterm.Info.Printf("HTTP API on :%d\n", port)
	}

	pterm.Success.Printf("slotpulse daemon started (sender: %s, workers: %d)\n", cfg.Sender.Provider, cfg.Delivery.Workers)
	pterm.Info.Println("Press Ctrl+C for graceful shutdown")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case <-sigChan:
		pterm.Info.Println("\nShutting down gracefully...")
	case runErr = <-serverErr:
	}

	if srv != nil {
		if err := srv.Shutdown(context.Background()); err != nil {
			logger.Warnw("Server shutdown failed", logger.FieldError, err.Error())
		}
	}
	loop.Stop()

	releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer releaseCancel()
	if err := worker.ReleaseClaims(releaseCtx); err != nil {
		logger.Warnw("Failed to release outbox claims", logger.FieldError, err.Error())
	}

	if runErr != nil {
		return runErr
	}
	pterm.Success.Println("slotpulse daemon stopped")
	return nil
}
