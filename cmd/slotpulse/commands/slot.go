package commands

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/slotpulse/booking"
	"github.com/teranos/slotpulse/display"
	"github.com/teranos/slotpulse/errors"
	"github.com/teranos/slotpulse/outbox"
	"github.com/teranos/slotpulse/reminder"
	"github.com/teranos/slotpulse/slot"
)

// SlotCmd manages interview slots
var SlotCmd = &cobra.Command{
	Use:   "slot",
	Short: "Create, inspect and act on interview slots",
	Long: `Create, inspect and act on interview slots.

Examples:
  slotpulse slot create --recruiter rec-1 --start 2026-05-07T10:00:00Z --duration 45m
  slotpulse slot ls --status booked
  slotpulse slot show s1
  slotpulse slot apply s1 reserve --as candidate --candidate cand-1
  slotpulse slot apply s1 extend --hold 15m
  slotpulse slot apply s1 approve --as recruiter --candidate cand-1 --version 3
  slotpulse slot apply s1 reschedule --as recruiter --start 2026-05-08T10:00:00Z`,
}

var slotCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a free slot",
	Args:  cobra.NoArgs,
	RunE:  runSlotCreate,
}

var slotLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List slots",
	Args:  cobra.NoArgs,
	RunE:  runSlotLs,
}

var slotShowCmd = &cobra.Command{
	Use:   "show <slot-id>",
	Short: "Show a slot with its reminders and notifications",
	Args:  cobra.ExactArgs(1),
	RunE:  runSlotShow,
}

var slotApplyCmd = &cobra.Command{
	Use:   "apply <slot-id> <action>",
	Short: "Apply a booking action",
	Long: `Apply a booking action to a slot.

Actions: reserve (candidate, from free); withdraw, extend (candidate, from
pending); approve, reject (recruiter, from pending); unapprove (recruiter, from booked); confirm
(candidate, from booked); decline (candidate), cancel and reschedule
(recruiter) from booked or confirmed.`,
	Args: cobra.ExactArgs(2),
	RunE: runSlotApply,
}

var (
	slotIDFlag        string
	slotRecruiterFlag string
	slotCityFlag      string
	slotStartFlag     string
	slotDurationFlag  time.Duration

	slotStatusFlag string
	slotLimitFlag  int

	applyActorFlag     string
	applyActorIDFlag   string
	applyCandidateFlag string
	applyVersionFlag   int64
	applyStartFlag     string
	applyHoldFlag      time.Duration
	applyReasonFlag    string
)

func init() {
	slotCreateCmd.Flags().StringVar(&slotIDFlag, "id", "", "Slot id (generated when empty)")
	slotCreateCmd.Flags().StringVar(&slotRecruiterFlag, "recruiter", "", "Recruiter id")
	slotCreateCmd.Flags().StringVar(&slotCityFlag, "city", "", "City id")
	slotCreateCmd.Flags().StringVar(&slotStartFlag, "start", "", "Start time, RFC 3339")
	slotCreateCmd.Flags().DurationVar(&slotDurationFlag, "duration", time.Hour, "Interview duration")
	slotCreateCmd.MarkFlagRequired("recruiter")
	slotCreateCmd.MarkFlagRequired("start")

	slotLsCmd.Flags().StringVar(&slotStatusFlag, "status", "", "Filter by status")
	slotLsCmd.Flags().StringVar(&slotRecruiterFlag, "recruiter", "", "Filter by recruiter")
	slotLsCmd.Flags().IntVar(&slotLimitFlag, "limit", 50, "Maximum slots to list")

	slotApplyCmd.Flags().StringVar(&applyActorFlag, "as", "", "Actor: candidate or recruiter (default: the action's actor)")
	slotApplyCmd.Flags().StringVar(&applyActorIDFlag, "actor-id", "", "Acting candidate or recruiter id, checked against the slot")
	slotApplyCmd.Flags().StringVar(&applyCandidateFlag, "candidate", "", "Candidate id: who reserves, or whose hold approve/reject decides")
	slotApplyCmd.Flags().Int64Var(&applyVersionFlag, "version", 0, "Expected slot version (0 = do not pin)")
	slotApplyCmd.Flags().StringVar(&applyStartFlag, "start", "", "New start time, RFC 3339 (reschedule)")
	slotApplyCmd.Flags().DurationVar(&applyHoldFlag, "hold", 0, "Reservation hold (reserve, extend; 0 = configured TTL)")
	slotApplyCmd.Flags().StringVar(&applyReasonFlag, "reason", "", "Free-text reason")

	SlotCmd.AddCommand(slotCreateCmd)
	SlotCmd.AddCommand(slotLsCmd)
	SlotCmd.AddCommand(slotShowCmd)
	SlotCmd.AddCommand(slotApplyCmd)
}

// parseStart parses an RFC 3339 time into UTC at millisecond precision
func parseStart(raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, errors.Wrapf(errors.ErrInvalidRequest, "start time %q is not RFC 3339", raw)
	}
	return t.UTC().Truncate(time.Millisecond), nil
}

// buildCommand turns CLI arguments into a booking command. The actor
// defaults to the one the action belongs to.
func buildCommand(slotID, action, actor, actorID, candidateID string, version int64, start, reason string, hold time.Duration) (booking.Command, error) {
	cmd := booking.Command{
		SlotID:          slotID,
		Action:          booking.Action(action),
		Actor:           booking.Actor(actor),
		ActorID:         actorID,
		CandidateID:     candidateID,
		HoldSeconds:     int(hold / time.Second),
		ExpectedVersion: version,
		Reason:          reason,
	}
	if cmd.Actor == "" {
		cmd.Actor = booking.DefaultActor(cmd.Action)
	}
	if start != "" {
		t, err := parseStart(start)
		if err != nil {
			return cmd, err
		}
		cmd.NewStartTime = t
	}
	return cmd, cmd.Validate()
}

func runSlotCreate(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.db.Close()

	start, err := parseStart(slotStartFlag)
	if err != nil {
		return err
	}
	id := slotIDFlag
	if id == "" {
		id = uuid.NewString()
	}
	sl := &slot.Slot{
		ID:          id,
		RecruiterID: slotRecruiterFlag,
		CityID:      slotCityFlag,
		StartTime:   start,
		Duration:    slotDurationFlag,
	}
	if err := slot.NewStore(a.db).Create(context.Background(), sl, a.clock.Now()); err != nil {
		return err
	}
	if display.ShouldOutputJSON(cmd) {
		return display.OutputJSON(cmd.OutOrStdout(), sl)
	}
	pterm.Success.Printf("Created slot %s (%s, %s)\n", sl.ID, sl.StartTime.Format(time.RFC3339), sl.Duration)
	return nil
}

func runSlotLs(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.db.Close()

	f := slot.Filter{Status: slot.Status(slotStatusFlag), RecruiterID: slotRecruiterFlag}
	if f.Status != "" && !f.Status.Valid() {
		return errors.Wrapf(errors.ErrInvalidRequest, "unknown status %q", f.Status)
	}
	slots, err := slot.NewStore(a.db).List(context.Background(), f, slotLimitFlag)
	if err != nil {
		return err
	}
	if display.ShouldOutputJSON(cmd) {
		return display.OutputJSON(cmd.OutOrStdout(), slots)
	}
	if len(slots) == 0 {
		pterm.Info.Println("No slots")
		return nil
	}
	return pterm.DefaultTable.WithHasHeader().WithData(slotTable(slots)).Render()
}

func slotTable(slots []*slot.Slot) pterm.TableData {
	data := pterm.TableData{{"ID", "Status", "Start", "Recruiter", "Candidate", "Version"}}
	for _, sl := range slots {
		data = append(data, []string{
			sl.ID,
			string(sl.Status),
			sl.StartTime.Format(time.RFC3339),
			sl.RecruiterID,
			sl.CandidateID,
			strconv.FormatInt(sl.Version, 10),
		})
	}
	return data
}

func runSlotShow(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.db.Close()
	ctx := context.Background()

	sl, err := a.machine.Get(ctx, args[0])
	if err != nil {
		return err
	}
	jobs, err := reminder.NewStore(a.db).ListForSlot(ctx, sl.ID)
	if err != nil {
		return err
	}
	msgs, err := outbox.NewStore(a.db).ListForSlot(ctx, sl.ID)
	if err != nil {
		return err
	}
	if display.ShouldOutputJSON(cmd) {
		return display.OutputJSON(cmd.OutOrStdout(), map[string]interface{}{
			"slot":          sl,
			"reminders":     jobs,
			"notifications": msgs,
		})
	}

	if err := pterm.DefaultTable.WithHasHeader().WithData(slotTable([]*slot.Slot{sl})).Render(); err != nil {
		return err
	}
	if sl.LockExpiry != nil {
		pterm.Info.Printf("Reservation held until %s\n", sl.LockExpiry.Format(time.RFC3339))
	}

	if len(jobs) > 0 {
		pterm.DefaultSection.Println("Reminders")
		data := pterm.TableData{{"Kind", "Fire at", "Status"}}
		for _, j := range jobs {
			data = append(data, []string{string(j.Kind), j.FireAt.Format(time.RFC3339), string(j.Status)})
		}
		if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
			return err
		}
	}

	if len(msgs) > 0 {
		pterm.DefaultSection.Println("Notifications")
		if err := pterm.DefaultTable.WithHasHeader().WithData(messageTable(msgs)).Render(); err != nil {
			return err
		}
	}
	return nil
}

func runSlotApply(cmd *cobra.Command, args []string) error {
	bc, err := buildCommand(args[0], args[1], applyActorFlag, applyActorIDFlag, applyCandidateFlag,
		applyVersionFlag, applyStartFlag, applyReasonFlag, applyHoldFlag)
	if err != nil {
		return err
	}

	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.db.Close()

	sl, err := a.machine.Execute(context.Background(), bc)
	if err != nil {
		return err
	}
	if display.ShouldOutputJSON(cmd) {
		return display.OutputJSON(cmd.OutOrStdout(), sl)
	}
	pterm.Success.Printf("%s %s: slot %s is now %s (version %d)\n", bc.Actor, bc.Action, sl.ID, sl.Status, sl.Version)
	return nil
}
