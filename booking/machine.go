package booking

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/teranos/slotpulse/clock"
	"github.com/teranos/slotpulse/db"
	"github.com/teranos/slotpulse/errors"
	"github.com/teranos/slotpulse/lock"
	"github.com/teranos/slotpulse/logger"
	"github.com/teranos/slotpulse/outbox"
	"github.com/teranos/slotpulse/reminder"
	"github.com/teranos/slotpulse/slot"
)

const tracerName = "github.com/teranos/slotpulse/booking"

// Machine applies actor commands to slots.
type Machine struct {
	db           *sql.DB
	locks        *lock.Manager
	planner      *reminder.Planner
	clock        clock.Clock
	dedupeWindow time.Duration
	log          *zap.SugaredLogger
	tracer       trace.Tracer

	mu       sync.RWMutex
	onCommit []func(slotID string)
}

// NewMachine wires the state machine over the pool.
func NewMachine(conn *sql.DB, locks *lock.Manager, planner *reminder.Planner, c clock.Clock, dedupeWindow time.Duration, log *zap.SugaredLogger) *Machine {
	return &Machine{
		db:           conn,
		locks:        locks,
		planner:      planner,
		clock:        c,
		dedupeWindow: dedupeWindow,
		log:          log,
		tracer:       otel.Tracer(tracerName),
	}
}

// OnCommit registers fn to run after every committed transition.
func (m *Machine) OnCommit(fn func(slotID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onCommit = append(m.onCommit, fn)
}

// Get reads the current slot, including the version to pin in a Command.
func (m *Machine) Get(ctx context.Context, slotID string) (*slot.Slot, error) {
	return slot.NewStore(m.db).Get(ctx, slotID)
}

// Apply runs cmd and returns the slot's new status.
func (m *Machine) Apply(ctx context.Context, cmd Command) (slot.Status, error) {
	sl, err := m.Execute(ctx, cmd)
	if err != nil {
		return "", err
	}
	return sl.Status, nil
}

// Execute runs cmd and returns the slot as committed.
func (m *Machine) Execute(ctx context.Context, cmd Command) (*slot.Slot, error) {
	ctx, span := m.tracer.Start(ctx, "booking.Apply", trace.WithAttributes(
		attribute.String("slot.id", cmd.SlotID),
		attribute.String("booking.action", string(cmd.Action)),
		attribute.String("booking.actor", string(cmd.Actor)),
	))
	defer span.End()

	if err := cmd.Validate(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	var (
		result *slot.Slot
		from   slot.Status
	)
	err := db.WithTx(ctx, m.db, func(tx *sql.Tx) error {
		sl, err := slot.NewStore(tx).Get(ctx, cmd.SlotID)
		if err != nil {
			return err
		}
		if cmd.ExpectedVersion != 0 && cmd.ExpectedVersion != sl.Version {
			return errors.WithDetailf(
				errors.Wrapf(errors.ErrVersionConflict, "slot %s", sl.ID),
				"expected_version=%d current_version=%d", cmd.ExpectedVersion, sl.Version)
		}
		from = sl.Status

		result, err = m.transition(ctx, tx, cmd, sl)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.log.Debugw("Transition refused",
			logger.FieldSlotID, cmd.SlotID,
			logger.FieldAction, cmd.Action,
			logger.FieldActor, cmd.Actor,
			logger.FieldError, err.Error(),
		)
		return nil, err
	}

	span.SetAttributes(
		attribute.String("slot.from", string(from)),
		attribute.String("slot.to", string(result.Status)),
		attribute.Int64("slot.version", result.Version),
	)
	m.log.Infow("Slot transitioned",
		logger.FieldSlotID, result.ID,
		logger.FieldAction, cmd.Action,
		logger.FieldActor, cmd.Actor,
		logger.FieldFromStatus, from,
		logger.FieldToStatus, result.Status,
		logger.FieldVersion, result.Version,
	)
	m.notify(result.ID)
	return result, nil
}

func (m *Machine) notify(slotID string) {
	m.mu.RLock()
	hooks := append([]func(string){}, m.onCommit...)
	m.mu.RUnlock()
	for _, fn := range hooks {
		fn(slotID)
	}
}

func (m *Machine) transition(ctx context.Context, tx *sql.Tx, cmd Command, sl *slot.Slot) (*slot.Slot, error) {
	r := rules[cmd.Action]
	if cmd.Action == ActionReserve {
		// A held slot is a lock conflict, not an illegal action
		return m.reserve(ctx, tx, cmd, sl)
	}
	if cmd.Action == ActionApprove || cmd.Action == ActionReject {
		if err := m.checkHolder(ctx, tx, cmd, sl); err != nil {
			return nil, err
		}
	}
	if !r.allowedFrom(sl.Status) {
		return nil, errors.NewValidationError("cannot %s slot %s in status %s", cmd.Action, sl.ID, sl.Status)
	}
	if err := checkActor(cmd, sl); err != nil {
		return nil, err
	}

	switch cmd.Action {
	case ActionWithdraw:
		return m.toFree(ctx, tx, sl, nil)
	case ActionExtend:
		return m.extend(ctx, tx, cmd, sl)
	case ActionApprove:
		return m.approve(ctx, tx, sl)
	case ActionReject:
		return m.toFree(ctx, tx, sl, func(candidateID string) (string, outbox.Payload) {
			return outbox.CandidateRecipient(candidateID), outbox.RejectedPayload{
				SlotID:      sl.ID,
				CandidateID: candidateID,
				StartTime:   sl.StartTime,
				Reason:      cmd.Reason,
			}
		})
	case ActionUnapprove:
		return m.unapprove(ctx, tx, cmd, sl)
	case ActionConfirm:
		return m.confirm(ctx, tx, sl)
	case ActionDecline, ActionCancel:
		return m.cancel(ctx, tx, cmd, sl)
	case ActionReschedule:
		return m.reschedule(ctx, tx, cmd, sl)
	}
	return nil, errors.AssertionFailedf("unhandled action %s", cmd.Action)
}

// checkActor rejects an actor id that does not own its side of the slot.
func checkActor(cmd Command, sl *slot.Slot) error {
	if cmd.ActorID == "" {
		return nil
	}
	switch cmd.Actor {
	case ActorCandidate:
		if cmd.ActorID != sl.CandidateID {
			return errors.NewValidationError("candidate %s does not hold slot %s", cmd.ActorID, sl.ID)
		}
	case ActorRecruiter:
		if cmd.ActorID != sl.RecruiterID {
			return errors.NewValidationError("recruiter %s does not own slot %s", cmd.ActorID, sl.ID)
		}
	}
	return nil
}

// checkHolder refuses a decision on a hold that is gone. The candidate the
// recruiter names must still hold the slot; a slot that left pending because
// that hold (or, unnamed, the last hold) lapsed yields ErrLockExpired rather
// than an illegal-transition error.
func (m *Machine) checkHolder(ctx context.Context, tx *sql.Tx, cmd Command, sl *slot.Slot) error {
	if cmd.CandidateID != "" && sl.CandidateID != "" && cmd.CandidateID != sl.CandidateID {
		return errors.WithDetailf(
			errors.Wrapf(errors.ErrLockExpired, "candidate %s no longer holds slot %s", cmd.CandidateID, sl.ID),
			"holder=%s status=%s", sl.CandidateID, sl.Status)
	}
	if sl.Status == slot.StatusPending {
		return nil
	}

	ev, err := outbox.NewStore(tx).LastHoldEvent(ctx, sl.ID, cmd.CandidateID)
	if err != nil {
		return err
	}
	if ev != nil && ev.Kind == outbox.KindLockExpired {
		return errors.WithDetailf(
			errors.Wrapf(errors.ErrLockExpired, "reservation on slot %s lapsed", sl.ID),
			"expired_message=%s status=%s", ev.ID, sl.Status)
	}
	return nil
}

func (m *Machine) reserve(ctx context.Context, tx *sql.Tx, cmd Command, sl *slot.Slot) (*slot.Slot, error) {
	if sl.Status != slot.StatusFree {
		return nil, errors.Wrapf(errors.ErrLockConflict, "slot %s is %s", sl.ID, sl.Status)
	}
	held, err := m.locks.Acquire(ctx, tx, sl.ID, cmd.candidate(), cmd.holdFor())
	if err != nil {
		return nil, err
	}
	err = m.appendMessage(ctx, tx, held, outbox.RecruiterRecipient(held.RecruiterID), outbox.RequestedPayload{
		SlotID:      held.ID,
		RecruiterID: held.RecruiterID,
		CandidateID: held.CandidateID,
		StartTime:   held.StartTime,
		LockExpiry:  *held.LockExpiry,
	})
	return held, err
}

// extend pushes the holder's live lock out to now plus the requested hold.
func (m *Machine) extend(ctx context.Context, tx *sql.Tx, cmd Command, sl *slot.Slot) (*slot.Slot, error) {
	if cmd.CandidateID != "" && cmd.CandidateID != sl.CandidateID {
		return nil, errors.NewValidationError("candidate %s does not hold slot %s", cmd.CandidateID, sl.ID)
	}
	if _, err := m.locks.Renew(ctx, tx, sl.ID, sl.LockToken, cmd.holdFor()); err != nil {
		return nil, err
	}
	return slot.NewStore(tx).Get(ctx, sl.ID)
}

func (m *Machine) approve(ctx context.Context, tx *sql.Tx, sl *slot.Slot) (*slot.Slot, error) {
	if err := m.locks.PromoteToBooked(ctx, tx, sl); err != nil {
		return nil, err
	}
	if err := m.appendMessage(ctx, tx, sl, outbox.CandidateRecipient(sl.CandidateID), outbox.BookedPayload{
		SlotID:      sl.ID,
		RecruiterID: sl.RecruiterID,
		CandidateID: sl.CandidateID,
		CityID:      sl.CityID,
		StartTime:   sl.StartTime,
		Duration:    sl.Duration,
	}); err != nil {
		return nil, err
	}
	if _, err := m.planner.Schedule(ctx, tx, sl); err != nil {
		return nil, err
	}
	return sl, nil
}

// toFree returns a pending slot to the pool. notice, when set, builds the
// message for the candidate that lost the slot.
func (m *Machine) toFree(ctx context.Context, tx *sql.Tx, sl *slot.Slot, notice func(candidateID string) (string, outbox.Payload)) (*slot.Slot, error) {
	now := m.clock.Now()
	candidateID := sl.CandidateID
	expected := sl.Version
	sl.Free()
	if err := slot.NewStore(tx).Update(ctx, sl, expected, now); err != nil {
		return nil, err
	}
	if err := m.locks.Release(ctx, tx, sl.ID); err != nil {
		return nil, err
	}
	if _, err := outbox.NewStore(tx).SupersedeReminders(ctx, sl.ID, now); err != nil {
		return nil, err
	}
	if notice != nil {
		recipient, payload := notice(candidateID)
		if err := m.appendMessage(ctx, tx, sl, recipient, payload); err != nil {
			return nil, err
		}
	}
	return sl, nil
}

// unapprove puts a booked slot back to pending under a fresh lock for the
// same candidate, so the sweep lapses it if nobody decides.
func (m *Machine) unapprove(ctx context.Context, tx *sql.Tx, cmd Command, sl *slot.Slot) (*slot.Slot, error) {
	now := m.clock.Now()
	expected := sl.Version
	sl.Status = slot.StatusPending
	m.locks.Rehold(sl)
	if err := slot.NewStore(tx).Update(ctx, sl, expected, now); err != nil {
		return nil, err
	}
	if err := m.locks.SaveHold(ctx, tx, sl); err != nil {
		return nil, err
	}
	if _, err := m.planner.CancelForSlot(ctx, tx, sl.ID); err != nil {
		return nil, err
	}
	err := m.appendMessage(ctx, tx, sl, outbox.CandidateRecipient(sl.CandidateID), outbox.UnapprovedPayload{
		SlotID:      sl.ID,
		CandidateID: sl.CandidateID,
		StartTime:   sl.StartTime,
		Reason:      cmd.Reason,
	})
	return sl, err
}

func (m *Machine) confirm(ctx context.Context, tx *sql.Tx, sl *slot.Slot) (*slot.Slot, error) {
	expected := sl.Version
	sl.Status = slot.StatusConfirmed
	if err := slot.NewStore(tx).Update(ctx, sl, expected, m.clock.Now()); err != nil {
		return nil, err
	}
	err := m.appendMessage(ctx, tx, sl, outbox.RecruiterRecipient(sl.RecruiterID), outbox.ConfirmedPayload{
		SlotID:      sl.ID,
		RecruiterID: sl.RecruiterID,
		CandidateID: sl.CandidateID,
		StartTime:   sl.StartTime,
	})
	return sl, err
}

// cancel frees a booked or confirmed slot and tells the other side.
func (m *Machine) cancel(ctx context.Context, tx *sql.Tx, cmd Command, sl *slot.Slot) (*slot.Slot, error) {
	if _, err := m.planner.CancelForSlot(ctx, tx, sl.ID); err != nil {
		return nil, err
	}
	recruiterID := sl.RecruiterID
	return m.toFree(ctx, tx, sl, func(candidateID string) (string, outbox.Payload) {
		recipient := outbox.CandidateRecipient(candidateID)
		if cmd.Actor == ActorCandidate {
			recipient = outbox.RecruiterRecipient(recruiterID)
		}
		return recipient, outbox.CanceledPayload{
			SlotID:      sl.ID,
			CandidateID: candidateID,
			RecruiterID: recruiterID,
			CanceledBy:  string(cmd.Actor),
			StartTime:   sl.StartTime,
			Reason:      cmd.Reason,
		}
	})
}

func (m *Machine) reschedule(ctx context.Context, tx *sql.Tx, cmd Command, sl *slot.Slot) (*slot.Slot, error) {
	now := m.clock.Now()
	newStart := cmd.NewStartTime.UTC().Truncate(time.Millisecond)
	if !newStart.After(now) {
		return nil, errors.NewValidationError("new start time %s is not in the future", newStart.Format(time.RFC3339))
	}
	if newStart.Equal(sl.StartTime) {
		return nil, errors.NewValidationError("slot %s already starts at %s", sl.ID, newStart.Format(time.RFC3339))
	}

	oldStart := sl.StartTime
	expected := sl.Version
	sl.StartTime = newStart
	if err := slot.NewStore(tx).Update(ctx, sl, expected, now); err != nil {
		return nil, err
	}
	if _, err := m.planner.Replace(ctx, tx, sl); err != nil {
		return nil, err
	}
	err := m.appendMessage(ctx, tx, sl, outbox.CandidateRecipient(sl.CandidateID), outbox.RescheduledPayload{
		SlotID:       sl.ID,
		CandidateID:  sl.CandidateID,
		OldStartTime: oldStart,
		NewStartTime: newStart,
		Reason:       cmd.Reason,
	})
	return sl, err
}

// appendMessage enqueues payload for recipient, keyed to sl's current version.
func (m *Machine) appendMessage(ctx context.Context, q db.Querier, sl *slot.Slot, recipient string, payload outbox.Payload) error {
	msg, err := outbox.NewMessage(sl.ID, sl.Version, recipient, payload, m.clock.Now(), m.dedupeWindow)
	if err != nil {
		return err
	}
	return outbox.NewStore(q).Append(ctx, msg)
}
