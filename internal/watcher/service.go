// Package watcher mirrors each worker's reservations on the server and
// tells the agent UI when to block on the reconnect dialog, when to accept
// a task and when to let go again.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"call_recovery_backend/internal/conference"
	"call_recovery_backend/internal/conferencestate"
	"call_recovery_backend/internal/events"
	"call_recovery_backend/internal/reconnect"
	"call_recovery_backend/internal/telephony"
	"call_recovery_backend/internal/watcher/sse"
	"call_recovery_backend/platform/apperr"
	"call_recovery_backend/platform/config"
	"call_recovery_backend/platform/logger"

	"github.com/sethvargo/go-retry"
)

// Reservation lifecycle events reported by the agent UI. Replayed is sent
// for every reservation still present when the UI starts.
const (
	ReservationCreated   = "created"
	ReservationReplayed  = "replayed"
	ReservationAccepted  = "accepted"
	ReservationTimeout   = "timeout"
	ReservationCanceled  = "canceled"
	ReservationRescinded = "rescinded"
	ReservationCompleted = "completed"
)

const (
	msgDisconnected = "Disconnected from vehicle."
	msgReconnecting = "Reconnecting you now..."
	msgAwaiting     = "Awaiting reconnection..."
	msgReconnected  = "Reconnected with vehicle!"

	defaultWaitInterval = 100 * time.Millisecond
)

var errParticipantsMissing = errors.New("conference participants not joined")

// Reservation is one lifecycle event of a reservation offered to the worker.
type Reservation struct {
	Event            string
	ReservationSID   string
	TaskSID          string
	TaskChannel      string
	WorkflowSID      string
	AssignmentStatus string
	Attributes       telephony.Attributes
	ConferenceSID    string
	WorkerCallSID    string
}

// Worker is the agent the reservation belongs to.
type Worker struct {
	SID  string
	Name string
}

// ConferenceRegistry reads and writes conference state.
type ConferenceRegistry interface {
	Register(ctx context.Context, reg conference.Registration) (*conferencestate.Record, error)
	Get(ctx context.Context, conferenceSID string) (*conferencestate.Record, error)
}

// Merger moves parked participants into the reconnect conference.
type Merger interface {
	Merge(ctx context.Context, fromConferenceSID, toConferenceName string) (reconnect.MergeResult, error)
}

// Commander delivers commands to a worker's UI sessions.
type Commander interface {
	Publish(workerSID string, cmd sse.Command)
}

// Service runs the per-worker watcher state machines.
type Service struct {
	registry    ConferenceRegistry
	conferences telephony.Conferences
	merger      Merger
	commands    Commander
	cfg         config.RecoveryConfig
	log         *logger.Logger
	now         func() time.Time
	afterFunc   func(time.Duration, func())

	mu       sync.Mutex
	sessions map[string]*session
}

// NewService creates a watcher service.
func NewService(registry ConferenceRegistry, conferences telephony.Conferences, merger Merger, commands Commander, cfg config.RecoveryConfig, log *logger.Logger) *Service {
	return &Service{
		registry:    registry,
		conferences: conferences,
		merger:      merger,
		commands:    commands,
		cfg:         cfg,
		log:         log,
		now:         time.Now,
		afterFunc:   func(d time.Duration, f func()) { time.AfterFunc(d, f) },
		sessions:    make(map[string]*session),
	}
}

// SetClock overrides the time source.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// HandleReservation applies one reservation event and returns the state
// the reservation ended up in.
func (s *Service) HandleReservation(ctx context.Context, w Worker, r Reservation) (State, error) {
	switch r.Event {
	case ReservationCreated, ReservationReplayed:
		return s.evaluate(ctx, w, r, true), nil
	case ReservationAccepted:
		return s.accepted(ctx, w, r)
	case ReservationTimeout, ReservationCanceled, ReservationRescinded, ReservationCompleted:
		return s.finished(w, r), nil
	default:
		return "", apperr.Validation("unknown reservation event").WithOp("watcher.HandleReservation")
	}
}

// evaluate classifies a new reservation. Duplicates keep their state.
func (s *Service) evaluate(ctx context.Context, w Worker, r Reservation, sendAccept bool) State {
	s.mu.Lock()
	sess := s.session(w.SID)
	if !sess.advance(r.TaskSID, StateEvaluating) {
		st := sess.state(r.TaskSID)
		s.mu.Unlock()
		return st
	}
	sess.tasks[r.TaskSID].reservationSID = r.ReservationSID
	s.mu.Unlock()

	log := s.log.WithContext(ctx)

	switch {
	case s.isPing(r):
		if !s.transition(w.SID, r.TaskSID, StatePingFlow) {
			return s.stateOf(w.SID, r.TaskSID)
		}
		log.Info("recovery ping reserved", "workerSid", w.SID, "taskSid", r.TaskSID)
		if sendAccept {
			s.acceptTask(w.SID, r)
		}
		s.showDialog(w.SID, msgDisconnected, msgReconnecting)
		return StatePingFlow

	case r.TaskChannel == telephony.VoiceChannel && r.AssignmentStatus == telephony.TaskWrapping:
		if !s.transition(w.SID, r.TaskSID, StateWrapupVerification) {
			return s.stateOf(w.SID, r.TaskSID)
		}
		return s.verifyWrapup(ctx, w, r)

	case r.TaskChannel == telephony.VoiceChannel && r.Attributes.Bool(telephony.AttrIsReconnect):
		if !s.transition(w.SID, r.TaskSID, StateReconnectFlow) {
			return s.stateOf(w.SID, r.TaskSID)
		}
		log.Info("reconnect task reserved", "workerSid", w.SID, "taskSid", r.TaskSID)
		if sendAccept && s.cfg.GetReconnectAutoAccept() && r.Attributes.String(telephony.AttrDisconnectedWorkerSID) == w.SID {
			s.acceptTask(w.SID, r)
		}
		return StateReconnectFlow

	default:
		s.transition(w.SID, r.TaskSID, StateResolved)
		return s.stateOf(w.SID, r.TaskSID)
	}
}

// verifyWrapup decides whether a wrapping call was left by a non-graceful
// disconnect of this worker that recovery may still be working on.
func (s *Service) verifyWrapup(ctx context.Context, w Worker, r Reservation) State {
	log := s.log.WithContext(ctx)
	resolve := func(reason string) State {
		log.Debug("wrapup needs no reconnect", "workerSid", w.SID, "taskSid", r.TaskSID, "reason", reason)
		s.transition(w.SID, r.TaskSID, StateResolved)
		return s.stateOf(w.SID, r.TaskSID)
	}

	conferenceSID := conferenceOf(r)
	if conferenceSID == "" {
		return resolve("no conference")
	}

	rec, err := s.registry.Get(ctx, conferenceSID)
	if apperr.Is(err, apperr.KindNotFound) {
		return resolve("no conference state")
	}
	if err != nil {
		log.Warn("conference state unavailable, not blocking worker", "conferenceSid", conferenceSID, "error", err)
		return resolve("state unavailable")
	}
	if rec.IsGraceful(w.SID) {
		return resolve("graceful hangup")
	}
	if rec.Disconnect == nil || rec.Disconnect.WorkerSID != w.SID {
		return resolve("no disconnect recorded for worker")
	}
	if age := rec.DisconnectAge(s.now()); age > s.cfg.GetReconnectFreshnessWindow() {
		return resolve("disconnect too old")
	}

	if !s.transition(w.SID, r.TaskSID, StateAwaitingReconnect) {
		return s.stateOf(w.SID, r.TaskSID)
	}
	log.Info("awaiting reconnect", "workerSid", w.SID, "taskSid", r.TaskSID, "conferenceSid", conferenceSID)
	s.showDialog(w.SID, msgDisconnected, msgAwaiting)
	return StateAwaitingReconnect
}

// accepted registers the worker on the call's conference once both legs
// joined, and finishes the recovery UI for reconnect tasks.
func (s *Service) accepted(ctx context.Context, w Worker, r Reservation) (State, error) {
	if s.stateOf(w.SID, r.TaskSID) == StateIdle {
		s.evaluate(ctx, w, r, false)
	}
	if s.isPing(r) || r.TaskChannel != telephony.VoiceChannel {
		return s.stateOf(w.SID, r.TaskSID), nil
	}

	log := s.log.WithContext(ctx)
	conferenceSID := conferenceOf(r)

	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.GetParticipantWaitMax())
	defer cancel()
	s.setCancel(w.SID, r.TaskSID, cancel)
	defer s.setCancel(w.SID, r.TaskSID, nil)

	legs, ok := s.waitForParticipants(waitCtx, conferenceSID, r)
	if !ok {
		log.Warn("conference participants not joined, not tracking task", "workerSid", w.SID, "taskSid", r.TaskSID, "conferenceSid", conferenceSID)
		return s.stateOf(w.SID, r.TaskSID), nil
	}

	raw, err := r.Attributes.JSON()
	if err != nil {
		return "", apperr.BadRequest("invalid task attributes").WithOp("watcher.accepted")
	}
	_, err = s.registry.Register(ctx, conference.Registration{
		ConferenceSID:  conferenceSID,
		TaskSID:        r.TaskSID,
		WorkflowSID:    r.WorkflowSID,
		TaskAttributes: raw,
		CustomerLegSID: legs.customer,
		WorkerSID:      w.SID,
		WorkerLegSID:   legs.worker,
		WorkerName:     w.Name,
	})
	if err != nil {
		return "", err
	}

	// The UI sets endConferenceOnExit once two participants are present;
	// flip it back so the customer survives a dropped worker.
	if err := s.conferences.SetEndConferenceOnExit(ctx, conferenceSID, legs.worker, false); err != nil {
		log.Warn("failed to reset endConferenceOnExit", "conferenceSid", conferenceSID, "callSid", legs.worker, "error", err)
	}

	if r.Attributes.Bool(telephony.AttrIsReconnect) {
		s.reconnected(ctx, w, r)
	}
	return s.stateOf(w.SID, r.TaskSID), nil
}

// reconnected tells the worker the call is back, brings the remaining
// participants over and closes the dialog after a short grace.
func (s *Service) reconnected(ctx context.Context, w Worker, r Reservation) {
	log := s.log.WithContext(ctx)

	detail := ""
	if dropped := r.Attributes.String(telephony.AttrDisconnectedWorkerSID); dropped != w.SID {
		detail = fmt.Sprintf("%s dropped %s ago", r.Attributes.String(telephony.AttrDisconnectedWorkerName), formatElapsed(s.elapsedSinceDisconnect(r)))
	}
	s.mu.Lock()
	delete(s.session(w.SID).expecting, r.Attributes.String(telephony.AttrDisconnectedTaskSID))
	s.mu.Unlock()

	generation := s.showDialog(w.SID, msgReconnected, detail)
	s.afterFunc(s.cfg.GetReconnectDialogGrace(), func() {
		s.closeDialogGeneration(w.SID, generation)
	})

	// The reconnect conference is named after the reconnect task.
	if from := r.Attributes.String(telephony.AttrDisconnectedConferenceSID); from != "" {
		if _, err := s.merger.Merge(ctx, from, r.TaskSID); err != nil {
			log.Warn("participant merge incomplete", "fromConferenceSid", from, "taskSid", r.TaskSID, "error", err)
		}
	}

	s.commands.Publish(w.SID, sse.Command{Type: sse.CommandSelectTask, ReservationSID: r.ReservationSID, TaskSID: r.TaskSID})
	s.transition(w.SID, r.TaskSID, StateResolved)
	log.Info("reconnect completed", "workerSid", w.SID, "taskSid", r.TaskSID)
}

// finished forgets the reservation. A worker waiting on a reconnect that
// will not come back to them gets the dialog closed, as does a worker whose
// ping timed out or was canceled.
func (s *Service) finished(w Worker, r Reservation) State {
	s.mu.Lock()
	sess := s.session(w.SID)
	e, ok := sess.tasks[r.TaskSID]
	if !ok {
		s.mu.Unlock()
		return StateResolved
	}
	if e.cancelWait != nil {
		e.cancelWait()
	}
	var closeDialog bool
	switch e.state {
	case StateAwaitingReconnect:
		closeDialog = !r.Attributes.Bool(telephony.AttrWasPingSuccessful)
		delete(sess.tasks, r.TaskSID)
	case StatePingFlow:
		// A ping that ends without being answered sends the customer back
		// to the queue; nothing will come back to this worker for it.
		delete(sess.tasks, r.TaskSID)
		closeDialog = r.Event != ReservationCompleted && !sess.blocked()
	default:
		delete(sess.tasks, r.TaskSID)
	}
	s.mu.Unlock()

	if closeDialog {
		s.closeDialogGeneration(w.SID, 0)
	}
	return StateResolved
}

// RegisterHandlers subscribes the watcher to recovery events.
func (s *Service) RegisterHandlers(bus events.Subscriber) {
	bus.Subscribe(events.ReconnectAborted{}.EventName(), s)
	bus.Subscribe(events.PingResolved{}.EventName(), s)
	bus.Subscribe(events.OriginalTaskCompleted{}.EventName(), s)
}

// Handle implements events.Handler.
func (s *Service) Handle(ctx context.Context, event events.Event) error {
	switch e := event.(type) {
	case events.ReconnectAborted:
		s.reconnectAborted(ctx, e)
	case events.PingResolved:
		s.pingResolved(ctx, e)
	case events.OriginalTaskCompleted:
		s.originalCompleted(ctx, e)
	default:
		s.log.Warn("unhandled event type", "event", event.EventName())
	}
	return nil
}

// reconnectAborted releases a worker still blocked on a recovery that
// gave up, e.g. because the customer hung up.
func (s *Service) reconnectAborted(ctx context.Context, e events.ReconnectAborted) {
	s.mu.Lock()
	sess, ok := s.sessions[e.WorkerSID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(sess.expecting, e.DisconnectedTaskSID)
	released := false
	for taskSID, en := range sess.tasks {
		waiting := en.state == StatePingFlow || (en.state == StateAwaitingReconnect && taskSID == e.DisconnectedTaskSID)
		if waiting && sess.advance(taskSID, StateResolved) {
			released = true
		}
	}
	s.mu.Unlock()

	if released {
		s.log.WithContext(ctx).Info("recovery aborted, releasing worker", "workerSid", e.WorkerSID, "taskSid", e.DisconnectedTaskSID, "reason", e.Reason)
		s.closeDialogGeneration(e.WorkerSID, 0)
	}
}

// pingResolved tracks where the reconnect goes. An accepted ping keeps the
// worker waiting for it; a declined one releases the ping reservation and,
// with nothing else pending, the dialog.
func (s *Service) pingResolved(ctx context.Context, e events.PingResolved) {
	s.mu.Lock()
	sess, ok := s.sessions[e.WorkerSID]
	if !ok {
		s.mu.Unlock()
		return
	}
	if e.Accepted {
		sess.expecting[e.DisconnectedTaskSID] = true
		s.mu.Unlock()
		return
	}
	if _, tracked := sess.tasks[e.PingTaskSID]; tracked {
		sess.advance(e.PingTaskSID, StateResolved)
	}
	release := sess.dialog != nil && !sess.blocked()
	s.mu.Unlock()

	if release {
		s.log.WithContext(ctx).Info("ping not answered, releasing worker", "workerSid", e.WorkerSID, "taskSid", e.DisconnectedTaskSID, "pingTaskSid", e.PingTaskSID)
		s.closeDialogGeneration(e.WorkerSID, 0)
	}
}

// originalCompleted resolves a worker still awaiting a reconnect for a
// stranded task that was just completed, unless the reconnect is routed
// back to them.
func (s *Service) originalCompleted(ctx context.Context, e events.OriginalTaskCompleted) {
	var released []string

	s.mu.Lock()
	for workerSID, sess := range s.sessions {
		en, ok := sess.tasks[e.DisconnectedTaskSID]
		if !ok || en.state != StateAwaitingReconnect || sess.expecting[e.DisconnectedTaskSID] {
			continue
		}
		sess.advance(e.DisconnectedTaskSID, StateResolved)
		if sess.dialog != nil && !sess.blocked() {
			released = append(released, workerSID)
		}
	}
	s.mu.Unlock()

	for _, workerSID := range released {
		s.log.WithContext(ctx).Info("stranded task completed, releasing worker", "workerSid", workerSID, "taskSid", e.DisconnectedTaskSID)
		s.closeDialogGeneration(workerSID, 0)
	}
}

// Snapshot returns the commands that bring a freshly connected UI up to
// date.
func (s *Service) Snapshot(workerSID string) []sse.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[workerSID]
	if !ok || sess.dialog == nil {
		return nil
	}
	return []sse.Command{{Type: sse.CommandDialogShow, Message: sess.dialog.message, Detail: sess.dialog.detail}}
}

// State returns the watcher state of a worker's task.
func (s *Service) State(workerSID, taskSID string) State {
	return s.stateOf(workerSID, taskSID)
}

func (s *Service) session(workerSID string) *session {
	sess, ok := s.sessions[workerSID]
	if !ok {
		sess = newSession()
		s.sessions[workerSID] = sess
	}
	return sess
}

func (s *Service) transition(workerSID, taskSID string, to State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session(workerSID).advance(taskSID, to)
}

func (s *Service) stateOf(workerSID, taskSID string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[workerSID]
	if !ok {
		return StateIdle
	}
	return sess.state(taskSID)
}

func (s *Service) setCancel(workerSID, taskSID string, cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.session(workerSID).tasks[taskSID]; ok {
		e.cancelWait = cancel
	}
}

// showDialog opens or updates the worker's dialog and returns its
// generation. Commands are published under the lock to keep their order.
func (s *Service) showDialog(workerSID, message, detail string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.session(workerSID)
	cmdType := sse.CommandDialogShow
	if sess.dialog != nil {
		cmdType = sse.CommandDialogUpdate
	}
	sess.generation++
	sess.dialog = &dialog{message: message, detail: detail, generation: sess.generation}
	s.commands.Publish(workerSID, sse.Command{Type: cmdType, Message: message, Detail: detail})
	return sess.generation
}

// closeDialogGeneration closes the dialog unless a newer one replaced the
// given generation. Zero closes whatever is open.
func (s *Service) closeDialogGeneration(workerSID string, generation uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[workerSID]
	if !ok || sess.dialog == nil {
		return
	}
	if generation != 0 && sess.dialog.generation != generation {
		return
	}
	sess.dialog = nil
	s.commands.Publish(workerSID, sse.Command{Type: sse.CommandDialogClose})
}

func (s *Service) acceptTask(workerSID string, r Reservation) {
	s.commands.Publish(workerSID, sse.Command{Type: sse.CommandAcceptTask, ReservationSID: r.ReservationSID, TaskSID: r.TaskSID})
}

func (s *Service) isPing(r Reservation) bool {
	ping := s.cfg.GetRecoveryPingWorkflowSID()
	return ping != "" && r.WorkflowSID == ping
}

type legs struct {
	customer string
	worker   string
}

// waitForParticipants polls the conference until the customer and this
// worker's leg are both in it, the wait budget runs out or ctx ends.
func (s *Service) waitForParticipants(ctx context.Context, conferenceSID string, r Reservation) (legs, bool) {
	if conferenceSID == "" {
		return legs{}, false
	}
	interval := s.cfg.GetParticipantWaitInterval()
	if interval <= 0 {
		interval = defaultWaitInterval
	}
	backoff := retry.WithMaxDuration(s.cfg.GetParticipantWaitMax(), retry.NewConstant(interval))

	var found legs
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		participants, err := s.conferences.ListParticipants(ctx, conferenceSID)
		if err != nil {
			if !errors.Is(err, telephony.ErrNotFound) && ctx.Err() == nil {
				s.log.WithContext(ctx).Debug("participant poll failed", "conferenceSid", conferenceSID, "error", err)
			}
			return retry.RetryableError(err)
		}
		matched, ok := matchParticipants(participants, r)
		if !ok {
			return retry.RetryableError(errParticipantsMissing)
		}
		found = matched
		return nil
	})
	if err != nil {
		return legs{}, false
	}
	return found, true
}

// matchParticipants picks the customer by call SID or label, and the
// worker by the reported leg or as the only other participant.
func matchParticipants(participants []telephony.Participant, r Reservation) (legs, bool) {
	customerLeg := r.Attributes.String(telephony.AttrCallSID)

	var (
		found  legs
		others []string
	)
	for _, p := range participants {
		switch {
		case p.CallSID == customerLeg || p.Label == string(conference.RoleCustomer):
			found.customer = p.CallSID
		case r.WorkerCallSID != "":
			if p.CallSID == r.WorkerCallSID {
				found.worker = p.CallSID
			}
		default:
			others = append(others, p.CallSID)
		}
	}
	if found.worker == "" && len(others) == 1 {
		found.worker = others[0]
	}
	return found, found.customer != "" && found.worker != ""
}

func conferenceOf(r Reservation) string {
	if r.ConferenceSID != "" {
		return r.ConferenceSID
	}
	return r.Attributes.NestedString(telephony.AttrConference, "sid")
}

func (s *Service) elapsedSinceDisconnect(r Reservation) time.Duration {
	at, err := time.Parse(time.RFC3339, r.Attributes.String(telephony.AttrDisconnectedTime))
	if err != nil {
		return 0
	}
	if d := s.now().Sub(at); d > 0 {
		return d
	}
	return 0
}

// formatElapsed renders a duration the way the agent UI shows timers.
func formatElapsed(d time.Duration) string {
	d = d.Round(time.Second)
	h := int(d / time.Hour)
	m := int(d % time.Hour / time.Minute)
	sec := int(d % time.Minute / time.Second)
	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm", h, m)
	case m > 0:
		return fmt.Sprintf("%dm %ds", m, sec)
	default:
		return fmt.Sprintf("%ds", sec)
	}
}
