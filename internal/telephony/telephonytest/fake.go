// Package telephonytest provides an in-memory telephony.Client for tests.
package telephonytest

import (
	"context"
	"fmt"
	"sync"

	"call_recovery_backend/internal/telephony"
)

// Fake records every call and serves state from maps. Errors can be
// injected per operation name ("CreateTask", "UpdateTask", ...).
type Fake struct {
	mu sync.Mutex

	Tasks        map[string]telephony.Task
	Conferences  map[string]string
	Participants map[string][]telephony.Participant
	CallStatus   map[string]string

	Created    []telephony.CreateTaskRequest
	Updates    map[string][]telephony.TaskUpdate
	Announced  []string
	EndOnExit  []EndOnExitCall
	Ended      []string
	Moves      []telephony.ConferenceMove
	Enqueued   []telephony.ReconnectEnqueue
	Errors     map[string]error
	FailCounts map[string]int
	counter    int
}

// EndOnExitCall is a recorded SetEndConferenceOnExit call.
type EndOnExitCall struct {
	ConferenceSID string
	CallSID       string
	EndOnExit     bool
}

var _ telephony.Client = (*Fake)(nil)

// New returns an empty fake.
func New() *Fake {
	return &Fake{
		Tasks:        map[string]telephony.Task{},
		Conferences:  map[string]string{},
		Participants: map[string][]telephony.Participant{},
		CallStatus:   map[string]string{},
		Updates:      map[string][]telephony.TaskUpdate{},
		Errors:       map[string]error{},
		FailCounts:   map[string]int{},
	}
}

// Fail makes the next n calls of op fail with err. n <= 0 fails forever.
func (f *Fake) Fail(op string, err error, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Errors[op] = err
	f.FailCounts[op] = n
}

func (f *Fake) injected(op string) error {
	err, ok := f.Errors[op]
	if !ok {
		return nil
	}
	if n := f.FailCounts[op]; n > 0 {
		if n == 1 {
			delete(f.Errors, op)
			delete(f.FailCounts, op)
		} else {
			f.FailCounts[op] = n - 1
		}
	}
	return err
}

func (f *Fake) CreateTask(_ context.Context, req telephony.CreateTaskRequest) (telephony.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.injected("CreateTask"); err != nil {
		return telephony.Task{}, err
	}
	f.counter++
	task := telephony.Task{
		SID:              fmt.Sprintf("WTfake%028d", f.counter),
		WorkflowSID:      req.WorkflowSID,
		AssignmentStatus: telephony.TaskPending,
		Attributes:       req.Attributes.Clone(),
	}
	f.Tasks[task.SID] = task
	f.Created = append(f.Created, req)
	return task, nil
}

func (f *Fake) UpdateTask(_ context.Context, taskSID string, update telephony.TaskUpdate) (telephony.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.injected("UpdateTask"); err != nil {
		return telephony.Task{}, err
	}
	task, ok := f.Tasks[taskSID]
	if !ok {
		return telephony.Task{}, telephony.ErrNotFound
	}
	if update.AssignmentStatus == telephony.TaskCompleted && task.AssignmentStatus == telephony.TaskCompleted {
		return telephony.Task{}, fmt.Errorf("task %s already completed", taskSID)
	}
	if update.Attributes != nil {
		task.Attributes = update.Attributes.Clone()
	}
	if update.AssignmentStatus != "" {
		task.AssignmentStatus = update.AssignmentStatus
	}
	f.Tasks[taskSID] = task
	f.Updates[taskSID] = append(f.Updates[taskSID], update)
	return task, nil
}

func (f *Fake) GetTask(_ context.Context, taskSID string) (telephony.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.injected("GetTask"); err != nil {
		return telephony.Task{}, err
	}
	task, ok := f.Tasks[taskSID]
	if !ok {
		return telephony.Task{}, telephony.ErrNotFound
	}
	task.Attributes = task.Attributes.Clone()
	return task, nil
}

func (f *Fake) FetchConferenceStatus(_ context.Context, conferenceSID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.injected("FetchConferenceStatus"); err != nil {
		return "", err
	}
	status, ok := f.Conferences[conferenceSID]
	if !ok {
		return "", telephony.ErrNotFound
	}
	return status, nil
}

func (f *Fake) SetEndConferenceOnExit(_ context.Context, conferenceSID, callSID string, endOnExit bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.injected("SetEndConferenceOnExit"); err != nil {
		return err
	}
	f.EndOnExit = append(f.EndOnExit, EndOnExitCall{conferenceSID, callSID, endOnExit})
	return nil
}

func (f *Fake) Announce(_ context.Context, conferenceSID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.injected("Announce"); err != nil {
		return err
	}
	f.Announced = append(f.Announced, conferenceSID)
	return nil
}

func (f *Fake) ListParticipants(_ context.Context, conferenceSID string) ([]telephony.Participant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.injected("ListParticipants"); err != nil {
		return nil, err
	}
	return append([]telephony.Participant(nil), f.Participants[conferenceSID]...), nil
}

func (f *Fake) EndConference(_ context.Context, conferenceSID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.injected("EndConference"); err != nil {
		return err
	}
	f.Ended = append(f.Ended, conferenceSID)
	f.Conferences[conferenceSID] = telephony.ConferenceCompleted
	return nil
}

func (f *Fake) FetchCallStatus(_ context.Context, callSID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.injected("FetchCallStatus"); err != nil {
		return "", err
	}
	status, ok := f.CallStatus[callSID]
	if !ok {
		return "", telephony.ErrNotFound
	}
	return status, nil
}

func (f *Fake) RedirectToConference(_ context.Context, move telephony.ConferenceMove) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.injected("RedirectToConference"); err != nil {
		return err
	}
	f.Moves = append(f.Moves, move)
	return nil
}

func (f *Fake) EnqueueReconnect(_ context.Context, req telephony.ReconnectEnqueue) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.injected("EnqueueReconnect"); err != nil {
		return err
	}
	req.Attributes = req.Attributes.Clone()
	f.Enqueued = append(f.Enqueued, req)
	return nil
}

// Snapshot helpers take the lock so tests can read while handlers run.

// CreatedCount returns how many tasks were created.
func (f *Fake) CreatedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Created)
}

// EnqueuedCount returns how many reconnect enqueues happened.
func (f *Fake) EnqueuedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Enqueued)
}

// Task returns a copy of the stored task.
func (f *Fake) Task(sid string) telephony.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Tasks[sid]
}

// Completions counts updates that moved the task to completed.
func (f *Fake) Completions(sid string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, u := range f.Updates[sid] {
		if u.AssignmentStatus == telephony.TaskCompleted {
			n++
		}
	}
	return n
}
