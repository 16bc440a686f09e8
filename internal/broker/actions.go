package broker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/fentz26/xqserver/internal/engine"
)

// ActionRetention is how long a terminated action stays visible.
const ActionRetention = 10 * time.Minute

// ActionKind tags the variants of long actions.
type ActionKind int

const (
	ActionBackupOne ActionKind = iota
	ActionBackupAll
	ActionReindex
)

func (k ActionKind) String() string {
	switch k {
	case ActionBackupOne:
		return "backup"
	case ActionBackupAll:
		return "backup-all"
	case ActionReindex:
		return "reindex"
	}
	return fmt.Sprintf("ActionKind(%d)", int(k))
}

// Action states reported by ActionInfo.
const (
	StateRunning  = "running"
	StateFinished = "finished"
	StateAborted  = "aborted"
)

// Action is a long administrative operation running on its own goroutine.
// It receives the engine progress callbacks of its session directly.
type Action struct {
	id       string
	kind     ActionKind
	broker   *Broker
	session  engine.Library
	location string
	cancel   context.CancelFunc

	mu       sync.Mutex
	label    string
	start    time.Time
	end      time.Time
	fraction float64
	err      error
}

// ActionInfo is a snapshot of an action.
type ActionInfo struct {
	ID       string    `json:"id"`
	Kind     string    `json:"kind"`
	Label    string    `json:"label"`
	Library  string    `json:"library,omitempty"`
	Location string    `json:"location,omitempty"`
	State    string    `json:"state"`
	Fraction float64   `json:"fraction"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// ID returns the action identifier.
func (a *Action) ID() string { return a.id }

// Info returns a snapshot of the action.
func (a *Action) Info() ActionInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	info := ActionInfo{
		ID:       a.id,
		Kind:     a.kind.String(),
		Label:    a.label,
		Location: a.location,
		State:    StateRunning,
		Fraction: a.fraction,
		Start:    a.start,
		End:      a.end,
	}
	if a.session != nil {
		info.Library = a.session.Name()
	}
	if !a.end.IsZero() {
		info.State = StateFinished
		if a.err != nil {
			info.State = StateAborted
			info.Error = a.err.Error()
		}
	}
	return info
}

// Progress renders the progress text: the label and the fraction with three
// decimals, or the label, the error and its stack after an abort.
func (a *Action) Progress() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return fmt.Sprintf("%s\nerror %v\n%s\n", a.label, a.err, stackOf(a.err))
	}
	return fmt.Sprintf("%s\n%.3f\n", a.label, a.fraction)
}

// maxRunningFraction caps the progress of a running action: 1.000 is only
// reported once it has terminated.
const maxRunningFraction = 0.999

// setFraction records progress. The fraction never decreases and is
// frozen once the action has terminated.
func (a *Action) setFraction(f float64) {
	if f > maxRunningFraction {
		f = maxRunningFraction
	}
	a.mu.Lock()
	if a.end.IsZero() && f > a.fraction {
		a.fraction = f
	}
	a.mu.Unlock()
}

func (a *Action) setLabel(label string) {
	a.mu.Lock()
	a.label = label
	a.mu.Unlock()
}

func (a *Action) terminated() (time.Time, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.end, !a.end.IsZero()
}

func (a *Action) BackupProgress(f float64)       { a.setFraction(f) }
func (a *Action) ReindexingProgress(f float64)   { a.setFraction(f) }
func (a *Action) OptimizationProgress(f float64) { a.setFraction(f) }
func (a *Action) ImportProgress(float64)         {}
func (a *Action) CommitProgress(float64)         {}

// scaledProgress maps the backup progress of library i out of n into the
// overall fraction of a backup-all action.
type scaledProgress struct {
	*Action
	i, n int
}

func (s scaledProgress) BackupProgress(f float64) {
	s.setFraction((float64(s.i) + f) / float64(s.n))
}

func (a *Action) run(ctx context.Context) {
	defer a.cancel()
	b := a.broker

	err := a.execute(ctx)
	if a.session != nil {
		b.Release(context.WithoutCancel(ctx), a.session)
	}

	a.mu.Lock()
	a.end = b.actions.now()
	a.fraction = 1
	if err != nil {
		a.err = err
	}
	a.mu.Unlock()

	info := a.Info()
	if err != nil {
		b.logger.Error("action.aborted", "id", a.id, "label", info.Label, "error", err)
	} else {
		b.logger.Info("action.finished", "id", a.id, "label", info.Label,
			"duration", info.End.Sub(info.Start).Round(time.Millisecond))
	}
	if b.hooks.ActionEnded != nil {
		b.hooks.ActionEnded(info)
	}
}

// execute dispatches on the action kind. A panic is turned into an error.
func (a *Action) execute(ctx context.Context) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.Errorf("panic: %v", p)
		}
	}()

	switch a.kind {
	case ActionBackupOne:
		a.session.SetProgressObserver(a)
		err = a.session.Backup(ctx, a.location)
	case ActionReindex:
		a.session.SetProgressObserver(a)
		err = a.session.ReIndex(ctx)
	case ActionBackupAll:
		err = a.backupAll(ctx)
	default:
		err = errors.Errorf("unknown action kind %d", int(a.kind))
	}
	if err != nil && !hasStack(err) {
		err = errors.WithStack(err)
	}
	return err
}

func (a *Action) backupAll(ctx context.Context) error {
	group, err := a.broker.RequireEngine()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(a.location, 0755); err != nil {
		return errors.Wrap(err, "create backup directory")
	}
	names, err := group.ListLibraries(ctx)
	if err != nil {
		return errors.Wrap(err, "list libraries")
	}
	for i, name := range names {
		if err := ctx.Err(); err != nil {
			return errors.WithStack(err)
		}
		a.setLabel("backup " + name)
		lib, err := a.broker.openSession(ctx, group, name)
		if err != nil {
			return errors.Wrapf(err, "open library %s", name)
		}
		lib.SetProgressObserver(scaledProgress{Action: a, i: i, n: len(names)})
		err = lib.Backup(ctx, filepath.Join(a.location, name))
		a.broker.Release(ctx, lib)
		if err != nil {
			return errors.Wrapf(err, "backup library %s", name)
		}
		a.setFraction(float64(i+1) / float64(len(names)))
	}
	return nil
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

func hasStack(err error) bool {
	var st stackTracer
	return errors.As(err, &st)
}

func stackOf(err error) string {
	var st stackTracer
	if !errors.As(err, &st) {
		return ""
	}
	return strings.TrimPrefix(fmt.Sprintf("%+v", st.StackTrace()), "\n")
}

// actionRegistry holds submitted actions, oldest first.
type actionRegistry struct {
	broker *Broker
	now    func() time.Time

	mu   sync.Mutex
	list []*Action
	seq  uint64
}

func newActionRegistry(b *Broker) *actionRegistry {
	return &actionRegistry{broker: b, now: time.Now}
}

// sweep evicts actions that ended more than ActionRetention ago. Callers
// hold r.mu.
func (r *actionRegistry) sweep() {
	limit := r.now().Add(-ActionRetention)
	kept := r.list[:0]
	for _, a := range r.list {
		if end, done := a.terminated(); done && end.Before(limit) {
			continue
		}
		kept = append(kept, a)
	}
	for i := len(kept); i < len(r.list); i++ {
		r.list[i] = nil
	}
	r.list = kept
}

func (r *actionRegistry) insert(a *Action) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweep()
	r.seq++
	a.id = fmt.Sprintf("A%x", r.seq)
	a.start = r.now()
	r.list = append(r.list, a)
}

func (r *actionRegistry) find(id string) *Action {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.list) - 1; i >= 0; i-- {
		if r.list[i].id == id {
			return r.list[i]
		}
	}
	return nil
}

func (r *actionRegistry) snapshot() []*Action {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Action, len(r.list))
	for i, a := range r.list {
		out[len(r.list)-1-i] = a
	}
	return out
}

// Submit registers a long action and starts it. The session, when not
// nil, is owned by the action from now on and released when it ends. The
// action outlives the request: ctx only contributes its values.
func (b *Broker) Submit(ctx context.Context, kind ActionKind, session engine.Library, location string) *Action {
	a := &Action{
		kind:     kind,
		broker:   b,
		session:  session,
		location: location,
	}
	switch kind {
	case ActionBackupAll:
		a.label = "backup all"
	case ActionReindex:
		a.label = "reindex " + session.Name()
	default:
		a.label = "backup " + session.Name()
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancel = cancel
	b.actions.insert(a)

	b.logger.Info("action.submitted", "id", a.id, "kind", kind.String(), "label", a.label, "location", location)
	if b.hooks.ActionStarted != nil {
		b.hooks.ActionStarted(a.Info())
	}
	go a.run(runCtx)
	return a
}

// FindAction returns a retained action, most recent first.
func (b *Broker) FindAction(id string) (*Action, error) {
	if a := b.actions.find(id); a != nil {
		return a, nil
	}
	return nil, &Error{Kind: KindBadRequest, Msg: "action '" + id + "'", Err: ErrActionNotFound}
}

// Progress returns the progress text of an action.
func (b *Broker) Progress(id string) (string, error) {
	a, err := b.FindAction(id)
	if err != nil {
		return "", err
	}
	return a.Progress(), nil
}

// CancelAction asks a running action to stop. The action then ends as
// aborted with a context error.
func (b *Broker) CancelAction(id string) error {
	a, err := b.FindAction(id)
	if err != nil {
		return err
	}
	if _, done := a.terminated(); done {
		return &Error{Kind: KindBadRequest, Msg: "action '" + id + "'", Err: ErrActionTerminated}
	}
	a.cancel()
	b.logger.Info("action.cancel", "id", id)
	return nil
}

// Actions lists retained actions, most recent first.
func (b *Broker) Actions() []ActionInfo {
	list := b.actions.snapshot()
	out := make([]ActionInfo, len(list))
	for i, a := range list {
		out[i] = a.Info()
	}
	return out
}
