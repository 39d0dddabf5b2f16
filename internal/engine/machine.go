package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-taker/internal/model"
)

// DefaultAPITimeout bounds every server call made by the Machine.
const DefaultAPITimeout = 15 * time.Second

// MachineConfig carries the Machine's optional collaborators.
type MachineConfig struct {
	APITimeout time.Duration
	// UserID fills Session.UserID when the server omits it.
	UserID    string
	Publisher EventPublisher
	Drafts    DraftSink
}

// Machine is the session state machine. It owns the Session and is the only
// component that calls the API. All mutations go through its transition
// functions; server calls run outside the lock so timer and connection events
// are applied while a call is in flight.
type Machine struct {
	api       API
	publisher EventPublisher
	drafts    DraftSink
	timeout   time.Duration
	userID    string
	log       zerolog.Logger
	now       func() time.Time

	mu            sync.Mutex
	state         State
	testID        string
	session       *Session
	question      *model.QuestionState
	buffer        AnswerBuffer
	timer         *Timer
	conn          *ConnectionMonitor
	inFlight      string
	pendingExpiry bool
	expiredScope  bool
	restoration   *Restoration
	lastErr       *Error
	finalScore    *model.FinalScore
	mounted       bool
	subs          map[int]chan Snapshot
	nextSub       int
}

// NewMachine creates an idle Machine.
func NewMachine(api API, cfg MachineConfig, log zerolog.Logger) *Machine {
	if cfg.APITimeout <= 0 {
		cfg.APITimeout = DefaultAPITimeout
	}
	if cfg.Publisher == nil {
		cfg.Publisher = nopPublisher{}
	}
	if cfg.Drafts == nil {
		cfg.Drafts = nopDraftSink{}
	}
	return &Machine{
		api:       api,
		publisher: cfg.Publisher,
		drafts:    cfg.Drafts,
		timeout:   cfg.APITimeout,
		userID:    cfg.UserID,
		log:       log.With().Str("component", "session_machine").Logger(),
		now:       time.Now,
		state:     StateIdle,
		timer:     NewTimer(),
		conn:      NewConnectionMonitor(),
		mounted:   true,
		subs:      make(map[int]chan Snapshot),
	}
}

// Dispatch is the single entry point for intents and events.
func (m *Machine) Dispatch(ctx context.Context, msg Message) error {
	var err error

	switch v := msg.(type) {
	case StartIntent:
		err = m.StartSession(ctx, v.TestID, v.ForceNew)
	case RejoinIntent:
		err = m.RejoinSession(ctx, v.SessionID)
	case NavigateIntent:
		if v.Section != nil {
			err = m.NavigateToSectionQuestion(ctx, *v.Section, v.Index)
		} else {
			err = m.NavigateToQuestion(ctx, v.Index)
		}
	case UpdateAnswerIntent:
		err = m.UpdateAnswer(v.Value)
	case ClearAnswerIntent:
		err = m.ClearAnswer()
	case SubmitAnswerIntent:
		err = m.SubmitAnswer(ctx)
	case SkipIntent:
		err = m.SkipQuestion(ctx)
	case StartReviewIntent:
		err = m.StartSectionReview()
	case ContinueAnsweringIntent:
		err = m.ContinueAnswering()
	case SubmitIntent:
		err = m.Submit(ctx)
	case SubmitSectionIntent:
		err = m.SubmitSection(ctx)
	case SubmitTestIntent:
		err = m.SubmitTest(ctx)
	case AbandonIntent:
		err = m.AbandonTest(ctx)
	case RestoreIntent:
		err = m.ChooseRestoration(ctx, v.Choice)
	case RetryIntent:
		err = m.Retry()
	case TickEvent:
		m.Tick(ctx)
	case NetworkEvent:
		m.SetOnline(ctx, v.Online)
	case ChannelEvent:
		m.SetChannelConnected(ctx, v.Connected)
	case TimeSyncEvent:
		m.SyncTime(v.RemainingSeconds)
	case ForceSubmitEvent:
		m.forceSubmit(ctx, "server")
	default:
		err = NewValidationError(CodeInvalidState, fmt.Sprintf("unknown message %T", msg))
	}

	if err != nil {
		ev := m.log.Warn()
		if IsType(err, ErrorValidation) || IsType(err, ErrorAlreadySubmitting) {
			ev = m.log.Debug()
		}
		ev.Err(err).Str("message", msg.Name()).Msg("Message rejected")
	}
	return err
}

// Run drives the timer until ctx is done or the Machine is unmounted.
func (m *Machine) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !m.Mounted() {
				return
			}
			m.Tick(ctx)
		}
	}
}

// Tick advances the countdown by one second and fires forced submission
// when the active scope runs out.
func (m *Machine) Tick(ctx context.Context) {
	m.mu.Lock()
	if !m.mounted || m.session == nil || !m.state.in(StateActive, StateReviewing) {
		m.mu.Unlock()
		return
	}
	expired := m.timer.Tick()
	m.publishLocked()
	m.mu.Unlock()

	if expired {
		m.forceSubmit(ctx, "timer_expired")
	}
}

// SyncTime adopts the server's remaining time for the active scope.
func (m *Machine) SyncTime(seconds int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.mounted {
		return
	}
	m.timer.Sync(seconds)
	m.publishLocked()
}

// SetOnline applies a network online/offline event. Going offline pauses the
// timer; coming back retries a forced submission that could not go out.
func (m *Machine) SetOnline(ctx context.Context, online bool) {
	m.updateConnection(ctx, func(c *ConnectionMonitor) { c.SetOnline(online) })
}

// SetChannelConnected applies a real-time channel connect/disconnect event.
// A connect also clears a server-unreachable mark.
func (m *Machine) SetChannelConnected(ctx context.Context, connected bool) {
	m.updateConnection(ctx, func(c *ConnectionMonitor) { c.SetConnected(connected) })
}

// observe feeds the outcome of a server call into the connection monitor.
func (m *Machine) observe(ctx context.Context, err error) {
	reachable := !IsTransportFailure(err)
	if m.conn.Reachable() == reachable {
		return
	}
	m.updateConnection(ctx, func(c *ConnectionMonitor) { c.SetReachable(reachable) })
}

func (m *Machine) updateConnection(ctx context.Context, apply func(*ConnectionMonitor)) {
	m.mu.Lock()
	if !m.mounted {
		m.mu.Unlock()
		return
	}
	before := m.conn.Status()
	apply(m.conn)
	after := m.conn.Status()
	if before == after {
		m.mu.Unlock()
		return
	}
	online := after.IsOnline
	changed := before.IsOnline != online
	m.timer.SetPaused(!online)
	retry := online && changed && m.session != nil && m.timer.Expired() &&
		m.state.in(StateActive, StateReviewing)
	var sess *Session
	if m.session != nil {
		s := m.session.Clone()
		sess = &s
	}
	m.publishLocked()
	m.mu.Unlock()

	if !changed {
		return
	}
	if sess != nil {
		ev := model.AttemptEventOffline
		if online {
			ev = model.AttemptEventOnline
		}
		m.emit(ctx, *sess, ev, nil)
	}
	m.log.Info().
		Bool("online", online).
		Bool("server_unreachable", after.ServerUnreachable).
		Msg("Network status changed")
	if retry {
		m.forceSubmit(ctx, "timer_expired")
	}
}

// Connection returns the current connectivity status.
func (m *Machine) Connection() ConnectionStatus {
	return m.conn.Status()
}

// FormatTimeRemaining renders the active scope's countdown for display.
func (m *Machine) FormatTimeRemaining() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return FormatTimeRemaining(m.timer.Remaining())
}

// Mounted reports whether local state still accepts results.
func (m *Machine) Mounted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mounted
}

// Unmount tears the Machine down. Results of calls still in flight no longer
// touch local state. When notifyAbandon is set and the attempt has not
// concluded, a best-effort abandon notification is still sent.
func (m *Machine) Unmount(ctx context.Context, notifyAbandon bool) {
	m.mu.Lock()
	if !m.mounted {
		m.mu.Unlock()
		return
	}
	m.mounted = false
	m.timer.Stop()
	var sessionID string
	live := m.session != nil && !m.state.IsTerminal()
	if m.session != nil {
		sessionID = m.session.SessionID
	}
	for id, ch := range m.subs {
		close(ch)
		delete(m.subs, id)
	}
	m.mu.Unlock()

	m.log.Info().Str("session_id", sessionID).Bool("notify_abandon", notifyAbandon).Msg("Unmounted")
	if notifyAbandon && live {
		m.notifyAbandon(ctx, sessionID)
	}
}

// Snapshot returns the current state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Subscribe returns a channel receiving a Snapshot after every transition.
// Slow readers only ever see the latest snapshot.
func (m *Machine) Subscribe() (<-chan Snapshot, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan Snapshot, 1)
	if !m.mounted {
		close(ch)
		return ch, func() {}
	}
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	ch <- m.snapshotLocked()

	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if c, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(c)
		}
	}
}

// ─── Internal helpers ───────────────────────────────────────────────

func (m *Machine) snapshotLocked() Snapshot {
	snap := Snapshot{
		State:      m.state,
		TestID:     m.testID,
		Timer:      m.timer.State(),
		Connection: m.conn.Status(),
		InFlight:   m.inFlight,
		Error:      m.lastErr,
	}
	if m.restoration != nil {
		r := *m.restoration
		snap.Restoration = &r
	}
	if m.finalScore != nil {
		fs := *m.finalScore
		snap.FinalScore = &fs
	}
	if m.session != nil {
		s := m.session.Clone()
		nav := Project(s)
		snap.Session = &s
		snap.Navigation = &nav
		snap.SubmitRoute = RouteSubmit(nav)
		if v, idx, ok := m.buffer.Value(); ok && idx == s.CurrentQuestionIndex {
			snap.StagedAnswer = v
		}
	}
	if m.question != nil {
		q := *m.question
		snap.Question = &q
	}
	return snap
}

func (m *Machine) publishLocked() {
	if len(m.subs) == 0 {
		return
	}
	snap := m.snapshotLocked()
	for _, ch := range m.subs {
		select {
		case ch <- snap:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}

// callCtx detaches server calls from the caller's cancellation: once sent a
// call is treated as atomic, bounded only by the API timeout.
func (m *Machine) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
}

func (m *Machine) emit(ctx context.Context, s Session, typ model.AttemptEventType, payload any) {
	m.publisher.Publish(context.WithoutCancel(ctx), model.AttemptEvent{
		Type:      typ,
		SessionID: s.SessionID,
		TestID:    s.TestID,
		UserID:    s.UserID,
		Payload:   payload,
		At:        m.now().UTC(),
	})
}

// acquire validates an operation against the current state and marks it in
// flight. Only one mutating operation may be in flight; others are rejected.
func (m *Machine) acquire(op string, needOnline bool, allowed []State, check func() error) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.mounted {
		return Session{}, unmountedError()
	}
	if m.session == nil || !m.state.in(allowed...) {
		return Session{}, invalidStateError(op, m.state)
	}
	if m.inFlight != "" {
		return Session{}, alreadySubmittingError(m.inFlight)
	}
	if check != nil {
		if err := check(); err != nil {
			return Session{}, err
		}
	}
	// An unreachable server is still tried: the call itself detects recovery.
	if needOnline && !m.conn.NetworkOnline() {
		return Session{}, NewOfflineError(nil)
	}

	m.inFlight = op
	m.publishLocked()
	return m.session.Clone(), nil
}

// release settles the in-flight operation and fires an expiry that arrived
// while it was pending, unless the operation already moved to a new scope.
func (m *Machine) release(ctx context.Context) {
	m.mu.Lock()
	m.inFlight = ""
	fire := m.pendingExpiry && m.mounted && m.session != nil &&
		m.state.in(StateActive, StateReviewing) && m.timer.Expired()
	m.pendingExpiry = false
	m.publishLocked()
	m.mu.Unlock()

	if fire {
		m.forceSubmit(ctx, "timer_expired")
	}
}

// applyableLocked reports whether a settled call may still change local state.
func (m *Machine) applyableLocked() error {
	if !m.mounted {
		return unmountedError()
	}
	if m.session == nil || m.state.IsTerminal() {
		return invalidStateError("apply result", m.state)
	}
	return nil
}

func (m *Machine) setStateLocked(state State) {
	m.state = state
	if m.session != nil {
		if status, ok := sessionStatusFor(state); ok {
			next := withStatus(*m.session, status)
			m.session = &next
		}
	}
}

func sessionStatusFor(state State) (model.SessionStatus, bool) {
	switch state {
	case StateStarting:
		return model.SessionStatusStarting, true
	case StateActive:
		return model.SessionStatusActive, true
	case StateReviewing:
		return model.SessionStatusReviewing, true
	case StateSubmitting:
		return model.SessionStatusSubmitting, true
	case StateCompleted:
		return model.SessionStatusCompleted, true
	case StateAbandoned:
		return model.SessionStatusAbandoned, true
	case StateError:
		return model.SessionStatusError, true
	}
	return "", false
}

func (m *Machine) notifyAbandon(ctx context.Context, sessionID string) {
	cctx, cancel := m.callCtx(ctx)
	defer cancel()
	_, err := m.api.AbandonTest(cctx, sessionID)
	m.observe(ctx, err)
	if err != nil {
		m.log.Warn().Err(err).Str("session_id", sessionID).Msg("Abandon notification failed")
	}
}
