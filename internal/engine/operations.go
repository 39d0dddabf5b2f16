package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/stemsi/exstem-taker/internal/model"
)

const (
	opStart         = "start"
	opRejoin        = "rejoin"
	opNavigate      = "navigate"
	opSubmitAnswer  = "submit_answer"
	opSkip          = "skip"
	opSubmitSection = "submit_section"
	opSubmitTest    = "submit_test"
)

var (
	answeringStates = []State{StateActive, StateReviewing}
	startableStates = []State{StateIdle, StateError, StateConflictPending, StateRecoveryFailed, StateCompleted, StateAbandoned}
	rejoinStates    = []State{StateIdle, StateError, StateConflictPending, StateCompleted, StateAbandoned}
)

// ─── Start / rejoin ─────────────────────────────────────────────────

// StartSession requests a new attempt at testID. A conflicting resumable
// session is rejoined automatically; when that fails too the user is offered
// a restoration choice instead of an endless retry.
func (m *Machine) StartSession(ctx context.Context, testID string, forceNew bool) error {
	testID = strings.TrimSpace(testID)
	if testID == "" {
		return NewValidationError(CodeInvalidState, "test id is required")
	}

	m.mu.Lock()
	if !m.mounted {
		m.mu.Unlock()
		return unmountedError()
	}
	if !m.state.in(startableStates...) {
		state := m.state
		m.mu.Unlock()
		return invalidStateError(opStart, state)
	}
	if m.inFlight != "" {
		op := m.inFlight
		m.mu.Unlock()
		return alreadySubmittingError(op)
	}
	m.state = StateStarting
	m.testID = testID
	m.session = nil
	m.question = nil
	m.lastErr = nil
	m.finalScore = nil
	m.inFlight = opStart
	m.publishLocked()
	m.mu.Unlock()
	defer m.release(ctx)

	m.log.Info().Str("test_id", testID).Bool("force_new", forceNew).Msg("Starting session")

	cctx, cancel := m.callCtx(ctx)
	info, err := m.api.StartSession(cctx, testID, forceNew)
	cancel()
	m.observe(ctx, err)
	if err == nil {
		return m.adopt(ctx, info, model.AttemptEventStarted)
	}

	res := ResolveStartFailure(err)
	switch res.Kind {
	case ResolutionRejoin:
		m.log.Info().Str("existing_session_id", res.Conflict.SessionID).Msg("Existing session found, rejoining")
		rctx, rcancel := m.callCtx(ctx)
		info, rerr := m.api.RejoinSession(rctx, res.Conflict.SessionID)
		rcancel()
		m.observe(ctx, rerr)
		if rerr == nil {
			return m.adopt(ctx, info, model.AttemptEventRejoined)
		}
		m.log.Warn().Err(rerr).Str("existing_session_id", res.Conflict.SessionID).Msg("Automatic rejoin failed")
		m.settleFailure(StateConflictPending, restorationFor(res.Conflict), res.Err)
	case ResolutionChoose:
		m.settleFailure(StateConflictPending, restorationFor(res.Conflict), res.Err)
	case ResolutionRecoveryFailed:
		m.log.Warn().Err(res.Err).Str("test_id", testID).Msg("Technical recovery failure, attempt not consumed")
		m.settleFailure(StateRecoveryFailed, recoveryRestoration(), res.Err)
	default:
		m.log.Error().Err(res.Err).Str("test_id", testID).Msg("Session initialization failed")
		m.settleFailure(StateError, nil, res.Err)
	}
	return res.Err
}

// RejoinSession resumes a previously started session from server-held state.
func (m *Machine) RejoinSession(ctx context.Context, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return NewValidationError(CodeInvalidState, "session id is required")
	}

	m.mu.Lock()
	if !m.mounted {
		m.mu.Unlock()
		return unmountedError()
	}
	if !m.state.in(rejoinStates...) {
		state := m.state
		m.mu.Unlock()
		return invalidStateError(opRejoin, state)
	}
	if m.inFlight != "" {
		op := m.inFlight
		m.mu.Unlock()
		return alreadySubmittingError(op)
	}
	prev := m.state
	prevRestoration := m.restoration
	m.state = StateStarting
	m.session = nil
	m.question = nil
	m.inFlight = opRejoin
	m.publishLocked()
	m.mu.Unlock()
	defer m.release(ctx)

	cctx, cancel := m.callCtx(ctx)
	info, err := m.api.RejoinSession(cctx, sessionID)
	cancel()
	m.observe(ctx, err)
	if err == nil {
		return m.adopt(ctx, info, model.AttemptEventRejoined)
	}

	e := classify(err)
	switch {
	case prev == StateConflictPending:
		m.settleFailure(StateConflictPending, prevRestoration, e)
	case e.Type == ErrorOffline:
		m.settleFailure(prev, nil, e)
	default:
		if e.Type != ErrorFatal {
			e = NewFatalError(e.Code, e.Message, e)
		}
		m.log.Error().Err(e).Str("session_id", sessionID).Msg("Rejoin failed")
		m.settleFailure(StateError, nil, e)
	}
	return e
}

// ChooseRestoration resolves a surfaced restoration choice.
func (m *Machine) ChooseRestoration(ctx context.Context, choice Option) error {
	m.mu.Lock()
	state := m.state
	r := m.restoration
	testID := m.testID
	m.mu.Unlock()

	if r == nil || !state.in(StateConflictPending, StateRecoveryFailed) {
		return invalidStateError("choose restoration", state)
	}

	switch choice {
	case OptionResume:
		if state != StateConflictPending || r.Conflict == nil || r.Conflict.SessionID == "" {
			return NewValidationError(CodeInvalidChoice, "this session cannot be resumed, start a new one instead")
		}
		return m.RejoinSession(ctx, r.Conflict.SessionID)
	case OptionStartFresh:
		if r.Conflict != nil && r.Conflict.TestID != "" {
			testID = r.Conflict.TestID
		}
		m.mu.Lock()
		m.restoration = nil
		m.lastErr = nil
		m.publishLocked()
		m.mu.Unlock()
		return m.StartSession(ctx, testID, true)
	}
	return NewValidationError(CodeInvalidChoice, fmt.Sprintf("unsupported choice %q", choice))
}

// Retry leaves the error screen so the user can start from scratch.
func (m *Machine) Retry() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateError {
		return invalidStateError("retry", m.state)
	}
	m.state = StateIdle
	m.session = nil
	m.question = nil
	m.lastErr = nil
	m.restoration = nil
	m.buffer.Clear()
	m.timer.Stop()
	m.publishLocked()
	return nil
}

// adopt replays server-held state into a fresh local Session.
func (m *Machine) adopt(ctx context.Context, info *model.SessionInfo, ev model.AttemptEventType) error {
	if info == nil {
		e := NewFatalError(CodeServer, "The server returned an empty session.", nil)
		m.settleFailure(StateError, nil, e)
		return e
	}

	m.mu.Lock()
	if !m.mounted {
		m.mu.Unlock()
		return unmountedError()
	}
	s := sessionFromInfo(info)
	if s.TestID == "" {
		s.TestID = m.testID
	}
	if s.UserID == "" {
		s.UserID = m.userID
	}
	m.session = &s
	m.testID = s.TestID
	if info.Question != nil {
		q := *info.Question
		m.question = &q
	} else {
		m.question = &model.QuestionState{SectionIndex: s.CurrentSectionIndex, QuestionIndex: s.CurrentQuestionIndex}
	}
	m.buffer.Clear()
	m.restoration = nil
	m.lastErr = nil
	m.finalScore = nil
	m.pendingExpiry = false
	m.expiredScope = false

	state := StateActive
	if info.Reviewing {
		state = StateReviewing
	}
	m.setStateLocked(state)

	scope := ScopeTest
	if s.UseSections {
		scope = ScopeSection
	}
	m.timer.Reset(info.RemainingSeconds, scope)
	m.timer.SetPaused(!m.conn.Status().IsOnline)
	m.publishLocked()
	m.mu.Unlock()

	m.log.Info().
		Str("session_id", s.SessionID).
		Str("test_id", s.TestID).
		Str("state", string(state)).
		Int("remaining_seconds", info.RemainingSeconds).
		Msg("Session active")
	m.emit(ctx, s, ev, map[string]any{
		"current_question_index": s.CurrentQuestionIndex,
		"current_section_index":  s.CurrentSectionIndex,
	})
	return nil
}

func (m *Machine) settleFailure(state State, r *Restoration, err *Error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.mounted {
		return
	}
	m.state = state
	m.session = nil
	m.question = nil
	m.restoration = r
	m.lastErr = err
	m.buffer.Clear()
	m.timer.Stop()
	m.publishLocked()
}

// ─── Answers ────────────────────────────────────────────────────────

// UpdateAnswer stages value for the current question. It never contacts the
// server; the draft is mirrored over the real-time channel when connected.
func (m *Machine) UpdateAnswer(value json.RawMessage) error {
	m.mu.Lock()
	if !m.mounted {
		m.mu.Unlock()
		return unmountedError()
	}
	if m.session == nil || !m.state.in(answeringStates...) {
		state := m.state
		m.mu.Unlock()
		return invalidStateError("update answer", state)
	}
	if m.state == StateReviewing {
		m.mu.Unlock()
		return NewValidationError(CodeReviewReadOnly, "answers cannot be changed during review")
	}
	switch m.inFlight {
	case opNavigate, opSubmitSection, opSubmitTest:
		op := m.inFlight
		m.mu.Unlock()
		return alreadySubmittingError(op)
	}

	idx := m.session.CurrentQuestionIndex
	m.buffer.Stage(idx, value)
	next := withUnsaved(*m.session, m.buffer.HasValue())
	m.session = &next
	staged := m.buffer.HasValue()
	sessionID := next.SessionID
	m.publishLocked()
	m.mu.Unlock()

	if staged && m.conn.Status().IsConnected {
		m.drafts.MirrorDraft(sessionID, idx, value)
	}
	return nil
}

// ClearAnswer discards the staged answer explicitly.
func (m *Machine) ClearAnswer() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.mounted {
		return unmountedError()
	}
	if m.session == nil || !m.state.in(answeringStates...) {
		return invalidStateError("clear answer", m.state)
	}
	m.buffer.Clear()
	next := withUnsaved(*m.session, false)
	m.session = &next
	m.publishLocked()
	return nil
}

// SubmitAnswer persists the staged answer for the current question.
func (m *Machine) SubmitAnswer(ctx context.Context) error {
	var (
		value json.RawMessage
		idx   int
	)
	sess, err := m.acquire(opSubmitAnswer, true, answeringStates, func() error {
		if m.state == StateReviewing {
			return NewValidationError(CodeReviewReadOnly, "answers cannot be submitted during review")
		}
		v, i, ok := m.buffer.Value()
		if !ok || i != m.session.CurrentQuestionIndex {
			return NewValidationError(CodeNoAnswer, "there is no answer to submit")
		}
		value, idx = v, i
		return nil
	})
	if err != nil {
		return err
	}
	defer m.release(ctx)

	return m.persistAnswer(ctx, sess, idx, value)
}

// flush persists a staged answer with unsaved changes before the caller leaves
// the question. A failed flush aborts the caller so no input is lost.
func (m *Machine) flush(ctx context.Context, sess Session) error {
	m.mu.Lock()
	value, idx, ok := m.buffer.Value()
	unsaved := m.session != nil && m.session.HasUnsavedChanges
	m.mu.Unlock()

	if !ok || !unsaved {
		return nil
	}
	return m.persistAnswer(ctx, sess, idx, value)
}

func (m *Machine) persistAnswer(ctx context.Context, sess Session, idx int, value json.RawMessage) error {
	cctx, cancel := m.callCtx(ctx)
	_, err := m.api.SubmitAnswer(cctx, sess.SessionID, idx, value)
	cancel()
	m.observe(ctx, err)
	if err != nil {
		return classify(err)
	}

	m.mu.Lock()
	if err := m.applyableLocked(); err != nil {
		m.mu.Unlock()
		return err
	}
	next := withAnswered(*m.session, idx)
	if m.buffer.ClearIf(idx, value) {
		next = withUnsaved(next, false)
	}
	m.session = &next
	m.publishLocked()
	m.mu.Unlock()

	m.emit(ctx, next, model.AttemptEventAnswerSubmitted, map[string]any{"question_index": idx})
	return nil
}

// SkipQuestion marks the current question skipped. An answered question is
// reclassified only when nothing is staged for it.
func (m *Machine) SkipQuestion(ctx context.Context) error {
	var idx int
	sess, err := m.acquire(opSkip, true, answeringStates, func() error {
		if m.state == StateReviewing {
			return NewValidationError(CodeReviewReadOnly, "questions cannot be skipped during review")
		}
		idx = m.session.CurrentQuestionIndex
		if m.buffer.StagedFor(idx) {
			return NewValidationError(CodeAnswerStaged, "clear the staged answer before skipping")
		}
		return nil
	})
	if err != nil {
		return err
	}
	defer m.release(ctx)

	cctx, cancel := m.callCtx(ctx)
	_, err = m.api.SkipQuestion(cctx, sess.SessionID, idx)
	cancel()
	m.observe(ctx, err)
	if err != nil {
		return classify(err)
	}

	m.mu.Lock()
	if err := m.applyableLocked(); err != nil {
		m.mu.Unlock()
		return err
	}
	next := withSkipped(*m.session, idx)
	m.session = &next
	m.publishLocked()
	m.mu.Unlock()

	m.emit(ctx, next, model.AttemptEventQuestionSkipped, map[string]any{"question_index": idx})
	return nil
}

// ─── Navigation ─────────────────────────────────────────────────────

// NavigateToQuestion moves to question index of the current scope.
func (m *Machine) NavigateToQuestion(ctx context.Context, index int) error {
	return m.navigate(ctx, nil, index)
}

// NavigateToSectionQuestion addresses a question of a given section. Only the
// current section is reachable: earlier sections are locked once finalized and
// later ones open only through section submission.
func (m *Machine) NavigateToSectionQuestion(ctx context.Context, section, index int) error {
	return m.navigate(ctx, &section, index)
}

func (m *Machine) navigate(ctx context.Context, section *int, index int) error {
	sess, err := m.acquire(opNavigate, true, answeringStates, func() error {
		return checkTarget(*m.session, section, index)
	})
	if err != nil {
		return err
	}
	defer m.release(ctx)

	if err := m.flush(ctx, sess); err != nil {
		return err
	}

	cctx, cancel := m.callCtx(ctx)
	qs, err := m.api.NavigateToQuestion(cctx, sess.SessionID, index)
	cancel()
	m.observe(ctx, err)
	if err != nil {
		return classify(err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.applyableLocked(); err != nil {
		return err
	}
	next := withUnsaved(withPosition(*m.session, index), false)
	m.session = &next
	m.buffer.Clear()
	if qs != nil {
		q := *qs
		m.question = &q
	} else {
		m.question = &model.QuestionState{SectionIndex: next.CurrentSectionIndex, QuestionIndex: index}
	}
	m.publishLocked()
	return nil
}

func checkTarget(s Session, section *int, index int) error {
	if section != nil && *section != s.CurrentSectionIndex {
		if !s.UseSections || *section < 0 || *section >= len(s.Sections) {
			return NewValidationError(CodeOutOfRange, fmt.Sprintf("section %d does not exist", *section))
		}
		if *section < s.CurrentSectionIndex && s.Sections[*section].Status.IsTerminal() {
			return NewValidationError(CodeLocked, "You can't go back to a previous section once it is submitted or its time has expired.")
		}
		return NewValidationError(CodeOutOfRange, "only questions of the current section can be opened")
	}

	total := s.TotalQuestionsInSection()
	if index < 0 || index >= total {
		return NewValidationError(CodeOutOfRange, fmt.Sprintf("question %d is outside 0..%d", index, total-1))
	}
	return nil
}

// ─── Review ─────────────────────────────────────────────────────────

// StartSectionReview enters read/navigate-only review without losing position.
func (m *Machine) StartSectionReview() error {
	return m.toggleReview(StateActive, StateReviewing)
}

// ContinueAnswering leaves review mode.
func (m *Machine) ContinueAnswering() error {
	return m.toggleReview(StateReviewing, StateActive)
}

func (m *Machine) toggleReview(from, to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.mounted {
		return unmountedError()
	}
	if m.session == nil || m.state != from {
		return invalidStateError(fmt.Sprintf("switch to %s", to), m.state)
	}
	m.setStateLocked(to)
	m.publishLocked()
	return nil
}

// ─── Submission ─────────────────────────────────────────────────────

// Submit routes a "Submit" action to section or test submission using the
// tie-break evaluated right now.
func (m *Machine) Submit(ctx context.Context) error {
	m.mu.Lock()
	if m.session == nil {
		state := m.state
		m.mu.Unlock()
		return invalidStateError("submit", state)
	}
	route := RouteSubmit(Project(*m.session))
	m.mu.Unlock()

	if route == RouteSubmitSection {
		return m.SubmitSection(ctx)
	}
	return m.SubmitTest(ctx)
}

// SubmitSection finalizes the current section and opens the next one. On the
// final section it submits the whole test.
func (m *Machine) SubmitSection(ctx context.Context) error {
	sess, err := m.acquire(opSubmitSection, true, answeringStates, func() error {
		if !m.session.UseSections {
			return NewValidationError(CodeNotSectioned, "this test has no sections")
		}
		return nil
	})
	if err != nil {
		return err
	}
	defer m.release(ctx)

	return m.submitSectionHeld(ctx, sess)
}

func (m *Machine) submitSectionHeld(ctx context.Context, sess Session) error {
	if err := m.flush(ctx, sess); err != nil {
		return err
	}

	cctx, cancel := m.callCtx(ctx)
	summary, err := m.api.SubmitSection(cctx, sess.SessionID)
	cancel()
	m.observe(ctx, err)
	if err != nil {
		return classify(err)
	}
	if summary == nil {
		summary = &model.SectionSummary{}
	}

	m.mu.Lock()
	if err := m.applyableLocked(); err != nil {
		m.mu.Unlock()
		return err
	}
	final := model.SectionStatusSubmitted
	if m.expiredScope || m.timer.Expired() {
		final = model.SectionStatusExpired
	}
	finished := m.session.CurrentSectionIndex
	last := finished >= len(m.session.Sections)-1

	if last {
		next := withSectionFinalized(*m.session, final, nil)
		m.session = &next
		m.publishLocked()
		m.mu.Unlock()
		m.emit(ctx, next, model.AttemptEventSectionSubmitted, map[string]any{"section_index": finished, "status": final})
		return m.submitTestHeld(ctx, next)
	}

	next := withSectionFinalized(*m.session, final, summary)
	m.session = &next
	m.buffer.Clear()
	if summary.Question != nil {
		q := *summary.Question
		m.question = &q
	} else {
		m.question = &model.QuestionState{SectionIndex: next.CurrentSectionIndex, QuestionIndex: next.CurrentQuestionIndex}
	}
	m.setStateLocked(StateActive)
	seconds := summary.NextSectionSeconds
	if seconds <= 0 {
		seconds = next.ScopeDuration()
	}
	m.timer.Reset(seconds, ScopeSection)
	m.timer.SetPaused(!m.conn.Status().IsOnline)
	m.expiredScope = false
	m.pendingExpiry = false
	m.publishLocked()
	m.mu.Unlock()

	m.log.Info().
		Str("session_id", next.SessionID).
		Int("finished_section", finished).
		Int("current_section", next.CurrentSectionIndex).
		Str("status", string(final)).
		Msg("Section submitted")
	m.emit(ctx, next, model.AttemptEventSectionSubmitted, map[string]any{
		"section_index": finished,
		"status":        final,
		"answered":      summary.Answered,
		"skipped":       summary.Skipped,
	})
	return nil
}

// SubmitTest concludes the attempt. It is irreversible.
func (m *Machine) SubmitTest(ctx context.Context) error {
	sess, err := m.acquire(opSubmitTest, true, answeringStates, nil)
	if err != nil {
		return err
	}
	defer m.release(ctx)

	return m.submitTestHeld(ctx, sess)
}

func (m *Machine) submitTestHeld(ctx context.Context, sess Session) error {
	m.mu.Lock()
	if err := m.applyableLocked(); err != nil {
		m.mu.Unlock()
		return err
	}
	prev := m.state
	m.setStateLocked(StateSubmitting)
	m.publishLocked()
	m.mu.Unlock()

	if err := m.flush(ctx, sess); err != nil {
		m.revertSubmitting(prev)
		return err
	}

	cctx, cancel := m.callCtx(ctx)
	score, err := m.api.SubmitTest(cctx, sess.SessionID)
	cancel()
	m.observe(ctx, err)
	if err != nil {
		m.revertSubmitting(prev)
		return classify(err)
	}

	m.mu.Lock()
	if err := m.applyableLocked(); err != nil {
		m.mu.Unlock()
		return err
	}
	m.setStateLocked(StateCompleted)
	m.finalScore = score
	m.buffer.Clear()
	m.timer.Stop()
	m.pendingExpiry = false
	done := m.session.Clone()
	m.publishLocked()
	m.mu.Unlock()

	logEv := m.log.Info().Str("session_id", done.SessionID).
		Int("answered", len(done.AnsweredQuestions)).
		Int("skipped", len(done.SkippedQuestions))
	if score != nil {
		logEv = logEv.Float64("score", score.Score)
	}
	logEv.Msg("Test submitted")
	m.emit(ctx, done, model.AttemptEventTestSubmitted, score)
	return nil
}

func (m *Machine) revertSubmitting(prev State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mounted && m.state == StateSubmitting {
		m.setStateLocked(prev)
		m.publishLocked()
	}
}

// forceSubmit submits the current scope without confirmation, e.g. when the
// timer expires. If another operation is in flight it is deferred until that
// operation settles.
func (m *Machine) forceSubmit(ctx context.Context, reason string) {
	m.mu.Lock()
	if !m.mounted || m.session == nil || !m.state.in(answeringStates...) {
		m.mu.Unlock()
		return
	}
	if m.inFlight != "" {
		m.pendingExpiry = true
		m.mu.Unlock()
		return
	}
	m.expiredScope = true
	route := RouteSubmit(Project(*m.session))
	op := opSubmitTest
	if route == RouteSubmitSection {
		op = opSubmitSection
	}
	m.inFlight = op
	sess := m.session.Clone()
	m.publishLocked()
	m.mu.Unlock()
	defer m.release(ctx)

	m.log.Info().
		Str("session_id", sess.SessionID).
		Str("reason", reason).
		Str("route", string(route)).
		Msg("Scope ended, submitting automatically")
	m.emit(ctx, sess, model.AttemptEventTimerExpired, map[string]any{"reason": reason, "route": route})

	var err error
	if route == RouteSubmitSection {
		err = m.submitSectionHeld(ctx, sess)
	} else {
		err = m.submitTestHeld(ctx, sess)
	}
	if err != nil {
		m.log.Error().Err(err).Str("session_id", sess.SessionID).Msg("Automatic submission failed")
		m.mu.Lock()
		m.lastErr = classify(err)
		m.publishLocked()
		m.mu.Unlock()
	}
}

// ─── Abandon ────────────────────────────────────────────────────────

// AbandonTest leaves the attempt. The local transition never waits for the
// server: the notification is best effort since the user is leaving.
func (m *Machine) AbandonTest(ctx context.Context) error {
	m.mu.Lock()
	if !m.mounted {
		m.mu.Unlock()
		return unmountedError()
	}
	if m.session == nil || m.state.IsTerminal() {
		state := m.state
		m.mu.Unlock()
		return invalidStateError("abandon", state)
	}
	m.setStateLocked(StateAbandoned)
	m.timer.Stop()
	m.buffer.Clear()
	m.pendingExpiry = false
	sess := m.session.Clone()
	m.publishLocked()
	m.mu.Unlock()

	m.log.Info().Str("session_id", sess.SessionID).Msg("Test abandoned")
	m.notifyAbandon(ctx, sess.SessionID)
	m.emit(ctx, sess, model.AttemptEventAbandoned, nil)
	return nil
}
