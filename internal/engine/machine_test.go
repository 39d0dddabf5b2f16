package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-taker/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type startCall struct {
	testID   string
	forceNew bool
}

// fakeAPI records calls and lets tests override individual endpoints.
type fakeAPI struct {
	mu sync.Mutex

	starts     []startCall
	rejoins    []string
	answers    map[int]json.RawMessage
	skips      []int
	navigates  []int
	sections   int
	submits    int
	abandons   int
	finalState *Snapshot

	machine *Machine

	startFn   func(testID string, forceNew bool) (*model.SessionInfo, error)
	rejoinFn  func(sessionID string) (*model.SessionInfo, error)
	answerFn  func(index int) error
	sectionFn func() (*model.SectionSummary, error)
	testFn    func() (*model.FinalScore, error)
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{answers: make(map[int]json.RawMessage)}
}

func (f *fakeAPI) StartSession(_ context.Context, testID string, forceNew bool) (*model.SessionInfo, error) {
	f.mu.Lock()
	f.starts = append(f.starts, startCall{testID, forceNew})
	fn := f.startFn
	f.mu.Unlock()
	if fn != nil {
		return fn(testID, forceNew)
	}
	return unsectionedInfo("s-1", testID, 10, 600), nil
}

func (f *fakeAPI) RejoinSession(_ context.Context, sessionID string) (*model.SessionInfo, error) {
	f.mu.Lock()
	f.rejoins = append(f.rejoins, sessionID)
	fn := f.rejoinFn
	f.mu.Unlock()
	if fn != nil {
		return fn(sessionID)
	}
	return unsectionedInfo(sessionID, "t-1", 10, 600), nil
}

func (f *fakeAPI) SubmitAnswer(_ context.Context, _ string, index int, answer json.RawMessage) (*model.Ack, error) {
	f.mu.Lock()
	fn := f.answerFn
	f.mu.Unlock()
	if fn != nil {
		if err := fn(index); err != nil {
			return nil, err
		}
	}
	f.mu.Lock()
	f.answers[index] = answer
	f.mu.Unlock()
	return &model.Ack{OK: true}, nil
}

func (f *fakeAPI) SkipQuestion(_ context.Context, _ string, index int) (*model.Ack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.skips = append(f.skips, index)
	return &model.Ack{OK: true}, nil
}

func (f *fakeAPI) NavigateToQuestion(_ context.Context, _ string, index int) (*model.QuestionState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.navigates = append(f.navigates, index)
	return &model.QuestionState{QuestionIndex: index, Payload: json.RawMessage(`{"text":"q"}`)}, nil
}

func (f *fakeAPI) SubmitSection(context.Context, string) (*model.SectionSummary, error) {
	f.mu.Lock()
	f.sections++
	fn := f.sectionFn
	f.mu.Unlock()
	if fn != nil {
		return fn()
	}
	return &model.SectionSummary{}, nil
}

func (f *fakeAPI) SubmitTest(context.Context, string) (*model.FinalScore, error) {
	f.mu.Lock()
	f.submits++
	fn := f.testFn
	m := f.machine
	f.mu.Unlock()
	if m != nil {
		snap := m.Snapshot()
		f.mu.Lock()
		f.finalState = &snap
		f.mu.Unlock()
	}
	if fn != nil {
		return fn()
	}
	return &model.FinalScore{Score: 80, MaxScore: 100}, nil
}

func (f *fakeAPI) AbandonTest(context.Context, string) (*model.Ack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.abandons++
	return &model.Ack{OK: true}, nil
}

func (f *fakeAPI) count(fn func(*fakeAPI) int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fn(f)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []model.AttemptEventType
}

func (p *recordingPublisher) Publish(_ context.Context, ev model.AttemptEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev.Type)
}

func (p *recordingPublisher) types() []model.AttemptEventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]model.AttemptEventType(nil), p.events...)
}

func unsectionedInfo(sessionID, testID string, total, seconds int) *model.SessionInfo {
	return &model.SessionInfo{
		SessionID:        sessionID,
		TestID:           testID,
		TotalQuestions:   total,
		RemainingSeconds: seconds,
	}
}

func sectionedInfo(sessionID string, sections, perSection, seconds int) *model.SessionInfo {
	secs := make([]model.Section, sections)
	for i := range secs {
		secs[i] = model.Section{Name: string(rune('A' + i)), QuestionCount: perSection, DurationSeconds: seconds, Status: model.SectionStatusPending}
	}
	secs[0].Status = model.SectionStatusActive
	return &model.SessionInfo{
		SessionID:        sessionID,
		TestID:           "t-1",
		UseSections:      true,
		Sections:         secs,
		TotalQuestions:   sections * perSection,
		RemainingSeconds: seconds,
	}
}

func newTestMachine(t *testing.T, api *fakeAPI) (*Machine, *recordingPublisher) {
	t.Helper()
	pub := &recordingPublisher{}
	m := NewMachine(api, MachineConfig{APITimeout: time.Second, Publisher: pub}, zerolog.Nop())
	api.mu.Lock()
	api.machine = m
	api.mu.Unlock()
	return m, pub
}

func answer(t *testing.T, m *Machine, v string) {
	t.Helper()
	require.NoError(t, m.UpdateAnswer(json.RawMessage(v)))
	require.NoError(t, m.SubmitAnswer(context.Background()))
}

func assertErrorType(t *testing.T, err error, typ ErrorType, code Code) {
	t.Helper()
	e, ok := AsError(err)
	require.True(t, ok, "expected *Error, got %v", err)
	assert.Equal(t, typ, e.Type)
	if code != "" {
		assert.Equal(t, code, e.Code)
	}
}

func TestStartSessionActivates(t *testing.T) {
	api := newFakeAPI()
	m, pub := newTestMachine(t, api)
	ctx := context.Background()

	require.NoError(t, m.Dispatch(ctx, StartIntent{TestID: "t-1"}))

	snap := m.Snapshot()
	assert.Equal(t, StateActive, snap.State)
	require.NotNil(t, snap.Session)
	assert.Equal(t, "s-1", snap.Session.SessionID)
	assert.Equal(t, model.SessionStatusActive, snap.Session.Status)
	assert.Equal(t, 600, snap.Timer.RemainingSeconds)
	assert.Equal(t, ScopeTest, snap.Timer.Scope)
	assert.Equal(t, RouteSubmitTest, snap.SubmitRoute)
	assert.Equal(t, []startCall{{"t-1", false}}, api.starts)
	assert.Equal(t, []model.AttemptEventType{model.AttemptEventStarted}, pub.types())
}

func TestStartSessionRequiresTestID(t *testing.T) {
	m, _ := newTestMachine(t, newFakeAPI())
	err := m.StartSession(context.Background(), "  ", false)
	assertErrorType(t, err, ErrorValidation, CodeInvalidState)
	assert.Equal(t, StateIdle, m.Snapshot().State)
}

func TestUnsectionedTimerExpirySubmitsTest(t *testing.T) {
	api := newFakeAPI()
	api.startFn = func(testID string, _ bool) (*model.SessionInfo, error) {
		return unsectionedInfo("s-10", testID, 10, 3), nil
	}
	m, pub := newTestMachine(t, api)
	ctx := context.Background()

	require.NoError(t, m.StartSession(ctx, "t-1", false))
	for i := range 9 {
		if i > 0 {
			require.NoError(t, m.NavigateToQuestion(ctx, i))
		}
		answer(t, m, `"A"`)
	}
	require.NoError(t, m.NavigateToQuestion(ctx, 9))
	require.NoError(t, m.SkipQuestion(ctx))

	m.Tick(ctx)
	m.Tick(ctx)
	assert.Equal(t, 0, api.count(func(f *fakeAPI) int { return f.submits }))
	m.Tick(ctx)

	require.Equal(t, 1, api.count(func(f *fakeAPI) int { return f.submits }))
	final := api.finalState
	require.NotNil(t, final)
	require.NotNil(t, final.Session)
	assert.Len(t, final.Session.AnsweredQuestions, 9)
	assert.Equal(t, IndexSet{9}, final.Session.SkippedQuestions)

	snap := m.Snapshot()
	assert.Equal(t, StateCompleted, snap.State)
	assert.Equal(t, 0, snap.Timer.RemainingSeconds)
	require.NotNil(t, snap.FinalScore)
	assert.Equal(t, 80.0, snap.FinalScore.Score)
	assert.Contains(t, pub.types(), model.AttemptEventTimerExpired)
	assert.Contains(t, pub.types(), model.AttemptEventTestSubmitted)

	// Further ticks never re-fire.
	m.Tick(ctx)
	assert.Equal(t, 1, api.count(func(f *fakeAPI) int { return f.submits }))
}

func TestOfflinePausesTimerAndBlocksServerCalls(t *testing.T) {
	api := newFakeAPI()
	m, pub := newTestMachine(t, api)
	ctx := context.Background()
	require.NoError(t, m.StartSession(ctx, "t-1", false))

	m.Dispatch(ctx, NetworkEvent{Online: false})
	for range 5 {
		m.Dispatch(ctx, TickEvent{})
	}
	snap := m.Snapshot()
	assert.Equal(t, 600, snap.Timer.RemainingSeconds)
	assert.True(t, snap.Timer.IsPaused)
	assert.False(t, snap.Connection.IsOnline)

	require.NoError(t, m.UpdateAnswer(json.RawMessage(`"C"`)), "staging works offline")
	err := m.SubmitAnswer(ctx)
	assertErrorType(t, err, ErrorOffline, CodeNetwork)
	assert.True(t, m.Snapshot().Session.HasUnsavedChanges, "input is kept while offline")

	m.Dispatch(ctx, NetworkEvent{Online: true})
	m.Tick(ctx)
	assert.Equal(t, 599, m.Snapshot().Timer.RemainingSeconds)
	assert.Contains(t, pub.types(), model.AttemptEventOffline)
	assert.Contains(t, pub.types(), model.AttemptEventOnline)
}

func TestExpiryWhileOfflineSubmitsOnReconnect(t *testing.T) {
	api := newFakeAPI()
	api.startFn = func(testID string, _ bool) (*model.SessionInfo, error) {
		return unsectionedInfo("s-1", testID, 5, 0), nil
	}
	offline := true
	api.testFn = func() (*model.FinalScore, error) {
		if offline {
			return nil, NewOfflineError(errors.New("dial tcp: connection refused"))
		}
		return &model.FinalScore{Score: 1}, nil
	}
	m, _ := newTestMachine(t, api)
	ctx := context.Background()
	require.NoError(t, m.StartSession(ctx, "t-1", false))

	m.Tick(ctx)
	snap := m.Snapshot()
	assert.Equal(t, StateActive, snap.State, "failed forced submit reverts to active")
	require.NotNil(t, snap.Error)
	assert.Equal(t, ErrorOffline, snap.Error.Type)
	assert.False(t, snap.Connection.IsOnline, "transport failure takes the session offline")
	assert.True(t, snap.Connection.ServerUnreachable)
	assert.True(t, snap.Timer.IsPaused)

	offline = false
	m.SetOnline(ctx, true)
	assert.Equal(t, StateCompleted, m.Snapshot().State)
	assert.Equal(t, 2, api.count(func(f *fakeAPI) int { return f.submits }))
}

func TestTransportFailurePausesUntilServerAnswers(t *testing.T) {
	api := newFakeAPI()
	down := true
	api.answerFn = func(int) error {
		if down {
			return NewOfflineError(errors.New("dial tcp: connection refused"))
		}
		return nil
	}
	m, pub := newTestMachine(t, api)
	ctx := context.Background()
	require.NoError(t, m.StartSession(ctx, "t-1", false))

	require.NoError(t, m.UpdateAnswer(json.RawMessage(`"A"`)))
	assertErrorType(t, m.SubmitAnswer(ctx), ErrorOffline, CodeNetwork)

	snap := m.Snapshot()
	assert.False(t, snap.Connection.IsOnline)
	assert.True(t, snap.Timer.IsPaused)
	assert.True(t, snap.Session.HasUnsavedChanges)
	m.Tick(ctx)
	assert.Equal(t, 600, m.Snapshot().Timer.RemainingSeconds)

	// The next call is still attempted and brings the session back.
	down = false
	require.NoError(t, m.SubmitAnswer(ctx))
	snap = m.Snapshot()
	assert.True(t, snap.Connection.IsOnline)
	assert.False(t, snap.Timer.IsPaused)
	assert.Equal(t, IndexSet{0}, snap.Session.AnsweredQuestions)
	m.Tick(ctx)
	assert.Equal(t, 599, m.Snapshot().Timer.RemainingSeconds)
	assert.Equal(t, []model.AttemptEventType{
		model.AttemptEventStarted,
		model.AttemptEventOffline,
		model.AttemptEventOnline,
		model.AttemptEventAnswerSubmitted,
	}, pub.types())
}

func TestChannelConnectRetriesFailedForcedSubmit(t *testing.T) {
	api := newFakeAPI()
	api.startFn = func(testID string, _ bool) (*model.SessionInfo, error) {
		return unsectionedInfo("s-1", testID, 5, 1), nil
	}
	down := true
	api.testFn = func() (*model.FinalScore, error) {
		if down {
			return nil, NewOfflineError(errors.New("dial tcp: i/o timeout"))
		}
		return &model.FinalScore{Score: 3}, nil
	}
	m, _ := newTestMachine(t, api)
	ctx := context.Background()
	require.NoError(t, m.StartSession(ctx, "t-1", false))

	m.Tick(ctx)
	assert.Equal(t, StateActive, m.Snapshot().State)
	assert.False(t, m.Connection().IsOnline)

	down = false
	m.Dispatch(ctx, ChannelEvent{Connected: true})
	snap := m.Snapshot()
	assert.Equal(t, StateCompleted, snap.State)
	assert.True(t, snap.Connection.Healthy())
	assert.Equal(t, 2, api.count(func(f *fakeAPI) int { return f.submits }))
}

func TestServerBusyKeepsSessionOnline(t *testing.T) {
	api := newFakeAPI()
	api.answerFn = func(int) error {
		return NewUnavailableError(errors.New("503 Service Unavailable"))
	}
	m, _ := newTestMachine(t, api)
	ctx := context.Background()
	require.NoError(t, m.StartSession(ctx, "t-1", false))

	require.NoError(t, m.UpdateAnswer(json.RawMessage(`"A"`)))
	assertErrorType(t, m.SubmitAnswer(ctx), ErrorOffline, CodeUnavailable)

	snap := m.Snapshot()
	assert.True(t, snap.Connection.IsOnline)
	assert.False(t, snap.Timer.IsPaused)
}

func TestNavigateIsIdempotentAndFlushes(t *testing.T) {
	api := newFakeAPI()
	m, _ := newTestMachine(t, api)
	ctx := context.Background()
	require.NoError(t, m.StartSession(ctx, "t-1", false))

	require.NoError(t, m.NavigateToQuestion(ctx, 3))
	first := m.Snapshot()
	require.NoError(t, m.NavigateToQuestion(ctx, 3))
	second := m.Snapshot()
	assert.Equal(t, first.Session, second.Session)
	assert.Equal(t, 3, second.Session.CurrentQuestionIndex)

	require.NoError(t, m.UpdateAnswer(json.RawMessage(`"D"`)))
	assert.True(t, m.Snapshot().Session.HasUnsavedChanges)

	require.NoError(t, m.NavigateToQuestion(ctx, 4))
	snap := m.Snapshot()
	assert.False(t, snap.Session.HasUnsavedChanges)
	assert.Equal(t, IndexSet{3}, snap.Session.AnsweredQuestions)
	assert.Nil(t, snap.StagedAnswer)
	assert.JSONEq(t, `"D"`, string(api.answers[3]))
	require.NotNil(t, snap.Question)
	assert.Equal(t, 4, snap.Question.QuestionIndex)

	err := m.NavigateToQuestion(ctx, 10)
	assertErrorType(t, err, ErrorValidation, CodeOutOfRange)
}

func TestFailedFlushKeepsPosition(t *testing.T) {
	api := newFakeAPI()
	api.answerFn = func(int) error { return NewOfflineError(nil) }
	m, _ := newTestMachine(t, api)
	ctx := context.Background()
	require.NoError(t, m.StartSession(ctx, "t-1", false))

	require.NoError(t, m.UpdateAnswer(json.RawMessage(`"A"`)))
	err := m.NavigateToQuestion(ctx, 1)
	assertErrorType(t, err, ErrorOffline, "")

	snap := m.Snapshot()
	assert.Equal(t, 0, snap.Session.CurrentQuestionIndex)
	assert.True(t, snap.Session.HasUnsavedChanges)
	assert.JSONEq(t, `"A"`, string(snap.StagedAnswer))
	assert.Empty(t, api.navigates)
}

func TestSkipRules(t *testing.T) {
	api := newFakeAPI()
	m, _ := newTestMachine(t, api)
	ctx := context.Background()
	require.NoError(t, m.StartSession(ctx, "t-1", false))

	require.NoError(t, m.UpdateAnswer(json.RawMessage(`"A"`)))
	assertErrorType(t, m.SkipQuestion(ctx), ErrorValidation, CodeAnswerStaged)

	require.NoError(t, m.SubmitAnswer(ctx))
	require.NoError(t, m.SkipQuestion(ctx))

	snap := m.Snapshot()
	assert.Empty(t, snap.Session.AnsweredQuestions)
	assert.Equal(t, IndexSet{0}, snap.Session.SkippedQuestions)

	assertErrorType(t, m.SubmitAnswer(ctx), ErrorValidation, CodeNoAnswer)
}

func TestSectionFlowAndBackwardLock(t *testing.T) {
	api := newFakeAPI()
	api.startFn = func(string, bool) (*model.SessionInfo, error) {
		return sectionedInfo("s-3", 3, 2, 60), nil
	}
	next := 1
	api.sectionFn = func() (*model.SectionSummary, error) {
		s := &model.SectionSummary{NextSectionIndex: next, NextSectionSeconds: 45}
		next++
		return s, nil
	}
	m, _ := newTestMachine(t, api)
	ctx := context.Background()
	require.NoError(t, m.StartSession(ctx, "t-1", false))

	snap := m.Snapshot()
	assert.Equal(t, ScopeSection, snap.Timer.Scope)
	assert.Equal(t, RouteSubmitSection, snap.SubmitRoute)

	answer(t, m, `"A"`)
	require.NoError(t, m.Dispatch(ctx, SubmitIntent{}))

	snap = m.Snapshot()
	assert.Equal(t, 1, snap.Session.CurrentSectionIndex)
	assert.Equal(t, model.SectionStatusSubmitted, snap.Session.Sections[0].Status)
	assert.Equal(t, 45, snap.Timer.RemainingSeconds)
	assert.Empty(t, snap.Session.AnsweredQuestions)
	assert.Equal(t, RouteSubmitSection, snap.SubmitRoute)

	err := m.NavigateToSectionQuestion(ctx, 0, 0)
	assertErrorType(t, err, ErrorValidation, CodeLocked)
	err = m.NavigateToSectionQuestion(ctx, 2, 0)
	assertErrorType(t, err, ErrorValidation, CodeOutOfRange)
	require.NoError(t, m.NavigateToSectionQuestion(ctx, 1, 1))

	require.NoError(t, m.Submit(ctx))
	snap = m.Snapshot()
	assert.Equal(t, 2, snap.Session.CurrentSectionIndex)
	assert.Equal(t, []int{0, 1}, snap.Navigation.CompletedSections)
	assert.Equal(t, RouteSubmitTest, snap.SubmitRoute)

	require.NoError(t, m.Submit(ctx))
	assert.Equal(t, StateCompleted, m.Snapshot().State)
	assert.Equal(t, 2, api.count(func(f *fakeAPI) int { return f.sections }))
	assert.Equal(t, 1, api.count(func(f *fakeAPI) int { return f.submits }))
}

func TestSectionExpiryMarksSectionExpired(t *testing.T) {
	api := newFakeAPI()
	api.startFn = func(string, bool) (*model.SessionInfo, error) {
		return sectionedInfo("s-3", 3, 2, 1), nil
	}
	api.sectionFn = func() (*model.SectionSummary, error) {
		return &model.SectionSummary{NextSectionIndex: 1}, nil
	}
	m, pub := newTestMachine(t, api)
	ctx := context.Background()
	require.NoError(t, m.StartSession(ctx, "t-1", false))

	m.Tick(ctx)

	snap := m.Snapshot()
	assert.Equal(t, StateActive, snap.State)
	assert.Equal(t, 1, snap.Session.CurrentSectionIndex)
	assert.Equal(t, model.SectionStatusExpired, snap.Session.Sections[0].Status)
	assert.Equal(t, 1, snap.Timer.RemainingSeconds, "next section uses its own duration")
	assert.Contains(t, pub.types(), model.AttemptEventSectionSubmitted)
}

func TestSubmitSectionOnUnsectionedTest(t *testing.T) {
	m, _ := newTestMachine(t, newFakeAPI())
	ctx := context.Background()
	require.NoError(t, m.StartSession(ctx, "t-1", false))
	assertErrorType(t, m.SubmitSection(ctx), ErrorValidation, CodeNotSectioned)
}

func TestConflictRejoinFailureThenStartFresh(t *testing.T) {
	api := newFakeAPI()
	existing := &model.ExistingSession{SessionID: "old", TestID: "t-1", Resumable: true}
	api.startFn = func(testID string, forceNew bool) (*model.SessionInfo, error) {
		if !forceNew {
			return nil, NewConflictError(existing, nil)
		}
		return unsectionedInfo("fresh", testID, 10, 600), nil
	}
	api.rejoinFn = func(string) (*model.SessionInfo, error) {
		return nil, NewFatalError(CodeServer, "rejoin exploded", nil)
	}
	m, _ := newTestMachine(t, api)
	ctx := context.Background()

	err := m.StartSession(ctx, "t-1", false)
	assertErrorType(t, err, ErrorConflict, "")
	assert.Equal(t, []string{"old"}, api.rejoins, "resumable conflict is rejoined automatically")

	snap := m.Snapshot()
	assert.Equal(t, StateConflictPending, snap.State)
	require.NotNil(t, snap.Restoration)
	assert.Equal(t, []Option{OptionResume, OptionStartFresh}, snap.Restoration.Options)

	require.NoError(t, m.Dispatch(ctx, RestoreIntent{Choice: OptionStartFresh}))

	assert.Equal(t, []startCall{{"t-1", false}, {"t-1", true}}, api.starts)
	snap = m.Snapshot()
	assert.Equal(t, StateActive, snap.State)
	assert.Equal(t, "fresh", snap.Session.SessionID)
	assert.Nil(t, snap.Restoration)
	assert.Nil(t, snap.Error)
}

func TestConflictRejoinSucceeds(t *testing.T) {
	api := newFakeAPI()
	api.startFn = func(string, bool) (*model.SessionInfo, error) {
		return nil, NewConflictError(&model.ExistingSession{SessionID: "old", TestID: "t-1", Resumable: true}, nil)
	}
	api.rejoinFn = func(id string) (*model.SessionInfo, error) {
		info := unsectionedInfo(id, "t-1", 10, 300)
		info.CurrentQuestionIndex = 6
		info.AnsweredQuestions = []int{0, 1, 2}
		info.SkippedQuestions = []int{5}
		return info, nil
	}
	m, pub := newTestMachine(t, api)

	require.NoError(t, m.StartSession(context.Background(), "t-1", false))
	snap := m.Snapshot()
	assert.Equal(t, StateActive, snap.State)
	assert.Equal(t, "old", snap.Session.SessionID)
	assert.Equal(t, 6, snap.Session.CurrentQuestionIndex)
	assert.Equal(t, IndexSet{0, 1, 2}, snap.Session.AnsweredQuestions)
	assert.Equal(t, IndexSet{5}, snap.Session.SkippedQuestions)
	assert.Equal(t, 300, snap.Timer.RemainingSeconds)
	assert.Equal(t, []model.AttemptEventType{model.AttemptEventRejoined}, pub.types())
}

func TestConflictWithoutResumableSessionWaitsForChoice(t *testing.T) {
	api := newFakeAPI()
	api.startFn = func(testID string, forceNew bool) (*model.SessionInfo, error) {
		if !forceNew {
			return nil, NewConflictError(&model.ExistingSession{SessionID: "old", TestID: testID}, nil)
		}
		return unsectionedInfo("new", testID, 5, 60), nil
	}
	m, _ := newTestMachine(t, api)
	ctx := context.Background()

	require.Error(t, m.StartSession(ctx, "t-1", false))
	assert.Empty(t, api.rejoins)
	assert.Equal(t, StateConflictPending, m.Snapshot().State)

	require.NoError(t, m.ChooseRestoration(ctx, OptionResume))
	assert.Equal(t, []string{"old"}, api.rejoins)
	assert.Equal(t, "old", m.Snapshot().Session.SessionID)
}

func TestRecoveryFailureOnlyOffersStartFresh(t *testing.T) {
	api := newFakeAPI()
	api.startFn = func(testID string, forceNew bool) (*model.SessionInfo, error) {
		if !forceNew {
			return nil, NewRecoveryFailure(errors.New("corrupt session"))
		}
		info := unsectionedInfo("new", testID, 5, 60)
		info.AttemptsUsed = 1
		info.AttemptsAllowed = 3
		return info, nil
	}
	m, _ := newTestMachine(t, api)
	ctx := context.Background()

	err := m.StartSession(ctx, "t-1", false)
	assertErrorType(t, err, ErrorRecoveryFailed, "")

	snap := m.Snapshot()
	assert.Equal(t, StateRecoveryFailed, snap.State)
	require.NotNil(t, snap.Restoration)
	assert.Equal(t, []Option{OptionStartFresh}, snap.Restoration.Options)
	assert.True(t, snap.Restoration.AttemptNeutral)
	assert.NotContains(t, snap.Error.Options, OptionResume)

	assertErrorType(t, m.ChooseRestoration(ctx, OptionResume), ErrorValidation, CodeInvalidChoice)
	assertErrorType(t, m.RejoinSession(ctx, "anything"), ErrorValidation, CodeInvalidState)
	assert.Empty(t, api.rejoins)

	require.NoError(t, m.ChooseRestoration(ctx, OptionStartFresh))
	snap = m.Snapshot()
	assert.Equal(t, StateActive, snap.State)
	assert.Equal(t, 1, snap.Session.AttemptsUsed)
}

func TestFatalStartAndRetry(t *testing.T) {
	api := newFakeAPI()
	api.startFn = func(string, bool) (*model.SessionInfo, error) {
		return nil, errors.New("boom")
	}
	m, _ := newTestMachine(t, api)
	ctx := context.Background()

	assertErrorType(t, m.StartSession(ctx, "t-1", false), ErrorFatal, CodeServer)
	snap := m.Snapshot()
	assert.Equal(t, StateError, snap.State)
	assert.Equal(t, []Option{OptionRetry, OptionAbandon, OptionDashboard}, snap.Error.Options)

	require.NoError(t, m.Dispatch(ctx, RetryIntent{}))
	assert.Equal(t, StateIdle, m.Snapshot().State)
	assertErrorType(t, m.Retry(), ErrorValidation, CodeInvalidState)
}

func TestExpiryWaitsForInFlightOperation(t *testing.T) {
	api := newFakeAPI()
	api.startFn = func(testID string, _ bool) (*model.SessionInfo, error) {
		return unsectionedInfo("s-1", testID, 5, 1), nil
	}
	entered := make(chan struct{})
	unblock := make(chan struct{})
	api.answerFn = func(int) error {
		close(entered)
		<-unblock
		return nil
	}
	m, _ := newTestMachine(t, api)
	ctx := context.Background()
	require.NoError(t, m.StartSession(ctx, "t-1", false))
	require.NoError(t, m.UpdateAnswer(json.RawMessage(`"A"`)))

	done := make(chan error, 1)
	go func() { done <- m.SubmitAnswer(ctx) }()
	<-entered

	m.Tick(ctx)
	assert.Equal(t, 0, api.count(func(f *fakeAPI) int { return f.submits }), "forced submit must wait")
	assertErrorType(t, m.SkipQuestion(ctx), ErrorAlreadySubmitting, "")

	close(unblock)
	require.NoError(t, <-done)

	assert.Equal(t, 1, api.count(func(f *fakeAPI) int { return f.submits }))
	snap := m.Snapshot()
	assert.Equal(t, StateCompleted, snap.State)
	require.NotNil(t, api.finalState)
	assert.Equal(t, IndexSet{0}, api.finalState.Session.AnsweredQuestions)
}

func TestExpiryDuringSectionSubmitStaysWithThatSection(t *testing.T) {
	api := newFakeAPI()
	api.startFn = func(string, bool) (*model.SessionInfo, error) {
		return sectionedInfo("s-3", 3, 2, 1), nil
	}
	entered := make(chan struct{})
	unblock := make(chan struct{})
	var once sync.Once
	api.sectionFn = func() (*model.SectionSummary, error) {
		once.Do(func() {
			close(entered)
			<-unblock
		})
		return &model.SectionSummary{NextSectionIndex: 1, NextSectionSeconds: 300}, nil
	}
	m, _ := newTestMachine(t, api)
	ctx := context.Background()
	require.NoError(t, m.StartSession(ctx, "t-1", false))

	done := make(chan error, 1)
	go func() { done <- m.SubmitSection(ctx) }()
	<-entered

	m.Tick(ctx)
	close(unblock)
	require.NoError(t, <-done)

	snap := m.Snapshot()
	assert.Equal(t, StateActive, snap.State)
	assert.Equal(t, 1, api.count(func(f *fakeAPI) int { return f.sections }))
	assert.Equal(t, 1, snap.Session.CurrentSectionIndex)
	assert.Equal(t, model.SectionStatusExpired, snap.Session.Sections[0].Status)
	assert.Equal(t, 300, snap.Timer.RemainingSeconds)

	m.Tick(ctx)
	assert.Equal(t, 299, m.Snapshot().Timer.RemainingSeconds)
	assert.Equal(t, 1, api.count(func(f *fakeAPI) int { return f.sections }))
}

func TestUnmountGuardsInFlightResults(t *testing.T) {
	api := newFakeAPI()
	entered := make(chan struct{})
	unblock := make(chan struct{})
	api.answerFn = func(int) error {
		close(entered)
		<-unblock
		return nil
	}
	m, _ := newTestMachine(t, api)
	ctx := context.Background()
	require.NoError(t, m.StartSession(ctx, "t-1", false))
	updates, cancel := m.Subscribe()
	defer cancel()

	require.NoError(t, m.UpdateAnswer(json.RawMessage(`"A"`)))
	done := make(chan error, 1)
	go func() { done <- m.SubmitAnswer(ctx) }()
	<-entered

	m.Unmount(ctx, true)
	assert.Equal(t, 1, api.count(func(f *fakeAPI) int { return f.abandons }), "best-effort abandon still fires")

	close(unblock)
	err := <-done
	assertErrorType(t, err, ErrorValidation, CodeUnmounted)

	for range updates {
	}
	assert.False(t, m.Mounted())
	assertErrorType(t, m.NavigateToQuestion(ctx, 1), ErrorValidation, CodeUnmounted)
}

func TestReviewModeIsReadOnly(t *testing.T) {
	m, _ := newTestMachine(t, newFakeAPI())
	ctx := context.Background()
	require.NoError(t, m.StartSession(ctx, "t-1", false))

	require.NoError(t, m.Dispatch(ctx, StartReviewIntent{}))
	snap := m.Snapshot()
	assert.Equal(t, StateReviewing, snap.State)
	assert.Equal(t, model.SessionStatusReviewing, snap.Session.Status)

	assertErrorType(t, m.UpdateAnswer(json.RawMessage(`"A"`)), ErrorValidation, CodeReviewReadOnly)
	assertErrorType(t, m.SkipQuestion(ctx), ErrorValidation, CodeReviewReadOnly)
	require.NoError(t, m.NavigateToQuestion(ctx, 2))

	require.NoError(t, m.Dispatch(ctx, ContinueAnsweringIntent{}))
	assert.Equal(t, StateActive, m.Snapshot().State)
	assert.Equal(t, 2, m.Snapshot().Session.CurrentQuestionIndex)
}

func TestAbandonTest(t *testing.T) {
	api := newFakeAPI()
	m, pub := newTestMachine(t, api)
	ctx := context.Background()
	require.NoError(t, m.StartSession(ctx, "t-1", false))

	require.NoError(t, m.Dispatch(ctx, AbandonIntent{}))
	snap := m.Snapshot()
	assert.Equal(t, StateAbandoned, snap.State)
	assert.False(t, snap.Timer.Running)
	assert.Equal(t, 1, api.abandons)
	assert.Contains(t, pub.types(), model.AttemptEventAbandoned)

	assertErrorType(t, m.AbandonTest(ctx), ErrorValidation, CodeInvalidState)
}

func TestServerEventsReachMachine(t *testing.T) {
	api := newFakeAPI()
	m, _ := newTestMachine(t, api)
	ctx := context.Background()
	require.NoError(t, m.StartSession(ctx, "t-1", false))

	m.Dispatch(ctx, ChannelEvent{Connected: true})
	assert.True(t, m.Connection().Healthy())

	m.Dispatch(ctx, TimeSyncEvent{RemainingSeconds: 125})
	assert.Equal(t, "02:05", m.FormatTimeRemaining())

	m.Dispatch(ctx, ForceSubmitEvent{})
	assert.Equal(t, StateCompleted, m.Snapshot().State)
}

type draftRecorder struct {
	mu     sync.Mutex
	drafts []int
}

func (d *draftRecorder) MirrorDraft(_ string, index int, _ json.RawMessage) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.drafts = append(d.drafts, index)
}

func TestDraftsMirroredOnlyWhenConnected(t *testing.T) {
	api := newFakeAPI()
	drafts := &draftRecorder{}
	m := NewMachine(api, MachineConfig{Drafts: drafts}, zerolog.Nop())
	ctx := context.Background()
	require.NoError(t, m.StartSession(ctx, "t-1", false))

	require.NoError(t, m.UpdateAnswer(json.RawMessage(`"A"`)))
	assert.Empty(t, drafts.drafts)

	m.SetChannelConnected(ctx, true)
	require.NoError(t, m.UpdateAnswer(json.RawMessage(`"B"`)))
	assert.Equal(t, []int{0}, drafts.drafts)
}

func TestSubscribeDeliversLatestSnapshot(t *testing.T) {
	m, _ := newTestMachine(t, newFakeAPI())
	updates, cancel := m.Subscribe()

	first := <-updates
	assert.Equal(t, StateIdle, first.State)

	require.NoError(t, m.StartSession(context.Background(), "t-1", false))
	latest := <-updates
	assert.Equal(t, StateActive, latest.State)

	cancel()
	_, ok := <-updates
	assert.False(t, ok)
}
