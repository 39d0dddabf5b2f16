package engine

import (
	"slices"

	"github.com/stemsi/exstem-taker/internal/model"
)

// State is the lifecycle state of the Machine.
type State string

const (
	StateIdle            State = "idle"
	StateStarting        State = "starting"
	StateActive          State = "active"
	StateReviewing       State = "reviewing"
	StateSubmitting      State = "submitting"
	StateCompleted       State = "completed"
	StateAbandoned       State = "abandoned"
	StateError           State = "error"
	StateConflictPending State = "conflict-pending"
	StateRecoveryFailed  State = "recovery-failed"
)

// IsTerminal reports whether the attempt has concluded.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateAbandoned
}

func (s State) in(states ...State) bool {
	return slices.Contains(states, s)
}

// IndexSet is an ordered set of question indices. The order is the one the
// server reported followed by local insertions, so rejoin round-trips exactly.
type IndexSet []int

// Has reports whether i is a member.
func (s IndexSet) Has(i int) bool {
	return slices.Contains(s, i)
}

// With returns a copy containing i.
func (s IndexSet) With(i int) IndexSet {
	out := slices.Clone(s)
	if out == nil {
		out = IndexSet{}
	}
	if out.Has(i) {
		return out
	}
	return append(out, i)
}

// Without returns a copy not containing i.
func (s IndexSet) Without(i int) IndexSet {
	out := make(IndexSet, 0, len(s))
	for _, v := range s {
		if v != i {
			out = append(out, v)
		}
	}
	return out
}

// Session is one attempt at a test as seen by the engine.
type Session struct {
	SessionID            string              `json:"session_id"`
	TestID               string              `json:"test_id"`
	UserID               string              `json:"user_id,omitempty"`
	Status               model.SessionStatus `json:"status"`
	UseSections          bool                `json:"use_sections"`
	Sections             []model.Section     `json:"sections,omitempty"`
	CurrentSectionIndex  int                 `json:"current_section_index"`
	CurrentQuestionIndex int                 `json:"current_question_index"`
	AnsweredQuestions    IndexSet            `json:"answered_questions"`
	SkippedQuestions     IndexSet            `json:"skipped_questions"`
	TotalQuestions       int                 `json:"total_questions"`
	HasUnsavedChanges    bool                `json:"has_unsaved_changes"`
	AttemptsUsed         int                 `json:"attempts_used"`
	AttemptsAllowed      int                 `json:"attempts_allowed"`
}

// TotalQuestionsInSection is the question count of the current section,
// or the whole test when unsectioned.
func (s Session) TotalQuestionsInSection() int {
	if s.UseSections && s.CurrentSectionIndex >= 0 && s.CurrentSectionIndex < len(s.Sections) {
		return s.Sections[s.CurrentSectionIndex].QuestionCount
	}
	return s.TotalQuestions
}

// ScopeDuration is the allotted duration of the current section, zero when unsectioned.
func (s Session) ScopeDuration() int {
	if s.UseSections && s.CurrentSectionIndex >= 0 && s.CurrentSectionIndex < len(s.Sections) {
		return s.Sections[s.CurrentSectionIndex].DurationSeconds
	}
	return 0
}

// Clone returns a deep copy so snapshots never alias live state.
func (s Session) Clone() Session {
	s.Sections = slices.Clone(s.Sections)
	s.AnsweredQuestions = slices.Clone(s.AnsweredQuestions)
	s.SkippedQuestions = slices.Clone(s.SkippedQuestions)
	return s
}

// sessionFromInfo replays server-held state into a fresh local Session.
// Position and answer sets are taken verbatim.
func sessionFromInfo(info *model.SessionInfo) Session {
	status := model.SessionStatusActive
	if info.Reviewing {
		status = model.SessionStatusReviewing
	}
	answered := IndexSet(slices.Clone(info.AnsweredQuestions))
	if answered == nil {
		answered = IndexSet{}
	}
	skipped := IndexSet(slices.Clone(info.SkippedQuestions))
	if skipped == nil {
		skipped = IndexSet{}
	}
	return Session{
		SessionID:            info.SessionID,
		TestID:               info.TestID,
		UserID:               info.UserID,
		Status:               status,
		UseSections:          info.UseSections,
		Sections:             slices.Clone(info.Sections),
		CurrentSectionIndex:  info.CurrentSectionIndex,
		CurrentQuestionIndex: info.CurrentQuestionIndex,
		AnsweredQuestions:    answered,
		SkippedQuestions:     skipped,
		TotalQuestions:       info.TotalQuestions,
		AttemptsUsed:         info.AttemptsUsed,
		AttemptsAllowed:      info.AttemptsAllowed,
	}
}

func withStatus(s Session, status model.SessionStatus) Session {
	s = s.Clone()
	s.Status = status
	return s
}

// withAnswered marks i answered. Answered and skipped stay disjoint.
func withAnswered(s Session, i int) Session {
	s = s.Clone()
	s.AnsweredQuestions = s.AnsweredQuestions.With(i)
	s.SkippedQuestions = s.SkippedQuestions.Without(i)
	return s
}

// withSkipped marks i skipped, reclassifying it if it was answered.
func withSkipped(s Session, i int) Session {
	s = s.Clone()
	s.SkippedQuestions = s.SkippedQuestions.With(i)
	s.AnsweredQuestions = s.AnsweredQuestions.Without(i)
	return s
}

func withPosition(s Session, i int) Session {
	s = s.Clone()
	s.CurrentQuestionIndex = i
	return s
}

func withUnsaved(s Session, unsaved bool) Session {
	s = s.Clone()
	s.HasUnsavedChanges = unsaved
	return s
}

// withSectionFinalized closes the current section and, unless it was the last
// one, opens the next with a fresh position and answer scope.
func withSectionFinalized(s Session, final model.SectionStatus, next *model.SectionSummary) Session {
	s = s.Clone()
	if s.CurrentSectionIndex < len(s.Sections) {
		s.Sections[s.CurrentSectionIndex].Status = final
	}
	if next == nil || s.CurrentSectionIndex >= len(s.Sections)-1 {
		return s
	}
	idx := next.NextSectionIndex
	if idx <= s.CurrentSectionIndex || idx >= len(s.Sections) {
		idx = s.CurrentSectionIndex + 1
	}
	s.CurrentSectionIndex = idx
	s.Sections[idx].Status = model.SectionStatusActive
	s.CurrentQuestionIndex = 0
	if next.Question != nil {
		s.CurrentQuestionIndex = next.Question.QuestionIndex
	}
	s.AnsweredQuestions = IndexSet{}
	s.SkippedQuestions = IndexSet{}
	s.HasUnsavedChanges = false
	s.Status = model.SessionStatusActive
	return s
}
