package engine

import (
	"slices"

	"github.com/stemsi/exstem-taker/internal/model"
)

// NavigationContext is the derived view of a Session's position and progress.
// It is never stored or mutated; Project recomputes it after every transition.
type NavigationContext struct {
	UseSections             bool           `json:"use_sections"`
	CurrentSection          *model.Section `json:"current_section,omitempty"`
	CurrentSectionIndex     int            `json:"current_section_index"`
	CurrentQuestionIndex    int            `json:"current_question_index"`
	AnsweredQuestions       []int          `json:"answered_questions"`
	SkippedQuestions        []int          `json:"skipped_questions"`
	TotalQuestions          int            `json:"total_questions"`
	TotalQuestionsInSection int            `json:"total_questions_in_section"`
	CanGoBack               bool           `json:"can_go_back"`
	CanGoForward            bool           `json:"can_go_forward"`
	IsLastSection           bool           `json:"is_last_section"`
	TotalSections           int            `json:"total_sections"`
	CompletedSections       []int          `json:"completed_sections"`
}

// Project derives the NavigationContext of s.
func Project(s Session) NavigationContext {
	scopeTotal := s.TotalQuestionsInSection()

	nav := NavigationContext{
		UseSections:             s.UseSections,
		CurrentSectionIndex:     s.CurrentSectionIndex,
		CurrentQuestionIndex:    s.CurrentQuestionIndex,
		AnsweredQuestions:       slices.Clone([]int(s.AnsweredQuestions)),
		SkippedQuestions:        slices.Clone([]int(s.SkippedQuestions)),
		TotalQuestions:          s.TotalQuestions,
		TotalQuestionsInSection: scopeTotal,
		CanGoBack:               s.CurrentQuestionIndex > 0,
		CanGoForward:            s.CurrentQuestionIndex < scopeTotal-1,
		TotalSections:           len(s.Sections),
		CompletedSections:       []int{},
	}
	if nav.AnsweredQuestions == nil {
		nav.AnsweredQuestions = []int{}
	}
	if nav.SkippedQuestions == nil {
		nav.SkippedQuestions = []int{}
	}

	if !s.UseSections {
		nav.IsLastSection = true
		return nav
	}

	for i, sec := range s.Sections {
		if sec.Status.IsTerminal() {
			nav.CompletedSections = append(nav.CompletedSections, i)
		}
	}
	if s.CurrentSectionIndex >= 0 && s.CurrentSectionIndex < len(s.Sections) {
		sec := s.Sections[s.CurrentSectionIndex]
		nav.CurrentSection = &sec
	}
	nav.IsLastSection = s.CurrentSectionIndex == len(s.Sections)-1
	return nav
}

// SubmitRoute names the server call a "Submit" action resolves to.
type SubmitRoute string

const (
	RouteSubmitTest    SubmitRoute = "submit_test"
	RouteSubmitSection SubmitRoute = "submit_section"
)

// RouteSubmit applies the submit tie-break to the current context. It must be
// evaluated at the moment of the action since CompletedSections changes as
// sections finish.
func RouteSubmit(nav NavigationContext) SubmitRoute {
	if !nav.UseSections {
		return RouteSubmitTest
	}
	if nav.IsLastSection || len(nav.CompletedSections) >= nav.TotalSections-1 {
		return RouteSubmitTest
	}
	return RouteSubmitSection
}
