package engine

import (
	"bytes"
	"encoding/json"
	"slices"
)

// AnswerBuffer holds the single staged answer for the current question.
// Nothing is kept once it is cleared; persisted answers live on the server.
type AnswerBuffer struct {
	questionIndex int
	value         json.RawMessage
}

// Stage replaces the staged answer. An empty value clears the buffer.
func (b *AnswerBuffer) Stage(questionIndex int, value json.RawMessage) {
	if len(bytes.TrimSpace(value)) == 0 {
		b.Clear()
		return
	}
	b.questionIndex = questionIndex
	b.value = slices.Clone(value)
}

// Clear drops the staged answer.
func (b *AnswerBuffer) Clear() {
	b.value = nil
	b.questionIndex = 0
}

// HasValue reports whether an answer is staged.
func (b *AnswerBuffer) HasValue() bool {
	return b.value != nil
}

// StagedFor reports whether an answer is staged for question i.
func (b *AnswerBuffer) StagedFor(i int) bool {
	return b.HasValue() && b.questionIndex == i
}

// Value returns a copy of the staged answer and the question it belongs to.
func (b *AnswerBuffer) Value() (json.RawMessage, int, bool) {
	if !b.HasValue() {
		return nil, 0, false
	}
	return slices.Clone(b.value), b.questionIndex, true
}

// ClearIf drops the staged answer only if it still equals value, so an edit
// made while a submit was in flight is not lost.
func (b *AnswerBuffer) ClearIf(questionIndex int, value json.RawMessage) bool {
	if b.StagedFor(questionIndex) && bytes.Equal(b.value, value) {
		b.Clear()
		return true
	}
	return false
}
