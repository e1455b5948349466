package monitor

import (
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/devcrew/internal/orchestrator"
)

// fixedClock returns a clock that advances by step on every call.
func fixedClock(start time.Time, step time.Duration) func() time.Time {
	cur := start
	return func() time.Time {
		t := cur
		cur = cur.Add(step)
		return t
	}
}

func newTestModel(events <-chan orchestrator.Event) Model {
	m := NewModel("s1", events, 10)
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	m.started = start
	m.now = fixedClock(start.Add(2*time.Second), 2*time.Second)
	return m
}

func TestNewModel(t *testing.T) {
	m := NewModel("s1", nil, 25)
	assert.Equal(t, "s1", m.sessionID)
	assert.Equal(t, 25, m.maxSteps)
	assert.False(t, m.quitting)
	assert.Empty(t, m.hits)
}

func TestModel_Init(t *testing.T) {
	m := NewModel("s1", make(chan orchestrator.Event), 10)
	assert.NotNil(t, m.Init())
}

func TestModel_Update_QuitKey(t *testing.T) {
	m := newTestModel(nil)
	updated, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})

	got := updated.(Model)
	assert.True(t, got.quitting)
	assert.NotNil(t, cmd)
	assert.Empty(t, got.View())
}

func TestWaitForEvent(t *testing.T) {
	ch := make(chan orchestrator.Event, 1)
	ch <- orchestrator.Event{Node: "supervisor"}
	msg := waitForEvent(ch)()
	ev, ok := msg.(eventMsg)
	require.True(t, ok)
	assert.Equal(t, "supervisor", ev.Node)

	close(ch)
	_, ok = waitForEvent(ch)().(closedMsg)
	assert.True(t, ok)
}

func TestModel_Update_Events(t *testing.T) {
	m := newTestModel(make(chan orchestrator.Event))

	updated, cmd := m.Update(eventMsg(orchestrator.Event{
		SessionID:  "s1",
		Node:       "supervisor",
		Turn:       1,
		DeltaTrace: []string{"🧭 [Turn 1] Supervisor routed to coder\n"},
	}))
	assert.NotNil(t, cmd, "the pump keeps waiting for events")
	first := updated.(Model)

	updated, _ = first.Update(eventMsg(orchestrator.Event{
		Node:       "coder",
		Turn:       2,
		DeltaTrace: []string{"🛠️ [Turn 2] Coder is working...\n"},
	}))
	second := updated.(Model)

	assert.Equal(t, "coder", second.node)
	assert.Equal(t, 2, second.turn)
	assert.Equal(t, 2, second.steps)
	assert.Equal(t, map[string]int{"supervisor": 1, "coder": 1}, second.hits)
	assert.Len(t, second.trace, 2)
	assert.Equal(t, []float64{2, 2}, second.stepTimes)

	// earlier models are not changed by later events
	assert.Equal(t, map[string]int{"supervisor": 1}, first.hits)
	assert.Len(t, first.trace, 1)
}

func TestModel_Update_DoneAndClosed(t *testing.T) {
	m := newTestModel(make(chan orchestrator.Event))
	updated, _ := m.Update(eventMsg(orchestrator.Event{Node: orchestrator.NodeFinalReport, Turn: 4, Done: true}))
	updated, cmd := updated.Update(closedMsg{})
	got := updated.(Model)

	assert.Nil(t, cmd)
	assert.True(t, got.done)
	assert.True(t, got.closed)

	view := got.View()
	assert.Contains(t, view, "✓ DONE")
	assert.Contains(t, view, "stream closed")
}

func TestModel_View(t *testing.T) {
	m := newTestModel(make(chan orchestrator.Event))
	view := m.View()
	assert.Contains(t, view, "devcrew session")
	assert.Contains(t, view, "s1")
	assert.Contains(t, view, "waiting")
	assert.Contains(t, view, "no nodes yet")
	assert.Contains(t, view, "no data")
	assert.Contains(t, view, "[q]")

	var updated tea.Model = m
	for _, node := range []string{"supervisor", "coder", "supervisor"} {
		updated, _ = updated.Update(eventMsg(orchestrator.Event{
			Node:       node,
			Turn:       1,
			DeltaTrace: []string{node + " ran\n"},
		}))
	}
	view = updated.(Model).View()
	assert.Contains(t, view, "supervisor ×2")
	assert.Contains(t, view, "coder ×1")
	assert.Contains(t, view, "coder ran")
	assert.Contains(t, view, "3/10")
	assert.Contains(t, view, "RUNNING")
}

func TestModel_View_Failure(t *testing.T) {
	m := newTestModel(make(chan orchestrator.Event))
	updated, _ := m.Update(eventMsg(orchestrator.Event{Node: "coder", Err: "model unavailable"}))
	view := updated.(Model).View()
	assert.Contains(t, view, "✗ FAILED")
	assert.Contains(t, view, "model unavailable")
}

func TestModel_WindowResize(t *testing.T) {
	m := newTestModel(nil)
	updated, _ := m.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	got := updated.(Model)
	assert.Equal(t, 114, got.viewport.Width)
	assert.Equal(t, 40-chromeHeight, got.viewport.Height)
}

func TestAppendToHistory(t *testing.T) {
	var h []float64
	for i := 0; i < historySize+5; i++ {
		h = appendToHistory(h, float64(i))
	}
	assert.Len(t, h, historySize)
	assert.Equal(t, float64(5), h[0])
}
