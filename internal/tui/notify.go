package tui

import (
	tea "github.com/charmbracelet/bubbletea"

	"ragnotes/internal/domain"
	"ragnotes/internal/supervisor"
)

// IndexChangedMsg tells the model the block index changed.
type IndexChangedMsg struct{}

// WorkerStateMsg carries a worker state transition.
type WorkerStateMsg supervisor.State

// Notifier forwards index and worker events into a running program.
// Send is usually (*tea.Program).Send.
type Notifier struct {
	Send func(tea.Msg)
}

func (n Notifier) OnAdded(domain.Block)   { n.Send(IndexChangedMsg{}) }
func (n Notifier) OnUpdated(domain.Block) { n.Send(IndexChangedMsg{}) }
func (n Notifier) OnRemoved(string)       { n.Send(IndexChangedMsg{}) }
func (n Notifier) OnCleared()             { n.Send(IndexChangedMsg{}) }

// WorkerState is a supervisor listener.
func (n Notifier) WorkerState(s supervisor.State) { n.Send(WorkerStateMsg(s)) }
