// internal/devserver/state.go
package devserver

import (
	"sync"

	"github.com/signalnine/rmmclient/internal/protocol"
)

// State is the simulator's in-memory view of the fleet
type State struct {
	mu       sync.Mutex
	machines map[string]protocol.Machine
	logs     map[string][]protocol.LogEntry
}

// NewState creates an empty state
func NewState() *State {
	return &State{
		machines: make(map[string]protocol.Machine),
		logs:     make(map[string][]protocol.LogEntry),
	}
}

// PutMachine registers or replaces a machine
func (s *State) PutMachine(m protocol.Machine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.machines[m.ID] = m
}

// Machine looks up a machine by id
func (s *State) Machine(id string) (protocol.Machine, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.machines[id]
	return m, ok
}

// SetStatus updates a known machine's status
func (s *State) SetStatus(id, status string) (protocol.Machine, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.machines[id]
	if !ok {
		return protocol.Machine{}, false
	}
	m.Status = status
	s.machines[id] = m
	return m, true
}

// AppendLog stores an entry for a known machine
func (s *State) AppendLog(id string, e protocol.LogEntry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.machines[id]; !ok {
		return false
	}
	s.logs[id] = append(s.logs[id], e)
	return true
}

// Logs returns a copy of a machine's entries in arrival order
func (s *State) Logs(id string) []protocol.LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.LogEntry, len(s.logs[id]))
	copy(out, s.logs[id])
	return out
}
