package journal

import (
	"sync"
	"time"

	"github.com/eddiefleurent/condorbot/internal/models"
)

// MockJournal implements Interface in memory for testing
type MockJournal struct {
	mu          sync.Mutex
	recordError error
	entries     []Entry
	recordCalls int
}

// NewMockJournal creates an empty in-memory journal
func NewMockJournal() *MockJournal {
	return &MockJournal{}
}

// Record stores the row unless an error has been injected
func (m *MockJournal) Record(snap models.OrderSnapshot, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recordCalls++
	if m.recordError != nil {
		return m.recordError
	}
	m.entries = append(m.entries, NewEntry(snap, errMsg, time.Now()))
	return nil
}

func (m *MockJournal) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.entries...)
}

func (m *MockJournal) Statistics() *Statistics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return computeStatistics(m.entries)
}

// Mock control methods for testing
func (m *MockJournal) SetRecordError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recordError = err
}

func (m *MockJournal) GetRecordCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recordCalls
}
