package journal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gocarina/gocsv"

	"github.com/eddiefleurent/condorbot/internal/models"
)

// Entry is one row of the journal.
type Entry struct {
	Time        string  `csv:"time"`
	ID          string  `csv:"id"`
	GatewayID   string  `csv:"gateway_id"`
	Symbol      string  `csv:"symbol"`
	Action      string  `csv:"action"`
	Combo       string  `csv:"combo"`
	State       string  `csv:"state"`
	Error       string  `csv:"error"`
	Quantity    int     `csv:"quantity"`
	Adjustments int     `csv:"adjustments"`
	Cancels     int     `csv:"cancels"`
	LimitPrice  float64 `csv:"limit_price"`
	FillPrice   float64 `csv:"fill_price"`
	Adaptive    bool    `csv:"adaptive"`
	Preview     bool    `csv:"preview"`
}

// NewEntry flattens a handle snapshot into a journal row.
func NewEntry(snap models.OrderSnapshot, errMsg string, at time.Time) Entry {
	return Entry{
		Time:        at.UTC().Format(time.RFC3339),
		ID:          snap.ID,
		GatewayID:   snap.GatewayID,
		Symbol:      snap.Symbol,
		Action:      string(snap.Action),
		Combo:       snap.Combo,
		State:       string(snap.State),
		Error:       errMsg,
		Quantity:    snap.Quantity,
		Adjustments: snap.Adjustments,
		Cancels:     snap.Cancels,
		LimitPrice:  snap.LimitPrice,
		FillPrice:   snap.FillPrice,
		Adaptive:    snap.Adaptive,
		Preview:     snap.Preview,
	}
}

// CSVJournal appends entries to a CSV file. The header is written when the
// file is created; existing rows are loaded on open.
type CSVJournal struct {
	mu      sync.RWMutex
	path    string
	entries []Entry
	now     func() time.Time
	open    func(path string) (appendFile, error)
}

// appendFile is the part of *os.File the journal writes through.
type appendFile interface {
	io.WriteCloser
	Stat() (os.FileInfo, error)
}

func openAppend(path string) (appendFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644) // #nosec G304 -- journal path comes from config
	if err != nil {
		return nil, err
	}
	return f, nil
}

// NewCSVJournal opens (or prepares) the journal at path.
func NewCSVJournal(path string) (*CSVJournal, error) {
	if path == "" {
		return nil, fmt.Errorf("journal path is empty")
	}
	j := &CSVJournal{path: path, now: time.Now, open: openAppend}
	if err := j.load(); err != nil {
		return nil, fmt.Errorf("loading journal: %w", err)
	}
	return j, nil
}

func (j *CSVJournal) load() error {
	f, err := os.Open(j.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	if info.Size() == 0 {
		return nil
	}

	var rows []Entry
	if err := gocsv.UnmarshalFile(f, &rows); err != nil {
		return err
	}
	j.entries = rows
	return nil
}

// Record appends one row and flushes it to disk. The row is kept in memory
// only once the file has been closed cleanly.
func (j *CSVJournal) Record(snap models.OrderSnapshot, errMsg string) (err error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	entry := NewEntry(snap, errMsg, j.now())

	if dir := filepath.Dir(j.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating journal directory: %w", err)
		}
	}
	f, err := j.open(j.path)
	if err != nil {
		return fmt.Errorf("opening journal: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("closing journal: %w", cerr)
		}
		if err == nil {
			j.entries = append(j.entries, entry)
		}
	}()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat journal: %w", err)
	}

	rows := []Entry{entry}
	if info.Size() == 0 {
		err = gocsv.Marshal(&rows, f)
	} else {
		err = gocsv.MarshalWithoutHeaders(&rows, f)
	}
	if err != nil {
		return fmt.Errorf("writing journal: %w", err)
	}
	return nil
}

// Entries returns a copy of every row.
func (j *CSVJournal) Entries() []Entry {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return append([]Entry(nil), j.entries...)
}

// Statistics summarises the journal.
func (j *CSVJournal) Statistics() *Statistics {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return computeStatistics(j.entries)
}
