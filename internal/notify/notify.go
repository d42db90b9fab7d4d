// Package notify delivers short operator notifications about trades.
package notify

import (
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Level is the importance of a notification.
type Level string

const (
	// LevelInfo is routine news, such as an opened trade
	LevelInfo Level = "info"
	// LevelWarn needs attention, such as an aborted trade
	LevelWarn Level = "warn"
)

// Notifier sends one notification. Implementations must not block the
// trading flow for long and must be safe for concurrent use.
type Notifier interface {
	Notify(level Level, symbol, message string)
}

// LogNotifier writes notifications to a logger.
type LogNotifier struct {
	logger logrus.FieldLogger
	prefix string
}

// NewLogNotifier returns a notifier that logs through logger, prefixing each
// message with prefix (usually the strategy tag).
func NewLogNotifier(logger logrus.FieldLogger, prefix string) *LogNotifier {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &LogNotifier{logger: logger, prefix: strings.ToUpper(prefix)}
}

// Notify logs the message at the matching level.
func (n *LogNotifier) Notify(level Level, symbol, message string) {
	entry := n.logger.WithFields(logrus.Fields{"notify": true, "symbol": symbol})
	if n.prefix != "" {
		message = n.prefix + " " + message
	}
	if level == LevelWarn {
		entry.Warn(message)
		return
	}
	entry.Info(message)
}

// Message is one delivered notification.
type Message struct {
	Level   Level  `json:"level"`
	Symbol  string `json:"symbol"`
	Message string `json:"message"`
}

// Recorder keeps notifications in memory, for the status endpoint and tests.
type Recorder struct {
	mu       sync.Mutex
	messages []Message
	limit    int
}

// NewRecorder keeps at most limit messages; zero keeps everything.
func NewRecorder(limit int) *Recorder {
	return &Recorder{limit: limit}
}

// Notify records the message, dropping the oldest when full.
func (r *Recorder) Notify(level Level, symbol, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, Message{Level: level, Symbol: symbol, Message: message})
	if r.limit > 0 && len(r.messages) > r.limit {
		r.messages = r.messages[len(r.messages)-r.limit:]
	}
}

// Messages returns a copy of the recorded messages, oldest first.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages...)
}

// Multi fans a notification out to several notifiers.
type Multi []Notifier

// Notify forwards to every non-nil notifier.
func (m Multi) Notify(level Level, symbol, message string) {
	for _, n := range m {
		if n != nil {
			n.Notify(level, symbol, message)
		}
	}
}
