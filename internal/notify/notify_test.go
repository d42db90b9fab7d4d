package notify

import (
	"fmt"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogNotifier(t *testing.T) {
	logger, hook := test.NewNullLogger()
	n := NewLogNotifier(logger, "bearic")

	n.Notify(LevelWarn, "SPX", "aborted due to strike collision")
	n.Notify(LevelInfo, "SPX", "opened, trade #1")

	entries := hook.AllEntries()
	require.Len(t, entries, 2)
	assert.Equal(t, logrus.WarnLevel, entries[0].Level)
	assert.Equal(t, "BEARIC aborted due to strike collision", entries[0].Message)
	assert.Equal(t, "SPX", entries[0].Data["symbol"])
	assert.Equal(t, logrus.InfoLevel, entries[1].Level)
}

func TestRecorder_Limit(t *testing.T) {
	r := NewRecorder(2)
	for i := 1; i <= 3; i++ {
		r.Notify(LevelInfo, "SPX", fmt.Sprintf("trade #%d", i))
	}
	msgs := r.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "trade #2", msgs[0].Message)
	assert.Equal(t, "trade #3", msgs[1].Message)
}

func TestMulti(t *testing.T) {
	a, b := NewRecorder(0), NewRecorder(0)
	Multi{a, nil, b}.Notify(LevelWarn, "ES", "collision")
	assert.Len(t, a.Messages(), 1)
	assert.Len(t, b.Messages(), 1)
}
