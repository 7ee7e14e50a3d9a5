package export

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heimdex/render-agent/internal/logging"
)

func TestMultiReporter_FansOutAndSkipsNil(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	m := MultiReporter{a, nil, b}

	m.BatchStarted("id", 2)
	m.JobProgress(0.5)
	m.JobStatus("text")
	m.JobFinished(JobResult{Outcome: OutcomeSuccess})
	m.BatchFinished(BatchResult{ID: "id"})

	for _, r := range []*recorder{a, b} {
		assert.Equal(t, 1, r.started)
		assert.Equal(t, 2, r.total)
		assert.Equal(t, []float64{0.5}, r.fractions)
		assert.Equal(t, []string{"text"}, r.texts)
		assert.Len(t, r.jobs, 1)
		assert.Len(t, r.finished, 1)
	}
}

func TestStateReporter(t *testing.T) {
	s := NewStateReporter("b1")
	s.BatchStarted("b1", 3)
	s.JobProgress(0.4)
	s.JobProgress(0.2)
	s.JobStatus("1/3 • Exporting: a.spine")
	s.JobFinished(JobResult{Job: Job{Seq: 1}, Outcome: OutcomeFailed})

	snap := s.Snapshot()
	assert.Equal(t, "running", snap.Status)
	assert.Equal(t, 0.4, snap.Fraction, "fraction never goes backwards")
	assert.Equal(t, 3, snap.Total)
	require.Len(t, snap.Jobs, 1)

	snap.Jobs[0].Outcome = OutcomeSuccess
	assert.Equal(t, OutcomeFailed, s.Snapshot().Jobs[0].Outcome, "snapshot is a copy")

	s.BatchFinished(BatchResult{ID: "b1", Err: errors.New("boom")})
	snap = s.Snapshot()
	assert.Equal(t, "failed", snap.Status)
	assert.Equal(t, "boom", snap.Error)
	assert.NotNil(t, snap.FinishedAt)
}

func TestLogReporter(t *testing.T) {
	var buf bytes.Buffer
	l := LogReporter{Logger: logging.NewLoggerTo(&buf, "info")}

	l.BatchStarted("b1", 1)
	l.JobProgress(0.5)
	l.JobFinished(JobResult{Job: Job{Seq: 1, Project: "a.spine"}, Outcome: OutcomeFailed, LogPath: "/tmp/render_cli_1.log", ExitCode: 1})
	l.BatchFinished(BatchResult{ID: "b1", Total: 1, Jobs: []JobResult{{Outcome: OutcomeFailed}}})

	out := buf.String()
	assert.Contains(t, out, `"msg":"export batch started"`)
	assert.NotContains(t, out, "export progress", "progress is debug only")
	assert.Contains(t, out, `"msg":"export job failed"`)
	assert.Contains(t, out, `"log":"/tmp/render_cli_1.log"`)
	assert.Contains(t, out, `"failed":1`)
}
