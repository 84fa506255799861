package model

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to ModelRunStatus
		ok       bool
	}{
		{ModelRunInitial, ModelRunInitial, true},
		{ModelRunInitial, ModelRunDebate, true},
		{ModelRunInitial, ModelRunError, true},
		{ModelRunInitial, ModelRunComplete, false},
		{ModelRunDebate, ModelRunDebate, true},
		{ModelRunDebate, ModelRunComplete, true},
		{ModelRunDebate, ModelRunError, true},
		{ModelRunDebate, ModelRunInitial, false},
		{ModelRunComplete, ModelRunError, false},
		{ModelRunComplete, ModelRunDebate, false},
		{ModelRunComplete, ModelRunComplete, false},
		{ModelRunError, ModelRunInitial, false},
		{ModelRunError, ModelRunDebate, false},
		{ModelRunError, ModelRunError, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, tc.from.CanTransition(tc.to),
			"%s -> %s", tc.from, tc.to)
	}
}

func validRun(secondaries int) DebateRun {
	run := DebateRun{
		ID:              uuid.New(),
		UserID:          uuid.New(),
		MasterMessageID: uuid.New(),
		MasterThreadID:  uuid.New(),
		MasterModelID:   ModelGPT5,
		AllRuns: []ModelRun{
			{ModelID: ModelGPT5, ThreadID: uuid.New(), IsMaster: true, Status: ModelRunInitial},
		},
	}
	peers := []ModelID{ModelClaudeSonnet, ModelGeminiPro}
	for i := 0; i < secondaries; i++ {
		run.AllRuns = append(run.AllRuns, ModelRun{
			ModelID: peers[i], ThreadID: uuid.New(), Status: ModelRunInitial,
		})
	}
	return run
}

func TestRunValidate(t *testing.T) {
	for n := 0; n <= MaxSecondaries; n++ {
		require.NoError(t, validRun(n).Validate(), "secondaries=%d", n)
	}

	t.Run("no participants", func(t *testing.T) {
		run := validRun(0)
		run.AllRuns = nil
		assert.Error(t, run.Validate())
	})

	t.Run("too many participants", func(t *testing.T) {
		run := validRun(2)
		run.AllRuns = append(run.AllRuns, ModelRun{ModelID: ModelDeepSeek, ThreadID: uuid.New()})
		assert.Error(t, run.Validate())
	})

	t.Run("no master", func(t *testing.T) {
		run := validRun(1)
		run.AllRuns[0].IsMaster = false
		assert.Error(t, run.Validate())
	})

	t.Run("master not first", func(t *testing.T) {
		run := validRun(1)
		run.AllRuns[0].IsMaster = false
		run.AllRuns[1].IsMaster = true
		assert.Error(t, run.Validate())
	})

	t.Run("master model mismatch", func(t *testing.T) {
		run := validRun(1)
		run.MasterModelID = ModelDeepSeek
		assert.Error(t, run.Validate())
	})

	t.Run("duplicate model", func(t *testing.T) {
		run := validRun(1)
		run.AllRuns[1].ModelID = ModelGPT5
		assert.Error(t, run.Validate())
	})

	t.Run("duplicate thread", func(t *testing.T) {
		run := validRun(1)
		run.AllRuns[1].ThreadID = run.AllRuns[0].ThreadID
		assert.Error(t, run.Validate())
	})
}

func TestRunByThread(t *testing.T) {
	run := validRun(2)
	for i, mr := range run.AllRuns {
		assert.Equal(t, i, run.RunByThread(mr.ThreadID))
	}
	assert.Equal(t, -1, run.RunByThread(uuid.New()))
}
