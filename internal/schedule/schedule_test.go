package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlat_TargetAt(t *testing.T) {
	f, err := NewFlat(5, 2*time.Second)
	require.NoError(t, err)

	assert.Equal(t, 5, f.TargetAt(0))
	assert.Equal(t, 5, f.TargetAt(time.Second))
	assert.Equal(t, 5, f.TargetAt(2*time.Second-time.Nanosecond))
	assert.Equal(t, 0, f.TargetAt(2*time.Second))
	assert.Equal(t, 0, f.TargetAt(time.Hour))
	assert.Equal(t, 2*time.Second, f.Duration())
	assert.Equal(t, 5, f.MaxTarget())
}

func TestNewFlat_Validation(t *testing.T) {
	_, err := NewFlat(-1, -time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNegativeVUs)
	assert.ErrorIs(t, err, ErrNegativeDuration)

	f, err := NewFlat(0, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, f.TargetAt(0))
}

func TestRamp_InterpolatesWithinStages(t *testing.T) {
	r, err := NewRamp([]Stage{
		{Duration: 10 * time.Second, Target: 10},
		{Duration: 10 * time.Second, Target: 10},
		{Duration: 20 * time.Second, Target: 0},
	})
	require.NoError(t, err)

	tests := []struct {
		at   time.Duration
		want int
	}{
		{0, 0},
		{time.Second, 1},
		{5 * time.Second, 5},
		{10 * time.Second, 10},
		{15 * time.Second, 10},
		{20 * time.Second, 10},
		{30 * time.Second, 5},
		{40 * time.Second, 0},
		{41 * time.Second, 0},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, r.TargetAt(tc.at), "at %s", tc.at)
	}
	assert.Equal(t, 40*time.Second, r.Duration())
	assert.Equal(t, 10, r.MaxTarget())
}

func TestRamp_ExactTargetAtStageEnd(t *testing.T) {
	stages := []Stage{
		{Duration: time.Minute, Target: 50},
		{Duration: time.Minute, Target: 100},
		{Duration: time.Minute, Target: 500},
		{Duration: 2 * time.Minute, Target: 1000},
		{Duration: 3 * time.Minute, Target: 1000},
		{Duration: 2 * time.Minute, Target: 7},
	}
	r, err := NewRamp(stages)
	require.NoError(t, err)

	var end time.Duration
	for _, s := range stages {
		end += s.Duration
		assert.Equal(t, s.Target, r.TargetAt(end), "end of stage at %s", end)
	}
	assert.Equal(t, 0, r.TargetAt(end+time.Nanosecond))
}

func TestRamp_ContinuousWithinStage(t *testing.T) {
	r, err := NewRamp([]Stage{
		{Duration: 3 * time.Second, Target: 300},
		{Duration: 7 * time.Second, Target: 13},
	})
	require.NoError(t, err)

	step := 10 * time.Millisecond
	prev := r.TargetAt(0)
	for at := step; at < r.Duration(); at += step {
		cur := r.TargetAt(at)
		// slope is at most 100 VUs/s, i.e. 1 VU per 10ms step, plus rounding
		assert.LessOrEqual(t, abs(cur-prev), 2, "jump at %s", at)
		prev = cur
	}
}

func TestRamp_ZeroDurationStageJumps(t *testing.T) {
	r, err := NewRamp([]Stage{
		{Duration: 0, Target: 20},
		{Duration: 10 * time.Second, Target: 20},
		{Duration: 0, Target: 5},
		{Duration: 10 * time.Second, Target: 5},
	})
	require.NoError(t, err)

	assert.Equal(t, 20, r.TargetAt(0))
	assert.Equal(t, 20, r.TargetAt(9*time.Second))
	assert.Equal(t, 5, r.TargetAt(10*time.Second))
	assert.Equal(t, 5, r.TargetAt(20*time.Second))
	assert.Equal(t, 0, r.TargetAt(21*time.Second))
}

func TestRamp_NegativeElapsedIsStart(t *testing.T) {
	r, err := NewRamp([]Stage{{Duration: 0, Target: 3}, {Duration: time.Second, Target: 3}})
	require.NoError(t, err)
	assert.Equal(t, 3, r.TargetAt(-time.Second))
}

func TestNewRamp_Validation(t *testing.T) {
	_, err := NewRamp(nil)
	assert.ErrorIs(t, err, ErrNoStages)

	_, err = NewRamp([]Stage{
		{Duration: -time.Second, Target: 1},
		{Duration: time.Second, Target: -1},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNegativeDuration)
	assert.ErrorIs(t, err, ErrNegativeTarget)
	assert.Contains(t, err.Error(), "stage 0")
	assert.Contains(t, err.Error(), "stage 1")
}

func TestRamp_StagesIsACopy(t *testing.T) {
	r, err := NewRamp([]Stage{{Duration: time.Second, Target: 1}})
	require.NoError(t, err)
	s := r.Stages()
	s[0].Target = 99
	assert.Equal(t, 1, r.MaxTarget())
	assert.Equal(t, 1, r.Stages()[0].Target)
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
