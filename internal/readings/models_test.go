package readings_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diabetactic/orchestrator/internal/readings"
)

func TestCreateRequest_Validate(t *testing.T) {
	valid := readings.CreateRequest{Value: 110, Date: time.Now()}
	assert.Empty(t, valid.Validate())

	noValue := readings.CreateRequest{Date: time.Now()}
	errs := noValue.Validate()
	require.Len(t, errs, 1)
	assert.Equal(t, "value", errs[0].Field)

	negative := readings.CreateRequest{Value: -5, Date: time.Now()}
	assert.Len(t, negative.Validate(), 1)

	empty := readings.CreateRequest{}
	assert.Len(t, empty.Validate(), 2)
}

func TestSummarize(t *testing.T) {
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	rs := []readings.Reading{
		{Value: 120, Date: base.Add(2 * time.Hour)},
		{Value: 80, Date: base},
		{Value: 100, Date: base.Add(time.Hour)},
	}

	s := readings.Summarize(rs)

	assert.Equal(t, 3, s.Count)
	assert.InDelta(t, 100, s.Average, 0.001)
	assert.InDelta(t, 80, s.Min, 0.001)
	assert.InDelta(t, 120, s.Max, 0.001)
	assert.Equal(t, base, s.From)
	assert.Equal(t, base.Add(2*time.Hour), s.To)
}

func TestSummarize_Empty(t *testing.T) {
	s := readings.Summarize(nil)
	assert.Zero(t, s.Count)
	assert.Zero(t, s.Average)
}

func TestSummarize_SingleReading(t *testing.T) {
	now := time.Now()
	s := readings.Summarize([]readings.Reading{{Value: 95, Date: now}})

	assert.Equal(t, 1, s.Count)
	assert.InDelta(t, 95, s.Average, 0.001)
	assert.InDelta(t, 95, s.Min, 0.001)
	assert.InDelta(t, 95, s.Max, 0.001)
	assert.Equal(t, now, s.From)
	assert.Equal(t, now, s.To)
}
