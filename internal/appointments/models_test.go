package appointments_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diabetactic/orchestrator/internal/appointments"
)

func TestCreateRequest_Validate(t *testing.T) {
	valid := appointments.CreateRequest{Date: time.Now().AddDate(0, 0, 1), Reason: "checkup"}
	assert.Empty(t, valid.Validate())

	noReason := appointments.CreateRequest{Date: time.Now()}
	errs := noReason.Validate()
	require.Len(t, errs, 1)
	assert.Equal(t, "reason", errs[0].Field)

	empty := appointments.CreateRequest{}
	assert.Len(t, empty.Validate(), 2)
}

func TestUpdateRequest_ApplyOverlaysOnlySetFields(t *testing.T) {
	original := appointments.Appointment{
		ID:     1,
		Date:   time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC),
		Reason: "checkup",
		Status: appointments.StatusConfirmed,
	}

	newReason := "urgent checkup"
	update := appointments.UpdateRequest{Reason: &newReason}
	update.Apply(&original)

	assert.Equal(t, "urgent checkup", original.Reason)
	assert.Equal(t, appointments.StatusConfirmed, original.Status, "unset fields stay untouched")
	assert.Equal(t, time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC), original.Date)
}

func TestUpdateRequest_ApplyAllFields(t *testing.T) {
	a := appointments.Appointment{ID: 2, Reason: "old", Status: appointments.StatusPending}

	date := time.Date(2026, 10, 5, 9, 30, 0, 0, time.UTC)
	reason := "new"
	status := appointments.StatusCancelled
	update := appointments.UpdateRequest{Date: &date, Reason: &reason, Status: &status}
	update.Apply(&a)

	assert.Equal(t, date, a.Date)
	assert.Equal(t, "new", a.Reason)
	assert.Equal(t, appointments.StatusCancelled, a.Status)
}

func TestUpdateRequest_EmptyApplyIsNoOp(t *testing.T) {
	a := appointments.Appointment{ID: 3, Reason: "keep", Status: appointments.StatusPending}
	before := a

	(&appointments.UpdateRequest{}).Apply(&a)
	assert.Equal(t, before, a)
}
