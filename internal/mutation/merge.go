package mutation

import (
	"encoding/json"

	"github.com/diabetactic/orchestrator/internal/appointments"
	"github.com/diabetactic/orchestrator/internal/readings"
)

// MergeAppointments overlays pending appointment mutations onto the
// server's authoritative list: locally cancelled appointments are filtered
// out, local updates overlay only their set fields, and locally created
// appointments the server does not know yet are appended. Everything
// touched is tagged LocallyModified for UI disclosure.
func MergeAppointments(server []appointments.Appointment, pending []*Mutation) []appointments.Appointment {
	cancelled := make(map[int]bool)
	updates := make(map[int][]appointments.UpdateRequest)
	var creates []appointments.Appointment

	for _, m := range pending {
		if m.Entity != EntityAppointment || m.Status != StatusPending {
			continue
		}
		switch m.Op {
		case OpCancel:
			cancelled[m.EntityID] = true
		case OpUpdate:
			var req appointments.UpdateRequest
			if err := json.Unmarshal(m.Payload, &req); err != nil {
				continue
			}
			updates[m.EntityID] = append(updates[m.EntityID], req)
		case OpCreate:
			var req appointments.CreateRequest
			if err := json.Unmarshal(m.Payload, &req); err != nil {
				continue
			}
			creates = append(creates, appointments.Appointment{
				Date:            req.Date,
				Reason:          req.Reason,
				Status:          appointments.StatusPending,
				ClientID:        m.ID,
				LocallyModified: true,
			})
		}
	}

	merged := make([]appointments.Appointment, 0, len(server)+len(creates))
	for _, a := range server {
		if cancelled[a.ID] {
			continue
		}
		if reqs, ok := updates[a.ID]; ok {
			for _, req := range reqs {
				req.Apply(&a)
			}
			a.LocallyModified = true
		}
		merged = append(merged, a)
	}

	return append(merged, creates...)
}

// MergeReadings appends locally created readings the server has not
// confirmed onto the authoritative list, tagged LocallyModified.
func MergeReadings(server []readings.Reading, pending []*Mutation) []readings.Reading {
	merged := make([]readings.Reading, 0, len(server))
	merged = append(merged, server...)

	for _, m := range pending {
		if m.Entity != EntityReading || m.Op != OpCreate || m.Status != StatusPending {
			continue
		}
		var req readings.CreateRequest
		if err := json.Unmarshal(m.Payload, &req); err != nil {
			continue
		}
		merged = append(merged, readings.Reading{
			Value:           req.Value,
			Date:            req.Date,
			ClientID:        m.ID,
			LocallyModified: true,
		})
	}

	return merged
}
