package timekeeper

import (
	"encoding/json"

	"sonaris/internal/storage"
	"sonaris/internal/task/action"
)

func jobToRecord(j Job) storage.JobRecord {
	return storage.JobRecord{
		ID:           j.ID,
		Task:         j.Task,
		ScheduleTime: j.ScheduleTime,
		Kwargs:       map[string]any(j.Kwargs.Clone()),
		Status:       string(j.Status),
	}
}

func jobFromRecord(id string, r storage.JobRecord) Job {
	if r.ID == "" {
		r.ID = id
	}
	st := Status(r.Status)
	switch st {
	case StatusScheduled, StatusFiring:
	default:
		// terminal or unknown statuses never belong in the active set; treat as pending
		st = StatusScheduled
	}
	return Job{
		ID:           r.ID,
		Task:         r.Task,
		ScheduleTime: r.ScheduleTime,
		Kwargs:       decodeArgs(r.Kwargs),
		Status:       st,
	}
}

// decodeArgs turns persisted json.Number values back into int64 or float64.
func decodeArgs(in map[string]any) action.Args {
	out := make(action.Args, len(in))
	for k, v := range in {
		if n, ok := v.(json.Number); ok {
			if i, ok := action.AsInt(n); ok {
				out[k] = i
			} else if f, ok := action.AsFloat(n); ok {
				out[k] = f
			} else {
				out[k] = n.String()
			}
			continue
		}
		out[k] = v
	}
	return out
}

func archiveToRecord(e ArchiveEntry) storage.ArchiveRecord {
	return storage.ArchiveRecord{
		Task:        e.Task,
		Result:      e.Result,
		ErrorDetail: e.ErrorDetail,
		FinishedAt:  e.FinishedAt,
	}
}

func archiveFromRecord(id string, r storage.ArchiveRecord) ArchiveEntry {
	return ArchiveEntry{
		JobID:       id,
		Task:        r.Task,
		Result:      r.Result,
		ErrorDetail: r.ErrorDetail,
		FinishedAt:  r.FinishedAt,
	}
}
