package state

import (
	"fmt"
	"time"
)

// UpdateTask is the Task Merger entry point (§4.D). A nil payload triggers
// dynamic fallback copy-forward; static tasks are untouched by fallback.
func (s *Store) UpdateTask(consusID string, payload *TaskUpdate, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if payload == nil {
		s.fallbackDynamicLocked(consusID, now)
		return
	}

	switch payload.TaskType {
	case TaskTypeStatic:
		s.applyStaticLocked(consusID, payload, now)
	case TaskTypeDynamic:
		s.applyDynamicLocked(consusID, payload, now)
	default:
		// Unrecognized task_type: silently discarded, per §7's "invalid
		// inbound message" class. UpdateTask reports nothing to its caller.
	}
}

func parseUpdatedAt(s string, fallback time.Time) time.Time {
	if s == "" {
		return fallback
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return fallback
	}
	return t
}

func (s *Store) applyStaticLocked(consusID string, p *TaskUpdate, now time.Time) {
	start, startErr := resolveOptionalTime(p.ChargeWindowStart)
	end, endErr := resolveOptionalTime(p.ChargeWindowEnd)
	if (startErr != nil || endErr != nil || start == nil || end == nil) && len(p.ChargeWindows) > 0 {
		if ws, err := ParseTimeOfDay(p.ChargeWindows[0][0]); err == nil {
			start = &ws
		}
		if we, err := ParseTimeOfDay(p.ChargeWindows[0][1]); err == nil {
			end = &we
		}
	}

	entry := StaticTask{
		TaskCode:         p.TaskCode,
		Start:            start,
		End:              end,
		MaxImportLimitKW: p.MaxImportLimitKW,
		Override:         p.Override,
		UpdatedAt:        parseUpdatedAt(p.UpdatedAt, now),
		IdempotencyKey:   p.IdempotencyKey,
		Revision:         p.Revision,
	}

	if prev, ok := s.tasksStatic[consusID]; ok && prev.Override && !entry.Override {
		// Non-override cannot replace an existing override entry.
		return
	}
	s.tasksStatic[consusID] = entry
}

func resolveOptionalTime(s string) (*TimeOfDay, error) {
	if s == "" {
		return nil, fmt.Errorf("empty")
	}
	t, err := ParseTimeOfDay(s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) applyDynamicLocked(consusID string, p *TaskUpdate, now time.Time) {
	if p.ServiceDay == "" {
		return
	}
	t, err := time.Parse("2006-01-02", p.ServiceDay)
	if err != nil {
		return
	}
	serviceDay := DateOf(t)

	windows := make([]Window, 0, len(p.ChargeWindows))
	for _, pair := range p.ChargeWindows {
		start, err1 := ParseTimeOfDay(pair[0])
		end, err2 := ParseTimeOfDay(pair[1])
		if err1 != nil || err2 != nil {
			continue
		}
		windows = append(windows, Window{Start: start, End: end})
	}

	entry := DynamicTask{
		TaskCode:         p.TaskCode,
		ServiceDay:       serviceDay,
		Windows:          windows,
		MaxImportLimitKW: p.MaxImportLimitKW,
		Override:         p.Override,
		UpdatedAt:        parseUpdatedAt(p.UpdatedAt, now),
		IdempotencyKey:   p.IdempotencyKey,
		Revision:         p.Revision,
	}
	if entry.TaskCode == "" {
		entry.TaskCode = fmt.Sprintf("task-%s-%s", consusID, serviceDay.String())
	}

	perUnit, ok := s.tasksDynamic[consusID]
	if !ok {
		perUnit = make(map[Date]DynamicTask)
		s.tasksDynamic[consusID] = perUnit
	}

	existing, has := perUnit[serviceDay]
	take := !has
	if has {
		switch {
		case entry.Override && !existing.Override:
			take = true
		case entry.IdempotencyKey != "" && entry.IdempotencyKey == existing.IdempotencyKey:
			if entry.Revision > existing.Revision {
				take = true
			} else if entry.Revision == existing.Revision && entry.UpdatedAt.After(existing.UpdatedAt) {
				take = true
			}
		default:
			// Different (or empty) idempotency key: treat as a replacement family.
			take = true
		}
	}
	if take {
		perUnit[serviceDay] = entry
	}

	s.gcDynamicLocked(now)
}

func (s *Store) fallbackDynamicLocked(consusID string, now time.Time) {
	perUnit, ok := s.tasksDynamic[consusID]
	if !ok || len(perUnit) == 0 {
		return
	}

	var lastDay Date
	first := true
	for d := range perUnit {
		if first || d.Sub(lastDay) > 0 {
			lastDay = d
			first = false
		}
	}

	today := s.Today(now)
	ageDays := today.Sub(lastDay)
	if ageDays > s.fallbackMaxDays {
		return
	}

	lastTask := perUnit[lastDay]
	localNow := s.Now(now)
	tomorrow := today.AddDays(1)

	if _, exists := perUnit[today]; !exists {
		copy := lastTask
		copy.ServiceDay = today
		copy.TaskCode = fmt.Sprintf("%s-copy-%s", baseTaskCode(lastTask.TaskCode), today.String())
		copy.UpdatedAt = localNow
		perUnit[today] = copy
	}
	if _, exists := perUnit[tomorrow]; !exists {
		copy := lastTask
		copy.ServiceDay = tomorrow
		copy.TaskCode = fmt.Sprintf("%s-copy-%s", baseTaskCode(lastTask.TaskCode), tomorrow.String())
		copy.UpdatedAt = localNow
		perUnit[tomorrow] = copy
	}

	s.gcDynamicLocked(now)
}

func baseTaskCode(code string) string {
	if code == "" {
		return "task"
	}
	return code
}

func (s *Store) gcDynamicLocked(now time.Time) {
	today := s.Today(now)
	tomorrow := today.AddDays(1)
	for cid, perUnit := range s.tasksDynamic {
		for d := range perUnit {
			if d != today && d != tomorrow {
				delete(perUnit, d)
			}
		}
		if len(perUnit) == 0 {
			delete(s.tasksDynamic, cid)
		}
	}
}

// GetTask resolves the precedence view for consusID on day: the dynamic
// entry if present, else the static entry, else (ResolvedTask{}, false).
func (s *Store) GetTask(consusID string, day Date) (ResolvedTask, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if perUnit, ok := s.tasksDynamic[consusID]; ok {
		if dyn, ok := perUnit[day]; ok {
			return ResolvedTask{
				TaskType:         TaskTypeDynamic,
				TaskCode:         dyn.TaskCode,
				Windows:          append([]Window(nil), dyn.Windows...),
				MaxImportLimitKW: dyn.MaxImportLimitKW,
				Override:         dyn.Override,
			}, true
		}
	}
	if stat, ok := s.tasksStatic[consusID]; ok {
		var windows []Window
		if stat.Start != nil && stat.End != nil {
			windows = []Window{{Start: *stat.Start, End: *stat.End}}
		}
		return ResolvedTask{
			TaskType:         TaskTypeStatic,
			TaskCode:         stat.TaskCode,
			Windows:          windows,
			MaxImportLimitKW: stat.MaxImportLimitKW,
			Override:         stat.Override,
		}, true
	}
	return ResolvedTask{}, false
}

// GetTaskType mirrors GetTask's precedence without building windows.
func (s *Store) GetTaskType(consusID string, day Date) (TaskType, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if perUnit, ok := s.tasksDynamic[consusID]; ok {
		if _, ok := perUnit[day]; ok {
			return TaskTypeDynamic, true
		}
	}
	if _, ok := s.tasksStatic[consusID]; ok {
		return TaskTypeStatic, true
	}
	return "", false
}

// WindowsFor returns the resolved charge windows for consusID on day, per
// §3 invariant 2: dynamic entry's windows if present (even if empty), else
// the static window if set, else none.
func (s *Store) WindowsFor(consusID string, day Date) []Window {
	task, ok := s.GetTask(consusID, day)
	if !ok {
		return nil
	}
	return task.Windows
}
