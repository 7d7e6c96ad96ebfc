package memory

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

const (
	crossContextWindow = 24 * time.Hour
	crossContextLimit  = 10
	promptEventLimit   = 5
	// interruptionGap: a task event in the last event's context at most
	// this long before that event still counts as an interruption.
	interruptionGap = 5 * time.Minute
)

// BuildConsciousnessContext assembles the "where was I?" prompt block for a
// persona entering a room: temporal continuity, cross-context activity in
// the last 24 h, active intentions, and a peripheral-activity flag. All
// work is in-memory scans over the corpus timeline; target is under 20 ms.
//
// An empty corpus yields an empty prompt.
func (m *Manager) BuildConsciousnessContext(personaID string, req *ConsciousnessRequest) ConsciousnessResponse {
	start := time.Now()
	c := m.corpusFor(personaID)

	c.mu.RLock()
	events := make([]CorpusTimelineEvent, len(c.events))
	copy(events, c.events)
	c.mu.RUnlock()

	sort.Slice(events, func(i, j int) bool {
		return events[i].Event.Timestamp.Before(events[j].Event.Timestamp)
	})

	temporal := buildTemporalInfo(events, req.RoomID)
	cross := crossContextEvents(events, req.RoomID)
	intentions := countActiveIntentions(events)
	peripheral := hasPeripheralActivity(events, req.RoomID)

	prompt := formatConsciousnessPrompt(temporal, cross, intentions, peripheral)

	return ConsciousnessResponse{
		FormattedPrompt:        prompt,
		BuildTimeMS:            float64(time.Since(start).Microseconds()) / 1000,
		Temporal:               temporal,
		CrossContextEventCount: len(cross),
		ActiveIntentionCount:   intentions,
		HasPeripheralActivity:  peripheral,
	}
}

// buildTemporalInfo finds the persona's last activity outside the current
// room and whether it looks interrupted.
func buildTemporalInfo(events []CorpusTimelineEvent, roomID string) TemporalInfo {
	var last *TimelineEvent
	for i := len(events) - 1; i >= 0; i-- {
		ev := &events[i].Event
		if ev.ContextID != roomID {
			last = ev
			break
		}
	}
	if last == nil {
		return TemporalInfo{}
	}

	info := TemporalInfo{
		LastActiveContext:     last.ContextID,
		LastActiveContextName: last.ContextName,
		TimeAwayMS:            time.Since(last.Timestamp).Milliseconds(),
	}

	// Interruption: the last event is a task-type event, or a task-type
	// event in the same context precedes it by at most interruptionGap.
	if last.EventType == "task_started" || last.EventType == "task_progress" {
		info.WasInterrupted = true
		info.InterruptedTask = last.Content
	} else {
		for i := len(events) - 1; i >= 0; i-- {
			ev := &events[i].Event
			if ev.ContextID != last.ContextID {
				continue
			}
			if last.Timestamp.Sub(ev.Timestamp) > interruptionGap {
				break
			}
			if ev.EventType == "task_started" || ev.EventType == "task_progress" {
				info.WasInterrupted = true
				info.InterruptedTask = ev.Content
				break
			}
		}
	}
	return info
}

// crossContextEvents lists recent events from other rooms, newest first.
func crossContextEvents(events []CorpusTimelineEvent, roomID string) []TimelineEvent {
	cutoff := time.Now().Add(-crossContextWindow)
	var out []TimelineEvent
	for i := len(events) - 1; i >= 0 && len(out) < crossContextLimit; i-- {
		ev := events[i].Event
		if ev.ContextID == roomID || ev.Timestamp.Before(cutoff) {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// countActiveIntentions counts started tasks without a matching completion.
func countActiveIntentions(events []CorpusTimelineEvent) int {
	open := map[string]bool{}
	for _, ev := range events {
		switch ev.Event.EventType {
		case "task_started":
			open[ev.Event.Content] = true
		case "task_completed", "task_abandoned":
			delete(open, ev.Event.Content)
		}
	}
	return len(open)
}

// hasPeripheralActivity reports recent low-importance events elsewhere —
// enough to mention, not enough to surface individually.
func hasPeripheralActivity(events []CorpusTimelineEvent, roomID string) bool {
	cutoff := time.Now().Add(-time.Hour)
	for i := len(events) - 1; i >= 0; i-- {
		ev := events[i].Event
		if ev.Timestamp.Before(cutoff) {
			return false
		}
		if ev.ContextID != roomID && ev.Importance < 0.3 {
			return true
		}
	}
	return false
}

func formatConsciousnessPrompt(temporal TemporalInfo, cross []TimelineEvent, intentions int, peripheral bool) string {
	var sections []string

	if temporal.LastActiveContextName != "" {
		sections = append(sections, fmt.Sprintf("Last active in: #%s (%s)",
			temporal.LastActiveContextName, formatTimeAway(temporal.TimeAwayMS)))
		if temporal.WasInterrupted && temporal.InterruptedTask != "" {
			sections = append(sections, "Interrupted task: "+temporal.InterruptedTask)
		}
	}

	if len(cross) > 0 {
		lines := make([]string, 0, promptEventLimit)
		for i, ev := range cross {
			if i >= promptEventLimit {
				break
			}
			lines = append(lines, fmt.Sprintf("- [#%s] %s: %s",
				ev.ContextName, ev.ActorName, truncateContent(ev.Content, 80)))
		}
		sections = append(sections, "Activity in other contexts:\n"+strings.Join(lines, "\n"))
	}

	if intentions > 0 {
		sections = append(sections, fmt.Sprintf("Active intentions: %d task(s) in progress", intentions))
	}
	if peripheral {
		sections = append(sections, "Background activity detected in other contexts.")
	}

	return strings.Join(sections, "\n\n")
}

func formatTimeAway(ms int64) string {
	d := time.Duration(ms) * time.Millisecond
	switch {
	case d < time.Minute:
		return "moments ago"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

func truncateContent(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "…"
}
