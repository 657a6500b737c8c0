// Package telemetry runs the background heartbeat loop that keeps active
// accounts looking used between real requests.
package telemetry

import (
	"math/rand"
	"time"

	"github.com/mkalpine/codeassist-relay/internal/config"
)

// InteractionEvent is one synthetic IDE interaction.
type InteractionEvent struct {
	EventType string `json:"event_type"`
	Target    string `json:"target"`
	EventTime string `json:"event_time"`
}

// backdated returns an ISO timestamp up to maxBack before now.
func backdated(now time.Time, maxBack time.Duration) string {
	offset := time.Duration(rand.Int63n(int64(maxBack)))
	return now.Add(-offset).UTC().Format(time.RFC3339Nano)
}

// buildInteractionEvents produces plausible editor events. Recent real
// activity yields a typing burst; an idle gap yields browsing-style events
// so the account still looks attended.
func buildInteractionEvents(lastActivity time.Time) []InteractionEvent {
	now := time.Now()

	if time.Since(lastActivity) < time.Duration(config.RecentActivityWindowMs)*time.Millisecond {
		count := 3 + rand.Intn(6) // 3-8
		events := make([]InteractionEvent, 0, count)
		for i := 0; i < count; i++ {
			events = append(events, InteractionEvent{
				EventType: "TYPING",
				Target:    "EDITOR_PANE",
				EventTime: backdated(now, 5*time.Second),
			})
		}
		return events
	}

	count := 1 + rand.Intn(3) // 1-3
	events := make([]InteractionEvent, 0, count+1)
	for i := 0; i < count; i++ {
		eventType := "SCROLL"
		if rand.Float64() >= 0.6 {
			eventType = "MOUSE_OVER"
		}
		events = append(events, InteractionEvent{
			EventType: eventType,
			Target:    "EDITOR_PANE",
			EventTime: backdated(now, 10*time.Second),
		})
	}
	if rand.Float64() < 0.1 {
		eventType := "WINDOW_FOCUS"
		if rand.Float64() < 0.5 {
			eventType = "WINDOW_BLUR"
		}
		events = append(events, InteractionEvent{
			EventType: eventType,
			Target:    "IDE_WINDOW",
			EventTime: backdated(now, 10*time.Second),
		})
	}
	return events
}

// buildTrajectoryBody builds the recordTrajectoryAnalytics payload.
func buildTrajectoryBody(project, sessionID string, lastActivity time.Time) map[string]interface{} {
	return map[string]interface{}{
		"project":    project,
		"session_id": sessionID,
		"trajectory_metrics": map[string]interface{}{
			"interaction_events": buildInteractionEvents(lastActivity),
			"latency_ms":         100 + rand.Intn(600),
			"model_id":           config.TelemetryHeartbeatModel,
		},
	}
}

// buildCodeAssistBody builds the recordCodeAssistMetrics payload.
func buildCodeAssistBody(project, sessionID string) map[string]interface{} {
	shown := 1 + rand.Intn(3) // 1-3
	accepted := 0
	if rand.Float64() < 0.7 {
		accepted = 1
	}
	acceptRate := 0.0
	if shown > 0 {
		acceptRate = float64(accepted) / float64(shown)
	}
	interaction := "DISMISS"
	if accepted == 1 {
		interaction = "ACCEPT"
	}
	return map[string]interface{}{
		"project":    project,
		"session_id": sessionID,
		"code_assist_metrics": map[string]interface{}{
			"completions_shown":    shown,
			"completions_accepted": accepted,
			"accept_rate":          acceptRate,
			"latency_ms":           100 + rand.Intn(600),
			"interaction_type":     interaction,
		},
	}
}
