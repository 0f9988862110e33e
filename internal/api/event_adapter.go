package api

import (
	"neurostat/domain/core"
	"neurostat/ports"
)

// progressBroadcaster adapts the SSEHub to ports.ProgressObserver
type progressBroadcaster struct {
	hub    *SSEHub
	stream string
}

var _ ports.ProgressObserver = (*progressBroadcaster)(nil)

// Observer returns a progress observer publishing to stream
func (h *SSEHub) Observer(stream string) ports.ProgressObserver {
	return &progressBroadcaster{hub: h, stream: stream}
}

// PermutationProgress publishes one progress event
func (p *progressBroadcaster) PermutationProgress(runID core.RunID, pass, done, total int) {
	event := ProgressEvent{
		Stream:    p.stream,
		EventType: EventProgress,
		RunID:     runID.String(),
		Pass:      pass,
		Done:      done,
		Total:     total,
	}
	if total > 0 {
		event.Progress = float64(done) / float64(total)
	}
	p.hub.Broadcast(event)
}
