package worker

import (
	"context"
	"errors"

	"github.com/thebtf/pausepoint/internal/worker/sse"
	"github.com/thebtf/pausepoint/pkg/models"
)

// ErrNoViewer is returned when an intervention is presented while no
// client is connected to the event stream.
var ErrNoViewer = errors.New("no event stream client connected")

// StreamPresenter shows interventions by publishing them on the event
// stream. An overlay client renders the event and posts the user's choice
// to /api/responses.
type StreamPresenter struct {
	Events *sse.Broadcaster
}

// Present publishes iv as an "intervention" event. The event is buffered
// for replay even when nobody is listening, but the missing viewer is
// reported so the engine logs it.
func (p StreamPresenter) Present(_ context.Context, iv models.Intervention) error {
	p.Events.Publish("intervention", iv)
	if p.Events.ClientCount() == 0 {
		return ErrNoViewer
	}
	return nil
}
