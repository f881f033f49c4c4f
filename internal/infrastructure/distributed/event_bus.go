package distributed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// eventsChannel is shared by every relay instance on one Redis server.
const eventsChannel = "mediarelay:events"

type EventType string

const (
	EventEndpointOnline  EventType = "endpoint.online"
	EventEndpointOffline EventType = "endpoint.offline"
)

// Event announces that an endpoint connected to or left one instance.
type Event struct {
	Type       EventType `json:"type"`
	InstanceID string    `json:"instance_id"`
	Timestamp  time.Time `json:"timestamp"`
	Role       string    `json:"role"`
	ID         string    `json:"id"`
	Handle     string    `json:"handle,omitempty"`
}

var errMalformedEvent = errors.New("malformed cluster event")

// DecodeEvent parses a pub/sub payload and rejects unknown types and
// events without an endpoint id.
func DecodeEvent(data []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformedEvent, err)
	}
	switch {
	case ev.Type != EventEndpointOnline && ev.Type != EventEndpointOffline:
		return nil, fmt.Errorf("%w: type %q", errMalformedEvent, ev.Type)
	case ev.ID == "":
		return nil, fmt.Errorf("%w: missing id", errMalformedEvent)
	}
	return &ev, nil
}

// EventBus fans presence events out to the other relay instances. Events
// an instance published itself are not delivered back to it.
type EventBus struct {
	client     *redis.Client
	instanceID string
	logger     *zap.SugaredLogger
}

func NewEventBus(client *redis.Client, instanceID string, logger *zap.SugaredLogger) *EventBus {
	return &EventBus{client: client, instanceID: instanceID, logger: logger}
}

func (eb *EventBus) InstanceID() string { return eb.instanceID }

// Publish stamps event with this instance and the current time when unset.
func (eb *EventBus) Publish(ctx context.Context, event *Event) error {
	event.InstanceID = eb.instanceID
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if err := eb.client.Publish(ctx, eventsChannel, data).Err(); err != nil {
		return fmt.Errorf("publish %s for %s %s: %w", event.Type, event.Role, event.ID, err)
	}
	return nil
}

// Subscribe calls handler for each event from another instance until ctx
// is done or the subscription closes. Malformed payloads are skipped.
func (eb *EventBus) Subscribe(ctx context.Context, handler func(*Event)) error {
	sub := eb.client.Subscribe(ctx, eventsChannel)
	defer sub.Close()

	// Receive waits for the subscription confirmation.
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", eventsChannel, err)
	}
	eb.logger.Infow("listening for cluster events", "instance_id", eb.instanceID)

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			ev, err := DecodeEvent([]byte(msg.Payload))
			if err != nil {
				eb.logger.Warnw("dropping cluster event", "error", err)
				continue
			}
			if ev.InstanceID != eb.instanceID {
				handler(ev)
			}
		}
	}
}
