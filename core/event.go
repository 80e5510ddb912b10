package core

import (
	"context"
	"reflect"
	"time"
)

// Event represents something that already happened.
type Event interface {
	EventID() string
	EventName() string
	OccurredOn() time.Time
}

type EventHandler[E Event] interface {
	Handle(ctx context.Context, event E) error
}

type EventHandlerFunc func(context.Context, Event) error

// EventBus publishes events and dispatches them to subscribers.
type EventBus interface {
	Publish(ctx context.Context, event Event) error
	Subscribe(prototype Event, handler EventHandler[Event]) error
	Run(ctx context.Context) error
}

// SubscribeEvent registers a typed handler. E may be a pointer type.
func SubscribeEvent[E Event](bus EventBus, handler EventHandler[E]) error {
	var zero E
	val := reflect.ValueOf(zero)
	if val.Kind() == reflect.Ptr && val.IsNil() {
		val = reflect.New(val.Type().Elem())
		zero = val.Interface().(E)
	}

	return bus.Subscribe(zero, &eventHandlerWrapper[E]{handler: handler})
}

type eventHandlerWrapper[E Event] struct {
	handler EventHandler[E]
}

func (w *eventHandlerWrapper[E]) Handle(ctx context.Context, event Event) error {
	return w.handler.Handle(ctx, event.(E))
}
