package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/Deepreo/jobtrack/core"
	"github.com/Deepreo/jobtrack/errors"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

const PoisonQueueTopic = "jobtrack.poison_queue"

var _ core.EventBus = (*InMemoryBus)(nil)

// InMemoryBus is a watermill router over a Go channel pub/sub. Events are
// delivered within the process only.
type InMemoryBus struct {
	router *message.Router
	pubSub *gochannel.GoChannel
	logger watermill.LoggerAdapter
}

func NewInMemory(sl *slog.Logger) (*InMemoryBus, error) {
	if sl == nil {
		sl = slog.Default()
	}
	logger := watermill.NewSlogLogger(sl)
	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: 5 * time.Second}, logger)
	if err != nil {
		return nil, err
	}
	// PreserveContext keeps the publisher's context, and with it the trace, on the handler side.
	pubSub := gochannel.NewGoChannel(gochannel.Config{PreserveContext: true}, logger)
	return &InMemoryBus{router: router, pubSub: pubSub, logger: logger}, nil
}

func (b *InMemoryBus) Use(middleware ...message.HandlerMiddleware) {
	b.router.AddMiddleware(middleware...)
}

func (b *InMemoryBus) AddPublisherDecorator(decorators ...message.PublisherDecorator) {
	b.router.AddPublisherDecorators(decorators...)
}

func (b *InMemoryBus) Publish(ctx context.Context, event core.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	msg := message.NewMessageWithContext(ctx, watermill.NewUUID(), payload)
	msg.Metadata.Set("event_id", event.EventID())
	injectTraceContext(msg)
	return b.pubSub.Publish(event.EventName(), msg)
}

func (b *InMemoryBus) Subscribe(prototype core.Event, handler core.EventHandler[core.Event]) error {
	eventName := prototype.EventName()
	// Each message is decoded into a fresh value of the prototype's type.
	eventType := reflect.TypeOf(prototype)
	if eventType.Kind() == reflect.Ptr {
		eventType = eventType.Elem()
	}

	b.router.AddNoPublisherHandler(
		eventName+"."+watermill.NewShortUUID(),
		eventName,
		b.pubSub,
		func(msg *message.Message) error {
			newEvent := reflect.New(eventType).Interface()
			if err := json.Unmarshal(msg.Payload, newEvent); err != nil {
				return err
			}
			evt, ok := newEvent.(core.Event)
			if !ok {
				return fmt.Errorf("failed to cast %s to core.Event", eventType)
			}
			return handler.Handle(msg.Context(), evt)
		},
	)
	return nil
}

// Run blocks until ctx is cancelled. Subscribe before calling it.
func (b *InMemoryBus) Run(ctx context.Context) error {
	poisonQueueMiddleware, err := middleware.PoisonQueue(b.pubSub, PoisonQueueTopic)
	if err != nil {
		return err
	}

	retryMiddleware := middleware.Retry{
		MaxRetries:      3,
		InitialInterval: time.Millisecond * 100,
		MaxInterval:     time.Second * 1,
		Multiplier:      2.0,
		Logger:          b.logger,
	}

	b.router.AddMiddleware(
		OTelMiddleware,
		poisonQueueMiddleware,
		retryMiddleware.Middleware,
		middleware.Recoverer,
	)

	return b.router.Run(ctx)
}

// Running is closed once the router started its handlers.
func (b *InMemoryBus) Running() chan struct{} {
	return b.router.Running()
}

// Close stops the router when it was started and closes the pub/sub. A
// router that never ran has no handlers to wait for.
func (b *InMemoryBus) Close() error {
	var routerErr error
	if b.router.IsRunning() {
		routerErr = b.router.Close()
	}
	return errors.Join(routerErr, b.pubSub.Close())
}
