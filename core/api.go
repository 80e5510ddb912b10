package core

import (
	"context"
	"reflect"
)

// Request is implemented by every API request type.
type Request interface {
	Validate() error
}

type Response any

// HandlerInterface is the generic shape of an API handler.
type HandlerInterface[R Request, Res Response] interface {
	Handle(ctx context.Context, req R) (Res, error)
}

// HandlerFunc is the type-erased handler stored by a Server.
type HandlerFunc func(ctx context.Context, req any) (any, error)

// Server exposes read-only tracking endpoints.
type Server interface {
	Run() error
	Shutdown(ctx context.Context) error
	Register(method, path string, handler HandlerFunc, reqFactory func() any)
}

type APIError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
	TraceID string `json:"trace_id,omitempty"`
}

type BaseResponse[T any] struct {
	Success bool      `json:"success"`
	Data    T         `json:"data,omitempty"`
	Error   *APIError `json:"error,omitempty"`
}

// RegisterEndpoint registers a typed handler on the server.
func RegisterEndpoint[R Request, Res Response](server Server, method, path string, handler HandlerInterface[R, Res]) {
	adapter := func(ctx context.Context, req any) (any, error) {
		if r, ok := req.(R); ok {
			return handler.Handle(ctx, r)
		}
		// reqFactory hands out pointers; value request types are dereferenced here.
		return handler.Handle(ctx, reflect.ValueOf(req).Elem().Interface().(R))
	}

	reqFactory := func() any {
		var r R
		t := reflect.TypeOf(r)
		if t.Kind() == reflect.Ptr {
			return reflect.New(t.Elem()).Interface()
		}
		return reflect.New(t).Interface()
	}

	server.Register(method, path, adapter, reqFactory)
}
