package servers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Deepreo/jobtrack/core"
	"github.com/Deepreo/jobtrack/errors"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/etag"
	"github.com/gofiber/fiber/v2/middleware/healthcheck"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultReadTimeout     = 3 * time.Second
	DefaultWriteTimeout    = 3 * time.Second
	DefaultServerHeader    = "jobtrack"
	DefaultBodyLimit       = 1 * 1024 * 1024 // 1 MB
	DefaultPort            = "8080"
	DefaultAllowedOrigins  = "*"
	DefaultShutdownTimeout = 5 * time.Second
	DefaultHost            = "localhost"
	DefaultPrefix          = "/api/tracking"

	tracerName = "github.com/Deepreo/jobtrack/modules/servers"
)

var _ core.Server = (*HttpServer)(nil)

type HttpServer struct {
	app    *fiber.App
	router fiber.Router
	cfg    *HttpServerConfig
	logger *slog.Logger
}

type HttpServerConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	ReadTimeout    string `mapstructure:"read_timeout"`
	WriteTimeout   string `mapstructure:"write_timeout"`
	ServerHeader   string `mapstructure:"server_header"`
	BodyLimit      int    `mapstructure:"body_limit"`
	ErrorHandler   fiber.ErrorHandler
	Port           string   `mapstructure:"port"`
	Host           string   `mapstructure:"host"`
	Prefix         string   `mapstructure:"prefix"`
	AllowedOrigins string   `mapstructure:"allowed_origins"`
	Features       Features `mapstructure:"features"`
	Logger         *slog.Logger
}

type Features struct {
	RequestID   RequestID   `mapstructure:"request_id"`
	Proxy       Proxy       `mapstructure:"proxy"`
	RateLimit   RateLimit   `mapstructure:"rate_limit"`
	HealthCheck HealthCheck `mapstructure:"health_check"`
	Etag        Etag        `mapstructure:"etag"`
}

type Etag struct {
	Enabled bool `mapstructure:"enabled"`
}

type RequestID struct {
	Enabled bool `mapstructure:"enabled"`
}

type Proxy struct {
	Enabled        bool     `mapstructure:"enabled"`
	ProxyHeader    string   `mapstructure:"proxy_header"`
	TrustedProxies []string `mapstructure:"trusted_proxies"`
}

type RateLimit struct {
	Enabled    bool   `mapstructure:"enabled"`
	Max        int    `mapstructure:"max"`
	Expiration string `mapstructure:"expiration"`
}

type HealthCheck struct {
	Enabled bool `mapstructure:"enabled"`
}

func DefaultConfig() HttpServerConfig {
	return HttpServerConfig{
		Enabled:        true,
		ReadTimeout:    DefaultReadTimeout.String(),
		WriteTimeout:   DefaultWriteTimeout.String(),
		ServerHeader:   DefaultServerHeader,
		BodyLimit:      DefaultBodyLimit,
		Port:           DefaultPort,
		AllowedOrigins: DefaultAllowedOrigins,
		Host:           DefaultHost,
		Prefix:         DefaultPrefix,
		Features: Features{
			RequestID:   RequestID{Enabled: true},
			HealthCheck: HealthCheck{Enabled: true},
		},
	}
}

func WithConfig(cfg *HttpServerConfig) func(*HttpServerConfig) {
	return func(s *HttpServerConfig) {
		if cfg.ReadTimeout != "" {
			s.ReadTimeout = cfg.ReadTimeout
		}
		if cfg.WriteTimeout != "" {
			s.WriteTimeout = cfg.WriteTimeout
		}
		if cfg.ServerHeader != "" {
			s.ServerHeader = cfg.ServerHeader
		}
		if cfg.BodyLimit != 0 {
			s.BodyLimit = cfg.BodyLimit
		}
		if cfg.ErrorHandler != nil {
			s.ErrorHandler = cfg.ErrorHandler
		}
		if cfg.Port != "" {
			s.Port = cfg.Port
		}
		if cfg.AllowedOrigins != "" {
			s.AllowedOrigins = cfg.AllowedOrigins
		}
		if cfg.Host != "" {
			s.Host = cfg.Host
		}
		if cfg.Prefix != "" {
			s.Prefix = cfg.Prefix
		}
		if cfg.Logger != nil {
			s.Logger = cfg.Logger
		}
		s.Features = cfg.Features
	}
}

// WithLogger sets the logger used for handler errors.
func WithLogger(logger *slog.Logger) func(*HttpServerConfig) {
	return func(s *HttpServerConfig) {
		s.Logger = logger
	}
}

func NewHttpServer(options ...func(*HttpServerConfig)) (*HttpServer, error) {
	defaults := DefaultConfig()
	cfg := &defaults
	for _, option := range options {
		option(cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	fiberConfig, err := buildFiberConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("invalid server configuration: %w", err)
	}

	app := fiber.New(fiberConfig)

	server := &HttpServer{
		app:    app,
		cfg:    cfg,
		logger: cfg.Logger,
	}
	server.applyMiddlewares()
	server.router = app.Group(cfg.Prefix)
	return server, nil
}

func (s *HttpServer) applyMiddlewares() {
	s.app.Use(recover.New())
	s.app.Use(helmet.New())
	s.app.Use(cors.New(cors.Config{
		AllowOrigins:  s.cfg.AllowedOrigins,
		AllowMethods:  "GET,POST,OPTIONS",
		AllowHeaders:  "Accept, Authorization, Content-Type",
		ExposeHeaders: "Content-Length, X-Request-ID",
		AllowCredentials: func() bool {
			return s.cfg.AllowedOrigins != "*"
		}(),
		MaxAge: 300,
	}))
	if s.cfg.Features.RequestID.Enabled {
		s.app.Use(requestid.New())
	}
	if s.cfg.Features.RateLimit.Enabled {
		expiration := 60 * time.Second
		if s.cfg.Features.RateLimit.Expiration != "" {
			if d, err := time.ParseDuration(s.cfg.Features.RateLimit.Expiration); err == nil {
				expiration = d
			} else {
				s.logger.Warn("invalid rate limit expiration, using default",
					slog.String("expiration", s.cfg.Features.RateLimit.Expiration))
			}
		}
		s.app.Use(limiter.New(limiter.Config{
			Max:        s.cfg.Features.RateLimit.Max,
			Expiration: expiration,
		}))
	}
	if s.cfg.Features.HealthCheck.Enabled {
		s.app.Use(healthcheck.New())
	}
	if s.cfg.Features.Etag.Enabled {
		s.app.Use(etag.New())
	}
}

func (s *HttpServer) GetApp() *fiber.App {
	return s.app
}

func (s *HttpServer) Run() error {
	return s.app.Listen(s.Addr())
}

func (s *HttpServer) Addr() string {
	if s.cfg.Features.Proxy.Enabled {
		return fmt.Sprintf(":%s", s.cfg.Port)
	}
	return fmt.Sprintf("%s:%s", s.cfg.Host, s.cfg.Port)
}

func (s *HttpServer) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func buildFiberConfig(cfg *HttpServerConfig) (fiber.Config, error) {
	config := fiber.Config{
		ReadTimeout:           DefaultReadTimeout,
		WriteTimeout:          DefaultWriteTimeout,
		ServerHeader:          DefaultServerHeader,
		BodyLimit:             DefaultBodyLimit,
		DisableStartupMessage: true,
	}
	if cfg.ReadTimeout != "" {
		readTimeout, err := time.ParseDuration(cfg.ReadTimeout)
		if err != nil {
			return fiber.Config{}, fmt.Errorf("invalid read_timeout: %s", cfg.ReadTimeout)
		}
		config.ReadTimeout = readTimeout
	}
	if cfg.WriteTimeout != "" {
		writeTimeout, err := time.ParseDuration(cfg.WriteTimeout)
		if err != nil {
			return fiber.Config{}, fmt.Errorf("invalid write_timeout: %s", cfg.WriteTimeout)
		}
		config.WriteTimeout = writeTimeout
	}
	if cfg.ServerHeader != "" {
		config.ServerHeader = cfg.ServerHeader
	}
	if cfg.BodyLimit != 0 {
		config.BodyLimit = cfg.BodyLimit
	}
	if cfg.Features.Proxy.Enabled {
		if cfg.Features.Proxy.ProxyHeader != "" {
			config.ProxyHeader = cfg.Features.Proxy.ProxyHeader
		}
		if len(cfg.Features.Proxy.TrustedProxies) > 0 {
			config.EnableTrustedProxyCheck = true
			config.TrustedProxies = cfg.Features.Proxy.TrustedProxies
		}
	}
	if cfg.ErrorHandler != nil {
		config.ErrorHandler = cfg.ErrorHandler
	}
	return config, nil
}

// Register mounts handler under the configured prefix.
func (s *HttpServer) Register(method, path string, handler core.HandlerFunc, reqFactory func() any) {
	genHandler := func(c *fiber.Ctx) error {
		req := reqFactory()

		if err := c.BodyParser(req); err != nil && !errors.Is(fiber.ErrUnprocessableEntity, err) {
			return badRequest(c, err)
		}
		if err := c.ParamsParser(req); err != nil {
			return badRequest(c, err)
		}
		if err := c.QueryParser(req); err != nil {
			return badRequest(c, err)
		}

		if validator, ok := req.(core.Request); ok {
			if err := validator.Validate(); err != nil {
				return badRequest(c, err)
			}
		}

		ctx, span := otel.Tracer(tracerName).Start(c.UserContext(), method+" "+path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(attribute.String("http.route", path)),
		)
		defer span.End()

		res, err := handler(ctx, req)
		if err != nil {
			return s.writeError(c, span, err)
		}
		return c.JSON(core.BaseResponse[any]{Success: true, Data: res})
	}

	s.router.Add(method, path, genHandler)
}

func badRequest(c *fiber.Ctx, err error) error {
	return c.Status(fiber.StatusBadRequest).JSON(core.BaseResponse[any]{
		Error: &core.APIError{Message: err.Error()},
	})
}

// writeError maps the error level onto a status code. Infrastructure and
// unknown errors keep their details out of the response.
func (s *HttpServer) writeError(c *fiber.Ctx, span trace.Span, err error) error {
	span.RecordError(err)
	var traceID string
	if sc := span.SpanContext(); sc.HasTraceID() {
		traceID = sc.TraceID().String()
	}

	apiErr := &core.APIError{Code: errors.GetCode(err), TraceID: traceID}
	var extendErr *errors.ExtendError
	if errors.As(err, &extendErr) {
		apiErr.Details = extendErr.Metadata
	}

	status := fiber.StatusInternalServerError
	switch errors.GetLevel(err) {
	case errors.ERR_VALIDATION:
		status = fiber.StatusBadRequest
		apiErr.Message = err.Error()
	case errors.ERR_DOMAIN:
		status = fiber.StatusUnprocessableEntity
		apiErr.Message = err.Error()
	case errors.ERR_TRACKING:
		status = fiber.StatusServiceUnavailable
		apiErr.Message = "Tracking Unavailable"
	case errors.ERR_INFRASTRUCTURE:
		status = fiber.StatusBadGateway
		apiErr.Message = "Internal Server Error"
	default:
		apiErr.Message = "Internal Server Error"
	}
	if errors.Is(errors.ErrEntryNotFound, err) {
		status = fiber.StatusNotFound
		apiErr.Message = "Resource not found"
	}

	if status >= fiber.StatusInternalServerError {
		s.logger.Error("tracking api request failed",
			slog.String("path", c.Path()),
			slog.String("trace_id", traceID),
			slog.Any("error", err))
	}
	return c.Status(status).JSON(core.BaseResponse[any]{Error: apiErr})
}
