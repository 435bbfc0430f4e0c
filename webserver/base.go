// Package webserver exposes health and metrics of a running ledger process
// over HTTP.
package webserver

import (
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/iidesho/bragi/sbragi"
	"github.com/iidesho/ledger/metrics"
	"github.com/iidesho/ledger/webserver/health"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var log = sbragi.WithLocalScope(sbragi.LevelInfo)

type Server struct {
	r      *fiber.App
	api    fiber.Router
	port   uint16
	health *health.Tracker
}

func Init(port uint16, h *health.Tracker) *Server {
	s := Server{
		r: fiber.New(fiber.Config{
			AppName:               health.Name,
			DisableStartupMessage: true,
			JSONDecoder:           json.Unmarshal,
			JSONEncoder:           json.Marshal,
			ErrorHandler:          errorHandler,
		}),
		port:   port,
		health: h,
	}
	s.r.Use(compress.New(compress.Config{Level: compress.LevelBestSpeed}))
	s.r.Use(func(c *fiber.Ctx) (err error) {
		defer func() {
			r := recover()
			if r != nil {
				err = errors.Join(
					err,
					fmt.Errorf("recovered: %v, stack: %s", r, string(debug.Stack())),
					c.SendStatus(http.StatusInternalServerError),
				)
			}
		}()
		return c.Next()
	})
	s.api = s.r.Group("/")
	s.api.Get("/health", func(c *fiber.Ctx) error {
		r := s.health.Report(c.UserContext())
		if r.Status != "UP" {
			c.Status(http.StatusServiceUnavailable)
		}
		return c.JSON(r)
	})
	if metrics.Registry != nil {
		h := fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
		s.api.Get("/metrics", func(c *fiber.Ctx) error {
			h(c.Context())
			return nil
		})
	}
	return &s
}

func errorHandler(c *fiber.Ctx, err error) error {
	status := http.StatusInternalServerError
	var e *fiber.Error
	if errors.As(err, &e) {
		status = e.Code
	}
	err = c.Status(status).JSON(map[string]any{
		"status":      status,
		"status_text": http.StatusText(status),
		"error_msg":   err.Error(),
	})
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).
			SendString("Internal Server Error")
	}
	return nil
}

func (s *Server) API() fiber.Router {
	return s.api
}

func (s *Server) App() *fiber.App {
	return s.r
}

// Run blocks until Shutdown is called or listening fails.
func (s *Server) Run() error {
	log.Info("starting webserver", "port", s.port)
	return s.r.Listen(fmt.Sprintf(":%d", s.port))
}

func (s *Server) Shutdown() error {
	return s.r.Shutdown()
}

func (s *Server) Port() uint16 {
	return s.port
}

func ErrorResponse(c *fiber.Ctx, message string, httpStatusCode int) error {
	return c.Status(httpStatusCode).JSON(map[string]string{"error": message})
}
