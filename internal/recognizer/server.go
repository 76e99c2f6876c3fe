package recognizer

import (
	"context"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/followalong/internal/config"
	"github.com/loqalabs/followalong/internal/protocol"
)

// Server accepts one WebSocket per client on "/". Binary messages carry
// canonical PCM; each recognizer result is sent back as a JSON text message.
type Server struct {
	app    *fiber.App
	rec    Recognizer
	cfg    config.RecognizerConfig
	log    *slog.Logger
	active atomic.Int64

	chunks  metric.Int64Counter
	results metric.Int64Counter
}

func NewServer(cfg config.RecognizerConfig, rec Recognizer, log *slog.Logger) *Server {
	s := &Server{
		app: fiber.New(fiber.Config{DisableStartupMessage: true}),
		rec: rec,
		cfg: cfg,
		log: log.With(slog.String("component", "recognizer")),
	}
	meter := otel.Meter("github.com/loqalabs/followalong/recognizer")
	var err error
	if s.chunks, err = meter.Int64Counter("followalong.recognizer.chunks"); err != nil {
		s.log.Warn("failed to create metric", slog.String("error", err.Error()))
	}
	if s.results, err = meter.Int64Counter("followalong.recognizer.results"); err != nil {
		s.log.Warn("failed to create metric", slog.String("error", err.Error()))
	}

	s.app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "mode": cfg.Mode, "connections": s.active.Load()})
	})
	s.app.Get("/", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	}, websocket.New(s.handle))
	return s
}

// App exposes the underlying fiber app for additional routes.
func (s *Server) App() *fiber.App { return s.app }

func (s *Server) Listen(addr string) error {
	s.log.Info("recognizer listening", slog.String("addr", addr), slog.String("mode", s.cfg.Mode))
	return s.app.Listen(addr)
}

func (s *Server) Serve(ln net.Listener) error {
	s.log.Info("recognizer listening", slog.String("addr", ln.Addr().String()), slog.String("mode", s.cfg.Mode))
	return s.app.Listener(ln)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) handle(ws *websocket.Conn) {
	defer ws.Close()
	s.active.Add(1)
	defer s.active.Add(-1)
	log := s.log.With(slog.String("remote", ws.RemoteAddr().String()))
	log.Info("client connected")

	stream, err := s.rec.NewStream(s.cfg.SampleRate)
	if err != nil {
		log.Error("create recognizer stream failed", slog.String("error", err.Error()))
		_ = ws.WriteJSON(protocol.ErrorMessage("Recognizer unavailable", err.Error()))
		return
	}
	defer stream.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for {
		msgType, msg, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn("client read failed", slog.String("error", err.Error()))
			}
			log.Info("client disconnected")
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		if s.chunks != nil {
			s.chunks.Add(ctx, 1)
		}

		results, err := stream.Accept(ctx, msg)
		if err != nil {
			log.Warn("processing audio failed", slog.String("error", err.Error()))
			_ = ws.WriteJSON(protocol.ErrorMessage("Invalid audio data", err.Error()))
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseUnsupportedData, "invalid audio"),
				time.Now().Add(time.Second))
			return
		}
		for _, r := range results {
			reply := protocol.PartialMessage(r.Text)
			if r.Final {
				reply = protocol.FinalMessage(r.Text)
			}
			if err := ws.WriteJSON(reply); err != nil {
				log.Warn("send result failed", slog.String("error", err.Error()))
				return
			}
			if s.results != nil {
				s.results.Add(ctx, 1)
			}
		}
	}
}
