package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pario-ai/copydesk/pkg/models"
)

// maxInFlight caps concurrent generations per connection.
const maxInFlight = 2

// WebSocket event names.
const (
	EventStartGeneration  = "start_generation"
	EventRegenerateImage  = "regenerate_image"
	EventConnectionStatus = "connection_status"
	EventProgress         = "progress"
	EventImageProgress    = "image_progress"
	EventResult           = "result"
)

// Message is the envelope for every WebSocket frame in both directions.
type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ImageProgress is the payload of image_progress events.
type ImageProgress struct {
	Status   string `json:"status"`
	Percent  int    `json:"percent"`
	ImageURL string `json:"image_url,omitempty"`
	Error    bool   `json:"error,omitempty"`
}

type progressError struct {
	Data    string            `json:"data"`
	Partial string            `json:"partial"`
	Percent int               `json:"percent"`
	Error   bool              `json:"error"`
	Errors  map[string]string `json:"errors,omitempty"`
}

// wsConn serializes writes; the websocket does not allow concurrent
// writers.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) send(ctx context.Context, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", event, err)
	}
	frame, err := json.Marshal(Message{Event: event, Data: data})
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.Write(ctx, websocket.MessageText, frame); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

func (s *Server) originPatterns() []string {
	var patterns []string
	for _, o := range s.svc.Config().Server.CORSAllowedOrigins {
		if o == "*" {
			return []string{"*"}
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			patterns = append(patterns, u.Host)
		}
	}
	return patterns
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.originPatterns()})
	if err != nil {
		s.logger.Debug("websocket accept", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	ip := clientIP(r)
	logger := s.logger.With(zap.String("client", ip))
	c := &wsConn{conn: conn}

	ctx, cancel := context.WithCancel(r.Context())
	inflight := make(chan struct{}, maxInFlight)
	var wg sync.WaitGroup
	defer wg.Wait()
	defer cancel()

	if err := c.send(ctx, EventConnectionStatus, map[string]string{
		"status":  "connected",
		"message": "Connected to server",
	}); err != nil {
		return
	}
	logger.Debug("websocket connected")

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			logger.Debug("websocket closed", zap.Error(err))
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			_ = c.send(ctx, EventProgress, progressError{Data: "Error: malformed message", Error: true})
			continue
		}

		var req models.GenerationRequest
		if len(msg.Data) > 0 {
			if err := json.Unmarshal(msg.Data, &req); err != nil {
				_ = c.send(ctx, EventProgress, progressError{Data: "Error: invalid request", Error: true})
				continue
			}
		}
		req.ClientID = ip
		req.RequestID = uuid.NewString()

		var run func(context.Context, *wsConn, models.GenerationRequest, *zap.Logger)
		switch msg.Event {
		case EventStartGeneration:
			run = s.wsGenerate
		case EventRegenerateImage:
			run = s.wsRegenerateImage
		default:
			logger.Debug("unknown websocket event", zap.String("event", msg.Event))
			continue
		}

		select {
		case inflight <- struct{}{}:
		default:
			s.wsBusy(ctx, c, msg.Event)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-inflight }()
			run(ctx, c, req, logger.With(zap.String("request_id", req.RequestID)))
		}()
	}
}

func (s *Server) wsBusy(ctx context.Context, c *wsConn, event string) {
	const busy = "Error: too many generations in progress on this connection"
	if event == EventRegenerateImage {
		_ = c.send(ctx, EventImageProgress, ImageProgress{Status: busy, Error: true})
		return
	}
	_ = c.send(ctx, EventProgress, progressError{Data: busy, Error: true})
}

func (s *Server) wsGenerate(ctx context.Context, c *wsConn, req models.GenerationRequest, logger *zap.Logger) {
	result, err := s.svc.Generate(ctx, req, func(p models.Progress) {
		if p.Image {
			_ = c.send(ctx, EventImageProgress, ImageProgress{
				Status:   p.Stage,
				Percent:  p.Percent,
				ImageURL: p.ImageURL,
				Error:    p.Error,
			})
			return
		}
		_ = c.send(ctx, EventProgress, p)
	})
	if err != nil {
		status, body := errorResponse(err)
		if status >= http.StatusInternalServerError {
			logger.Warn("generation failed", zap.Int("status", status), zap.Error(err))
		}
		_ = c.send(ctx, EventProgress, progressError{
			Data:   "Error: " + body.Error.Message,
			Error:  true,
			Errors: body.Error.Fields,
		})
		return
	}
	_ = c.send(ctx, EventResult, result)
}

func (s *Server) wsRegenerateImage(ctx context.Context, c *wsConn, req models.GenerationRequest, logger *zap.Logger) {
	_ = c.send(ctx, EventImageProgress, ImageProgress{Status: "Generating image...", Percent: 10})

	result, err := s.svc.RegenerateImage(ctx, req)
	if err != nil {
		status, body := errorResponse(err)
		if status >= http.StatusInternalServerError {
			logger.Warn("image regeneration failed", zap.Int("status", status), zap.Error(err))
		}
		_ = c.send(ctx, EventImageProgress, ImageProgress{Status: "Error: " + body.Error.Message, Error: true})
		return
	}
	_ = c.send(ctx, EventImageProgress, ImageProgress{
		Status:   "Image ready",
		Percent:  100,
		ImageURL: result.ImageURL,
	})
}
