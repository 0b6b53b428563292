package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	apperr "github.com/LingByte/CareCall/pkg/errors"
	"github.com/LingByte/CareCall/pkg/logger"
	"github.com/LingByte/CareCall/pkg/protocol"
	"github.com/LingByte/CareCall/pkg/signaling"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	maxFrameSize = 64 << 10
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
)

// Options configures the relay.
type Options struct {
	AllowedOrigins []string
	Registry       *prometheus.Registry
	Logger         *zap.Logger
}

// Server bridges websocket and HTTP clients onto a signaling Transport.
type Server struct {
	transport signaling.Transport
	opts      Options
	log       *zap.Logger
	upgrader  websocket.Upgrader

	connections prometheus.Gauge
	published   *prometheus.CounterVec
	delivered   prometheus.Counter
}

// New creates a relay over transport
func New(transport signaling.Transport, opts Options) *Server {
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
	}
	if opts.Logger == nil {
		opts.Logger = logger.Lg
	}
	s := &Server{
		transport: transport,
		opts:      opts,
		log:       opts.Logger.Named("relay"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Origin is enforced by OriginFilter.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "carecall",
			Subsystem: "relay",
			Name:      "connections",
			Help:      "Open websocket subscriptions.",
		}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "carecall",
			Subsystem: "relay",
			Name:      "published_total",
			Help:      "Signaling messages accepted by the relay, by message type.",
		}, []string{"type"}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "carecall",
			Subsystem: "relay",
			Name:      "delivered_total",
			Help:      "Frames written to websocket subscribers.",
		}),
	}
	opts.Registry.MustRegister(s.connections, s.published, s.delivered)
	return s
}

// Registry returns the registry served on /metrics.
func (s *Server) Registry() *prometheus.Registry { return s.opts.Registry }

// Router builds the gin engine
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.RedirectTrailingSlash = false
	r.RedirectFixedPath = false

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.opts.Registry, promhttp.HandlerOpts{})))

	api := r.Group("/")
	if len(s.opts.AllowedOrigins) > 0 {
		api.Use(OriginFilter(s.opts.AllowedOrigins))
	}
	api.POST("/api/signal/:sessionId", s.handlePublish)
	api.GET("/ws/signal/:sessionId", s.handleSubscribe)
	return r
}

func (s *Server) publish(ctx context.Context, sessionID string, data []byte) error {
	msg, err := protocol.Decode(data)
	if err != nil {
		return err
	}
	if err := s.transport.Publish(ctx, sessionID, data); err != nil {
		return apperr.WrapError(apperr.ErrCodeSignalingChannelLost, err)
	}
	s.published.WithLabelValues(string(msg.Type)).Inc()
	return nil
}

func (s *Server) handlePublish(c *gin.Context) {
	sessionID := c.Param("sessionId")
	data, err := io.ReadAll(io.LimitReader(c.Request.Body, maxFrameSize+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(data) > maxFrameSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "frame too large"})
		return
	}
	if err := s.publish(c.Request.Context(), sessionID, data); err != nil {
		status := http.StatusInternalServerError
		if appErr, ok := apperr.AsAppError(err); ok {
			status = appErr.HTTPStatus
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

type client struct {
	id        string
	sessionID string
	conn      *websocket.Conn
	send      chan signaling.Frame
}

func (s *Server) handleSubscribe(c *gin.Context) {
	sessionID := c.Param("sessionId")
	since := c.Query("since")

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := s.transport.Subscribe(ctx, sessionID, since)
	if err != nil {
		cancel()
		status := http.StatusBadGateway
		if appErr, ok := apperr.AsAppError(err); ok {
			status = appErr.HTTPStatus
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		cancel()
		_ = sub.Close()
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	cl := &client{
		id:        uuid.NewString(),
		sessionID: sessionID,
		conn:      conn,
		send:      make(chan signaling.Frame, 256),
	}
	s.connections.Inc()
	s.log.Info("subscriber joined", zap.String("session_id", sessionID), zap.String("conn_id", cl.id), zap.String("since", since))

	go s.pumpSubscription(ctx, sub, cl)
	go s.writePump(cl, cancel)
	go s.readPump(ctx, cl, cancel)
}

// pumpSubscription feeds transport envelopes to the client's send queue.
func (s *Server) pumpSubscription(ctx context.Context, sub signaling.Subscription, cl *client) {
	defer close(cl.send)
	defer sub.Close()
	for {
		env, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, signaling.ErrSubscriptionClosed) {
				s.log.Warn("relay subscription failed", zap.String("conn_id", cl.id), zap.Error(err))
			}
			return
		}
		if !json.Valid(env.Data) {
			continue
		}
		select {
		case cl.send <- signaling.Frame{Cursor: env.Cursor, Data: env.Data}:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) writePump(cl *client, cancel context.CancelFunc) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		cancel()
		cl.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-cl.send:
			cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				cl.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := cl.conn.WriteJSON(frame); err != nil {
				s.log.Debug("websocket write failed", zap.String("conn_id", cl.id), zap.Error(err))
				return
			}
			s.delivered.Inc()
		case <-ticker.C:
			cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump accepts frames published over the socket and tracks liveness.
func (s *Server) readPump(ctx context.Context, cl *client, cancel context.CancelFunc) {
	defer func() {
		cancel()
		s.connections.Dec()
		s.log.Info("subscriber left", zap.String("session_id", cl.sessionID), zap.String("conn_id", cl.id))
	}()

	cl.conn.SetReadLimit(maxFrameSize)
	cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	cl.conn.SetPongHandler(func(string) error {
		cl.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := cl.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				s.log.Debug("websocket read error", zap.String("conn_id", cl.id), zap.Error(err))
			}
			return
		}
		if err := s.publish(ctx, cl.sessionID, data); err != nil {
			s.log.Warn("dropping websocket frame", zap.String("conn_id", cl.id), zap.Error(err))
		}
	}
}
