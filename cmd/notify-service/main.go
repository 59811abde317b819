package main

import (
	"context"
	"errors"
	"expvar"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"lodgehr/notify-service/internal/access"
	"lodgehr/notify-service/internal/channel"
	"lodgehr/notify-service/internal/config"
	"lodgehr/notify-service/internal/dispatch"
	"lodgehr/notify-service/internal/httpapi"
	"lodgehr/notify-service/internal/hub"
	"lodgehr/notify-service/internal/models"
	"lodgehr/notify-service/internal/store/postgres"
	"lodgehr/notify-service/internal/telemetry"

	"github.com/igm/sockjs-go/sockjs"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	cfg := config.Load()
	shutdownTelemetry := telemetry.Setup("notify-service")
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	defer pool.Close()

	dataStore := postgres.NewStore(pool)
	accessCache := access.New(dataStore, cfg.AccessTTL)
	h := hub.New(accessCache, hub.Options{
		HeartbeatTimeout: cfg.HeartbeatTimeout,
		SendBuffer:       cfg.SendBuffer,
	})

	adapters := map[string]channel.Adapter{
		models.ChannelInApp: channel.NewInApp(h, cfg.InAppRequireReceipt),
		models.ChannelEmail: channel.NewProvider(cfg.EmailProvider, models.ChannelEmail),
		models.ChannelSMS:   channel.NewProvider(cfg.SMSProvider, models.ChannelSMS),
		models.ChannelPush:  channel.NewProvider(cfg.PushProvider, models.ChannelPush),
	}
	dispatcher := dispatch.New(dataStore, dataStore, h, adapters, dispatch.Config{
		MaxRetries:     cfg.MaxRetries,
		BackoffBase:    cfg.BackoffBase,
		BackoffCap:     cfg.BackoffCap,
		AdapterTimeout: cfg.AdapterTimeout,
		Workers:        cfg.DispatchWorkers,
		BatchSize:      cfg.BatchSize,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx, cfg.SweepInterval)
	go dispatch.Start(ctx, cfg.PollInterval, dispatcher)

	handler := httpapi.NewHandler(dispatcher, dataStore, accessCache)
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute: cfg.RateLimitPerMinute,
		IPBurst:     cfg.RateLimitBurst,
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", expvar.Handler())
	mux.Handle("/realtime/", sockjs.NewHandler("/realtime", sockjs.DefaultOptions, func(session sockjs.Session) {
		serveConnection(session, h, dataStore, []byte(cfg.JWTSecret))
	}))
	mux.Handle("/", handler.Routes())

	wrapped := httpapi.AuthMiddleware([]byte(cfg.JWTSecret), cfg.InternalToken,
		httpapi.LoggingMiddleware(limiter.Middleware(mux)))
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(wrapped, "notify-service"),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("notify-service listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}

// readStore is the slice of the store the realtime connection needs: acks
// mark notifications read.
type readStore interface {
	MarkRead(ctx context.Context, notificationID, recipientID string) error
}

// serveConnection runs one realtime session: verify the handshake
// credential, register with the hub, pump outbound frames, and decode
// inbound control messages through a single switch.
func serveConnection(session sockjs.Session, h *hub.Hub, notifications readStore, secret []byte) {
	raw := credentialFromRequest(session.Request())
	if raw == "" {
		_ = session.Close(4001, "missing credential")
		return
	}
	identity, err := httpapi.ParseToken(secret, raw)
	if err != nil {
		_ = session.Close(4002, "invalid credential")
		return
	}

	conn := h.Register(hub.Identity{UserID: identity.UserID, Role: identity.Role})
	defer h.Disconnect(conn.ID)

	go func() {
		for msg := range conn.Send {
			if err := session.Send(string(msg)); err != nil {
				h.Disconnect(conn.ID)
				return
			}
		}
	}()

	_ = session.Send(string(hub.ConnectedFrame(conn.ID)))

	for {
		msg, err := session.Recv()
		if err != nil {
			return
		}
		parsed, ok := hub.ParseClientMessage([]byte(msg))
		if !ok {
			_ = session.Send(string(hub.ErrorFrame("invalid_message", "unrecognized control message")))
			continue
		}
		switch parsed.Action {
		case hub.ActionSubscribe:
			if err := h.Subscribe(context.Background(), conn.ID, parsed.Room); err != nil {
				if errors.Is(err, hub.ErrRoomForbidden) {
					log.Printf("realtime access violation user=%s room=%s", identity.UserID, parsed.Room)
					_ = session.Send(string(hub.ErrorFrame("access_denied", "room access forbidden")))
					continue
				}
				_ = session.Send(string(hub.ErrorFrame("subscribe_failed", "subscription failed")))
			}
		case hub.ActionUnsubscribe:
			h.Unsubscribe(conn.ID, parsed.Room)
		case hub.ActionHeartbeat:
			_ = h.Heartbeat(conn.ID)
			_ = session.Send(string(hub.HeartbeatAckFrame()))
		case hub.ActionAck:
			if parsed.NotificationID == "" {
				continue
			}
			if err := notifications.MarkRead(context.Background(), parsed.NotificationID, identity.UserID); err != nil {
				log.Printf("realtime ack notification=%s user=%s err=%v", parsed.NotificationID, identity.UserID, err)
			}
		}
	}
}

func credentialFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	if token := bearerToken(r.Header.Get("Authorization")); token != "" {
		return token
	}
	return strings.TrimSpace(r.URL.Query().Get("access_token"))
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.Fields(header)
	if len(parts) != 2 {
		return ""
	}
	if strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return parts[1]
}
