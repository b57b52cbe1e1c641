// Package ingress is the EventSub webhook gate: it authenticates every
// delivery with the shared HMAC secret, answers Twitch within its response
// deadline, and hands verified events off to the notification pipeline on
// detached goroutines.
package ingress

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"

	"tntb/internal/notify"
	"tntb/internal/twitch"
	"tntb/pkg/logx"
)

const (
	headerMessageID   = "Twitch-Eventsub-Message-Id"
	headerTimestamp   = "Twitch-Eventsub-Message-Timestamp"
	headerSignature   = "Twitch-Eventsub-Message-Signature"
	headerMessageType = "Twitch-Eventsub-Message-Type"

	typeVerification = "webhook_callback_verification"
	typeNotification = "notification"
	typeRevocation   = "revocation"

	// maxBodySize bounds webhook payloads; EventSub notifications are a
	// few hundred bytes.
	maxBodySize = 1 << 20
)

// Dispatcher receives verified stream.online events; satisfied by
// *notify.Dispatcher.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev notify.Event)
}

// Revoker absorbs upstream revocations; satisfied by *lifecycle.Manager.
type Revoker interface {
	Revoke(ctx context.Context, streamerID, reason string) error
}

type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Secret is the HMAC key shared with EventSub at subscribe time.
	Secret string
}

type Server struct {
	dispatch Dispatcher
	revoker  Revoker
	log      logx.Logger

	secret atomic.Value // string
	paused atomic.Bool

	srv *http.Server
}

func New(cfg Config, dispatch Dispatcher, revoker Revoker, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{
		dispatch: dispatch,
		revoker:  revoker,
		log:      log,
	}
	s.secret.Store(cfg.Secret)

	r := chi.NewRouter()
	r.Post("/webhooks/twitch/stream-online", s.handleStreamOnline)

	s.srv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Apply swaps the webhook secret on config reload. The address and
// timeouts stay: rebinding a live listener needs a restart.
func (s *Server) Apply(cfg Config) {
	s.secret.Store(cfg.Secret)
}

// SetPaused toggles notification handoff. Paused deliveries are still
// verified and acknowledged so Twitch does not disable the subscription;
// they are just not fanned out.
func (s *Server) SetPaused(v bool) { s.paused.Store(v) }
func (s *Server) Paused() bool     { return s.paused.Load() }

// Serve runs the webhook listener until ctx is canceled, then drains with
// a short shutdown grace.
func (s *Server) Serve(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		errc <- s.srv.ListenAndServe()
	}()
	s.log.Info("webhook listener started", logx.String("addr", s.srv.Addr))

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Handler exposes the route mux for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

type eventSubPayload struct {
	Challenge    string `json:"challenge"`
	Subscription struct {
		ID        string `json:"id"`
		Type      string `json:"type"`
		Status    string `json:"status"`
		Condition struct {
			BroadcasterUserID string `json:"broadcaster_user_id"`
		} `json:"condition"`
	} `json:"subscription"`
	Event struct {
		BroadcasterUserID    string `json:"broadcaster_user_id"`
		BroadcasterUserLogin string `json:"broadcaster_user_login"`
		BroadcasterUserName  string `json:"broadcaster_user_name"`
	} `json:"event"`
}

func (s *Server) handleStreamOnline(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	msgID := r.Header.Get(headerMessageID)
	timestamp := r.Header.Get(headerTimestamp)
	if !s.verify(msgID, timestamp, body, r.Header.Get(headerSignature)) {
		s.log.Warn("webhook signature rejected",
			logx.String("message_id", msgID), logx.String("remote", r.RemoteAddr))
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	var payload eventSubPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	switch msgType := r.Header.Get(headerMessageType); msgType {
	case typeVerification:
		// Echoing the challenge proves callback ownership to EventSub.
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(payload.Challenge))
		s.log.Info("webhook challenge answered",
			logx.String("subscription", payload.Subscription.ID))

	case typeRevocation:
		w.WriteHeader(http.StatusNoContent)
		streamerID := payload.Subscription.Condition.BroadcasterUserID
		reason := payload.Subscription.Status
		go func() {
			ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), time.Minute)
			defer cancel()
			if err := s.revoker.Revoke(ctx, streamerID, reason); err != nil {
				s.log.Error("revocation handling failed",
					logx.String("streamer", streamerID), logx.Err(err))
			}
		}()

	case typeNotification:
		// Ack first: Twitch retries (and eventually revokes) on slow
		// responses, so the fan-out must never sit on this handler.
		w.WriteHeader(http.StatusNoContent)
		if payload.Subscription.Type != twitch.EventStreamOnline {
			s.log.Info("notification ignored: unexpected subscription type",
				logx.String("type", payload.Subscription.Type),
				logx.String("message_id", msgID))
			return
		}
		if s.paused.Load() {
			s.log.Info("notification dropped: ingress paused",
				logx.String("message_id", msgID))
			return
		}
		ev := notify.Event{
			StreamerID: payload.Event.BroadcasterUserID,
			Login:      payload.Event.BroadcasterUserLogin,
			Name:       payload.Event.BroadcasterUserName,
			MessageID:  msgID,
		}
		go s.dispatch.Dispatch(context.WithoutCancel(r.Context()), ev)

	default:
		s.log.Warn("unknown webhook message type", logx.String("type", msgType))
		w.WriteHeader(http.StatusNoContent)
	}
}

// verify checks the EventSub HMAC: sha256 over message id, timestamp and
// raw body, keyed with the shared secret.
func (s *Server) verify(msgID, timestamp string, body []byte, signature string) bool {
	if msgID == "" || timestamp == "" || signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(s.secret.Load().(string)))
	mac.Write([]byte(msgID))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	// Twitch hex-encodes in lowercase but the header casing is not
	// guaranteed; compare case-insensitively.
	return hmac.Equal([]byte(want), []byte(strings.ToLower(signature)))
}
