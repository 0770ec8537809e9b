// Package gateway is the WebSocket-facing edge of the server: it validates
// inbound requests, tracks per-socket subscriptions, forwards fetch requests
// to the orchestrator, and fans job-change notifications out to every
// matching subscriber.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"nhooyr.io/websocket"

	"github.com/polkatax/rewardsync/internal/address"
	"github.com/polkatax/rewardsync/internal/jobs"
	"github.com/polkatax/rewardsync/internal/model"
	"github.com/polkatax/rewardsync/internal/store"
)

// Enqueuer is the orchestrator surface the gateway needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, wallet, currency string, blockchains []string, requestID string) ([]*model.Job, error)
}

// session is one live socket. Writes are serialized because the read loop and
// the fan-out loop both push messages.
type session struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *session) send(ctx context.Context, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Write(ctx, websocket.MessageText, payload)
}

type Handler struct {
	registry *Registry
	enqueuer Enqueuer
	jobs     *jobs.Service
	store    store.JobStore
}

func NewHandler(registry *Registry, enqueuer Enqueuer, service *jobs.Service, jobStore store.JobStore) *Handler {
	return &Handler{
		registry: registry,
		enqueuer: enqueuer,
		jobs:     service,
		store:    jobStore,
	}
}

// ServeHTTP upgrades the connection and runs the per-socket read loop until
// the client disconnects.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		log.Warn().Err(err).Msg("WebSocket accept failed")
		return
	}
	defer conn.CloseNow() //nolint:errcheck

	sess := &session{conn: conn}
	h.registry.Register(sess)
	defer h.registry.Drop(sess)

	log.Debug().Str("addr", r.RemoteAddr).Msg("Client connected")

	ctx := r.Context()
	for {
		_, payload, err := conn.Read(ctx)
		if err != nil {
			log.Debug().Err(err).Str("addr", r.RemoteAddr).Msg("Client disconnected")
			return
		}
		h.handleMessage(ctx, sess, payload)
	}
}

func (h *Handler) handleMessage(ctx context.Context, sess *session, payload []byte) {
	var req request
	if err := json.Unmarshal(payload, &req); err != nil {
		h.sendError(ctx, sess, 400, "malformed json")
		return
	}

	if msg, ok := validate(&req); !ok {
		h.sendError(ctx, sess, 400, msg)
		return
	}

	switch req.Type {
	case msgFetchDataRequest:
		h.handleFetch(ctx, sess, &req)
	case msgUnsubscribeRequest:
		h.handleUnsubscribe(ctx, sess, &req)
	default:
		h.sendError(ctx, sess, 400, "unknown message type")
	}
}

// validate checks the request schema: the wallet must be a syntactically
// valid address of a supported kind and the currency is required.
func validate(req *request) (string, bool) {
	if req.Payload.Currency == "" {
		return "currency is required", false
	}
	if _, err := address.Detect(req.Payload.Wallet); err != nil {
		return "invalid wallet address", false
	}
	return "", true
}

func (h *Handler) handleFetch(ctx context.Context, sess *session, req *request) {
	err := h.registry.Subscribe(sess, req.Payload.Wallet, req.Payload.Currency)
	if errors.Is(err, ErrTooManyWallets) {
		h.sendError(ctx, sess, 429, err.Error())
		return
	}

	snapshots, err := h.enqueuer.Enqueue(ctx, req.Payload.Wallet, req.Payload.Currency, req.Payload.Blockchains, req.ReqID)
	if err != nil {
		log.Error().Err(err).Str("wallet", req.Payload.Wallet).Msg("Failed to enqueue fetch request")
		h.sendError(ctx, sess, 500, "failed to enqueue request")
		return
	}

	h.reply(ctx, sess, &dataMessage{
		Type:      msgData,
		ReqID:     req.ReqID,
		Timestamp: time.Now().UnixMilli(),
		Payload:   snapshots,
	})
}

func (h *Handler) handleUnsubscribe(ctx context.Context, sess *session, req *request) {
	h.registry.Unsubscribe(sess, req.Payload.Wallet, req.Payload.Currency)

	h.reply(ctx, sess, &dataMessage{
		Type:      msgAcknowledgeUnsubscribe,
		ReqID:     req.ReqID,
		Timestamp: time.Now().UnixMilli(),
		Payload:   []*model.Job{},
	})
}

// Run is the fan-out loop: it consumes the store's job-changed stream and
// pushes the re-fetched job to every socket subscribed to its wallet and
// currency. Delivery is at-least-once to currently-connected sockets.
func (h *Handler) Run(ctx context.Context) error {
	changes, unsubscribe := h.store.SubscribeJobChanged()
	defer unsubscribe()

	log.Info().Msg("Starting job change fan-out")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case id, ok := <-changes:
			if !ok {
				return nil
			}
			h.fanOut(ctx, id)
		}
	}
}

func (h *Handler) fanOut(ctx context.Context, id model.JobID) {
	sessions := h.registry.Match(id.Wallet, id.Currency)
	if len(sessions) == 0 {
		return
	}

	// The signal carries no payload; re-fetch the authoritative row.
	job, err := h.jobs.Find(ctx, id)
	if err != nil {
		if !errors.Is(err, store.ErrJobNotFound) {
			log.Error().Err(err).Str("wallet", id.Wallet).Msg("Failed to fetch changed job for fan-out")
		}
		return
	}

	msg := &dataMessage{
		Type:      msgData,
		ReqID:     job.RequestID,
		Timestamp: time.Now().UnixMilli(),
		Payload:   []*model.Job{job},
	}
	for _, sess := range sessions {
		if err := sess.send(ctx, msg); err != nil {
			log.Debug().Err(err).Str("wallet", id.Wallet).Msg("Failed to push job change to socket")
		}
	}
}

func (h *Handler) reply(ctx context.Context, sess *session, msg *dataMessage) {
	if err := sess.send(ctx, msg); err != nil {
		log.Debug().Err(err).Msg("Failed to send reply")
	}
}

func (h *Handler) sendError(ctx context.Context, sess *session, code int, msg string) {
	err := sess.send(ctx, &errorMessage{
		Type:      msgError,
		Timestamp: time.Now().UnixMilli(),
		Error:     model.JobError{Code: code, Message: msg},
	})
	if err != nil {
		log.Debug().Err(err).Msg("Failed to send error message")
	}
}
