package server

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"
	"zerotrace/internal/model"
	"zerotrace/internal/utils/log"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	minUsernameLen = 3
	maxUsernameLen = 50
)

type (
	UserStore interface {
		Create(ctx context.Context, user *model.User) error
		ByUsername(ctx context.Context, username string) (*model.User, error)
		ByPublicKey(ctx context.Context, kemPublic string) (*model.User, error)
		Search(ctx context.Context, prefix string) ([]*model.User, error)
	}

	EnvelopeStore interface {
		Insert(ctx context.Context, env *model.Envelope) error
		ForKey(ctx context.Context, kemPublic string, after float64) ([]*model.Envelope, error)
		ForDialog(ctx context.Context, dialogHash string, after float64) ([]*model.Envelope, error)
		Dialogs(ctx context.Context, kemPublic string) ([]*model.DialogRef, error)
	}

	// Publisher fans a stored-envelope event out to every subscriber of keys.
	Publisher interface {
		Publish(ctx context.Context, n model.Notification, keys ...string) error
	}

	HttpServer struct {
		users     UserStore
		envelopes EnvelopeStore
		publisher Publisher
		hub       *Hub
		health    func(ctx context.Context) error

		clockMu sync.Mutex
		lastTS  float64
		now     func() time.Time
	}

	Option func(*HttpServer)
)

// WithPublisher replaces the default in-process publisher.
func WithPublisher(p Publisher) Option {
	return func(s *HttpServer) { s.publisher = p }
}

// WithHealthCheck sets the probe behind /health.
func WithHealthCheck(fn func(ctx context.Context) error) Option {
	return func(s *HttpServer) { s.health = fn }
}

func WithClock(now func() time.Time) Option {
	return func(s *HttpServer) { s.now = now }
}

func NewHttpServer(users UserStore, envelopes EnvelopeStore, hub *Hub, opts ...Option) *HttpServer {
	s := &HttpServer{
		users:     users,
		envelopes: envelopes,
		hub:       hub,
		publisher: hub,
		health:    func(context.Context) error { return nil },
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *HttpServer) Handler() http.Handler {
	r := mux.NewRouter()
	r.UseEncodedPath()

	r.HandleFunc("/register", s.Register()).Methods(http.MethodPost)
	r.HandleFunc("/user/{username}", s.LookupByUsername()).Methods(http.MethodGet)
	r.HandleFunc("/lookup/{public_key}", s.LookupByPublicKey()).Methods(http.MethodGet)
	r.HandleFunc("/users/{query}", s.SearchUsers()).Methods(http.MethodGet)
	r.HandleFunc("/send", s.SubmitEnvelope()).Methods(http.MethodPost)
	r.HandleFunc("/messages/{public_key}", s.FetchForKey()).Methods(http.MethodGet)
	r.HandleFunc("/dialog/{dialog_hash}", s.FetchForDialog()).Methods(http.MethodGet)
	r.HandleFunc("/dialogs/{public_key}", s.ListDialogs()).Methods(http.MethodGet)
	r.HandleFunc("/notify", s.HandleNotifyWS()).Methods(http.MethodGet)
	r.HandleFunc("/health", s.Health()).Methods(http.MethodGet)
	return r
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *HttpServer) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.hub.CloseAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HttpServer) Register() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var user model.User
		if err := json.NewDecoder(r.Body).Decode(&user); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		if n := len(user.Username); n < minUsernameLen || n > maxUsernameLen {
			http.Error(w, "username must be 3 to 50 characters", http.StatusBadRequest)
			return
		}
		if !isHex(user.KEMPublicKey) || !isHex(user.SignaturePublicKey) {
			http.Error(w, "public keys must be hex", http.StatusBadRequest)
			return
		}

		if err := s.users.Create(r.Context(), &user); err != nil {
			if errors.Is(err, model.ErrAlreadyExists) {
				log.Warn("register conflict", zap.String("username", user.Username))
				http.Error(w, "user already exists", http.StatusConflict)
				return
			}
			log.Error("register failed", zap.Error(err))
			http.Error(w, "register failed", http.StatusInternalServerError)
			return
		}

		log.Info("user registered", zap.String("username", user.Username))
		writeJSON(w, map[string]string{"status": "User registered"})
	}
}

func (s *HttpServer) LookupByUsername() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, err := s.users.ByUsername(r.Context(), pathVar(r, "username"))
		s.writeUser(w, user, err)
	}
}

func (s *HttpServer) LookupByPublicKey() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, err := s.users.ByPublicKey(r.Context(), pathVar(r, "public_key"))
		s.writeUser(w, user, err)
	}
}

func (s *HttpServer) writeUser(w http.ResponseWriter, user *model.User, err error) {
	if errors.Is(err, model.ErrNotFound) {
		http.Error(w, "user not found", http.StatusNotFound)
		return
	}
	if err != nil {
		log.Error("lookup user failed", zap.Error(err))
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, user)
}

func (s *HttpServer) SearchUsers() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		users, err := s.users.Search(r.Context(), pathVar(r, "query"))
		if err != nil {
			log.Error("search users failed", zap.Error(err))
			http.Error(w, "search failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, users)
	}
}

func (s *HttpServer) SubmitEnvelope() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var env model.Envelope
		if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		if err := validateEnvelope(&env); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		env.ID = uuid.NewString()
		if err := s.store(ctx, &env); err != nil {
			log.Error("store envelope failed", zap.Error(err))
			http.Error(w, "store failed", http.StatusInternalServerError)
			return
		}
		log.Debug("envelope stored",
			zap.String("id", env.ID),
			zap.String("dialog", env.DialogHash))

		n := model.Notification{DialogHash: env.DialogHash, Timestamp: env.Timestamp}
		if err := s.publisher.Publish(ctx, n, env.SenderPublicKey, env.RecipientPublicKey); err != nil {
			log.Warn("publish notification failed", zap.Error(err))
		}

		writeJSON(w, &env)
	}
}

func (s *HttpServer) FetchForKey() http.HandlerFunc {
	return s.fetch("public_key", s.envelopes.ForKey)
}

func (s *HttpServer) FetchForDialog() http.HandlerFunc {
	return s.fetch("dialog_hash", s.envelopes.ForDialog)
}

func (s *HttpServer) fetch(name string, find func(context.Context, string, float64) ([]*model.Envelope, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		after := 0.0
		if v := r.URL.Query().Get("last"); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil || math.IsNaN(f) {
				http.Error(w, "invalid last", http.StatusBadRequest)
				return
			}
			after = f
		}

		envs, err := find(r.Context(), pathVar(r, name), after)
		if err != nil {
			log.Error("fetch envelopes failed", zap.String("by", name), zap.Error(err))
			http.Error(w, "fetch failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, envs)
	}
}

func (s *HttpServer) ListDialogs() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		refs, err := s.envelopes.Dialogs(r.Context(), pathVar(r, "public_key"))
		if err != nil {
			log.Error("list dialogs failed", zap.Error(err))
			http.Error(w, "list dialogs failed", http.StatusInternalServerError)
			return
		}
		writeJSON(w, refs)
	}
}

func (s *HttpServer) Health() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.health(r.Context()); err != nil {
			log.Error("health check failed", zap.Error(err))
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, map[string]string{"status": "ok"})
	}
}

func (s *HttpServer) HandleNotifyWS() http.HandlerFunc {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Query().Get("public_key")
		if key == "" {
			http.Error(w, "public_key cannot be empty", http.StatusBadRequest)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Error("websocket upgrade failed", zap.Error(err))
			return
		}

		sub := s.hub.Add(key, conn)
		go func() {
			defer s.hub.Remove(key, sub)
			// Drain until the peer goes away; clients never send.
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					log.Debug("notify socket closed", zap.Error(err))
					return
				}
			}
		}()
	}
}

// store stamps env and inserts it under clockMu, so envelopes become visible
// in timestamp order and a client cursor never passes one still in flight.
func (s *HttpServer) store(ctx context.Context, env *model.Envelope) error {
	s.clockMu.Lock()
	defer s.clockMu.Unlock()

	env.Timestamp = s.nextTimestamp()
	return s.envelopes.Insert(ctx, env)
}

// nextTimestamp returns the current time in float seconds, strictly greater
// than any value it returned before. Callers hold clockMu.
func (s *HttpServer) nextTimestamp() float64 {
	ts := float64(s.now().UnixNano()) / 1e9
	if ts <= s.lastTS {
		ts = math.Nextafter(s.lastTS, math.Inf(1))
	}
	s.lastTS = ts
	return ts
}

func validateEnvelope(env *model.Envelope) error {
	for _, f := range []string{
		env.SenderPublicKey,
		env.RecipientPublicKey,
		env.SharedSecretAESCiphertext,
		env.SharedSecretKEMCiphertext,
		env.Ciphertext,
		env.Nonce,
		env.SharedSecretAESNonce,
		env.Signature,
		env.HashPublic,
		env.DialogHash,
	} {
		if !isHex(f) {
			return errors.New("envelope fields must be non-empty hex")
		}
	}
	if !env.MsgType.Valid() || env.MsgType == model.MessageLoad {
		return errors.New("invalid msg_type")
	}
	return nil
}

func isHex(s string) bool {
	if s == "" {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

func pathVar(r *http.Request, name string) string {
	v := mux.Vars(r)[name]
	if u, err := url.PathUnescape(v); err == nil {
		return u
	}
	return v
}

func writeJSON(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error("encode response failed", zap.Error(err))
		http.Error(w, "encode failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}
