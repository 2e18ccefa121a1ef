package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/veilchat/veil/internal/auth"
	"github.com/veilchat/veil/internal/config"
	"github.com/veilchat/veil/internal/hub"
	"github.com/veilchat/veil/internal/store"
)

type wsConfig struct {
	allowedOrigins map[string]struct{}
	originPatterns []string
	tokens         *auth.TokenIssuer
}

func main() {
	cfg := config.Load(os.Getenv("VEIL_CONFIG"))
	if cfg.TokenSecret == "" {
		slog.Error("missing required token secret (VEIL_TOKEN_SECRET or tokenSecret in config)")
		os.Exit(1)
	}
	allowedOrigins, originPatterns, err := parseAllowedOrigins(cfg.AllowedOrigins)
	if err != nil {
		slog.Error("invalid allowed origins", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.OpenDB(cfg.DBPath)
	if err != nil {
		slog.Error("failed to open database", "path", cfg.DBPath, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	users, err := store.NewUserStore(db)
	if err != nil {
		slog.Error("failed to initialize user store", "error", err)
		os.Exit(1)
	}
	friends, err := store.NewFriendStore(db)
	if err != nil {
		slog.Error("failed to initialize friend store", "error", err)
		os.Exit(1)
	}

	tokens := auth.NewTokenIssuer([]byte(cfg.TokenSecret), cfg.TokenTTL(), nil)

	rl := hub.NewRateLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst)
	slog.Info("rate limiter ready", "rate", cfg.RateLimit, "burst", cfg.RateBurst)

	h := hub.NewHub(friends, rl)
	go h.Run(ctx)

	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		r.Post("/users", createUserHandler(users))
		r.Post("/login", loginHandler(users, tokens))
		r.Get("/users/{username}/key", userKeyHandler(users))
		r.Get("/version", versionHandler(cfg.AppVersion))
		r.Group(func(r chi.Router) {
			r.Use(requireToken(tokens))
			r.Post("/friend-requests", createFriendRequestHandler(friends, users))
			r.Patch("/friend-requests/{id}", resolveFriendRequestHandler(friends))
		})
		r.Get("/ws", wsHandler(ctx, h, wsConfig{
			allowedOrigins: allowedOrigins,
			originPatterns: originPatterns,
			tokens:         tokens,
		}))
	})
	r.Get("/health", healthHandler(h))
	r.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}

	go func() {
		slog.Info("server starting", "port", cfg.Port, "version", cfg.AppVersion)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	slog.Info("server stopped")
}

// wsHandler validates the bearer token and origin, upgrades the
// connection, and registers the session with the hub. An invalid token
// rejects the upgrade; no session exists yet so no error envelope is
// emitted.
func wsHandler(serverCtx context.Context, h *hub.Hub, cfg wsConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !isOriginAllowed(r.Header.Get("Origin"), cfg.allowedOrigins) {
			http.Error(w, "origin not allowed", http.StatusForbidden)
			return
		}

		username, err := cfg.tokens.Verify(r.URL.Query().Get("token"))
		if err != nil {
			slog.Warn("websocket token rejected", "error", err)
			http.Error(w, "You are not authenticated", http.StatusUnauthorized)
			return
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: cfg.originPatterns,
		})
		if err != nil {
			slog.Error("websocket accept error", "error", err)
			return
		}

		client := hub.NewClient(h, conn, username, serverCtx)
		if err := h.Register(client); err != nil {
			slog.Warn("registration failed", "username", username, "error", err)
			client.Close()
			_ = conn.Close(websocket.StatusPolicyViolation, "already connected")
			return
		}

		slog.Info("client connected", "username", username)
		go client.ReadPump()
		go client.WritePump()
		go client.HeartbeatLoop()
	}
}

// apiResponse is the uniform HTTP response envelope. Both keys are always
// present; absent values are null.
type apiResponse struct {
	Message *string `json:"message"`
	Data    any     `json:"data"`
}

func writeResponse(w http.ResponseWriter, status int, message string, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	resp := apiResponse{Data: data}
	if message != "" {
		resp.Message = &message
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func decodeBody(r *http.Request, dst any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, 65536))
	if err != nil {
		return err
	}
	return json.Unmarshal(body, dst)
}

// createUserHandler registers a new account. The public key is stored
// verbatim for peers to fetch; the server never interprets it.
func createUserHandler(users *store.UserStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Username  string `json:"username"`
			Password  string `json:"password"`
			PublicKey string `json:"public_key"`
		}
		if err := decodeBody(r, &req); err != nil {
			writeResponse(w, http.StatusBadRequest, "invalid JSON", nil)
			return
		}
		if req.Username == "" || req.Password == "" {
			writeResponse(w, http.StatusBadRequest, "username and password are required", nil)
			return
		}

		hash, err := auth.HashPassword(req.Password)
		if err != nil {
			slog.Error("password hash failed", "error", err)
			writeResponse(w, http.StatusInternalServerError, "internal error", nil)
			return
		}

		err = users.Create(store.User{
			Username:     req.Username,
			PasswordHash: hash,
			PublicKey:    req.PublicKey,
			CreatedAt:    time.Now().UTC(),
		})
		if errors.Is(err, store.ErrUserExists) {
			writeResponse(w, http.StatusConflict, "username already taken", nil)
			return
		}
		if err != nil {
			slog.Error("user create failed", "error", err)
			writeResponse(w, http.StatusInternalServerError, "internal error", nil)
			return
		}

		slog.Info("user created", "username", req.Username)
		writeResponse(w, http.StatusOK, "User created successfully", nil)
	}
}

// loginHandler checks credentials and returns a bearer token in data.
func loginHandler(users *store.UserStore, tokens *auth.TokenIssuer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := decodeBody(r, &req); err != nil {
			writeResponse(w, http.StatusBadRequest, "invalid JSON", nil)
			return
		}

		user, err := users.Get(req.Username)
		if errors.Is(err, store.ErrUserNotFound) {
			writeResponse(w, http.StatusUnauthorized, "invalid credentials", nil)
			return
		}
		if err != nil {
			slog.Error("user lookup failed", "error", err)
			writeResponse(w, http.StatusInternalServerError, "internal error", nil)
			return
		}
		if err := auth.CheckPassword(user.PasswordHash, req.Password); err != nil {
			writeResponse(w, http.StatusUnauthorized, "invalid credentials", nil)
			return
		}

		token, err := tokens.Issue(user.Username)
		if err != nil {
			slog.Error("token issue failed", "error", err)
			writeResponse(w, http.StatusInternalServerError, "internal error", nil)
			return
		}

		slog.Info("user logged in", "username", user.Username)
		writeResponse(w, http.StatusOK, "", token)
	}
}

// userKeyHandler serves a user's stored public key so peers can encrypt
// for them.
func userKeyHandler(users *store.UserStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, err := users.Get(chi.URLParam(r, "username"))
		if errors.Is(err, store.ErrUserNotFound) {
			writeResponse(w, http.StatusNotFound, "user not found", nil)
			return
		}
		if err != nil {
			slog.Error("user lookup failed", "error", err)
			writeResponse(w, http.StatusInternalServerError, "internal error", nil)
			return
		}
		writeResponse(w, http.StatusOK, "", user.PublicKey)
	}
}

type contextKey string

const usernameKey contextKey = "username"

// requireToken authenticates the Authorization bearer header and stores
// the username in the request context.
func requireToken(tokens *auth.TokenIssuer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			raw, ok := strings.CutPrefix(header, "Bearer ")
			if !ok {
				writeResponse(w, http.StatusUnauthorized, "missing bearer token", nil)
				return
			}
			username, err := tokens.Verify(raw)
			if err != nil {
				writeResponse(w, http.StatusUnauthorized, "invalid token", nil)
				return
			}
			ctx := context.WithValue(r.Context(), usernameKey, username)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// createFriendRequestHandler records a pending friend request from the
// authenticated user. The created request, id included, is returned in
// data.
func createFriendRequestHandler(friends *store.FriendStore, users *store.UserStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sender := r.Context().Value(usernameKey).(string)

		var req struct {
			Recipient string `json:"recipient"`
		}
		if err := decodeBody(r, &req); err != nil {
			writeResponse(w, http.StatusBadRequest, "invalid JSON", nil)
			return
		}
		if req.Recipient == "" || req.Recipient == sender {
			writeResponse(w, http.StatusBadRequest, "invalid recipient", nil)
			return
		}
		if _, err := users.Get(req.Recipient); errors.Is(err, store.ErrUserNotFound) {
			writeResponse(w, http.StatusNotFound, "recipient not found", nil)
			return
		}

		request, err := friends.CreateRequest(sender, req.Recipient)
		if err != nil {
			slog.Error("friend request create failed", "error", err)
			writeResponse(w, http.StatusInternalServerError, "internal error", nil)
			return
		}

		slog.Info("friend request created",
			"id", request.ID,
			"sender", sender,
			"recipient", req.Recipient,
		)
		writeResponse(w, http.StatusOK, "", request)
	}
}

// resolveFriendRequestHandler lets the recipient accept or deny a pending
// request. Acceptance makes the friendship edge live in both directions.
func resolveFriendRequestHandler(friends *store.FriendStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resolver := r.Context().Value(usernameKey).(string)

		var req struct {
			Accepted *bool `json:"accepted"`
		}
		if err := decodeBody(r, &req); err != nil || req.Accepted == nil {
			writeResponse(w, http.StatusBadRequest, "accepted is required", nil)
			return
		}

		request, err := friends.Resolve(chi.URLParam(r, "id"), resolver, *req.Accepted)
		switch {
		case errors.Is(err, store.ErrRequestNotFound):
			writeResponse(w, http.StatusNotFound, "friend request not found", nil)
			return
		case errors.Is(err, store.ErrNotRecipient):
			writeResponse(w, http.StatusForbidden, "not the recipient of this friend request", nil)
			return
		case errors.Is(err, store.ErrRequestResolved):
			writeResponse(w, http.StatusConflict, "friend request already resolved", nil)
			return
		case err != nil:
			slog.Error("friend request resolve failed", "error", err)
			writeResponse(w, http.StatusInternalServerError, "internal error", nil)
			return
		}

		slog.Info("friend request resolved",
			"id", request.ID,
			"resolver", resolver,
			"accepted", *req.Accepted,
		)
		writeResponse(w, http.StatusOK, "", request)
	}
}

// versionHandler returns the configured application version in data.
func versionHandler(version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeResponse(w, http.StatusOK, "", version)
	}
}

// healthHandler returns the current health status of the server,
// including goroutine count and active connection count.
func healthHandler(h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := map[string]int{
			"goroutines":  runtime.NumGoroutine(),
			"connections": h.ClientCount(),
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(status)
	}
}

func parseAllowedOrigins(origins []string) (map[string]struct{}, []string, error) {
	allowed := make(map[string]struct{})
	patterns := make([]string, 0, len(origins))
	for _, entry := range origins {
		origin, err := canonicalOrigin(entry)
		if err != nil {
			return nil, nil, err
		}
		if origin == "" {
			continue
		}
		allowed[origin] = struct{}{}
		patterns = append(patterns, origin)
	}
	return allowed, patterns, nil
}

func isOriginAllowed(originHeader string, allowed map[string]struct{}) bool {
	if originHeader == "" {
		return true
	}
	origin, err := canonicalOrigin(originHeader)
	if err != nil {
		return false
	}
	_, ok := allowed[origin]
	return ok
}

func canonicalOrigin(value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", nil
	}
	parsed, err := url.Parse(trimmed)
	if err != nil {
		return "", err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", errors.New("origin must include scheme and host")
	}
	if parsed.Path != "" && parsed.Path != "/" {
		return "", errors.New("origin must not include a path")
	}
	if parsed.RawQuery != "" || parsed.Fragment != "" {
		return "", errors.New("origin must not include query or fragment")
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), nil
}
