package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	_ "modernc.org/sqlite"

	cfg "github.com/example/identity/internal/config"
	"github.com/example/identity/internal/credential"
	"github.com/example/identity/internal/grant"
	"github.com/example/identity/internal/registry"
	"github.com/example/identity/internal/schema"
	"github.com/example/identity/internal/token"
)

type App struct {
	DB        Store
	Registry  registry.Registry
	Grants    *grant.Processor
	Issuer    *token.Issuer
	Validator *token.Validator
	Keys      *token.Keyring

	rateLimiter    *RateLimiter
	allowedOrigins []string
	storeTimeout   time.Duration
}

func (a *App) storeContext(r *http.Request) (context.Context, context.CancelFunc) {
	timeout := a.storeTimeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return context.WithTimeout(r.Context(), timeout)
}

func (a *App) storeFailure(w http.ResponseWriter, err error) {
	if errors.Is(err, context.DeadlineExceeded) {
		writeError(w, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "Backing store is unavailable, retry later")
		return
	}
	log.Printf("store error: %v", err)
	writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred. Please try again later.")
}

func (a *App) logStoreError(op string, err error) {
	if errors.Is(err, registry.ErrNotFound) {
		return
	}
	log.Printf("%s: %v", op, err)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("write json: %v", err)
	}
}

// accountSource adapts the user store to the credential verifier.
type accountSource struct{ db Store }

func (s accountSource) AccountByEmail(ctx context.Context, email string) (*credential.Account, error) {
	u, err := s.db.UserByEmail(ctx, email)
	if err != nil || u == nil {
		return nil, err
	}
	return &credential.Account{ID: u.ID, PasswordHash: u.PasswordHash, Disabled: u.Disabled}, nil
}

// clientSource adapts the client store to the grant processor.
type clientSource struct{ db Store }

func (s clientSource) ClientByID(ctx context.Context, id string) (*grant.Client, error) {
	c, err := s.db.ClientByID(ctx, id)
	if err != nil || c == nil {
		return nil, err
	}
	return &grant.Client{
		ID:         c.ID,
		SecretHash: c.SecretHash,
		GrantTypes: c.GrantTypes,
		Scopes:     c.Scopes,
		AccessTTL:  c.AccessTokenTTL,
		RefreshTTL: c.RefreshTokenTTL,
	}, nil
}

func openStore(c *cfg.Config) (Store, error) {
	switch c.DBAdapter {
	case "sqlite":
		return NewSQLiteStore(c.SQLiteFile)
	case "postgres":
		dsn, err := c.BuildPostgresDSN()
		if err != nil {
			return nil, fmt.Errorf("postgres config error: %w", err)
		}

		// Apply migrations before connecting
		log.Println("Applying database migrations...")
		if err := schema.Apply("./migrations", dsn); err != nil {
			log.Printf("migrations warning: %v", err)
		} else {
			log.Println("Migrations applied successfully")
		}

		s, err := NewPostgresStore(dsn)
		if err != nil {
			return nil, err
		}
		log.Println("Connected to PostgreSQL database")
		return s, nil
	case "memory":
		log.Println("Using in-memory database (not recommended for production)")
		return NewMemStore(), nil
	default:
		return nil, fmt.Errorf("unsupported DB_ADAPTER: %s (supported: postgres, sqlite, memory)", c.DBAdapter)
	}
}

func buildKeyring(c *cfg.Config) (*token.Keyring, error) {
	if c.JwtSecret != "" {
		log.Println("Using static HS256 signing secret; key rotation is disabled")
		return token.NewKeyringFromSecret([]byte(c.JwtSecret)), nil
	}
	if c.SigningKeyFile != "" {
		return token.LoadKeyring(c.KeyDir, c.SigningKeyFile, c.FallbackKeyFiles)
	}
	log.Println("No signing key configured; generating an ephemeral keypair (tokens will not survive restarts)")
	return token.NewKeyring()
}

// seedDefaultClient registers the out-of-the-box confidential client so a
// fresh deployment can mint tokens immediately.
func seedDefaultClient(ctx context.Context, db Store) error {
	existing, err := db.ClientByID(ctx, "default-client")
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	hash, err := credential.HashPassword("super-secret-password")
	if err != nil {
		return err
	}
	return db.UpsertClient(ctx, &Client{
		ID:         "default-client",
		Name:       "Default Client",
		SecretHash: hash,
		GrantTypes: []string{grant.TypePassword, grant.TypeRefreshToken, grant.TypeClientCredentials},
		Scopes:     []string{"profile", "email"},
	})
}

func (a *App) routes() *mux.Router {
	r := mux.NewRouter()

	// Apply global middleware
	r.Use(a.Recover)
	r.Use(SecurityHeaders)
	r.Use(a.Logging)
	r.Use(a.CORS)
	r.Use(a.RateLimit)

	// Health check endpoints (no auth required)
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(200)
		w.Write([]byte(`{"status":"ok"}`))
	}).Methods("GET")
	r.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if p, ok := a.DB.(interface{ ping() bool }); ok {
			if !p.ping() {
				w.WriteHeader(503)
				w.Write([]byte(`{"ready":false}`))
				return
			}
		}
		w.WriteHeader(200)
		w.Write([]byte(`{"ready":true}`))
	}).Methods("GET")

	// Public auth endpoints
	r.HandleFunc("/api/auth/register", a.HandleRegister).Methods("POST")
	r.HandleFunc("/api/auth/token", a.HandleToken).Methods("POST")
	r.HandleFunc("/api/auth/revoke", a.HandleRevoke).Methods("POST")
	r.HandleFunc("/api/auth/introspect", a.HandleIntrospect).Methods("POST")

	// Bearer-authenticated endpoints
	r.Handle("/api/auth/logout", a.BearerAuth(http.HandlerFunc(a.HandleLogout))).Methods("POST")
	r.Handle("/api/users/me", a.BearerAuth(http.HandlerFunc(a.HandleMe))).Methods("GET")

	// Admin endpoints require the admin scope
	admin := r.PathPrefix("/api/admin").Subrouter()
	admin.Use(a.BearerAuth)
	admin.Use(RequireScope("admin"))
	admin.HandleFunc("/clients", a.HandleCreateClient).Methods("POST")
	admin.HandleFunc("/clients/{id}", a.HandleGetClient).Methods("GET")
	admin.HandleFunc("/users/{id}/disable", a.HandleDisableUser).Methods("POST")
	admin.HandleFunc("/keys/rotate", a.HandleRotateKeys).Methods("POST")

	return r
}

func main() {
	c, err := cfg.New()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	db, err := openStore(c)
	if err != nil {
		log.Fatalf("store init: %v", err)
	}
	if err := db.Init(); err != nil {
		log.Fatalf("store init: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := seedDefaultClient(ctx, db); err != nil {
		cancel()
		log.Fatalf("seeding default client: %v", err)
	}
	cancel()

	// The refresh-token registry rides on the primary store unless a
	// dedicated Redis is configured.
	var reg registry.Registry = db
	var redisReg *registry.Redis
	if c.RedisAddr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		redisReg, err = registry.NewRedis(ctx, registry.RedisConfig{
			Addr:      c.RedisAddr,
			Password:  c.RedisPassword,
			KeyPrefix: "identity:",
		})
		cancel()
		if err != nil {
			log.Fatalf("redis init: %v", err)
		}
		reg = redisReg
		log.Println("Using Redis refresh-token registry:", c.RedisAddr)
	}

	keys, err := buildKeyring(c)
	if err != nil {
		log.Fatalf("keyring: %v", err)
	}
	codec := token.NewCodec(keys)

	app := &App{
		DB:       db,
		Registry: reg,
		Keys:     keys,
		Grants: &grant.Processor{
			Clients:     clientSource{db},
			Credentials: &credential.Verifier{Accounts: accountSource{db}},
			Registry:    reg,
		},
		Issuer: &token.Issuer{
			Codec:      codec,
			Registry:   reg,
			Issuer:     c.Issuer,
			Audience:   c.Audience,
			AccessTTL:  c.AccessTokenTTL,
			RefreshTTL: c.RefreshTokenTTL,
		},
		Validator: &token.Validator{
			Codec:    codec,
			Issuer:   c.Issuer,
			Audience: c.Audience,
		},
		rateLimiter:    NewRateLimiter(c.RateLimitPerMinute),
		allowedOrigins: c.AllowedOrigins,
		storeTimeout:   c.StoreTimeout,
	}

	srv := &http.Server{Handler: app.routes(), Addr: ":" + c.Port, ReadTimeout: 5 * time.Second, WriteTimeout: 10 * time.Second}

	go func() {
		fmt.Println("Starting identity server on", c.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if redisReg != nil {
		_ = redisReg.Close()
	}
	if closer, ok := app.DB.(interface{ close() error }); ok {
		_ = closer.close()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("shutdown failed:%+v", err)
	}
	fmt.Println("Server exited properly")
}
