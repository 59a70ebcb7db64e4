package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/davidolumide/chatsync/internal/auth"
	"github.com/davidolumide/chatsync/internal/middleware"
	"github.com/davidolumide/chatsync/internal/store/mongostore"
)

func main() {
	// Read configuration from environment
	mongoURI := os.Getenv("MONGODB_URI")
	if mongoURI == "" {
		log.Fatal("MONGODB_URI must be set")
	}
	database := os.Getenv("MONGODB_DATABASE")
	if database == "" {
		database = "chatsync"
	}
	jwtSecret := os.Getenv("JWT_SECRET")
	jwtKeysEnv := os.Getenv("JWT_KEYS") // optional: format kid:secret,kid2:secret2
	jwtActiveKid := os.Getenv("JWT_ACTIVE_KID")
	if jwtKeysEnv == "" && jwtSecret == "" {
		log.Fatal("either JWT_SECRET or JWT_KEYS must be set")
	}
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	ctx := context.Background()

	// Connect to the document store and make sure the indexes backing unique
	// chat keys and unique emails exist before serving.
	st, err := mongostore.Connect(ctx, mongoURI, database)
	if err != nil {
		log.Fatalf("failed to connect to store: %v", err)
	}
	defer func() {
		_ = st.Close(context.Background())
	}()
	if err := st.CreateIndexes(ctx); err != nil {
		log.Fatalf("failed to create indexes: %v", err)
	}

	// Token manager: JWT_KEYS enables rotation, JWT_SECRET is the single-key
	// fallback.
	var jwtMgr *auth.JWTManager
	if jwtKeysEnv != "" {
		keyMap := map[string]string{}
		for _, p := range strings.Split(jwtKeysEnv, ",") {
			if p == "" {
				continue
			}
			parts := strings.SplitN(p, ":", 2)
			if len(parts) != 2 {
				log.Fatalf("invalid JWT_KEYS entry: %s", p)
			}
			keyMap[parts[0]] = parts[1]
		}
		jwtMgr = auth.NewJWTManagerFromKeys(keyMap, jwtActiveKid, 24*time.Hour)
	} else {
		jwtMgr = auth.NewJWTManager(jwtSecret, 24*time.Hour)
	}

	// Rate limiter for the register/login endpoints. RATE_LIMIT_RPM controls
	// requests per minute; the small burst allows a couple of quick retries.
	rateRPM := 10
	if v := os.Getenv("RATE_LIMIT_RPM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			rateRPM = n
		}
	}
	limiter := middleware.NewLimiterStore(rateRPM, 3, 1*time.Minute)
	defer limiter.Stop()

	a := newAPI(st, jwtMgr)
	app := fiber.New()
	a.routes(app, limiter)

	go func() {
		log.Printf("chat server listening on :%s", port)
		if err := app.Listen(":" + port); err != nil {
			log.Fatalf("server exit: %v", err)
		}
	}()

	// Graceful shutdown on SIGINT/SIGTERM
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Printf("shutting down chat server")
	if err := app.Shutdown(); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
