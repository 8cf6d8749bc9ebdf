package main

import (
	"context"
	"log"
	"net/http"
	"time"

	"photodrop/auth"
	"photodrop/config"
	"photodrop/db"
	"photodrop/dispute"
	"photodrop/outbox"
	"photodrop/photo"
	"photodrop/request"
	"photodrop/storage"
	"photodrop/viewsession"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load configuration: %v", err)
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	blobs, err := storage.NewClient(cfg.StorageURL, cfg.StorageKey, cfg.StorageBucket)
	if err != nil {
		log.Fatalf("bootstrap blob storage: %v", err)
	}

	events := outbox.NewWriter()
	requestService := request.NewService(pool, request.NewRepository(pool), events)
	photoRepo := photo.NewRepository(pool)
	photoService := photo.NewService(pool, photoRepo, events)
	sessionService := viewsession.NewService(pool, pool, events)
	disputeService := dispute.NewService(pool, dispute.NewRepository(pool), request.NewRepository(pool), photoRepo, sessionService, events)
	authService := auth.NewService(auth.NewRepository(pool), cfg.JWTSecret)

	go drainOutbox(ctx, outbox.NewWorker(pool))

	server := &Server{
		authService:    authService,
		requestService: requestService,
		photoService:   photoService,
		sessionService: sessionService,
		disputeService: disputeService,
		blobs:          blobs,
	}

	addr := ":" + cfg.Port
	log.Printf("listening on %s (%s)", addr, cfg.Environment)
	if err := http.ListenAndServe(addr, server.routes()); err != nil {
		log.Fatalf("http server: %v", err)
	}
}

// drainOutbox moves committed events to the bus. Delivery here is just a log
// line; a real deployment swaps the deliver func for a broker publish.
func drainOutbox(ctx context.Context, worker *outbox.Worker) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := worker.DrainOnce(ctx, 100, 5, func(m outbox.Message) error {
				log.Printf("event %s: %s", m.Topic, m.Payload)
				return nil
			}); err != nil {
				log.Printf("drain outbox: %v", err)
			}
		}
	}
}
