package main

import (
	"context"
	"log"

	"clinical-finalize-be/internal/bootstrap"
	"clinical-finalize-be/internal/config"
	"clinical-finalize-be/internal/server"
	"clinical-finalize-be/internal/tracer"
)

func main() {
	// 0. Initialize Tracer
	shutdownTracer := tracer.InitTracer()
	defer shutdownTracer(context.Background())

	// 1. Load Configuration
	cfg := config.Load()

	// 2. Bootstrap Dependencies (Container)
	container := bootstrap.NewContainer(cfg)

	// 3. Initialize Server
	srv := server.New(cfg, container)

	// 4. Run Server
	log.Fatal(srv.Run())
}
