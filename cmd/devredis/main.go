// Package main runs an in-process miniredis server for local development
// and manual testing of cmd/server and cmd/bot without a real Redis
// install.
package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/alicebob/miniredis/v2"
)

func main() {
	addr := "127.0.0.1:6379"
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		addr = v
	}

	s := miniredis.NewMiniRedis()
	if err := s.StartAddr(addr); err != nil {
		log.Fatalf("Failed to start miniredis: %v", err)
	}
	defer s.Close()

	log.Printf("devredis listening on %s", s.Addr())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down devredis...")
}
