package main

import (
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"google.golang.org/grpc"

	"github.com/LiumxNL/RAMCloud/internal/backup"
	"github.com/LiumxNL/RAMCloud/internal/cluster"
	"github.com/LiumxNL/RAMCloud/internal/transport"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file (defaults apply when omitted)")
	flag.Parse()

	config := backup.DefaultConfig()
	if *configPath != "" {
		loaded, err := backup.LoadConfig(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config from %s: %v", *configPath, err)
		}
		config = loaded
	}
	config.Logger = cluster.StdLogger{}

	var storage backup.Storage
	if config.StoragePath != "" {
		bbolt, err := backup.NewBboltStorage(config.StoragePath)
		if err != nil {
			log.Fatalf("Failed to open frame store at %s: %v", config.StoragePath, err)
		}
		storage = bbolt
	} else {
		log.Printf("[BACKUPD] No storage path configured; frames are held in memory only")
		storage = backup.NewMemoryStorage()
	}

	service, err := backup.NewService(config, storage)
	if err != nil {
		log.Fatalf("Failed to start backup service: %v", err)
	}

	// Standalone deployments mint their own server id; a coordinator-managed
	// cluster would hand one out at enlistment instead, reusing the former id
	// reported by the restart scan.
	instance := uuid.New()
	serverID := cluster.ServerID{ID: uint64(instance.ID())}
	if former, ok := service.FormerServerID(); ok {
		serverID = cluster.ServerID{ID: former.ID, Generation: former.Generation + 1}
	}
	if err := service.Init(serverID); err != nil {
		log.Fatalf("Failed to persist server identity: %v", err)
	}
	log.Printf("[BACKUPD] Instance %s enlisted as server %s", instance, serverID)

	service.Start()

	grpcServer := grpc.NewServer()
	transport.RegisterBackupService(grpcServer, service)

	listener, err := net.Listen("tcp", config.ListenAddr)
	if err != nil {
		log.Fatalf("Failed to listen on %s: %v", config.ListenAddr, err)
	}
	go func() {
		log.Printf("[BACKUPD] Serving %d frames of %d bytes on %s (cluster '%s')",
			config.NumFrames, config.SegmentSize, config.ListenAddr, config.ClusterName)
		if err := grpcServer.Serve(listener); err != nil {
			log.Fatalf("RPC server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("[BACKUPD] Received %v, shutting down", sig)

	grpcServer.GracefulStop()
	if err := service.Stop(); err != nil {
		log.Printf("[BACKUPD] Error stopping service: %v", err)
	}
}
