package main

import (
	"encoding/json"
	"log"
	"os"

	"sophos/pkg/sophos/server"
	"sophos/pkg/sophos/transport"
)

// Config mirrors cmd/SDSSE-CQ/main.go's config-file-driven setup: a flat
// JSON struct decoded once at startup.
type Config struct {
	DbDir       string `json:"db_dir"`
	ListenAddr  string `json:"listen_addr"`
	TdpPkFile   string `json:"tdp_pk_file"`
	TmSetupSize int    `json:"tm_setup_size"`
	EvalWorkers int    `json:"eval_workers"`
}

func main() {
	configPath := "./cmd/sophos/configs/server.json"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	var cfg Config
	file, err := os.Open(configPath)
	if err != nil {
		log.Fatal("Error opening config file:", err)
	}
	defer file.Close()

	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		log.Fatal("Error decoding config file:", err)
	}

	tdpPk, err := os.ReadFile(cfg.TdpPkFile)
	if err != nil {
		log.Fatalf("Error reading TDP public key %s: %v", cfg.TdpPkFile, err)
	}

	var srv *server.Server
	if _, statErr := os.Stat(cfg.DbDir + "/info.bin"); statErr == nil {
		srv, err = server.ServerOpen(cfg.DbDir, tdpPk, cfg.EvalWorkers)
	} else {
		if err := os.MkdirAll(cfg.DbDir, 0700); err != nil {
			log.Fatalf("Error creating db dir %s: %v", cfg.DbDir, err)
		}
		srv, err = server.ServerSetup(cfg.DbDir, cfg.TmSetupSize, tdpPk, cfg.EvalWorkers)
	}
	if err != nil {
		log.Fatal("Error starting server:", err)
	}
	defer srv.Close()

	log.Printf("sophos server ready, db=%s", cfg.DbDir)
	if err := transport.Serve(cfg.ListenAddr, srv); err != nil {
		log.Fatal("Error serving:", err)
	}
}
