package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"sophos/pkg/sophos"
	"sophos/pkg/sophos/client"
	"sophos/pkg/sophos/keystore"
	"sophos/pkg/sophos/transport"
)

// Config mirrors cmd/SDSSE-CQ/main.go's config-file-driven setup.
type Config struct {
	ClientDir  string `json:"client_dir"`
	ServerAddr string `json:"server_addr"`
	TdpBits    int    `json:"tdp_bits"`
}

func main() {
	configPath := "./cmd/sophos/configs/client.json"
	if v := os.Getenv("SOPHOS_CLIENT_CONFIG"); v != "" {
		configPath = v
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

	mode := flag.String("mode", "update", "update | search | setup")
	keyword := flag.String("w", "", "keyword")
	index := flag.Uint64("index", 0, "document index (update mode)")
	flag.Parse()

	store := keystore.NewInMemory()

	var c *client.Client
	if *mode == "setup" {
		c, err = client.ClientSetup(cfg.TdpBits, store)
		if err != nil {
			log.Fatal("ClientSetup:", err)
		}
		if err := os.MkdirAll(cfg.ClientDir, 0700); err != nil {
			log.Fatal("MkdirAll:", err)
		}
		if err := c.WriteKeys(cfg.ClientDir); err != nil {
			log.Fatal("WriteKeys:", err)
		}
		pk, err := c.PublicKeyBytes()
		if err != nil {
			log.Fatal("PublicKeyBytes:", err)
		}
		if err := os.WriteFile(cfg.ClientDir+"/tdp_pk.key", pk, 0600); err != nil {
			log.Fatal("writing tdp_pk.key:", err)
		}
		fmt.Println("client initialized under", cfg.ClientDir)
		return
	}

	c, err = client.ClientOpen(cfg.ClientDir, store)
	if err != nil {
		log.Fatal("ClientOpen:", err)
	}

	t := transport.NewClient(cfg.ServerAddr)

	switch *mode {
	case "update":
		if *keyword == "" {
			log.Fatal("missing -w")
		}
		req, err := c.Update(*keyword, sophos.Index(*index))
		if err != nil {
			log.Fatal("client.Update:", err)
		}
		ok, err := t.Update(req)
		if err != nil {
			log.Fatal("transport.Update:", err)
		}
		fmt.Println("update accepted:", ok)
	case "search":
		if *keyword == "" {
			log.Fatal("missing -w")
		}
		req, err := c.Search(*keyword)
		if err != nil {
			log.Fatal("client.Search:", err)
		}
		resp, err := t.Search(req)
		if err != nil {
			log.Fatal("transport.Search:", err)
		}
		fmt.Println("results:", resp.Indices)
	default:
		log.Fatalf("unknown mode %q", *mode)
	}
}
