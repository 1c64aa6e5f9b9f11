package main

import (
	"flag"
	"fmt"
	"log"
	"os"
)

// BuildVersion is stamped at build time via -ldflags.
var BuildVersion = "dev"

func main() {
	conf := flag.String("config", "config.json", "path of the overlay config file")
	version := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *version {
		fmt.Println(BuildVersion)
		os.Exit(0)
	}

	config, err := loadConfig(*conf)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if config.Overlay.Version == "" {
		config.Overlay.Version = BuildVersion
	}
	if err := startHTTPServer(config); err != nil {
		log.Fatalf("Server exited: %v", err)
	}
}
