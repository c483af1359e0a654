// Command grabia is the composition root: it wires engine.Config from
// flags, starts the engine, and blocks until an OS
// signal requests shutdown. The terminal command parser (job
// submission, pause/resume, status printing) lives outside this binary;
// this is the process that owns the engine for its lifetime.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"regexp"
	"strings"
	"syscall"

	"grabia/internal/engine"
	"grabia/internal/httpclient"
)

func main() {
	var (
		outputDir    = flag.String("output", "./downloads", "directory downloaded files are published into")
		dbPath       = flag.String("db", "", "path to the state store database file (default: grabia_state.db inside -output)")
		maxWorkers   = flag.Int("workers", 4, "initial worker pool size")
		speedLimit   = flag.Int64("speed-limit", 0, "global bandwidth cap in bytes/sec, 0 disables throttling")
		syncMode     = flag.Bool("sync", false, "skip files already present and matching expected size/hash")
		metadataOnly = flag.Bool("metadata-only", false, "enqueue only metadata-like files (names containing .xml, .json, .txt or readme)")
		dynamicScale = flag.Bool("dynamic-scaling", true, "let the scaling controller drift worker count with success rate")
		filterExpr   = flag.String("filter", "", "regex a file name must match to be enqueued")
		extWhitelist = flag.String("extensions", "", "comma-separated extension whitelist, e.g. mp3,flac")
		accessKey    = flag.String("access-key", "", "Internet Archive S3-style access key")
		secretKey    = flag.String("secret-key", "", "Internet Archive S3-style secret key")
		apiPort      = flag.Int("api-port", 7878, "loopback port the stats/logs polling server binds")
		logPath      = flag.String("log-file", "grabia_debug.log", "path to the JSON debug log")
		identifiers  = flag.String("items", "", "comma-separated Internet Archive identifiers to fetch")
	)
	flag.Parse()

	var filterRegex *regexp.Regexp
	if *filterExpr != "" {
		re, err := regexp.Compile(*filterExpr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "grabia: invalid -filter: %v\n", err)
			os.Exit(1)
		}
		filterRegex = re
	}

	var extensions []string
	if *extWhitelist != "" {
		extensions = strings.Split(*extWhitelist, ",")
	}

	var creds *httpclient.Credentials
	if *accessKey != "" || *secretKey != "" {
		creds = &httpclient.Credentials{Access: *accessKey, Secret: *secretKey}
	}

	var items []string
	if *identifiers != "" {
		items = strings.Split(*identifiers, ",")
	}

	e, err := engine.New(engine.Config{
		OutputDir:          *outputDir,
		DBPath:             *dbPath,
		MaxWorkers:         *maxWorkers,
		SpeedLimitBPS:      *speedLimit,
		SyncMode:           *syncMode,
		MetadataOnly:       *metadataOnly,
		DynamicScaling:     *dynamicScale,
		FilterRegex:        filterRegex,
		ExtensionWhitelist: extensions,
		Credentials:        creds,
		ConsoleOutput:      os.Stdout,
		APIPort:            *apiPort,
		LogPath:            *logPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "grabia: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := e.Start(ctx, items); err != nil {
		fmt.Fprintf(os.Stderr, "grabia: %v\n", err)
		os.Exit(1)
	}

	<-ctx.Done()
	slog.Default().Info("shutdown signal received, draining workers")

	if err := e.Stop(); err != nil {
		fmt.Fprintf(os.Stderr, "grabia: shutdown error: %v\n", err)
		os.Exit(1)
	}
}
