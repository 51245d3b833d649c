package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fiatjaf/eventstore/sqlite3"
	"github.com/nbd-wtf/go-nostr"
	"github.com/redis/go-redis/v9"

	"github.com/nostrrelay/sdk/bus"
	"github.com/nostrrelay/sdk/client"
	"github.com/nostrrelay/sdk/config"
	"github.com/nostrrelay/sdk/eventstore"
	fiatjafstore "github.com/nostrrelay/sdk/eventstore/fiatjaf"
	"github.com/nostrrelay/sdk/eventstore/memstore"
	"github.com/nostrrelay/sdk/gossip"
	"github.com/nostrrelay/sdk/gossipstore"
	gossipmem "github.com/nostrrelay/sdk/gossipstore/memstore"
	"github.com/nostrrelay/sdk/gossipstore/redisstore"
	"github.com/nostrrelay/sdk/negentropy"
	"github.com/nostrrelay/sdk/pool"
	"github.com/nostrrelay/sdk/relay"
	"github.com/nostrrelay/sdk/relayurl"
	"github.com/nostrrelay/sdk/signer"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
	builtBy = "manual"
)

func main() {
	// Define subcommands
	if len(os.Args) > 1 && os.Args[1] == "init" {
		handleInit()
		return
	}

	var (
		showVersion = flag.Bool("version", false, "Show version information")
		configPath  = flag.String("config", "", "Path to configuration file")
		authorsFlag = flag.String("authors", "", "Comma-separated author pubkeys (hex) to follow")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("nostrsdk %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
		fmt.Printf("  by:     %s\n", builtBy)
		os.Exit(0)
	}

	if *configPath == "" {
		fmt.Println("nostrsdk - Nostr relay pool / gossip client runtime")
		fmt.Println()
		fmt.Println("No configuration file specified. Use --config <path> to specify config.")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  nostrsdk init              Generate example configuration")
		fmt.Println("  nostrsdk --version         Show version information")
		fmt.Println("  nostrsdk --config <path>   Start with configuration file")
		os.Exit(1)
	}

	// Load and validate configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Starting nostrsdk %s\n", version)
	fmt.Printf("  Relays: %d seeds\n", len(cfg.Relays.Seeds))
	fmt.Printf("  Gossip: %v\n", cfg.Gossip.Enabled)
	fmt.Println()

	if err := run(cfg, splitAuthors(*authorsFlag)); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, authors []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize storage
	fmt.Println("Initializing event store...")
	var store eventstore.Store
	switch cfg.Storage.Driver {
	case "fiatjaf":
		backend := &sqlite3.SQLite3Backend{DatabaseURL: cfg.Storage.SQLitePath}
		if err := backend.Init(); err != nil {
			return fmt.Errorf("failed to initialize sqlite backend: %w", err)
		}
		store = fiatjafstore.New(backend)
	default:
		store = memstore.New()
	}
	defer store.Close()
	fmt.Printf("  Event store: %s initialized\n", cfg.Storage.Driver)

	// Initialize gossip store
	var gstore gossipstore.Store
	switch cfg.Caching.Engine {
	case "redis":
		fmt.Println("Initializing Redis gossip store...")
		redisOpts, err := redis.ParseURL(cfg.Caching.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to parse redis url: %w", err)
		}
		gstore = redisstore.New(redis.NewClient(redisOpts), "nostrsdk:gossip:")
	default:
		gstore = gossipmem.New()
	}
	defer gstore.Close()
	fmt.Printf("  Gossip store: %s ready\n", cfg.Caching.Engine)

	// Initialize the relay pool
	fmt.Println("Initializing relay pool...")
	relayOpts := relay.Options{
		ConnectTimeout:   time.Duration(cfg.Relays.Policy.ConnectTimeoutMs) * time.Millisecond,
		PingInterval:     time.Duration(cfg.Relays.Policy.PingIntervalMs) * time.Millisecond,
		MaxMissedPings:   cfg.Relays.Policy.MaxMissedPings,
		SendQueueSize:    cfg.Relays.Policy.SendQueueSize,
		RateLimitPerMin:  cfg.Relays.Policy.RateLimitPerMin,
		MaxSubscriptions: cfg.Relays.Policy.MaxConcurrentSubs,
		Backoff:          relay.Backoff{StepsMs: cfg.Relays.Policy.BackoffMs},
	}
	sg := signer.GenerateKeySigner()
	neg := negentropy.NewEngine(store, time.Duration(cfg.Sync.CapabilityTTLHours)*time.Hour)
	p := pool.New(store, neg, pool.Options{
		RelayOptions:      relayOpts,
		DedupCacheSize:    cfg.Pool.DedupCacheSize,
		FanOutConcurrency: cfg.Pool.FanOutConcurrency,
		AuthHandler:       client.AuthHandler(sg),
	})

	for _, seed := range cfg.Relays.Seeds {
		caps := pool.Read | pool.Write | pool.Discovery
		if err := p.AddRelay(ctx, seed, pool.AddOptions{Caps: caps}); err != nil {
			fmt.Printf("  ⚠ Skipping relay %s: %v\n", seed, err)
			continue
		}
		fmt.Printf("  Added relay %s\n", seed)
	}

	// Build the client facade
	c := client.New(p, store, sg, gstore, client.Options{
		GossipEnabled: cfg.Gossip.Enabled,
		GossipLimits: gossip.Limits{
			Write:          cfg.Gossip.MaxWriteRelays,
			Read:           cfg.Gossip.MaxReadRelays,
			Hints:          cfg.Gossip.MaxHintRelays,
			MostReceived:   cfg.Gossip.MaxMostReceived,
			PrivateMessage: cfg.Gossip.MaxNIP17Relays,
		},
		GossipAllowed:      relayurl.AllowedPolicy{},
		GossipFreshnessTTL: time.Duration(cfg.Gossip.FreshnessTTLMin) * time.Minute,
	})
	defer c.Shutdown()

	pk, _ := sg.GetPublicKey(ctx)
	fmt.Printf("  Session identity: %s\n", pk)
	fmt.Println()
	fmt.Println("✓ All services started successfully!")
	fmt.Println()
	fmt.Println("Press Ctrl+C to shutdown gracefully...")

	// Stream the requested feed (or everything recent) to stdout until
	// interrupted.
	filter := nostr.Filter{Kinds: []int{1}, Limit: 50}
	if len(authors) > 0 {
		filter.Authors = authors
	}
	stream, teardown, err := c.StreamEvents(ctx, []nostr.Filter{filter}, pool.ExitPolicy{Kind: pool.NeverExit})
	if err != nil {
		return fmt.Errorf("failed to open event stream: %w", err)
	}
	defer teardown()

	notifications := p.Notifications()
	defer notifications.Unsubscribe()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	for {
		select {
		case item, ok := <-stream:
			if !ok {
				return nil
			}
			if item.Err != nil {
				fmt.Fprintf(os.Stderr, "stream error from %s: %v\n", item.Relay, item.Err)
				continue
			}
			fmt.Printf("[%s] %s: %s\n", item.Relay, item.Event.PubKey[:8], item.Event.Content)

		case n := <-notifications.C():
			if n.Kind == bus.KindLagged {
				fmt.Fprintf(os.Stderr, "notification bus lagged by %d items\n", n.Lagged)
			}

		case <-sigChan:
			fmt.Println()
			fmt.Println("Shutting down gracefully...")
			fmt.Println("✓ Shutdown complete")
			return nil
		}
	}
}

func splitAuthors(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func handleInit() {
	exampleConfig, err := config.GetExampleConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading example config: %v\n", err)
		os.Exit(1)
	}

	// Write to stdout
	fmt.Print(string(exampleConfig))
}
