package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"

	"github.com/cintara-network/bridge-core/api"
	"github.com/cintara-network/bridge-core/bridge"
	"github.com/cintara-network/bridge-core/burn"
	"github.com/cintara-network/bridge-core/consensus"
	"github.com/cintara-network/bridge-core/l1"
	"github.com/cintara-network/bridge-core/ledger"
	"github.com/cintara-network/bridge-core/registry"
	"github.com/cintara-network/bridge-core/store"
)

// Version will be set at build time
var Version = "development"

func main() {
	err := godotenv.Load()
	if err != nil {
		log.Fatal("Error loading .env file")
	}

	// create a new logger
	Logger := slog.New(tint.NewHandler(os.Stderr, nil))

	// set global logger with custom options
	slog.SetDefault(slog.New(
		tint.NewHandler(os.Stderr, &tint.Options{
			Level: slog.LevelDebug,
		}),
	))

	Logger.Info("Starting bridge-core ("+Version+")",
		"Go Version", runtime.Version(),
		"Operating System", runtime.GOOS,
		"Architecture", runtime.GOARCH)

	chainID, err := strconv.ParseUint(os.Getenv("CHAIN_ID"), 10, 32)
	if err != nil {
		log.Fatalf("failed to parse CHAIN_ID: %v", err)
	}

	minConfirmations := uint64(burn.RequiredConfirmations)
	if v := os.Getenv("MIN_CONFIRMATIONS"); v != "" {
		minConfirmations, err = strconv.ParseUint(v, 10, 32)
		if err != nil {
			log.Fatalf("failed to parse MIN_CONFIRMATIONS: %v", err)
		}
	}

	consensusTimeout := consensus.DefaultTimeout
	if v := os.Getenv("CONSENSUS_TIMEOUT_SECONDS"); v != "" {
		seconds, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			log.Fatalf("failed to parse CONSENSUS_TIMEOUT_SECONDS: %v", err)
		}
		consensusTimeout = time.Duration(seconds) * time.Second
	}

	pollInterval := l1.DefaultPollInterval
	if v := os.Getenv("L1_POLL_INTERVAL_SECONDS"); v != "" {
		seconds, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			log.Fatalf("failed to parse L1_POLL_INTERVAL_SECONDS: %v", err)
		}
		pollInterval = time.Duration(seconds) * time.Second
	}

	st, err := openStore(Logger)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}

	reg := registry.New(registry.Opts{
		Store:  st,
		Logger: Logger.With("component", "registry"),
	})
	led := ledger.New(ledger.Opts{
		Store:    st,
		Registry: reg,
		Logger:   Logger.With("component", "ledger"),
	})

	confirmers, err := parseConfirmers(os.Getenv("CONFIRMER_ADDRESSES"))
	if err != nil {
		log.Fatalf("failed to parse CONFIRMER_ADDRESSES: %v", err)
	}

	coordOpts := consensus.Opts{
		Confirmers: consensus.NewStaticSet(confirmers),
		Ledger:     led,
		Timeout:    consensusTimeout,
		Logger:     Logger.With("component", "consensus"),
		Height: func(ctx context.Context) (uint64, error) {
			return st.LastObservedL1Block(ctx)
		},
	}
	if keyHex := os.Getenv("CONFIRMER_PRIVATE_KEY"); keyHex != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(keyHex, "0x"))
		if err != nil {
			log.Fatalf("failed to parse CONFIRMER_PRIVATE_KEY: %v", err)
		}
		coordOpts.Signer = key
		Logger.Info("confirmer key loaded", "address", crypto.PubkeyToAddress(key.PublicKey).Hex())
	}
	if peers := os.Getenv("PEER_URLS"); peers != "" {
		coordOpts.Broadcaster = consensus.NewHTTPBroadcaster(consensus.HTTPBroadcasterOpts{
			Peers:  strings.Split(peers, ","),
			Logger: Logger.With("component", "broadcaster"),
		})
	}
	coord := consensus.NewCoordinator(coordOpts)

	validator := burn.NewValidator(burn.ValidatorOpts{
		ChainID:          uint32(chainID),
		MinConfirmations: uint32(minConfirmations),
		Logger:           Logger.With("component", "validator"),
	})

	br := bridge.New(bridge.Opts{
		ChainID:     uint32(chainID),
		Validator:   validator,
		Registry:    reg,
		Ledger:      led,
		Coordinator: coord,
		Logger:      Logger.With("component", "bridge"),
	})

	watcher := l1.NewWatcher(l1.WatcherOpts{
		Client:       l1.NewHTTPClient(os.Getenv("L1_RPC_URL")),
		Validator:    validator,
		Registry:     reg,
		Attestor:     coord,
		Store:        st,
		PollInterval: pollInterval,
		Logger:       Logger.With("component", "l1-watcher"),
	})

	// start api server
	server := api.NewServer(api.ServerOpts{
		Logger: Logger.With("component", "api-server"),
		Bridge: br,
		Port:   os.Getenv("API_PORT"),
	})
	go server.StartServer()

	// Create context that will be canceled on SIGINT or SIGTERM
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle OS signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Start the watcher and the consensus sweep in goroutines
	errChan := make(chan error, 2)
	go func() {
		errChan <- watcher.Run(ctx)
	}()
	go func() {
		errChan <- coord.Run(ctx)
	}()

	// Wait for either error or signal
	select {
	case err := <-errChan:
		if err != nil {
			log.Printf("Runtime error: %v", err)
		}
	case sig := <-sigChan:
		fmt.Printf("\nReceived signal: %v\n", sig)
		fmt.Println("Shutting down gracefully...")
		cancel() // This will trigger shutdown via context

		// Wait for the loops to finish
		<-errChan
		<-errChan
	}

	if err := st.Close(context.Background()); err != nil {
		log.Printf("Error closing store: %v", err)
	}
}

// openStore selects the backend from STORE_BACKEND: "leveldb" (default) or
// "mongo".
func openStore(logger *slog.Logger) (store.Store, error) {
	switch os.Getenv("STORE_BACKEND") {
	case "", "leveldb":
		path := os.Getenv("LEVELDB_PATH")
		if path == "" {
			path = "./data/bridge"
		}
		return store.NewLevelDB(store.LevelDBOpts{
			Path:   path,
			Logger: logger.With("component", "store"),
		})
	case "mongo":
		db, err := store.NewMongo(store.MongoOpts{
			URI:          os.Getenv("DATABASE_URI"),
			DatabaseName: os.Getenv("DATABASE_NAME"),
			Logger:       logger.With("component", "store"),
		})
		if err != nil {
			return nil, err
		}
		if err := db.CreateIndexes(context.Background()); err != nil {
			return nil, err
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unknown STORE_BACKEND %q", os.Getenv("STORE_BACKEND"))
	}
}

func parseConfirmers(raw string) ([]common.Address, error) {
	if raw == "" {
		return nil, fmt.Errorf("CONFIRMER_ADDRESSES must not be empty")
	}
	var addrs []common.Address
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if !common.IsHexAddress(part) {
			return nil, fmt.Errorf("invalid confirmer address %q", part)
		}
		addrs = append(addrs, common.HexToAddress(part))
	}
	return addrs, nil
}
