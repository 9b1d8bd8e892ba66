// Command scp-hub runs the SCP settlement hub.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/sync/errgroup"

	"github.com/scpnetwork/scp-go/chain"
	"github.com/scpnetwork/scp-go/hub"
	"github.com/scpnetwork/scp-go/hub/hubhttp"
	"github.com/scpnetwork/scp-go/sign"
	"github.com/scpnetwork/scp-go/store"
	"github.com/scpnetwork/scp-go/webhook"
)

func main() {
	err := run()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	showHelp := false
	host := envOr("HOST", "127.0.0.1")
	port := envOr("PORT", "4021")
	hubName := envOr("HUB_NAME", "pay.eth")
	chainIDStr := envOr("CHAIN_ID", "11155111")
	defaultAsset := os.Getenv("DEFAULT_ASSET")
	feeBase := envOr("FEE_BASE", "10")
	feeBps := envOr("FEE_BPS", "30")
	gasSurcharge := envOr("GAS_SURCHARGE", "0")
	rpcURL := os.Getenv("RPC_URL")
	contractAddr := os.Getenv("CONTRACT_ADDRESS")
	redisURL := os.Getenv("REDIS_URL")
	storePath := os.Getenv("STORE_PATH")
	adminToken := os.Getenv("HUB_ADMIN_TOKEN")
	corsOrigin := envOr("CORS_ORIGIN", "*")
	trustProxy := os.Getenv("TRUST_PROXY") == "1"
	settlementMode := envOr("SETTLEMENT_MODE", "cooperative_close")
	workers := envOr("HUB_WORKERS", "1")
	production := strings.EqualFold(os.Getenv("HUB_ENV"), "production")
	allowUnsafeStorage := os.Getenv("ALLOW_UNSAFE_PROD_STORAGE") == "1"

	fs := flag.NewFlagSet("scp-hub", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	fs.BoolVar(&showHelp, "h", showHelp, "Show this help")
	fs.StringVar(&host, "host", host, "Listen host")
	fs.StringVar(&port, "port", port, "Listen port")
	fs.StringVar(&hubName, "name", hubName, "Hub display name")
	fs.StringVar(&chainIDStr, "chain-id", chainIDStr, "EVM chain id")
	fs.StringVar(&defaultAsset, "asset", defaultAsset, "Default asset address")
	fs.StringVar(&feeBase, "fee-base", feeBase, "Flat fee component")
	fs.StringVar(&feeBps, "fee-bps", feeBps, "Variable fee in basis points")
	fs.StringVar(&gasSurcharge, "gas-surcharge", gasSurcharge, "Flat gas surcharge")
	fs.StringVar(&rpcURL, "rpc-url", rpcURL, "Ethereum JSON-RPC endpoint")
	fs.StringVar(&contractAddr, "contract", contractAddr, "Channel contract address")
	fs.StringVar(&redisURL, "redis-url", redisURL, "Redis URL for shared storage")
	fs.StringVar(&storePath, "store-path", storePath, "File storage path")
	fs.StringVar(&settlementMode, "settlement-mode", settlementMode, "Default settlement mode")
	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}
	if showHelp {
		fs.Usage()
		return nil
	}

	keyHex := os.Getenv("HUB_PRIVATE_KEY")
	if keyHex == "" {
		return fmt.Errorf("HUB_PRIVATE_KEY env var is required; never use hardcoded keys")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(keyHex, "0x"))
	if err != nil {
		return fmt.Errorf("parsing HUB_PRIVATE_KEY: %w", err)
	}
	chainID, ok := new(big.Int).SetString(chainIDStr, 10)
	if !ok || chainID.Sign() <= 0 {
		return fmt.Errorf("invalid chain id %q", chainIDStr)
	}
	feeBaseInt, ok := new(big.Int).SetString(feeBase, 10)
	if !ok {
		return fmt.Errorf("invalid fee base %q", feeBase)
	}
	feeBpsInt, ok := new(big.Int).SetString(feeBps, 10)
	if !ok {
		return fmt.Errorf("invalid fee bps %q", feeBps)
	}
	gasInt, ok := new(big.Int).SetString(gasSurcharge, 10)
	if !ok {
		return fmt.Errorf("invalid gas surcharge %q", gasSurcharge)
	}
	workerCount, err := parseWorkers(workers)
	if err != nil {
		return err
	}

	if production && redisURL == "" && !allowUnsafeStorage {
		return fmt.Errorf("production mode requires REDIS_URL for hub storage; " +
			"file storage is not safe for concurrent hubs (set ALLOW_UNSAFE_PROD_STORAGE=1 to override)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(store.Config{RedisURL: redisURL, Path: storePath})
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer st.Close()

	if workerCount > 1 && !st.Shared() {
		return fmt.Errorf("HUB_WORKERS=%d requires shared storage (set REDIS_URL); "+
			"memory and file backends are single-process", workerCount)
	}

	domain := sign.NewDomain(chainID.Uint64(), common.HexToAddress(contractAddr))

	var contract chain.Contract
	if rpcURL != "" && contractAddr != "" {
		client, err := chain.NewClient(ctx, rpcURL, common.HexToAddress(contractAddr), key)
		if err != nil {
			return fmt.Errorf("connecting to chain: %w", err)
		}
		defer client.Close()
		if client.ChainID() != chainID.Uint64() {
			return fmt.Errorf("rpc endpoint reports chain %d, configured chain is %s", client.ChainID(), chainID)
		}
		contract = client
	}

	hooks := webhook.NewManager(webhook.Config{Store: st, LogWriter: os.Stderr})
	defer hooks.Close()

	h, err := hub.New(hub.Config{
		Domain:         domain,
		Key:            key,
		Store:          st,
		Webhooks:       hooks,
		Chain:          contract,
		HubName:        hubName,
		DefaultAsset:   defaultAsset,
		FeeBase:        feeBaseInt,
		FeeBps:         feeBpsInt,
		GasSurcharge:   gasInt,
		SettlementMode: settlementMode,
		LogWriter:      os.Stderr,
	})
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr: net.JoinHostPort(host, port),
		Handler: hubhttp.New(hubhttp.Config{
			Hub:        h,
			Webhooks:   hooks,
			AdminToken: adminToken,
			CORSOrigin: corsOrigin,
			TrustProxy: trustProxy,
			LogWriter:  os.Stderr,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		fmt.Fprintf(os.Stderr, "scp-hub listening on %s as %s (%s)\n", server.Addr, hubName, h.Address())
		err := server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		err := h.RunQuoteSweeper(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func envOr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func parseWorkers(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid HUB_WORKERS %q: must be a positive integer", s)
	}
	return n, nil
}
