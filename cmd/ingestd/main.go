// Command ingestd runs the block ingestion pipeline: it connects to the
// configured providers, loads and normalizes blocks into the bounded queue,
// and streams them downstream over the configured transport. Config,
// logger, and HTTP wiring happen up front in run(); subcommands are plain
// cobra commands.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/synnergy-network/block-ingest/internal/bitcoinrpc"
	"github.com/synnergy-network/block-ingest/internal/domain"
	"github.com/synnergy-network/block-ingest/internal/eventbus"
	"github.com/synnergy-network/block-ingest/internal/iterator"
	"github.com/synnergy-network/block-ingest/internal/loader"
	"github.com/synnergy-network/block-ingest/internal/normalizer"
	"github.com/synnergy-network/block-ingest/internal/outbox"
	"github.com/synnergy-network/block-ingest/internal/provider"
	"github.com/synnergy-network/block-ingest/internal/provider/p2pprovider"
	"github.com/synnergy-network/block-ingest/internal/provider/rpcprovider"
	"github.com/synnergy-network/block-ingest/internal/queue"
	"github.com/synnergy-network/block-ingest/internal/transport"
	"github.com/synnergy-network/block-ingest/internal/transport/httptransport"
	"github.com/synnergy-network/block-ingest/internal/transport/ipctransport"
	"github.com/synnergy-network/block-ingest/internal/transport/wstransport"
	"github.com/synnergy-network/block-ingest/internal/wire"
	"github.com/synnergy-network/block-ingest/pkg/applog"
	cfgpkg "github.com/synnergy-network/block-ingest/pkg/config"
	"github.com/synnergy-network/block-ingest/pkg/metrics"
)

// buildVersion is stamped by the release pipeline; "dev" outside of it.
var buildVersion = "dev"

func main() {
	root := &cobra.Command{Use: "ingestd", Short: "Bitcoin-compatible block ingestion daemon"}
	root.AddCommand(runCmd())
	root.AddCommand(versionCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the daemon version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(buildVersion)
			return nil
		},
	}
}

func runCmd() *cobra.Command {
	var env string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "run the ingestion pipeline until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(env)
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "environment overlay name (merges config/<env>.yaml)")
	return cmd
}

func run(env string) error {
	cfg, err := cfgpkg.Load(env)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := applog.New("ingestd", applog.Options{Level: cfg.Logging.Level, File: cfg.Logging.File})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("ingestd: shutdown signal received")
		cancel()
	}()

	m := metrics.New()
	if cfg.Metrics.Enabled {
		go func() {
			if err := m.Serve(ctx, cfg.Metrics.Addr, logger.WithField("subsystem", "metrics")); err != nil {
				logger.WithError(err).Error("metrics server stopped")
			}
		}()
	}

	mgr, err := buildProviderManager(*cfg, logger)
	if err != nil {
		return err
	}
	if err := mgr.Connect(ctx); err != nil {
		return fmt.Errorf("connecting providers: %w", err)
	}
	defer mgr.Disconnect(ctx)

	networkParams := domain.NetworkParams{
		Name:         cfg.Network.Name,
		HasSegWit:    cfg.Network.HasSegWit,
		MaxBlockSize: cfg.Network.MaxBlockSize,
	}
	norm := normalizer.New(networkParams)
	q := queue.New(queue.Config{
		MaxQueueSize:   cfg.Queue.MaxQueueSize,
		MaxBlockHeight: 0,
	}, 0)

	ld := loader.New(loader.DefaultConfig(), mgr, q, norm, logger.WithField("subsystem", "loader"))

	port, err := buildTransport(ctx, *cfg, logger)
	if err != nil {
		return err
	}
	defer port.Destroy()

	sender := outbox.NewSender(outbox.Config{
		MaxMessageBytes: cfg.Outbox.MaxMessageBytes,
	}, port, cfg.Outbox.SystemModels, logger.WithField("subsystem", "outbox"))
	publisher := outbox.NewPublisher(sender)

	consumer := &blockPublisher{publisher: publisher, logger: logger.WithField("subsystem", "publisher")}
	it := iteratorFor(q, consumer, cfg, logger)

	bus := eventbus.New(publisher.Events(), func(ctx context.Context, ev wire.DomainEvent) {
		logger.WithFields(logrus.Fields{
			"aggregateId": ev.AggregateID,
			"eventType":   ev.EventType,
		}).Info("ingestd: local domain event")
	}, logger.WithField("subsystem", "eventbus"))

	go bus.Run(ctx)

	go func() {
		if err := it.Run(ctx); err != nil {
			logger.WithError(err).Debug("iterator stopped")
		}
	}()

	err = ld.Run(ctx, func(ctx context.Context) (uint64, error) {
		return mgr.GetActiveProvider().GetBlockHeight(ctx)
	})
	if err != nil && err != context.Canceled {
		return fmt.Errorf("loader stopped: %w", err)
	}
	return nil
}

func buildProviderManager(cfg cfgpkg.Config, logger *logrus.Entry) (*provider.Manager, error) {
	networkParams := domain.NetworkParams{
		Name:         cfg.Network.Name,
		HasSegWit:    cfg.Network.HasSegWit,
		MaxBlockSize: cfg.Network.MaxBlockSize,
	}

	var providers []provider.Provider
	for _, rc := range cfg.Providers.RPC {
		p := rpcprovider.New(rpcprovider.Config{
			UniqName: rc.UniqName,
			RPC: bitcoinrpc.Config{
				BaseURL:  rc.BaseURL,
				Username: rc.Username,
				Password: rc.Password,
			},
			ZMQEndpoint: rc.ZMQEndpoint,
			Network:     networkParams,
		}, nil, logger.WithField("provider", rc.UniqName))
		providers = append(providers, p)
	}
	for _, pc := range cfg.Providers.P2P {
		p := p2pprovider.New(p2pprovider.Config{
			UniqName:  pc.UniqName,
			PeerAddrs: pc.PeerAddrs,
			MaxHeight: pc.MaxHeight,
			Network:   networkParams,
		}, logger.WithField("provider", pc.UniqName))
		providers = append(providers, p)
	}
	if len(providers) == 0 {
		return nil, fmt.Errorf("ingestd: no providers configured")
	}
	return provider.NewManager(providers, logger.WithField("subsystem", "provider-manager")), nil
}

func buildTransport(ctx context.Context, cfg cfgpkg.Config, logger *logrus.Entry) (transport.Port, error) {
	hb := transport.DefaultHeartbeatConfig()
	if cfg.Transport.Heartbeat.IntervalMS > 0 {
		hb.Interval = msToDuration(cfg.Transport.Heartbeat.IntervalMS)
	}
	if cfg.Transport.Heartbeat.MaxIntervalMS > 0 {
		hb.MaxInterval = msToDuration(cfg.Transport.Heartbeat.MaxIntervalMS)
	}
	if cfg.Transport.Heartbeat.StaleAfterMS > 0 {
		hb.StaleAfter = msToDuration(cfg.Transport.Heartbeat.StaleAfterMS)
	}

	switch cfg.Transport.Kind {
	case "ws":
		tr := wstransport.New(wstransport.Config{
			Host:      cfg.Transport.WS.Host,
			Port:      cfg.Transport.WS.Port,
			Path:      cfg.Transport.WS.Path,
			Token:     cfg.Transport.WS.Token,
			Heartbeat: hb,
		}, nil, logger.WithField("subsystem", "wstransport"))
		go serveWS(ctx, cfg.Transport.WS.Host, cfg.Transport.WS.Port, cfg.Transport.WS.Path, tr, logger)
		return tr, nil
	case "ipc":
		tr := ipctransport.New(ipctransport.Config{
			Token:     cfg.Transport.WS.Token,
			Heartbeat: hb,
		}, os.Stdout, nil, logger.WithField("subsystem", "ipctransport"))
		go tr.ReadLoop(ctx, os.Stdin)
		return tr, nil
	default:
		tr := httptransport.New(httptransport.Config{
			Host: cfg.Transport.HTTP.Host,
			Port: cfg.Transport.HTTP.Port,
			Webhook: httptransport.WebhookConfig{
				URL:     cfg.Transport.HTTP.WebhookURL,
				PingURL: cfg.Transport.HTTP.PingURL,
				Token:   cfg.Transport.HTTP.Token,
			},
			Heartbeat: hb,
		}, logger.WithField("subsystem", "httptransport"))
		go func() {
			if err := tr.ListenAndServe(); err != nil {
				logger.WithError(err).Error("http transport stopped")
			}
		}()
		tr.StartHeartbeat(ctx)
		return tr, nil
	}
}

// serveWS mounts tr's frame handler onto its own http.Server at cfg.Path
// and runs until ctx is cancelled, mirroring the graceful-shutdown pattern
// used by the metrics server.
func serveWS(ctx context.Context, host string, port int, path string, tr *wstransport.Transport, logger *logrus.Entry) {
	mux := http.NewServeMux()
	mux.Handle(path, tr)
	srv := &http.Server{Addr: fmt.Sprintf("%s:%d", host, port), Handler: mux}

	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	logger.WithField("addr", srv.Addr).WithField("path", path).Info("wstransport: serving")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.WithError(err).Error("ws transport stopped")
	}
}

func msToDuration(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }

func iteratorFor(q *queue.Queue, consumer *blockPublisher, cfg *cfgpkg.Config, logger *logrus.Entry) *iterator.Iterator {
	batchSize := cfg.Iterator.BatchSize
	if batchSize <= 0 {
		batchSize = 16
	}
	return iterator.New(q, consumer, batchSize, logger.WithField("subsystem", "iterator"))
}
