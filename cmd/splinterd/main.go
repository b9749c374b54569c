package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"splinter/internal/admin/service"
	"splinter/internal/admin/service/transport"
	"splinter/internal/admin/state"
	"splinter/internal/admin/store"
	"splinter/internal/circuit"
	"splinter/internal/config"
	"splinter/internal/cryptoutil"
	"splinter/internal/observability/logging"
	telemetry "splinter/internal/observability/otel"
	"splinter/internal/orchestrator"
	"splinter/internal/peer"
	"splinter/internal/registry"
	"splinter/internal/twophase"
	"splinter/internal/wire"
	"splinter/internal/wireauth"
)

func main() {
	configFile := flag.String("config", "splinterd.toml", "path to the splinterd TOML configuration file")
	nodeID := flag.String("node-id", "", "override the configured node id")
	stateDir := flag.String("state-dir", "", "override the configured state directory")
	flag.Parse()

	var overrides []config.Override
	if *nodeID != "" {
		overrides = append(overrides, config.WithNodeID(*nodeID))
	}
	if *stateDir != "" {
		overrides = append(overrides, config.WithStateDir(*stateDir))
	}

	cfg, err := config.Load(*configFile, overrides...)
	if err != nil {
		panic(fmt.Sprintf("splinterd: load config: %v", err))
	}

	var logFile *logging.FileConfig
	if cfg.Logging.FilePath != "" {
		logFile = &logging.FileConfig{
			Path:       cfg.Logging.FilePath,
			MaxSizeMB:  cfg.Logging.FileMaxSizeMB,
			MaxBackups: cfg.Logging.FileMaxBackups,
			MaxAgeDays: cfg.Logging.FileMaxAgeDays,
			Compress:   cfg.Logging.FileCompress,
		}
	}
	logger := logging.Setup("splinterd", cfg.Logging.Env, logFile)
	logger.Info("splinterd: configuration loaded", "node_id", cfg.NodeID, "database_backend", cfg.DatabaseBackend)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Tracing.Enabled {
		shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
			ServiceName: "splinterd",
			Environment: cfg.Logging.Env,
			Endpoint:    cfg.Tracing.OTLPEndpoint,
			Insecure:    cfg.TLS.Insecure,
		})
		if err != nil {
			panic(fmt.Sprintf("splinterd: init tracing: %v", err))
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTracing(shutdownCtx); err != nil {
				logger.Error("splinterd: tracing shutdown", "error", err)
			}
		}()
	}

	keyBytes, err := hex.DecodeString(cfg.NodeKeyHex)
	if err != nil {
		panic(fmt.Sprintf("splinterd: invalid node key hex: %v", err))
	}
	nodeKey, err := cryptoutil.SecpFromBytes(keyBytes)
	if err != nil {
		panic(fmt.Sprintf("splinterd: decode node key: %v", err))
	}
	self := nodeKey.PeerID()

	adminStore, err := store.Open(store.Config{Backend: store.Backend(cfg.DatabaseBackend), DSN: cfg.DatabaseDSN})
	if err != nil {
		panic(fmt.Sprintf("splinterd: open admin store: %v", err))
	}

	reg, err := openRegistry(ctx, cfg, logger)
	if err != nil {
		panic(fmt.Sprintf("splinterd: open registry: %v", err))
	}
	verifiers, err := verifierPeerIDs(reg)
	if err != nil {
		panic(fmt.Sprintf("splinterd: resolve registry verifiers: %v", err))
	}

	adminState := state.New(adminStore, cfg.NodeID, logger)
	if err := adminState.ReInitializeCircuits(ctx); err != nil {
		panic(fmt.Sprintf("splinterd: reinitialize circuits: %v", err))
	}

	orch := orchestrator.NewLocal(logger)
	go driveOrchestrator(ctx, adminState, orch, logger)

	peerManager := peer.NewInMemory(self, 50, 100)
	engine := twophase.NewEngine(self, verifiers, adminState, peerManager, twophase.WithLogger(logger))
	go func() {
		if err := engine.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("splinterd: two-phase engine stopped", "error", err)
		}
	}()

	gate := newAuthGate(wireauth.Config{
		ProtocolMin:            1,
		ProtocolMax:            1,
		AcceptedAuthorizations: []string{"Challenge"},
		Local:                  wireauth.LocalAuth{Type: "Challenge", Signers: []*cryptoutil.PrivateKey{nodeKey}},
	}, peerManager, logger)
	for _, v := range verifiers {
		if v.String() == self.String() {
			continue
		}
		if err := gate.beginHandshake(ctx, v); err != nil {
			logger.Error("splinterd: begin authorization handshake", "peer", v.String(), "error", err)
		}
	}
	go dispatchPeerMessages(ctx, peerManager, gate, engine, logger)

	svc := service.New(adminState, adminStore, reg, peerManager, logger)

	grpcListener, err := net.Listen("tcp", cfg.AdminGRPCEndpoint)
	if err != nil {
		panic(fmt.Sprintf("splinterd: listen %s: %v", cfg.AdminGRPCEndpoint, err))
	}
	grpcServer := transport.NewGRPCServer(svc, logger,
		grpc.ChainUnaryInterceptor(otelgrpc.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(otelgrpc.StreamServerInterceptor()),
	)
	go func() {
		if err := grpcServer.Serve(grpcListener); err != nil {
			logger.Error("splinterd: admin grpc server stopped", "error", err)
		}
	}()

	httpMux := http.NewServeMux()
	httpMux.Handle("/", transport.NewHTTPIngress(svc, logger))
	httpMux.Handle("/events", transport.NewEventSocket(svc, logger))
	httpServer := &http.Server{Addr: cfg.AdminHTTPEndpoint, Handler: httpMux}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("splinterd: admin http server stopped", "error", err)
		}
	}()

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{Addr: cfg.Metrics.ListenAddress, Handler: metricsMux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("splinterd: metrics server stopped", "error", err)
			}
		}()
	}

	logger.Info("splinterd: running", "admin_grpc", cfg.AdminGRPCEndpoint, "admin_http", cfg.AdminHTTPEndpoint)
	<-ctx.Done()
	logger.Info("splinterd: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	grpcServer.GracefulStop()
	_ = httpServer.Shutdown(shutdownCtx)
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}
}

// driveOrchestrator starts or stops a circuit's roster services as its
// proposals resolve, reacting to the same admin event stream the gRPC and
// websocket transports subscribe to.
func driveOrchestrator(ctx context.Context, adminState *state.State, orch orchestrator.Orchestrator, logger *slog.Logger) {
	sub := adminState.Subscribe(ctx)
	for evt := range sub.Events {
		switch evt.EventType {
		case circuit.EventCircuitReady:
			for _, svc := range evt.Proposal.Circuit.Roster {
				if err := orch.StartService(ctx, evt.Proposal.CircuitID, svc); err != nil {
					logger.Error("splinterd: start service", "circuit_id", evt.Proposal.CircuitID, "service_id", svc.ServiceID, "error", err)
				}
			}
		case circuit.EventCircuitDisbanded:
			for _, svc := range evt.Proposal.Circuit.Roster {
				if err := orch.StopService(ctx, evt.Proposal.CircuitID, svc); err != nil {
					logger.Error("splinterd: stop service", "circuit_id", evt.Proposal.CircuitID, "service_id", svc.ServiceID, "error", err)
				}
			}
		}
	}
}

// authGate holds one wireauth.Session per remote peer and gates admin/2PC
// traffic on that peer's handshake having reached AuthorizedAndComplete,
// per spec.md §1/§4.1: no circuit or consensus traffic is accepted from a
// connection before it proves its identity.
type authGate struct {
	cfg    wireauth.Config
	peers  peer.Manager
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*wireauth.Session
}

func newAuthGate(cfg wireauth.Config, peers peer.Manager, logger *slog.Logger) *authGate {
	return &authGate{cfg: cfg, peers: peers, logger: logger, sessions: make(map[string]*wireauth.Session)}
}

func (g *authGate) sessionFor(id cryptoutil.PeerID) *wireauth.Session {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.sessions[id.String()]
	if !ok {
		s = wireauth.NewSession(g.cfg)
		g.sessions[id.String()] = s
	}
	return s
}

func (g *authGate) authorized(id cryptoutil.PeerID) bool {
	g.mu.Lock()
	s, ok := g.sessions[id.String()]
	g.mu.Unlock()
	return ok && s.IsAuthorizedAndComplete()
}

// beginHandshake sends this node's own AuthProtocolRequest to id rather than
// waiting for id to speak first, so two nodes that both dial out still
// converge (each side's request is just the other's expected initial reply).
func (g *authGate) beginHandshake(ctx context.Context, id cryptoutil.PeerID) error {
	msg, err := g.sessionFor(id).Begin()
	if err != nil {
		return err
	}
	return g.sendAuth(ctx, id, msg)
}

func (g *authGate) sendAuth(ctx context.Context, id cryptoutil.PeerID, msg *wire.AuthorizationMessage) error {
	if msg == nil {
		return nil
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("splinterd: encode auth message: %w", err)
	}
	return g.peers.Send(ctx, id, peer.Message{Channel: "auth", Payload: payload})
}

// handle advances sender's handshake session with an inbound auth-channel
// message and sends back whatever replies the session produces.
func (g *authGate) handle(ctx context.Context, sender cryptoutil.PeerID, payload []byte) {
	var msg wire.AuthorizationMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		g.logger.Warn("splinterd: decode authorization message", "peer", sender.String(), "error", err)
		return
	}
	replies, err := g.sessionFor(sender).Handle(&msg)
	if err != nil {
		g.logger.Warn("splinterd: authorization handshake rejected", "peer", sender.String(), "error", err)
		return
	}
	for _, reply := range replies {
		if err := g.sendAuth(ctx, sender, reply); err != nil {
			g.logger.Warn("splinterd: send authorization reply", "peer", sender.String(), "error", err)
		}
	}
}

// dispatchPeerMessages drains this node's peer inbox and routes each message
// by Channel: "auth" advances the sender's handshake; "admin" and "2pc" are
// dropped unless the sender already completed that handshake, then fed to
// the two-phase engine (directly, for 2PC wire traffic, and via a decoded
// PROPOSED_CIRCUIT relay, for proposal content a verifier never submitted
// itself).
func dispatchPeerMessages(ctx context.Context, inbound peer.Inbound, gate *authGate, engine *twophase.Engine, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-inbound.Inbox():
			if !ok {
				return
			}
			switch msg.Channel {
			case "auth":
				gate.handle(ctx, msg.From, msg.Payload)
			case "admin":
				if !gate.authorized(msg.From) {
					logger.Warn("splinterd: dropping admin message from unauthorized peer", "peer", msg.From.String())
					continue
				}
				dispatchAdminMessage(msg.Payload, engine, logger)
			case "2pc":
				if !gate.authorized(msg.From) {
					logger.Warn("splinterd: dropping 2PC message from unauthorized peer", "peer", msg.From.String())
					continue
				}
				var tpm wire.TwoPhaseMessage
				if err := json.Unmarshal(msg.Payload, &tpm); err != nil {
					logger.Warn("splinterd: decode 2PC message", "peer", msg.From.String(), "error", err)
					continue
				}
				engine.DeliverNetworkMessage(msg.From, &tpm)
			default:
				logger.Warn("splinterd: unknown peer message channel", "channel", msg.Channel, "peer", msg.From.String())
			}
		}
	}
}

func dispatchAdminMessage(payload []byte, engine *twophase.Engine, logger *slog.Logger) {
	var admin wire.AdminMessage
	if err := json.Unmarshal(payload, &admin); err != nil {
		logger.Warn("splinterd: decode admin message", "error", err)
		return
	}
	if admin.Type != wire.AdminProposedCircuit || admin.ProposedCircuit == nil {
		return
	}
	content, err := state.EncodeProposalContent(admin.ProposedCircuit.Proposal)
	if err != nil {
		logger.Warn("splinterd: encode relayed proposal", "circuit_id", admin.ProposedCircuit.Proposal.CircuitID, "error", err)
		return
	}
	engine.DeliverProposalContent(content)
}

func openRegistry(ctx context.Context, cfg *config.Config, logger *slog.Logger) (registry.Registry, error) {
	if len(cfg.Registries) == 0 {
		return nil, fmt.Errorf("splinterd: no registries configured")
	}
	first := cfg.Registries[0]
	if first.Path != "" {
		return registry.NewLocalYamlRegistry(first.Path, logger)
	}
	return registry.NewRemoteYamlRegistry(ctx, cfg.StateDir, first.URL,
		time.Duration(first.AutomaticRefreshSecs)*time.Second,
		time.Duration(first.ForcedRefreshSecs)*time.Second,
		logger)
}

func verifierPeerIDs(reg registry.Registry) ([]cryptoutil.PeerID, error) {
	nodes, err := reg.Nodes()
	if err != nil {
		return nil, err
	}
	ids := make([]cryptoutil.PeerID, 0, len(nodes))
	for _, n := range nodes {
		if len(n.PublicKeys) == 0 {
			continue
		}
		pubKey, err := hex.DecodeString(n.PublicKeys[0])
		if err != nil {
			return nil, fmt.Errorf("splinterd: decode public key for node %s: %w", n.NodeID, err)
		}
		id, err := cryptoutil.PeerIDFromPublicKey(cryptoutil.SchemeSecp256k1, pubKey)
		if err != nil {
			return nil, fmt.Errorf("splinterd: peer id for node %s: %w", n.NodeID, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
