package app

import (
	"fmt"
	"log"
	"sync"

	"deposit-engine/internal/clients"
	"deposit-engine/internal/config"
	"deposit-engine/internal/handlers"
	"deposit-engine/internal/interfaces"
	"deposit-engine/internal/monitors"
	"deposit-engine/internal/repository"
	"deposit-engine/internal/router"
	"deposit-engine/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// ServiceContainer owns every process-scoped registry of the engine
type ServiceContainer struct {
	cfg *config.Config

	// Database
	DB *gorm.DB

	// Repositories
	PendingRepo   repository.PendingTransferRepository
	HandoffRepo   repository.DepositHandoffRepository
	CustodialRepo repository.CustodialAddressRepository

	// Clients
	Pool             *clients.ConnectionPool
	NATSClient       *clients.NATSClient
	RedisClient      *redis.Client // nil when leases are kept in memory
	DelegatedWatcher *clients.DelegatedWatcher

	// Push Services
	WebSocketSubscriptionManager *services.WebSocketSubscriptionManager
	WebSocketPushService         *services.WebSocketPushService

	// Engine Services
	LeaseManager          *services.LeaseManager
	TransferValidator     *services.TransferValidator
	DepositNotifier       *services.DepositNotifier
	MonitorFactory        *monitors.Factory
	SessionRegistry       *services.SessionRegistry
	ReconciliationService *services.ReconciliationService
	MonitoringService     *services.MonitoringService

	cleanupOnce sync.Once
}

// NewServiceContainer builds the engine on an open database; nothing is started yet
func NewServiceContainer(cfg *config.Config, gdb *gorm.DB) (*ServiceContainer, error) {
	log.Println("🚀 Initializing Service Container...")

	c := &ServiceContainer{cfg: cfg, DB: gdb}

	c.initRepositories()

	if err := c.initClients(); err != nil {
		c.Cleanup()
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	c.initEngineServices()

	log.Println("✅ Service Container initialized successfully")
	return c, nil
}

func (c *ServiceContainer) initRepositories() {
	log.Println("📦 Initializing Repositories...")

	c.PendingRepo = repository.NewPendingTransferRepository(c.DB)
	c.HandoffRepo = repository.NewDepositHandoffRepository(c.DB)
	c.CustodialRepo = repository.NewCustodialAddressRepository(c.DB)

	log.Println("✅ Repositories initialized")
}

// initClients connects the broker and the lease backend; chain connections are dialed lazily
func (c *ServiceContainer) initClients() error {
	c.Pool = clients.NewConnectionPool(c.cfg.Chains, nil, c.cfg.Engine.HealthCheckTimeout)

	if c.cfg.NATS.URL == "" {
		return fmt.Errorf("nats.url is required: the ledger hand-off stream lives on NATS")
	}
	natsClient, err := clients.NewNATSClient(c.cfg.NATS)
	if err != nil {
		log.Printf("❌ Failed to connect to NATS at %s: %v", c.cfg.NATS.URL, err)
		return err
	}
	c.NATSClient = natsClient
	c.DelegatedWatcher = clients.NewDelegatedWatcher(natsClient)
	log.Printf("✅ NATS client connected: %s", c.cfg.NATS.URL)

	if c.cfg.Redis.Addr != "" {
		redisClient, err := clients.NewRedisClient(c.cfg.Redis)
		if err != nil {
			return err
		}
		c.RedisClient = redisClient
	} else {
		log.Println("ℹ️ redis.addr not set, custodial leases are kept in memory (single instance only)")
	}
	return nil
}

func (c *ServiceContainer) initEngineServices() {
	log.Println("🔧 Initializing Engine Services...")

	var store services.LeaseStore
	if c.RedisClient != nil {
		store = services.NewRedisLeaseStore(c.RedisClient, c.cfg.Redis.KeyPrefix)
	} else {
		store = services.NewMemoryLeaseStore()
	}
	c.LeaseManager = services.NewLeaseManager(store, c.CustodialRepo, c.cfg.Engine.LeaseTTL)

	c.WebSocketSubscriptionManager = services.NewWebSocketSubscriptionManager()
	c.WebSocketPushService = services.NewWebSocketPushService(c.WebSocketSubscriptionManager)

	c.TransferValidator = services.NewTransferValidator(c.Pool, c.cfg.Chains, c.cfg.Engine.ChainCallTimeout)
	c.DepositNotifier = services.NewDepositNotifier(c.HandoffRepo, c.NATSClient, c.WebSocketPushService, c.LeaseManager)

	var watcher interfaces.ExternalWatcher
	if c.DelegatedWatcher != nil {
		watcher = c.DelegatedWatcher
	}
	c.MonitorFactory = monitors.NewFactory(c.cfg.Chains, monitors.Deps{
		Pool:        c.Pool,
		Validator:   c.TransferValidator,
		Notifier:    c.DepositNotifier,
		Pending:     c.PendingRepo,
		Ledger:      c.HandoffRepo,
		Broadcaster: c.WebSocketPushService,
		Watcher:     watcher,
		Engine:      c.cfg.Engine,
	})

	c.SessionRegistry = services.NewSessionRegistry(c.MonitorFactory, c.LeaseManager, c.cfg.Engine)
	c.ReconciliationService = services.NewReconciliationService(
		c.PendingRepo,
		c.DepositNotifier,
		c.Pool,
		c.WebSocketPushService,
		c.WebSocketSubscriptionManager,
		c.cfg.Chains,
		c.cfg.Engine,
	)

	var enabled []string
	for name, chain := range c.cfg.Chains {
		if chain.Enabled {
			enabled = append(enabled, name)
		}
	}
	c.MonitoringService = services.NewMonitoringService(c.DB, c.PendingRepo, c.CustodialRepo, enabled, c.cfg.Engine.MetricsInterval)

	log.Println("✅ Engine Services initialized")
}

// Start launches the background work: the reconciliation schedule and the gauge refresher
func (c *ServiceContainer) Start() error {
	if err := c.ReconciliationService.Start(); err != nil {
		return fmt.Errorf("failed to start reconciliation: %w", err)
	}
	log.Printf("✅ [ServiceContainer] Reconciliation service started (every %v)", c.cfg.Engine.ReconcileInterval)

	c.MonitoringService.Start()
	return nil
}

// Router builds the HTTP surface on top of the container
func (c *ServiceContainer) Router() *gin.Engine {
	return router.SetupRouter(c.cfg, router.Handlers{
		WebSocket:   handlers.NewWebSocketHandler(c.WebSocketPushService, c.WebSocketSubscriptionManager, c.SessionRegistry),
		Health:      handlers.NewHealthHandler(c.Pool, c.NATSClient, c.SessionRegistry),
		AdminAuth:   handlers.NewAdminAuthHandler(c.cfg.Admin),
		AdminPool:   handlers.NewAdminPoolHandler(c.LeaseManager, c.CustodialRepo),
		AdminEngine: handlers.NewAdminEngineHandler(c.PendingRepo, c.ReconciliationService, c.SessionRegistry),
	})
}

// Cleanup stops monitors and background work, then closes the clients.
// Custodial leases are left to expire through their TTL.
func (c *ServiceContainer) Cleanup() {
	c.cleanupOnce.Do(func() {
		log.Println("🧹 Cleaning up Service Container...")

		if c.ReconciliationService != nil {
			c.ReconciliationService.Stop()
		}
		if c.MonitoringService != nil {
			c.MonitoringService.Stop()
		}
		if c.SessionRegistry != nil {
			c.SessionRegistry.Shutdown()
		}
		if c.WebSocketPushService != nil {
			c.WebSocketPushService.Stop()
		}
		if c.Pool != nil {
			c.Pool.Close()
		}
		if c.NATSClient != nil {
			c.NATSClient.Close()
		}
		if c.RedisClient != nil {
			_ = c.RedisClient.Close()
		}

		log.Println("✅ Service Container cleaned up")
	})
}
