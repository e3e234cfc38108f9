package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	httpHandler "github.com/jivanaryal/TopicJ-Spinner/internal/handler/http"
	wsHandler "github.com/jivanaryal/TopicJ-Spinner/internal/handler/websocket"
	"github.com/jivanaryal/TopicJ-Spinner/internal/hub"
	gormpersistence "github.com/jivanaryal/TopicJ-Spinner/internal/infra/persistence/gorm"
	"github.com/jivanaryal/TopicJ-Spinner/internal/infra/persistence/memory"
	"github.com/jivanaryal/TopicJ-Spinner/internal/infra/setup"
	redisstate "github.com/jivanaryal/TopicJ-Spinner/internal/infra/state/redis"
	"github.com/jivanaryal/TopicJ-Spinner/internal/middleware"
	"github.com/jivanaryal/TopicJ-Spinner/internal/repository"
	"github.com/jivanaryal/TopicJ-Spinner/internal/service"
	"github.com/jivanaryal/TopicJ-Spinner/internal/tasks"
	"github.com/jivanaryal/TopicJ-Spinner/internal/worker"
)

// App 结构体包含应用的所有组件和配置
type App struct {
	Config         *Config
	Log            *logrus.Logger
	DB             *gorm.DB // DB_DRIVER=memory 时为 nil
	RedisClient    *redis.Client
	AsynqClient    *asynq.Client
	AsynqServer    *worker.WorkerServer
	Scheduler      *asynq.Scheduler
	Hub            *hub.Hub
	HttpServer     *http.Server
	redisClientOpt asynq.RedisClientOpt
}

// NewApp 创建并初始化应用的所有组件
func NewApp() (*App, error) {
	// 1. 加载配置
	cfg, err := LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return nil, err
	}

	// 2. 初始化 Logger
	log := NewLogger(cfg)
	log.Info("Configuration loaded successfully")

	// 3. 初始化基础设施
	log.Info("Initializing infrastructure...")
	redisClient, err := setup.InitRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, fmt.Errorf("failed to init Redis: %w", err)
	}

	var db *gorm.DB
	var roomRepo repository.RoomRepository
	switch cfg.DBDriver {
	case setup.DriverMemory:
		log.Warn("DB_DRIVER=memory, rooms will not survive a restart")
		roomRepo = memory.NewRoomRepository()
	case setup.DriverRedis:
		roomRepo = redisstate.NewRedisRoomRepository(redisClient, cfg.KeyPrefix)
		log.Info("Rooms are stored in Redis")
	default:
		gormLevel := logger.Warn
		if cfg.IsProduction() {
			gormLevel = logger.Error
		}
		db, err = setup.InitDB(cfg.DBDriver, cfg.DBDSN, gormLevel)
		if err != nil {
			return nil, fmt.Errorf("failed to init DB: %w", err)
		}
		if err := setup.MigrateDB(db); err != nil {
			return nil, fmt.Errorf("failed to migrate DB: %w", err)
		}
		roomRepo = gormpersistence.NewGormRoomRepository(db)
		log.Info("Database initialized and migrated")
	}

	redisClientOpt := asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
	asynqClient := asynq.NewClient(redisClientOpt)
	log.Info("Infrastructure initialized successfully")

	// 4. 初始化 Services 和 Hub
	locks := service.NewRoomLocks()
	roomService := service.NewRoomService(roomRepo, locks, cfg.FrontendURL)
	hubInstance := hub.NewHub()
	session := service.NewSessionCoordinator(roomRepo, hubInstance, locks)
	hubInstance.SetSessionHandler(session)
	log.Info("Services and hub initialized")

	// 5. 初始化 Handlers
	roomHandler := httpHandler.NewRoomHandler(roomService, session)
	socketHandler := wsHandler.NewWebSocketHandler(hubInstance, cfg.CORSAllowedOrigin)
	healthChecks := map[string]httpHandler.CheckFunc{
		"redis": func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
	}
	if db != nil {
		healthChecks["database"] = func(ctx context.Context) error { return setup.PingDB(ctx, db) }
	}
	healthHandler := httpHandler.NewHealthHandler(healthChecks)

	// 6. 初始化 Worker Server
	workerServer := worker.NewWorkerServer(redisClientOpt, roomService, log)

	// 7. 初始化 Gin Engine 和路由
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(LoggerMiddleware(log))
	router.Use(middleware.CORS(cfg.CORSAllowedOrigin))

	router.GET("/ping", healthHandler.Ping)
	router.GET("/healthz", healthHandler.Healthz)

	api := router.Group("/api")
	api.Use(middleware.RateLimit(redisClient, cfg.KeyPrefix, cfg.RateLimitMax, cfg.RateLimitWindow))
	roomRoutes := api.Group("/rooms")
	{
		roomRoutes.POST("/create", roomHandler.CreateRoom)
		roomRoutes.POST("/add-topic", roomHandler.AddTopic)
		roomRoutes.POST("/start-game", roomHandler.StartGame)
		roomRoutes.GET("/:roomCode", roomHandler.GetRoom)
	}
	router.GET("/ws", socketHandler.HandleConnection)
	log.Info("Router setup complete")

	httpServer := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &App{
		Config:         cfg,
		Log:            log,
		DB:             db,
		RedisClient:    redisClient,
		AsynqClient:    asynqClient,
		AsynqServer:    workerServer,
		Hub:            hubInstance,
		HttpServer:     httpServer,
		redisClientOpt: redisClientOpt,
	}, nil
}

// Start 启动应用的所有后台 Goroutine 和 HTTP 服务器
func (a *App) Start() {
	a.Log.Info("Starting application background routines...")
	go a.Hub.Run()

	go a.AsynqServer.Start()
	a.registerPeriodicTasks()
	a.enqueueStartupCleanup()

	go func() {
		a.Log.Infof("HTTP server starting to listen on %s", a.HttpServer.Addr)
		if err := a.HttpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Log.Fatalf("Failed to start HTTP server: %v", err)
		}
		a.Log.Info("HTTP server stopped listening.")
	}()
}

// registerPeriodicTasks 按 CLEANUP_SCHEDULE 注册房间清理任务
func (a *App) registerPeriodicTasks() {
	scheduler := asynq.NewScheduler(a.redisClientOpt, &asynq.SchedulerOpts{})

	task, err := tasks.NewRoomCleanupTask(tasks.TriggerSchedule)
	if err != nil {
		a.Log.Errorf("Failed to create room cleanup task: %v", err)
		return
	}
	schedule := a.Config.CleanupSchedule
	entryID, err := scheduler.Register(schedule, task, asynq.Queue("default"))
	if err != nil {
		a.Log.Errorf("Could not register periodic room cleanup task: %v", err)
		return
	}
	a.Log.Infof("Periodic room cleanup task registered with schedule '%s' (EntryID: %s)", schedule, entryID)

	// Start 不阻塞，关闭由 Shutdown 负责
	if err := scheduler.Start(); err != nil {
		a.Log.Errorf("Asynq scheduler failed to start: %v", err)
		return
	}
	a.Scheduler = scheduler
	a.Log.Info("Asynq scheduler started")
}

// enqueueStartupCleanup 启动时立即清理一次上个进程遗留的闲置房间
func (a *App) enqueueStartupCleanup() {
	task, err := tasks.NewRoomCleanupTask(tasks.TriggerStartup)
	if err != nil {
		a.Log.Errorf("Failed to create startup cleanup task: %v", err)
		return
	}
	info, err := a.AsynqClient.Enqueue(task, asynq.Queue("default"), asynq.MaxRetry(1))
	if err != nil {
		a.Log.WithError(err).Warn("Could not enqueue startup room cleanup")
		return
	}
	a.Log.WithField("task_id", info.ID).Debug("Startup room cleanup enqueued")
}

// Shutdown 优雅地关闭应用
func (a *App) Shutdown() {
	a.Log.Info("Shutting down application...")

	// 1. 先停止接收新的 HTTP 请求和 WebSocket 升级
	ctx, cancel := context.WithTimeout(context.Background(), a.Config.ShutdownTimeout)
	defer cancel()
	if err := a.HttpServer.Shutdown(ctx); err != nil {
		a.Log.Errorf("Error shutting down HTTP server: %v", err)
	} else {
		a.Log.Info("HTTP server shut down gracefully.")
	}

	// 2. 关闭所有 WebSocket 连接
	if a.Hub != nil {
		a.Hub.Stop()
	}

	// 3. 停止周期任务和 Worker
	if a.Scheduler != nil {
		a.Scheduler.Shutdown()
	}
	if a.AsynqServer != nil {
		a.AsynqServer.Shutdown()
	}
	if a.AsynqClient != nil {
		if err := a.AsynqClient.Close(); err != nil {
			a.Log.Errorf("Error closing Asynq client: %v", err)
		}
	}

	// 4. 关闭 Redis 和数据库连接
	if a.RedisClient != nil {
		if err := a.RedisClient.Close(); err != nil {
			a.Log.Errorf("Error closing Redis connection: %v", err)
		}
	}
	if a.DB != nil {
		if sqlDB, err := a.DB.DB(); err == nil {
			if err := sqlDB.Close(); err != nil {
				a.Log.Errorf("Error closing database connection: %v", err)
			}
		}
	}

	a.Log.Info("Application shutdown complete.")
}

// NewLogger 按配置创建 Logger，同时让包级别的 logrus 调用使用相同的格式和级别
func NewLogger(cfg *Config) *logrus.Logger {
	log := logrus.New()
	var formatter logrus.Formatter = &logrus.TextFormatter{FullTimestamp: true}
	if cfg.IsProduction() {
		formatter = &logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano}
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}

	log.SetFormatter(formatter)
	log.SetLevel(level)
	log.SetOutput(os.Stdout)
	logrus.SetFormatter(formatter)
	logrus.SetLevel(level)
	logrus.SetOutput(os.Stdout)

	log.Infof("Logger initialized (Level: %s, Format: %T)", level.String(), formatter)
	return log
}

// LoggerMiddleware 创建一个 Gin 中间件用于记录请求日志
func LoggerMiddleware(log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()
		c.Next()
		latency := time.Since(startTime)
		statusCode := c.Writer.Status()
		path := c.Request.URL.Path
		if c.Request.URL.RawQuery != "" {
			path = path + "?" + c.Request.URL.RawQuery
		}
		errorMessage := c.Errors.ByType(gin.ErrorTypePrivate).String()

		entry := log.WithFields(logrus.Fields{
			"status_code": statusCode,
			"latency_ms":  latency.Milliseconds(),
			"client_ip":   c.ClientIP(),
			"method":      c.Request.Method,
			"path":        path,
		})

		switch {
		case errorMessage != "":
			entry.Error(errorMessage)
		case statusCode >= 500:
			entry.Error("Server error")
		case statusCode >= 400:
			entry.Warn("Client error")
		default:
			entry.Info("Request handled")
		}
	}
}
