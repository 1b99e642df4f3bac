package main

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/example/bloodgroup/internal/auth"
	"github.com/example/bloodgroup/internal/classifierrpc"
	"github.com/example/bloodgroup/internal/config"
	"github.com/example/bloodgroup/internal/grpcclient"
	"github.com/example/bloodgroup/internal/grpcserver"
	"github.com/example/bloodgroup/internal/handlers"
	"github.com/example/bloodgroup/internal/inference"
	"github.com/example/bloodgroup/internal/logging"
	"github.com/example/bloodgroup/internal/nn"
	"github.com/example/bloodgroup/internal/report"
	"github.com/example/bloodgroup/internal/repository"
	"github.com/example/bloodgroup/internal/storage"
	"github.com/example/bloodgroup/internal/usecase"
)

func runServe(c *cli.Context) error {
	cfg, logger, err := loadConfig(c)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(c.Context, 15*time.Second)
	defer cancel()

	// Weights are loaded before anything listens; a bad file stops startup.
	classifier, local, modelID, closeClassifier, err := initClassifier(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialise classifier", zap.Error(err))
		return err
	}
	defer closeClassifier()

	db, err := initDatabase(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to connect to database", zap.Error(err))
		return err
	}
	if err := repository.AutoMigrate(ctx, db); err != nil {
		logger.Error("auto migrate failed", zap.Error(err))
		return err
	}

	var cache usecase.Cache = usecase.NoopCache{}
	if cfg.RedisAddr != "" {
		redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
		redisClient, err := initRedis(redisCtx, cfg.RedisAddr, logger)
		redisCancel()
		if err != nil {
			logger.Error("redis connection failed", zap.Error(err))
			return err
		}
		defer redisClient.Close()
		cache = usecase.NewRedisCache(redisClient)
	} else {
		logger.Warn("no redis address configured, caching and logout revocation are disabled")
	}

	images, err := storage.NewLocalImageStore(cfg.UploadDir)
	if err != nil {
		return logging.NewOperationError("main.upload_dir", "", err)
	}

	patients := usecase.NewPatientUseCase(
		classifier,
		modelID,
		repository.NewPatientRepository(db, logger),
		images,
		cache,
		report.NewRenderer(cfg.ReportTitle),
		logger,
	)
	tokens := auth.NewTokenManager(cfg.JWTSecret, cfg.JWTAudience, cfg.TokenTTL)
	revocations := usecase.NewTokenRevocations(cache, logger)
	accounts := usecase.NewAccountUseCase(repository.NewUserRepository(db, logger), tokens, revocations, cfg.BcryptCost, logger)

	r := newRouter(patients, accounts, tokens, revocations, logger)

	if local != nil && cfg.GRPCAddr != "" {
		stop, err := startGRPCServer(cfg.GRPCAddr, local, logger)
		if err != nil {
			return err
		}
		defer stop()
	}

	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	logger.Info("blood group API listening", zap.String("addr", cfg.HTTPAddr), zap.String("model_id", modelID))
	if err := serveHTTPServer(server, cfg.ShutdownTimeout, logger); err != nil {
		logger.Error("server failed", zap.Error(err))
		return err
	}
	return nil
}

// initClassifier returns the classifier used by the API. With a remote
// address it is a gRPC client and local is nil.
func initClassifier(ctx context.Context, cfg config.Config, logger *zap.Logger) (usecase.Classifier, *inference.Service, string, func(), error) {
	if cfg.RemoteClassifierAddr != "" {
		client, err := grpcclient.DialClassifier(ctx, cfg.RemoteClassifierAddr, logger)
		if err != nil {
			return nil, nil, "", nil, err
		}
		modelID, err := client.ModelID(ctx)
		if err != nil {
			client.Close()
			return nil, nil, "", nil, err
		}
		logger.Info("using remote classifier", zap.String("addr", cfg.RemoteClassifierAddr), zap.String("model_id", modelID))
		return client, nil, modelID, func() { client.Close() }, nil
	}

	start := time.Now()
	model, err := nn.LoadClassifier(cfg.WeightsPath, nn.DefaultArchitecture)
	if err != nil {
		return nil, nil, "", nil, err
	}
	svc := inference.NewService(model)
	logger.Info("weights loaded",
		zap.String("path", cfg.WeightsPath),
		zap.String("model_id", svc.ModelID()),
		zap.Duration("elapsed", time.Since(start)))
	return svc, svc, svc.ModelID(), func() {}, nil
}

func startGRPCServer(addr string, svc *inference.Service, logger *zap.Logger) (func(), error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, logging.NewOperationError("main.grpc_listen", "", err)
	}
	srv := grpc.NewServer(grpc.MaxRecvMsgSize(classifierrpc.MaxMessageSize))
	grpcserver.Register(srv, grpcserver.NewServer(svc, logger))

	go func() {
		if err := srv.Serve(lis); err != nil {
			logger.Error("grpc server stopped", zap.Error(err))
		}
	}()
	logger.Info("classifier gRPC listening", zap.String("addr", addr))
	return srv.GracefulStop, nil
}

func newRouter(patients handlers.PatientService, accounts handlers.AccountService, tokens *auth.TokenManager, revocations auth.RevocationList, logger *zap.Logger) *gin.Engine {
	r := gin.Default()
	r.MaxMultipartMemory = handlers.MaxUploadSize
	handlers.RegisterRoutes(r, patients, accounts, auth.JWTMiddleware(tokens, revocations), logger)
	return r
}
