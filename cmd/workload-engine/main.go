package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chiwei-platform/workload-engine/internal/adapter/blobstore"
	httpadapter "github.com/chiwei-platform/workload-engine/internal/adapter/http"
	"github.com/chiwei-platform/workload-engine/internal/adapter/kubernetes"
	"github.com/chiwei-platform/workload-engine/internal/adapter/repository"
	"github.com/chiwei-platform/workload-engine/internal/config"
	"github.com/chiwei-platform/workload-engine/internal/domain"
	"github.com/chiwei-platform/workload-engine/internal/service"
	"gorm.io/gorm"
)

// 退出码：1 配置/环境错误，2 集群不可达，3 校验失败。
const (
	exitConfigError        = 1
	exitClusterUnreachable = 2
	exitValidationFailed   = 3
)

func main() {
	cmd := "serve"
	args := os.Args[1:]
	if len(args) > 0 {
		cmd = args[0]
		args = args[1:]
	}

	switch cmd {
	case "serve":
		runServe()
	case "initial-default-cluster":
		os.Exit(runInitialDefaultCluster(args))
	case "deploy-stats-diagnoser":
		os.Exit(runDeployStatsDiagnoser(args))
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q, want serve | initial-default-cluster | deploy-stats-diagnoser\n", cmd)
		os.Exit(exitConfigError)
	}
}

// wiring 是各命令共享的装配结果。
type wiring struct {
	cfg *config.Config
	db  *gorm.DB

	clusterRepo    *repository.ClusterRepo
	wlAppRepo      *repository.WlAppRepo
	configRepo     *repository.ConfigRepo
	buildRepo      *repository.BuildRepo
	releaseRepo    *repository.ReleaseRepo
	specRepo       *repository.ProcessSpecRepo
	domainRepo     *repository.AppDomainRepo
	manifestRepo   *repository.ManifestRepo
	deploymentRepo *repository.DeploymentRepo
	eventRepo      *repository.EventRepo
	pollerMetaRepo *repository.PollerMetaRepo

	pool *kubernetes.ClientPool
}

func buildWiring() (*wiring, error) {
	cfg := config.Load()
	db, err := repository.OpenDB(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	w := &wiring{
		cfg:            cfg,
		db:             db,
		clusterRepo:    repository.NewClusterRepo(db),
		wlAppRepo:      repository.NewWlAppRepo(db),
		configRepo:     repository.NewConfigRepo(db),
		buildRepo:      repository.NewBuildRepo(db),
		releaseRepo:    repository.NewReleaseRepo(db),
		specRepo:       repository.NewProcessSpecRepo(db),
		domainRepo:     repository.NewAppDomainRepo(db),
		manifestRepo:   repository.NewManifestRepo(db),
		deploymentRepo: repository.NewDeploymentRepo(db),
		eventRepo:      repository.NewEventRepo(db),
		pollerMetaRepo: repository.NewPollerMetaRepo(db),
	}
	w.pool = kubernetes.NewClientPool(w.clusterRepo)
	return w, nil
}

func runServe() {
	w, err := buildWiring()
	if err != nil {
		slog.Error("startup failed", "error", err)
		os.Exit(exitConfigError)
	}
	cfg := w.cfg

	// 集群侧操作
	workloads := kubernetes.NewWorkloadOperator(w.pool)
	ingress := kubernetes.NewIngressOperator(w.pool)
	namespaces := kubernetes.NewNamespaceOperator(w.pool, cfg.DefaultSAWaitTimeout)
	bkapps := kubernetes.NewBkAppOperator(w.pool)
	builder := kubernetes.NewSlugBuilder(w.pool)

	blobs := blobstore.NewFSStore(cfg.BlobRoot, cfg.BlobBaseURL, []byte(cfg.BlobSigningKey))

	// 后台任务
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	pool := service.NewWorkerPool(cfg.WorkerCount, cfg.WorkerCount*4)
	pool.Start(ctx)

	// 服务层
	events := service.NewDeployEventStream(w.eventRepo)
	runner := service.NewPollerRunner(w.pollerMetaRepo)
	preparer := service.NewPreparer(w.configRepo, w.manifestRepo, w.clusterRepo, blobs, cfg.SourceSizeWarningMB)
	executor := service.NewBuildProcessExecutor(w.buildRepo, w.wlAppRepo, w.clusterRepo, builder, namespaces, events, cfg)
	updater := service.NewProcSpecUpdater(w.specRepo)
	subdomain := service.NewSubdomainAppIngressMgr(w.domainRepo, w.configRepo, w.clusterRepo, ingress)
	customIngress := service.NewCustomDomainIngressMgr(w.domainRepo, w.clusterRepo, ingress)
	domainSvc := service.NewAppDomainService(w.domainRepo, w.wlAppRepo, subdomain, customIngress)

	manifestSvc := service.NewManifestService(w.manifestRepo, w.wlAppRepo, w.clusterRepo, namespaces, bkapps, runner, pool, cfg.CNativeDeployTimeout)
	deploySvc := service.NewDeployService(
		w.deploymentRepo, w.releaseRepo, w.buildRepo, w.specRepo, w.wlAppRepo, w.clusterRepo,
		workloads, events, preparer, executor, updater, subdomain, runner, pool, cfg,
	)
	hub := service.NewControllerHub(
		service.NewAppProcessesController(updater, w.specRepo, w.clusterRepo, workloads),
		service.NewCNativeProcController(updater, manifestSvc),
	)
	view := service.NewProcessViewService(w.specRepo, w.releaseRepo, workloads, 0)

	handler := httpadapter.NewRouter(
		httpadapter.NewManifestHandler(manifestSvc),
		httpadapter.NewDeploymentHandler(deploySvc, w.deploymentRepo, events),
		httpadapter.NewProcessHandler(w.wlAppRepo, hub, view),
		httpadapter.NewDomainHandler(w.wlAppRepo, domainSvc),
		httpadapter.NewBlobHandler(blobs),
		cfg.APIToken,
	)

	srv := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: handler,
	}

	go func() {
		slog.Info("server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(exitConfigError)
		}
	}()

	<-ctx.Done()

	slog.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}
	pool.Shutdown()
}

func runInitialDefaultCluster(args []string) int {
	fs := flag.NewFlagSet("initial-default-cluster", flag.ExitOnError)
	overwrite := fs.Bool("overwrite", false, "overwrite the existing cluster row")
	dryRun := fs.Bool("dry-run", false, "validate and print without writing")
	_ = fs.Parse(args)

	w, err := buildWiring()
	if err != nil {
		slog.Error("startup failed", "error", err)
		return exitConfigError
	}

	bootstrap, err := config.LoadClusterBootstrap()
	if err != nil {
		slog.Error("invalid cluster bootstrap environment", "error", err)
		return exitConfigError
	}

	svc := service.NewClusterService(w.clusterRepo, w.pool)
	result, err := svc.BootstrapDefaultCluster(context.Background(), bootstrap, *overwrite, *dryRun)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidInput) {
			slog.Error("cluster validation failed", "error", err)
			return exitValidationFailed
		}
		slog.Error("bootstrap failed", "error", err)
		return exitConfigError
	}

	switch {
	case result.Skipped:
		fmt.Printf("Skipped: cluster %q already registered (use --overwrite to update)\n", result.Cluster.Name)
	case *dryRun:
		fmt.Printf("Dry run: cluster %q validates, nothing written\n", result.Cluster.Name)
	case result.Created:
		fmt.Printf("Created: default cluster %q in region %q\n", result.Cluster.Name, result.Cluster.Region)
	default:
		fmt.Printf("Updated: cluster %q\n", result.Cluster.Name)
	}
	return 0
}

func runDeployStatsDiagnoser(args []string) int {
	fs := flag.NewFlagSet("deploy-stats-diagnoser", flag.ExitOnError)
	clusterName := fs.String("cluster-name", "", "restrict the scan to one cluster")
	_ = fs.Parse(args)

	w, err := buildWiring()
	if err != nil {
		slog.Error("startup failed", "error", err)
		return exitConfigError
	}

	stats := kubernetes.NewStatsReader(w.pool)
	diagnoser := service.NewDeployStatsDiagnoser(w.wlAppRepo, w.specRepo, w.clusterRepo, stats)

	findings, err := diagnoser.Diagnose(context.Background(), *clusterName)
	if err != nil {
		if errors.Is(err, domain.ErrClusterUnreachable) {
			slog.Error("cluster unreachable", "error", err)
			return exitClusterUnreachable
		}
		slog.Error("diagnose failed", "error", err)
		return exitConfigError
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(findings); err != nil {
		slog.Error("encode findings", "error", err)
		return exitConfigError
	}
	return 0
}
