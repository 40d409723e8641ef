package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chengzhi666/pythonAquaculture/internal/api"
	"github.com/chengzhi666/pythonAquaculture/internal/classify"
	"github.com/chengzhi666/pythonAquaculture/internal/config"
	"github.com/chengzhi666/pythonAquaculture/internal/credential"
	"github.com/chengzhi666/pythonAquaculture/internal/fetch"
	"github.com/chengzhi666/pythonAquaculture/internal/model"
	"github.com/chengzhi666/pythonAquaculture/internal/pipeline"
	"github.com/chengzhi666/pythonAquaculture/internal/pkg/logger"
	"github.com/chengzhi666/pythonAquaculture/internal/pkg/srclock"
	"github.com/chengzhi666/pythonAquaculture/internal/rollup"
	"github.com/chengzhi666/pythonAquaculture/internal/store"

	"github.com/redis/go-redis/v9"
)

const usage = `usage: intel <command> [args]

commands:
  run <source>                执行一次采集运行（失败状态以非零码退出）
  refresh-credential <source> 单独执行凭证刷新流程
  rollup                      重算价格聚合
  serve                       启动查询 API 服务
  initdb                      建表并写入默认规则字典
`

// main 是采集管道的统一入口，按子命令分发。
func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	appLogger := logger.NewDefault(cfg.App.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var code int
	switch os.Args[1] {
	case "run":
		code = cmdRun(ctx, cfg, appLogger, os.Args[2:])
	case "refresh-credential":
		code = cmdRefreshCredential(ctx, cfg, appLogger, os.Args[2:])
	case "rollup":
		code = cmdRollup(ctx, cfg, appLogger)
	case "serve":
		code = cmdServe(ctx, cfg, appLogger)
	case "initdb":
		code = cmdInitDB(ctx, cfg, appLogger)
	default:
		fmt.Fprint(os.Stderr, usage)
		code = 2
	}
	os.Exit(code)
}

// openStore 打开存储层，失败时记日志并返回 nil。
func openStore(cfg *config.Config, log *slog.Logger) *store.Store {
	st, err := store.Open(cfg.Storage)
	if err != nil {
		log.Error("open storage failed", slog.String("error", err.Error()))
		return nil
	}
	return st
}

func newRedis(cfg *config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
}

// builtinFetcher 返回内置 Fetcher；站点浏览器采集属外部协作方，
// 未注册的源只能由外部进程喂数据。
func builtinFetcher(name string, log *slog.Logger) pipeline.Fetcher {
	if name == fetch.OfflineCSVSource {
		return fetch.NewOfflineCSVFetcher(log)
	}
	return nil
}

func cmdRun(ctx context.Context, cfg *config.Config, log *slog.Logger, args []string) int {
	if len(args) < 1 {
		fmt.Fprint(os.Stderr, usage)
		return 2
	}
	sourceName := args[0]

	fetcher := builtinFetcher(sourceName, log)
	if fetcher == nil {
		log.Error("no fetcher registered for source", slog.String("source", sourceName))
		return 2
	}

	st := openStore(cfg, log)
	if st == nil {
		return 1
	}
	defer st.Close()

	engine := classify.NewEngine(st, log, cfg.App.RuleReloadTTL)
	if err := engine.Reload(ctx); err != nil {
		log.Error("load classification rules failed", slog.String("error", err.Error()))
		return 1
	}

	rdb := newRedis(cfg)
	defer rdb.Close()
	locker := srclock.NewLocker(rdb, cfg.Credential.Timeout+time.Minute)
	coord := credential.NewCoordinator(st, locker, cfg, log, nil)

	runner := pipeline.NewRunner(st, engine, coord, cfg, log)
	run, err := runner.Run(ctx, sourceName, fetcher)
	if err != nil {
		log.Error("run aborted", slog.String("source", sourceName), slog.String("error", err.Error()))
		return 1
	}
	if run.Status == model.RunStatusFailed {
		log.Error("run failed",
			slog.String("source", sourceName),
			slog.Uint64("run_id", uint64(run.ID)),
			slog.String("error_text", run.ErrorText))
		return 1
	}
	return 0
}

func cmdRefreshCredential(ctx context.Context, cfg *config.Config, log *slog.Logger, args []string) int {
	if len(args) < 1 {
		fmt.Fprint(os.Stderr, usage)
		return 2
	}
	sourceName := args[0]

	st := openStore(cfg, log)
	if st == nil {
		return 1
	}
	defer st.Close()

	rdb := newRedis(cfg)
	defer rdb.Close()
	locker := srclock.NewLocker(rdb, cfg.Credential.Timeout+time.Minute)
	coord := credential.NewCoordinator(st, locker, cfg, log, nil)

	res, err := coord.Refresh(ctx, sourceName)
	if err != nil {
		log.Error("credential refresh aborted", slog.String("source", sourceName), slog.String("error", err.Error()))
		return 1
	}
	if res.Outcome != credential.OutcomeSuccess {
		log.Error("credential refresh did not succeed",
			slog.String("source", sourceName),
			slog.String("outcome", res.Outcome.String()),
			slog.String("reason", res.Reason))
		return 1
	}
	return 0
}

func cmdRollup(ctx context.Context, cfg *config.Config, log *slog.Logger) int {
	st := openStore(cfg, log)
	if st == nil {
		return 1
	}
	defer st.Close()

	buckets, err := rollup.NewRunner(st, log).Run(ctx, cfg.App.RollupWindowDays)
	if err != nil {
		log.Error("rollup failed", slog.String("error", err.Error()))
		return 1
	}
	log.Info("rollup done", slog.Int("buckets", buckets))
	return 0
}

func cmdServe(ctx context.Context, cfg *config.Config, log *slog.Logger) int {
	st := openStore(cfg, log)
	if st == nil {
		return 1
	}
	defer st.Close()

	engine := classify.NewEngine(st, log, cfg.App.RuleReloadTTL)
	if err := engine.Reload(ctx); err != nil {
		log.Error("load classification rules failed", slog.String("error", err.Error()))
		return 1
	}

	srv := api.NewServer(cfg, log, st, engine)
	httpServer := &http.Server{
		Addr:    cfg.App.HTTPAddr,
		Handler: srv.Router(),
	}

	go func() {
		log.Info("query api listening", slog.String("addr", cfg.App.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server run failed", slog.String("error", err.Error()))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down query api...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", slog.String("error", err.Error()))
		return 1
	}
	return 0
}

// cmdInitDB 建表并在字典表为空时写入规则种子。
// configs/rules.yaml 存在时优先作为种子来源，否则用内置默认。
func cmdInitDB(ctx context.Context, cfg *config.Config, log *slog.Logger) int {
	st := openStore(cfg, log)
	if st == nil {
		return 1
	}
	defer st.Close()

	productTypes := classify.DefaultProductTypeRules()
	specs := classify.DefaultSpecRules()
	origins := classify.DefaultOriginRules()

	if rs, err := classify.LoadRuleSet("configs/rules.yaml"); err == nil {
		log.Info("seeding rules from configs/rules.yaml")
		if rows := rs.ProductTypeRules(); len(rows) > 0 {
			productTypes = rows
		}
		if rows := rs.SpecRules(); len(rows) > 0 {
			specs = rows
		}
		if rows := rs.OriginRules(); len(rows) > 0 {
			origins = rows
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		log.Error("load rule set failed", slog.String("error", err.Error()))
		return 1
	}

	if err := st.SeedRules(ctx, productTypes, specs, origins); err != nil {
		log.Error("seed rules failed", slog.String("error", err.Error()))
		return 1
	}
	log.Info("database initialized",
		slog.String("backend", cfg.Storage.Backend),
		slog.Int("product_type_rules", len(productTypes)),
		slog.Int("spec_rules", len(specs)),
		slog.Int("origin_rules", len(origins)))
	return 0
}
