// Package main is the entry point of the TicketForge service.
// It runs the monitor HTTP API and the cron server inside one kratos App.
package main

import (
	"flag"
	"os"

	"TicketForge/internal/conf"
	"TicketForge/internal/server"
	zapLogger "TicketForge/pkg/log"

	"github.com/go-kratos/kratos/v2"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-kratos/kratos/v2/transport/http"

	_ "go.uber.org/automaxprocs"
)

// go build -ldflags "-X main.Version=x.y.z"
var (
	// Name is the name of the compiled software.
	Name = "TicketForge"
	// Version is the version of the compiled software.
	Version string
	// flagconf is the config flag.
	flagconf string

	id, _ = os.Hostname()
)

func init() {
	flag.StringVar(&flagconf, "conf", "../../configs/config.yaml", "config path, eg: -conf config.yaml")
}

func newApp(logger log.Logger, hs *http.Server, cs *server.CronServer) *kratos.App {
	return kratos.New(
		kratos.ID(id),
		kratos.Name(Name),
		kratos.Version(Version),
		kratos.Metadata(map[string]string{}),
		kratos.Logger(logger),
		kratos.Server(
			hs,
			cs,
		),
	)
}

func main() {
	flag.Parse()

	// 配置校验失败是唯一的致命启动错误
	bc, err := conf.NewBootstrap(flagconf)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	zapLog, err := zapLogger.NewZapLogger(bc.Log)
	if err != nil {
		log.Fatalf("failed to initialize zap logger: %v", err)
	}
	defer zapLog.Sync()

	logger := zapLogger.NewKratosAdapter(zapLog)
	logger = log.With(logger,
		"service.id", id,
		"service.name", Name,
		"service.version", Version,
	)

	zapLogger.NewLogHelper(logger).Startup("TicketForge service starting",
		"log.level", bc.Log.Level,
		"log.format", bc.Log.Format,
		"snapshot.backend", bc.Data.Snapshot.Backend,
		"processor.enabled", bc.Processor.Enabled,
		"http.addr", bc.Server.HTTP.Addr,
	)

	app, cleanup, err := wireApp(bc.Server, bc.Data, bc.Resilience, bc.Monitor, bc.Tracker, bc.Processor, bc.Notify, bc.CodeAgent, logger)
	if err != nil {
		log.Fatalf("failed to assemble application: %v", err)
	}
	defer cleanup()

	// start and wait for stop signal
	if err := app.Run(); err != nil {
		log.Errorf("application stopped with error: %v", err)
	}
}
