package cmd

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Laisky/errors/v2"
	gconfig "github.com/Laisky/go-config/v2"
	gcmd "github.com/Laisky/go-utils/v6/cmd"
	"github.com/Laisky/zap"
	"github.com/spf13/cobra"

	"github.com/Laisky/img-searcher/internal/web/searcher/service"
	"github.com/Laisky/img-searcher/library/log"
	"github.com/Laisky/img-searcher/library/search"
	"github.com/Laisky/img-searcher/library/search/ascii2d"
	"github.com/Laisky/img-searcher/library/search/copyseeker"
	"github.com/Laisky/img-searcher/library/search/hosting"
	"github.com/Laisky/img-searcher/library/search/iqdb"
	"github.com/Laisky/img-searcher/library/search/lens"
	"github.com/Laisky/img-searcher/library/search/tracemoe"
	"github.com/Laisky/img-searcher/library/search/yandex"
	"github.com/Laisky/img-searcher/library/throttle"
)

var botCMD = &cobra.Command{
	Use:   "bot",
	Short: "bot",
	Long:  `run the reverse image search chat bot`,
	Args:  gcmd.NoExtraArgs,
	PreRun: func(cmd *cobra.Command, args []string) {
		if err := initialize(context.Background(), cmd); err != nil {
			log.Logger.Panic("init", zap.Error(err))
		}
	},
	Run: func(cmd *cobra.Command, args []string) {
		runBot()
	},
}

func init() {
	rootCMD.AddCommand(botCMD)
}

func runBot() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry, err := buildRegistry(ctx)
	if err != nil {
		log.Logger.Panic("build search registry", zap.Error(err))
	}

	service.Initialize(ctx, registry)
	log.Logger.Info("bot started", zap.Strings("engines", registry.Engines()))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	log.Logger.Info("shutting down", zap.String("signal", sig.String()))
	service.Instance.Stop()
}

// filterEngines keeps the engines named in enabled, preserving registration
// order. An empty list enables everything; unknown names are logged and
// skipped so a typo disables one engine, not the whole bot.
func filterEngines(engines []search.Engine, enabled []string) []search.Engine {
	if len(enabled) == 0 {
		return engines
	}

	want := make(map[string]bool, len(enabled))
	for _, name := range enabled {
		want[strings.ToLower(strings.TrimSpace(name))] = true
	}

	kept := make([]search.Engine, 0, len(engines))
	for _, engine := range engines {
		if !want[engine.Name()] {
			continue
		}
		delete(want, engine.Name())
		kept = append(kept, engine)
	}
	for name := range want {
		log.Logger.Warn("unknown engine in enabled_engines", zap.String("engine", name))
	}
	return kept
}

// buildRegistry assembles every provider engine from the shared config.
// Keyed providers still register without a key and degrade at search time.
func buildRegistry(ctx context.Context) (*search.Registry, error) {
	client := &http.Client{Timeout: 60 * time.Second}
	uploader := hosting.NewLitterbox(client,
		hosting.WithRetention(gconfig.Shared.GetString("settings.searcher.hosting.retention")))
	dumper := search.NewDumper(gconfig.Shared.GetString("settings.searcher.debug_dir"))

	engines := []search.Engine{
		ascii2d.New(uploader, ascii2d.WithDumper(dumper)),
		iqdb.New(client, iqdb.WithDumper(dumper)),
		tracemoe.New(client,
			tracemoe.WithAPIKey(gconfig.Shared.GetString("settings.searcher.tracemoe.key")),
			tracemoe.WithDumper(dumper)),
		copyseeker.New(client, uploader,
			gconfig.Shared.GetString("settings.searcher.copyseeker.key"),
			copyseeker.WithDumper(dumper)),
		lens.New(uploader,
			gconfig.Shared.GetString("settings.searcher.lens.serpapi_key"),
			gconfig.Shared.GetString("settings.searcher.lens.zenserp_key")),
		yandex.New(client, uploader,
			yandex.WithRegionFailover(
				!gconfig.Shared.GetBool("settings.searcher.yandex.disable_region_failover")),
			yandex.WithDumper(dumper)),
	}

	engines = filterEngines(engines,
		gconfig.Shared.GetStringSlice("settings.searcher.enabled_engines"))
	if len(engines) == 0 {
		return nil, errors.Errorf("no engines enabled")
	}

	throttleCfg := &throttle.SearchThrottleCfg{
		TotalNPerSec:      gconfig.Shared.GetInt("settings.searcher.throttle.total_n_per_sec"),
		TotalBurst:        gconfig.Shared.GetInt("settings.searcher.throttle.total_burst"),
		EachEngineNPerSec: gconfig.Shared.GetInt("settings.searcher.throttle.each_engine_n_per_sec"),
		EachEngineBurst:   gconfig.Shared.GetInt("settings.searcher.throttle.each_engine_burst"),
	}
	if throttleCfg.TotalNPerSec <= 0 {
		throttleCfg = &throttle.SearchThrottleCfg{
			TotalNPerSec: 5, TotalBurst: 10,
			EachEngineNPerSec: 1, EachEngineBurst: 3,
		}
	}
	searchThrottle, err := throttle.NewSearchThrottle(ctx, throttleCfg)
	if err != nil {
		return nil, errors.Wrap(err, "new search throttle")
	}

	registry, err := search.NewRegistry(engines, search.WithLimiter(searchThrottle))
	if err != nil {
		return nil, errors.Wrap(err, "new registry")
	}
	return registry, nil
}
