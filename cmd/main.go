package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/pprof"
	"os"
	"reflect"
	"syscall"
	"time"

	"github.com/aukilabs/go-tooling/pkg/cli"
	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/events"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/aukilabs/go-tooling/pkg/metrics"
	"github.com/densemesh/densemesh/engine"
	"github.com/densemesh/densemesh/export"
	"github.com/densemesh/densemesh/featureflag"
	densehttp "github.com/densemesh/densemesh/http"
	"github.com/densemesh/densemesh/meshcache"
	"github.com/densemesh/densemesh/models"
	"github.com/densemesh/densemesh/modules"
	"github.com/densemesh/densemesh/modules/meshsync"
	"github.com/densemesh/densemesh/modules/pointcloud"
	"github.com/densemesh/densemesh/smoketest"
	"github.com/densemesh/densemesh/store"
	"github.com/densemesh/densemesh/volume"
	dwebsocket "github.com/densemesh/densemesh/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/encoding/json"
	"golang.org/x/net/websocket"
	"gopkg.in/yaml.v3"
)

var (
	// The Densemesh version number. Set at build.
	version = "v0.1.0"

	infoGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name:        "densemesh_info",
		Help:        "Densemesh information.",
		ConstLabels: prometheus.Labels{"version": version},
	})
)

// This will effectively disable obfuscation of the config struct. Without it, the keys would get obfuscated causing the cli package to generate garbled command-line options.
// https://github.com/burrowers/garble/issues/403
var _ = reflect.TypeOf(config{})

type config struct {
	Addr               string        `cli:""        env:"DENSEMESH_ADDR"                 help:"Listening address for client connections."`
	AdminAddr          string        `cli:""        env:"DENSEMESH_ADMIN_ADDR"           help:"Admin listening address."`
	PublicEndpoint     string        `cli:""        env:"DENSEMESH_PUBLIC_ENDPOINT"      help:"The public endpoint where this server is reachable."`
	LogLevel           string        `cli:""        env:"DENSEMESH_LOG_LEVEL"            help:"Log level (debug|info|warning|error)."`
	LogIndent          bool          `cli:""        env:"DENSEMESH_LOG_INDENT"           help:"Indent logs."`
	AppKeys            []string      `cli:""        env:"DENSEMESH_APP_KEYS"             help:"Comma separated app keys allowed to connect. Empty allows everyone."`
	SyncClockInterval  time.Duration `cli:",hidden" env:"DENSEMESH_SYNC_CLOCK_INTERVAL"  help:"Client sync clock (heartbeat) message interval."`
	ClientIdleTimeout  time.Duration `cli:",hidden" env:"DENSEMESH_CLIENT_IDLE_TIMEOUT"  help:"Time until an idle client will be disconnected"`
	FrameDuration      time.Duration `cli:",hidden" env:"DENSEMESH_FRAME_DURATION"       help:"The duration of a session frame."`
	LogSummaryInterval time.Duration `cli:",hidden" env:"DENSEMESH_LOG_SUMMARY_INTERVAL" help:"The duration between each log summary by connection."`
	FeatureFlags       []string      `cli:",hidden" env:"DENSEMESH_FEATURE_FLAGS"        help:"Comma separated feature flags"`
	CompletionFile     string        `cli:""        env:"DENSEMESH_COMPLETION_FILE"      help:"YAML file overriding the selective completion patterns."`
	StorePath          string        `cli:""        env:"DENSEMESH_STORE_PATH"           help:"SQLite file persisting cell completion state. Empty disables persistence."`
	ExportDir          string        `cli:""        env:"DENSEMESH_EXPORT_DIR"           help:"Directory receiving mesh exports."`
	Volume             volumeConfig  `cli:",hidden" env:"-"                              help:"Volume configuration."`
	Cache              cacheConfig   `cli:",hidden" env:"-"                              help:"Mesh cache configuration."`
	Events             eventsConfig  `cli:",hidden" env:"-"                              help:"Event pusher configuration."`
	Version            bool          `cli:""        env:"-"                              help:"Show version."`
	Help               bool          `cli:""        env:"-"                              help:"Show help."`
}

type volumeConfig struct {
	Dim                int     `cli:",hidden" env:"DENSEMESH_VOLUME_DIM"                 help:"Cells per axis. Must be an even number of at least 2."`
	CellSize           float64 `cli:",hidden" env:"DENSEMESH_VOLUME_CELL_SIZE"           help:"Cell edge length in meters."`
	VoxelsPerAxis      int     `cli:",hidden" env:"DENSEMESH_VOLUME_VOXELS_PER_AXIS"     help:"Voxels per cell axis."`
	OccupancyThreshold float64 `cli:",hidden" env:"DENSEMESH_VOLUME_OCCUPANCY_THRESHOLD" help:"Accumulated weight at which a voxel counts as surface."`
}

type cacheConfig struct {
	Budget              time.Duration `cli:",hidden" env:"DENSEMESH_CACHE_BUDGET"               help:"Per-frame mesh refresh time budget."`
	VertexCapacity      int           `cli:",hidden" env:"DENSEMESH_CACHE_VERTEX_CAPACITY"      help:"Initial vertex buffer capacity per cell."`
	TriangleCapacity    int           `cli:",hidden" env:"DENSEMESH_CACHE_TRIANGLE_CAPACITY"    help:"Initial triangle buffer capacity per cell."`
	GrowthFactor        float64       `cli:",hidden" env:"DENSEMESH_CACHE_GROWTH_FACTOR"        help:"Buffer capacity multiplier applied on growth."`
	SelectiveCompletion bool          `cli:",hidden" env:"DENSEMESH_CACHE_SELECTIVE_COMPLETION" help:"Stop refreshing cells that match a completion pattern."`
}

type eventsConfig struct {
	Endpoint      string        `cli:",hidden" env:"DENSEMESH_EVENTS_ENDPOINT"       help:"Endpoint to where events are pushed. Empty disables the pusher."`
	FlushInterval time.Duration `cli:",hidden" env:"DENSEMESH_EVENTS_FLUSH_INTERVAL" help:"The duration between each event flush."`
	BatchSize     int           `cli:",hidden" env:"DENSEMESH_EVENTS_BATCH_SIZE"     help:"The maximum number of events sent at once."`
	QueueSize     int           `cli:",hidden" env:"DENSEMESH_EVENTS_QUEUE_SIZE"     help:"The size of the queue where events are stored."`
}

func main() {
	conf := config{
		Addr:               ":4000",
		AdminAddr:          ":18190",
		PublicEndpoint:     "http://localhost:4000",
		LogLevel:           logs.InfoLevel.String(),
		SyncClockInterval:  time.Second * 5,
		ClientIdleTimeout:  time.Minute * 5,
		FrameDuration:      time.Millisecond * 15,
		LogSummaryInterval: time.Minute,
		ExportDir:          "exports",
		Volume: volumeConfig{
			Dim:                int(volume.DefaultDim),
			CellSize:           float64(volume.DefaultCellSize),
			VoxelsPerAxis:      int(volume.DefaultVoxelsPerCell),
			OccupancyThreshold: float64(volume.DefaultOccupancyThreshold),
		},
		Cache: cacheConfig{
			SelectiveCompletion: true,
		},
		Events: eventsConfig{
			FlushInterval: events.DefaultFlushInterval,
			BatchSize:     events.DefaultBatchSize,
			QueueSize:     events.DefaultQueueSize,
		},
	}

	// set the information gauge to 1, useful for SUM query
	infoGauge.Set(1)

	ctx, cancel := cli.ContextWithSignals(context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer cancel()

	cli.Register().
		Help("Starts a Densemesh reconstruction server.").
		Options(&conf)
	cli.Load()

	if conf.Version {
		fmt.Println(version)
		os.Exit(0)
	}

	logs.SetLevel(logs.ParseLevel(conf.LogLevel))
	logs.Encoder = json.Marshal
	if conf.LogIndent {
		logs.Encoder = func(v any) ([]byte, error) {
			return json.MarshalIndent(v, "", "  ")
		}
	}

	errors.Encoder = json.Marshal

	if conf.Events.Endpoint != "" {
		eventsPusher := events.Pusher{
			Endpoint:      conf.Events.Endpoint,
			FlushInterval: conf.Events.FlushInterval,
			BatchSize:     conf.Events.BatchSize,
			QueueSize:     conf.Events.QueueSize,
			Transport:     metrics.HTTPTransport(http.DefaultTransport),
		}
		go eventsPusher.Start()
		defer eventsPusher.Close()

		eventsLogger := events.Logger{
			Pusher:           &eventsPusher,
			SDKType:          "densemesh",
			SDKVersionFamily: version,
		}
		logs.SetLogger(eventsLogger.Log)
	}

	grid, err := volume.NewGrid(int32(conf.Volume.Dim), float32(conf.Volume.CellSize))
	if err != nil {
		logs.Fatal(errors.New("invalid volume configuration").Wrap(err))
	}

	completion, err := loadCompletionConfig(conf.CompletionFile)
	if err != nil {
		logs.Fatal(err)
	}

	cacheConf := meshcache.Config{
		Budget:              conf.Cache.Budget,
		VertexCapacity:      conf.Cache.VertexCapacity,
		TriangleCapacity:    conf.Cache.TriangleCapacity,
		GrowthFactor:        conf.Cache.GrowthFactor,
		SelectiveCompletion: conf.Cache.SelectiveCompletion,
		Completion:          completion,
	}

	newVolume := func() (*volume.Tree, *meshcache.Cache) {
		tree := volume.NewTree(grid,
			volume.DefaultCellFactory(int32(conf.Volume.VoxelsPerAxis)),
			float32(conf.Volume.OccupancyThreshold),
		)
		cache := meshcache.New(grid, &engine.VoxelSurfacer{Tree: tree}, nil, cacheConf)
		return tree, cache
	}

	var completions *store.CompletionStore
	if conf.StorePath != "" {
		completions, err = store.Open(conf.StorePath)
		if err != nil {
			logs.Fatal(errors.New("opening completion store failed").
				WithTag("path", conf.StorePath).
				Wrap(err))
		}
		defer completions.Close()
	}

	exportHandler := export.Handler{
		Dir:  conf.ExportDir,
		Jobs: make(chan export.Job, 128),
	}
	exportHandler.HandleExports(ctx)

	appKeys := densehttp.NewAppKeys(conf.AppKeys)
	featureFlags := featureflag.New(conf.FeatureFlags)
	sessions := models.SessionStore{}

	var smokeTestAppKey string
	if len(conf.AppKeys) != 0 {
		smokeTestAppKey = conf.AppKeys[0]
	}

	var service http.ServeMux
	service.Handle("/health", densehttp.HandleWithCORS(http.HandlerFunc(densehttp.HandleHealthCheck)))
	service.Handle("/ready", densehttp.HandleWithCORS(densehttp.HandleReadyCheck(func() bool {
		return true
	})))
	service.Handle("/version", densehttp.HandleWithCORS(densehttp.HandleVersion(version)))

	service.HandleFunc("/smoke-test", densehttp.VerifyAppKeyHandler(appKeys,
		smoketest.HandleSmokeTest(ctx, smoketest.Options{
			Endpoint: conf.PublicEndpoint,
			AppKey:   smokeTestAppKey,
			SendResult: func(_ context.Context, res smoketest.Results) error {
				logs.WithTag("endpoint", res.Endpoint).
					WithTag("session_id", res.SessionID).
					WithTag("join_latency_ms", res.JoinLatencyMS).
					WithTag("mesh_latency_ms", res.MeshLatencyMS).
					WithTag("mesh_received", res.MeshReceived).
					WithTag("error", res.Error).
					Info("smoke test completed")
				return nil
			},
		})))

	service.Handle("/", densehttp.HandleWithCORS(websocket.Server{
		Handshake: densehttp.VerifyAppKey(appKeys),
		Handler: func(conn *websocket.Conn) {
			defer conn.Close()

			var rh dwebsocket.Handler = &dwebsocket.RealtimeHandler{
				ClientSyncClockInterval: conf.SyncClockInterval,
				ClientIdleTimeout:       conf.ClientIdleTimeout,
				FrameDuration:           conf.FrameDuration,
				Sessions:                &sessions,
				NewVolume:               newVolume,
				Modules: []modules.Module{
					&pointcloud.Module{},
					&meshsync.Module{
						Exports:      exportHandler.Jobs,
						Store:        completions,
						FeatureFlags: featureFlags,
					},
				},
				FeatureFlags: featureFlags,
			}
			h := dwebsocket.HandlerWithLogs(rh, conf.LogSummaryInterval)
			h = dwebsocket.HandlerWithMetrics(h, conf.PublicEndpoint)
			defer h.Close()

			dwebsocket.Handle(ctx, conn, h)
		},
	}))

	service.Handle("/ping", websocket.Server{
		Handler: func(ws *websocket.Conn) {
			defer ws.Close()
			io.Copy(ws, ws)
		},
	})

	var admin http.ServeMux
	admin.Handle("/metrics", promhttp.Handler())
	admin.HandleFunc("/health", densehttp.HandleHealthCheck)
	admin.HandleFunc("/debug/pprof/", pprof.Index)
	admin.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	admin.HandleFunc("/debug/pprof/profile", pprof.Profile)
	admin.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	admin.HandleFunc("/debug/pprof/trace", pprof.Trace)
	admin.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
	admin.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	admin.Handle("/debug/pprof/threadcreate", pprof.Handler("threadcreate"))
	admin.Handle("/debug/pprof/block", pprof.Handler("block"))

	logs.WithTag("version", version).
		WithTag("log_level", conf.LogLevel).
		WithTag("endpoint", conf.PublicEndpoint).
		WithTag("feature_flags", featureFlags.Strings()).
		Info("starting densemesh server")

	densehttp.ListenAndServe(ctx,
		&http.Server{Addr: conf.Addr, Handler: metrics.HTTPHandler(&service,
			densehttp.MetricsPathFormatter)},
		&http.Server{Addr: conf.AdminAddr, Handler: &admin},
	)
}

func loadCompletionConfig(path string) (meshcache.CompletionConfig, error) {
	var conf meshcache.CompletionConfig
	if path == "" {
		return conf, nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return conf, errors.New("reading completion file failed").
			WithTag("path", path).
			Wrap(err)
	}
	if err := yaml.Unmarshal(b, &conf); err != nil {
		return conf, errors.New("decoding completion file failed").
			WithTag("path", path).
			Wrap(err)
	}
	return conf, nil
}
