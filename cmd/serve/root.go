package serve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	cmdUtil "github.com/querynest/querynest/cmd/util"
	"github.com/querynest/querynest/lib/config"
	"github.com/querynest/querynest/lib/logging"
	"github.com/querynest/querynest/lib/manager"
	"github.com/querynest/querynest/lib/semantics"
)

// cacheOptimizeInterval is how often expired cache entries are swept in the
// background.
const cacheOptimizeInterval = 10 * time.Minute

var (
	serveCmdConfig *config.Config
	ServeCmd       = &cobra.Command{
		Use:     "serve",
		Short:   "Start the metadata server",
		Long:    `Start the metadata server with the specified configuration. The server scans all configured instances periodically and exposes metadata, health and metrics over HTTP. The configuration can be set via command line flags or environment variables. The format of the environment variables is QUERYNEST_<flag> (e.g. QUERYNEST_SCAN_INTERVAL=30m)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(cmdUtil.InitConfig)

	// add flags
	cmdUtil.SetupScanFlags(ServeCmd)

	key := "endpoint"
	ServeCmd.PersistentFlags().String(key, "0.0.0.0:8080", cmdUtil.WrapString("The address on which the HTTP API will listen"))
}

// processConfig reads the configuration from the command line flags and
// environment variables and converts them to the server configuration
func processConfig(cmd *cobra.Command, _ []string) error {
	if err := cmdUtil.BindCommandFlags(cmd); err != nil {
		return err
	}
	conf, err := cmdUtil.GetConfig()
	if err != nil {
		return err
	}
	serveCmdConfig = conf
	return nil
}

// run starts the metadata server
func run(_ *cobra.Command, _ []string) error {
	log, err := logging.New(serveCmdConfig.LogLevel, false)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	fmt.Println(serveCmdConfig.String())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := cmdUtil.Bootstrap(ctx, serveCmdConfig, log)
	if err != nil {
		return err
	}
	defer app.Close(context.Background())

	// Initial scan so the API serves data right away.
	if _, err := app.Manager.ScanAllInstances(ctx, false); err != nil {
		log.Warn("initial scan could not be fully persisted", zap.Error(err))
	}

	go scanLoop(ctx, app, log)

	server := &http.Server{
		Addr:    serveCmdConfig.Endpoint,
		Handler: newHandler(app),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Info("server listening", zap.String("endpoint", serveCmdConfig.Endpoint))
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// scanLoop runs periodic scans and cache maintenance until the context is
// canceled.
func scanLoop(ctx context.Context, app *cmdUtil.App, log *zap.Logger) {
	scanTicker := time.NewTicker(serveCmdConfig.ScanInterval)
	defer scanTicker.Stop()
	optimizeTicker := time.NewTicker(cacheOptimizeInterval)
	defer optimizeTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-scanTicker.C:
			if _, err := app.Manager.ScanAllInstances(ctx, false); err != nil {
				log.Warn("periodic scan could not be fully persisted", zap.Error(err))
			}
		case <-optimizeTicker.C:
			app.Manager.OptimizeCache()
		}
	}
}

// --------------------------------------------------------------------------
// HTTP API
// --------------------------------------------------------------------------

func newHandler(app *cmdUtil.App) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		health := app.Manager.HealthCheck(r.Context())
		status := http.StatusOK
		if health.Status == manager.StatusUnhealthy {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, health)
	})

	mux.HandleFunc("GET /stats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, app.Manager.GetStats())
	})

	mux.HandleFunc("GET /metrics", func(w http.ResponseWriter, _ *http.Request) {
		metrics.WritePrometheus(w, true)
	})

	mux.HandleFunc("GET /api/instances", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, app.Manager.ListInstances(r.Context()))
	})

	mux.HandleFunc("GET /api/instances/{instance}", func(w http.ResponseWriter, r *http.Request) {
		meta := app.Manager.GetInstanceMetadata(r.Context(), r.PathValue("instance"))
		if meta == nil {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, meta)
	})

	mux.HandleFunc("GET /api/instances/{instance}/databases", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, app.Manager.ListDatabases(r.Context(), r.PathValue("instance")))
	})

	mux.HandleFunc("GET /api/instances/{instance}/databases/{database}", func(w http.ResponseWriter, r *http.Request) {
		meta := app.Manager.GetDatabaseMetadata(r.Context(), r.PathValue("instance"), r.PathValue("database"))
		if meta == nil {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, meta)
	})

	mux.HandleFunc("GET /api/instances/{instance}/databases/{database}/collections", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK,
			app.Manager.ListCollections(r.Context(), r.PathValue("instance"), r.PathValue("database")))
	})

	mux.HandleFunc("GET /api/instances/{instance}/databases/{database}/collections/{collection}", func(w http.ResponseWriter, r *http.Request) {
		meta := app.Manager.GetCollectionMetadata(r.Context(),
			r.PathValue("instance"), r.PathValue("database"), r.PathValue("collection"))
		if meta == nil {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, meta)
	})

	mux.HandleFunc("GET /api/instances/{instance}/history", func(w http.ResponseWriter, r *http.Request) {
		records, err := app.Manager.ScanHistory(r.Context(), r.PathValue("instance"), 0)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, records)
	})

	mux.HandleFunc("POST /api/instances/{instance}/scan", func(w http.ResponseWriter, r *http.Request) {
		force := r.URL.Query().Get("full") == "true"
		result, err := app.Manager.ScanInstance(r.Context(), r.PathValue("instance"), force)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, result)
	})

	// Semantic field routes
	mux.HandleFunc("GET /api/instances/{instance}/databases/{database}/collections/{collection}/semantics",
		func(w http.ResponseWriter, r *http.Request) {
			fields, err := app.Semantics.GetCollectionSemantics(r.Context(),
				r.PathValue("instance"), r.PathValue("database"), r.PathValue("collection"))
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, http.StatusOK, fields)
		})

	mux.HandleFunc("PUT /api/instances/{instance}/databases/{database}/collections/{collection}/semantics/{field}",
		func(w http.ResponseWriter, r *http.Request) {
			var field semantics.SemanticField
			if err := json.NewDecoder(r.Body).Decode(&field); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			key := semantics.FieldKey{
				Instance:   r.PathValue("instance"),
				Database:   r.PathValue("database"),
				Collection: r.PathValue("collection"),
				FieldPath:  r.PathValue("field"),
			}
			conflict, err := app.Semantics.SaveFieldSemantic(r.Context(), key, field)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"saved": true, "conflict": conflict})
		})

	mux.HandleFunc("GET /api/semantics/search", func(w http.ResponseWriter, r *http.Request) {
		query := semantics.SearchQuery{
			Text:       r.URL.Query().Get("q"),
			Instance:   r.URL.Query().Get("instance"),
			Database:   r.URL.Query().Get("database"),
			Collection: r.URL.Query().Get("collection"),
		}
		hits, err := app.Semantics.SearchSemantics(r.Context(), query)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, hits)
	})

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
