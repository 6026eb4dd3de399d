package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/replikit/sync/internal/realtime/rtserver"
	"github.com/replikit/sync/internal/serverstore/sqlitestore"
	"github.com/replikit/sync/internal/synclog"
	"github.com/replikit/sync/internal/syncconfig"
	"github.com/replikit/sync/internal/syncengine"
	"github.com/replikit/sync/internal/syncschema"
	"github.com/replikit/sync/internal/transport/httpapi"
	"github.com/replikit/sync/internal/uiformat"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := syncconfig.LoadServerConfig()

		schemaPath, _ := cmd.Flags().GetString("schema")
		schema, err := syncschema.Load(schemaPath)
		if err != nil {
			return fmt.Errorf("load schema: %w", err)
		}

		base := synclog.New(synclog.Config{
			Level: synclog.Level(cfg.LogLevel),
			JSON:  strings.EqualFold(cfg.LogFormat, "json"),
		})
		log := synclog.WithComponent(base, "syncd")

		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
		dbPath := filepath.Join(cfg.DataDir, "syncd.sqlite")

		store, err := sqlitestore.Open(dbPath, syncschema.PhysicalTables(schema))
		if err != nil {
			return fmt.Errorf("open server store: %w", err)
		}
		defer store.Close()

		var hub *rtserver.Hub
		if cfg.RealtimeEnabled {
			hub = rtserver.New(base, cfg.HeartbeatInterval, cfg.MaxConnectionsPerUser)
		}

		engine := syncengine.New(store, schema, base, broadcasterOrNil(hub))
		keys := loadAPIKeys()

		srv := httpapi.New(cfg.ListenAddr, engine, hub, keys, base)
		if err := srv.Start(); err != nil {
			return fmt.Errorf("start server: %w", err)
		}
		uiformat.Success("syncd listening on %s (realtime=%v, tables=%d)", cfg.ListenAddr, cfg.RealtimeEnabled, len(schema))
		log.Info().Str("addr", cfg.ListenAddr).Bool("realtime", cfg.RealtimeEnabled).Msg("server started")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		<-ctx.Done()

		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	},
}

// broadcasterOrNil adapts *rtserver.Hub to syncengine.Broadcaster, or
// returns a nil interface when realtime is disabled. syncengine.New
// accepts a nil Broadcaster as "no fan-out".
func broadcasterOrNil(hub *rtserver.Hub) syncengine.Broadcaster {
	if hub == nil {
		return nil
	}
	return hub
}

// loadAPIKeys parses SYNCD_API_KEYS as a comma-separated "key:user" list.
// A deployment without any keys configured gets a single "dev" key mapped
// to "dev-user", so `syncd serve` works out of the box for local trials.
func loadAPIKeys() httpapi.StaticKeyStore {
	keys := httpapi.StaticKeyStore{}
	raw := os.Getenv("SYNCD_API_KEYS")
	if raw == "" {
		keys["dev"] = "dev-user"
		return keys
	}
	for _, pair := range strings.Split(raw, ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), ":", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			continue
		}
		keys[parts[0]] = parts[1]
	}
	return keys
}

func init() {
	serveCmd.Flags().String("schema", "", "path to a JSON sync schema file (defaults to a single built-in \"todos\" table)")
}
