package cli

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/replikit/sync/internal/clientstore/sqlitestore"
	"github.com/replikit/sync/internal/coordinator"
	"github.com/replikit/sync/internal/synclog"
	"github.com/replikit/sync/internal/syncclientengine"
	"github.com/replikit/sync/internal/syncconfig"
	"github.com/replikit/sync/internal/syncschema"
	"github.com/replikit/sync/internal/transport/httpclient"
	"github.com/replikit/sync/internal/uiformat"
)

var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "Manage the local embedded replica",
}

func init() {
	clientCmd.AddCommand(clientInitCmd)
	clientCmd.AddCommand(clientSyncCmd)
	clientCmd.AddCommand(clientPushCmd)
	clientCmd.AddCommand(clientPullCmd)
	clientCmd.AddCommand(clientStatusCmd)

	clientSyncCmd.Flags().Bool("force", false, "sync even if a sync is already in flight")
}

var clientInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Provision a new local replica and its config",
	RunE: func(cmd *cobra.Command, args []string) error {
		serverURL, _ := cmd.Flags().GetString("server")
		apiKey, _ := cmd.Flags().GetString("api-key")
		if apiKey == "" {
			return fmt.Errorf("--api-key is required")
		}

		deviceID, err := syncconfig.GenerateDeviceID()
		if err != nil {
			return fmt.Errorf("generate device id: %w", err)
		}

		cfg := syncconfig.ClientConfig{ServerURL: serverURL}
		if err := syncconfig.SaveClientConfig(cfg); err != nil {
			return fmt.Errorf("save config: %w", err)
		}
		if err := syncconfig.SaveAuth(syncconfig.AuthCredentials{
			APIKey: apiKey, ServerURL: serverURL, DeviceID: deviceID,
		}); err != nil {
			return fmt.Errorf("save auth: %w", err)
		}

		eng, closeFn, err := openClientEngine(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		schemaPath, _ := cmd.Flags().GetString("schema")
		schema, err := syncschema.Load(schemaPath)
		if err != nil {
			return fmt.Errorf("load schema: %w", err)
		}
		if err := eng.Init(context.Background(), syncschema.Tables(schema)); err != nil {
			return fmt.Errorf("init replica: %w", err)
		}

		uiformat.Success("replica initialized: device=%s server=%s", deviceID, serverURL)
		return nil
	},
}

var clientSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Push pending changes and pull remote changes",
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		eng, closeFn, err := openInitializedClient(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		result, err := eng.Sync(context.Background(), force)
		if err != nil {
			uiformat.Error("sync failed: %v", err)
			return err
		}
		uiformat.Success("synced: %d pushed, %d conflicts, %d errors", len(result.Synced), len(result.Conflicts), len(result.Errors))
		return nil
	},
}

var clientPushCmd = &cobra.Command{
	Use:   "push",
	Short: "Run a full sync cycle (push, then pull) and print the push result",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, closeFn, err := openInitializedClient(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		result, err := eng.Sync(context.Background(), true)
		if err != nil {
			uiformat.Error("push failed: %v", err)
			return err
		}
		return uiformat.JSON(result)
	},
}

var clientPullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Run a full sync cycle (push, then pull) to bring in remote changes",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, closeFn, err := openInitializedClient(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		if _, err := eng.Sync(context.Background(), true); err != nil {
			uiformat.Error("pull failed: %v", err)
			return err
		}
		uiformat.Success("pull complete")
		return nil
	},
}

var clientStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the replica's sync status and pending conflicts",
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, closeFn, err := openInitializedClient(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		status, statusErr := eng.Status()
		out := map[string]any{
			"client_id": eng.ClientID(),
			"status":    status,
			"conflicts": len(eng.Conflicts()),
		}
		if statusErr != nil {
			out["last_error"] = statusErr.Error()
		}
		return uiformat.JSON(out)
	},
}

// openClientEngine builds a syncclientengine.Engine from on-disk config and
// auth, wired to the real HTTP transport. The caller still needs to call
// Init before using it for anything but client init itself.
func openClientEngine(cmd *cobra.Command) (*syncclientengine.Engine, func(), error) {
	cfg, err := syncconfig.LoadClientConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	auth, err := syncconfig.LoadAuth()
	if err != nil {
		return nil, nil, fmt.Errorf("load auth: %w", err)
	}
	if auth.APIKey == "" {
		return nil, nil, fmt.Errorf("not authenticated: run `syncd client init --api-key <key>` first")
	}

	dir, err := syncconfig.ConfigDir()
	if err != nil {
		return nil, nil, fmt.Errorf("resolve config dir: %w", err)
	}
	store, err := sqlitestore.Open(filepath.Join(dir, "replica.sqlite"))
	if err != nil {
		return nil, nil, fmt.Errorf("open local store: %w", err)
	}

	resolved := syncconfig.Resolve(cfg)
	remote := httpclient.New(resolved.ServerURL, auth.APIKey)
	base := synclog.New(synclog.Config{Level: synclog.LevelInfo})
	coord := coordinator.New()

	eng := syncclientengine.New(store, remote, resolved, base, coord)
	return eng, func() { store.Close() }, nil
}

// openInitializedClient opens the engine and ensures Init has run, loading
// the schema the replica was provisioned with.
func openInitializedClient(cmd *cobra.Command) (*syncclientengine.Engine, func(), error) {
	eng, closeFn, err := openClientEngine(cmd)
	if err != nil {
		return nil, nil, err
	}
	schemaPath, _ := cmd.Flags().GetString("schema")
	schema, err := syncschema.Load(schemaPath)
	if err != nil {
		closeFn()
		return nil, nil, fmt.Errorf("load schema: %w", err)
	}
	if err := eng.Init(context.Background(), syncschema.Tables(schema)); err != nil {
		closeFn()
		return nil, nil, fmt.Errorf("init replica: %w", err)
	}
	return eng, closeFn, nil
}

func init() {
	clientInitCmd.Flags().String("server", "http://localhost:8089", "sync server base URL")
	clientInitCmd.Flags().String("api-key", "", "bearer API key issued by the server operator")
	for _, c := range []*cobra.Command{clientInitCmd, clientSyncCmd, clientPushCmd, clientPullCmd, clientStatusCmd} {
		c.Flags().String("schema", "", "path to a JSON sync schema file (defaults to a single built-in \"todos\" table)")
	}
}
