package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/twinsync/internal/api"
	"github.com/kalambet/twinsync/internal/config"
	"github.com/kalambet/twinsync/internal/media"
	"github.com/kalambet/twinsync/internal/replication"
	"github.com/kalambet/twinsync/internal/settings"
)

// --- state ---

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Show this node's sync state",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		asJSON, _ := cmd.Flags().GetBool("json")
		return runState(cmd.Context(), client, os.Stdout, asJSON)
	},
}

func init() {
	stateCmd.Flags().Bool("json", false, "print the raw state as JSON")
}

func runState(ctx context.Context, client *apiClient, out io.Writer, asJSON bool) error {
	resp, err := client.get(ctx, "/sync/state")
	if err != nil {
		return err
	}
	var st replication.StateResponse
	if err := decodeJSON(resp, &st); err != nil {
		return err
	}
	if asJSON {
		return printJSON(out, st)
	}

	enabled := colorize(colorGreen, "enabled")
	if !st.SyncEnabled {
		enabled = colorize(colorYellow, "disabled")
	}
	printStatus("Node", "%s", st.NodeID)
	printStatus("Sync", "%s", enabled)
	printStatus("Desktop mode", "%s", st.DesktopMode)
	printStatus("Vault epoch", "%d", st.VaultEpoch)
	printStatus("Last seq", "%d", st.LastSeq)
	printStatus("Pending conflicts", "%d", st.PendingConflicts)
	printStatus("Last push", "seq %d, %s", st.RemoteCursor.LastPushedSeq, ago(st.RemoteCursor.LastPushedAt))
	printStatus("Last pull", "seq %d, %s", st.RemoteCursor.LastPulledSeq, ago(st.RemoteCursor.LastPulledAt))
	printStatus("Last media pull", "%s", ago(st.RemoteCursor.LastMediaAt))
	if st.RemoteCursor.LastError != "" {
		printWarning("last error: %s", st.RemoteCursor.LastError)
	}
	return nil
}

// --- push / pull ---

var pushCmd = &cobra.Command{
	Use:   "push",
	Short: "Push local changes to the peer now",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runPush(cmd.Context(), client)
	},
}

var pullCmd = &cobra.Command{
	Use:   "pull",
	Short: "Pull changes from the peer now",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runPull(cmd.Context(), client)
	},
}

func runPush(ctx context.Context, client *apiClient) error {
	printStep("Pushing to peer...")
	resp, err := client.post(ctx, "/admin/push", nil)
	if err != nil {
		return err
	}
	var report replication.PushReport
	if err := decodeJSON(resp, &report); err != nil {
		return err
	}
	if report.Disabled {
		printWarning("sync is disabled on this node, nothing pushed")
		return nil
	}
	printSuccess("Pushed %d changes (accepted %d, skipped %d, conflicts %d)",
		report.Sent, report.Response.Accepted, report.Response.Skipped, report.Response.Conflicts)
	printStatus("Cursor", "seq %d", report.LastSeq)
	return nil
}

func runPull(ctx context.Context, client *apiClient) error {
	printStep("Pulling from peer...")
	resp, err := client.post(ctx, "/admin/pull", nil)
	if err != nil {
		return err
	}
	var report replication.PullReport
	if err := decodeJSON(resp, &report); err != nil {
		return err
	}
	printSuccess("Received %d changes (accepted %d, skipped %d, conflicts %d)",
		report.Received, report.Result.Accepted, report.Result.Skipped, report.Result.Conflicts)
	printStatus("Cursor", "seq %d", report.LastSeq)
	if report.Result.Conflicts > 0 {
		printWarning("%d conflicts need review: twinsync conflicts list", report.Result.Conflicts)
	}
	return nil
}

// --- conflicts ---

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "Review parked conflicts",
}

var conflictsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conflicts",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runConflictsList(cmd.Context(), client, os.Stdout, status, limit)
	},
}

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve <id>",
	Short: "Mark a conflict resolved or dismissed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dismiss, _ := cmd.Flags().GetBool("dismiss")
		note, _ := cmd.Flags().GetString("note")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runConflictResolve(cmd.Context(), client, args[0], dismiss, note)
	},
}

func init() {
	conflictsListCmd.Flags().String("status", "pending", "filter by status (pending, resolved, dismissed, all)")
	conflictsListCmd.Flags().Int("limit", 20, "maximum conflicts to list")
	conflictsResolveCmd.Flags().Bool("dismiss", false, "dismiss instead of resolving")
	conflictsResolveCmd.Flags().String("note", "", "note to store with the resolution")
	conflictsCmd.AddCommand(conflictsListCmd)
	conflictsCmd.AddCommand(conflictsResolveCmd)
}

func runConflictsList(ctx context.Context, client *apiClient, out io.Writer, status string, limit int) error {
	q := url.Values{}
	q.Set("status", status)
	q.Set("limit", strconv.Itoa(limit))
	resp, err := client.get(ctx, "/admin/conflicts?"+q.Encode())
	if err != nil {
		return err
	}
	var conflicts []api.ConflictView
	if err := decodeJSON(resp, &conflicts); err != nil {
		return err
	}
	if len(conflicts) == 0 {
		printSuccess("No %s conflicts", status)
		return nil
	}

	rows := make([][]string, len(conflicts))
	for i, c := range conflicts {
		rows[i] = []string{c.ID, c.ModelLabel, c.ObjectPK, c.Reason, c.Status, c.CreatedAt}
	}
	printTable(out, []string{"ID", "Model", "PK", "Reason", "Status", "Created"}, rows)
	return nil
}

func runConflictResolve(ctx context.Context, client *apiClient, id string, dismiss bool, note string) error {
	req := api.ResolveRequest{Status: "resolved", Note: note}
	if dismiss {
		req.Status = "dismissed"
	}
	resp, err := client.post(ctx, "/admin/conflicts/"+url.PathEscape(id)+"/resolve", req)
	if err != nil {
		return err
	}
	var c api.ConflictView
	if err := decodeJSON(resp, &c); err != nil {
		return err
	}
	printSuccess("Conflict %s %s", c.ID, c.Status)
	return nil
}

// --- media ---

var mediaCmd = &cobra.Command{
	Use:   "media",
	Short: "Inspect and refresh the media manifest",
}

var mediaRefreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Rescan the media root now",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runMediaRefresh(cmd.Context(), client)
	},
}

var mediaManifestCmd = &cobra.Command{
	Use:   "manifest",
	Short: "List manifest entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runMediaManifest(cmd.Context(), client, os.Stdout, limit)
	},
}

func init() {
	mediaManifestCmd.Flags().Int("limit", 50, "maximum entries to list")
	mediaCmd.AddCommand(mediaRefreshCmd)
	mediaCmd.AddCommand(mediaManifestCmd)
}

func runMediaRefresh(ctx context.Context, client *apiClient) error {
	resp, err := client.post(ctx, "/admin/media/refresh", nil)
	if err != nil {
		return err
	}
	var stats media.RefreshStats
	if err := decodeJSON(resp, &stats); err != nil {
		return err
	}
	printSuccess("Scanned %d files, %d updated", stats.Scanned, stats.Updated)
	return nil
}

func runMediaManifest(ctx context.Context, client *apiClient, out io.Writer, limit int) error {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("refresh", "false")
	resp, err := client.get(ctx, "/sync/media/manifest?"+q.Encode())
	if err != nil {
		return err
	}
	var manifest media.ManifestResponse
	if err := decodeJSON(resp, &manifest); err != nil {
		return err
	}
	if manifest.Count == 0 {
		printSuccess("Manifest is empty")
		return nil
	}

	rows := make([][]string, len(manifest.Items))
	for i, it := range manifest.Items {
		sum := it.Checksum
		if len(sum) > 12 {
			sum = sum[:12]
		}
		rows[i] = []string{it.Path, bytesForDisplay(it.Size), sum, it.SourceNode, it.UpdatedAt}
	}
	printTable(out, []string{"Path", "Size", "Checksum", "Source", "Updated"}, rows)
	return nil
}

// --- bootstrap / epoch ---

var bootstrapCmd = &cobra.Command{
	Use:   "bootstrap",
	Short: "Seed the changelog from existing records",
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runBootstrap(cmd.Context(), client, force)
	},
}

var epochCmd = &cobra.Command{
	Use:   "epoch",
	Short: "Manage the vault epoch",
}

var epochBumpCmd = &cobra.Command{
	Use:   "bump",
	Short: "Start a new vault epoch and re-seed replication",
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			return fmt.Errorf("bumping the epoch resets replication cursors and the media manifest; re-run with --confirm")
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runEpochBump(cmd.Context(), client)
	},
}

func init() {
	bootstrapCmd.Flags().Bool("force", false, "seed even if the changelog already has entries")
	epochBumpCmd.Flags().Bool("confirm", false, "confirm the epoch bump")
	epochCmd.AddCommand(epochBumpCmd)
}

func runBootstrap(ctx context.Context, client *apiClient, force bool) error {
	resp, err := client.post(ctx, "/admin/bootstrap", api.BootstrapRequest{Force: force})
	if err != nil {
		return err
	}
	var result api.BootstrapResponse
	if err := decodeJSON(resp, &result); err != nil {
		return err
	}
	if result.Entries == 0 {
		printWarning("Changelog already populated, nothing seeded (use --force to reseed)")
		return nil
	}
	printSuccess("Seeded %d changelog entries", result.Entries)
	return nil
}

func runEpochBump(ctx context.Context, client *apiClient) error {
	resp, err := client.post(ctx, "/admin/epoch", nil)
	if err != nil {
		return err
	}
	var result api.EpochResponse
	if err := decodeJSON(resp, &result); err != nil {
		return err
	}
	printSuccess("Vault epoch is now %d", result.Settings.VaultEpoch)
	printStatus("Seeded", "%d changelog entries", result.Bootstrapped)
	return nil
}

// --- settings ---

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Show or change replicated sync settings",
}

var settingsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show sync settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runSettingsShow(cmd.Context(), client)
	},
}

var settingsEnableCmd = &cobra.Command{
	Use:   "enable",
	Short: "Enable publishing of local changes",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		enabled := true
		return runSettingsPatch(cmd.Context(), client, api.SettingsPatch{Enabled: &enabled})
	},
}

var settingsDisableCmd = &cobra.Command{
	Use:   "disable",
	Short: "Stop publishing local changes",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		enabled := false
		return runSettingsPatch(cmd.Context(), client, api.SettingsPatch{Enabled: &enabled})
	},
}

var settingsModeCmd = &cobra.Command{
	Use:   "mode <" + settings.ModeLocalPrimary + "|" + settings.ModeRemotePrimary + ">",
	Short: "Set the desktop mode",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mode := args[0]
		if !settings.ValidMode(mode) {
			return fmt.Errorf("invalid mode %q: want %s or %s", mode, settings.ModeLocalPrimary, settings.ModeRemotePrimary)
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runSettingsPatch(cmd.Context(), client, api.SettingsPatch{DesktopMode: &mode})
	},
}

func init() {
	settingsCmd.AddCommand(settingsShowCmd)
	settingsCmd.AddCommand(settingsEnableCmd)
	settingsCmd.AddCommand(settingsDisableCmd)
	settingsCmd.AddCommand(settingsModeCmd)
}

func printSettings(s settings.Settings) {
	printStatus("Enabled", "%t", s.Enabled)
	printStatus("Desktop mode", "%s", s.DesktopMode)
	printStatus("Vault epoch", "%d", s.VaultEpoch)
	if !s.UpdatedAt.IsZero() {
		printStatus("Updated", "%s", s.UpdatedAt.Format(time.RFC3339))
	}
}

func runSettingsShow(ctx context.Context, client *apiClient) error {
	resp, err := client.get(ctx, "/admin/settings")
	if err != nil {
		return err
	}
	var s settings.Settings
	if err := decodeJSON(resp, &s); err != nil {
		return err
	}
	printSettings(s)
	return nil
}

func runSettingsPatch(ctx context.Context, client *apiClient, patch api.SettingsPatch) error {
	resp, err := client.patch(ctx, "/admin/settings", patch)
	if err != nil {
		return err
	}
	var s settings.Settings
	if err := decodeJSON(resp, &s); err != nil {
		return err
	}
	printSuccess("Settings updated")
	printSettings(s)
	return nil
}

// --- token ---

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage service tokens",
}

var tokenIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Issue a signed token for a peer or service",
	RunE: func(cmd *cobra.Command, args []string) error {
		subject, _ := cmd.Flags().GetString("subject")
		role, _ := cmd.Flags().GetString("role")
		ttl, _ := cmd.Flags().GetDuration("ttl")

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		return issueToken(os.Stdout, cfg.Auth.SharedSecret, subject, role, ttl)
	},
}

func init() {
	tokenIssueCmd.Flags().String("subject", "peer", "token subject")
	tokenIssueCmd.Flags().String("role", api.RoleService, "token role ("+api.RoleService+" or "+api.RoleAdmin+")")
	tokenIssueCmd.Flags().Duration("ttl", 720*time.Hour, "token lifetime")
	tokenCmd.AddCommand(tokenIssueCmd)
}

func issueToken(out io.Writer, secret, subject, role string, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("ttl must be positive")
	}
	token, err := api.NewAuthenticator(secret).IssueToken(subject, role, ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, token)
	return nil
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := config.SetKey(key, value); err != nil {
			return err
		}
		if isSecretKey(key) {
			printSuccess("Stored %s in the secret store", key)
			return nil
		}
		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a configuration value so its default applies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
}

func isSecretKey(key string) bool {
	for _, k := range config.ValidKeys() {
		if k == key {
			return false
		}
	}
	return true
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
