package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/scoutd/internal/api"
	"github.com/kalambet/scoutd/internal/config"
	"github.com/kalambet/scoutd/internal/domain"
	"github.com/kalambet/scoutd/internal/profile"
	"github.com/kalambet/scoutd/internal/scan"
)

// --- scan ---

var scanCmd = &cobra.Command{
	Use:   "scan <profile-id>",
	Short: "Run one scan cycle for a profile now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		res, err := runScan(cmd.Context(), client, args[0])
		if err != nil {
			return err
		}
		printScanResult(res)
		if res.Reason != "" && !res.Retryable {
			return fmt.Errorf("scan ended with %s", res.Reason)
		}
		return nil
	},
}

// runScan posts a manual scan. Early terminations come back with a non-2xx
// status but still carry a result body.
func runScan(ctx context.Context, client *apiClient, id string) (scan.Result, error) {
	var res scan.Result
	err := client.call(ctx, http.MethodPost, "/profiles/"+url.PathEscape(id)+"/scan", nil, &res,
		http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable)
	return res, err
}

func printScanResult(res scan.Result) {
	outcome := res.Outcome()
	fmt.Printf("%s  %s\n", colorize(colorBold, res.ProfileID), colorize(outcomeColor(outcome), outcome))
	printStatus("Processed", "%d", res.Processed)
	printStatus("Dispatched", "%d", res.Dispatched)
	printStatus("Elapsed", "%s", res.Elapsed.Round(time.Millisecond))
	if res.HasMorePosts {
		printStatus("More posts", "yes")
	}
	if res.Detail != "" {
		printStatus("Detail", "%s", res.Detail)
	}
	switch {
	case res.RetryAfter > 0:
		printStatus("Retry after", "%s", res.RetryAfter.Round(time.Second))
	case res.EstimatedWaitMinutes > 0:
		printStatus("Next account", "in ~%d min", res.EstimatedWaitMinutes)
	}
}

// --- profiles ---

var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "Manage scan profiles",
}

var profilesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List profiles",
	RunE: func(cmd *cobra.Command, args []string) error {
		active, _ := cmd.Flags().GetBool("active")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path := "/profiles"
		if active {
			path += "?active=true"
		}
		var ps []profile.Profile
		if err := client.call(cmd.Context(), http.MethodGet, path, nil, &ps); err != nil {
			return err
		}
		if len(ps) == 0 {
			fmt.Println("No profiles configured.")
			return nil
		}
		for _, p := range ps {
			fmt.Println(profileLine(p))
		}
		return nil
	},
}

var profilesApplyCmd = &cobra.Command{
	Use:   "apply <file.json>",
	Short: "Create or replace a profile from a JSON file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading file: %w", err)
		}
		var p profile.Profile
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("invalid JSON: %w", err)
		}
		if p.ID == "" {
			return fmt.Errorf("profile id is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var saved profile.Profile
		if err := client.call(cmd.Context(), http.MethodPut, "/profiles/"+url.PathEscape(p.ID), p, &saved); err != nil {
			return err
		}
		printSuccess("Saved profile %s", saved.ID)
		return nil
	},
}

var profilesStateCmd = &cobra.Command{
	Use:   "state <profile-id>",
	Short: "Show the persisted cycle state of a profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var st api.StateView
		if err := client.call(cmd.Context(), http.MethodGet, "/profiles/"+url.PathEscape(args[0])+"/state", nil, &st); err != nil {
			return err
		}
		printStatus("Profile", "%s", st.ProfileID)
		printStatus("Cursor", "%s", orDash(st.Cursor))
		printStatus("Cycle started", "%s", timeOrDash(st.CycleStartedAt))
		printStatus("Last scan", "%s", timeOrDash(st.LastScanAt))
		printStatus("Processed", "%d", st.Processed)
		printStatus("Dispatched", "%d", st.Dispatched)
		return nil
	},
}

func init() {
	profilesListCmd.Flags().Bool("active", false, "only active profiles")
	profilesCmd.AddCommand(profilesListCmd)
	profilesCmd.AddCommand(profilesApplyCmd)
	profilesCmd.AddCommand(profilesStateCmd)
}

func profileLine(p profile.Profile) string {
	state := colorize(colorGreen, "active")
	if !p.IsActive {
		state = colorize(colorYellow, "paused")
	}
	every := "manual"
	if p.IntervalMinutes > 0 {
		every = fmt.Sprintf("every %dm", p.IntervalMinutes)
	}
	return fmt.Sprintf("%s  %s  %s  threshold %d  r/%s",
		colorize(colorCyan, p.ID), state, every, p.Threshold, strings.Join(p.Sources, "+"))
}

// --- resources ---

var resourcesCmd = &cobra.Command{
	Use:   "resources",
	Short: "Manage pooled accounts and API keys",
}

var resourcesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List resources",
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, _ := cmd.Flags().GetString("kind")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path := "/resources"
		if kind != "" {
			path += "?kind=" + url.QueryEscape(kind)
		}
		var rs []api.ResourceView
		if err := client.call(cmd.Context(), http.MethodGet, path, nil, &rs); err != nil {
			return err
		}
		if len(rs) == 0 {
			fmt.Println("No resources found.")
			return nil
		}
		now := time.Now()
		for _, r := range rs {
			fmt.Println(resourceLine(r, now))
		}
		return nil
	},
}

var resourcesAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add an account or API key",
	Long: `Add an account or API key to its pool.

Examples:
  scoutd resources add --kind account --username scout_bot --password-env SCOUT_PW
  scoutd resources add --kind api_key --key-env OPENROUTER_KEY --label backup`,
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := resourceRequestFromFlags(cmd)
		if err != nil {
			return err
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var r api.ResourceView
		if err := client.call(cmd.Context(), http.MethodPost, "/resources", req, &r); err != nil {
			return err
		}
		printSuccess("Added %s %s", r.Kind, r.ID)
		return nil
	},
}

var resourcesSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Release leases held past the lease timeout",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var out map[string]int
		if err := client.call(cmd.Context(), http.MethodPost, "/resources/sweep", nil, &out); err != nil {
			return err
		}
		printSuccess("Released %d stale lease(s)", out["released"])
		return nil
	},
}

func init() {
	resourcesListCmd.Flags().String("kind", "", "only this kind (account or api_key)")

	addResourceFlags(resourcesAddCmd)

	resourcesCmd.AddCommand(resourcesListCmd)
	resourcesCmd.AddCommand(resourcesAddCmd)
	resourcesCmd.AddCommand(resourcesSweepCmd)
}

func addResourceFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("kind", "", "account or api_key")
	f.String("id", "", "resource id (default: generated)")
	f.String("label", "", "free-form label")
	f.String("username", "", "account username")
	f.String("password-env", "", "environment variable holding the account password")
	f.String("client-id", "", "per-account OAuth client id")
	f.String("client-secret-env", "", "environment variable holding the per-account client secret")
	f.String("key-env", "", "environment variable holding the API key")
	f.String("provider", "openrouter", "API key provider")
}

// resourceRequestFromFlags builds the request; secrets are read from named
// environment variables so they stay out of shell history.
func resourceRequestFromFlags(cmd *cobra.Command) (api.ResourceRequest, error) {
	f := cmd.Flags()
	kind, _ := f.GetString("kind")
	id, _ := f.GetString("id")
	label, _ := f.GetString("label")

	var cred any
	switch kind {
	case domain.KindAccount:
		username, _ := f.GetString("username")
		pwEnv, _ := f.GetString("password-env")
		clientID, _ := f.GetString("client-id")
		secretEnv, _ := f.GetString("client-secret-env")
		if username == "" || pwEnv == "" {
			return api.ResourceRequest{}, fmt.Errorf("--username and --password-env are required for accounts")
		}
		password := os.Getenv(pwEnv)
		if password == "" {
			return api.ResourceRequest{}, fmt.Errorf("%s is empty", pwEnv)
		}
		acct := domain.Account{Username: username, Password: password, ClientID: clientID}
		if secretEnv != "" {
			acct.ClientSecret = os.Getenv(secretEnv)
		}
		cred = acct
	case domain.KindAPIKey:
		keyEnv, _ := f.GetString("key-env")
		provider, _ := f.GetString("provider")
		if keyEnv == "" {
			return api.ResourceRequest{}, fmt.Errorf("--key-env is required for api keys")
		}
		key := os.Getenv(keyEnv)
		if key == "" {
			return api.ResourceRequest{}, fmt.Errorf("%s is empty", keyEnv)
		}
		cred = domain.APIKey{Provider: provider, Key: key}
	default:
		return api.ResourceRequest{}, fmt.Errorf("--kind must be %s or %s", domain.KindAccount, domain.KindAPIKey)
	}

	raw, err := json.Marshal(cred)
	if err != nil {
		return api.ResourceRequest{}, err
	}
	return api.ResourceRequest{ID: id, Kind: kind, Label: label, Credential: raw}, nil
}

func resourceLine(r api.ResourceView, now time.Time) string {
	var state string
	switch {
	case !r.Active:
		state = colorize(colorRed, "inactive")
	case r.InUse:
		state = colorize(colorYellow, "leased")
	case r.CooldownUntil != nil && r.CooldownUntil.After(now):
		state = colorize(colorYellow, "cooling "+r.CooldownUntil.Sub(now).Round(time.Second).String())
	default:
		state = colorize(colorGreen, "ready")
	}
	line := fmt.Sprintf("%s  %-8s  %s", colorize(colorCyan, r.ID), r.Kind, state)
	if r.Label != "" {
		line += "  " + r.Label
	}
	if r.ErrorCount > 0 {
		line += fmt.Sprintf("  errors=%d", r.ErrorCount)
	}
	if r.LastError != "" {
		line += "  last: " + r.LastError
	}
	return line
}

// --- actions ---

var actionsCmd = &cobra.Command{
	Use:   "actions",
	Short: "List dispatch records, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		if v, _ := cmd.Flags().GetString("profile"); v != "" {
			q.Set("profile_id", v)
		}
		if v, _ := cmd.Flags().GetString("outcome"); v != "" {
			q.Set("outcome", v)
		}
		limit, _ := cmd.Flags().GetInt("limit")
		q.Set("limit", strconv.Itoa(limit))

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var acts []api.ActionView
		if err := client.call(cmd.Context(), http.MethodGet, "/actions?"+q.Encode(), nil, &acts); err != nil {
			return err
		}
		if len(acts) == 0 {
			fmt.Println("No actions found.")
			return nil
		}
		for _, a := range acts {
			fmt.Printf("%s  %s  %s  %s  %s\n",
				a.CreatedAt.Local().Format(time.DateTime),
				colorize(colorCyan, a.ProfileID),
				a.CandidateID,
				colorize(outcomeColor(a.Outcome), a.Outcome),
				orDash(a.ActionRef),
			)
		}
		return nil
	},
}

func init() {
	actionsCmd.Flags().String("profile", "", "only actions of this profile")
	actionsCmd.Flags().String("outcome", "", "pending, dispatched, skipped or failed")
	actionsCmd.Flags().Int("limit", 20, "maximum number of records")
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

		keys := config.ShowAll(cfg)
		for _, k := range keys {
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
	configCmd.AddCommand(configShowCmd, configSetCmd, configUnsetCmd)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func timeOrDash(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}
