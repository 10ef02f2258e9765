package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/allensfl/coaching-cockpit/internal/cache"
	"github.com/allensfl/coaching-cockpit/internal/coach"
	"github.com/allensfl/coaching-cockpit/internal/config"
	"github.com/allensfl/coaching-cockpit/internal/dialogue"
	"github.com/allensfl/coaching-cockpit/internal/journal"
	"github.com/allensfl/coaching-cockpit/internal/metrics"
	"github.com/allensfl/coaching-cockpit/internal/safety"
	"github.com/allensfl/coaching-cockpit/internal/storage"
)

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <message>",
	Short: "Send one client message to the running server",
	Long: `Send one client message through the coaching orchestrator.

Examples:
  cockpit ask "Ich habe Angst vor der Leere nach der Pensionierung"
  cockpit ask --phase 3 --session sess_42 "Was hat mir früher Energie gegeben?"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		phase, _ := cmd.Flags().GetInt("phase")
		session, _ := cmd.Flags().GetString("session")
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		reply, err := askCoach(cmd.Context(), client, strings.Join(args, " "), phase, session)
		if err != nil {
			return err
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(reply); err != nil {
				return err
			}
		} else {
			printReply(os.Stdout, reply)
		}
		if !reply.Success {
			return fmt.Errorf("coaching request failed: %s", reply.Error)
		}
		return nil
	},
}

// askCoach posts a message to /api/coach. Failed replies carry a JSON body
// too, so the body is decoded regardless of the status code.
func askCoach(ctx context.Context, c *apiClient, message string, phase int, session string) (coach.Reply, error) {
	body := map[string]any{
		"message": message,
		"phase":   phase,
	}
	if session != "" {
		body["sessionId"] = session
	}

	resp, err := c.post(ctx, "/api/coach", body)
	if err != nil {
		return coach.Reply{}, err
	}
	defer resp.Body.Close()

	var reply coach.Reply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return coach.Reply{}, fmt.Errorf("decoding reply (HTTP %d): %w", resp.StatusCode, err)
	}
	return reply, nil
}

func printReply(w io.Writer, r coach.Reply) {
	if !r.Success {
		fmt.Fprintf(w, "%s %s\n", colorize(colorRed, "error:"), r.Error)
		if r.RetryAfter > 0 {
			fmt.Fprintf(w, "  retry after %ds\n", r.RetryAfter)
		}
		if r.Fallback != "" {
			fmt.Fprintf(w, "%s %s\n", colorize(colorBold, "fallback:"), r.Fallback)
		}
		return
	}

	fmt.Fprintln(w, r.Response)
	fmt.Fprintln(w)

	cached := ""
	if r.Cached {
		cached = " (cached)"
	}
	fmt.Fprintf(w, "%s %s  quality %.2f%s\n", colorize(colorCyan, "session"), r.SessionID, r.QualityScore, cached)

	if r.SafetyAlert {
		fmt.Fprintf(w, "%s %s: %s\n", colorize(safetyColor(r.SafetyLevel), "safety"), r.SafetyLevel, r.SafetyMessage)
	}
	if pa := r.PhaseAnalysis; pa != nil && pa.SuggestedPhase != nil {
		fmt.Fprintf(w, "%s phase %d (%s), confidence %.2f\n",
			colorize(colorGreen, "next"), *pa.SuggestedPhase, phaseName(*pa.SuggestedPhase), pa.Confidence)
	}

	names := make([]string, 0, len(r.ExtractedSlots))
	for name := range r.ExtractedSlots {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		s := r.ExtractedSlots[name]
		fmt.Fprintf(w, "  %s = %s (%.2f)\n", colorize(colorBold, name), s.Value, s.Confidence)
	}
}

func phaseName(n int) string {
	if p, ok := dialogue.Lookup(n); ok {
		return p.Name
	}
	return "?"
}

func init() {
	askCmd.Flags().Int("phase", 1, "current coaching phase (1-8)")
	askCmd.Flags().String("session", "", "session identifier (generated by the server when empty)")
	askCmd.Flags().Bool("json", false, "print the raw reply as JSON")
}

// --- metrics ---

type metricsReport struct {
	Summary metrics.Summary  `json:"summary"`
	Recent  []metrics.Record `json:"recent"`
	Cache   cache.Stats      `json:"cache"`
	Journal *journal.Stats   `json:"journal,omitempty"`
}

func fetchMetrics(ctx context.Context, c *apiClient, limit int) (metricsReport, error) {
	var m metricsReport
	err := c.getJSON(ctx, fmt.Sprintf("/api/metrics?limit=%d", limit), &m)
	return m, err
}

// summaryLine renders a summary as "N total (outcome n, ...), avg X ms".
func summaryLine(s metrics.Summary) string {
	outcomes := make([]string, 0, len(s.ByOutcome))
	for o := range s.ByOutcome {
		outcomes = append(outcomes, string(o))
	}
	sort.Strings(outcomes)

	parts := make([]string, 0, len(outcomes))
	for _, o := range outcomes {
		parts = append(parts, fmt.Sprintf("%s %d", o, s.ByOutcome[metrics.Outcome(o)]))
	}
	line := fmt.Sprintf("%d total", s.Total)
	if len(parts) > 0 {
		line += " (" + strings.Join(parts, ", ") + ")"
	}
	return line + fmt.Sprintf(", avg %.0f ms", s.AvgDurationMs)
}

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Show request metrics of the running server",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		m, err := fetchMetrics(cmd.Context(), client, limit)
		if err != nil {
			return err
		}

		printStatus("Requests", "%s", summaryLine(m.Summary))
		printStatus("Cache", "%d entries, %d hits, %d misses, %d evictions",
			m.Cache.Entries, m.Cache.Hits, m.Cache.Misses, m.Cache.Evictions)
		if m.Journal != nil {
			printStatus("Journal", "%d written, %d dropped, %d failed, %d queued",
				m.Journal.Written, m.Journal.Dropped, m.Journal.Failed, m.Journal.Queued)
		}
		for _, r := range m.Recent {
			fmt.Printf("%s  %s  phase %d  %s %5d ms\n",
				colorize(colorCyan, r.RequestID),
				r.Timestamp.Local().Format(time.DateTime),
				r.Phase,
				colorize(outcomeColor(r.Outcome), fmt.Sprintf("%-16s", r.Outcome)),
				r.DurationMs,
			)
		}
		return nil
	},
}

func init() {
	metricsCmd.Flags().Int("limit", 10, "number of recent requests to show")
}

// --- interactions ---

var interactionsCmd = &cobra.Command{
	Use:   "interactions",
	Short: "Browse the interaction journal",
}

func interactionsPath(session string, limit int) string {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if session != "" {
		q.Set("session", session)
	}
	return "/api/interactions?" + q.Encode()
}

func preview(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

var interactionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent interactions",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		session, _ := cmd.Flags().GetString("session")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		var interactions []storage.Interaction
		if err := client.getJSON(cmd.Context(), interactionsPath(session, limit), &interactions); err != nil {
			return err
		}

		if len(interactions) == 0 {
			fmt.Println("No interactions found.")
			return nil
		}

		for _, ix := range interactions {
			level := ""
			if ix.SafetyLevel != "" {
				level = " " + colorize(safetyColor(safety.Level(ix.SafetyLevel)), ix.SafetyLevel)
			}
			fmt.Printf("%s  %s  phase %d  q=%.2f%s  %s\n",
				colorize(colorCyan, shortID(ix.ID)),
				ix.CreatedAt.Local().Format(time.DateTime),
				ix.Phase,
				ix.QualityScore,
				level,
				preview(ix.UserMessage, 80),
			)
		}
		return nil
	},
}

var interactionsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a single interaction",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		var interaction storage.Interaction
		if err := client.getJSON(cmd.Context(), "/api/interactions/"+url.PathEscape(args[0]), &interaction); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(interaction)
	},
}

func init() {
	interactionsListCmd.Flags().Int("limit", 20, "maximum number of interactions to list")
	interactionsListCmd.Flags().String("session", "", "only list interactions of this session")
	interactionsCmd.AddCommand(interactionsListCmd)
	interactionsCmd.AddCommand(interactionsShowCmd)
}

// --- data ---

var dataCmd = &cobra.Command{
	Use:   "data",
	Short: "Manage stored data",
}

// parseAge accepts Go durations plus a day suffix ("30d").
func parseAge(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("invalid age %q", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid age %q", s)
	}
	return d, nil
}

var dataPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete journaled interactions older than a given age",
	RunE: func(cmd *cobra.Command, args []string) error {
		olderThan, _ := cmd.Flags().GetString("older-than")
		confirm, _ := cmd.Flags().GetBool("confirm")

		age, err := parseAge(olderThan)
		if err != nil {
			return err
		}
		cutoff := time.Now().Add(-age)

		if !confirm {
			printWarning("This will delete all interactions before %s. Use --confirm to proceed.",
				cutoff.Local().Format(time.DateTime))
			return nil
		}

		cfg, err := config.Load()
		if err != nil {
			return err
		}

		store, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer store.Close()

		printStep("Deleting interactions before %s...", cutoff.Local().Format(time.DateTime))
		n, err := store.DeleteInteractionsBefore(cmd.Context(), cutoff)
		if err != nil {
			return err
		}

		printSuccess("Deleted %d interactions", n)
		return nil
	},
}

func init() {
	dataPurgeCmd.Flags().String("older-than", "30d", "age threshold, e.g. 72h or 30d")
	dataPurgeCmd.Flags().Bool("confirm", false, "confirm data purge")
	dataCmd.AddCommand(dataPurgeCmd)
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
			source := ""
			if k.FromEnv {
				source = colorize(colorDim, " (from "+k.EnvVar+")")
			}
			fmt.Printf("  %s = %s%s\n", colorize(colorBold, k.Key), k.Value, source)
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
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
}
