package main

import (
	"fmt"
	"net/url"
	"sort"

	"github.com/spf13/cobra"

	"github.com/kalambet/askcache/internal/config"
)

// --- stats ---

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		stats, err := fetchStats(client)
		if err != nil {
			return err
		}

		printStatus("Total entries", "%d", stats.TotalEntries)
		if stats.DurableConnected {
			printStatus("Durable store", "connected")
		} else {
			printStatus("Durable store", "unavailable (memory-only)")
		}

		keys := make([]string, 0, len(stats.Keys))
		for k := range stats.Keys {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			printStatus("  "+k, "%d entries", stats.Keys[k])
		}

		key, _ := cmd.Flags().GetString("key")
		resp, err := client.get(cmd.Context(), "/cache/categories?key="+url.QueryEscape(key))
		if err != nil {
			return err
		}
		var cats map[string]int
		if err := decodeJSON(resp, &cats); err != nil {
			return err
		}
		if len(cats) > 0 {
			fmt.Println()
			names := make([]string, 0, len(cats))
			for name := range cats {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				printStatus(name, "%d entries", cats[name])
			}
		}
		return nil
	},
}

func init() {
	statsCmd.Flags().String("key", "", "cache key to scope category stats to")
}

// --- entries ---

var entriesCmd = &cobra.Command{
	Use:   "entries",
	Short: "Inspect and moderate cached entries",
}

var entriesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cached entries for a key (most flagged first)",
	RunE: func(cmd *cobra.Command, args []string) error {
		key, _ := cmd.Flags().GetString("key")
		if key == "" {
			return fmt.Errorf("--key is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/cache/entries?key="+url.QueryEscape(key))
		if err != nil {
			return err
		}

		var entries []struct {
			ID         int64  `json:"ID"`
			Question   string `json:"Question"`
			Category   string `json:"Category"`
			ServeCount int64  `json:"ServeCount"`
			ThumbsDown int64  `json:"ThumbsDown"`
			Reviewed   bool   `json:"Reviewed"`
		}
		if err := decodeJSON(resp, &entries); err != nil {
			return err
		}

		if len(entries) == 0 {
			fmt.Println("No cached entries found.")
			return nil
		}

		for _, e := range entries {
			question := e.Question
			if len(question) > 80 {
				question = question[:80] + "..."
			}
			flags := ""
			if e.Reviewed {
				flags = " [reviewed]"
			}
			fmt.Printf("%s  served %d, thumbs-down %d%s\n  %s\n",
				colorize(colorCyan, fmt.Sprintf("#%d", e.ID)),
				e.ServeCount, e.ThumbsDown, flags, question)
		}
		return nil
	},
}

var entriesDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a cached entry by id",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, _ := cmd.Flags().GetString("key")
		if key == "" {
			return fmt.Errorf("--key is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/cache/entries/"+args[0]+"?key="+url.QueryEscape(key))
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Deleted entry %s", args[0])
		return nil
	},
}

var entriesReviewCmd = &cobra.Command{
	Use:   "review <id>",
	Short: "Mark a cached entry as reviewed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/cache/entries/"+args[0]+"/reviewed", nil)
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Marked entry %s reviewed", args[0])
		return nil
	},
}

func init() {
	entriesListCmd.Flags().String("key", "", "cache key")
	entriesDeleteCmd.Flags().String("key", "", "cache key the entry belongs to")
	entriesCmd.AddCommand(entriesListCmd)
	entriesCmd.AddCommand(entriesDeleteCmd)
	entriesCmd.AddCommand(entriesReviewCmd)
}

// --- clear ---

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove cached entries",
	Long: `Remove cached entries.

Examples:
  askcache clear --key NAC                  remove all entries for one key
  askcache clear --key NAC --category pay   remove one category under a key
  askcache clear --all --confirm            remove everything`,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, _ := cmd.Flags().GetString("key")
		category, _ := cmd.Flags().GetString("category")
		all, _ := cmd.Flags().GetBool("all")
		confirm, _ := cmd.Flags().GetBool("confirm")

		if key == "" && !all {
			return fmt.Errorf("either --key or --all is required")
		}
		if all && !confirm {
			printWarning("This will delete ALL cached entries under every key. Use --confirm to proceed.")
			return nil
		}
		if category != "" && key == "" {
			return fmt.Errorf("--category requires --key")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := "/cache?key=" + url.QueryEscape(key)
		if category != "" {
			path += "&category=" + url.QueryEscape(category)
		}

		resp, err := client.delete(cmd.Context(), path)
		if err != nil {
			return err
		}
		var result map[string]any
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		switch {
		case category != "":
			printSuccess("Removed %v entries in category %q for %s", result["removed"], category, key)
		case all:
			printSuccess("Cleared all cached entries")
		default:
			printSuccess("Cleared cached entries for %s", key)
		}
		return nil
	},
}

func init() {
	clearCmd.Flags().String("key", "", "cache key to clear")
	clearCmd.Flags().String("category", "", "only remove entries in this category")
	clearCmd.Flags().Bool("all", false, "clear every key")
	clearCmd.Flags().Bool("confirm", false, "confirm a full clear")
}

// --- feedback ---

var feedbackCmd = &cobra.Command{
	Use:   "feedback",
	Short: "Record or inspect feedback on cached answers",
}

var feedbackAddCmd = &cobra.Command{
	Use:   "add <question>",
	Short: "Record feedback against the exact stored question text",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, _ := cmd.Flags().GetString("key")
		if key == "" {
			return fmt.Errorf("--key is required")
		}
		comment, _ := cmd.Flags().GetString("comment")
		thumbsDown, _ := cmd.Flags().GetBool("thumbs-down")

		if comment == "" && !thumbsDown {
			return fmt.Errorf("nothing to record: pass --comment and/or --thumbs-down")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		body := map[string]any{
			"cache_key":   key,
			"question":    args[0],
			"thumbs_down": thumbsDown,
			"comment":     comment,
		}
		resp, err := client.post(cmd.Context(), "/cache/feedback", body)
		if err != nil {
			return err
		}
		var result map[string]bool
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Feedback recorded")
		return nil
	},
}

var feedbackShowCmd = &cobra.Command{
	Use:   "show <question>",
	Short: "List feedback comments for a question, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, _ := cmd.Flags().GetString("key")
		if key == "" {
			return fmt.Errorf("--key is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := "/cache/feedback?key=" + url.QueryEscape(key) + "&question=" + url.QueryEscape(args[0])
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var comments []struct {
			Comment   string `json:"Comment"`
			CreatedAt string `json:"CreatedAt"`
		}
		if err := decodeJSON(resp, &comments); err != nil {
			return err
		}

		if len(comments) == 0 {
			fmt.Println("No feedback found.")
			return nil
		}
		for _, c := range comments {
			fmt.Printf("%s  %s\n", colorize(colorCyan, c.CreatedAt), c.Comment)
		}
		return nil
	},
}

func init() {
	feedbackAddCmd.Flags().String("key", "", "cache key")
	feedbackAddCmd.Flags().String("comment", "", "free-text comment")
	feedbackAddCmd.Flags().Bool("thumbs-down", false, "record a thumbs-down")
	feedbackShowCmd.Flags().String("key", "", "cache key")
	feedbackCmd.AddCommand(feedbackAddCmd)
	feedbackCmd.AddCommand(feedbackShowCmd)
}

// --- metadata ---

var metadataCmd = &cobra.Command{
	Use:   "metadata",
	Short: "Read or write cache metadata keys",
}

var metadataGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Read a metadata value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/cache/metadata/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		fmt.Println(result["value"])
		return nil
	},
}

var metadataSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Write a metadata value (upsert)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.put(cmd.Context(), "/cache/metadata/"+url.PathEscape(args[0]),
			map[string]string{"value": args[1]})
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Set %s = %s", args[0], args[1])
		return nil
	},
}

func init() {
	metadataCmd.AddCommand(metadataGetCmd)
	metadataCmd.AddCommand(metadataSetCmd)
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

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
