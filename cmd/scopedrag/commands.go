package main

import (
	"encoding/base64"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/scopedrag/internal/config"
	"github.com/kalambet/scopedrag/internal/eval"
	"github.com/kalambet/scopedrag/internal/extract"
	"github.com/kalambet/scopedrag/internal/retrieval"
	"github.com/kalambet/scopedrag/internal/storage"
)

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// contentTypeFor maps a file extension to a memo content type.
func contentTypeFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown":
		return extract.TypeMarkdown
	case ".html", ".htm":
		return extract.TypeHTML
	case ".pdf":
		return extract.TypePDF
	default:
		return extract.TypeText
	}
}

// --- project ---

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Manage projects",
}

var projectCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetString("id")
		rewrite, _ := cmd.Flags().GetBool("rewrite")
		topK, _ := cmd.Flags().GetInt("top-k")

		req := map[string]any{
			"id":                    id,
			"name":                  args[0],
			"query_rewrite_enabled": rewrite,
		}
		if topK > 0 {
			req["rag_config"] = storage.RAGConfig{TopK: topK}
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/projects", req)
		if err != nil {
			return err
		}
		var p storage.Project
		if err := decodeJSON(resp, &p); err != nil {
			return err
		}
		printSuccess("Created project %s (%s)", p.ID, p.Name)
		return nil
	},
}

var projectShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a project as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/projects/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var p any
		if err := decodeJSON(resp, &p); err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), p)
	},
}

var projectUpdateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Update a project's name or rewrite setting",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := map[string]any{}
		if cmd.Flags().Changed("name") {
			name, _ := cmd.Flags().GetString("name")
			req["name"] = name
		}
		if cmd.Flags().Changed("rewrite") {
			rewrite, _ := cmd.Flags().GetBool("rewrite")
			req["query_rewrite_enabled"] = rewrite
		}
		if len(req) == 0 {
			return fmt.Errorf("nothing to update: pass --name or --rewrite")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.patch(cmd.Context(), "/projects/"+url.PathEscape(args[0]), req)
		if err != nil {
			return err
		}
		var p storage.Project
		if err := decodeJSON(resp, &p); err != nil {
			return err
		}
		printSuccess("Updated project %s", p.ID)
		return nil
	},
}

var projectDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a project and its memos",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/projects/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Deleted project %s", args[0])
		return nil
	},
}

var projectStatsCmd = &cobra.Command{
	Use:   "stats <id>",
	Short: "Show memo counts by status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/projects/"+url.PathEscape(args[0])+"/stats")
		if err != nil {
			return err
		}
		var stats struct {
			Memos map[string]int `json:"memos"`
		}
		if err := decodeJSON(resp, &stats); err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, s := range []storage.MemoStatus{storage.StatusPending, storage.StatusProcessing, storage.StatusProcessed, storage.StatusFailed} {
			fmt.Fprintf(out, "  %-11s %d\n", s, stats.Memos[string(s)])
		}
		return nil
	},
}

func init() {
	projectCreateCmd.Flags().String("id", "", "project id (default: generated)")
	projectCreateCmd.Flags().Bool("rewrite", false, "enable query rewriting")
	projectCreateCmd.Flags().Int("top-k", 0, "default number of results")
	projectUpdateCmd.Flags().String("name", "", "new project name")
	projectUpdateCmd.Flags().Bool("rewrite", false, "enable or disable query rewriting")

	projectCmd.AddCommand(projectCreateCmd)
	projectCmd.AddCommand(projectShowCmd)
	projectCmd.AddCommand(projectUpdateCmd)
	projectCmd.AddCommand(projectDeleteCmd)
	projectCmd.AddCommand(projectStatsCmd)
}

// --- ingest ---

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Submit a memo for processing",
	Long: `Submit a memo for processing.

Examples:
  scopedrag ingest --project acme --text "Payroll runs on the 25th" --scopes hr
  scopedrag ingest --project acme --file ./handbook.md
  scopedrag ingest --project acme --file ./policy.pdf --external-id policy-2024`,
	RunE: func(cmd *cobra.Command, args []string) error {
		project, _ := cmd.Flags().GetString("project")
		text, _ := cmd.Flags().GetString("text")
		file, _ := cmd.Flags().GetString("file")
		contentType, _ := cmd.Flags().GetString("type")
		externalID, _ := cmd.Flags().GetString("external-id")
		scopes, _ := cmd.Flags().GetString("scopes")

		if project == "" {
			return fmt.Errorf("--project is required")
		}
		if text == "" && file == "" {
			return fmt.Errorf("one of --text or --file is required")
		}

		var content string
		switch {
		case text != "":
			content = text
			if contentType == "" {
				contentType = extract.TypeText
			}
		default:
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("reading file: %w", err)
			}
			if contentType == "" {
				contentType = contentTypeFor(file)
			}
			if contentType == extract.TypePDF {
				content = base64.StdEncoding.EncodeToString(data)
			} else {
				content = string(data)
			}
		}

		req := map[string]any{
			"content":      content,
			"content_type": contentType,
		}
		if externalID != "" {
			req["external_id"] = externalID
		}
		if s := splitList(scopes); s != nil {
			req["scopes"] = s
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/projects/"+url.PathEscape(project)+"/memos", req)
		if err != nil {
			return err
		}
		var result struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if result.Status != string(storage.StatusPending) {
			printWarning("Memo %s already exists (%s)", result.ID, result.Status)
			return nil
		}
		printSuccess("Queued memo %s", result.ID)
		return nil
	},
}

func init() {
	ingestCmd.Flags().String("project", "", "project id")
	ingestCmd.Flags().String("text", "", "text content to submit")
	ingestCmd.Flags().String("file", "", "file path to submit")
	ingestCmd.Flags().String("type", "", "content type: text, markdown, html or pdf (default: from file extension)")
	ingestCmd.Flags().String("external-id", "", "caller-supplied id for idempotent resubmission")
	ingestCmd.Flags().String("scopes", "", "comma-separated scopes")
}

// --- memo ---

var memoCmd = &cobra.Command{
	Use:   "memo",
	Short: "Inspect and manage memos",
}

var memoShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a memo as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/memos/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var m any
		if err := decodeJSON(resp, &m); err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), m)
	},
}

var memoListCmd = &cobra.Command{
	Use:   "list",
	Short: "List memos in a project",
	RunE: func(cmd *cobra.Command, args []string) error {
		project, _ := cmd.Flags().GetString("project")
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")
		if project == "" {
			return fmt.Errorf("--project is required")
		}

		q := url.Values{}
		q.Set("limit", fmt.Sprint(limit))
		q.Set("offset", fmt.Sprint(offset))
		if status != "" {
			q.Set("status", status)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/projects/"+url.PathEscape(project)+"/memos?"+q.Encode())
		if err != nil {
			return err
		}
		var memos []storage.Memo
		if err := decodeJSON(resp, &memos); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(memos) == 0 {
			fmt.Fprintln(out, "No memos.")
			return nil
		}
		for _, m := range memos {
			scopes := "-"
			if len(m.Scopes) > 0 {
				scopes = strings.Join(m.Scopes, ",")
			}
			line := fmt.Sprintf("%s  %-10s  attempts=%d  scopes=%s", m.ID, m.Status, m.Attempts, scopes)
			if m.Status == storage.StatusFailed {
				line = colorize(colorRed, line)
			}
			fmt.Fprintln(out, line)
		}
		return nil
	},
}

var memoReprocessCmd = &cobra.Command{
	Use:   "reprocess <id>",
	Short: "Queue a processed or failed memo for processing again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/memos/"+url.PathEscape(args[0])+"/reprocess", nil)
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Requeued memo %s", args[0])
		return nil
	},
}

var memoScopesCmd = &cobra.Command{
	Use:   "scopes <id> <scope,...>",
	Short: "Replace a memo's scopes (pass \"\" to make it unscoped)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		scopes := splitList(args[1])
		if scopes == nil {
			scopes = []string{}
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.put(cmd.Context(), "/memos/"+url.PathEscape(args[0])+"/scopes", map[string]any{"scopes": scopes})
		if err != nil {
			return err
		}
		var m storage.Memo
		if err := decodeJSON(resp, &m); err != nil {
			return err
		}
		printSuccess("Memo %s scopes: [%s]", m.ID, strings.Join(m.Scopes, ", "))
		return nil
	},
}

var memoDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a memo and its index entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/memos/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Deleted memo %s", args[0])
		return nil
	},
}

func init() {
	memoListCmd.Flags().String("project", "", "project id")
	memoListCmd.Flags().String("status", "", "filter by status: pending, processing, processed or failed")
	memoListCmd.Flags().Int("limit", 20, "maximum memos to list")
	memoListCmd.Flags().Int("offset", 0, "memos to skip")

	memoCmd.AddCommand(memoShowCmd)
	memoCmd.AddCommand(memoListCmd)
	memoCmd.AddCommand(memoReprocessCmd)
	memoCmd.AddCommand(memoScopesCmd)
	memoCmd.AddCommand(memoDeleteCmd)
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Retrieve memos visible to the given scopes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		project, _ := cmd.Flags().GetString("project")
		scopes, _ := cmd.Flags().GetString("scopes")
		topK, _ := cmd.Flags().GetInt("top-k")
		asJSON, _ := cmd.Flags().GetBool("json")
		if project == "" {
			return fmt.Errorf("--project is required")
		}

		req := retrieval.Request{
			Query:  args[0],
			Scopes: splitList(scopes),
			TopK:   topK,
		}
		if cmd.Flags().Changed("rewrite") {
			rewrite, _ := cmd.Flags().GetBool("rewrite")
			req.Rewrite = &rewrite
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/projects/"+url.PathEscape(project)+"/retrieve", req)
		if err != nil {
			return err
		}
		var result retrieval.Response
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if asJSON {
			return printJSON(out, result)
		}
		if result.RewrittenQuery != "" && result.RewrittenQuery != result.Query {
			printStatus("Rewritten", "%s", result.RewrittenQuery)
		}
		if result.RewriteDegraded {
			printWarning("query rewrite unavailable, searched the original query")
		}
		if len(result.Hits) == 0 {
			fmt.Fprintln(out, "No results.")
			return nil
		}
		for i, h := range result.Hits {
			fmt.Fprintf(out, "%d. %s  %s\n", i+1, colorize(colorBold, h.MemoID), colorize(colorCyan, fmt.Sprintf("%.3f", h.Score)))
			fmt.Fprintf(out, "   %s\n", h.Snippet)
		}
		return nil
	},
}

func init() {
	searchCmd.Flags().String("project", "", "project id")
	searchCmd.Flags().String("scopes", "", "comma-separated scopes the caller may see")
	searchCmd.Flags().Int("top-k", 0, "number of results (default: project setting)")
	searchCmd.Flags().Bool("rewrite", false, "force query rewriting on or off")
	searchCmd.Flags().Bool("json", false, "print the raw response")
}

// --- dataset ---

var datasetCmd = &cobra.Command{
	Use:   "dataset",
	Short: "Manage evaluation datasets",
}

var datasetImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Import a YAML dataset into a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		project, _ := cmd.Flags().GetString("project")
		if project == "" {
			return fmt.Errorf("--project is required")
		}
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("opening dataset: %w", err)
		}
		defer f.Close()

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.send(cmd.Context(), "POST", "/projects/"+url.PathEscape(project)+"/datasets", "application/yaml", f)
		if err != nil {
			return err
		}
		var result struct {
			storage.EvaluationDataset
			Cases []storage.EvaluationCase `json:"cases"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Imported dataset %s (%s, %d cases)", result.ID, result.Name, len(result.Cases))
		return nil
	},
}

var datasetExportCmd = &cobra.Command{
	Use:   "export <id>",
	Short: "Write a dataset as YAML",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/datasets/"+url.PathEscape(args[0])+"?format=yaml")
		if err != nil {
			return err
		}

		var w io.Writer = cmd.OutOrStdout()
		if output != "" {
			f, err := os.Create(output)
			if err != nil {
				resp.Body.Close()
				return fmt.Errorf("creating output file: %w", err)
			}
			defer f.Close()
			w = f
		}
		if err := copyBody(resp, w); err != nil {
			return err
		}
		if output != "" {
			printSuccess("Dataset exported to %s", output)
		}
		return nil
	},
}

var datasetShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a dataset and its cases as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/datasets/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var d any
		if err := decodeJSON(resp, &d); err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), d)
	},
}

var datasetListCmd = &cobra.Command{
	Use:   "list",
	Short: "List datasets in a project",
	RunE: func(cmd *cobra.Command, args []string) error {
		project, _ := cmd.Flags().GetString("project")
		if project == "" {
			return fmt.Errorf("--project is required")
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/projects/"+url.PathEscape(project)+"/datasets")
		if err != nil {
			return err
		}
		var datasets []storage.EvaluationDataset
		if err := decodeJSON(resp, &datasets); err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(datasets) == 0 {
			fmt.Fprintln(out, "No datasets.")
			return nil
		}
		for _, d := range datasets {
			fmt.Fprintf(out, "%s  %s\n", d.ID, d.Name)
		}
		return nil
	},
}

var datasetDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a dataset, its cases and stored runs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/datasets/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Deleted dataset %s", args[0])
		return nil
	},
}

func init() {
	datasetImportCmd.Flags().String("project", "", "project id")
	datasetExportCmd.Flags().String("output", "", "output file path (default: stdout)")
	datasetListCmd.Flags().String("project", "", "project id")

	datasetCmd.AddCommand(datasetImportCmd)
	datasetCmd.AddCommand(datasetExportCmd)
	datasetCmd.AddCommand(datasetShowCmd)
	datasetCmd.AddCommand(datasetListCmd)
	datasetCmd.AddCommand(datasetDeleteCmd)
}

// --- eval ---

var evalCmd = &cobra.Command{
	Use:   "eval",
	Short: "Run and inspect retrieval evaluations",
}

func pipelineFromFlags(cmd *cobra.Command) eval.PipelineConfig {
	rewrite, _ := cmd.Flags().GetBool("rewrite")
	topK, _ := cmd.Flags().GetInt("top-k")
	metrics, _ := cmd.Flags().GetString("metrics")
	persist, _ := cmd.Flags().GetBool("persist")
	return eval.PipelineConfig{
		Rewrite: rewrite,
		TopK:    topK,
		Metrics: splitList(metrics),
		Persist: persist,
	}
}

func startRun(cmd *cobra.Command, client *apiClient, datasetID string, cfg eval.PipelineConfig) (eval.Run, error) {
	var run eval.Run
	resp, err := client.post(cmd.Context(), "/datasets/"+url.PathEscape(datasetID)+"/runs", cfg)
	if err != nil {
		return run, err
	}
	err = decodeJSON(resp, &run)
	return run, err
}

func sortedMetrics(agg map[string]float64) []string {
	names := make([]string, 0, len(agg))
	for name := range agg {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func printRunSummary(w io.Writer, run eval.Run) {
	status := string(run.Status)
	if run.Status == eval.StatusPartial {
		status = colorize(colorYellow, status)
	}
	fmt.Fprintf(w, "Run %s  %s  rewrite=%t  cases=%d scored=%d failed=%d\n",
		run.ID, status, run.Config.Rewrite, run.CasesTotal, run.CasesScored, run.CasesFailed)
	for _, name := range sortedMetrics(run.Aggregate) {
		fmt.Fprintf(w, "  %-14s %.4f\n", name, run.Aggregate[name])
	}
}

var evalRunCmd = &cobra.Command{
	Use:   "run <dataset-id>",
	Short: "Evaluate retrieval against a dataset",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		run, err := startRun(cmd, client, args[0], pipelineFromFlags(cmd))
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(cmd.OutOrStdout(), run)
		}
		printRunSummary(cmd.OutOrStdout(), run)
		return nil
	},
}

var evalCompareCmd = &cobra.Command{
	Use:   "compare <dataset-id>",
	Short: "Compare retrieval with and without query rewriting",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		cfg := pipelineFromFlags(cmd)
		cfg.Rewrite = false
		base, err := startRun(cmd, client, args[0], cfg)
		if err != nil {
			return fmt.Errorf("baseline run: %w", err)
		}
		cfg.Rewrite = true
		rewritten, err := startRun(cmd, client, args[0], cfg)
		if err != nil {
			return fmt.Errorf("rewrite run: %w", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%-14s %10s %10s %10s\n", "metric", "baseline", "rewrite", "delta")
		for _, name := range sortedMetrics(base.Aggregate) {
			b, r := base.Aggregate[name], rewritten.Aggregate[name]
			delta := fmt.Sprintf("%+.4f", r-b)
			switch {
			case r > b:
				delta = colorize(colorGreen, delta)
			case r < b:
				delta = colorize(colorRed, delta)
			}
			fmt.Fprintf(out, "%-14s %10.4f %10.4f %10s\n", name, b, r, delta)
		}
		if base.Status == eval.StatusPartial || rewritten.Status == eval.StatusPartial {
			printWarning("at least one run is partial; deltas cover scored cases only")
		}
		return nil
	},
}

var evalRunsCmd = &cobra.Command{
	Use:   "runs <dataset-id>",
	Short: "List stored runs for a dataset",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/datasets/"+url.PathEscape(args[0])+"/runs")
		if err != nil {
			return err
		}
		var runs []eval.Run
		if err := decodeJSON(resp, &runs); err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(runs) == 0 {
			fmt.Fprintln(out, "No stored runs. Use 'eval run --persist' to keep one.")
			return nil
		}
		for _, run := range runs {
			printRunSummary(out, run)
		}
		return nil
	},
}

var evalShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show a stored run with per-case results",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/runs/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var run eval.Run
		if err := decodeJSON(resp, &run); err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), run)
	},
}

func init() {
	for _, c := range []*cobra.Command{evalRunCmd, evalCompareCmd} {
		c.Flags().Int("top-k", 0, "results per query (default: project setting)")
		c.Flags().String("metrics", "", "comma-separated metrics (default: all)")
		c.Flags().Bool("persist", false, "store the run")
	}
	evalRunCmd.Flags().Bool("rewrite", false, "rewrite queries before retrieval")
	evalRunCmd.Flags().Bool("json", false, "print the full run")

	evalCmd.AddCommand(evalRunCmd)
	evalCmd.AddCommand(evalCompareCmd)
	evalCmd.AddCommand(evalRunsCmd)
	evalCmd.AddCommand(evalShowCmd)
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

		out := cmd.OutOrStdout()
		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(out, "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
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
	Short: "Remove a value from the config file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

var configKeysCmd = &cobra.Command{
	Use:   "keys",
	Short: "List settable configuration keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		for _, k := range config.ValidKeys() {
			fmt.Fprintln(out, k)
		}
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
	configCmd.AddCommand(configKeysCmd)
}
