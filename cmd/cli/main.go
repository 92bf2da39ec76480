// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/mirelo/stagehand/internal/schema"
	"github.com/spf13/cobra"
)

var (
	apiAddr  string
	apiToken string
)

func main() {
	logger := newLogger()

	root := &cobra.Command{
		Use:           "stagehand",
		Short:         "Pipeline workflow tooling",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&apiAddr, "addr", envOr("STAGEHAND_ADDR", "http://localhost:8080"), "API base URL")
	root.PersistentFlags().StringVar(&apiToken, "token", os.Getenv("STAGEHAND_TOKEN"), "API key token")

	root.AddCommand(schemaCmd(logger))
	root.AddCommand(workflowCmd())
	root.AddCommand(decisionCmd(logger, "approve", true))
	root.AddCommand(decisionCmd(logger, "reject", false))

	if err := root.Execute(); err != nil {
		logger.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func schemaCmd(logger *slog.Logger) *cobra.Command {
	var schemaDir string

	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Inspect and validate pipeline schemas",
	}
	cmd.PersistentFlags().StringVar(&schemaDir, "schema-dir", os.Getenv("SCHEMA_DIR"), "directory with extra YAML schemas")

	loadRegistry := func() (*schema.Registry, error) {
		registry := schema.NewRegistry()
		if schemaDir != "" {
			if _, err := registry.LoadDir(schemaDir); err != nil {
				return nil, fmt.Errorf("load schema dir: %w", err)
			}
		}
		return registry, nil
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered pipelines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, err := loadRegistry()
			if err != nil {
				return err
			}
			for _, name := range registry.Names() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show <pipeline>",
		Short: "Print a pipeline definition as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, err := loadRegistry()
			if err != nil {
				return err
			}
			def, err := registry.Get(args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), def)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a YAML schema file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := schema.LoadFile(args[0])
			if err != nil {
				return err
			}
			logger.Info("schema valid", "name", def.Name, "stages", def.Len())
			return nil
		},
	})

	return cmd
}

func workflowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Create and inspect workflows",
	}

	var (
		pipeline    string
		title       string
		description string
		brandID     string
		campaignID  string
	)
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a workflow",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{
				"pipeline":    pipeline,
				"title":       title,
				"description": description,
				"brand_id":    brandID,
				"campaign_id": campaignID,
			}
			out, err := callAPI(cmd.Context(), http.MethodPost, "/workflows", body)
			if err != nil {
				return err
			}
			return printRaw(cmd.OutOrStdout(), out)
		},
	}
	create.Flags().StringVar(&pipeline, "pipeline", "content", "pipeline schema name")
	create.Flags().StringVar(&title, "title", "", "workflow title")
	create.Flags().StringVar(&description, "description", "", "workflow description")
	create.Flags().StringVar(&brandID, "brand", "", "brand id")
	create.Flags().StringVar(&campaignID, "campaign", "", "campaign id")
	_ = create.MarkFlagRequired("title")
	cmd.AddCommand(create)

	cmd.AddCommand(&cobra.Command{
		Use:   "status <workflow-id>",
		Short: "Show derived workflow status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := callAPI(cmd.Context(), http.MethodGet, "/workflows/"+args[0], nil)
			if err != nil {
				return err
			}
			return printRaw(cmd.OutOrStdout(), out)
		},
	})

	return cmd
}

func decisionCmd(logger *slog.Logger, name string, approved bool) *cobra.Command {
	var (
		actorID string
		note    string
	)

	short := "Approve a waiting stage"
	if !approved {
		short = "Reject a waiting stage and roll back"
	}

	cmd := &cobra.Command{
		Use:   name + " <workflow-id> <stage>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := fmt.Sprintf("/workflows/%s/stages/%s/%s", args[0], args[1], name)
			out, err := callAPI(cmd.Context(), http.MethodPost, path, map[string]string{
				"actor_id": actorID,
				"note":     note,
			})
			if err != nil {
				return err
			}
			logger.Info("decision recorded", "workflow_id", args[0], "stage", args[1], "approved", approved)
			return printRaw(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "cli", "deciding actor id")
	cmd.Flags().StringVar(&note, "note", "", "decision note")
	return cmd
}

func callAPI(ctx context.Context, method, path string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(apiAddr, "/")+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+apiToken)
	}

	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(out)))
	}
	return out, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printRaw(w io.Writer, raw []byte) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		_, err := w.Write(raw)
		return err
	}
	return printJSON(w, v)
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(os.Getenv("LOG_LEVEL")),
	}))
}

func parseLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
