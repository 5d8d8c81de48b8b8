package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/squadron-hq/squadron/pkg/models"
)

// apiClient talks to a running orchestrator's dashboard API.
type apiClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newAPIClient(baseURL, token string) *apiClient {
	return &apiClient{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *apiClient) do(method, path string, out any) error {
	req, err := http.NewRequest(method, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, string(body))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func newPipelinesCmd() *cobra.Command {
	var apiURL, token string
	cmd := &cobra.Command{
		Use:   "pipelines",
		Short: "Inspect and control pipeline runs on a running orchestrator",
	}
	cmd.PersistentFlags().StringVar(&apiURL, "api",
		getEnv("SQUADRON_API", "http://localhost:8080"), "orchestrator API base URL")
	cmd.PersistentFlags().StringVar(&token, "token",
		os.Getenv("SQUADRON_TOKEN"), "dashboard bearer token")

	client := func() *apiClient { return newAPIClient(apiURL, token) }
	cmd.AddCommand(
		newPipelinesListCmd(client),
		newPipelinesRunsCmd(client),
		newPipelinesRunCmd(client),
		newPipelinesCancelCmd(client),
	)
	return cmd
}

func newPipelinesListCmd(client func() *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List loaded pipeline definitions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp struct {
				Pipelines []models.PipelineInfo `json:"pipelines"`
			}
			if err := client().do(http.MethodGet, "/pipelines", &resp); err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tSCOPE\tTRIGGER\tSTAGES")
			for _, p := range resp.Pipelines {
				trigger := p.TriggerEvent
				if p.SubPipeline {
					trigger = "(sub-pipeline)"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", p.Name, p.Scope, trigger, len(p.StageIDs))
			}
			return w.Flush()
		},
	}
}

func newPipelinesRunsCmd(client func() *apiClient) *cobra.Command {
	var status, pipeline string
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List pipeline runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := url.Values{}
			q.Set("limit", strconv.Itoa(limit))
			if status != "" {
				q.Set("status", status)
			}
			if pipeline != "" {
				q.Set("pipeline", pipeline)
			}
			var resp models.RunListResult
			if err := client().do(http.MethodGet, "/pipelines/runs?"+q.Encode(), &resp); err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RUN\tPIPELINE\tSTATUS\tSTAGE\tPR\tISSUE\tSTARTED")
			for _, r := range resp.Runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					r.RunID, r.PipelineName, r.Status, r.CurrentStageID,
					orDash(r.PRNumber), orDash(r.IssueNumber),
					r.CreatedAt.Local().Format(time.RFC3339))
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d of %d runs\n", len(resp.Runs), resp.Total)
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by run status")
	cmd.Flags().StringVar(&pipeline, "pipeline", "", "filter by pipeline name")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum runs to list")
	return cmd
}

func newPipelinesRunCmd(client func() *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "run <run-id>",
		Short: "Show one run with its stage attempts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var detail models.PipelineRunDetail
			if err := client().do(http.MethodGet, "/pipelines/runs/"+url.PathEscape(args[0]), &detail); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "run:      %s\npipeline: %s\nstatus:   %s\n",
				detail.RunID, detail.PipelineName, detail.Status)
			if detail.ErrorMessage != "" {
				fmt.Fprintf(out, "error:    %s\n", detail.ErrorMessage)
			}
			w := tabwriter.NewWriter(out, 2, 4, 2, ' ', 0)
			fmt.Fprintln(w, "\nSTAGE\tATTEMPT\tSTATUS\tAGENT\tERROR")
			for _, s := range detail.Stages {
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n",
					s.StageID, s.AttemptNumber, s.Status, s.AgentID, s.ErrorMessage)
			}
			return w.Flush()
		},
	}
}

func newPipelinesCancelCmd(client func() *apiClient) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a live run and everything under it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := client().do(http.MethodPost, "/pipelines/runs/"+url.PathEscape(args[0])+"/cancel", nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "run %s cancelled\n", args[0])
			return nil
		},
	}
}

func orDash(n int) string {
	if n <= 0 {
		return "-"
	}
	return strconv.Itoa(n)
}
