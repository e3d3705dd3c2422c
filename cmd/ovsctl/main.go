// Command ovsctl is the Overseer admin CLI. It talks to a running
// overseerd over its HTTP admin API.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/calldwell/overseer/internal/config"
	"github.com/calldwell/overseer/internal/server"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

type client struct {
	base   string
	token  string
	client *http.Client
}

func newClient() (*client, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	token, err := server.AdminToken(cfg.Server.AdminSecret, 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("mint admin token: %w", err)
	}
	return &client{
		base:   "http://" + cfg.Server.Addr,
		token:  token,
		client: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (c *client) do(method, path string, body io.Reader, out any) error {
	req, err := http.NewRequest(method, c.base+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("is overseerd running? %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "ovsctl",
		Short:         "Control a running overseerd",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(statusCmd(), jobsCmd(), jobCmd(), worktreesCmd(), eventsCmd(), watchCmd())
	return root
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			var st struct {
				Uptime   int `json:"uptime_seconds"`
				Pending  int `json:"pending_jobs"`
				Active   int `json:"active_jobs"`
				Retained int `json:"retained_worktrees"`
			}
			if err := c.do("GET", "/admin/status", nil, &st); err != nil {
				return err
			}
			fmt.Printf("uptime:              %s\n", (time.Duration(st.Uptime) * time.Second).String())
			fmt.Printf("pending jobs:        %d\n", st.Pending)
			fmt.Printf("active jobs:         %d\n", st.Active)
			fmt.Printf("retained worktrees:  %d\n", st.Retained)
			return nil
		},
	}
}

type jobView struct {
	ID         string `json:"id"`
	Source     string `json:"source"`
	EventType  string `json:"event_type"`
	SubjectRef string `json:"subject_ref"`
	SkillKind  string `json:"skill_kind"`
	Workspace  string `json:"workspace"`
	Status     string `json:"status"`
	Summary    string `json:"summary"`
	CommitRef  string `json:"commit_ref"`
	ErrorKind  string `json:"error_kind"`
}

func jobsCmd() *cobra.Command {
	var workspace string
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List recent jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			path := "/admin/jobs"
			if workspace != "" {
				path += "?workspace=" + workspace
			}
			var jobs []jobView
			if err := c.do("GET", path, nil, &jobs); err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tSKILL\tSUBJECT\tERROR")
			for _, j := range jobs {
				fmt.Fprintf(w, "%.8s\t%s\t%s\t%s\t%s\n",
					j.ID, j.Status, j.SkillKind, j.SubjectRef, j.ErrorKind)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVarP(&workspace, "workspace", "w", "", "filter by workspace")
	return cmd
}

func jobCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "job <id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			var j jobView
			if err := c.do("GET", "/admin/jobs/"+args[0], nil, &j); err != nil {
				return err
			}
			fmt.Printf("id:       %s\n", j.ID)
			fmt.Printf("status:   %s\n", j.Status)
			fmt.Printf("source:   %s (%s)\n", j.Source, j.EventType)
			fmt.Printf("subject:  %s\n", j.SubjectRef)
			fmt.Printf("skill:    %s\n", j.SkillKind)
			if j.Summary != "" {
				fmt.Printf("summary:  %s\n", j.Summary)
			}
			if j.CommitRef != "" {
				fmt.Printf("commit:   %s\n", j.CommitRef)
			}
			if j.ErrorKind != "" {
				fmt.Printf("error:    %s\n", j.ErrorKind)
			}
			return nil
		},
	}
}

func worktreesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worktrees",
		Short: "List worktrees retained for inspection",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			var views []struct {
				Path     string `json:"path"`
				Branch   string `json:"branch"`
				JobID    string `json:"job_id"`
				Reason   string `json:"reason"`
				AgeHours int    `json:"age_hours"`
				Stale    bool   `json:"stale"`
			}
			if err := c.do("GET", "/admin/worktrees/retained", nil, &views); err != nil {
				return err
			}
			if len(views) == 0 {
				fmt.Println("no retained worktrees")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PATH\tBRANCH\tJOB\tAGE\tREASON")
			for _, v := range views {
				age := fmt.Sprintf("%dh", v.AgeHours)
				if v.Stale {
					age += " (stale)"
				}
				fmt.Fprintf(w, "%s\t%s\t%.8s\t%s\t%s\n", v.Path, v.Branch, v.JobID, age, v.Reason)
			}
			return w.Flush()
		},
	}
}

func eventsCmd() *cobra.Command {
	events := &cobra.Command{
		Use:   "events",
		Short: "Manage the event log",
	}

	var clearWorkspace string
	clear := &cobra.Command{
		Use:   "clear",
		Short: "Clear a workspace's event history",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			var resp struct {
				Cleared int64 `json:"cleared"`
			}
			if err := c.do("POST", "/admin/events/clear?workspace="+clearWorkspace, nil, &resp); err != nil {
				return err
			}
			fmt.Printf("cleared %d events\n", resp.Cleared)
			return nil
		},
	}
	clear.Flags().StringVarP(&clearWorkspace, "workspace", "w", "", "workspace to clear")
	clear.MarkFlagRequired("workspace")

	var synWorkspace string
	var synCount int
	synthetic := &cobra.Command{
		Use:   "synthetic",
		Short: "Generate synthetic events for testing viewers",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			body, _ := json.Marshal(map[string]any{"workspace": synWorkspace, "count": synCount})
			var resp struct {
				Generated int `json:"generated"`
			}
			if err := c.do("POST", "/admin/events/synthetic", strings.NewReader(string(body)), &resp); err != nil {
				return err
			}
			fmt.Printf("generated %d events\n", resp.Generated)
			return nil
		},
	}
	synthetic.Flags().StringVarP(&synWorkspace, "workspace", "w", "", "target workspace")
	synthetic.Flags().IntVarP(&synCount, "count", "n", 5, "number of events")
	synthetic.MarkFlagRequired("workspace")

	events.AddCommand(clear, synthetic)
	return events
}

func watchCmd() *cobra.Command {
	var workspace string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Tail a workspace's live event stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			url := "http://" + cfg.Server.Addr + "/events?workspace=" + workspace
			resp, err := http.Get(url)
			if err != nil {
				return fmt.Errorf("is overseerd running? %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("stream returned %s", resp.Status)
			}

			scanner := bufio.NewScanner(resp.Body)
			scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
			for scanner.Scan() {
				line := scanner.Text()
				if data, ok := strings.CutPrefix(line, "data: "); ok {
					fmt.Println(data)
				}
			}
			return scanner.Err()
		},
	}
	cmd.Flags().StringVarP(&workspace, "workspace", "w", "", "workspace to watch")
	cmd.MarkFlagRequired("workspace")
	return cmd
}
