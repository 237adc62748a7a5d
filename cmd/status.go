package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/cwbudde/mixprectune/internal/server"
)

var (
	serverURL string
)

var statusCmd = &cobra.Command{
	Use:   "status [run-id]",
	Short: "Query server status or a specific run",
	Long: `Queries the server for run status information.
If no run-id is provided, lists all runs of the server.
If run-id is provided, shows detailed status for that run.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
	rootCmd.AddCommand(statusCmd)
}

// jobStatus is the status document of one run.
type jobStatus struct {
	server.Job
	Elapsed float64 `json:"elapsed"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	base := strings.TrimRight(serverURL, "/")
	if len(args) == 0 {
		return listJobs(base + "/api/v1/runs")
	}
	jobID := args[0]
	return getJobStatus(fmt.Sprintf("%s/api/v1/runs/%s/status", base, jobID), jobID)
}

// getJSON fetches url and decodes the response into v.
func getJSON(url string, v any) error {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return errNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned error: %s", strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

var errNotFound = errors.New("not found")

func listJobs(url string) error {
	var jobs []server.Job
	if err := getJSON(url, &jobs); err != nil {
		return err
	}

	if len(jobs) == 0 {
		fmt.Println("No runs found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN ID\tSTATE\tGENERATION\tBEST\tSTARTED")
	for _, job := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			job.ID, job.State, job.Generation, formatFitness(job.BestFitness), humanize.Time(job.StartTime))
	}
	w.Flush()
	return nil
}

func getJobStatus(url, jobID string) error {
	var status jobStatus
	if err := getJSON(url, &status); err != nil {
		if errors.Is(err, errNotFound) {
			return fmt.Errorf("run not found: %s", jobID)
		}
		return err
	}

	fmt.Printf("Run: %s\n", status.ID)
	fmt.Printf("State: %s\n", status.State)
	if status.StopReason != "" {
		fmt.Printf("Stop reason: %s\n", status.StopReason)
	}
	fmt.Println()

	c := status.Config
	fmt.Println("Overrides:")
	fmt.Printf("  Population: %s\n", overrideInt(c.PopulationSize))
	fmt.Printf("  Generations: %s\n", overrideInt(c.Generations))
	fmt.Printf("  Workers: %s\n", overrideInt(c.Workers))
	fmt.Println()

	fmt.Println("Progress:")
	fmt.Printf("  Generation: %d\n", status.Generation)
	fmt.Printf("  Best fitness: %s\n", formatFitness(status.BestFitness))
	if status.BestHash != "" {
		fmt.Printf("  Best hash: %s\n", shortHash(status.BestHash))
	}
	s := status.Stats
	if s.ActualEvaluations+s.CacheHits+s.SurrogatePredictions > 0 {
		fmt.Printf("  Evaluations: %d actual, %d cache hits, %d surrogate, %d skipped\n",
			s.ActualEvaluations, s.CacheHits, s.SurrogatePredictions, s.Skipped)
	}
	elapsed := time.Duration(status.Elapsed * float64(time.Second))
	fmt.Printf("  Elapsed: %s\n", elapsed.Round(time.Millisecond))

	if status.Error != "" {
		fmt.Printf("\nError: %s\n", status.Error)
	}
	return nil
}

func overrideInt(v int) string {
	if v == 0 {
		return "server default"
	}
	return fmt.Sprint(v)
}
