package cli

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
)

// StatusCommand queries a running indexer's status endpoint and renders it.
type StatusCommand struct {
	Meta

	addr string
}

// statusPayload mirrors the fields of the status endpoint this command
// renders. Unknown fields are ignored so the command tolerates newer servers.
type statusPayload struct {
	WorkersRunning bool `json:"workersRunning"`
	WorkerStatuses []struct {
		Name           string     `json:"name"`
		State          string     `json:"state"`
		LastRunAt      *time.Time `json:"last_run_at"`
		LastError      string     `json:"last_error"`
		ItemsProcessed int64      `json:"items_processed"`
	} `json:"workerStatuses"`
	Blocks struct {
		Min       *uint64 `json:"min"`
		Max       *uint64 `json:"max"`
		Total     int64   `json:"total"`
		Finalized int64   `json:"finalized"`
		Latest    *struct {
			Number     uint64  `json:"number"`
			AgeSeconds float64 `json:"age_seconds"`
		} `json:"latest"`
	} `json:"blocks"`
	Milestones struct {
		MinSeq *uint64 `json:"min_seq"`
		MaxSeq *uint64 `json:"max_seq"`
		Total  int64   `json:"total"`
		Latest *struct {
			SequenceID uint64  `json:"sequence_id"`
			EndBlock   uint64  `json:"end_block"`
			AgeSeconds float64 `json:"age_seconds"`
		} `json:"latest"`
	} `json:"milestones"`
	PriorityFeeBackfill *struct {
		Cursor          uint64 `json:"cursor"`
		ProcessedBlocks uint64 `json:"processed_blocks"`
		TotalBlocks     uint64 `json:"total_blocks"`
		IsComplete      bool   `json:"is_complete"`
	} `json:"priorityFeeBackfill"`
	Gaps map[string]int64 `json:"gaps"`
}

// MarkDown implements cli.MarkDown interface
func (c *StatusCommand) MarkDown() string {
	items := []string{
		"# Status",
		"The ```status``` command prints the state of a running indexer: workers, stream coverage and open gaps.",
		"## Options",
		"- ```addr```: Address of the indexer's status endpoint (default http://localhost:8080)",
	}

	return strings.Join(items, "\n\n")
}

// Help implements the cli.Command interface
func (c *StatusCommand) Help() string {
	return `Usage: polygon-dashboard status

  Print the status of a running indexer:

    $ polygon-dashboard status -addr http://localhost:8080`
}

// Synopsis implements the cli.Command interface
func (c *StatusCommand) Synopsis() string {
	return "Print the status of a running indexer"
}

// Run implements the cli.Command interface
func (c *StatusCommand) Run(args []string) int {
	flags := flag.NewFlagSet("status", flag.ContinueOnError)
	flags.Usage = func() { c.UI.Output(c.Help()) }
	flags.StringVar(&c.addr, "addr", "http://localhost:8080", "address of the indexer's status endpoint")

	if err := flags.Parse(args); err != nil {
		return 1
	}

	status, err := c.fetch()
	if err != nil {
		c.UI.Error(err.Error())
		return 1
	}

	c.render(status)

	return 0
}

func (c *StatusCommand) fetch() (*statusPayload, error) {
	client := &http.Client{Timeout: 10 * time.Second}

	res, err := client.Get(strings.TrimRight(c.addr, "/") + "/api/status")
	if err != nil {
		return nil, fmt.Errorf("query indexer at %s: %w", c.addr, err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("indexer at %s returned status %d", c.addr, res.StatusCode)
	}

	var status statusPayload
	if err := json.NewDecoder(res.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("decode status response: %w", err)
	}

	return &status, nil
}

func (c *StatusCommand) render(status *statusPayload) {
	var out strings.Builder

	workers := tablewriter.NewWriter(&out)
	workers.SetHeader([]string{"Worker", "State", "Last Run", "Items", "Last Error"})

	for _, w := range status.WorkerStatuses {
		lastRun := "never"
		if w.LastRunAt != nil {
			lastRun = w.LastRunAt.Format(time.RFC3339)
		}

		workers.Append([]string{w.Name, w.State, lastRun, fmt.Sprintf("%d", w.ItemsProcessed), w.LastError})
	}

	workers.Render()
	out.WriteString("\n")

	streams := tablewriter.NewWriter(&out)
	streams.SetHeader([]string{"Stream", "Min", "Max", "Total", "Tip Age"})
	streams.Append([]string{
		"blocks",
		formatOptional(status.Blocks.Min),
		formatOptional(status.Blocks.Max),
		fmt.Sprintf("%d", status.Blocks.Total),
		blockAge(status),
	})
	streams.Append([]string{
		"milestones",
		formatOptional(status.Milestones.MinSeq),
		formatOptional(status.Milestones.MaxSeq),
		fmt.Sprintf("%d", status.Milestones.Total),
		milestoneAge(status),
	})
	streams.Render()
	out.WriteString("\n")

	if len(status.Gaps) > 0 {
		gaps := tablewriter.NewWriter(&out)
		gaps.SetHeader([]string{"Gap Kind", "Open"})

		for kind, count := range status.Gaps {
			gaps.Append([]string{kind, fmt.Sprintf("%d", count)})
		}

		gaps.Render()
		out.WriteString("\n")
	}

	if fee := status.PriorityFeeBackfill; fee != nil {
		if fee.IsComplete {
			out.WriteString("Priority fee sweep: complete\n")
		} else {
			out.WriteString(fmt.Sprintf("Priority fee sweep: %d/%d blocks, cursor at %d\n",
				fee.ProcessedBlocks, fee.TotalBlocks, fee.Cursor))
		}
	}

	if !status.WorkersRunning {
		out.WriteString("WARNING: no workers are running\n")
	}

	c.UI.Output(out.String())
}

func formatOptional(v *uint64) string {
	if v == nil {
		return "-"
	}

	return fmt.Sprintf("%d", *v)
}

func blockAge(status *statusPayload) string {
	if status.Blocks.Latest == nil {
		return "-"
	}

	return (time.Duration(status.Blocks.Latest.AgeSeconds) * time.Second).String()
}

func milestoneAge(status *statusPayload) string {
	if status.Milestones.Latest == nil {
		return "-"
	}

	return (time.Duration(status.Milestones.Latest.AgeSeconds) * time.Second).String()
}
