package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/gookit/color"
	"github.com/olekukonko/tablewriter"

	"roomlab/engine"
	"roomlab/observability"
	"roomlab/repositories"
)

// roomctl reads the server's debug surface. Usage:
//
//	roomctl [-addr http://localhost:8081] sessions
//	roomctl [-addr http://localhost:8081] stats
//	roomctl [-addr http://localhost:8081] archive -project <id> [-cursor <key>]
func main() {
	addr := flag.String("addr", "http://localhost:8081", "Debug server base URL")
	project := flag.String("project", "", "Project id (archive command)")
	cursor := flag.String("cursor", "", "Pagination cursor (archive command)")
	flag.Parse()

	command := flag.Arg(0)
	if command == "" {
		flag.Usage()
		os.Exit(2)
	}

	client := &http.Client{Timeout: 5 * time.Second}

	var err error
	switch command {
	case "sessions":
		err = showSessions(client, *addr)
	case "stats":
		err = showStats(client, *addr)
	case "archive":
		if *project == "" {
			log.Fatal("archive requires -project")
		}
		err = showArchive(client, *addr, *project, *cursor)
	default:
		log.Fatalf("Unknown command %q (want sessions, stats or archive)", command)
	}
	if err != nil {
		log.Fatal(err)
	}
}

func showSessions(client *http.Client, addr string) error {
	var sessions []engine.SessionStats
	if err := fetch(client, addr+"/sessions", &sessions); err != nil {
		return err
	}

	printHeader(fmt.Sprintf("  ====== %d live session(s) ======", len(sessions)))

	table := newTable([]string{"Project", "Participants", "Active", "Locks", "Sequence", "Chat"})
	for _, s := range sessions {
		table.Append([]string{
			string(s.Project),
			fmt.Sprintf("%d", s.Participants),
			fmt.Sprintf("%d", s.ActiveParticipants),
			fmt.Sprintf("%d", s.Locks),
			fmt.Sprintf("%d", s.Sequence),
			fmt.Sprintf("%d", s.ChatMessages),
		})
	}
	table.Render()
	return nil
}

func showStats(client *http.Client, addr string) error {
	var stats struct {
		observability.ProcessStats
		Sessions int `json:"sessions"`
	}
	if err := fetch(client, addr+"/stats", &stats); err != nil {
		return err
	}

	printHeader("  ====== Server process ======")

	table := newTable([]string{"PID", "Status", "CPU %", "RSS MiB", "Sessions"})
	table.Append([]string{
		fmt.Sprintf("%d", stats.PID),
		stats.Status,
		fmt.Sprintf("%.1f", stats.CPUPercent),
		fmt.Sprintf("%.1f", float64(stats.RSSBytes)/(1<<20)),
		fmt.Sprintf("%d", stats.Sessions),
	})
	table.Render()
	return nil
}

func showArchive(client *http.Client, addr, project, cursor string) error {
	url := fmt.Sprintf("%s/archive?project=%s", addr, project)
	if cursor != "" {
		url += "&cursor=" + cursor
	}

	var page struct {
		Records []repositories.ArchiveRecord `json:"records"`
		Next    *string                      `json:"next,omitempty"`
	}
	if err := fetch(client, url, &page); err != nil {
		return err
	}

	printHeader(fmt.Sprintf("  ====== Archive of %s ======", project))

	table := newTable([]string{"Sequence", "Kind", "Origin", "At", "Payload"})
	for _, r := range page.Records {
		table.Append([]string{
			fmt.Sprintf("%d", r.Sequence),
			r.Kind,
			r.Origin,
			r.At.Format(time.RFC3339),
			string(r.Payload),
		})
	}
	table.Render()

	if page.Next != nil {
		fmt.Printf("\nNext page: -cursor %s\n", *page.Next)
	}
	return nil
}

func fetch(client *http.Client, url string, out any) error {
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("fetching %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s answered %d: %s", url, resp.StatusCode, body)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func printHeader(text string) {
	fmt.Println(color.New(color.BgBlack, color.FgGreen).Render(text))
}

func newTable(headers []string) *tablewriter.Table {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader(headers)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")
	return table
}
