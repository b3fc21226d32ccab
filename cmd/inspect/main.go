package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/shm-controller/internal/journal"
	"github.com/danielpatrickdp/shm-controller/internal/scheduler"
	"github.com/danielpatrickdp/shm-controller/internal/supervisor"
)

// #region flags
var (
	dbPath   string
	last     int
	episode  string
	jsonOut  bool
	addr     string
	operator string
	reason   string
)

var (
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#86b300", Dark: "#c2d94c"})
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#f2ae49", Dark: "#ffb454"})
	failStyle  = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#f07171", Dark: "#f07178"})
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#828c99", Dark: "#6c7680"})
	boldStyle  = lipgloss.NewStyle().Bold(true)
)

// #endregion flags

// #region main
func main() {
	root := &cobra.Command{
		Use:          "inspect",
		Short:        "Inspect the health manager journal and live controller",
		SilenceUsage: true,
		RunE:         runTransitions,
	}
	root.PersistentFlags().StringVar(&dbPath, "db", "", "path to the journal database")
	root.PersistentFlags().BoolVar(&jsonOut, "json", false, "output as JSON instead of table")
	root.Flags().IntVar(&last, "last", 20, "show N most recent transitions")
	root.Flags().StringVar(&episode, "episode", "", "show every transition of one episode")

	current := &cobra.Command{
		Use:   "current",
		Short: "Show the last journaled state",
		RunE:  runCurrent,
	}

	resets := &cobra.Command{
		Use:   "resets",
		Short: "List operator resets",
		RunE:  runResets,
	}
	resets.Flags().IntVar(&last, "last", 20, "show N most recent resets")

	status := &cobra.Command{
		Use:   "status",
		Short: "Query a running controller",
		RunE:  runStatus,
	}
	status.Flags().StringVar(&addr, "addr", "http://127.0.0.1:9464", "controller ops address")

	reset := &cobra.Command{
		Use:   "reset",
		Short: "Clear degraded on a running controller",
		RunE:  runReset,
	}
	reset.Flags().StringVar(&addr, "addr", "http://127.0.0.1:9464", "controller ops address")
	reset.Flags().StringVar(&operator, "operator", os.Getenv("USER"), "operator issuing the reset")
	reset.Flags().StringVar(&reason, "reason", "", "free-text reason recorded with the reset")

	root.AddCommand(current, resets, status, reset)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func openStore() (*journal.Store, error) {
	if dbPath == "" {
		return nil, errors.New("--db is required")
	}
	return journal.NewStore(dbPath)
}

// #endregion main

// #region transitions
type transitionRow struct {
	ID        int64  `json:"id"`
	Episode   string `json:"episode,omitempty"`
	Block     uint16 `json:"block"`
	From      string `json:"from"`
	To        string `json:"to"`
	Code      string `json:"code"`
	Score     uint16 `json:"score"`
	Cause     string `json:"cause,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Message   string `json:"message,omitempty"`
	AlertCRC  string `json:"alert_crc,omitempty"`
	CreatedAt string `json:"created_at"`
}

func runTransitions(_ *cobra.Command, _ []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	var list []journal.Transition
	if episode != "" {
		list, err = store.Episode(episode)
	} else {
		list, err = store.ListTransitions(last)
	}
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Fprintln(os.Stderr, "no transitions found")
		return nil
	}

	// Store returns newest first for listings; print chronologically.
	rows := make([]transitionRow, len(list))
	for i, tr := range list {
		idx := i
		if episode == "" {
			idx = len(list) - 1 - i
		}
		rows[idx] = toRow(tr)
	}

	if jsonOut {
		return printJSON(rows)
	}

	fmt.Printf("%-6s  %-8s  %5s  %-9s  %-9s  %-8s  %5s  %-16s  %s\n",
		"ID", "Episode", "Block", "From", "To", "Code", "Score", "Cause/Reason", "Time")
	fmt.Printf("%-6s+-%-8s+-%5s+-%-9s+-%-9s+-%-8s+-%5s+-%-16s+-%s\n",
		"------", "--------", "-----", "---------", "---------", "--------", "-----", "----------------", "--------------------")
	for _, r := range rows {
		why := r.Cause
		if r.Reason != "" {
			why = r.Reason
		}
		if why == "" {
			why = "-"
		}
		fmt.Printf("%-6d  %-8s  %5d  %-9s  %s  %-8s  %5d  %-16s  %s\n",
			r.ID, shortID(r.Episode), r.Block, r.From, modeCell(r.To, 9), r.Code, r.Score, why, r.CreatedAt)
	}
	return nil
}

func toRow(tr journal.Transition) transitionRow {
	r := transitionRow{
		ID:        tr.ID,
		Episode:   tr.EpisodeID,
		Block:     uint16(tr.Block),
		From:      tr.From.String(),
		To:        tr.To.String(),
		Code:      string(tr.Code),
		Score:     tr.Score,
		Cause:     string(tr.Cause),
		Reason:    string(tr.Reason),
		Message:   tr.Message,
		CreatedAt: tr.CreatedAt.Format(time.RFC3339),
	}
	if tr.AlertCRC != 0 {
		r.AlertCRC = fmt.Sprintf("%08x", tr.AlertCRC)
	}
	return r
}

// #endregion transitions

// #region current
func runCurrent(_ *cobra.Command, _ []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	snap, err := store.Current()
	if errors.Is(err, journal.ErrNoState) {
		fmt.Fprintln(os.Stderr, "nothing journaled yet")
		return nil
	}
	if err != nil {
		return err
	}

	if jsonOut {
		return printJSON(map[string]any{
			"mode":    snap.Mode.String(),
			"block":   snap.Block,
			"score":   snap.Score,
			"cause":   snap.Cause,
			"reason":  snap.Reason,
			"episode": snap.EpisodeID,
			"since":   snap.Since.Format(time.RFC3339Nano),
		})
	}

	fmt.Printf("Mode:     %s\n", modeCell(snap.Mode.String(), 0))
	if snap.Mode != supervisor.ModeMonitor {
		fmt.Printf("Block:    %d\n", snap.Block)
		fmt.Printf("Episode:  %s\n", snap.EpisodeID)
	}
	if snap.Score != 0 {
		fmt.Printf("Score:    %d\n", snap.Score)
	}
	if snap.Cause != "" {
		fmt.Printf("Cause:    %s\n", snap.Cause)
	}
	if snap.Reason != "" {
		fmt.Printf("Reason:   %s\n", snap.Reason)
	}
	fmt.Printf("Since:    %s\n", snap.Since.Format(time.RFC3339))
	if snap.Mode == supervisor.ModeSwap {
		fmt.Println(mutedStyle.Render("a restart now resumes in degraded (interrupted)"))
	}
	return nil
}

// #endregion current

// #region resets
func runResets(_ *cobra.Command, _ []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	list, err := store.ListResets(last)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(list)
	}
	if len(list) == 0 {
		fmt.Fprintln(os.Stderr, "no resets found")
		return nil
	}
	fmt.Printf("%-6s  %5s  %-16s  %-20s  %s\n", "ID", "Block", "Operator", "Time", "Note")
	for _, r := range list {
		fmt.Printf("%-6d  %5d  %-16s  %-20s  %s\n", r.ID, r.Block, r.Operator, r.CreatedAt.Format(time.RFC3339), r.Note)
	}
	return nil
}

// #endregion resets

// #region ops
func runStatus(cmd *cobra.Command, _ []string) error {
	var st scheduler.Status
	if err := call(cmd.Context(), http.MethodGet, addr+"/status", nil, &st); err != nil {
		return err
	}
	return printStatus(st)
}

func runReset(cmd *cobra.Command, _ []string) error {
	body, err := json.Marshal(scheduler.ResetRequest{Operator: operator, Reason: reason})
	if err != nil {
		return err
	}
	var st scheduler.Status
	if err := call(cmd.Context(), http.MethodPost, addr+"/v1/reset", body, &st); err != nil {
		return err
	}
	return printStatus(st)
}

func call(ctx context.Context, method, url string, body []byte, out any) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return fmt.Errorf("%s %s: %s: %s", method, url, resp.Status, e.Error)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func printStatus(st scheduler.Status) error {
	if jsonOut {
		return printJSON(st)
	}
	fmt.Printf("%s %s\n", boldStyle.Render("Mode:"), modeCell(st.Mode, 0))
	if st.Block != nil {
		fmt.Printf("Block:    %d\n", *st.Block)
	}
	if st.Score != nil {
		fmt.Printf("Score:    %d\n", *st.Score)
	}
	if st.Cause != "" {
		fmt.Printf("Cause:    %s\n", st.Cause)
	}
	if st.Reason != "" {
		fmt.Printf("Reason:   %s\n", st.Reason)
	}
	if st.Since != nil {
		fmt.Printf("Since:    %s\n", st.Since.Format(time.RFC3339))
	}
	if st.Episode != "" {
		fmt.Printf("Episode:  %s\n", st.Episode)
	}
	fmt.Printf("Ticks:    %d\n", st.Ticks)
	return nil
}

// #endregion ops

// #region helpers
func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func shortID(id string) string {
	if id == "" {
		return "-"
	}
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// modeCell colors a mode name, padding to width before styling so table
// columns stay aligned.
func modeCell(mode string, width int) string {
	cell := fmt.Sprintf("%-*s", width, mode)
	switch mode {
	case "monitor":
		return okStyle.Render(cell)
	case "verify", "swap":
		return warnStyle.Render(cell)
	case "degraded":
		return failStyle.Render(cell)
	}
	return cell
}

// #endregion helpers
