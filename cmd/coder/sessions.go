package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var (
	showEvents bool
	showSince  int64
)

var sessionsCmd = &cobra.Command{
	Use:     "sessions",
	Aliases: []string{"session", "s"},
	Short:   "Manage saved sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List saved sessions, most recently updated first",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		list, err := store.List()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(list) == 0 {
			fmt.Fprintln(out, dimStyle.Render("no sessions in "+cfg.SessionsDir()))
			return nil
		}

		rows := [][]string{{"ID", "NAME", "MODEL", "ROUNDS", "MESSAGES", "UPDATED", "WORKSPACE"}}
		for _, s := range list {
			rows = append(rows, []string{
				s.ID,
				s.Name,
				s.ProviderID + "/" + s.ModelID,
				fmt.Sprint(s.Rounds),
				fmt.Sprint(s.MessageCount),
				humanizeAge(time.Since(s.UpdatedAt)),
				s.Workspace,
			})
		}
		fmt.Fprintln(out, table(rows))
		return nil
	},
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a session's transcript summary and working memory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		sess, err := store.Load(args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		field := func(k, v string) {
			if v != "" {
				fmt.Fprintf(out, "%s %s\n", headerStyle.Render(fmt.Sprintf("%-10s", k)), v)
			}
		}
		field("id", sess.ID)
		field("name", sess.Name)
		field("model", sess.ProviderID+"/"+sess.ModelID)
		field("workspace", sess.Workspace)
		field("created", sess.CreatedAt.Local().Format(time.RFC3339))
		field("updated", sess.UpdatedAt.Local().Format(time.RFC3339))
		field("rounds", fmt.Sprint(sess.Rounds))
		field("messages", fmt.Sprint(len(sess.Messages)))
		field("last seq", fmt.Sprint(sess.Seq))

		wm := sess.WorkingMemory
		if !wm.IsEmpty() {
			fmt.Fprintln(out)
			fmt.Fprintln(out, headerStyle.Render("Working memory"))
			field("plan", wm.Plan)
			field("tasks", strings.Join(wm.OpenTasks, "; "))
			field("files", strings.Join(wm.FilesTouched, ", "))
			field("assumed", strings.Join(wm.Assumptions, "; "))
			field("errors", strings.Join(wm.ErrorsEncountered, "; "))
		}

		if !showEvents {
			return nil
		}
		events, err := store.Events(sess.ID, showSince)
		if err != nil {
			return err
		}
		fmt.Fprintln(out)
		r := &renderer{w: out, showSeq: true}
		for _, ev := range events {
			r.logged(ev)
		}
		return nil
	},
}

var sessionsDeleteCmd = &cobra.Command{
	Use:     "delete <id>...",
	Aliases: []string{"rm"},
	Short:   "Delete sessions and their event logs",
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		for _, id := range args {
			if err := store.Delete(id); err != nil {
				return fmt.Errorf("delete %s: %w", id, err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), okStyle.Render("deleted")+" "+id)
		}
		return nil
	},
}

func init() {
	sessionsShowCmd.Flags().BoolVarP(&showEvents, "events", "e", false, "Also print the event log")
	sessionsShowCmd.Flags().Int64Var(&showSince, "since", 0, "With --events, start after this seq")
	sessionsCmd.AddCommand(sessionsListCmd, sessionsShowCmd, sessionsDeleteCmd)
	rootCmd.AddCommand(sessionsCmd)
}

// table lays rows out in padded columns, the first row as a header.
func table(rows [][]string) string {
	widths := make([]int, len(rows[0]))
	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], lipgloss.Width(cell))
		}
	}
	var sb strings.Builder
	for n, row := range rows {
		cells := make([]string, len(row))
		for i, cell := range row {
			style := lipgloss.NewStyle().Width(widths[i] + 2)
			switch {
			case n == 0:
				style = style.Inherit(headerStyle.UnsetPadding())
			case i == 0:
				style = style.Inherit(idStyle)
			}
			cells[i] = style.Render(cell)
		}
		if n > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(strings.TrimRight(lipgloss.JoinHorizontal(lipgloss.Top, cells...), " "))
	}
	return sb.String()
}

func humanizeAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
