package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/fentz26/xqserver/internal/client"
	"github.com/fentz26/xqserver/internal/models"
)

var evalCmd = &cobra.Command{
	Use:   "eval [query]",
	Short: "Evaluate a query",
	Long:  `Evaluates a query given as argument, or read from --file ("-" for stdin).`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runEval,
}

var mklibCmd = &cobra.Command{
	Use:   "mklib [name]",
	Short: "Create a library",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newClient().CreateLibrary(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Created library %s\n", args[0])
		return nil
	},
}

var dellibCmd = &cobra.Command{
	Use:   "dellib [name]",
	Short: "Delete a library",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newClient().DeleteLibrary(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Deleted library %s\n", args[0])
		return nil
	},
}

var listlibCmd = &cobra.Command{
	Use:   "listlib",
	Short: "List libraries",
	RunE: func(cmd *cobra.Command, args []string) error {
		names, err := newClient().ListLibraries(cmd.Context())
		if err != nil {
			return err
		}
		if len(names) == 0 {
			fmt.Println("No libraries found")
			return nil
		}
		for _, n := range names {
			fmt.Println(n)
		}
		return nil
	},
}

var setIndexingCmd = &cobra.Command{
	Use:   "setindexing [file]",
	Short: "Apply an indexing specification to a library",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		spec, err := readSource(args[0])
		if err != nil {
			return err
		}
		if err := newClient().SetIndexing(cmd.Context(), libraryFlag, spec); err != nil {
			return err
		}
		fmt.Println("Indexing updated")
		return nil
	},
}

var backupCmd = &cobra.Command{
	Use:   "backup [library|*] [path]",
	Short: "Back up a library, or all of them with *",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient()
		id, err := c.Backup(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		return followAction(cmd.Context(), c, id)
	},
}

var reindexCmd = &cobra.Command{
	Use:   "reindex [library]",
	Short: "Rebuild the indexes of a library",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var lib string
		if len(args) == 1 {
			lib = args[0]
		}
		c := newClient()
		id, err := c.Reindex(cmd.Context(), lib)
		if err != nil {
			return err
		}
		return followAction(cmd.Context(), c, id)
	},
}

var progressCmd = &cobra.Command{
	Use:   "progress [action-id]",
	Short: "Show the progress of an action",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newClient()
		if waitFlag {
			p, err := c.Wait(cmd.Context(), args[0], pollInterval, printProgress)
			if err != nil {
				return err
			}
			return progressError(args[0], p)
		}
		p, err := c.Progress(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printProgress(p)
		return nil
	},
}

var actionsCmd = &cobra.Command{
	Use:   "actions",
	Short: "List running and retained actions",
	RunE: func(cmd *cobra.Command, args []string) error {
		actions, err := newClient().Actions(cmd.Context())
		if err != nil {
			return err
		}
		if len(actions) == 0 {
			fmt.Println("No actions found")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATE\tPROGRESS\tSTARTED\tLABEL")
		for _, a := range actions {
			fmt.Fprintf(w, "%s\t%s\t%.1f%%\t%s\t%s\n", a.ID, a.State, a.Fraction*100, humanize.Time(a.Start), truncate(a.Label, 50))
		}
		return w.Flush()
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel [action-id]",
	Short: "Abort a running action",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newClient().Cancel(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Cancelled %s\n", args[0])
		return nil
	},
}

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Make the server reread its configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newClient().Reload(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("Configuration reloaded")
		return nil
	},
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Describe the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		info, err := newClient().ServerInfo(cmd.Context())
		if err != nil {
			return err
		}
		state := "running"
		if !info.Running {
			state = "offline"
		}
		fmt.Printf("Name:       %s\n", info.Name)
		fmt.Printf("Version:    %s\n", info.Version)
		fmt.Printf("State:      %s\n", state)
		fmt.Printf("Libraries:  %d\n", len(info.Libraries))
		fmt.Printf("Actions:    %d\n", info.Actions)
		if info.PostLimit != "" {
			fmt.Printf("Post limit: %s\n", info.PostLimit)
		}
		return nil
	},
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show the administrative audit trail",
	RunE: func(cmd *cobra.Command, args []string) error {
		records, err := newClient().Audit(cmd.Context(), models.AuditFilter{
			Action:  auditAction,
			Library: libraryFlag,
			Limit:   auditLimit,
		})
		if err != nil {
			return err
		}
		if len(records) == 0 {
			fmt.Println("No audit records found")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TIME\tACTION\tUSER\tLIBRARY\tOUTCOME\tDETAILS")
		for _, r := range records {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", humanize.Time(r.Timestamp), r.Action, r.User, r.Library, r.Outcome, truncate(r.Details, 40))
		}
		return w.Flush()
	},
}

var servicesCmd = &cobra.Command{
	Use:   "services",
	Short: "List the stored query scripts",
	RunE: func(cmd *cobra.Command, args []string) error {
		names, err := newClient().Services(cmd.Context())
		if err != nil {
			return err
		}
		for _, n := range names {
			fmt.Println(n)
		}
		return nil
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the server health",
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := newClient().Health(cmd.Context())
		if h != nil {
			out, _ := json.MarshalIndent(h, "", "  ")
			fmt.Println(string(out))
		}
		return err
	},
}

var (
	libraryFlag  string
	formatFlag   string
	encodingFlag string
	queryFile    string
	maxTime      time.Duration
	countFlag    int64
	firstFlag    int64
	waitFlag     bool
	pollInterval time.Duration
	auditAction  string
	auditLimit   int
)

func init() {
	for _, c := range []*cobra.Command{evalCmd, setIndexingCmd} {
		c.Flags().StringVarP(&libraryFlag, "library", "l", "", "Library (default: the only one)")
	}
	auditCmd.Flags().StringVarP(&libraryFlag, "library", "l", "", "Only records about this library")
	auditCmd.Flags().StringVar(&auditAction, "action", "", "Only records of this action")
	auditCmd.Flags().IntVar(&auditLimit, "limit", 50, "Maximum number of records")

	evalCmd.Flags().StringVarP(&formatFlag, "format", "f", "", "Output format: xml, items, html or xhtml")
	evalCmd.Flags().StringVar(&encodingFlag, "encoding", "", "Output character set")
	evalCmd.Flags().StringVar(&queryFile, "file", "", "Read the query from a file (- for stdin)")
	evalCmd.Flags().DurationVar(&maxTime, "maxtime", 0, "Evaluation time limit")
	evalCmd.Flags().Int64Var(&countFlag, "count", -1, "Maximum number of items (-1 for all)")
	evalCmd.Flags().Int64Var(&firstFlag, "first", 0, "Rank of the first item")

	for _, c := range []*cobra.Command{backupCmd, reindexCmd, progressCmd} {
		c.Flags().BoolVarP(&waitFlag, "wait", "w", false, "Wait for the action to terminate")
		c.Flags().DurationVar(&pollInterval, "interval", 500*time.Millisecond, "Progress polling interval")
	}
}

func runEval(cmd *cobra.Command, args []string) error {
	var query []byte
	switch {
	case queryFile != "":
		var err error
		if query, err = readSource(queryFile); err != nil {
			return err
		}
	case len(args) == 1:
		query = []byte(args[0])
	default:
		return fmt.Errorf("no query: pass it as argument or with --file")
	}
	res, err := newClient().Eval(cmd.Context(), client.EvalRequest{
		Query:    string(query),
		Library:  libraryFlag,
		Format:   formatFlag,
		Encoding: encodingFlag,
		MaxTime:  maxTime,
		Count:    countFlag,
		First:    firstFlag,
	})
	if err != nil {
		return err
	}
	os.Stdout.Write(res.Body)
	if n := len(res.Body); n > 0 && res.Body[n-1] != '\n' {
		fmt.Println()
	}
	return nil
}

// followAction prints the id of a started action and, with --wait,
// follows it to its end.
func followAction(ctx context.Context, c *client.Client, id string) error {
	fmt.Printf("Started action %s\n", id)
	if !waitFlag {
		return nil
	}
	p, err := c.Wait(ctx, id, pollInterval, printProgress)
	if err != nil {
		return err
	}
	return progressError(id, p)
}

func printProgress(p *client.Progress) {
	if p.Error != "" {
		fmt.Printf("%s: error %s\n", p.Label, p.Error)
		return
	}
	fmt.Printf("%s: %.1f%%\n", p.Label, p.Fraction*100)
}

func progressError(id string, p *client.Progress) error {
	if p.Error != "" {
		return fmt.Errorf("action %s failed: %s", id, p.Error)
	}
	return nil
}

func readSource(name string) ([]byte, error) {
	if name == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(name)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
