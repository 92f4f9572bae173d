// Command nervusdbctl is a thin demo binary over the nervusdb package:
// it exists to exercise addFact/deleteFact/query/flush/stats by hand,
// not as a query-language front-end.
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	nervusdb "github.com/ysankpia/nervusdb-sub004"
	"github.com/ysankpia/nervusdb-sub004/triple"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "nervusdbctl",
	Short: "Inspect and poke at a nervusdb database from the command line",
	Long: `nervusdbctl is a manual-testing surface over a single nervusdb
database: add/delete facts, run a pattern query, force a flush, and
print diagnostics. It is not a query language and never will be.`,
}

func init() {
	rootCmd.PersistentFlags().String("path", nervusdb.MemoryPath, "database path (use :memory: for a scratch database)")
	rootCmd.PersistentFlags().Bool("verbose", false, "log at debug level instead of the default (warn)")

	rootCmd.AddCommand(addFactCmd)
	rootCmd.AddCommand(deleteFactCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(flushCmd)
	rootCmd.AddCommand(statsCmd)
}

// openFromFlags opens the database named by --path, honoring --verbose
// and NERVUSDB_CRASH_POINT (flush.CrashPointFromEnv is picked up by
// resolveConfig's default automatically; no flag duplicates it here).
func openFromFlags(cmd *cobra.Command) (*nervusdb.Handle, error) {
	path, _ := cmd.Flags().GetString("path")
	verbose, _ := cmd.Flags().GetBool("verbose")

	level := zerolog.WarnLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()

	return nervusdb.Open(path, nervusdb.OptLogger(logger))
}

var addFactCmd = &cobra.Command{
	Use:   "add-fact SUBJECT PREDICATE OBJECT",
	Short: "Insert a triple",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := openFromFlags(cmd)
		if err != nil {
			return fmt.Errorf("open: %w", err)
		}
		defer h.Close()

		if err := h.AddFact(args[0], args[1], args[2]); err != nil {
			return fmt.Errorf("add-fact: %w", err)
		}
		fmt.Printf("added (%s, %s, %s)\n", args[0], args[1], args[2])
		return nil
	},
}

var deleteFactCmd = &cobra.Command{
	Use:   "delete-fact SUBJECT PREDICATE OBJECT",
	Short: "Tombstone a triple",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := openFromFlags(cmd)
		if err != nil {
			return fmt.Errorf("open: %w", err)
		}
		defer h.Close()

		if err := h.DeleteFact(args[0], args[1], args[2]); err != nil {
			return fmt.Errorf("delete-fact: %w", err)
		}
		fmt.Printf("deleted (%s, %s, %s)\n", args[0], args[1], args[2])
		return nil
	},
}

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Run a partial triple pattern against the database",
	Long: `Each of --subject/--predicate/--object is optional; an unset
flag leaves that position unbound. Values are resolved against the
dictionary, so a value nothing was ever added under yields zero rows
rather than an error.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := openFromFlags(cmd)
		if err != nil {
			return fmt.Errorf("open: %w", err)
		}
		defer h.Close()

		pattern, ok, err := resolvePattern(cmd, h)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("no matches (an unresolvable value was given)")
			return nil
		}

		results, err := h.Query(pattern)
		if err != nil {
			return fmt.Errorf("query: %w", err)
		}
		if len(results) == 0 {
			fmt.Println("no matches")
			return nil
		}
		for _, t := range results {
			s, _ := h.Value(t.S)
			p, _ := h.Value(t.P)
			o, _ := h.Value(t.O)
			fmt.Printf("(%s, %s, %s)\n", s, p, o)
		}
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{queryCmd} {
		c.Flags().String("subject", "", "bind the subject position")
		c.Flags().String("predicate", "", "bind the predicate position")
		c.Flags().String("object", "", "bind the object position")
	}
}

// resolvePattern builds a triple.Pattern from --subject/--predicate/
// --object, resolving each bound value through h's dictionary. ok is
// false (not an error) when a bound value was never interned, since
// that deterministically means zero matches rather than a failure.
func resolvePattern(cmd *cobra.Command, h *nervusdb.Handle) (pattern triple.Pattern, ok bool, err error) {
	subject, _ := cmd.Flags().GetString("subject")
	predicate, _ := cmd.Flags().GetString("predicate")
	object, _ := cmd.Flags().GetString("object")

	p := triple.Pattern{}
	if subject != "" {
		id, found := h.ResolveID(subject)
		if !found {
			return p, false, nil
		}
		p.Subject, p.HasSubject = id, true
	}
	if predicate != "" {
		id, found := h.ResolveID(predicate)
		if !found {
			return p, false, nil
		}
		p.Predicate, p.HasPredicate = id, true
	}
	if object != "" {
		id, found := h.ResolveID(object)
		if !found {
			return p, false, nil
		}
		p.Object, p.HasObject = id, true
	}
	return p, true, nil
}

var flushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Force a flush pass",
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := openFromFlags(cmd)
		if err != nil {
			return fmt.Errorf("open: %w", err)
		}
		defer h.Close()

		if err := h.Flush(); err != nil {
			return fmt.Errorf("flush: %w", err)
		}
		fmt.Println("flushed")
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print a diagnostics table",
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := openFromFlags(cmd)
		if err != nil {
			return fmt.Errorf("open: %w", err)
		}
		defer h.Close()

		out, err := h.Stats()
		if err != nil {
			return fmt.Errorf("stats: %w", err)
		}
		fmt.Println(out)
		return nil
	},
}
