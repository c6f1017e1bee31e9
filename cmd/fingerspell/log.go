package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/ayusman/fingerspell/internal/store"
	"github.com/spf13/cobra"
)

var (
	logLimit    int
	logSession  string
	logSessions bool
)

var logCmd = &cobra.Command{
	Use:   "log",
	Short: "Show recent translations or sessions",
	RunE:  runLog,
}

func init() {
	logCmd.Flags().IntVarP(&logLimit, "limit", "n", 20, "number of entries to show")
	logCmd.Flags().StringVar(&logSession, "session", "", "show every translation of one session")
	logCmd.Flags().BoolVar(&logSessions, "sessions", false, "list sessions instead of translations")
	rootCmd.AddCommand(logCmd)
}

func runLog(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if _, err := os.Stat(cfg.Store.Path); err != nil {
		return fmt.Errorf("no translation store at %s\nRun 'fingerspell serve' first.", cfg.Store.Path)
	}

	st, err := store.New(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	if logSessions {
		sessions, err := st.Sessions().List(logLimit)
		if err != nil {
			return err
		}
		fmt.Fprintln(w, "SESSION\tFACING\tSTARTED\tSYMBOLS")
		for _, s := range sessions {
			n, err := st.Translations().CountBySession(s.ID)
			if err != nil {
				return err
			}
			started := s.StartedAt.Local().Format("2006-01-02 15:04:05")
			if s.Active() {
				started += " (active)"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", s.ID, s.Facing, started, n)
		}
		return nil
	}

	var rows []*store.Translation
	if logSession != "" {
		rows, err = st.Translations().BySession(logSession)
	} else {
		rows, err = st.Translations().Latest(logLimit)
	}
	if err != nil {
		return err
	}

	fmt.Fprintln(w, "TIME\tSYMBOL\tCONFIDENCE\tLATENCY")
	for _, t := range rows {
		fmt.Fprintf(w, "%s\t%q\t%.2f\t%dms\n",
			t.CreatedAt.Local().Format("2006-01-02 15:04:05"), t.Symbol, t.Confidence, t.LatencyMs)
	}
	return nil
}
