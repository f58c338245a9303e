package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/replicastore/replicastore/internal/replica"
	"github.com/replicastore/replicastore/internal/sweeper"
	"github.com/replicastore/replicastore/pkg/bytesize"
)

// withPool loads the configured pool, runs fn and shuts the pool down.
func withPool(ctx context.Context, opts *options, fn func(*pool) error) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	p, err := openPool(ctx, cfg, log.Logger.With().Str("pool", cfg.Name).Logger())
	if err != nil {
		return err
	}
	defer p.close()
	return fn(p)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newLsCmd(opts *options) *cobra.Command {
	var (
		state   string
		asJSON  bool
		showAll bool
	)
	cmd := &cobra.Command{
		Use:   "ls [id...]",
		Short: "List the replicas of the pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			var filter *replica.State
			if state != "" {
				s, err := replica.ParseState(state)
				if err != nil {
					return err
				}
				filter = &s
			}
			return withPool(cmd.Context(), opts, func(p *pool) error {
				entries, err := p.repo.Entries()
				if err != nil {
					return err
				}
				wanted := make(map[string]bool, len(args))
				for _, id := range args {
					wanted[id] = true
				}
				out := entries[:0]
				for _, e := range entries {
					if filter != nil && e.State != *filter {
						continue
					}
					if len(wanted) > 0 && !wanted[e.ID] {
						continue
					}
					out = append(out, e)
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), out)
				}
				printEntries(cmd.OutOrStdout(), out, showAll, p.repo.Clock().Now())
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&state, "state", "s", "", "only list replicas in this state")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	cmd.Flags().BoolVarP(&showAll, "long", "L", false, "include sticky records and storage class")
	return cmd
}

func printEntries(out io.Writer, entries []replica.Entry, long bool, now time.Time) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	if long {
		_, _ = fmt.Fprintln(w, "ID\tSTATE\tSIZE\tLINKS\tLAST ACCESS\tSTORAGE CLASS\tSTICKY")
	} else {
		_, _ = fmt.Fprintln(w, "ID\tSTATE\tSIZE\tLAST ACCESS")
	}
	for _, e := range entries {
		access := e.LastAccess.Format("2006-01-02 15:04:05")
		if !long {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.ID, e.State, bytesize.Format(e.Size), access)
			continue
		}
		sticky := make([]string, 0, len(e.Sticky))
		for _, s := range e.Sticky {
			if !s.IsValidAt(now) {
				continue
			}
			sticky = append(sticky, s.String())
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n", e.ID, e.State, bytesize.Format(e.Size),
			e.LinkCount, access, e.Attributes.StorageClass, strings.Join(sticky, ","))
	}
	_ = w.Flush()
}

func newSpaceCmd(opts *options) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "space",
		Short: "Show the space usage of the pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(cmd.Context(), opts, func(p *pool) error {
				s, err := p.repo.SpaceRecord()
				if err != nil {
					return err
				}
				counts, err := p.repo.Counts()
				if err != nil {
					return err
				}
				if asJSON {
					byName := make(map[string]int, len(counts))
					for state, n := range counts {
						byName[state.String()] = n
					}
					return writeJSON(cmd.OutOrStdout(), struct {
						Space    any            `json:"space"`
						Replicas map[string]int `json:"replicas"`
					}{s, byName})
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				_, _ = fmt.Fprintf(w, "Total:\t%s\n", bytesize.Format(s.Total))
				_, _ = fmt.Fprintf(w, "Free:\t%s\n", bytesize.Format(s.Free))
				_, _ = fmt.Fprintf(w, "Precious:\t%s\n", bytesize.Format(s.Precious))
				_, _ = fmt.Fprintf(w, "Removable:\t%s\n", bytesize.Format(s.Removable))
				_, _ = fmt.Fprintf(w, "Gap:\t%s\n", bytesize.Format(s.Gap))
				for _, state := range replica.AllStates {
					if n := counts[state]; n > 0 {
						_, _ = fmt.Fprintf(w, "%s:\t%d\n", state, n)
					}
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func newSweepCmd(opts *options) *cobra.Command {
	var free bytesize.Size
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Evict removable replicas until the given space is free",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(cmd.Context(), opts, func(p *pool) error {
				sw, err := sweeper.New(p.repo, sweeper.Options{Margin: free.Bytes(), Logger: log.Logger})
				if err != nil {
					return err
				}
				defer sw.Close()
				reclaimed := sw.Sweep()
				st := sw.Stats()
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "evicted %d replicas, reclaimed %s\n",
					st.Evictions, bytesize.Format(reclaimed))
				return nil
			})
		},
	}
	cmd.Flags().Var(&free, "free", "space to make available, e.g. 10GB")
	_ = cmd.MarkFlagRequired("free")
	return cmd
}
