package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mcoops/go-cve2attack/internal/reference"
	"github.com/mcoops/go-cve2attack/internal/store"
	"github.com/mcoops/go-cve2attack/pkg/cve"
)

func newLookupCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "lookup CVE-ID [CVE-ID...]",
		Short: "Show the stored techniques and tactics of CVE records",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.lookup(args, cmd.OutOrStdout())
		},
	}
}

func (a *app) lookup(ids []string, out io.Writer) error {
	tactics, err := reference.LoadTechniques(a.cfg.Reference.TechniquePath(), a.log)
	if errors.Is(err, fs.ErrNotExist) {
		a.log.Warn().Str("path", a.cfg.Reference.TechniquePath()).Msg("technique registry not found, tactics will be unavailable")
		tactics, err = map[string][]string{}, nil
	}
	if err != nil {
		return err
	}

	s := store.New(a.cfg.Store.Dir, a.cfg.Store.LatestFile, a.log)
	normalized := make([]string, len(ids))
	for i, id := range ids {
		normalized[i] = strings.ToUpper(strings.TrimSpace(id))
	}
	found, missing, err := s.Lookup(normalized)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CVE\tCWE\tCAPEC\tTECHNIQUE\tTACTICS")
	for _, id := range normalized {
		e, ok := found[id]
		if !ok {
			continue
		}
		writeEntry(tw, id, e, tactics)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	for _, id := range missing {
		fmt.Fprintf(out, "%s: not found\n", id)
	}
	return nil
}

// writeEntry prints one row per technique, or a single row when there are none.
func writeEntry(w io.Writer, id string, e cve.Entry, tactics map[string][]string) {
	cwes := join(e.CWE)
	capecs := join(e.CAPEC)
	if len(e.Techniques) == 0 {
		fmt.Fprintf(w, "%s\t%s\t%s\t-\t-\n", id, cwes, capecs)
		return
	}
	for _, code := range e.Techniques {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", id, cwes, capecs, techniqueID(code), join(tacticsOf(code, tactics)))
	}
}

// CAPEC mappings carry bare codes ("1059.007") while the registry is keyed by
// ATT&CK ids ("T1059.007").
func techniqueID(code string) string {
	if strings.HasPrefix(code, "T") {
		return code
	}
	return "T" + code
}

func tacticsOf(code string, registry map[string][]string) []string {
	if t, ok := registry[code]; ok {
		return t
	}
	return registry[techniqueID(code)]
}

func join(ids []string) string {
	if len(ids) == 0 {
		return "-"
	}
	return strings.Join(ids, ",")
}
