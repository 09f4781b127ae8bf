package main

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/developingchet/ai-lab-proxy/internal/storage"
)

// printUsage writes docs as an aligned table sorted by document ID.
func printUsage(out io.Writer, docs map[string]storage.UsageDoc) error {
	ids := make([]string, 0, len(docs))
	for id := range docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DOCUMENT\tCOUNT\tLAST\tUPDATED")
	for _, id := range ids {
		doc := docs[id]
		last := "-"
		if doc.Last > 0 {
			last = time.UnixMilli(doc.Last).UTC().Format(time.RFC3339)
		}
		updated := "-"
		if !doc.UpdatedAt.IsZero() {
			updated = doc.UpdatedAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", id, doc.Count, last, updated)
	}
	return tw.Flush()
}
