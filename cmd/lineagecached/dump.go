package main

import (
	"fmt"
	"io"
	"sort"

	"github.com/olekukonko/tablewriter"

	"github.com/rayforge/lineagecache/cache"
)

// renderDump prints the observability surface named in spec.md §6: one
// row per entry currently present, as (task_id, status, forwarded_to).
// tableStyle picks the boxed tablewriter rendering; otherwise a plain
// tab-separated line per row is printed (for piping into other tools).
func renderDump(w io.Writer, rows []cache.DebugRow, tableStyle bool) {
	sort.Slice(rows, func(i, j int) bool {
		return rows[i].TaskID.String() < rows[j].TaskID.String()
	})

	if !tableStyle {
		for _, r := range rows {
			fmt.Fprintf(w, "%s\t%s\t%s\n", r.TaskID, r.Status, forwardedToString(r))
		}
		return
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"task_id", "status", "forwarded_to"})
	for _, r := range rows {
		table.Append([]string{r.TaskID.String(), r.Status.String(), forwardedToString(r)})
	}
	table.Render()
}

func forwardedToString(r cache.DebugRow) string {
	if len(r.ForwardedTo) == 0 {
		return "-"
	}
	out := ""
	for i, n := range r.ForwardedTo {
		if i > 0 {
			out += ","
		}
		out += n.String()
	}
	return out
}
