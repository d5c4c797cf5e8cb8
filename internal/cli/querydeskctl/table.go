package querydeskctl

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
)

const maxCellWidth = 48

func writeTable(w io.Writer, columns []string, rows [][]any) {
	if len(columns) == 0 {
		_, _ = fmt.Fprintln(w, "(no columns)")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, strings.Join(columns, "\t"))
	for _, row := range rows {
		cells := make([]string, len(row))
		for i, value := range row {
			cells[i] = formatCell(value)
		}
		_, _ = fmt.Fprintln(tw, strings.Join(cells, "\t"))
	}
	_ = tw.Flush()
	_, _ = fmt.Fprintf(w, "(%d rows)\n", len(rows))
}

func formatCell(value any) string {
	if value == nil {
		return "NULL"
	}
	text := strings.ReplaceAll(fmt.Sprint(value), "\n", " ")
	if len(text) > maxCellWidth {
		return text[:maxCellWidth-3] + "..."
	}
	return text
}
