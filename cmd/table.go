package main

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// column is one column of a listing: its header and whether values are
// right-aligned (counts, durations).
type column struct {
	title   string
	numeric bool
}

var (
	submissionColumns = []column{
		{title: "Request ID"},
		{title: "Status"},
		{title: "Created"},
		{title: "Age", numeric: true},
	}
	productRowColumns = []column{
		{title: "#", numeric: true},
		{title: "S. No"},
		{title: "Product"},
		{title: "Inputs", numeric: true},
		{title: "Outputs", numeric: true},
	}
)

// renderTable lays rows out under cols and closes the listing with a footer
// that counts them as noun.
func renderTable(cols []column, rows []table.Row, noun string) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleLight)

	header := make(table.Row, len(cols))
	configs := make([]table.ColumnConfig, len(cols))
	for i, c := range cols {
		header[i] = c.title
		align := text.AlignLeft
		if c.numeric {
			align = text.AlignRight
		}
		configs[i] = table.ColumnConfig{Number: i + 1, Align: align, AlignHeader: text.AlignLeft}
	}
	tw.AppendHeader(header)
	tw.AppendRows(rows)
	tw.SetColumnConfigs(configs)
	tw.AppendFooter(table.Row{fmt.Sprintf("%d %s", len(rows), noun)})

	return tw.Render()
}
