package k0fiscan

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/jung-kurt/gofpdf"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#6C5CE7")).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	portStyle   = cellStyle.Foreground(lipgloss.Color("#00B894"))
	borderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#636e72"))
)

// WriteTable renders results as a bordered table.
func WriteTable(w io.Writer, results []ScanResult) error {
	rows := make([][]string, 0, len(results))
	for _, r := range results {
		rows = append(rows, []string{r.Host.String(), strconv.Itoa(int(r.Port)), r.ServiceName, r.Comment})
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(borderStyle).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return headerStyle
			case col == 1:
				return portStyle
			default:
				return cellStyle
			}
		}).
		Headers("IP", "PORT", "SERVICE", "COMMENT").
		Rows(rows...)

	_, err := fmt.Fprintln(w, t.Render())
	return err
}

// WriteJSON writes results as an indented JSON array.
func WriteJSON(w io.Writer, results []ScanResult) error {
	if results == nil {
		results = []ScanResult{}
	}
	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

// WriteResults writes results in the named format.
func WriteResults(w io.Writer, format string, results []ScanResult) error {
	switch format {
	case OutputJSON:
		return WriteJSON(w, results)
	case OutputTable:
		return WriteTable(w, results)
	default:
		return fmt.Errorf("%w: %q", ErrInvalidOutput, format)
	}
}

// ReportMeta describes the scan a PDF report was produced from.
type ReportMeta struct {
	ScanID   string
	Started  time.Time
	Duration time.Duration
	Hosts    int
	Ports    int
}

// WritePDFReport generates a PDF report of the open ports.
func WritePDFReport(filePath string, meta ReportMeta, results []ScanResult) error {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetAuthor("k0fiscan", true)
	pdf.SetTitle("Port Scan Report", true)

	pdf.SetHeaderFunc(func() {
		pdf.SetFont("Arial", "B", 15)
		pdf.Cell(0, 10, "k0fiscan Port Scan Report")
		pdf.Ln(15)
	})
	pdf.SetFooterFunc(func() {
		pdf.SetY(-15)
		pdf.SetFont("Arial", "I", 8)
		pdf.Cell(0, 10, fmt.Sprintf("Page %d / {nb}", pdf.PageNo()))
	})
	pdf.AliasNbPages("{nb}")
	pdf.AddPage()

	pdf.SetFont("Arial", "B", 12)
	pdf.Cell(0, 10, "Scan Summary")
	pdf.Ln(10)

	pdf.SetFont("Arial", "", 10)
	for _, line := range []string{
		fmt.Sprintf("Scan ID: %s", meta.ScanID),
		fmt.Sprintf("Started: %s", meta.Started.Format("2006-01-02 15:04:05 MST")),
		fmt.Sprintf("Duration: %s", meta.Duration.Round(time.Millisecond)),
		fmt.Sprintf("Hosts: %d, ports per host: %d", meta.Hosts, meta.Ports),
		fmt.Sprintf("Open ports found: %d", len(results)),
	} {
		pdf.Cell(0, 7, line)
		pdf.Ln(7)
	}
	pdf.Ln(8)

	widths := []float64{40, 20, 40, 90}
	pdf.SetFont("Arial", "B", 10)
	pdf.SetFillColor(220, 220, 220)
	for i, h := range []string{"IP", "Port", "Service", "Comment"} {
		pdf.CellFormat(widths[i], 8, h, "1", 0, "L", true, 0, "")
	}
	pdf.Ln(-1)

	pdf.SetFont("Arial", "", 8)
	for _, r := range results {
		// Core fonts have no ellipsis glyph.
		comment := strings.ReplaceAll(r.Comment, Ellipsis, "...")
		cells := []string{r.Host.String(), strconv.Itoa(int(r.Port)), r.ServiceName, comment}
		for i, c := range cells {
			pdf.CellFormat(widths[i], 7, c, "1", 0, "L", false, 0, "")
		}
		pdf.Ln(-1)
	}

	return pdf.OutputFileAndClose(filePath)
}
