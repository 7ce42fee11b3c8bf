package report

import (
	"encoding/csv"
	"io"
	"strconv"

	"github.com/anstrom/batchscan/internal/batch"
	"github.com/anstrom/batchscan/internal/scanning"
)

// CSVHeader is the column layout of the tabular encoding.
var CSVHeader = []string{
	"Target", "Status", "Host", "Port", "Protocol", "State", "Service", "Product", "Version", "RiskScore",
}

// CSVRenderer writes one row per (target, port). A target without open
// ports still gets exactly one row with the port columns left blank.
type CSVRenderer struct{}

// Render implements Renderer.
func (CSVRenderer) Render(w io.Writer, result *batch.Result) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(CSVHeader); err != nil {
		return err
	}

	for i := range result.Records {
		for _, row := range csvRows(&result.Records[i]) {
			if err := cw.Write(row); err != nil {
				return err
			}
		}
	}

	cw.Flush()
	return cw.Error()
}

func csvRows(record *scanning.ScanRecord) [][]string {
	score := riskScore(record)
	if len(record.OpenPorts) == 0 {
		return [][]string{{record.Target, string(record.Status), firstHost(record), "", "", "", "", "", "", score}}
	}

	rows := make([][]string, 0, len(record.OpenPorts))
	for _, p := range record.OpenPorts {
		host := p.Host
		if host == "" {
			host = firstHost(record)
		}
		rows = append(rows, []string{
			record.Target,
			string(record.Status),
			host,
			strconv.Itoa(p.Port),
			p.Protocol,
			p.State,
			p.Service,
			p.Product,
			p.Version,
			score,
		})
	}
	return rows
}

func firstHost(record *scanning.ScanRecord) string {
	if len(record.Hosts) > 0 {
		return record.Hosts[0]
	}
	return ""
}

// riskScore formats the analyzer score, blank when there is none.
func riskScore(record *scanning.ScanRecord) string {
	if record.Analysis == nil || record.Analysis.Error != nil {
		return ""
	}
	return strconv.FormatFloat(record.Analysis.RiskScore, 'f', 2, 64)
}
