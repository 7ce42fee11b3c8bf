package report

import (
	"encoding/xml"
	"io"
	"time"

	"github.com/anstrom/batchscan/internal/batch"
	"github.com/anstrom/batchscan/internal/errors"
	"github.com/anstrom/batchscan/internal/scanning"
)

// batchXML is the root element of the XML encoding.
type batchXML struct {
	XMLName     xml.Name    `xml:"batchscan"`
	BatchID     string      `xml:"batch_id,attr"`
	StartTime   string      `xml:"start_time,attr"`
	EndTime     string      `xml:"end_time,attr"`
	Duration    string      `xml:"duration,attr"`
	Strategy    string      `xml:"strategy,attr"`
	Concurrency int         `xml:"concurrency,attr"`
	Summary     summaryXML  `xml:"summary"`
	Targets     []targetXML `xml:"targets>target"`
}

type summaryXML struct {
	TotalTargets    int               `xml:"total_targets,attr"`
	Succeeded       int               `xml:"succeeded,attr"`
	Failed          int               `xml:"failed,attr"`
	OpenPorts       int               `xml:"open_ports,attr"`
	HighRisk        int               `xml:"high_risk,attr"`
	MediumRisk      int               `xml:"medium_risk,attr"`
	LowRisk         int               `xml:"low_risk,attr"`
	Ports           []batch.PortCount `xml:"port_histogram>port"`
	Recommendations []string          `xml:"recommendation"`
}

type targetXML struct {
	Target      string              `xml:"name,attr"`
	Status      string              `xml:"status,attr"`
	StartedAt   string              `xml:"started_at,attr"`
	CompletedAt string              `xml:"completed_at,attr"`
	Attempts    int                 `xml:"attempts,attr"`
	Hosts       []string            `xml:"host"`
	Ports       []scanning.PortInfo `xml:"ports>port"`
	Analysis    *scanning.Analysis  `xml:"analysis,omitempty"`
	Error       *errors.ScanError   `xml:"error,omitempty"`
}

// XMLRenderer writes the batch as an XML document.
type XMLRenderer struct{}

// Render implements Renderer.
func (XMLRenderer) Render(w io.Writer, result *batch.Result) error {
	doc := batchXML{
		BatchID:     result.ID,
		StartTime:   result.StartTime.Format(time.RFC3339),
		EndTime:     result.EndTime.Format(time.RFC3339),
		Duration:    result.Duration().String(),
		Strategy:    string(result.Strategy),
		Concurrency: result.Concurrency,
		Summary: summaryXML{
			TotalTargets:    result.TotalTargets,
			Succeeded:       result.Succeeded,
			Failed:          result.Failed,
			OpenPorts:       result.Stats.OpenPorts,
			HighRisk:        result.Stats.Risk.Levels[scanning.RiskHigh],
			MediumRisk:      result.Stats.Risk.Levels[scanning.RiskMedium],
			LowRisk:         result.Stats.Risk.Levels[scanning.RiskLow],
			Ports:           result.Stats.PortHistogram,
			Recommendations: result.Stats.Recommendations,
		},
		Targets: make([]targetXML, 0, len(result.Records)),
	}

	for _, r := range result.Records {
		doc.Targets = append(doc.Targets, targetXML{
			Target:      r.Target,
			Status:      string(r.Status),
			StartedAt:   r.StartedAt.Format(time.RFC3339),
			CompletedAt: r.CompletedAt.Format(time.RFC3339),
			Attempts:    r.Attempts,
			Hosts:       r.Hosts,
			Ports:       r.OpenPorts,
			Analysis:    r.Analysis,
			Error:       r.Error,
		})
	}

	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	encoder := xml.NewEncoder(w)
	encoder.Indent("", "  ")
	if err := encoder.Encode(doc); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\n")
	return err
}
