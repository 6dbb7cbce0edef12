package reporting

import (
	"bytes"
	"fmt"

	"github.com/go-pdf/fpdf"

	"github.com/forestshield/forestshield/internal/models"
)

// Color scheme - forest green theme
var (
	colorPrimary     = [3]int{27, 67, 50}    // Deep forest green
	colorSecondary   = [3]int{64, 145, 108}  // Mid green
	colorWarning     = [3]int{241, 196, 15}  // Yellow
	colorDanger      = [3]int{231, 76, 60}   // Red
	colorTextDark    = [3]int{44, 62, 80}    // Dark text
	colorTextMuted   = [3]int{127, 140, 141} // Muted text
	colorBackground  = [3]int{248, 249, 250} // Light gray bg
	colorTableAlt    = [3]int{241, 245, 249} // Alternating row
	colorGridLine    = [3]int{220, 220, 220} // Chart grid
)

// PDFGenerator handles PDF report generation.
type PDFGenerator struct{}

// NewPDFGenerator creates a new PDF generator.
func NewPDFGenerator() *PDFGenerator {
	return &PDFGenerator{}
}

// Generate creates a PDF report from the provided data.
func (g *PDFGenerator) Generate(data *ReportData) ([]byte, error) {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(20, 20, 20)
	pdf.SetAutoPageBreak(true, 25)

	g.writeCoverPage(pdf, data)

	pdf.AddPage()
	g.addPageHeader(pdf, data, "Deforestation Summary")
	g.writeSummarySection(pdf, data)

	if len(data.Trend) > 1 {
		g.writeTrendChart(pdf, data)
	}

	if len(data.Alerts) > 0 {
		if pdf.GetY() > 180 {
			pdf.AddPage()
			g.addPageHeader(pdf, data, "Alerts")
		}
		g.writeAlertsSection(pdf, data)
	}

	g.addPageNumbers(pdf)

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("PDF output error: %w", err)
	}
	return buf.Bytes(), nil
}

func (g *PDFGenerator) writeCoverPage(pdf *fpdf.Fpdf, data *ReportData) {
	pdf.AddPage()
	pageWidth, _ := pdf.GetPageSize()

	// Top accent bar
	pdf.SetFillColor(colorPrimary[0], colorPrimary[1], colorPrimary[2])
	pdf.Rect(0, 0, pageWidth, 8, "F")

	pdf.SetY(50)
	pdf.SetFont("Arial", "B", 32)
	pdf.SetTextColor(colorPrimary[0], colorPrimary[1], colorPrimary[2])
	pdf.CellFormat(0, 15, "FORESTSHIELD", "", 1, "C", false, 0, "")

	pdf.SetFont("Arial", "", 12)
	pdf.SetTextColor(colorTextMuted[0], colorTextMuted[1], colorTextMuted[2])
	pdf.CellFormat(0, 8, "Deforestation Monitoring", "", 1, "C", false, 0, "")

	pdf.SetY(100)
	pdf.SetFont("Arial", "B", 28)
	pdf.SetTextColor(colorTextDark[0], colorTextDark[1], colorTextDark[2])
	pdf.CellFormat(0, 12, "Region Report", "", 1, "C", false, 0, "")

	// Region info box
	pdf.SetY(130)
	boxX := 40.0
	boxWidth := pageWidth - 80
	pdf.SetFillColor(colorBackground[0], colorBackground[1], colorBackground[2])
	pdf.SetDrawColor(colorGridLine[0], colorGridLine[1], colorGridLine[2])
	pdf.RoundedRect(boxX, pdf.GetY(), boxWidth, 50, 3, "1234", "FD")

	pdf.SetY(pdf.GetY() + 10)
	pdf.SetFont("Arial", "B", 11)
	pdf.SetTextColor(colorTextMuted[0], colorTextMuted[1], colorTextMuted[2])
	pdf.CellFormat(0, 7, "REGION", "", 1, "C", false, 0, "")

	pdf.SetFont("Arial", "B", 16)
	pdf.SetTextColor(colorTextDark[0], colorTextDark[1], colorTextDark[2])
	pdf.CellFormat(0, 10, data.RegionName, "", 1, "C", false, 0, "")

	pdf.SetFont("Arial", "", 11)
	pdf.SetTextColor(colorTextMuted[0], colorTextMuted[1], colorTextMuted[2])
	pdf.CellFormat(0, 8, fmt.Sprintf("%s  -  %s",
		data.PeriodStart.Format("Jan 2, 2006"), data.PeriodEnd.Format("Jan 2, 2006")), "", 1, "C", false, 0, "")

	level := data.HighestLevel()
	c := levelColor(level)
	pdf.SetY(200)
	pdf.SetFont("Arial", "B", 14)
	pdf.SetTextColor(c[0], c[1], c[2])
	pdf.CellFormat(0, 10, fmt.Sprintf("Peak risk level: %s", level), "", 1, "C", false, 0, "")

	pdf.SetY(270)
	pdf.SetFont("Arial", "", 9)
	pdf.SetTextColor(colorTextMuted[0], colorTextMuted[1], colorTextMuted[2])
	pdf.CellFormat(0, 5, "Generated "+data.GeneratedAt.Format("2006-01-02 15:04 UTC"), "", 1, "C", false, 0, "")
}

func (g *PDFGenerator) addPageHeader(pdf *fpdf.Fpdf, data *ReportData, section string) {
	pdf.SetFillColor(colorPrimary[0], colorPrimary[1], colorPrimary[2])
	pageWidth, _ := pdf.GetPageSize()
	pdf.Rect(0, 0, pageWidth, 3, "F")

	pdf.SetY(12)
	pdf.SetFont("Arial", "B", 16)
	pdf.SetTextColor(colorTextDark[0], colorTextDark[1], colorTextDark[2])
	pdf.CellFormat(0, 10, section, "", 0, "L", false, 0, "")

	pdf.SetFont("Arial", "", 9)
	pdf.SetTextColor(colorTextMuted[0], colorTextMuted[1], colorTextMuted[2])
	pdf.CellFormat(0, 10, data.RegionName, "", 1, "R", false, 0, "")
	pdf.Ln(4)
}

func (g *PDFGenerator) writeSummarySection(pdf *fpdf.Fpdf, data *ReportData) {
	completed, failed := 0, 0
	for _, r := range data.Runs {
		switch r.Status {
		case models.RunSucceeded, models.RunNoImagesFound:
			completed++
		case models.RunFailed, models.RunTimedOut:
			failed++
		}
	}

	var latest, peak float64
	if len(data.Trend) > 0 {
		latest = data.Trend[len(data.Trend)-1].DeforestationPct
		for _, p := range data.Trend {
			if p.DeforestationPct > peak {
				peak = p.DeforestationPct
			}
		}
	}

	rows := []struct {
		label, value string
	}{
		{"Analysis runs completed", fmt.Sprintf("%d", completed)},
		{"Analysis runs failed", fmt.Sprintf("%d", failed)},
		{"Alerts raised", fmt.Sprintf("%d", len(data.Alerts))},
		{"Latest deforestation", fmt.Sprintf("%.1f%%", latest)},
		{"Peak deforestation", fmt.Sprintf("%.1f%%", peak)},
	}

	pdf.SetFont("Arial", "", 11)
	for i, row := range rows {
		if i%2 == 1 {
			pdf.SetFillColor(colorTableAlt[0], colorTableAlt[1], colorTableAlt[2])
		} else {
			pdf.SetFillColor(255, 255, 255)
		}
		pdf.SetTextColor(colorTextDark[0], colorTextDark[1], colorTextDark[2])
		pdf.CellFormat(110, 9, row.label, "", 0, "L", true, 0, "")
		pdf.SetFont("Arial", "B", 11)
		pdf.CellFormat(60, 9, row.value, "", 1, "R", true, 0, "")
		pdf.SetFont("Arial", "", 11)
	}
	pdf.Ln(6)
}

// writeTrendChart draws the deforestation-over-time polyline.
func (g *PDFGenerator) writeTrendChart(pdf *fpdf.Fpdf, data *ReportData) {
	x, y := 20.0, pdf.GetY()+4
	width, height := 170.0, 60.0

	pdf.SetFont("Arial", "B", 12)
	pdf.SetTextColor(colorTextDark[0], colorTextDark[1], colorTextDark[2])
	pdf.SetXY(x, y)
	pdf.CellFormat(0, 8, "Deforestation Trend", "", 1, "L", false, 0, "")
	y = pdf.GetY() + 2

	maxVal := 1.0
	for _, p := range data.Trend {
		if p.DeforestationPct > maxVal {
			maxVal = p.DeforestationPct
		}
	}

	pdf.SetDrawColor(colorGridLine[0], colorGridLine[1], colorGridLine[2])
	for i := 0; i <= 4; i++ {
		gy := y + height*float64(i)/4
		pdf.Line(x, gy, x+width, gy)
		pdf.SetFont("Arial", "", 7)
		pdf.SetTextColor(colorTextMuted[0], colorTextMuted[1], colorTextMuted[2])
		pdf.SetXY(x-12, gy-2)
		pdf.CellFormat(10, 4, fmt.Sprintf("%.0f%%", maxVal*float64(4-i)/4), "", 0, "R", false, 0, "")
	}

	pdf.SetDrawColor(colorSecondary[0], colorSecondary[1], colorSecondary[2])
	pdf.SetLineWidth(0.6)
	n := len(data.Trend)
	for i := 1; i < n; i++ {
		x1 := x + width*float64(i-1)/float64(n-1)
		y1 := y + height*(1-data.Trend[i-1].DeforestationPct/maxVal)
		x2 := x + width*float64(i)/float64(n-1)
		y2 := y + height*(1-data.Trend[i].DeforestationPct/maxVal)
		pdf.Line(x1, y1, x2, y2)
	}
	pdf.SetLineWidth(0.2)
	pdf.SetY(y + height + 8)
}

func (g *PDFGenerator) writeAlertsSection(pdf *fpdf.Fpdf, data *ReportData) {
	pdf.SetFont("Arial", "B", 12)
	pdf.SetTextColor(colorTextDark[0], colorTextDark[1], colorTextDark[2])
	pdf.CellFormat(0, 8, "Alerts", "", 1, "L", false, 0, "")

	pdf.SetFillColor(colorPrimary[0], colorPrimary[1], colorPrimary[2])
	pdf.SetTextColor(255, 255, 255)
	pdf.SetFont("Arial", "B", 9)
	pdf.CellFormat(35, 8, "Time (UTC)", "", 0, "L", true, 0, "")
	pdf.CellFormat(25, 8, "Level", "", 0, "L", true, 0, "")
	pdf.CellFormat(25, 8, "Loss", "", 0, "R", true, 0, "")
	pdf.CellFormat(25, 8, "Confidence", "", 0, "R", true, 0, "")
	pdf.CellFormat(60, 8, "Acknowledged", "", 1, "L", true, 0, "")

	pdf.SetFont("Arial", "", 9)
	for i, a := range data.Alerts {
		if i%2 == 1 {
			pdf.SetFillColor(colorTableAlt[0], colorTableAlt[1], colorTableAlt[2])
		} else {
			pdf.SetFillColor(255, 255, 255)
		}
		c := levelColor(a.Level)
		pdf.SetTextColor(colorTextDark[0], colorTextDark[1], colorTextDark[2])
		pdf.CellFormat(35, 7, a.Timestamp.Format("2006-01-02 15:04"), "", 0, "L", true, 0, "")
		pdf.SetTextColor(c[0], c[1], c[2])
		pdf.CellFormat(25, 7, string(a.Level), "", 0, "L", true, 0, "")
		pdf.SetTextColor(colorTextDark[0], colorTextDark[1], colorTextDark[2])
		pdf.CellFormat(25, 7, fmt.Sprintf("%.1f%%", a.DeforestationPct), "", 0, "R", true, 0, "")
		pdf.CellFormat(25, 7, fmt.Sprintf("%.2f", a.ConfidenceScore), "", 0, "R", true, 0, "")
		ack := "no"
		if a.Acknowledged {
			ack = "yes"
		}
		pdf.CellFormat(60, 7, ack, "", 1, "L", true, 0, "")
	}
	pdf.Ln(4)
}

func (g *PDFGenerator) addPageNumbers(pdf *fpdf.Fpdf) {
	total := pdf.PageCount()
	for i := 2; i <= total; i++ {
		pdf.SetPage(i)
		pdf.SetY(-15)
		pdf.SetFont("Arial", "", 8)
		pdf.SetTextColor(colorTextMuted[0], colorTextMuted[1], colorTextMuted[2])
		pdf.CellFormat(0, 10, fmt.Sprintf("Page %d of %d", i, total), "", 0, "C", false, 0, "")
	}
}

func levelColor(level models.RiskLevel) [3]int {
	switch level {
	case models.RiskCritical, models.RiskHigh:
		return colorDanger
	case models.RiskModerate, models.RiskLow:
		return colorWarning
	default:
		return colorSecondary
	}
}
