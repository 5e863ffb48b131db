package report

import (
	"fmt"
	"sort"
	"strings"

	"github.com/xuri/excelize/v2"

	"invoice-collector-go/internal/model"
)

// SheetName is the worksheet holding the invoice rows.
const SheetName = "Invoices"

// ContentType is the media type of the generated workbook.
const ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

var header = []interface{}{"Date", "Supplier", "Sender", "Filename", "Net", "Tax", "Total", "Currency", "Remote path", "Link"}

var summaryHeader = []interface{}{"Supplier", "Currency", "Invoices", "Net", "Tax", "Total"}

// amountFormat is the built-in "#,##0.00" number format.
const amountFormat = 4

// totals accumulates the amounts of a group. An amount stays nil until a
// record in the group carries it.
type totals struct {
	count int
	net   *float64
	tax   *float64
	total *float64
}

func (t *totals) add(rec model.AttachmentRecord) {
	t.count++
	t.net = addAmount(t.net, rec.NetAmount)
	t.tax = addAmount(t.tax, rec.TaxAmount)
	t.total = addAmount(t.total, rec.TotalAmount)
}

func addAmount(sum, v *float64) *float64 {
	if v == nil {
		return sum
	}
	if sum == nil {
		s := *v
		return &s
	}
	s := *sum + *v
	return &s
}

func cellAmount(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

// supplierLabel is the extracted supplier, or the sender's domain name when
// the model could not read one.
func supplierLabel(rec model.AttachmentRecord) string {
	if rec.Supplier != "" {
		return rec.Supplier
	}
	at := strings.LastIndex(rec.Sender, "@")
	if at < 0 {
		return rec.Sender
	}
	labels := strings.Split(strings.ToLower(rec.Sender[at+1:]), ".")
	if len(labels) >= 2 {
		return labels[len(labels)-2]
	}
	return labels[0]
}

// invoiceDate prefers the date printed on the invoice over the received date.
func invoiceDate(rec model.AttachmentRecord) string {
	if rec.InvoiceDate != nil {
		return rec.InvoiceDate.Format("2006-01-02")
	}
	return rec.ReceivedAt.UTC().Format("2006-01-02")
}

// BuildWorkbook renders one row per record under a frozen header, then a
// per supplier summary and one total row per currency. Records are written
// in the order given.
func BuildWorkbook(year, month int, records []model.AttachmentRecord) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SheetName); err != nil {
		return nil, fmt.Errorf("failed to name sheet: %w", err)
	}

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return nil, fmt.Errorf("failed to create header style: %w", err)
	}
	amount, err := f.NewStyle(&excelize.Style{NumFmt: amountFormat})
	if err != nil {
		return nil, fmt.Errorf("failed to create amount style: %w", err)
	}
	boldAmount, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}, NumFmt: amountFormat})
	if err != nil {
		return nil, fmt.Errorf("failed to create total style: %w", err)
	}

	if err := f.SetSheetRow(SheetName, "A1", &header); err != nil {
		return nil, fmt.Errorf("failed to write header: %w", err)
	}
	if err := f.SetRowStyle(SheetName, 1, 1, bold); err != nil {
		return nil, fmt.Errorf("failed to style header: %w", err)
	}
	if err := f.SetPanes(SheetName, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return nil, fmt.Errorf("failed to freeze header: %w", err)
	}

	type groupKey struct{ supplier, currency string }
	groups := make(map[groupKey]*totals)
	byCurrency := make(map[string]*totals)

	for i, rec := range records {
		row := i + 2
		cell, _ := excelize.CoordinatesToCellName(1, row)
		supplier := supplierLabel(rec)
		values := []interface{}{
			invoiceDate(rec),
			supplier,
			rec.Sender,
			rec.Filename,
			cellAmount(rec.NetAmount),
			cellAmount(rec.TaxAmount),
			cellAmount(rec.TotalAmount),
			rec.Currency,
			rec.RemotePath,
			rec.RemoteLink,
		}
		if err := f.SetSheetRow(SheetName, cell, &values); err != nil {
			return nil, fmt.Errorf("failed to write row %d: %w", row, err)
		}
		if rec.RemoteLink != "" {
			linkCell, _ := excelize.CoordinatesToCellName(len(header), row)
			if err := f.SetCellHyperLink(SheetName, linkCell, rec.RemoteLink, "External"); err != nil {
				return nil, fmt.Errorf("failed to link row %d: %w", row, err)
			}
		}

		key := groupKey{supplier: supplier, currency: rec.Currency}
		if groups[key] == nil {
			groups[key] = &totals{}
		}
		groups[key].add(rec)
		if byCurrency[rec.Currency] == nil {
			byCurrency[rec.Currency] = &totals{}
		}
		byCurrency[rec.Currency].add(rec)
	}
	if len(records) > 0 {
		if err := f.SetCellStyle(SheetName, "E2", fmt.Sprintf("G%d", len(records)+1), amount); err != nil {
			return nil, fmt.Errorf("failed to style amounts: %w", err)
		}
		if err := f.AutoFilter(SheetName, fmt.Sprintf("A1:J%d", len(records)+1), nil); err != nil {
			return nil, fmt.Errorf("failed to add filter: %w", err)
		}
	}

	// Summary block, one blank row below the invoices.
	row := len(records) + 3
	cell, _ := excelize.CoordinatesToCellName(1, row)
	if err := f.SetSheetRow(SheetName, cell, &summaryHeader); err != nil {
		return nil, fmt.Errorf("failed to write summary header: %w", err)
	}
	if err := f.SetRowStyle(SheetName, row, row, bold); err != nil {
		return nil, fmt.Errorf("failed to style summary header: %w", err)
	}

	keys := make([]groupKey, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := strings.ToLower(keys[i].supplier), strings.ToLower(keys[j].supplier)
		if a != b {
			return a < b
		}
		return keys[i].currency < keys[j].currency
	})
	for _, k := range keys {
		row++
		if err := writeTotals(f, row, k.supplier, k.currency, groups[k], amount); err != nil {
			return nil, err
		}
	}

	currencies := make([]string, 0, len(byCurrency))
	for c := range byCurrency {
		currencies = append(currencies, c)
	}
	sort.Strings(currencies)
	if len(currencies) == 0 {
		currencies = []string{""}
		byCurrency[""] = &totals{}
	}
	label := fmt.Sprintf("Invoices %04d-%02d", year, month)
	for _, c := range currencies {
		row++
		if err := writeTotals(f, row, label, c, byCurrency[c], boldAmount); err != nil {
			return nil, err
		}
		if err := f.SetCellStyle(SheetName, fmt.Sprintf("A%d", row), fmt.Sprintf("C%d", row), bold); err != nil {
			return nil, fmt.Errorf("failed to style total row: %w", err)
		}
	}

	widths := map[string]float64{
		"A": 18, "B": 28, "C": 32, "D": 36, "E": 14,
		"F": 14, "G": 14, "H": 10, "I": 60, "J": 60,
	}
	for col, w := range widths {
		if err := f.SetColWidth(SheetName, col, col, w); err != nil {
			return nil, fmt.Errorf("failed to size column %s: %w", col, err)
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to render workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func writeTotals(f *excelize.File, row int, label, currency string, t *totals, style int) error {
	cell, _ := excelize.CoordinatesToCellName(1, row)
	values := []interface{}{label, currency, t.count, cellAmount(t.net), cellAmount(t.tax), cellAmount(t.total)}
	if err := f.SetSheetRow(SheetName, cell, &values); err != nil {
		return fmt.Errorf("failed to write summary row %d: %w", row, err)
	}
	if err := f.SetCellStyle(SheetName, fmt.Sprintf("D%d", row), fmt.Sprintf("F%d", row), style); err != nil {
		return fmt.Errorf("failed to style summary row %d: %w", row, err)
	}
	return nil
}
