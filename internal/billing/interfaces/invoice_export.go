package interfaces

import (
	"bytes"
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/skip2/go-qrcode"
	"github.com/xuri/excelize/v2"

	billing "solarshare/internal/billing/domain"
)

// BuildInvoicePDF renders an invoice with an optional PIX payment QR code.
func BuildInvoicePDF(inv *billing.Invoice, customer billing.Customer, payment PaymentInfo) ([]byte, error) {
	if inv == nil {
		return nil, billing.ErrNilInvoice
	}
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetFont("Arial", "B", 16)
	pdf.AddPage()

	pdf.Cell(0, 10, "Energy Credit Invoice")
	pdf.Ln(12)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Invoice: %s", inv.ID))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Customer: %s (%s)", customer.Name, inv.CustomerID))
	pdf.Ln(5)
	if customer.Document != "" {
		pdf.Cell(0, 6, fmt.Sprintf("Document: %s", customer.Document))
		pdf.Ln(5)
	}
	pdf.Cell(0, 6, fmt.Sprintf("Installation: %s", inv.InstallationID))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Reference month: %s", inv.ReferenceMonth))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Due date: %s", inv.DueDate.Format("2006-01-02")))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Status: %s", inv.Status))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Issued: %s", inv.CreatedAt.Format(time.RFC3339)))
	pdf.Ln(10)

	pdf.SetFont("Arial", "B", 10)
	pdf.CellFormat(90, 7, "Item", "1", 0, "L", false, 0, "")
	pdf.CellFormat(60, 7, "Value", "1", 0, "R", false, 0, "")
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 10)
	rows := [][2]string{
		{"Compensated energy (kWh)", inv.EnergyKWh.StringFixed(3)},
		{"Distributor rate (per kWh)", inv.Rate.StringFixed(6)},
		{"Discount", inv.DiscountPercentage.Shift(2).StringFixed(2) + "%"},
		{"Effective rate (per kWh)", inv.EffectiveRate.StringFixed(6)},
		{fmt.Sprintf("Without discount (%s)", inv.Currency), inv.TotalAmount.StringFixed(2)},
		{fmt.Sprintf("Savings (%s)", inv.Currency), inv.Savings.StringFixed(2)},
	}
	for _, row := range rows {
		pdf.CellFormat(90, 6, row[0], "1", 0, "L", false, 0, "")
		pdf.CellFormat(60, 6, row[1], "1", 0, "R", false, 0, "")
		pdf.Ln(-1)
	}
	pdf.Ln(4)
	pdf.SetFont("Arial", "B", 14)
	pdf.CellFormat(150, 10, fmt.Sprintf("Amount due: %s %s", inv.Currency, inv.InvoiceAmount.StringFixed(2)), "", 0, "R", false, 0, "")
	pdf.Ln(14)

	if payload := BuildPixPayload(payment, inv); payload != "" && inv.InvoiceAmount.IsPositive() {
		png, err := qrcode.Encode(payload, qrcode.Medium, 256)
		if err != nil {
			return nil, fmt.Errorf("invoice pdf: qr code: %w", err)
		}
		name := "pix-" + inv.ID
		pdf.RegisterImageOptionsReader(name, gofpdf.ImageOptions{ImageType: "PNG"}, bytes.NewReader(png))
		pdf.SetFont("Arial", "B", 10)
		pdf.Cell(0, 6, "Pay with PIX")
		pdf.Ln(6)
		pdf.ImageOptions(name, pdf.GetX(), pdf.GetY(), 50, 50, false, gofpdf.ImageOptions{ImageType: "PNG"}, 0, "")
		pdf.Ln(54)
		pdf.SetFont("Arial", "", 7)
		pdf.MultiCell(0, 4, payload, "", "L", false)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildInvoicesXLSX renders a summary sheet with one row per invoice.
func BuildInvoicesXLSX(invoices []*billing.Invoice) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()
	sheet := "invoices"
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return nil, err
	}

	headers := []string{"Invoice", "Customer", "Installation", "Month", "Due Date", "Energy (kWh)",
		"Rate", "Discount", "Effective Rate", "Total Amount", "Savings", "Invoice Amount", "Currency", "Status"}
	for i, h := range headers {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return nil, err
		}
		_ = f.SetCellValue(sheet, cell, h)
	}
	for i, inv := range invoices {
		row := i + 2
		values := []any{
			inv.ID,
			inv.CustomerID,
			inv.InstallationID,
			inv.ReferenceMonth.String(),
			inv.DueDate.Format("2006-01-02"),
			inv.EnergyKWh.InexactFloat64(),
			inv.Rate.InexactFloat64(),
			inv.DiscountPercentage.InexactFloat64(),
			inv.EffectiveRate.InexactFloat64(),
			inv.TotalAmount.InexactFloat64(),
			inv.Savings.InexactFloat64(),
			inv.InvoiceAmount.InexactFloat64(),
			inv.Currency,
			string(inv.Status),
		}
		for col, v := range values {
			cell, err := excelize.CoordinatesToCellName(col+1, row)
			if err != nil {
				return nil, err
			}
			_ = f.SetCellValue(sheet, cell, v)
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
