package mirror

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"
)

type parquetInvoice struct {
	InvoiceID       string `parquet:"name=invoice_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Supplier        string `parquet:"name=supplier, type=BYTE_ARRAY, convertedtype=UTF8"`
	State           string `parquet:"name=state, type=BYTE_ARRAY, convertedtype=UTF8"`
	PayoutAmount    string `parquet:"name=payout_amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	RepaymentAmount string `parquet:"name=repayment_amount, type=BYTE_ARRAY, convertedtype=UTF8"`
	DueDate         int64  `parquet:"name=due_date, type=INT64"`
	FinancedAt      int64  `parquet:"name=financed_at, type=INT64"`
	AmountPaid      string `parquet:"name=amount_paid, type=BYTE_ARRAY, convertedtype=UTF8"`
	LateFee         string `parquet:"name=late_fee, type=BYTE_ARRAY, convertedtype=UTF8"`
	TotalInterest   string `parquet:"name=total_interest, type=BYTE_ARRAY, convertedtype=UTF8"`
	ProtocolFee     string `parquet:"name=protocol_fee, type=BYTE_ARRAY, convertedtype=UTF8"`
	LPInterest      string `parquet:"name=lp_interest, type=BYTE_ARRAY, convertedtype=UTF8"`
	RepaidAt        string `parquet:"name=repaid_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// ExportParquet writes every projection row to path as a SNAPPY-compressed
// Parquet file and returns the number of rows written.
func (m *Mirror) ExportParquet(ctx context.Context, path string) (int, error) {
	rows, err := m.Invoices(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("mirror: load invoices: %w", err)
	}
	file, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("mirror: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(parquetInvoice), 1)
	if err != nil {
		file.Close()
		return 0, fmt.Errorf("mirror: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		pr := &parquetInvoice{
			InvoiceID:       row.InvoiceID,
			Supplier:        row.Supplier,
			State:           string(row.State),
			PayoutAmount:    row.PayoutAmount,
			RepaymentAmount: row.RepaymentAmount,
			DueDate:         row.DueDate,
			FinancedAt:      row.FinancedAt,
			AmountPaid:      row.AmountPaid,
			LateFee:         row.LateFee,
			TotalInterest:   row.TotalInterest,
			ProtocolFee:     row.ProtocolFee,
			LPInterest:      row.LPInterest,
		}
		if row.RepaidAt != nil {
			pr.RepaidAt = row.RepaidAt.UTC().Format(time.RFC3339)
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return 0, fmt.Errorf("mirror: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return 0, fmt.Errorf("mirror: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return 0, fmt.Errorf("mirror: close parquet file: %w", err)
	}
	m.logger.Info("mirror export written", "path", path, "rows", len(rows))
	return len(rows), nil
}
