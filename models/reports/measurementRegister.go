package reports

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"github.com/oknaservice/dispatch_backend/config"
)

type MeasurementRegisterRow struct {
	Id           int
	CreatedAt    time.Time
	LeadName     string
	DealerName   string
	DeliveryZone string
	OrderNumber  string
	Quantity     int
	Area         decimal.Decimal
	Address      string
	Phone        string
	MeasurerName *string
	Reason       string
	Status       string
	AssignedAt   *time.Time
	CompletedAt  *time.Time
}

func getMeasurementRegister(ctx context.Context, from *time.Time, to *time.Time) ([]*MeasurementRegisterRow, error) {

	sql := `
SELECT
    m.id,
    m.created_at,
    m.lead_name,
    m.dealer_name,
    m.delivery_zone,
    m.order_number,
    m.quantity,
    m.area,
    m.address,
    m.phone,
    users.name AS measurer_name,
    m.reason,
    m.status,
    m.assigned_at,
    m.completed_at
FROM
    measurements m
    LEFT JOIN users ON users.id = m.confirmed_worker_id
WHERE
    (? IS NULL OR m.created_at >= ?)
    AND (? IS NULL OR m.created_at < ?)
ORDER BY
    m.created_at
`

	var records []*MeasurementRegisterRow
	db := config.GetDB()
	if err := db.WithContext(ctx).Raw(sql, from, from, to, to).Scan(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

// ExportMeasurementRegister renders the measurement register as a workbook.
// The caller owns streaming or saving the file.
func ExportMeasurementRegister(ctx context.Context, from *time.Time, to *time.Time) (*excelize.File, error) {

	data, err := getMeasurementRegister(ctx, from, to)
	if err != nil {
		return nil, err
	}

	f := excelize.NewFile()
	sheetName := "Sheet1"
	if _, err := f.NewSheet(sheetName); err != nil {
		return nil, err
	}

	// Add headers
	headings := []string{
		"Id", "Created", "Lead", "Dealer", "Zone", "OrderNumber",
		"Quantity", "Area", "Address", "Phone", "Measurer", "Reason", "Status",
		"Assigned", "Completed",
	}
	col := 'A'
	for _, h := range headings {
		f.SetCellValue(sheetName, string(col)+"1", h)
		col++
	}

	// Add data
	for i, d := range data {
		row := fmt.Sprint(i + 2)
		measurer := ""
		if d.MeasurerName != nil {
			measurer = *d.MeasurerName
		}
		f.SetCellValue(sheetName, "A"+row, d.Id)
		f.SetCellValue(sheetName, "B"+row, d.CreatedAt.Format("2006-01-02 15:04"))
		f.SetCellValue(sheetName, "C"+row, d.LeadName)
		f.SetCellValue(sheetName, "D"+row, d.DealerName)
		f.SetCellValue(sheetName, "E"+row, d.DeliveryZone)
		f.SetCellValue(sheetName, "F"+row, d.OrderNumber)
		f.SetCellValue(sheetName, "G"+row, d.Quantity)
		f.SetCellValue(sheetName, "H"+row, d.Area.InexactFloat64())
		f.SetCellValue(sheetName, "I"+row, d.Address)
		f.SetCellValue(sheetName, "J"+row, d.Phone)
		f.SetCellValue(sheetName, "K"+row, measurer)
		f.SetCellValue(sheetName, "L"+row, d.Reason)
		f.SetCellValue(sheetName, "M"+row, d.Status)
		if d.AssignedAt != nil {
			f.SetCellValue(sheetName, "N"+row, d.AssignedAt.Format("2006-01-02 15:04"))
		}
		if d.CompletedAt != nil {
			f.SetCellValue(sheetName, "O"+row, d.CompletedAt.Format("2006-01-02 15:04"))
		}
	}

	return f, nil
}
