package audit

import (
	"fmt"
	"io"
	"time"

	"river-workorder/internal/domain"

	"github.com/xuri/excelize/v2"
)

const historySheet = "状态历史"

var historyHeader = []interface{}{"序号", "原状态", "新状态", "操作", "操作人", "角色", "原因/备注", "时间", "记录ID"}

// WriteHistoryXLSX 将工单状态历史导出为 xlsx
func WriteHistoryXLSX(w io.Writer, workorderID string, entries []*domain.StatusHistoryEntry) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", historySheet); err != nil {
		return fmt.Errorf("failed to rename sheet: %w", err)
	}
	if err := f.SetCellValue(historySheet, "A1", "工单编号"); err != nil {
		return err
	}
	if err := f.SetCellValue(historySheet, "B1", workorderID); err != nil {
		return err
	}
	if err := f.SetSheetRow(historySheet, "A2", &historyHeader); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	for i, e := range entries {
		cell, err := excelize.CoordinatesToCellName(1, i+3)
		if err != nil {
			return err
		}
		row := []interface{}{
			i + 1,
			string(e.OldStatus),
			string(e.NewStatus),
			e.Operation,
			e.ActorID,
			string(e.ActorRole),
			e.Reason,
			e.CreatedAt.Format(time.RFC3339Nano),
			e.ID,
		}
		if err := f.SetSheetRow(historySheet, cell, &row); err != nil {
			return fmt.Errorf("failed to write row %d: %w", i+1, err)
		}
	}
	if err := f.SetColWidth(historySheet, "B", "H", 22); err != nil {
		return err
	}
	return f.Write(w)
}

// ReadHistoryXLSX 读取导出文件中的历史行（不含表头），用于核对导出内容
func ReadHistoryXLSX(r io.Reader) ([][]string, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to open xlsx: %w", err)
	}
	defer f.Close()
	rows, err := f.GetRows(historySheet)
	if err != nil {
		return nil, err
	}
	if len(rows) <= 2 {
		return [][]string{}, nil
	}
	return rows[2:], nil
}
