// Package export renders the question bank of a competition as an XLSX workbook.
package export

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/jackzampolin/mathbank/internal/catalog"
	"github.com/jackzampolin/mathbank/internal/store"
)

// Service produces XLSX bytes for a competition's questions.
type Service struct {
	store  store.Store
	logger *slog.Logger
}

// NewService creates an export Service.
func NewService(s store.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: s, logger: logger}
}

var headers = []string{
	"Test",
	"Number",
	"Question",
	"Answer",
	"Includes Diagram",
	"Question Page",
	"Answer Page",
}

// QuestionsXLSX returns a workbook with one sheet per test that has
// questions, in catalog order. test, when set, limits the export to one test.
func (s *Service) QuestionsXLSX(ctx context.Context, competitionID, test string) ([]byte, error) {
	start := time.Now()

	comp, err := s.store.GetCompetition(ctx, competitionID)
	if err != nil {
		return nil, fmt.Errorf("competition %q: %w", competitionID, err)
	}
	rows, err := s.store.ListQuestions(ctx, competitionID, test)
	if err != nil {
		return nil, fmt.Errorf("query questions: %w", err)
	}

	byTest := make(map[string][]*store.Question)
	for _, q := range rows {
		byTest[q.Test] = append(byTest[q.Test], q)
	}

	f := excelize.NewFile()
	defer f.Close()

	const summary = "Summary"
	if err := f.SetSheetName("Sheet1", summary); err != nil {
		return nil, err
	}
	_ = f.SetCellValue(summary, "A1", "Competition")
	_ = f.SetCellValue(summary, "B1", catalog.CompetitionName(comp.Year, comp.Division, comp.Location))
	_ = f.SetCellValue(summary, "A2", "Exported")
	_ = f.SetCellValue(summary, "B2", time.Now().UTC().Format(time.RFC3339))
	_ = f.SetCellValue(summary, "A4", "Test")
	_ = f.SetCellValue(summary, "B4", "Questions")
	_ = f.SetCellValue(summary, "C4", "Answered")
	_ = f.SetColWidth(summary, "A", "A", 24)
	_ = f.SetColWidth(summary, "B", "B", 28)

	summaryRow := 5
	for _, t := range catalog.Tests {
		qs := byTest[t.Code]
		if len(qs) == 0 {
			continue
		}
		if err := writeTestSheet(f, t.Name, qs); err != nil {
			return nil, fmt.Errorf("sheet %s: %w", t.Code, err)
		}

		answered := 0
		for _, q := range qs {
			if q.AnswerContent != nil {
				answered++
			}
		}
		_ = f.SetCellValue(summary, cell(1, summaryRow), t.Name)
		_ = f.SetCellValue(summary, cell(2, summaryRow), len(qs))
		_ = f.SetCellValue(summary, cell(3, summaryRow), answered)
		summaryRow++
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	s.logger.Info("exported questions",
		"competition_id", competitionID,
		"questions", len(rows),
		"bytes", buf.Len(),
		"duration", time.Since(start))
	return buf.Bytes(), nil
}

func writeTestSheet(f *excelize.File, name string, qs []*store.Question) error {
	// Sheet names may not contain "/".
	sheet := sheetName(name)
	if _, err := f.NewSheet(sheet); err != nil {
		return err
	}
	for i, h := range headers {
		_ = f.SetCellValue(sheet, cell(i+1, 1), h)
	}

	row := 2
	for _, q := range qs {
		write := func(col int, v any) {
			_ = f.SetCellValue(sheet, cell(col, row), v)
		}
		write(1, q.Test)
		write(2, q.QuestionNumber)
		write(3, deref(q.QuestionContent))
		write(4, deref(q.AnswerContent))
		write(5, q.IncludesDiagram)
		write(6, deref(q.QuestionPageID))
		write(7, deref(q.AnswerPageID))
		row++
	}

	_ = f.SetColWidth(sheet, "A", "B", 10)
	_ = f.SetColWidth(sheet, "C", "C", 80)
	_ = f.SetColWidth(sheet, "D", "D", 40)
	_ = f.SetColWidth(sheet, "E", "E", 16)
	_ = f.SetColWidth(sheet, "F", "G", 38)
	return f.AutoFilter(sheet, fmt.Sprintf("A1:G%d", row-1), nil)
}

func sheetName(name string) string {
	out := []rune(name)
	for i, r := range out {
		if r == '/' {
			out[i] = '-'
		}
	}
	return string(out)
}

func cell(col, row int) string {
	c, _ := excelize.CoordinatesToCellName(col, row)
	return c
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
