package catalog

import (
	"encoding/csv"
	"fmt"
	"io"

	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/transform"
)

type LabelEncoding string

const (
	LabelUTF8     LabelEncoding = "utf-8"
	LabelShiftJIS LabelEncoding = "shift_jis" // ラベルプリンタの Windows 用ソフトは CP932 しか読めない
)

func ParseLabelEncoding(s string) (LabelEncoding, error) {
	switch LabelEncoding(s) {
	case "", LabelUTF8:
		return LabelUTF8, nil
	case LabelShiftJIS, "sjis", "cp932":
		return LabelShiftJIS, nil
	}
	return "", ErrInvalid(fmt.Sprintf("unsupported encoding %q", s))
}

// LabelRow: ラベル1枚分
type LabelRow struct {
	CopyNumber string
	Title      string
	Author     string
	Location   string
	ISBN       string
}

var labelHeader = []string{"copy_number", "title", "author", "location", "isbn"}

func labelRows(b *BookDetailResponse) []LabelRow {
	rows := make([]LabelRow, 0, len(b.Copies))
	for _, c := range b.Copies {
		// 紛失したコピーのラベルは刷らない
		if c.Status == CopyLost {
			continue
		}
		rows = append(rows, LabelRow{
			CopyNumber: c.CopyNumber,
			Title:      b.Title,
			Author:     b.Author,
			Location:   b.Location,
			ISBN:       b.ISBN,
		})
	}
	return rows
}

// WriteLabels はヘッダ付き CSV を書き出す
func WriteLabels(w io.Writer, enc LabelEncoding, rows []LabelRow) error {
	var tw io.WriteCloser
	if enc == LabelShiftJIS {
		tw = transform.NewWriter(w, japanese.ShiftJIS.NewEncoder())
		w = tw
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(labelHeader); err != nil {
		return err
	}
	for _, r := range rows {
		if err := cw.Write([]string{r.CopyNumber, r.Title, r.Author, r.Location, r.ISBN}); err != nil {
			return fmt.Errorf("write label %s: %w", r.CopyNumber, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return err
	}
	if tw != nil {
		return tw.Close()
	}
	return nil
}
