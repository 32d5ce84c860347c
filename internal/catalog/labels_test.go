package catalog

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/transform"
)

func TestWriteLabelsUTF8(t *testing.T) {
	var buf bytes.Buffer
	err := WriteLabels(&buf, LabelUTF8, []LabelRow{{CopyNumber: "0001-001", Title: "Go, Deep", Author: "A", Location: "A-1", ISBN: "7111420395"}})
	require.NoError(t, err)
	assert.Equal(t, "copy_number,title,author,location,isbn\n0001-001,\"Go, Deep\",A,A-1,7111420395\n", buf.String())
}

func TestWriteLabelsShiftJIS(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteLabels(&buf, LabelShiftJIS, []LabelRow{{CopyNumber: "0001-001", Title: "吾輩は猫である", Author: "夏目漱石"}}))

	decoded, err := io.ReadAll(transform.NewReader(&buf, japanese.ShiftJIS.NewDecoder()))
	require.NoError(t, err)
	assert.Contains(t, string(decoded), "吾輩は猫である,夏目漱石")
}

func TestParseLabelEncoding(t *testing.T) {
	enc, err := ParseLabelEncoding("")
	require.NoError(t, err)
	assert.Equal(t, LabelUTF8, enc)
	enc, err = ParseLabelEncoding("cp932")
	require.NoError(t, err)
	assert.Equal(t, LabelShiftJIS, enc)
	_, err = ParseLabelEncoding("latin1")
	assert.Error(t, err)
}

func TestExportLabelsSkipsLostCopies(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	b := createBook(t, svc, "7111420395", 2)
	detail, err := svc.GetBook(ctx, b.BookID)
	require.NoError(t, err)
	lost := CopyLost
	_, err = svc.UpdateCopy(ctx, detail.Copies[1].CopyID, UpdateCopyRequest{Status: &lost})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, svc.ExportLabels(ctx, b.BookID, LabelUTF8, &buf))
	assert.Contains(t, buf.String(), CopyNumber(b.BookID, 1))
	assert.NotContains(t, buf.String(), CopyNumber(b.BookID, 2))
}
