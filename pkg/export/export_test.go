package export

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rosterTable() Table {
	return Table{
		Title:    "CS101 Introduction to Programming",
		Subtitle: []string{"Term 2025/1"},
		Columns: []Column{
			{Key: "student_number", Label: "Student No", Width: 1},
			{Key: "name", Label: "Name", Width: 2},
			{Key: "status", Label: "Status", Width: 1},
		},
		Rows: []map[string]string{
			{"student_number": "STD20250001", "name": "Ayu, Lestari", "status": "approved"},
			{"student_number": "STD20250002", "name": "Budi", "status": "pending"},
		},
	}
}

func TestCSVRendererWritesLabelsAndQuotes(t *testing.T) {
	out, err := NewCSVRenderer().Render(rosterTable())
	require.NoError(t, err)

	expected := "Student No,Name,Status\nSTD20250001,\"Ayu, Lestari\",approved\nSTD20250002,Budi,pending\n"
	assert.Equal(t, expected, string(out))
}

func TestPDFRendererProducesDocument(t *testing.T) {
	out, err := NewPDFRenderer().Render(rosterTable())
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(out, []byte("%PDF")))
}

func TestRenderRequiresColumns(t *testing.T) {
	_, err := NewCSVRenderer().Render(Table{})
	assert.Error(t, err)
	_, err = NewPDFRenderer().Render(Table{})
	assert.Error(t, err)
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatCSV, f)

	f, err = ParseFormat("pdf")
	require.NoError(t, err)
	assert.Equal(t, FormatPDF, f)
	assert.Equal(t, "application/pdf", RendererFor(f).ContentType())

	_, err = ParseFormat("xlsx")
	assert.Error(t, err)
}
