package pdfops

import (
	"bytes"
	"fmt"
	"os"
	"strings"
)

// WriteTextPDF renders plain text onto a single US-Letter PDF page. It
// exists so fax/text attachments can join the consolidated packet; no
// layout beyond line wrapping is attempted.
func WriteTextPDF(path, text string) error {
	var content bytes.Buffer
	content.WriteString("BT /F1 10 Tf 50 742 Td 12 TL\n")
	for _, line := range wrapLines(text, 90) {
		fmt.Fprintf(&content, "(%s) Tj T*\n", escapePDFText(line))
	}
	content.WriteString("ET\n")

	objects := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] /Resources << /Font << /F1 4 0 R >> >> /Contents 5 0 R >>",
		"<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>",
		fmt.Sprintf("<< /Length %d >>\nstream\n%sendstream", content.Len(), content.String()),
	}

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objects))
	for i, obj := range objects {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}

	xrefStart := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f \n", len(objects)+1)
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n",
		len(objects)+1, xrefStart)

	return os.WriteFile(path, buf.Bytes(), 0o644)
}

func wrapLines(text string, width int) []string {
	var out []string
	for _, raw := range strings.Split(text, "\n") {
		raw = strings.TrimRight(raw, "\r")
		for len(raw) > width {
			out = append(out, raw[:width])
			raw = raw[width:]
		}
		out = append(out, raw)
	}
	return out
}

func escapePDFText(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `(`, `\(`, `)`, `\)`)
	return r.Replace(s)
}
