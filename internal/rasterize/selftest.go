package rasterize

import (
	"bytes"
	"context"
	"fmt"
)

// SelfTest opens and renders a one-page PDF built in memory, exercising the
// same MuPDF and pdfcpu path a real document takes.
func (r *Rasterizer) SelfTest(ctx context.Context) error {
	d, err := r.Open(ctx, Source{Bytes: blankPDF(200, 100), Name: "selftest.pdf"})
	if err != nil {
		return err
	}
	defer d.Close()
	_, err = d.Render(ctx, 0)
	return err
}

func blankPDF(wPt, hPt int) []byte {
	var buf bytes.Buffer
	var offsets []int
	obj := func(body string) {
		offsets = append(offsets, buf.Len())
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", len(offsets), body)
	}
	buf.WriteString("%PDF-1.4\n")
	obj("<< /Type /Catalog /Pages 2 0 R >>")
	obj("<< /Type /Pages /Kids [3 0 R] /Count 1 >>")
	obj(fmt.Sprintf("<< /Type /Page /Parent 2 0 R /MediaBox [0 0 %d %d] >>", wPt, hPt))

	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f \n", len(offsets)+1)
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(offsets)+1, xref)
	return buf.Bytes()
}
