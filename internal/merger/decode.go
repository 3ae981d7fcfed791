package merger

import (
	"bytes"
	"fmt"
	"os"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/transform"
)

var legacyEncodings = []struct {
	name string
	enc  encoding.Encoding
}{
	{"shift_jis", japanese.ShiftJIS},
	{"euc-jp", japanese.EUCJP},
}

// readText loads an OCR output file, accepting UTF-8 and the legacy
// Japanese encodings scanners and older OCR tools still emit.
func readText(path string) (string, string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", "", err
	}
	return decodeText(raw)
}

func decodeText(raw []byte) (string, string, error) {
	raw = bytes.TrimPrefix(raw, []byte("\xef\xbb\xbf"))
	iso := bytes.Contains(raw, []byte("\x1b$B")) || bytes.Contains(raw, []byte("\x1b$@"))
	if iso {
		if out, _, err := transform.Bytes(japanese.ISO2022JP.NewDecoder(), raw); err == nil && !bytes.ContainsRune(out, utf8.RuneError) {
			return string(out), "iso-2022-jp", nil
		}
	}
	if utf8.Valid(raw) {
		return string(raw), "utf-8", nil
	}
	for _, le := range legacyEncodings {
		out, _, err := transform.Bytes(le.enc.NewDecoder(), raw)
		if err != nil || bytes.ContainsRune(out, utf8.RuneError) {
			continue
		}
		return string(out), le.name, nil
	}
	return "", "", fmt.Errorf("text is not UTF-8, Shift_JIS, EUC-JP or ISO-2022-JP")
}
