package lang

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/vincent-petithory/dataurl"
)

// OutputOnlySource is a decoded output-only submission: one answer per
// testcase name.
type OutputOnlySource struct {
	ByTestcase map[string]string
}

// DecodeOutputOnlySource decodes an output-only submission blob
// (SUPPLEMENTED FEATURES: output-only "cat" language), grounded on
// quark's parseOutputOnlyFile: the blob is either a plain answer (no
// data URL envelope, returned under the "Main" key for the common
// single-testcase case) or a data: URL wrapping a zip archive with one
// "<testcase>.out" entry per declared testcase. Entries not named after
// a declared testcase are skipped; an entry larger than outputLimitBytes
// is kept as an empty answer rather than read in full, so a judge never
// pages in more than a testcase's own output limit for one file.
func DecodeOutputOnlySource(data string, testcaseNames []string, outputLimitBytes int64) (OutputOnlySource, error) {
	out := OutputOnlySource{ByTestcase: make(map[string]string)}

	parsed, err := dataurl.DecodeString(data)
	if err != nil {
		out.ByTestcase["Main"] = data
		return out, nil
	}

	z, err := zip.NewReader(bytes.NewReader(parsed.Data), int64(len(parsed.Data)))
	if err != nil {
		return OutputOnlySource{}, fmt.Errorf("lang: output-only submission is not a valid zip: %w", err)
	}

	expected := make(map[string]bool, len(testcaseNames))
	for _, name := range testcaseNames {
		expected[name+".out"] = true
	}

	for _, f := range z.File {
		if !strings.HasSuffix(f.Name, ".out") {
			continue
		}
		// Tolerate entries nested under a directory prefix in the zip.
		name := f.Name
		if idx := strings.LastIndex(name, "/"); idx != -1 {
			name = name[idx+1:]
		}
		if !expected[name] {
			continue
		}
		testcase := strings.TrimSuffix(name, ".out")

		if outputLimitBytes > 0 && int64(f.UncompressedSize64) > outputLimitBytes {
			out.ByTestcase[testcase] = ""
			continue
		}

		rc, err := f.Open()
		if err != nil {
			continue
		}
		var buf bytes.Buffer
		_, copyErr := io.Copy(&buf, rc)
		rc.Close()
		if copyErr != nil {
			continue
		}
		out.ByTestcase[testcase] = buf.String()
	}

	return out, nil
}
