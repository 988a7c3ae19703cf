// Package bankfeed reads bank statement exports and ledger extracts from
// CSV files. CSVTransport serves a directory of exports as a statement feed
// for the sync service; ImportLedger loads internal transactions.
package bankfeed

import (
	"bufio"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"statement-reconciliation-service/pkg/errors"
	"statement-reconciliation-service/pkg/logger"
)

// csvFile is an open CSV file positioned after its header row
type csvFile struct {
	path    string
	file    *os.File
	reader  *csv.Reader
	headers []string
	index   map[string]int
	logger  logger.Logger
}

// openCSV opens path, checks that it is UTF-8 and reads the header row.
// Every name in required must be present in the header.
func openCSV(path string, delimiter rune, required []string, log logger.Logger) (*csvFile, error) {
	log = log.WithField("file_path", path)

	file, err := os.Open(path)
	if err != nil {
		log.WithError(err).Debug("Failed to open CSV file")
		switch {
		case os.IsNotExist(err):
			return nil, errors.FileError(errors.CodeFileNotFound, path, 0, err)
		case os.IsPermission(err):
			return nil, errors.FileError(errors.CodeFilePermission, path, 0, err)
		default:
			return nil, errors.FileError(errors.CodeInvalidFormat, path, 0, err)
		}
	}

	if err := validateEncoding(file, path); err != nil {
		file.Close()
		return nil, err
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		file.Close()
		return nil, errors.FileError(errors.CodeInvalidFormat, path, 0, err)
	}

	reader := csv.NewReader(file)
	reader.Comma = delimiter
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	f := &csvFile{path: path, file: file, reader: reader, logger: log}
	if err := f.readHeader(required); err != nil {
		file.Close()
		return nil, err
	}
	return f, nil
}

func (f *csvFile) Close() error {
	return f.file.Close()
}

// validateEncoding checks the first lines of the file for invalid UTF-8
func validateEncoding(file *os.File, path string) error {
	scanner := bufio.NewScanner(file)
	line := 0
	for scanner.Scan() && line < 100 {
		line++
		if !utf8.Valid(scanner.Bytes()) {
			return errors.FileError(errors.CodeEncodingError, path, line, fmt.Errorf("invalid UTF-8 encoding detected"))
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.FileError(errors.CodeInvalidFormat, path, line, err)
	}
	return nil
}

func (f *csvFile) readHeader(required []string) error {
	headers, err := f.reader.Read()
	if err == io.EOF {
		return errors.FileError(errors.CodeInvalidFormat, f.path, 1, fmt.Errorf("file is empty")).
			WithSuggestion("ensure the file contains a header row")
	}
	if err != nil {
		return errors.FileError(errors.CodeInvalidFormat, f.path, 1, err)
	}

	f.headers = make([]string, len(headers))
	f.index = make(map[string]int, len(headers))
	for i, header := range headers {
		// a UTF-8 byte order mark sticks to the first header
		header = strings.TrimSpace(strings.TrimPrefix(header, "\ufeff"))
		f.headers[i] = header
		f.index[strings.ToLower(header)] = i
	}

	var missing []string
	for _, name := range required {
		if name != "" && !f.has(name) {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return errors.FileError(errors.CodeMissingColumn, f.path, 1, nil).
			WithContext("missing_columns", missing).
			WithContext("available_columns", f.headers).
			WithSuggestion(fmt.Sprintf("ensure the CSV file contains these headers: %s", strings.Join(missing, ", ")))
	}

	f.logger.WithField("headers", f.headers).Debug("Read CSV headers")
	return nil
}

func (f *csvFile) has(column string) bool {
	_, ok := f.index[strings.ToLower(strings.TrimSpace(column))]
	return ok
}

// next returns the next non-empty record and its line number. It returns
// io.EOF at the end of the file.
func (f *csvFile) next(ctx context.Context) ([]string, int, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}

		record, err := f.reader.Read()
		if err != nil {
			if err == io.EOF {
				return nil, 0, io.EOF
			}
			line := 0
			if pe, ok := err.(*csv.ParseError); ok {
				line = pe.Line
			}
			return nil, line, errors.FileError(errors.CodeInvalidFormat, f.path, line, err)
		}
		line, _ := f.reader.FieldPos(0)

		if isEmptyRecord(record) {
			continue
		}
		return record, line, nil
	}
}

// field returns the trimmed value of column, or "" when the column is not
// configured, absent from the header or missing from a short row
func (f *csvFile) field(record []string, column string) string {
	if column == "" {
		return ""
	}
	i, ok := f.index[strings.ToLower(strings.TrimSpace(column))]
	if !ok || i >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[i])
}

func isEmptyRecord(record []string) bool {
	for _, field := range record {
		if strings.TrimSpace(field) != "" {
			return false
		}
	}
	return true
}
