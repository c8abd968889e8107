package core

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/gen2brain/go-fitz"
)

const (
	maxPdfSize         = 32 * 1024 * 1024
	maxJsonlLineSize   = 1024 * 1024
	rowQueueBufferSize = 4
)

type ParsedRow struct {
	Row   map[string]any
	Error error
}

// RowParser turns a dataset object into the rows a model predicts over.
type RowParser interface {
	Parse(object string, data io.Reader) chan ParsedRow
}

// DefaultRowParser reads csv and jsonl files as structured rows, and txt and
// pdf files as one row per line or page keyed by the input column.
type DefaultRowParser struct {
	inputColumn string
}

func NewRowParser(inputColumn string) *DefaultRowParser {
	return &DefaultRowParser{inputColumn: inputColumn}
}

func (parser *DefaultRowParser) Parse(object string, data io.Reader) chan ParsedRow {
	output := make(chan ParsedRow, rowQueueBufferSize)

	ext := strings.ToLower(filepath.Ext(object))

	go func() {
		defer close(output)

		switch ext {
		case ".csv":
			parser.parseCsv(data, output)
		case ".jsonl", ".ndjson":
			parser.parseJsonl(data, output)
		case ".txt":
			parser.parseLines(data, output)
		case ".pdf":
			parser.parsePdf(data, output)
		default:
			output <- ParsedRow{Error: fmt.Errorf("unsupported file type %q", ext)}
		}
	}()

	return output
}

func (parser *DefaultRowParser) parseCsv(data io.Reader, output chan ParsedRow) {
	reader := csv.NewReader(data)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return
		}
		output <- ParsedRow{Error: err}
		return
	}

	for {
		record, err := reader.Read()
		if err == io.EOF {
			return
		}
		if err != nil {
			output <- ParsedRow{Error: err}
			return
		}
		row := make(map[string]any, len(header))
		for i, column := range header {
			if i < len(record) {
				row[column] = record[i]
			}
		}
		output <- ParsedRow{Row: row}
	}
}

func (parser *DefaultRowParser) parseJsonl(data io.Reader, output chan ParsedRow) {
	scanner := bufio.NewScanner(data)
	scanner.Buffer(make([]byte, 0, 64*1024), maxJsonlLineSize)

	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var row map[string]any
		if err := json.Unmarshal([]byte(text), &row); err != nil {
			output <- ParsedRow{Error: fmt.Errorf("line %d: %w", line, err)}
			return
		}
		output <- ParsedRow{Row: row}
	}
	if err := scanner.Err(); err != nil {
		output <- ParsedRow{Error: err}
	}
}

func (parser *DefaultRowParser) parseLines(data io.Reader, output chan ParsedRow) {
	scanner := bufio.NewScanner(data)
	scanner.Buffer(make([]byte, 0, 64*1024), maxJsonlLineSize)

	for scanner.Scan() {
		text := scanner.Text()
		if strings.TrimSpace(text) == "" {
			continue
		}
		output <- ParsedRow{Row: map[string]any{parser.inputColumn: text}}
	}
	if err := scanner.Err(); err != nil {
		output <- ParsedRow{Error: err}
	}
}

func (parser *DefaultRowParser) parsePdf(data io.Reader, output chan ParsedRow) {
	document := make([]byte, maxPdfSize)

	n, err := io.ReadFull(data, document)
	if err == nil {
		// if the error is nil then the end of the stream was not reached, thus we cannot parse the pdf.
		output <- ParsedRow{Error: fmt.Errorf("pdf is too large for parsing")}
		return
	} else if err != io.EOF && err != io.ErrUnexpectedEOF {
		output <- ParsedRow{Error: err}
		return
	}

	document = document[:n]

	pdf, err := fitz.NewFromMemory(document)
	if err != nil {
		output <- ParsedRow{Error: err}
		return
	}
	defer pdf.Close()

	for i := 0; i < pdf.NumPage(); i++ {
		pageText, err := pdf.Text(i)
		if err != nil {
			output <- ParsedRow{Error: err}
			return
		}
		if strings.TrimSpace(pageText) == "" {
			continue
		}
		output <- ParsedRow{Row: map[string]any{parser.inputColumn: pageText}}
	}
}
