package pipeline

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"heartfailure/ml"
)

// ReadCSV 读取带表头的CSV数据集，每行按列名映射
func ReadCSV(r io.Reader) ([]ml.Row, error) {
	// strip a UTF-8 or UTF-16 byte order mark
	decoded := transform.NewReader(r, unicode.BOMOverride(unicode.UTF8.NewDecoder()))
	reader := csv.NewReader(decoded)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, &ml.DataError{Reason: "dataset is empty"}
	}
	if err != nil {
		return nil, &ml.DataError{Reason: fmt.Sprintf("read header: %v", err)}
	}
	columns := make([]string, len(header))
	seen := make(map[string]bool, len(header))
	for i, name := range header {
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, &ml.DataError{Reason: fmt.Sprintf("header column %d is blank", i+1)}
		}
		if seen[name] {
			return nil, &ml.DataError{Column: name, Reason: "duplicate header column"}
		}
		seen[name] = true
		columns[i] = name
	}

	var rows []ml.Row
	for line := 1; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, &ml.DataError{Row: line, Reason: err.Error()}
		}
		row := make(ml.Row, len(columns))
		for i, value := range record {
			row[columns[i]] = value
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// LoadCSV 从文件加载数据集
func LoadCSV(path string) ([]ml.Row, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, &ml.IOError{Op: "open", Path: path, Err: err}
	}
	defer file.Close()
	return ReadCSV(file)
}
