package pipeline

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/aluiziolira/go-scrape-actors/models"
)

// WriteSnapshot writes records as a complete CSV file. The file is written
// beside its destination and renamed into place, so a reader never sees a
// half-written checkpoint.
func WriteSnapshot(filename string, records []models.Record) error {
	if err := ensureDir(filename); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(filename), filepath.Base(filename)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create snapshot temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	writer := csv.NewWriter(tmp)
	if err := writer.Write(CSVHeader); err != nil {
		tmp.Close()
		return fmt.Errorf("write snapshot header: %w", err)
	}
	for i := range records {
		if err := writer.Write(csvRow(&records[i])); err != nil {
			tmp.Close()
			return fmt.Errorf("write snapshot record: %w", err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		tmp.Close()
		return fmt.Errorf("flush snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), filename); err != nil {
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return nil
}

// ReadCSV reads records back from a file produced by CSVWriter or
// WriteSnapshot. Columns are matched by header name.
func ReadCSV(filename string) ([]models.Record, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("open csv file: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	index := make(map[string]int, len(header))
	for i, name := range header {
		index[name] = i
	}
	for _, name := range CSVHeader {
		if _, ok := index[name]; !ok {
			return nil, fmt.Errorf("csv file missing column %q", name)
		}
	}

	var out []models.Record
	for line := 2; ; line++ {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv line %d: %w", line, err)
		}
		r := models.Record{
			Title:       row[index["title"]],
			Identifier:  row[index["slug"]],
			Description: row[index["description"]],
			Author:      row[index["author"]],
			URL:         row[index["url"]],
		}
		if v, err := strconv.ParseInt(row[index["users"]], 10, 64); err == nil {
			r.Users = models.KnownCount(v)
		}
		if v, err := strconv.ParseFloat(row[index["rating"]], 64); err == nil {
			r.Rating = models.KnownRating(v)
		}
		out = append(out, r)
	}
	return out, nil
}
