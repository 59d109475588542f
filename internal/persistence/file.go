// Package persistence writes the result of a single run to disk.
package persistence

import (
	"compress/gzip"
	"encoding/json"
	"os"
	"path"
	"time"
)

// DataFile describes a result file written to disk.
type DataFile struct {
	Prefix   string
	Datatype string
	Subtest  string
	ID       string
	// Path is the full path of the file.
	Path string
	// Size is the size of the uncompressed JSON content.
	Size int
}

// WriteDataFile writes a gzip'd JSON representation of data to a new file
// under datadir/datatype/YYYY/MM/DD/. Existing files are never overwritten.
func WriteDataFile(datadir, datatype, subtest, id string, data any) (*DataFile, error) {
	content, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	timestamp := time.Now().UTC()
	dir := path.Join(datadir, datatype, timestamp.Format("2006/01/02"))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	filepath := path.Join(dir, datatype+"-"+subtest+"-"+
		timestamp.Format("20060102T150405.000000000Z")+"."+id+".json.gz")
	fp, err := os.OpenFile(filepath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, err
	}
	writer, err := gzip.NewWriterLevel(fp, gzip.BestSpeed)
	if err != nil {
		fp.Close()
		return nil, err
	}
	if _, err := writer.Write(content); err != nil {
		writer.Close()
		fp.Close()
		return nil, err
	}
	if err := writer.Close(); err != nil {
		fp.Close()
		return nil, err
	}
	if err := fp.Close(); err != nil {
		return nil, err
	}
	return &DataFile{
		Prefix:   datadir,
		Datatype: datatype,
		Subtest:  subtest,
		ID:       id,
		Path:     filepath,
		Size:     len(content),
	}, nil
}
