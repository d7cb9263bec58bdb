package client

import (
	"errors"
	"io"
	"os"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// WriteIPC writes records as one Arrow IPC stream. All records must share
// the first record's schema.
func WriteIPC(w io.Writer, records ...arrow.RecordBatch) error {
	if len(records) == 0 {
		return errors.New("no records to write")
	}
	writer := ipc.NewWriter(w, ipc.WithSchema(records[0].Schema()))
	for _, rec := range records {
		if err := writer.Write(rec); err != nil {
			_ = writer.Close()
			return err
		}
	}
	return writer.Close()
}

// WriteIPCFile writes records to a new stream file at path.
func WriteIPCFile(path string, records ...arrow.RecordBatch) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteIPC(f, records...); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// ReadIPC reads every record of a stream. The caller releases them.
func ReadIPC(r io.Reader, mem memory.Allocator) ([]arrow.RecordBatch, error) {
	reader, err := ipc.NewReader(r, ipc.WithAllocator(mem))
	if err != nil {
		return nil, err
	}
	defer reader.Release()

	var out []arrow.RecordBatch
	for reader.Next() {
		rec := reader.Record()
		rec.Retain()
		out = append(out, rec)
	}
	if err := reader.Err(); err != nil {
		for _, rec := range out {
			rec.Release()
		}
		return nil, err
	}
	return out, nil
}
