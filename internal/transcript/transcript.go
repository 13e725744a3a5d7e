// Package transcript exports chat history as an Arrow IPC stream so it can be
// loaded into dataframes or replayed for evaluation.
package transcript

import (
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/fingemma/internal/prompt"
)

// ContentType is the media type of an encoded transcript.
const ContentType = "application/vnd.apache.arrow.stream"

// Meta is stored in the schema metadata.
type Meta struct {
	SessionID  string
	Model      string
	System     string
	ExportedAt time.Time
}

const (
	metaSession  = "fingemma.session_id"
	metaModel    = "fingemma.model"
	metaSystem   = "fingemma.system"
	metaExported = "fingemma.exported_at"
)

func schema(meta Meta) *arrow.Schema {
	md := arrow.NewMetadata(
		[]string{metaSession, metaModel, metaSystem, metaExported},
		[]string{meta.SessionID, meta.Model, meta.System, meta.ExportedAt.UTC().Format(time.RFC3339)},
	)
	return arrow.NewSchema([]arrow.Field{
		{Name: "turn", Type: arrow.PrimitiveTypes.Int32},
		{Name: "user", Type: arrow.BinaryTypes.String},
		{Name: "assistant", Type: arrow.BinaryTypes.String},
	}, &md)
}

// Encode writes history as a single record batch.
func Encode(w io.Writer, meta Meta, history []prompt.Turn) error {
	s := schema(meta)
	b := array.NewRecordBuilder(memory.DefaultAllocator, s)
	defer b.Release()

	turns := b.Field(0).(*array.Int32Builder)
	users := b.Field(1).(*array.StringBuilder)
	replies := b.Field(2).(*array.StringBuilder)
	for i, t := range history {
		turns.Append(int32(i + 1))
		users.Append(t.User)
		replies.Append(t.Assistant)
	}

	rec := b.NewRecord()
	defer rec.Release()

	iw := ipc.NewWriter(w, ipc.WithSchema(s), ipc.WithAllocator(memory.DefaultAllocator))
	if err := iw.Write(rec); err != nil {
		iw.Close()
		return fmt.Errorf("write transcript: %w", err)
	}
	if err := iw.Close(); err != nil {
		return fmt.Errorf("close transcript: %w", err)
	}
	return nil
}

// Decode reads a transcript written by Encode.
func Decode(r io.Reader) (Meta, []prompt.Turn, error) {
	ir, err := ipc.NewReader(r, ipc.WithAllocator(memory.DefaultAllocator))
	if err != nil {
		return Meta{}, nil, fmt.Errorf("read transcript: %w", err)
	}
	defer ir.Release()

	md := ir.Schema().Metadata()
	meta := Meta{}
	if i := md.FindKey(metaSession); i >= 0 {
		meta.SessionID = md.Values()[i]
	}
	if i := md.FindKey(metaModel); i >= 0 {
		meta.Model = md.Values()[i]
	}
	if i := md.FindKey(metaSystem); i >= 0 {
		meta.System = md.Values()[i]
	}
	if i := md.FindKey(metaExported); i >= 0 {
		meta.ExportedAt, _ = time.Parse(time.RFC3339, md.Values()[i])
	}

	var history []prompt.Turn
	for ir.Next() {
		rec := ir.Record()
		users, ok := rec.Column(1).(*array.String)
		if !ok {
			return Meta{}, nil, fmt.Errorf("read transcript: user column is %s", rec.Column(1).DataType())
		}
		replies, ok := rec.Column(2).(*array.String)
		if !ok {
			return Meta{}, nil, fmt.Errorf("read transcript: assistant column is %s", rec.Column(2).DataType())
		}
		for i := 0; i < int(rec.NumRows()); i++ {
			history = append(history, prompt.Turn{User: users.Value(i), Assistant: replies.Value(i)})
		}
	}
	if err := ir.Err(); err != nil {
		return Meta{}, nil, fmt.Errorf("read transcript: %w", err)
	}
	return meta, history, nil
}
