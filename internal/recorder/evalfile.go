package recorder

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ChamsBouzaiene/verdict/internal/eval"
)

// Binary eval container layout:
//
//	magic "VEVL" | version u32 | header frame | N sample frames |
//	index frame | index offset u64 | magic "VEVL"
//
// Every frame is a u32 little-endian length followed by JSON. The index
// maps "{id}/{epoch}" to the sample's frame offset so readers can seek
// without decoding every sample.
const (
	evalMagic   = "VEVL"
	evalVersion = 1
)

type evalIndex struct {
	Offsets map[string]int64 `json:"offsets"`
}

func indexKey(s *eval.EvalSample) string {
	return fmt.Sprintf("%s/%d", s.ID, s.Epoch)
}

// WriteLog writes log to path in the given format, atomically via
// temp-file rename.
func WriteLog(path string, log *Log, format Format) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	var buf bytes.Buffer
	var err error
	switch format {
	case FormatEval:
		err = encodeEval(&buf, log)
	case FormatJSON:
		err = encodeJSON(&buf, log)
	default:
		err = fmt.Errorf("unknown log format: %s", format)
	}
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".log-*")
	if err != nil {
		return fmt.Errorf("failed to create log temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write log: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close log temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to publish log: %w", err)
	}
	return nil
}

// ReadLog reads a log from path, detecting the format from content.
func ReadLog(path string) (*Log, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read log: %w", err)
	}
	if len(data) >= 4 && string(data[:4]) == evalMagic {
		return decodeEval(bytes.NewReader(data))
	}
	return decodeJSON(data)
}

// Convert rewrites a log from one format to the other. Round-trips are
// lossless: samples, header, and version survive unchanged.
func Convert(src, dst string, format Format) error {
	log, err := ReadLog(src)
	if err != nil {
		return err
	}
	return WriteLog(dst, log, format)
}

// DetectFormat guesses the format for a path from its extension.
func DetectFormat(path string) Format {
	if strings.HasSuffix(path, ".json") {
		return FormatJSON
	}
	return FormatEval
}

func encodeEval(w *bytes.Buffer, log *Log) error {
	w.WriteString(evalMagic)
	if err := binary.Write(w, binary.LittleEndian, uint32(evalVersion)); err != nil {
		return err
	}

	if err := writeFrame(w, log.Header); err != nil {
		return fmt.Errorf("failed to encode header: %w", err)
	}

	index := evalIndex{Offsets: map[string]int64{}}
	for _, s := range log.Samples {
		index.Offsets[indexKey(s)] = int64(w.Len())
		if err := writeFrame(w, s); err != nil {
			return fmt.Errorf("failed to encode sample %s: %w", s.ID, err)
		}
	}

	indexOffset := int64(w.Len())
	if err := writeFrame(w, index); err != nil {
		return fmt.Errorf("failed to encode index: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint64(indexOffset)); err != nil {
		return err
	}
	w.WriteString(evalMagic)
	return nil
}

func decodeEval(r *bytes.Reader) (*Log, error) {
	size := r.Size()
	if size < 4+4+8+4 {
		return nil, fmt.Errorf("eval log truncated: %d bytes", size)
	}

	magic := make([]byte, 4)
	if _, err := io.ReadFull(r, magic); err != nil || string(magic) != evalMagic {
		return nil, fmt.Errorf("not an eval log: bad magic")
	}
	var version uint32
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return nil, fmt.Errorf("failed to read version: %w", err)
	}
	if version != evalVersion {
		return nil, fmt.Errorf("unsupported eval log version %d", version)
	}

	// Validate the trailer before trusting the stream.
	if _, err := r.Seek(size-12, io.SeekStart); err != nil {
		return nil, err
	}
	var indexOffset uint64
	if err := binary.Read(r, binary.LittleEndian, &indexOffset); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(r, magic); err != nil || string(magic) != evalMagic {
		return nil, fmt.Errorf("eval log truncated: bad trailer")
	}
	if int64(indexOffset) >= size-12 {
		return nil, fmt.Errorf("eval log corrupt: index offset out of range")
	}

	if _, err := r.Seek(8, io.SeekStart); err != nil {
		return nil, err
	}
	log := &Log{Version: int(version)}
	if err := readFrame(r, &log.Header); err != nil {
		return nil, fmt.Errorf("failed to decode header: %w", err)
	}

	for pos, _ := r.Seek(0, io.SeekCurrent); pos < int64(indexOffset); pos, _ = r.Seek(0, io.SeekCurrent) {
		var s eval.EvalSample
		if err := readFrame(r, &s); err != nil {
			return nil, fmt.Errorf("failed to decode sample frame: %w", err)
		}
		log.Samples = append(log.Samples, &s)
	}
	return log, nil
}

func writeFrame(w *bytes.Buffer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(data))); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func readFrame(r io.Reader, v any) error {
	var length uint32
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return err
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func encodeJSON(w *bytes.Buffer, log *Log) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(log); err != nil {
		return fmt.Errorf("failed to encode json log: %w", err)
	}
	return nil
}

func decodeJSON(data []byte) (*Log, error) {
	var log Log
	if err := json.Unmarshal(data, &log); err != nil {
		return nil, fmt.Errorf("failed to decode json log: %w", err)
	}
	return &log, nil
}
