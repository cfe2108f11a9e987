package service

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/nemanja-m/jobtracker/internal/worker/programs"
)

const (
	readBufferSize = 1 << 20
	progressEvery  = 1024
)

// Record field numbers in intermediate partition files.
const (
	recordFieldKey   protowire.Number = 1
	recordFieldValue protowire.Number = 2
)

// parseSplitHint parses "<path>:<offset>+<length>".
func parseSplitHint(hint string) (path string, offset, length int64, err error) {
	i := strings.LastIndexByte(hint, ':')
	if i <= 0 {
		return "", 0, 0, fmt.Errorf("malformed input hint %q", hint)
	}
	rng := hint[i+1:]
	off, n, ok := strings.Cut(rng, "+")
	if !ok {
		return "", 0, 0, fmt.Errorf("malformed input hint %q", hint)
	}
	if offset, err = strconv.ParseInt(off, 10, 64); err != nil || offset < 0 {
		return "", 0, 0, fmt.Errorf("malformed input hint %q", hint)
	}
	if length, err = strconv.ParseInt(n, 10, 64); err != nil || length < 0 {
		return "", 0, 0, fmt.Errorf("malformed input hint %q", hint)
	}
	return hint[:i], offset, length, nil
}

// readSplit calls fn for every line that starts within [offset, offset+length].
// A split that does not start at zero skips its first line, which belongs to
// the previous split. report receives the fraction of the range consumed.
func readSplit(ctx context.Context, path string, offset, length int64, fn func(pos int64, line string), report func(float64)) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return err
	}
	r := bufio.NewReaderSize(file, readBufferSize)

	pos := offset
	end := offset + length
	if offset > 0 {
		skipped, err := r.ReadString('\n')
		pos += int64(len(skipped))
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}

	for n := 1; pos <= end; n++ {
		line, err := r.ReadString('\n')
		if len(line) > 0 {
			fn(pos, strings.TrimRight(line, "\r\n"))
			pos += int64(len(line))
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if n%progressEvery == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			if length > 0 {
				report(min(float64(pos-offset)/float64(length), 1))
			}
		}
	}
	return nil
}

func encodeRecords(records []programs.KeyValue) []byte {
	var b []byte
	for _, kv := range records {
		b = protowire.AppendTag(b, recordFieldKey, protowire.BytesType)
		b = protowire.AppendString(b, kv.Key)
		b = protowire.AppendTag(b, recordFieldValue, protowire.BytesType)
		b = protowire.AppendString(b, kv.Value)
	}
	return b
}

func decodeRecords(b []byte) ([]programs.KeyValue, error) {
	var records []programs.KeyValue
	for len(b) > 0 {
		key, rest, err := consumeField(b, recordFieldKey)
		if err != nil {
			return nil, err
		}
		value, rest, err := consumeField(rest, recordFieldValue)
		if err != nil {
			return nil, err
		}
		records = append(records, programs.KeyValue{Key: key, Value: value})
		b = rest
	}
	return records, nil
}

func consumeField(b []byte, want protowire.Number) (string, []byte, error) {
	num, typ, n := protowire.ConsumeTag(b)
	if n < 0 {
		return "", nil, protowire.ParseError(n)
	}
	if num != want || typ != protowire.BytesType {
		return "", nil, fmt.Errorf("unexpected field %d of type %d", num, typ)
	}
	b = b[n:]
	s, n := protowire.ConsumeString(b)
	if n < 0 {
		return "", nil, protowire.ParseError(n)
	}
	return s, b[n:], nil
}

func readRecords(path string) ([]programs.KeyValue, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	records, err := decodeRecords(b)
	if err != nil {
		return nil, fmt.Errorf("corrupt partition %s: %w", path, err)
	}
	return records, nil
}

func formatTSV(records []programs.KeyValue) []byte {
	var sb strings.Builder
	for _, r := range records {
		fmt.Fprintf(&sb, "%s\t%s\n", r.Key, r.Value)
	}
	return []byte(sb.String())
}

// writeFileAtomic replaces path with data through a rename.
func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// commitDir publishes an attempt's output directory. The first attempt to
// commit wins; later ones discard their output.
func commitDir(tmp, final string) (bool, error) {
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return false, err
	}
	err := os.Rename(tmp, final)
	if err == nil {
		return true, nil
	}
	if _, statErr := os.Stat(final); statErr == nil {
		return false, os.RemoveAll(tmp)
	} else if !errors.Is(statErr, fs.ErrNotExist) {
		return false, statErr
	}
	return false, err
}
