package detection

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/tidwall/gjson"
)

// Format names a JSON-lines detector output layout.
type Format string

const (
	// FormatColumns is one object per frame with parallel arrays:
	//   {"boxes":[[x,y,w,h],...],"classes":[...],"confidences":[...],"track_ids":[...]}
	FormatColumns Format = "columns"
	// FormatItems is one object per frame with a list of detections:
	//   {"items":[{"bbox":[x,y,w,h],"class_id":2,"confidence":0.9,"track_id":4}]}
	FormatItems Format = "items"
)

const maxLineBytes = 16 << 20

// Source yields raw frames in order. Next returns io.EOF after the last
// frame.
type Source interface {
	Next(ctx context.Context) (RawFrame, error)
}

// NewSource returns a Source decoding r as JSON lines in the given format.
// Blank lines are ignored. A line that cannot be decoded, or that is longer
// than 16 MiB, yields a frame with Malformed set rather than an error, so a
// single bad line never ends a run.
func NewSource(format Format, r io.Reader) (Source, error) {
	src, err := newLineSource(format, r, maxLineBytes)
	if err != nil {
		return nil, err
	}
	return src, nil
}

func newLineSource(format Format, r io.Reader, maxLine int) (*lineSource, error) {
	var decode func([]byte) RawFrame
	switch format {
	case FormatColumns, "":
		decode = decodeColumns
	case FormatItems:
		decode = decodeItems
	default:
		return nil, fmt.Errorf("unknown detection format %q", format)
	}
	return &lineSource{reader: bufio.NewReaderSize(r, 64*1024), decode: decode, maxLine: maxLine}, nil
}

type lineSource struct {
	reader  *bufio.Reader
	decode  func([]byte) RawFrame
	maxLine int
	buf     []byte
}

func (s *lineSource) Next(ctx context.Context) (RawFrame, error) {
	for {
		if err := ctx.Err(); err != nil {
			return RawFrame{}, err
		}
		line, tooLong, err := s.readLine()
		if err != nil && !errors.Is(err, io.EOF) {
			return RawFrame{}, fmt.Errorf("read detections: %w", err)
		}
		if tooLong {
			return malformed(), nil
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			if err != nil {
				return RawFrame{}, io.EOF
			}
			continue
		}
		// A final line without a newline is returned with io.EOF; the next
		// call sees io.EOF on an empty read.
		return s.decode(line), nil
	}
}

// readLine returns the next line. A line longer than maxLine is consumed up
// to its newline and reported as too long instead.
func (s *lineSource) readLine() ([]byte, bool, error) {
	s.buf = s.buf[:0]
	for {
		chunk, err := s.reader.ReadSlice('\n')
		if len(s.buf)+len(chunk) > s.maxLine {
			for errors.Is(err, bufio.ErrBufferFull) {
				_, err = s.reader.ReadSlice('\n')
			}
			if err != nil && !errors.Is(err, io.EOF) {
				return nil, false, err
			}
			return nil, true, nil
		}
		s.buf = append(s.buf, chunk...)
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return s.buf, false, err
	}
}

// SliceSource replays frames held in memory.
type SliceSource struct {
	frames []RawFrame
	pos    int
}

// NewSliceSource returns a Source over frames.
func NewSliceSource(frames []RawFrame) *SliceSource {
	return &SliceSource{frames: frames}
}

// Next implements Source.
func (s *SliceSource) Next(ctx context.Context) (RawFrame, error) {
	if err := ctx.Err(); err != nil {
		return RawFrame{}, err
	}
	if s.pos >= len(s.frames) {
		return RawFrame{}, io.EOF
	}
	f := s.frames[s.pos]
	s.pos++
	return f, nil
}

func malformed() RawFrame { return RawFrame{Malformed: true} }

func decodeColumns(line []byte) RawFrame {
	if !gjson.ValidBytes(line) {
		return malformed()
	}
	doc := gjson.ParseBytes(line)
	if !doc.IsObject() {
		return malformed()
	}

	boxes, classes, confidences, hints := doc.Get("boxes"), doc.Get("classes"), doc.Get("confidences"), doc.Get("track_ids")
	for _, col := range []gjson.Result{boxes, classes, confidences, hints} {
		if col.Exists() && col.Type != gjson.Null && !col.IsArray() {
			return malformed()
		}
	}

	var f RawFrame
	ok := true
	boxes.ForEach(func(_, value gjson.Result) bool {
		b, valid := parseBox(value)
		if !valid {
			ok = false
			return false
		}
		f.Boxes = append(f.Boxes, b)
		return true
	})
	if !ok {
		return malformed()
	}
	classes.ForEach(func(_, value gjson.Result) bool {
		if value.Type != gjson.Number {
			ok = false
			return false
		}
		f.Classes = append(f.Classes, int(value.Int()))
		return true
	})
	confidences.ForEach(func(_, value gjson.Result) bool {
		if value.Type != gjson.Number {
			ok = false
			return false
		}
		f.Confidences = append(f.Confidences, value.Float())
		return true
	})
	hints.ForEach(func(_, value gjson.Result) bool {
		switch value.Type {
		case gjson.Number:
			f.TrackHints = append(f.TrackHints, int(value.Int()))
		case gjson.Null:
			f.TrackHints = append(f.TrackHints, NoHint)
		default:
			ok = false
			return false
		}
		return true
	})
	if !ok {
		return malformed()
	}
	return f
}

func decodeItems(line []byte) RawFrame {
	if !gjson.ValidBytes(line) {
		return malformed()
	}
	doc := gjson.ParseBytes(line)
	items := doc.Get("items")
	if !items.Exists() {
		items = doc.Get("detections")
	}
	if items.Exists() && !items.IsArray() {
		return malformed()
	}

	var f RawFrame
	hinted := false
	ok := true
	items.ForEach(func(_, item gjson.Result) bool {
		b, valid := parseBox(item.Get("bbox"))
		cls := item.Get("class_id")
		conf := item.Get("confidence")
		if !valid || cls.Type != gjson.Number || conf.Type != gjson.Number {
			ok = false
			return false
		}
		f.Boxes = append(f.Boxes, b)
		f.Classes = append(f.Classes, int(cls.Int()))
		f.Confidences = append(f.Confidences, conf.Float())
		hint := NoHint
		if id := item.Get("track_id"); id.Type == gjson.Number {
			hint = int(id.Int())
			hinted = true
		}
		f.TrackHints = append(f.TrackHints, hint)
		return true
	})
	if !ok {
		return malformed()
	}
	if !hinted {
		f.TrackHints = nil
	}
	return f
}

func parseBox(v gjson.Result) ([4]float64, bool) {
	var b [4]float64
	if !v.IsArray() {
		return b, false
	}
	arr := v.Array()
	if len(arr) != 4 {
		return b, false
	}
	for i, n := range arr {
		if n.Type != gjson.Number {
			return b, false
		}
		b[i] = n.Num
	}
	return b, true
}
