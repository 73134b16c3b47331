package redisstub

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
)

// reply writes one response frame to a client.
type reply func(w *bufio.Writer) error

type (
	statusString string
	errorString  string
)

func single(v any) reply {
	return func(w *bufio.Writer) error { return encode(w, v) }
}

func status(s string) reply { return single(statusString(s)) }
func failure(msg string) reply { return single(errorString(msg)) }
func integer(n int64) reply { return single(n) }
func bulk(s string) reply { return single(s) }
func array(values ...any) reply { return single(values) }

func sequence(frames [][]any) reply {
	return func(w *bufio.Writer) error {
		for _, f := range frames {
			if err := encode(w, f); err != nil {
				return err
			}
		}
		return nil
	}
}

func nilArray(w *bufio.Writer) error {
	_, err := w.WriteString("*-1\r\n")
	return err
}

// encode writes v as RESP2. Strings become bulk strings.
func encode(w *bufio.Writer, v any) error {
	var err error
	switch v := v.(type) {
	case statusString:
		_, err = fmt.Fprintf(w, "+%s\r\n", v)
	case errorString:
		_, err = fmt.Fprintf(w, "-%s\r\n", v)
	case int64:
		_, err = fmt.Fprintf(w, ":%d\r\n", v)
	case []any:
		if _, err = fmt.Fprintf(w, "*%d\r\n", len(v)); err != nil {
			return err
		}
		for _, item := range v {
			if err = encode(w, item); err != nil {
				return err
			}
		}
	default:
		s := fmt.Sprint(v)
		_, err = fmt.Fprintf(w, "$%d\r\n%s\r\n", len(s), s)
	}
	return err
}

// readCommand reads one request: an array of bulk strings.
func readCommand(r *bufio.Reader) ([]string, error) {
	n, err := readHeader(r, '*')
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, nil
	}
	args := make([]string, n)
	for i := range args {
		size, err := readHeader(r, '$')
		if err != nil {
			return nil, err
		}
		if size < 0 {
			continue
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		if !bytes.HasSuffix(buf, []byte("\r\n")) {
			return nil, fmt.Errorf("redisstub: bulk string of %d bytes not terminated", size)
		}
		args[i] = string(buf[:size])
	}
	return args, nil
}

func readHeader(r *bufio.Reader, kind byte) (int, error) {
	line, err := r.ReadSlice('\n')
	if err != nil {
		return 0, err
	}
	line = bytes.TrimRight(line, "\r\n")
	if len(line) < 2 || line[0] != kind {
		return 0, fmt.Errorf("redisstub: want %q header, got %q", kind, line)
	}
	return strconv.Atoi(string(line[1:]))
}
