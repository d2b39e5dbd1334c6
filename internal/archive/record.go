package archive

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Container records are framed as a single space-separated header line
// followed by the raw payload and a trailing newline:
//
//	REC <url> <rfc3339-timestamp> <content-type> <payload-length>\n
//	<payload bytes>\n
//
// The framing is self-delimiting, so the index can always be regenerated
// by a linear scan of the container; manifests and index files are caches,
// never the source of truth.
const recordMagic = "REC"

type recordHeader struct {
	URL         string
	Timestamp   time.Time
	ContentType string
	Length      int
}

func formatHeader(h recordHeader) string {
	return fmt.Sprintf("%s %s %s %s %d\n",
		recordMagic,
		h.URL,
		h.Timestamp.UTC().Format(time.RFC3339),
		h.ContentType,
		h.Length,
	)
}

func parseHeader(line string) (recordHeader, error) {
	fields := strings.Fields(strings.TrimSuffix(line, "\n"))
	if len(fields) != 5 || fields[0] != recordMagic {
		return recordHeader{}, fmt.Errorf("malformed record header %q", strings.TrimSpace(line))
	}
	ts, err := time.Parse(time.RFC3339, fields[2])
	if err != nil {
		return recordHeader{}, fmt.Errorf("record timestamp: %w", err)
	}
	length, err := strconv.Atoi(fields[4])
	if err != nil || length < 0 {
		return recordHeader{}, fmt.Errorf("record length %q", fields[4])
	}
	return recordHeader{
		URL:         fields[1],
		Timestamp:   ts,
		ContentType: fields[3],
		Length:      length,
	}, nil
}

// readRecord consumes one framed record from r and returns its header and
// payload. The caller tracks byte offsets.
func readRecord(r *bufio.Reader) (recordHeader, []byte, int, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return recordHeader{}, nil, 0, err
	}
	header, err := parseHeader(line)
	if err != nil {
		return recordHeader{}, nil, 0, err
	}
	payload := make([]byte, header.Length)
	if _, err := readFull(r, payload); err != nil {
		return recordHeader{}, nil, 0, fmt.Errorf("record payload: %w", err)
	}
	if _, err := r.ReadByte(); err != nil { // trailing newline
		return recordHeader{}, nil, 0, fmt.Errorf("record terminator: %w", err)
	}
	consumed := len(line) + header.Length + 1
	return header, payload, consumed, nil
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
