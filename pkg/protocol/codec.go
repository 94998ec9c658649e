package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
)

// MaxMessageSize bounds a single line on the wire. Task payloads larger than
// this are rejected by the reader.
const MaxMessageSize = 4 << 20

// WriteMessage encodes msg as a single JSON line.
func WriteMessage(w io.Writer, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// NewScanner returns a line scanner sized for MaxMessageSize.
func NewScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxMessageSize)
	return scanner
}

// ReadMessage scans and decodes the next message. It returns io.EOF when the
// stream ends cleanly.
func ReadMessage(scanner *bufio.Scanner) (Message, error) {
	var msg Message
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return msg, fmt.Errorf("read message: %w", err)
		}
		return msg, io.EOF
	}
	if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
		return msg, fmt.Errorf("decode message: %w", err)
	}
	return msg, nil
}
