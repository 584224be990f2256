package runtime

import (
	"bufio"
	"bytes"
	"os"
)

// lastLocalCommandLine reads path and returns the last raw line containing
// a <local-command-stdout> marker anywhere in it (a plain byte match; the
// line is not decoded). Returns nil, nil if no line matches; errors opening
// or scanning the file are returned.
func lastLocalCommandLine(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var best []byte
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	marker := []byte("<local-command-stdout>")
	for scanner.Scan() {
		line := scanner.Bytes()
		if bytes.Contains(line, marker) {
			best = append([]byte(nil), line...)
		}
	}
	return best, scanner.Err()
}
