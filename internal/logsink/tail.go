package logsink

import (
	"bufio"
	"os"
)

// Tail returns up to the last n lines of the file at path.
func Tail(path string, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	// #nosec G304 -- path is operator configuration
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	ring := make([]string, 0, n)
	start := 0
	s := bufio.NewScanner(f)
	s.Buffer(make([]byte, 64*1024), 1024*1024)
	for s.Scan() {
		if len(ring) < n {
			ring = append(ring, s.Text())
			continue
		}
		ring[start] = s.Text()
		start = (start + 1) % n
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return append(ring[start:], ring[:start]...), nil
}
