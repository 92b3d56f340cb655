package client

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

const (
	successFrame = "Deployment finished successfully"
	errorPrefix  = "ERROR: "
)

// ErrStreamInterrupted is returned when a stream ends without a terminal frame.
var ErrStreamInterrupted = errors.New("stream ended before the deployment finished")

// StreamResult summarises a followed pipeline.
type StreamResult struct {
	Success bool
	// Message is the terminal frame text, minus the error prefix on failure.
	Message string
	// Detached is set when the server ran the pipeline without streaming.
	Detached bool
}

// ReadStream consumes Server-Sent Events from r until the terminal frame.
// Every data event, the terminal one included, is passed to onFrame.
func ReadStream(r io.Reader, onFrame func(string)) (StreamResult, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64<<10), 1<<20)
	var data []string
	flush := func() (StreamResult, bool) {
		if len(data) == 0 {
			return StreamResult{}, false
		}
		frame := strings.Join(data, "\n")
		data = data[:0]
		if onFrame != nil {
			onFrame(frame)
		}
		switch {
		case frame == successFrame:
			return StreamResult{Success: true, Message: frame}, true
		case strings.HasPrefix(frame, errorPrefix):
			return StreamResult{Message: strings.TrimPrefix(frame, errorPrefix)}, true
		}
		return StreamResult{}, false
	}
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if res, done := flush(); done {
				return res, nil
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "data:"):
			value := strings.TrimPrefix(line, "data:")
			data = append(data, strings.TrimPrefix(value, " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return StreamResult{}, err
	}
	if res, done := flush(); done {
		return res, nil
	}
	return StreamResult{}, ErrStreamInterrupted
}
