package client

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-resty/resty/v2"
)

// SSEDialer opens text/event-stream connections over HTTP.
type SSEDialer struct {
	client *resty.Client
	url    string
}

// NewSSEDialer creates a dialer for the stream at url.
func NewSSEDialer(url string) *SSEDialer {
	client := resty.New().
		SetHeader("Accept", "text/event-stream").
		SetHeader("Cache-Control", "no-cache")
	return &SSEDialer{client: client, url: url}
}

// Dial connects and returns once the response headers arrived.
func (d *SSEDialer) Dial(ctx context.Context) (Stream, error) {
	resp, err := d.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(d.url)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", d.url, err)
	}
	body := resp.RawBody()
	if resp.StatusCode() != http.StatusOK {
		body.Close()
		return nil, fmt.Errorf("dial %s: unexpected status %d", d.url, resp.StatusCode())
	}
	return newEventReader(body), nil
}

// eventReader splits an event stream into frames.
type eventReader struct {
	body io.ReadCloser
	r    *bufio.Reader
}

func newEventReader(body io.ReadCloser) *eventReader {
	return &eventReader{body: body, r: bufio.NewReader(body)}
}

func (e *eventReader) Next() (Frame, error) {
	var f Frame
	var data []string
	for {
		line, err := e.r.ReadString('\n')
		if err != nil {
			if err == io.EOF && line == "" {
				return Frame{}, io.ErrUnexpectedEOF
			}
			if err != io.EOF {
				return Frame{}, err
			}
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if len(data) == 0 {
				// Comments and stray separators dispatch nothing.
				f = Frame{}
				continue
			}
			f.Data = strings.Join(data, "\n")
			return f, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			f.Event = value
		case "data":
			data = append(data, value)
		case "id":
			f.ID = value
		}
	}
}

func (e *eventReader) Close() error {
	return e.body.Close()
}
