package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/portal-chat-widget/widget/transcript"
)

// lineView prints transcript entries as single lines.
type lineView struct {
	mu  sync.Mutex
	out io.Writer
}

func newLineView(out io.Writer) *lineView {
	return &lineView{out: out}
}

func (v *lineView) Render(e transcript.Entry) {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, _ = fmt.Fprintln(v.out, formatEntry(e))
	for i, a := range e.Actions {
		_, _ = fmt.Fprintf(v.out, "    [%d] %s\n", i+1, actionLabel(a))
	}
}

func actionLabel(a transcript.Action) string {
	label := a.Label
	if label == "" {
		label = a.Text
	}
	if a.URI != "" {
		return label + " " + a.URI
	}
	return label
}

func (v *lineView) Printf(format string, args ...any) {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, _ = fmt.Fprintf(v.out, format+"\n", args...)
}

var statusMarks = map[string]string{
	"mdi-check":     "✓",
	"mdi-check-all": "✓✓",
}

func formatEntry(e transcript.Entry) string {
	var b strings.Builder
	b.WriteString(e.Timestamp.Format("15:04:05"))
	b.WriteByte(' ')
	b.WriteString(e.ID)
	b.WriteByte(' ')
	b.WriteString(e.From)
	if e.Type != transcript.TypeText {
		b.WriteString(" [" + e.Type + "]")
	}
	b.WriteByte(' ')
	b.WriteString(summarize(e))
	if e.Status == transcript.StatusSending {
		b.WriteString(" …")
	} else if mark, ok := statusMarks[transcript.StatusIcon(e.Status).ID]; ok {
		b.WriteString(" " + mark)
	}
	return b.String()
}

// summarize picks the most useful field of structured content.
func summarize(e transcript.Entry) string {
	switch content := e.Content.(type) {
	case string:
		return content
	case json.RawMessage:
		var fields struct {
			Text      string   `json:"text"`
			URL       string   `json:"url"`
			Filename  string   `json:"filename"`
			Title     string   `json:"title"`
			Latitude  *float64 `json:"latitude"`
			Longitude *float64 `json:"longitude"`
		}
		if err := json.Unmarshal(content, &fields); err != nil {
			return string(content)
		}
		switch {
		case fields.Latitude != nil && fields.Longitude != nil:
			return fmt.Sprintf("https://maps.google.com/maps/place/%v,%v", *fields.Latitude, *fields.Longitude)
		case fields.URL != "":
			return fields.URL
		case fields.Filename != "":
			return fields.Filename
		case fields.Title != "":
			return fields.Title
		case fields.Text != "":
			return fields.Text
		}
		return string(content)
	case nil:
		return ""
	default:
		return fmt.Sprint(content)
	}
}

// runConsole reads guest input line by line until /quit, EOF, ctx is done
// or the chat socket goes away.
//
//	<text>                     send a text message
//	/location <lat> <lon> [t]  share a location with an optional title
//	/played <trackingId>       report a watched video
//	/play <id>, /pause <id>    time the playback of a video entry
//	/end <id> <seconds>        end playback of a video of that length
//	/action <id> <n>           pick the n-th quick reply of an entry
//	/quit                      leave the chat
func runConsole(ctx context.Context, c *Client, in io.Reader, view *lineView) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.Done():
			view.Printf("! chat closed by the relay")
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			quit, err := handleLine(ctx, c, view, strings.TrimSpace(line))
			if err != nil {
				log.Debug().Err(err).Msg("[widget] command failed")
				view.Printf("! %v", err)
			}
			if quit {
				return nil
			}
		}
	}
}

func handleLine(ctx context.Context, c *Client, view *lineView, line string) (quit bool, err error) {
	if !strings.HasPrefix(line, "/") {
		return false, c.SendText(ctx, line)
	}
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit":
		return true, nil
	case "/played":
		if len(fields) < 2 {
			return false, ErrMissingTrackingID
		}
		return false, c.SendVideoPlayed(ctx, fields[1])
	case "/location":
		if len(fields) < 3 {
			return false, fmt.Errorf("usage: /location <lat> <lon> [title]")
		}
		lat, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return false, fmt.Errorf("latitude: %w", err)
		}
		lon, err := strconv.ParseFloat(fields[2], 64)
		if err != nil {
			return false, fmt.Errorf("longitude: %w", err)
		}
		return false, c.SendLocation(ctx, Location{
			Latitude:  lat,
			Longitude: lon,
			Title:     strings.Join(fields[3:], " "),
		})
	case "/play", "/pause":
		if len(fields) < 2 {
			return false, fmt.Errorf("usage: %s <id>", fields[0])
		}
		if fields[0] == "/pause" {
			return false, c.PauseVideo(fields[1])
		}
		_, err := c.PlayVideo(fields[1])
		return false, err
	case "/end":
		if len(fields) < 3 {
			return false, fmt.Errorf("usage: /end <id> <seconds>")
		}
		secs, err := strconv.ParseFloat(fields[2], 64)
		if err != nil {
			return false, fmt.Errorf("duration: %w", err)
		}
		played, err := c.EndVideo(ctx, fields[1], time.Duration(secs*float64(time.Second)))
		if err == nil && !played {
			view.Printf("video %s was not watched to the end", fields[1])
		}
		return false, err
	case "/action":
		if len(fields) < 3 {
			return false, fmt.Errorf("usage: /action <id> <n>")
		}
		return false, pickAction(ctx, c, view, fields[1], fields[2])
	default:
		return false, fmt.Errorf("unknown command %s", fields[0])
	}
}

func pickAction(ctx context.Context, c *Client, view *lineView, id, n string) error {
	e, ok := c.Transcript().Find(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntry, id)
	}
	i, err := strconv.Atoi(n)
	if err != nil || i < 1 || i > len(e.Actions) {
		return fmt.Errorf("entry %s has no action %s", id, n)
	}
	a := e.Actions[i-1]
	r, err := c.Reply(ctx, a)
	if err != nil {
		return err
	}
	switch {
	case r.WantsLocation:
		view.Printf("share a location with /location <lat> <lon>")
	case a.URI != "":
		view.Printf("open %s", a.URI)
	}
	return nil
}
