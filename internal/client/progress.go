package client

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Progress is a parsed action progress report.
type Progress struct {
	Label    string
	Fraction float64
	// Error and Stack are set when the action aborted.
	Error string
	Stack string
}

// Done reports whether the action has terminated.
func (p *Progress) Done() bool { return p.Error != "" || p.Fraction >= 1 }

// ParseProgress reads the progress text: a label line followed by either the
// fraction or "error <message>" and a stack trace.
func ParseProgress(text string) (*Progress, error) {
	label, rest, ok := strings.Cut(text, "\n")
	if !ok {
		return nil, errors.Errorf("malformed progress %q", text)
	}
	p := &Progress{Label: label}
	second, stack, _ := strings.Cut(rest, "\n")
	if msg, ok := strings.CutPrefix(second, "error "); ok {
		p.Error = msg
		p.Stack = strings.TrimRight(stack, "\n")
		return p, nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(second), 64)
	if err != nil {
		return nil, errors.Errorf("malformed progress fraction %q", second)
	}
	p.Fraction = f
	return p, nil
}

// Wait polls an action every interval until it terminates. onProgress,
// when set, sees every progress report.
func (c *Client) Wait(ctx context.Context, id string, interval time.Duration, onProgress func(*Progress)) (*Progress, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		p, err := c.Progress(ctx, id)
		if err != nil {
			return nil, err
		}
		if onProgress != nil {
			onProgress(p)
		}
		if p.Done() {
			return p, nil
		}
		select {
		case <-ctx.Done():
			return p, ctx.Err()
		case <-ticker.C:
		}
	}
}
