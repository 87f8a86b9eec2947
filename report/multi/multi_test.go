package multi

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"

	"github.com/ozontech/callflow/report"
	"github.com/ozontech/callflow/report/noop"
	"github.com/ozontech/callflow/report/phout"
	"github.com/ozontech/callflow/status"
)

var (
	_ report.Reporter = (*Multi)(nil)
	_ report.Reporter = (*noop.Noop)(nil)
	_ report.Reporter = (*phout.Reporter)(nil)
)

type failingClose struct {
	*noop.Noop
	err error
}

func (f failingClose) Close() error {
	_ = f.Noop.Close()
	return f.err
}

func TestMulti(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	first, second := new(bytes.Buffer), new(bytes.Buffer)
	m := New(phout.New(first, time.Minute), phout.New(second, time.Minute), noop.New())
	errChan := make(chan error)
	go func() {
		errChan <- m.Run()
	}()

	for _, code := range []codes.Code{codes.OK, codes.NotFound} {
		s := m.Acquire("/math.Math/Fib")
		s.SetSize(3)
		s.SetResponseSize(5)
		s.OnHeader("x-a", "b")
		s.End(status.New(code, ""))
	}

	a.NoError(m.Close())
	a.NoError(<-errChan)

	// время и RTT каждый вложенный репортер меряет сам
	a.Equal(withoutTimings(first.String()), withoutTimings(second.String()))
	lines := strings.Split(strings.TrimSpace(first.String()), "\n")
	a.Len(lines, 2)
	a.True(strings.HasSuffix(lines[0], "\t3\t5\t0\tgrpc_0"), lines[0])
	a.True(strings.HasSuffix(lines[1], "\t3\t5\t0\tgrpc_5"), lines[1])
}

// withoutTimings drops the timestamp and RTT columns of phout lines.
func withoutTimings(out string) []string {
	var lines []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		fields := strings.Split(line, "\t")
		if len(fields) < 3 {
			lines = append(lines, line)
			continue
		}
		lines = append(lines, strings.Join(append([]string{fields[1]}, fields[3:]...), "\t"))
	}
	return lines
}

func TestMultiCloseMergesErrors(t *testing.T) {
	t.Parallel()
	a := assert.New(t)

	errA, errB := errors.New("a"), errors.New("b")
	m := New(failingClose{noop.New(), errA}, noop.New(), failingClose{noop.New(), errB})
	errChan := make(chan error)
	go func() {
		errChan <- m.Run()
	}()

	err := m.Close()
	a.ErrorIs(err, errA)
	a.ErrorIs(err, errB)
	a.NoError(<-errChan)
}
