package forward

import (
	"context"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/gravitational/trace"

	"github.com/svalin-project/svalin/rpcsession"
)

// Splice relays bytes bidirectionally between a and b until either side
// closes, an error occurs, or ctx is cancelled (spec.md §4.H). Neither
// side's framing is touched: the broker never parses the chunks flowing
// through it, which is the confidentiality property the inner TLS
// handshake between the two real endpoints relies on.
func Splice(ctx context.Context, a, b rpcsession.RawStream, log logrus.FieldLogger) error {
	if log == nil {
		log = logrus.WithField(trace.Component, "forward")
	}

	errorCh := make(chan error, 2)

	go func() {
		defer a.Close()
		_, err := io.Copy(a, b)
		errorCh <- err
	}()
	go func() {
		defer b.Close()
		_, err := io.Copy(b, a)
		errorCh <- err
	}()

	for i := 0; i < 2; i++ {
		select {
		case err := <-errorCh:
			if err != nil && err != io.EOF {
				log.WithError(err).Debug("forwarding copy loop ended")
			}
		case <-ctx.Done():
			a.Close()
			b.Close()
			return trace.Wrap(ctx.Err())
		}
	}
	return nil
}
