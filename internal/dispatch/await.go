package dispatch

import "context"

// Await runs an asynchronous operation and blocks until its completion
// callback fires or ctx is done. It must not be called from a Queue's own
// delivery goroutine, since that goroutine is the one that would run done.
func Await(ctx context.Context, op func(done func(error))) error {
	result := make(chan error, 1)
	op(func(err error) {
		result <- err
	})

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
