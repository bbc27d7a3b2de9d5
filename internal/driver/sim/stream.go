package sim

import (
	"go.uber.org/zap"

	"github.com/fxnlabs/cudacl/internal/driver"
)

type op struct {
	call string
	run  func() error
}

type stream struct {
	ctx   *devContext
	queue []op
}

func (d *Driver) StreamCreate(flags uint32) (driver.Stream, error) {
	c, err := d.enterCtx("cuStreamCreate")
	if err != nil {
		return 0, err
	}
	h := driver.Stream(d.handle())
	d.streams[h] = &stream{ctx: c}
	return h, nil
}

func (d *Driver) StreamDestroy(s driver.Stream) error {
	if err := d.enterInit("cuStreamDestroy_v2"); err != nil {
		return err
	}
	st, ok := d.streams[s]
	if !ok {
		return fail(driver.ErrorInvalidHandle, "cuStreamDestroy_v2")
	}
	err := d.drain(st)
	delete(d.streams, s)
	return err
}

func (d *Driver) StreamSynchronize(s driver.Stream) error {
	if err := d.enterInit("cuStreamSynchronize"); err != nil {
		return err
	}
	if s == 0 {
		return d.drainAll()
	}
	st, ok := d.streams[s]
	if !ok {
		return fail(driver.ErrorInvalidHandle, "cuStreamSynchronize")
	}
	return d.drain(st)
}

// Pending reports the number of operations queued on s and not yet executed.
func (d *Driver) Pending(s driver.Stream) int {
	if st, ok := d.streams[s]; ok {
		return len(st.queue)
	}
	return 0
}

// enqueue appends work to s. The null stream executes immediately after draining every
// other stream.
func (d *Driver) enqueue(s driver.Stream, call string, run func() error) error {
	if s == 0 {
		if err := d.drainAll(); err != nil {
			return err
		}
		return run()
	}
	st, ok := d.streams[s]
	if !ok {
		return fail(driver.ErrorInvalidHandle, call)
	}
	st.queue = append(st.queue, op{call: call, run: run})
	return nil
}

// drain runs queued operations in submission order. The first failure discards the
// rest of the queue and is returned.
func (d *Driver) drain(st *stream) error {
	for len(st.queue) > 0 {
		next := st.queue[0]
		st.queue = st.queue[1:]
		if err := next.run(); err != nil {
			d.logger.Debug("Queued operation failed", zap.String("call", next.call), zap.Error(err))
			st.queue = nil
			return err
		}
	}
	return nil
}

func (d *Driver) drainAll() error {
	for _, st := range d.streams {
		if err := d.drain(st); err != nil {
			return err
		}
	}
	return nil
}
