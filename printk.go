package irqpipe

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// Deferred logging. Domains above root must not call into the host
// logger directly: records are queued and a reserved virtual interrupt
// flushes them once the root stage runs again. Domains carrying the
// sync-printk flag (see Domain.SetSyncPrintk) bypass the queue, which is
// what the diagnostics paths switch to right before dumping state.

type printkRec struct {
	level slog.Level
	msg   string
	args  []any
}

type printkState struct {
	virq   int
	lock   spinlock
	buf    []printkRec
	logger atomic.Pointer[slog.Logger]
}

func (pp *Pipeline) initPrintk() {
	virq, err := pp.AllocVirq()
	if err != nil {
		// Cannot happen at construction time: the map has room.
		panic(err)
	}

	st := &printkState{virq: virq}
	st.logger.Store(slog.Default())
	pp.printk = st

	pp.root.irqs[virq].action.Store(&irqAction{handler: pp.flushPrintk})
	pp.root.irqs[virq].control.Store(uint32(Handle))
}

// SetLogger directs the deferred log flush to l. Defaults to
// slog.Default.
func (pp *Pipeline) SetLogger(l *slog.Logger) {
	if pp.printk != nil && l != nil {
		pp.printk.logger.Store(l)
	}
}

// PrintkVirq returns the vector reserved for the log flush, or -1 when
// the pipeline was built without one.
func (pp *Pipeline) PrintkVirq() int {
	if pp.printk == nil {
		return -1
	}
	return pp.printk.virq
}

// Printk logs msg. Over the root domain, or from a domain flagged for
// synchronous logging, the record goes straight to the logger;
// otherwise it is queued and the flush virq is scheduled on root.
func (pp *Pipeline) Printk(level slog.Level, msg string, args ...any) {
	st := pp.printk
	if st == nil || pp.Current() == pp.root || pp.Current().flags&flagSyncPrintk != 0 {
		var l *slog.Logger
		if st != nil {
			l = st.logger.Load()
		} else {
			l = slog.Default()
		}
		l.Log(context.Background(), level, msg, args...)
		return
	}

	on := pp.platform.DisableIRQs()
	st.lock.lock()
	st.buf = append(st.buf, printkRec{level: level, msg: msg, args: args})
	st.lock.unlock()
	pp.setIRQPending(pp.root, st.virq)
	pp.platform.RestoreIRQs(on)
}

func (pp *Pipeline) flushPrintk(int, any) {
	st := pp.printk

	on := pp.platform.DisableIRQs()
	st.lock.lock()
	recs := st.buf
	st.buf = nil
	st.lock.unlock()
	pp.platform.RestoreIRQs(on)

	l := st.logger.Load()
	for _, r := range recs {
		l.Log(context.Background(), r.level, r.msg, r.args...)
	}
}
