package llamaruntime

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// withIdle runs fn while holding the engine, failing fast when a call is
// already running or the engine is closed.
func (e *Engine) withIdle(op string, fn func() error) error {
	if !e.opMu.TryLock() {
		return newError(op, ErrEngineBusy, "another call is running", nil)
	}
	defer e.opMu.Unlock()

	if e.State() != StateIdle {
		return newError(op, ErrClosed, "engine is closed", nil)
	}
	return fn()
}

// SaveState writes the context state and the evaluated token sequence to
// path.
func (e *Engine) SaveState(path string) error {
	return e.withIdle("save_state", func() error {
		dir := filepath.Dir(path)
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			return newError("save_state", ErrStateIO, fmt.Sprintf("directory %s is not usable", dir), err)
		}
		cpath, err := e.arena.CString(path)
		if err != nil {
			return newError("save_state", ErrStateIO, "cannot allocate path", err)
		}
		if !e.api.StateSave(e.lctx, cpath, e.lastTokens) {
			return newError("save_state", ErrStateIO, path, nil)
		}
		e.logger.Info("state saved",
			zap.String("path", path),
			zap.Int("tokens", len(e.lastTokens)),
		)
		return nil
	})
}

// LoadState restores a state written by SaveState and returns the number
// of tokens it held. The next Generate clears the KV cache again; the
// restored state serves SaveState round trips and KV sequence edits.
func (e *Engine) LoadState(path string) (int, error) {
	var n int
	err := e.withIdle("load_state", func() error {
		if _, err := os.Stat(path); err != nil {
			return newError("load_state", ErrStateIO, path, err)
		}
		cpath, err := e.arena.CString(path)
		if err != nil {
			return newError("load_state", ErrStateIO, "cannot allocate path", err)
		}
		tokens, ok := e.api.StateLoad(e.lctx, cpath, e.nCtx)
		if !ok {
			return newError("load_state", ErrStateIO, path, nil)
		}
		e.lastTokens = tokens
		n = len(tokens)
		e.logger.Info("state loaded",
			zap.String("path", path),
			zap.Int("tokens", n),
		)
		return nil
	})
	return n, err
}

// KVSeqRemove removes positions [p0, p1) of sequence seq from the KV
// cache. Negative bounds mean open ends.
func (e *Engine) KVSeqRemove(seq, p0, p1 int32) (bool, error) {
	var removed bool
	err := e.withIdle("kv_seq_rm", func() (err error) {
		removed, err = e.api.SeqRemove(e.lctx, seq, p0, p1)
		return err
	})
	return removed, err
}

// KVSeqCopy copies positions [p0, p1) of src into dst.
func (e *Engine) KVSeqCopy(src, dst, p0, p1 int32) error {
	return e.withIdle("kv_seq_cp", func() error {
		return e.api.SeqCopy(e.lctx, src, dst, p0, p1)
	})
}

// KVSeqKeep drops every sequence but seq.
func (e *Engine) KVSeqKeep(seq int32) error {
	return e.withIdle("kv_seq_keep", func() error {
		return e.api.SeqKeep(e.lctx, seq)
	})
}

// KVSeqAdd shifts positions [p0, p1) of seq by delta.
func (e *Engine) KVSeqAdd(seq, p0, p1, delta int32) error {
	return e.withIdle("kv_seq_add", func() error {
		return e.api.SeqAdd(e.lctx, seq, p0, p1, delta)
	})
}

// KVSeqDiv divides positions [p0, p1) of seq by d.
func (e *Engine) KVSeqDiv(seq, p0, p1, d int32) error {
	return e.withIdle("kv_seq_div", func() error {
		return e.api.SeqDiv(e.lctx, seq, p0, p1, d)
	})
}
