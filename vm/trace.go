package vm

import (
	"github.com/tliron/commonlog"
)

// vmLog carries engine diagnostics. A logging backend is registered by
// the embedding program; without one the calls are no-ops.
var vmLog = commonlog.GetLogger("krait.vm")

// Tracer observes instruction execution. The engine invokes it once per
// fetched instruction, before the instruction runs. depth is the number
// of frames on the call stack including the executing one.
type Tracer interface {
	TraceInstruction(depth int, code *CodeObject, offset int)
}

func (vm *VM) traceInstruction(f *Frame, at int) {
	vm.execLog.TraceInstruction(len(vm.frames), f.code, at)
}

// LogTracer forwards executed instructions to the engine log at debug
// level. Attach with SetTracer and raise the backend verbosity to see
// the stream.
type LogTracer struct {
	log commonlog.Logger
}

func NewLogTracer() *LogTracer {
	return &LogTracer{log: commonlog.GetLogger("krait.vm.exec")}
}

func (t *LogTracer) TraceInstruction(depth int, code *CodeObject, offset int) {
	if !t.log.AllowLevel(commonlog.Debug) {
		return
	}
	text, _ := code.DisassembleInstruction(offset)
	t.log.Debugf("%s depth=%d %s", code.Name, depth, text)
}
