package engine

// A minimal WebAssembly binary writer, just enough to assemble the
// guest modules the engine tests run. The layout follows the binary
// format spec sections in order: type, import, function, memory,
// global, export, code, data.

type wasmWriter struct {
	b []byte
}

func (w *wasmWriter) byte(bs ...byte) *wasmWriter {
	w.b = append(w.b, bs...)
	return w
}

func (w *wasmWriter) uleb(v uint64) *wasmWriter {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			c |= 0x80
		}
		w.b = append(w.b, c)
		if v == 0 {
			return w
		}
	}
}

func (w *wasmWriter) sleb(v int64) *wasmWriter {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		done := (v == 0 && c&0x40 == 0) || (v == -1 && c&0x40 != 0)
		if !done {
			c |= 0x80
		}
		w.b = append(w.b, c)
		if done {
			return w
		}
	}
}

func (w *wasmWriter) name(s string) *wasmWriter {
	w.uleb(uint64(len(s)))
	w.b = append(w.b, s...)
	return w
}

func (w *wasmWriter) section(id byte, payload []byte) *wasmWriter {
	w.b = append(w.b, id)
	w.uleb(uint64(len(payload)))
	w.b = append(w.b, payload...)
	return w
}

// opcodes and type bytes used below
const (
	opUnreachable = 0x00
	opLoop        = 0x03
	opEnd         = 0x0b
	opBr          = 0x0c
	opCall        = 0x10
	opLocalGet    = 0x20
	opI32Load8U   = 0x2d
	opI32Store8   = 0x3a
	opI32Const    = 0x41
	opI32Add      = 0x6a

	valI32    = 0x7f
	blockVoid = 0x40
)

// testArgbufOfs is where the test modules place their argument
// buffer: the start of the second memory page.
const testArgbufOfs = 0x10000

// codeBody wraps an expression into a code-section entry with no
// locals, terminating it with the end opcode.
func codeBody(expr []byte) []byte {
	var w wasmWriter
	w.uleb(uint64(len(expr) + 2))
	w.byte(0x00) // no locals
	w.byte(expr...)
	w.byte(opEnd)
	return w.b
}

// buildTestModule assembles a module exporting memory, the argument
// buffer global A and a handful of (i32) -> i32 functions. With
// withData set, a data segment initialises the first memory byte to
// 0xfc.
func buildTestModule(withData bool) []byte {
	var mod wasmWriter
	mod.byte(0x00, 0x61, 0x73, 0x6d) // \0asm
	mod.byte(0x01, 0x00, 0x00, 0x00) // version 1

	// type 0: (i32) -> i32, type 1: (i32) -> ()
	var types wasmWriter
	types.uleb(2)
	types.byte(0x60).uleb(1).byte(valI32).uleb(1).byte(valI32)
	types.byte(0x60).uleb(1).byte(valI32).uleb(0)
	mod.section(1, types.b)

	// import env.panic: func idx 0
	var imports wasmWriter
	imports.uleb(1)
	imports.name("env").name("panic").byte(0x00).uleb(1)
	mod.section(2, imports.b)

	// defined functions, all of type 0:
	// 1 echo, 2 bump, 3 peek, 4 die, 5 spin, 6 sum1, 7 boom
	var funcs wasmWriter
	funcs.uleb(7)
	for i := 0; i < 7; i++ {
		funcs.uleb(0)
	}
	mod.section(3, funcs.b)

	// memory: min 2 pages (data + argbuf), max 65536
	var mem wasmWriter
	mem.uleb(1)
	mem.byte(0x01).uleb(2).uleb(0x10000)
	mod.section(5, mem.b)

	// global A: immutable i32 pointing at the argument buffer
	var globals wasmWriter
	globals.uleb(1)
	globals.byte(valI32, 0x00, opI32Const)
	globals.sleb(testArgbufOfs)
	globals.byte(opEnd)
	mod.section(6, globals.b)

	var exports wasmWriter
	exports.uleb(10)
	exports.name("memory").byte(0x02).uleb(0)
	exports.name("A").byte(0x03).uleb(0)
	exports.name("echo").byte(0x00).uleb(1)
	exports.name("bump").byte(0x00).uleb(2)
	exports.name("peek").byte(0x00).uleb(3)
	exports.name("die").byte(0x00).uleb(4)
	exports.name("spin").byte(0x00).uleb(5)
	exports.name("sum1").byte(0x00).uleb(6)
	exports.name("boom").byte(0x00).uleb(7)
	exports.name("init").byte(0x00).uleb(1) // alias of echo
	mod.section(7, exports.b)

	var code wasmWriter
	code.uleb(7)
	// echo: return the argument
	code.byte(codeBody([]byte{opLocalGet, 0x00})...)
	// bump: mem[0] += 1, return 0
	code.byte(codeBody([]byte{
		opI32Const, 0x00,
		opI32Const, 0x00,
		opI32Load8U, 0x00, 0x00,
		opI32Const, 0x01,
		opI32Add,
		opI32Store8, 0x00, 0x00,
		opI32Const, 0x00,
	})...)
	// peek: return mem[0]
	code.byte(codeBody([]byte{
		opI32Const, 0x00,
		opI32Load8U, 0x00, 0x00,
	})...)
	// die: panic(arg_len), return 0
	code.byte(codeBody([]byte{
		opLocalGet, 0x00,
		opCall, 0x00,
		opI32Const, 0x00,
	})...)
	// spin: loop forever
	code.byte(codeBody([]byte{
		opLoop, blockVoid,
		opBr, 0x00,
		opEnd,
		opI32Const, 0x00,
	})...)
	// sum1: return argbuf[0] + 1
	sum1 := []byte{opI32Const}
	sum1 = appendSleb(sum1, testArgbufOfs)
	sum1 = append(sum1, opI32Load8U, 0x00, 0x00, opI32Const, 0x01, opI32Add)
	code.byte(codeBody(sum1)...)
	// boom: trap
	code.byte(codeBody([]byte{opUnreachable})...)
	mod.section(10, code.b)

	if withData {
		var data wasmWriter
		data.uleb(1)
		data.uleb(0) // active, memory 0
		data.byte(opI32Const).sleb(0).byte(opEnd)
		data.uleb(1).byte(0xfc)
		mod.section(11, data.b)
	}

	return mod.b
}

func appendSleb(b []byte, v int64) []byte {
	var w wasmWriter
	w.sleb(v)
	return append(b, w.b...)
}

// buildBadSigModule exports a function that violates the
// (i32) -> i32 calling convention.
func buildBadSigModule() []byte {
	var mod wasmWriter
	mod.byte(0x00, 0x61, 0x73, 0x6d)
	mod.byte(0x01, 0x00, 0x00, 0x00)

	var types wasmWriter
	types.uleb(1)
	types.byte(0x60).uleb(0).uleb(1).byte(valI32) // () -> i32
	mod.section(1, types.b)

	var funcs wasmWriter
	funcs.uleb(1).uleb(0)
	mod.section(3, funcs.b)

	var mem wasmWriter
	mem.uleb(1)
	mem.byte(0x01).uleb(2).uleb(0x10000)
	mod.section(5, mem.b)

	var exports wasmWriter
	exports.uleb(2)
	exports.name("memory").byte(0x02).uleb(0)
	exports.name("nullary").byte(0x00).uleb(0)
	mod.section(7, exports.b)

	var code wasmWriter
	code.uleb(1)
	code.byte(codeBody([]byte{opI32Const, 0x00})...)
	mod.section(10, code.b)

	return mod.b
}
