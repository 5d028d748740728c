// Package kfmt implements the kernel's diagnostic output. Everything in this
// package must be safe to call from interrupt context and before the Go
// allocator is available, so no function here allocates memory.
package kfmt

import (
	"io"
	"protokern/kernel"
	"unsafe"
)

// scratchSize bounds the width of a single formatted number.
const scratchSize = 32

var (
	errMissingArg   = []byte("(MISSING)")
	errWrongArgType = []byte("%!(WRONGTYPE)")
	errNoVerb       = []byte("%!(NOVERB)")
	errExtraArg     = []byte("%!(EXTRA)")
	trueValue       = []byte("true")
	falseValue      = []byte("false")
	digits          = []byte("0123456789abcdef")

	// scratch holds the rendered digits of the number being formatted.
	scratch [scratchSize]byte

	// singleByte is used as a shared buffer for passing single characters
	// to doWrite.
	singleByte = []byte(" ")

	// earlyPrintBuffer stores Printf output until an output sink is
	// attached.
	earlyPrintBuffer ringBuffer

	// outputSink is a io.Writer where Printf will send its output. If set
	// to nil, then the output will be redirected to the earlyPrintBuffer.
	outputSink io.Writer
)

// SetOutputSink sets the default target for calls to Printf to w and replays
// any output accumulated in the early print buffer.
func SetOutputSink(w io.Writer) {
	outputSink = w
	if w != nil {
		io.Copy(w, &earlyPrintBuffer)
	}
}

// GetOutputSink returns the default target for calls to Printf.
func GetOutputSink() io.Writer {
	return outputSink
}

// Output returns the active output sink or, while none is attached, the early
// print buffer. Writers that wrap kfmt output use it so that their data is
// replayed like Printf output.
func Output() io.Writer {
	if outputSink != nil {
		return outputSink
	}
	return &earlyPrintBuffer
}

// Printf writes a formatted diagnostic to the active output sink. It supports
// the following subset of the fmt verbs:
//
//	%s string, []byte or *kernel.Error (its message)
//	%d base 10
//	%o base 8
//	%x base 16 with lower-case letters
//	%t true or false
//	%% a literal percent sign
//
// An optional decimal width may precede the verb. Strings and base-10 numbers
// are left-padded with spaces; base-8 and base-16 numbers with zeroes. The
// width counts the sign of negative numbers.
//
// Pointers (%p) are not supported: importing reflect makes the compiler emit
// allocating calls when assembling the argument slice.
func Printf(format string, args ...interface{}) {
	Fprintf(outputSink, format, args...)
}

// Fprintf behaves exactly like Printf but it writes the formatted output to
// the specified io.Writer.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	var (
		argIndex int
		width    int
		fmtLen   = len(format)
	)

	for i := 0; i < fmtLen; i++ {
		if format[i] != '%' {
			writeByte(w, format[i])
			continue
		}

		width = 0
		for i++; i < fmtLen && format[i] >= '0' && format[i] <= '9'; i++ {
			width = width*10 + int(format[i]-'0')
		}

		if i == fmtLen {
			doWrite(w, errNoVerb)
			break
		}

		verb := format[i]
		switch verb {
		case '%':
			writeByte(w, '%')
			continue
		case 'd', 'o', 'x', 's', 't':
		default:
			doWrite(w, errNoVerb)
			continue
		}

		if argIndex >= len(args) {
			doWrite(w, errMissingArg)
			continue
		}

		arg := args[argIndex]
		argIndex++

		switch verb {
		case 'd':
			fmtInt(w, arg, 10, width)
		case 'o':
			fmtInt(w, arg, 8, width)
		case 'x':
			fmtInt(w, arg, 16, width)
		case 's':
			fmtString(w, arg, width)
		case 't':
			fmtBool(w, arg)
		}
	}

	for ; argIndex < len(args); argIndex++ {
		doWrite(w, errExtraArg)
	}
}

func fmtBool(w io.Writer, v interface{}) {
	b, ok := v.(bool)
	switch {
	case !ok:
		doWrite(w, errWrongArgType)
	case b:
		doWrite(w, trueValue)
	default:
		doWrite(w, falseValue)
	}
}

func fmtString(w io.Writer, v interface{}, width int) {
	switch str := v.(type) {
	case string:
		fmtRepeat(w, ' ', width-len(str))
		// converting the string to a byte slice triggers a memory
		// allocation so it is written one byte at a time.
		for i := 0; i < len(str); i++ {
			writeByte(w, str[i])
		}
	case []byte:
		fmtRepeat(w, ' ', width-len(str))
		doWrite(w, str)
	case *kernel.Error:
		if str == nil {
			fmtString(w, "<nil>", width)
			return
		}
		fmtString(w, str.Message, width)
	default:
		doWrite(w, errWrongArgType)
	}
}

func fmtRepeat(w io.Writer, ch byte, count int) {
	for ; count > 0; count-- {
		writeByte(w, ch)
	}
}

// fmtInt renders v in the requested base into the scratch buffer, right to
// left, and writes it out with the requested width.
func fmtInt(w io.Writer, v interface{}, base uint64, width int) {
	val, neg, ok := toUint64(v)
	if !ok {
		doWrite(w, errWrongArgType)
		return
	}

	if width >= scratchSize {
		width = scratchSize - 1
	}

	pos := scratchSize
	for {
		pos--
		scratch[pos] = digits[val%base]
		val /= base
		if val == 0 {
			break
		}
	}

	padding := width - (scratchSize - pos)
	if neg {
		padding--
	}

	if base == 10 {
		if neg {
			pos--
			scratch[pos] = '-'
		}
		for ; padding > 0; padding-- {
			pos--
			scratch[pos] = ' '
		}
	} else {
		for ; padding > 0; padding-- {
			pos--
			scratch[pos] = '0'
		}
		if neg {
			pos--
			scratch[pos] = '-'
		}
	}

	doWrite(w, scratch[pos:])
}

// toUint64 returns the magnitude and sign of any built-in integer value.
func toUint64(v interface{}) (uint64, bool, bool) {
	var sval int64

	switch t := v.(type) {
	case uint8:
		return uint64(t), false, true
	case uint16:
		return uint64(t), false, true
	case uint32:
		return uint64(t), false, true
	case uint64:
		return t, false, true
	case uint:
		return uint64(t), false, true
	case uintptr:
		return uint64(t), false, true
	case int8:
		sval = int64(t)
	case int16:
		sval = int64(t)
	case int32:
		sval = int64(t)
	case int64:
		sval = t
	case int:
		sval = int64(t)
	default:
		return 0, false, false
	}

	if sval < 0 {
		return uint64(^sval) + 1, true, true
	}
	return uint64(sval), false, true
}

func writeByte(w io.Writer, b byte) {
	singleByte[0] = b
	doWrite(w, singleByte)
}

// doWrite is a proxy that uses the runtime.noescape hack to hide p from the
// compiler's escape analysis. Without it the compiler cannot tell that p does
// not escape through the yet unknown io.Writer and flags it as escaping, which
// makes every Printf call allocate.
func doWrite(w io.Writer, p []byte) {
	doRealWrite(w, noEscape(unsafe.Pointer(&p)))
}

func doRealWrite(w io.Writer, bufPtr unsafe.Pointer) {
	p := *(*[]byte)(bufPtr)
	if w != nil {
		w.Write(p)
	} else {
		earlyPrintBuffer.Write(p)
	}
}

// noEscape hides a pointer from escape analysis. This function is copied over
// from runtime/stubs.go
//
//go:nosplit
func noEscape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0)
}
