package main

import (
	"bytes"
	"text/template"

	"protokern/kernel/irq"
)

// stubInfo describes the trampoline generated for a single vector.
type stubInfo struct {
	Vector uint32

	// PushZero is set for vectors where the CPU does not push an error
	// code; the trampoline pushes a zero in its place so that every
	// frame has the same layout.
	PushZero bool

	// Offset is the byte offset of the stub address in stubTable.
	Offset uint32
}

type templateData struct {
	Stubs           []stubInfo
	UnhandledVector int32
	TableSize       uint32
}

var asmTemplate = template.Must(template.New("trampolines").Parse(`// Code generated by gentramp. DO NOT EDIT.

#include "textflag.h"

// Every trampoline leaves the same frame on the stack: a zero error code
// unless the CPU already pushed one, followed by the vector number.
{{range .Stubs}}
TEXT ·stub{{.Vector}}(SB),NOSPLIT|NOFRAME,$0
{{if .PushZero}}	PUSHL $0
{{end}}	PUSHL ${{.Vector}}
	JMP ·commonStub(SB)
{{end}}
// stubDefault serves every vector without a dedicated trampoline.
TEXT ·stubDefault(SB),NOSPLIT|NOFRAME,$0
	PUSHL $0
	PUSHL ${{.UnhandledVector}}
	JMP ·commonStub(SB)

// commonStub saves the general purpose registers, passes the frame address
// to dispatchEntry and drops the vector and error code before returning from
// the interrupt.
TEXT ·commonStub(SB),NOSPLIT|NOFRAME,$0
	CLD
	PUSHAL
	MOVL SP, AX
	PUSHL AX
	CALL ·dispatchEntry(SB)
	ADDL $4, SP
	POPAL
	ADDL $8, SP
	IRETL

// func stubTableAddr() uintptr
TEXT ·stubTableAddr(SB),NOSPLIT,$0-4
	MOVL $·stubTable(SB), AX
	MOVL AX, ret+0(FP)
	RET

// func defaultStubAddr() uintptr
TEXT ·defaultStubAddr(SB),NOSPLIT,$0-4
	MOVL $·stubDefault(SB), AX
	MOVL AX, ret+0(FP)
	RET
{{range .Stubs}}
DATA ·stubTable+{{.Offset}}(SB)/4, $·stub{{.Vector}}(SB){{end}}
GLOBL ·stubTable(SB), RODATA, ${{.TableSize}}
`))

// buildTemplateData collects one stub per vector in [0, irq.StubCount).
func buildTemplateData() templateData {
	unhandled := irq.UnhandledVector
	data := templateData{
		UnhandledVector: int32(unhandled),
		TableSize:       irq.StubCount * 4,
	}

	for vector := uint32(0); vector < irq.StubCount; vector++ {
		data.Stubs = append(data.Stubs, stubInfo{
			Vector:   vector,
			PushZero: !irq.HasErrorCode(vector),
			Offset:   vector * 4,
		})
	}

	return data
}

// render returns the contents of the trampoline assembly file.
func render() ([]byte, error) {
	var buf bytes.Buffer
	if err := asmTemplate.Execute(&buf, buildTemplateData()); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
