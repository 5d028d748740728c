package console

import (
	"io"
	"unsafe"

	"protokern/kernel"
	"protokern/kernel/cpu"
	"protokern/kernel/kfmt"
	"protokern/kernel/mem"
)

const (
	// VgaTextAddr is the physical address of the text mode framebuffer.
	VgaTextAddr = uintptr(0xb8000)

	// Columns and Rows define the geometry of VGA mode 0x3.
	Columns = 80
	Rows    = 25

	// DefaultTabWidth is the number of spaces a tab expands to.
	DefaultTabWidth = 4

	crtcIndexPort  = 0x3d4
	crtcDataPort   = 0x3d5
	crtcCursorHigh = 0x0e
	crtcCursorLow  = 0x0f
)

var (
	// portWriteByteFn is mocked by tests and is automatically inlined by
	// the compiler.
	portWriteByteFn = cpu.PortWriteByte
)

// VgaText implements an EGA-compatible 80x25 text console using VGA mode
// 0x3. Each character cell occupies two bytes: the ASCII code and an
// attribute byte encoding the foreground and background colors (4 bits
// each).
//
// VgaText implements io.Writer and interprets the following special
// characters:
//   - \r (carriage-return)
//   - \n (line-feed)
//   - \b (backspace)
//   - \t (tab; expanded to DefaultTabWidth spaces)
//
// Output that reaches the end of the last row scrolls the screen up by one
// line.
type VgaText struct {
	fbPhysAddr uintptr
	fb         []uint16

	fg, bg           Color
	cursorX, cursorY uint32
	clearChar        uint16
}

// Init attaches the console to the framebuffer at fbPhysAddr. The default
// settings are light gray text on a black background with the cursor at the
// top-left corner (1, 1).
func (cons *VgaText) Init(fbPhysAddr uintptr) {
	cons.fbPhysAddr = fbPhysAddr
	cons.fb = unsafe.Slice(
		(*uint16)(mem.PhysPtrFn(fbPhysAddr, mem.Size(Columns*Rows*2))),
		Columns*Rows,
	)
	cons.fg, cons.bg = LightGray, Black
	cons.cursorX, cons.cursorY = 1, 1
	cons.clearChar = uint16(' ')
}

// Dimensions returns the console width and height in characters.
func (cons *VgaText) Dimensions() (uint32, uint32) {
	return Columns, Rows
}

// SetColors sets the attribute used by subsequent writes.
func (cons *VgaText) SetColors(fg, bg Color) {
	cons.fg, cons.bg = fg, bg
}

// Colors returns the active foreground and background colors.
func (cons *VgaText) Colors() (Color, Color) {
	return cons.fg, cons.bg
}

// CursorPosition returns the current 1-based cursor position.
func (cons *VgaText) CursorPosition() (uint32, uint32) {
	return cons.cursorX, cons.cursorY
}

// SetCursorPosition moves the cursor to (x, y), clipping the coordinates to
// the screen bounds.
func (cons *VgaText) SetCursorPosition(x, y uint32) {
	if x < 1 {
		x = 1
	} else if x > Columns {
		x = Columns
	}

	if y < 1 {
		y = 1
	} else if y > Rows {
		y = Rows
	}

	cons.cursorX, cons.cursorY = x, y
	cons.syncCursor()
}

// Clear fills the screen with blanks using the active colors and moves the
// cursor to the top-left corner.
func (cons *VgaText) Clear() {
	cons.Fill(1, 1, Columns, Rows, cons.fg, cons.bg)
	cons.SetCursorPosition(1, 1)
}

// Fill sets the contents of the specified rectangular region to the requested
// color. Both x and y coordinates are 1-based.
func (cons *VgaText) Fill(x, y, width, height uint32, fg, bg Color) {
	var (
		clr                  = uint16(Attr(fg, bg))<<8 | cons.clearChar
		rowOffset, colOffset uint32
	)

	// clip rectangle
	if x == 0 {
		x = 1
	} else if x >= Columns {
		x = Columns
	}

	if y == 0 {
		y = 1
	} else if y >= Rows {
		y = Rows
	}

	if x+width-1 > Columns {
		width = Columns - x + 1
	}

	if y+height-1 > Rows {
		height = Rows - y + 1
	}

	rowOffset = ((y - 1) * Columns) + (x - 1)
	for ; height > 0; height, rowOffset = height-1, rowOffset+Columns {
		for colOffset = rowOffset; colOffset < rowOffset+width; colOffset++ {
			cons.fb[colOffset] = clr
		}
	}
}

// Scroll the console contents to the specified direction. The caller
// is responsible for updating (e.g. clear or replace) the contents of
// the region that was scrolled.
func (cons *VgaText) Scroll(dir ScrollDir, lines uint32) {
	if lines == 0 || lines > Rows {
		return
	}

	var i uint32
	offset := lines * Columns

	switch dir {
	case ScrollDirUp:
		for ; i < (Rows-lines)*Columns; i++ {
			cons.fb[i] = cons.fb[i+offset]
		}
	case ScrollDirDown:
		for i = Rows*Columns - 1; i >= lines*Columns; i-- {
			cons.fb[i] = cons.fb[i-offset]
		}
	}
}

// WriteAt places a char at the specified location without moving the cursor.
// Both x and y coordinates are 1-based; out of range coordinates are ignored.
func (cons *VgaText) WriteAt(ch byte, fg, bg Color, x, y uint32) {
	if x < 1 || x > Columns || y < 1 || y > Rows {
		return
	}

	cons.fb[((y-1)*Columns)+(x-1)] = uint16(Attr(fg, bg))<<8 | uint16(ch)
}

// CharAt returns the character and attribute byte stored at (x, y).
func (cons *VgaText) CharAt(x, y uint32) (byte, uint8) {
	if x < 1 || x > Columns || y < 1 || y > Rows {
		return 0, 0
	}

	cell := cons.fb[((y-1)*Columns)+(x-1)]
	return byte(cell), uint8(cell >> 8)
}

// Write implements io.Writer.
func (cons *VgaText) Write(data []byte) (int, error) {
	if cons.fb == nil {
		return 0, io.ErrClosedPipe
	}

	for _, b := range data {
		cons.writeByte(b)
	}
	cons.syncCursor()

	return len(data), nil
}

func (cons *VgaText) writeByte(b byte) {
	switch b {
	case '\r':
		cons.cursorX = 1
	case '\n':
		cons.lf()
	case '\b':
		if cons.cursorX > 1 {
			cons.cursorX--
			cons.WriteAt(' ', cons.fg, cons.bg, cons.cursorX, cons.cursorY)
		}
	case '\t':
		for i := 0; i < DefaultTabWidth; i++ {
			cons.put(' ')
		}
	default:
		cons.put(b)
	}
}

// put writes b at the cursor and advances it, wrapping to the next line
// when the end of the current one is reached.
func (cons *VgaText) put(b byte) {
	cons.WriteAt(b, cons.fg, cons.bg, cons.cursorX, cons.cursorY)
	cons.cursorX++
	if cons.cursorX > Columns {
		cons.lf()
	}
}

// lf moves the cursor to the start of the next line scrolling the screen
// contents up if the cursor is on the last line.
func (cons *VgaText) lf() {
	cons.cursorX = 1
	if cons.cursorY < Rows {
		cons.cursorY++
		return
	}

	cons.Scroll(ScrollDirUp, 1)
	cons.Fill(1, Rows, Columns, 1, cons.fg, cons.bg)
}

// syncCursor moves the hardware cursor to the current cursor position.
func (cons *VgaText) syncCursor() {
	pos := uint16((cons.cursorY-1)*Columns + (cons.cursorX - 1))
	portWriteByteFn(crtcIndexPort, crtcCursorHigh)
	portWriteByteFn(crtcDataPort, uint8(pos>>8))
	portWriteByteFn(crtcIndexPort, crtcCursorLow)
	portWriteByteFn(crtcDataPort, uint8(pos))
}

// DriverName returns the name of this driver.
func (cons *VgaText) DriverName() string {
	return "vga_text_console"
}

// DriverVersion returns the version of this driver.
func (cons *VgaText) DriverVersion() (uint16, uint16, uint16) {
	return 0, 0, 1
}

// DriverInit clears the screen.
func (cons *VgaText) DriverInit(w io.Writer) *kernel.Error {
	if cons.fb == nil {
		cons.Init(VgaTextAddr)
	}

	cons.Clear()
	kfmt.Fprintf(w, "[console] %dx%d text mode at 0x%x\n", uint32(Columns), uint32(Rows), cons.fbPhysAddr)
	return nil
}
