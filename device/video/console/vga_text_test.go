package console

import (
	"bytes"
	"testing"
	"unsafe"

	"protokern/device"
	"protokern/kernel/cpu"
	"protokern/kernel/mem"

	"github.com/google/go-cmp/cmp"
)

// newTestConsole returns a console backed by an in-memory framebuffer. The
// returned function restores the mocked hooks.
func newTestConsole() (*VgaText, []uint16, func()) {
	origPhysPtr := mem.PhysPtrFn
	fb := make([]uint16, Columns*Rows)
	mem.PhysPtrFn = func(_ uintptr, _ mem.Size) unsafe.Pointer {
		return unsafe.Pointer(&fb[0])
	}
	portWriteByteFn = func(_ uint16, _ uint8) {}

	cons := new(VgaText)
	cons.Init(VgaTextAddr)

	return cons, fb, func() {
		mem.PhysPtrFn = origPhysPtr
		portWriteByteFn = cpu.PortWriteByte
	}
}

// rowText returns the characters stored in row y.
func rowText(cons *VgaText, y uint32) string {
	var row [Columns]byte
	for x := uint32(1); x <= Columns; x++ {
		row[x-1], _ = cons.CharAt(x, y)
	}
	return string(bytes.TrimRight(row[:], " \x00"))
}

func TestVgaTextDefaults(t *testing.T) {
	cons, _, restore := newTestConsole()
	defer restore()

	if w, h := cons.Dimensions(); w != 80 || h != 25 {
		t.Fatalf("expected console dimensions to be 80x25; got %dx%d", w, h)
	}

	if fg, bg := cons.Colors(); fg != LightGray || bg != Black {
		t.Fatalf("expected console default colors to be fg:7, bg:0; got fg:%d, bg: %d", fg, bg)
	}

	if x, y := cons.CursorPosition(); x != 1 || y != 1 {
		t.Fatalf("expected cursor at (1, 1); got (%d, %d)", x, y)
	}
}

func TestVgaTextFill(t *testing.T) {
	specs := []struct {
		// Input rect
		x, y, w, h uint32

		// Expected area to be cleared
		expStartX, expStartY, expEndX, expEndY uint32
	}{
		{
			0, 0, 500, 500,
			1, 1, 80, 25,
		},
		{
			10, 10, 11, 50,
			10, 10, 20, 25,
		},
		{
			10, 10, 110, 1,
			10, 10, 80, 10,
		},
		{
			90, 25, 20, 20,
			80, 25, 80, 25,
		},
		{
			12, 12, 5, 6,
			12, 12, 16, 17,
		},
	}

	cons, fb, restore := newTestConsole()
	defer restore()

	testPat := uint16(0xDEAD)
	clearPat := uint16(Attr(Yellow, Blue))<<8 | uint16(' ')

nextSpec:
	for specIndex, spec := range specs {
		for i := 0; i < len(fb); i++ {
			fb[i] = testPat
		}

		cons.Fill(spec.x, spec.y, spec.w, spec.h, Yellow, Blue)

		var x, y uint32
		for y = 1; y <= Rows; y++ {
			for x = 1; x <= Columns; x++ {
				fbVal := fb[((y-1)*Columns)+(x-1)]

				if x < spec.expStartX || y < spec.expStartY || x > spec.expEndX || y > spec.expEndY {
					if fbVal != testPat {
						t.Errorf("[spec %d] expected char at (%d, %d) not to be cleared", specIndex, x, y)
						continue nextSpec
					}
				} else if fbVal != clearPat {
					t.Errorf("[spec %d] expected char at (%d, %d) to be cleared", specIndex, x, y)
					continue nextSpec
				}
			}
		}
	}
}

func TestVgaTextScroll(t *testing.T) {
	cons, fb, restore := newTestConsole()
	defer restore()

	fillPattern := func() {
		var x, y, index uint32
		for y = 0; y < Rows; y++ {
			for x = 0; x < Columns; x++ {
				fb[index] = uint16((y << 8) | x)
				index++
			}
		}
	}

	t.Run("up", func(t *testing.T) {
	nextSpec:
		for specIndex, lines := range []uint32{0, 1, 2} {
			fillPattern()
			cons.Scroll(ScrollDirUp, lines)

			var x, y, index uint32
			for y = 0; y < Rows-lines; y++ {
				for x = 0; x < Columns; x++ {
					expVal := uint16(((y + lines) << 8) | x)
					if fb[index] != expVal {
						t.Errorf("[spec %d] expected value at (%d, %d) to be %d; got %d", specIndex, x, y, expVal, fb[index])
						continue nextSpec
					}
					index++
				}
			}
		}
	})

	t.Run("down", func(t *testing.T) {
	nextSpec:
		for specIndex, lines := range []uint32{0, 1, 2} {
			fillPattern()
			cons.Scroll(ScrollDirDown, lines)

			var x, y uint32
			index := lines * Columns
			for y = lines; y < Rows; y++ {
				for x = 0; x < Columns; x++ {
					expVal := uint16(((y - lines) << 8) | x)
					if fb[index] != expVal {
						t.Errorf("[spec %d] expected value at (%d, %d) to be %d; got %d", specIndex, x, y, expVal, fb[index])
						continue nextSpec
					}
					index++
				}
			}
		}
	})
}

func TestVgaTextWriteAt(t *testing.T) {
	cons, fb, restore := newTestConsole()
	defer restore()

	t.Run("off-screen", func(t *testing.T) {
		specs := []struct {
			x, y uint32
		}{
			{81, 26},
			{90, 24},
			{79, 30},
			{0, 1},
		}

	nextSpec:
		for specIndex, spec := range specs {
			for i := 0; i < len(fb); i++ {
				fb[i] = 0
			}

			cons.WriteAt('!', Blue, Green, spec.x, spec.y)

			for i := 0; i < len(fb); i++ {
				if got := fb[i]; got != 0 {
					t.Errorf("[spec %d] expected WriteAt() with off-screen coords to be a no-op", specIndex)
					continue nextSpec
				}
			}
		}
	})

	t.Run("success", func(t *testing.T) {
		cons.WriteAt('!', Blue, Green, 2, 3)

		expVal := uint16(0x21)<<8 | uint16('!')
		if got := fb[2*Columns+1]; got != expVal {
			t.Errorf("expected call to WriteAt() to set fb cell to 0x%x; got 0x%x", expVal, got)
		}

		if ch, attr := cons.CharAt(2, 3); ch != '!' || attr != 0x21 {
			t.Errorf("expected CharAt to return ('!', 0x21); got (%q, 0x%x)", ch, attr)
		}
	})
}

func TestVgaTextWrite(t *testing.T) {
	specs := []struct {
		input     string
		expRows   []string
		expCursor [2]uint32
	}{
		{"hello", []string{"hello"}, [2]uint32{6, 1}},
		{"hello\nworld", []string{"hello", "world"}, [2]uint32{6, 2}},
		{"abc\rX", []string{"Xbc"}, [2]uint32{2, 1}},
		{"abc\b\bd", []string{"ad"}, [2]uint32{3, 1}},
		{"\bx", []string{"x"}, [2]uint32{2, 1}},
		{"a\tb", []string{"a    b"}, [2]uint32{7, 1}},
	}

	for specIndex, spec := range specs {
		cons, _, restore := newTestConsole()
		cons.Clear()

		n, err := cons.Write([]byte(spec.input))
		if err != nil || n != len(spec.input) {
			t.Errorf("[spec %d] expected Write to return (%d, nil); got (%d, %v)", specIndex, len(spec.input), n, err)
		}

		var got []string
		for y := uint32(1); y <= uint32(len(spec.expRows)); y++ {
			got = append(got, rowText(cons, y))
		}
		if diff := cmp.Diff(spec.expRows, got); diff != "" {
			t.Errorf("[spec %d] unexpected screen contents (-want +got):\n%s", specIndex, diff)
		}

		if x, y := cons.CursorPosition(); x != spec.expCursor[0] || y != spec.expCursor[1] {
			t.Errorf("[spec %d] expected cursor at %v; got (%d, %d)", specIndex, spec.expCursor, x, y)
		}
		restore()
	}
}

func TestVgaTextWrapAndScroll(t *testing.T) {
	cons, _, restore := newTestConsole()
	defer restore()
	cons.Clear()

	line := bytes.Repeat([]byte{'a'}, Columns)
	cons.Write(line)
	if x, y := cons.CursorPosition(); x != 1 || y != 2 {
		t.Fatalf("expected a full line to wrap the cursor to (1, 2); got (%d, %d)", x, y)
	}

	for row := 2; row <= Rows; row++ {
		cons.Write([]byte{'0' + byte(row%10), '\n'})
	}

	// The first line scrolled off; row 2 ("2") is now at the top.
	if got := rowText(cons, 1); got != "2" {
		t.Fatalf("expected top row to contain %q; got %q", "2", got)
	}

	if got := rowText(cons, Rows); got != "" {
		t.Fatalf("expected bottom row to be blank; got %q", got)
	}

	if x, y := cons.CursorPosition(); x != 1 || y != Rows {
		t.Fatalf("expected cursor at (1, %d); got (%d, %d)", Rows, x, y)
	}
}

func TestVgaTextHardwareCursor(t *testing.T) {
	cons, _, restore := newTestConsole()
	defer restore()

	var writes [][2]uint16
	portWriteByteFn = func(port uint16, val uint8) {
		writes = append(writes, [2]uint16{port, uint16(val)})
	}

	cons.SetCursorPosition(100, 3)

	// (80, 3) -> offset 2*80 + 79 = 239
	exp := [][2]uint16{
		{crtcIndexPort, crtcCursorHigh},
		{crtcDataPort, 0},
		{crtcIndexPort, crtcCursorLow},
		{crtcDataPort, 239},
	}
	if diff := cmp.Diff(exp, writes); diff != "" {
		t.Fatalf("unexpected port writes (-want +got):\n%s", diff)
	}
}

func TestVgaTextWriteDetached(t *testing.T) {
	var cons VgaText
	if _, err := cons.Write([]byte("x")); err == nil {
		t.Fatal("expected Write on a console without a framebuffer to fail")
	}
}

func TestVgaTextDriverInterface(t *testing.T) {
	cons, fb, restore := newTestConsole()
	defer restore()

	var dev device.Driver = cons
	if dev.DriverName() == "" {
		t.Fatal("DriverName() returned an empty string")
	}

	if major, minor, patch := dev.DriverVersion(); major+minor+patch == 0 {
		t.Fatal("DriverVersion() returned an invalid version number")
	}

	cons.Write([]byte("junk"))

	var buf bytes.Buffer
	if err := dev.DriverInit(&buf); err != nil {
		t.Fatal(err)
	}

	if exp := "[console] 80x25 text mode at 0xb8000\n"; buf.String() != exp {
		t.Fatalf("expected output %q; got %q", exp, buf.String())
	}

	clr := uint16(Attr(LightGray, Black))<<8 | uint16(' ')
	for i, cell := range fb {
		if cell != clr {
			t.Fatalf("expected DriverInit to clear the screen; cell %d is 0x%x", i, cell)
		}
	}
}
